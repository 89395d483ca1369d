package scorestore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := &Job{
		ID:        "abc123",
		DatasetID: "pbmc",
		Status:    JobStatusQueued,
		Params: JobParams{
			DatasetID:  "pbmc",
			Signatures: map[string][]string{"tcell": {"CD3D", "CD4-"}},
			MaxRank:    100,
		},
		CreatedAt: time.Now(),
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := s.GetJob("abc123")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil || got.Status != JobStatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Params.Signatures["tcell"][1] != "CD4-" {
		t.Errorf("params did not round-trip: %+v", got.Params)
	}

	if err := s.UpdateJobStarted("abc123"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	if err := s.UpdateJobProgress("abc123", "scoring", 2, 5); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	if err := s.UpdateJobCounts("abc123", 300, 1); err != nil {
		t.Fatalf("UpdateJobCounts failed: %v", err)
	}
	if err := s.UpdateJobStatus("abc123", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	got, err = s.GetJob("abc123")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != JobStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Progress.Phase != "scoring" || got.Progress.Done != 2 {
		t.Errorf("progress = %+v", got.Progress)
	}
	if got.NCells != 300 || got.NSignatures != 1 {
		t.Errorf("counts = %d cells, %d signatures", got.NCells, got.NSignatures)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	job, err := s.GetJob("missing")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job, got %+v", job)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := &Job{
		ID:        "j1",
		DatasetID: "pbmc",
		Status:    JobStatusQueued,
		Params:    JobParams{DatasetID: "pbmc"},
		CreatedAt: time.Now(),
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	in := []*SignatureResult{
		{Signature: "tcell", Scores: []float64{0, 0.25, 0.6, 1}, Missing: []string{"GENEX"}, BelowCutoff: 7},
		{Signature: "bcell", Scores: []float64{0.9, 0.1, 0, 0.5}},
	}
	if err := s.InsertResults("j1", in); err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	out, err := s.GetResults("j1")
	if err != nil {
		t.Fatalf("GetResults failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	// Results come back ordered by signature name.
	if out[0].Signature != "bcell" || out[1].Signature != "tcell" {
		t.Fatalf("unexpected order: %s, %s", out[0].Signature, out[1].Signature)
	}
	tcell := out[1]
	for i, v := range []float64{0, 0.25, 0.6, 1} {
		if tcell.Scores[i] != v {
			t.Errorf("score[%d] = %v, want %v", i, tcell.Scores[i], v)
		}
	}
	if len(tcell.Missing) != 1 || tcell.Missing[0] != "GENEX" {
		t.Errorf("missing = %v", tcell.Missing)
	}
	if tcell.BelowCutoff != 7 {
		t.Errorf("below_cutoff = %d, want 7", tcell.BelowCutoff)
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "j1", DatasetID: "d", Status: JobStatusQueued, Params: JobParams{DatasetID: "d"}, CreatedAt: time.Now()}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.InsertResults("j1", []*SignatureResult{{Signature: "s", Scores: []float64{1}}}); err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}
	if err := s.DeleteJob("j1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got != nil {
		t.Errorf("job not deleted: %+v", got)
	}
	res, err := s.GetResults("j1")
	if err != nil {
		t.Fatalf("GetResults failed: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("results not deleted: %d rows", len(res))
	}
}
