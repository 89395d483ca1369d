package api

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/scorestore"
)

func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()
	jm, err := NewJobManager(JobManagerConfig{
		SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("NewJobManager failed: %v", err)
	}
	t.Cleanup(jm.Stop)
	return jm
}

// TestSubmitValidation tests that malformed jobs are rejected before queueing
func TestSubmitValidation(t *testing.T) {
	jm := newTestJobManager(t)

	valid := map[string][]string{"tcell": {"CD3D", "CD8A"}}
	tests := []struct {
		name   string
		params scorestore.JobParams
	}{
		{"missing dataset", scorestore.JobParams{Signatures: valid}},
		{"no signatures", scorestore.JobParams{DatasetID: "pbmc"}},
		{"unnamed signature", scorestore.JobParams{
			DatasetID:  "pbmc",
			Signatures: map[string][]string{"": {"CD3D"}},
		}},
		{"empty signature", scorestore.JobParams{
			DatasetID:  "pbmc",
			Signatures: map[string][]string{"tcell": {}},
		}},
		{"negative max_rank", scorestore.JobParams{
			DatasetID:  "pbmc",
			Signatures: valid,
			MaxRank:    -1,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jm.Submit(tt.params)
			if err == nil {
				t.Fatal("expected Submit to reject params")
			}
			var ce *errs.ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

// TestSubmitQueuesJob tests that a valid job is persisted and counted
func TestSubmitQueuesJob(t *testing.T) {
	jm := newTestJobManager(t)

	// No workers started, so the job stays queued
	job, err := jm.Submit(scorestore.JobParams{
		DatasetID:  "pbmc",
		Signatures: map[string][]string{"tcell": {"CD3D"}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Status != scorestore.JobStatusQueued {
		t.Errorf("status = %s, want %s", job.Status, scorestore.JobStatusQueued)
	}

	stored := jm.Get(job.ID)
	if stored == nil || stored.DatasetID != "pbmc" {
		t.Fatalf("job not persisted: %+v", stored)
	}

	stats := jm.Stats()
	if stats.Queued != 1 || stats.Running != 0 {
		t.Errorf("stats = %+v, want queued=1 running=0", stats)
	}
}
