package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/matrix"
	"github.com/cellsig/server/internal/signature"
)

func mustSig(t *testing.T, name string, tokens []string) signature.Signature {
	t.Helper()
	sig, err := signature.Parse(name, tokens)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", name, err)
	}
	return sig
}

// The 3x4 reference matrix used across the end-to-end cases.
func referenceMatrix(t *testing.T) *matrix.Matrix {
	t.Helper()
	return mustDense(t, [][]float64{
		{10, 0, 0, 5}, // cellA
		{0, 10, 0, 0}, // cellB
		{5, 5, 5, 5},  // cellC
	}, []string{"f1", "f2", "f3", "f4"})
}

func TestRun_EndToEnd(t *testing.T) {
	m := referenceMatrix(t)
	sigs := []signature.Signature{mustSig(t, "s", []string{"f1", "f4"})}

	table, diags, err := Run(context.Background(), m, sigs, Options{MaxRank: 4, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	col := table.Column("s")
	// cellA holds f1, f4 at ranks 1 and 2: best possible rank-sum, score 1.
	if col[0] != 1 {
		t.Errorf("cellA score = %v, want 1", col[0])
	}
	// cellB expresses neither: both clipped at the cutoff, score exactly 0.
	if col[1] != 0 {
		t.Errorf("cellB score = %v, want 0", col[1])
	}
	// cellC ties all four features at mid-rank 2.5: score 1 - 2/5 = 0.6.
	if math.Abs(col[2]-0.6) > 1e-12 {
		t.Errorf("cellC score = %v, want 0.6", col[2])
	}

	if got := diags.BelowCutoff["s"]; got != 2 {
		t.Errorf("below-cutoff count = %d, want 2 (cellB's f1 and f4)", got)
	}
}

func TestRun_NegativeMarkerPenalty(t *testing.T) {
	m := referenceMatrix(t)
	plain := []signature.Signature{mustSig(t, "s", []string{"f2"})}
	penalized := []signature.Signature{mustSig(t, "s", []string{"f2", "f3-"})}

	opts := Options{MaxRank: 4, NegativeWeight: 1}
	tp, _, err := Run(context.Background(), m, plain, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	tn, _, err := Run(context.Background(), m, penalized, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// cellC expresses f2 and f3 equally; the negative marker must pull the
	// score below the positive-only variant.
	if !(tn.Rows[2][0] < tp.Rows[2][0]) {
		t.Errorf("penalized score %v not below plain score %v", tn.Rows[2][0], tp.Rows[2][0])
	}
	// With full negative weight an equally expressed negative set cancels
	// the positive contribution entirely.
	if tn.Rows[2][0] != 0 {
		t.Errorf("penalized cellC score = %v, want 0", tn.Rows[2][0])
	}
}

func TestRun_ScoresBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nCells, nFeatures := 120, 60
	features := make([]string, nFeatures)
	for i := range features {
		features[i] = "g" + string(rune('A'+i%26)) + string(rune('0'+i/26))
	}
	values := make([][]float64, nCells)
	for c := range values {
		row := make([]float64, nFeatures)
		for f := range row {
			if rng.Float64() < 0.3 {
				row[f] = math.Floor(rng.Float64() * 50)
			}
		}
		values[c] = row
	}
	m, err := matrix.NewDense(values, features, matrix.CellsByFeatures)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}

	sigs := []signature.Signature{
		mustSig(t, "a", []string{features[0], features[5], features[9]}),
		mustSig(t, "b", []string{features[1], features[2] + "-", features[3] + "-"}),
		mustSig(t, "c", []string{features[10], features[11], features[12], features[13] + "-"}),
	}
	table, _, err := Run(context.Background(), m, sigs, Options{MaxRank: 20, ChunkSize: 16, NegativeWeight: 0.7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, row := range table.Rows {
		for j, s := range row {
			if math.IsNaN(s) || s < 0 || s > 1 {
				t.Fatalf("score out of [0,1] at cell %d signature %s: %v", i, table.Signatures[j], s)
			}
		}
	}
}

func TestRun_TopRankedScoresOne(t *testing.T) {
	// Three positives share the top expression; mid-rank ties still give the
	// minimal rank-sum, so the score is exactly 1.
	m := mustDense(t, [][]float64{{9, 9, 9, 1, 0, 0}}, []string{"a", "b", "c", "d", "e", "f"})
	sigs := []signature.Signature{mustSig(t, "s", []string{"a", "b", "c"})}

	table, _, err := Run(context.Background(), m, sigs, Options{MaxRank: 6, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := table.Rows[0][0]; got != 1 {
		t.Errorf("score = %v, want 1", got)
	}
}

func TestRun_FeatureOrderInvariant(t *testing.T) {
	m := referenceMatrix(t)
	a := []signature.Signature{mustSig(t, "s", []string{"f1", "f2", "f4"})}
	b := []signature.Signature{mustSig(t, "s", []string{"f4", "f1", "f2"})}

	opts := Options{MaxRank: 4, NegativeWeight: 1}
	ta, _, err := Run(context.Background(), m, a, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	tb, _, err := Run(context.Background(), m, b, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i := range ta.Rows {
		if ta.Rows[i][0] != tb.Rows[i][0] {
			t.Errorf("cell %d: score differs with feature order: %v vs %v", i, ta.Rows[i][0], tb.Rows[i][0])
		}
	}
}

func TestRun_DeterministicUnderParallelism(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	nCells, nFeatures := 257, 40
	features := make([]string, nFeatures)
	for i := range features {
		features[i] = "g" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	values := make([][]float64, nCells)
	for c := range values {
		row := make([]float64, nFeatures)
		for f := range row {
			if rng.Float64() < 0.4 {
				row[f] = math.Floor(rng.Float64()*30) + 1
			}
		}
		values[c] = row
	}
	m, err := matrix.NewDense(values, features, matrix.CellsByFeatures)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	sigs := []signature.Signature{
		mustSig(t, "a", []string{features[0], features[7], features[21]}),
		mustSig(t, "b", []string{features[3], features[4] + "-"}),
	}

	seq, _, err := Run(context.Background(), m, sigs, Options{MaxRank: 25, ChunkSize: 32, Workers: 1, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("sequential Run failed: %v", err)
	}
	par, _, err := Run(context.Background(), m, sigs, Options{MaxRank: 25, ChunkSize: 32, Workers: 4, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("parallel Run failed: %v", err)
	}

	if len(seq.Rows) != len(par.Rows) {
		t.Fatalf("row count differs: %d vs %d", len(seq.Rows), len(par.Rows))
	}
	for i := range seq.Rows {
		for j := range seq.Rows[i] {
			if seq.Rows[i][j] != par.Rows[i][j] {
				t.Fatalf("row %d col %d differs: %v vs %v", i, j, seq.Rows[i][j], par.Rows[i][j])
			}
		}
	}
}

func TestRun_MissingFeatureDiagnostics(t *testing.T) {
	m := referenceMatrix(t)
	sigs := []signature.Signature{mustSig(t, "s", []string{"f1", "nope1", "nope2"})}

	table, diags, err := Run(context.Background(), m, sigs, Options{MaxRank: 4, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	missing := diags.MissingFeatures["s"]
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want 2 entries", missing)
	}
	// Scoring proceeds over the remaining feature: cellA has f1 at rank 1.
	if table.Rows[0][0] != 1 {
		t.Errorf("cellA score = %v, want 1", table.Rows[0][0])
	}
}

func TestRun_EmptySignatureScoresZero(t *testing.T) {
	m := referenceMatrix(t)
	sigs := []signature.Signature{mustSig(t, "ghost", []string{"nope1", "nope2"})}

	table, diags, err := Run(context.Background(), m, sigs, Options{MaxRank: 4, NegativeWeight: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(diags.EmptySignatures) != 1 || diags.EmptySignatures[0] != "ghost" {
		t.Errorf("EmptySignatures = %v, want [ghost]", diags.EmptySignatures)
	}
	for i, row := range table.Rows {
		if row[0] != 0 {
			t.Errorf("cell %d score = %v, want 0", i, row[0])
		}
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	m := referenceMatrix(t)
	sig := mustSig(t, "s", []string{"f1", "f4"})

	cases := []struct {
		name string
		opts Options
	}{
		{"negativeMaxRank", Options{MaxRank: -1}},
		{"negativeChunkSize", Options{ChunkSize: -1}},
		{"negativeWorkers", Options{Workers: -2}},
		{"negativeWeight", Options{NegativeWeight: -0.5}},
		{"maxRankTooSmallForSignature", Options{MaxRank: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Run(context.Background(), m, []signature.Signature{sig}, tc.opts)
			var ce *errs.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestRun_NoSignatures(t *testing.T) {
	m := referenceMatrix(t)
	_, _, err := Run(context.Background(), m, nil, Options{})
	var ce *errs.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	m := referenceMatrix(t)
	sigs := []signature.Signature{mustSig(t, "s", []string{"f1"})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Run(ctx, m, sigs, Options{MaxRank: 4})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_ProgressReported(t *testing.T) {
	m := referenceMatrix(t)
	sigs := []signature.Signature{mustSig(t, "s", []string{"f1"})}

	var calls int
	var lastTotal int
	_, _, err := Run(context.Background(), m, sigs, Options{
		MaxRank:   4,
		ChunkSize: 1,
		Progress: func(done, total int) {
			calls++
			lastTotal = total
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 3 || lastTotal != 3 {
		t.Errorf("progress calls = %d (total %d), want 3 calls over 3 chunks", calls, lastTotal)
	}
}
