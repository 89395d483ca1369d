package scoring

import (
	"testing"

	"github.com/cellsig/server/internal/matrix"
)

func mustDense(t *testing.T, values [][]float64, features []string) *matrix.Matrix {
	t.Helper()
	m, err := matrix.NewDense(values, features, matrix.CellsByFeatures)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	return m
}

func TestRankCell_DescendingOrder(t *testing.T) {
	m := mustDense(t, [][]float64{{3, 9, 1, 7}}, []string{"a", "b", "c", "d"})
	rk := newRanker(4, 10)
	rk.rankCell(m, 0)

	want := map[int]float64{1: 1, 3: 2, 0: 3, 2: 4}
	for f, r := range want {
		if got := rk.rank(f); got != r {
			t.Errorf("rank(%d) = %v, want %v", f, got, r)
		}
	}
}

func TestRankCell_MidRankTies(t *testing.T) {
	m := mustDense(t, [][]float64{{5, 8, 5, 5, 2}}, []string{"a", "b", "c", "d", "e"})
	rk := newRanker(5, 10)
	rk.rankCell(m, 0)

	if got := rk.rank(1); got != 1 {
		t.Errorf("rank(b) = %v, want 1", got)
	}
	// a, c, d tie across positions 2..4: mid-rank 3.
	for _, f := range []int{0, 2, 3} {
		if got := rk.rank(f); got != 3 {
			t.Errorf("rank(%d) = %v, want 3", f, got)
		}
	}
	if got := rk.rank(4); got != 5 {
		t.Errorf("rank(e) = %v, want 5", got)
	}
}

func TestRankCell_CutoffCollapses(t *testing.T) {
	m := mustDense(t, [][]float64{{9, 8, 7, 6, 5}}, []string{"a", "b", "c", "d", "e"})
	rk := newRanker(5, 3)
	rk.rankCell(m, 0)

	for f, want := range []float64{1, 2, 3, 4, 4} {
		got := rk.rank(f)
		if f < 3 && got != want {
			t.Errorf("rank(%d) = %v, want %v", f, got, want)
		}
		if f >= 3 && got != rk.below {
			t.Errorf("rank(%d) = %v, want below-cutoff %v", f, got, rk.below)
		}
	}
}

func TestRankCell_ZerosBelowNonzero(t *testing.T) {
	m := mustDense(t, [][]float64{{0, 1, 0}}, []string{"a", "b", "c"})
	rk := newRanker(3, 3)
	rk.rankCell(m, 0)

	if got := rk.rank(1); got != 1 {
		t.Errorf("rank(b) = %v, want 1", got)
	}
	for _, f := range []int{0, 2} {
		if got := rk.rank(f); got != rk.below {
			t.Errorf("zero feature %d ranked %v, want below-cutoff %v", f, got, rk.below)
		}
	}
}

func TestRankCell_ResetBetweenCells(t *testing.T) {
	m := mustDense(t, [][]float64{
		{9, 8, 7},
		{0, 0, 4},
	}, []string{"a", "b", "c"})
	rk := newRanker(3, 5)
	rk.rankCell(m, 0)
	rk.rankCell(m, 1)

	if got := rk.rank(2); got != 1 {
		t.Errorf("rank(c) = %v, want 1", got)
	}
	for _, f := range []int{0, 1} {
		if got := rk.rank(f); got != rk.below {
			t.Errorf("stale rank %v for feature %d after reset", got, f)
		}
	}
}
