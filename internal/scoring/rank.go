package scoring

import (
	"sort"

	"github.com/cellsig/server/internal/matrix"
)

type rankedEntry struct {
	feature int
	value   float64
}

// ranker assigns per-cell expression ranks. One ranker is owned by a single
// worker and reused across the cells of its chunk; the rank buffer is reset
// between cells by walking the touched features.
type ranker struct {
	maxRank int
	below   float64 // maxRank + 1, the fixed below-cutoff rank
	ranks   []float64
	touched []int
	entries []rankedEntry
}

func newRanker(nFeatures, maxRank int) *ranker {
	rk := &ranker{
		maxRank: maxRank,
		below:   float64(maxRank + 1),
		ranks:   make([]float64, nFeatures),
	}
	for i := range rk.ranks {
		rk.ranks[i] = rk.below
	}
	return rk
}

// rankCell ranks one cell's features by descending expression. Ranks 1..n
// are assigned to the non-zero features with mid-rank tie resolution; any
// mid-rank past maxRank collapses to the below-cutoff rank, as do all
// zero-expression features, so zeros never outrank measured expression.
func (rk *ranker) rankCell(m *matrix.Matrix, cell int) {
	for _, f := range rk.touched {
		rk.ranks[f] = rk.below
	}
	rk.touched = rk.touched[:0]
	rk.entries = rk.entries[:0]

	m.ScanRow(cell, func(feature int, v float64) {
		if v > 0 {
			rk.entries = append(rk.entries, rankedEntry{feature: feature, value: v})
		}
	})

	sort.Slice(rk.entries, func(i, j int) bool {
		if rk.entries[i].value != rk.entries[j].value {
			return rk.entries[i].value > rk.entries[j].value
		}
		return rk.entries[i].feature < rk.entries[j].feature
	})

	i := 0
	for i < len(rk.entries) {
		j := i
		for j < len(rk.entries) && rk.entries[j].value == rk.entries[i].value {
			j++
		}
		// 1-based positions i+1..j share the mid-rank (i+j+1)/2.
		avg := float64(i+j+1) / 2.0
		if avg > float64(rk.maxRank) {
			avg = rk.below
		}
		for k := i; k < j; k++ {
			rk.ranks[rk.entries[k].feature] = avg
			rk.touched = append(rk.touched, rk.entries[k].feature)
		}
		i = j
	}
}

// rank returns the rank assigned to a feature for the current cell; features
// not ranked (zero expression or past the cutoff) carry the below-cutoff
// rank.
func (rk *ranker) rank(feature int) float64 {
	return rk.ranks[feature]
}
