package knn

import (
	"github.com/cellsig/server/internal/errs"
)

// DefaultSuffix names smoothed columns derived from signature scores.
const DefaultSuffix = "_kNN"

// Smooth returns the weighted local average of values over the graph: each
// cell's smoothed value is the weight-sum of its neighbors' original values.
// The input is never modified. The smoother has no notion of what the
// column represents; scores and raw feature measurements smooth alike.
func Smooth(values []float64, g *Graph) ([]float64, error) {
	if len(values) != g.NCells() {
		return nil, errs.Shapef("column has %d values but graph covers %d cells", len(values), g.NCells())
	}
	out := make([]float64, len(values))
	for i := range values {
		var acc float64
		neighbors := g.Neighbors[i]
		weights := g.Weights[i]
		for p, nb := range neighbors {
			acc += weights[p] * values[nb]
		}
		out[i] = acc
	}
	return out, nil
}

// SmoothColumns smooths every named column and returns the results keyed by
// the original name plus suffix (DefaultSuffix when empty).
func SmoothColumns(columns map[string][]float64, g *Graph, suffix string) (map[string][]float64, error) {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	out := make(map[string][]float64, len(columns))
	for name, values := range columns {
		smoothed, err := Smooth(values, g)
		if err != nil {
			return nil, err
		}
		out[name+suffix] = smoothed
	}
	return out, nil
}
