// Package matrix provides the in-memory expression matrix model used by the
// scoring engine. A matrix is cells x features after construction regardless
// of the orientation the caller supplied; inputs are copied, never mutated.
package matrix

import (
	"sort"

	"github.com/cellsig/server/internal/errs"
)

// Orientation declares how the caller's rows and columns map onto cells and
// features.
type Orientation string

const (
	CellsByFeatures Orientation = "cells_by_features"
	FeaturesByCells Orientation = "features_by_cells"
)

// Matrix is an immutable expression matrix, rows = cells, columns = features.
// It is backed by either a dense row-major slice or CSR arrays.
type Matrix struct {
	nCells    int
	nFeatures int
	features  []string
	index     map[string]int

	// dense storage (nil when sparse)
	dense [][]float64

	// CSR storage, one row per cell, column indices sorted ascending
	indptr  []int
	indices []int
	data    []float64
}

// NewDense builds a matrix from dense values. For CellsByFeatures each inner
// slice is one cell; for FeaturesByCells each inner slice is one feature and
// the values are transposed into cell-major order.
func NewDense(values [][]float64, features []string, orient Orientation) (*Matrix, error) {
	index, err := buildFeatureIndex(features)
	if err != nil {
		return nil, err
	}

	major := len(values)
	minor := -1
	for i, row := range values {
		if minor == -1 {
			minor = len(row)
		} else if len(row) != minor {
			return nil, errs.Shapef("row %d has %d values, expected %d", i, len(row), minor)
		}
	}
	if major == 0 || minor <= 0 {
		return nil, errs.Shapef("matrix has no values")
	}

	m := &Matrix{features: features, index: index}
	switch orient {
	case CellsByFeatures, "":
		if minor != len(features) {
			return nil, errs.Shapef("matrix has %d columns but %d feature names", minor, len(features))
		}
		m.nCells = major
		m.nFeatures = minor
		m.dense = make([][]float64, major)
		for i, row := range values {
			m.dense[i] = append([]float64(nil), row...)
		}
	case FeaturesByCells:
		if major != len(features) {
			return nil, errs.Shapef("matrix has %d rows but %d feature names", major, len(features))
		}
		m.nCells = minor
		m.nFeatures = major
		m.dense = make([][]float64, m.nCells)
		for c := range m.dense {
			row := make([]float64, m.nFeatures)
			for f := 0; f < m.nFeatures; f++ {
				row[f] = values[f][c]
			}
			m.dense[c] = row
		}
	default:
		return nil, errs.Configf("unknown orientation %q", orient)
	}
	return m, nil
}

// NewCSR builds a matrix from CSR arrays. The major axis of the CSR layout
// follows the declared orientation; a features x cells input is transposed
// into a cell-major CSR copy.
func NewCSR(data []float64, indices, indptr []int, nMinor int, features []string, orient Orientation) (*Matrix, error) {
	index, err := buildFeatureIndex(features)
	if err != nil {
		return nil, err
	}

	major := len(indptr) - 1
	if major < 1 {
		return nil, errs.Shapef("indptr must have at least 2 entries, got %d", len(indptr))
	}
	if len(data) != len(indices) {
		return nil, errs.Shapef("data has %d entries but indices has %d", len(data), len(indices))
	}
	if indptr[0] != 0 || indptr[major] != len(data) {
		return nil, errs.Shapef("indptr bounds [%d, %d] do not match %d entries", indptr[0], indptr[major], len(data))
	}
	for i := 1; i <= major; i++ {
		if indptr[i] < indptr[i-1] {
			return nil, errs.Shapef("indptr is not monotonic at row %d", i)
		}
	}
	for _, j := range indices {
		if j < 0 || j >= nMinor {
			return nil, errs.Shapef("column index %d out of range [0, %d)", j, nMinor)
		}
	}

	m := &Matrix{features: features, index: index}
	switch orient {
	case CellsByFeatures, "":
		if nMinor != len(features) {
			return nil, errs.Shapef("matrix has %d columns but %d feature names", nMinor, len(features))
		}
		m.nCells = major
		m.nFeatures = nMinor
		m.data = append([]float64(nil), data...)
		m.indices = append([]int(nil), indices...)
		m.indptr = append([]int(nil), indptr...)
		m.sortRows()
	case FeaturesByCells:
		if major != len(features) {
			return nil, errs.Shapef("matrix has %d rows but %d feature names", major, len(features))
		}
		m.nCells = nMinor
		m.nFeatures = major
		m.transposeCSR(data, indices, indptr)
	default:
		return nil, errs.Configf("unknown orientation %q", orient)
	}
	return m, nil
}

// transposeCSR converts a feature-major CSR into the cell-major layout via
// counting sort over the cell indices.
func (m *Matrix) transposeCSR(data []float64, indices, indptr []int) {
	nnz := len(data)
	counts := make([]int, m.nCells+1)
	for _, cell := range indices {
		counts[cell+1]++
	}
	for i := 1; i <= m.nCells; i++ {
		counts[i] += counts[i-1]
	}

	m.indptr = make([]int, m.nCells+1)
	copy(m.indptr, counts)
	m.indices = make([]int, nnz)
	m.data = make([]float64, nnz)

	next := append([]int(nil), counts[:m.nCells]...)
	for feature := 0; feature < m.nFeatures; feature++ {
		for p := indptr[feature]; p < indptr[feature+1]; p++ {
			cell := indices[p]
			dst := next[cell]
			next[cell]++
			m.indices[dst] = feature
			m.data[dst] = data[p]
		}
	}
	// Feature-major input visited in ascending feature order, so each
	// cell's indices come out already sorted.
}

func (m *Matrix) sortRows() {
	for cell := 0; cell < m.nCells; cell++ {
		lo, hi := m.indptr[cell], m.indptr[cell+1]
		if sort.IntsAreSorted(m.indices[lo:hi]) {
			continue
		}
		row := make([]int, hi-lo)
		for i := range row {
			row[i] = lo + i
		}
		sort.Slice(row, func(a, b int) bool {
			return m.indices[row[a]] < m.indices[row[b]]
		})
		idx := make([]int, hi-lo)
		vals := make([]float64, hi-lo)
		for i, p := range row {
			idx[i] = m.indices[p]
			vals[i] = m.data[p]
		}
		copy(m.indices[lo:hi], idx)
		copy(m.data[lo:hi], vals)
	}
}

func buildFeatureIndex(features []string) (map[string]int, error) {
	if len(features) == 0 {
		return nil, errs.Shapef("no feature names given")
	}
	index := make(map[string]int, len(features))
	for i, f := range features {
		if f == "" {
			return nil, errs.Shapef("feature name at position %d is empty", i)
		}
		if _, dup := index[f]; dup {
			return nil, errs.Shapef("duplicate feature name %q", f)
		}
		index[f] = i
	}
	return index, nil
}

// NCells returns the number of cells.
func (m *Matrix) NCells() int { return m.nCells }

// NFeatures returns the number of features.
func (m *Matrix) NFeatures() int { return m.nFeatures }

// Features returns the feature names in column order. The slice is shared;
// callers must not modify it.
func (m *Matrix) Features() []string { return m.features }

// FeatureIndex resolves a feature name to its column, reporting whether the
// feature exists in the matrix.
func (m *Matrix) FeatureIndex(name string) (int, bool) {
	i, ok := m.index[name]
	return i, ok
}

// Value returns the expression of one feature in one cell.
func (m *Matrix) Value(cell, feature int) float64 {
	if m.dense != nil {
		return m.dense[cell][feature]
	}
	lo, hi := m.indptr[cell], m.indptr[cell+1]
	row := m.indices[lo:hi]
	p := sort.SearchInts(row, feature)
	if p < len(row) && row[p] == feature {
		return m.data[lo+p]
	}
	return 0
}

// ScanRow calls fn for every non-zero entry of one cell in ascending feature
// order.
func (m *Matrix) ScanRow(cell int, fn func(feature int, value float64)) {
	if m.dense != nil {
		for f, v := range m.dense[cell] {
			if v != 0 {
				fn(f, v)
			}
		}
		return
	}
	for p := m.indptr[cell]; p < m.indptr[cell+1]; p++ {
		if m.data[p] != 0 {
			fn(m.indices[p], m.data[p])
		}
	}
}

// NNZ returns the number of stored non-zero entries. Dense matrices count
// their non-zero values.
func (m *Matrix) NNZ() int {
	if m.dense == nil {
		return len(m.data)
	}
	n := 0
	for _, row := range m.dense {
		for _, v := range row {
			if v != 0 {
				n++
			}
		}
	}
	return n
}
