// Package service provides business logic for the signature-scoring server.
package service

import (
	"sort"
	"sync"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/matrix"
)

// Dataset is one registered expression matrix together with its embeddings
// and derived per-cell columns (signature scores, smoothed values). The
// matrix itself is immutable; embeddings and columns are guarded by a
// read-write lock since scoring jobs attach columns concurrently with
// reads.
type Dataset struct {
	ID     string
	Matrix *matrix.Matrix

	mu         sync.RWMutex
	embeddings map[string][][]float64
	columns    map[string][]float64
}

// NewDataset creates a dataset around an expression matrix.
func NewDataset(id string, m *matrix.Matrix) *Dataset {
	return &Dataset{
		ID:         id,
		Matrix:     m,
		embeddings: make(map[string][][]float64),
		columns:    make(map[string][]float64),
	}
}

// AddEmbedding registers a named embedding. Its row count must match the
// matrix cell count.
func (d *Dataset) AddEmbedding(name string, coords [][]float64) error {
	if name == "" {
		return errs.Configf("embedding has no name")
	}
	if len(coords) != d.Matrix.NCells() {
		return errs.Shapef("embedding %q has %d rows but matrix has %d cells", name, len(coords), d.Matrix.NCells())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.embeddings[name] = coords
	return nil
}

// Embedding returns a named embedding.
func (d *Dataset) Embedding(name string) ([][]float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	emb, ok := d.embeddings[name]
	return emb, ok
}

// EmbeddingNames returns the registered embedding names in sorted order.
func (d *Dataset) EmbeddingNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.embeddings))
	for name := range d.embeddings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetColumn attaches a derived per-cell column to the dataset.
func (d *Dataset) SetColumn(name string, values []float64) error {
	if len(values) != d.Matrix.NCells() {
		return errs.Shapef("column %q has %d values but matrix has %d cells", name, len(values), d.Matrix.NCells())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.columns[name] = values
	return nil
}

// Column returns a derived column by name.
func (d *Dataset) Column(name string) ([]float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	col, ok := d.columns[name]
	return col, ok
}

// ColumnNames returns the derived column names in sorted order.
func (d *Dataset) ColumnNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.columns))
	for name := range d.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
