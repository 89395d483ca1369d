// Package api provides HTTP handlers for the signature-scoring server.
package api

import (
	"sync"

	"github.com/cellsig/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID         string   `json:"id"`
	NCells     int      `json:"n_cells"`
	NFeatures  int      `json:"n_features"`
	Embeddings []string `json:"embeddings"`
}

// DatasetRegistry holds all registered datasets. Unlike a config-driven
// registry it is mutable at runtime: datasets arrive and leave over the
// API.
type DatasetRegistry struct {
	mu       sync.RWMutex
	datasets map[string]*service.Dataset
	order    []string
}

// NewDatasetRegistry creates an empty dataset registry.
func NewDatasetRegistry() *DatasetRegistry {
	return &DatasetRegistry{datasets: make(map[string]*service.Dataset)}
}

// Register adds a dataset. It reports false when the ID is already taken.
func (r *DatasetRegistry) Register(ds *service.Dataset) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[ds.ID]; exists {
		return false
	}
	r.datasets[ds.ID] = ds
	r.order = append(r.order, ds.ID)
	return true
}

// Get returns a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.datasets[datasetID]
}

// Remove deletes a dataset, reporting whether it existed.
func (r *DatasetRegistry) Remove(datasetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[datasetID]; !exists {
		return false
	}
	delete(r.datasets, datasetID)
	for i, id := range r.order {
		if id == datasetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// DatasetIDs returns all dataset IDs in registration order.
func (r *DatasetRegistry) DatasetIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]DatasetInfo, 0, len(r.order))
	for _, id := range r.order {
		ds := r.datasets[id]
		infos = append(infos, DatasetInfo{
			ID:         id,
			NCells:     ds.Matrix.NCells(),
			NFeatures:  ds.Matrix.NFeatures(),
			Embeddings: ds.EmbeddingNames(),
		})
	}
	return infos
}
