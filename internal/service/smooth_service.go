package service

import (
	"log"

	"github.com/cellsig/server/internal/cache"
	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/knn"
)

// SmoothService smooths per-cell columns over a dataset embedding's
// neighbor graph. Graphs are built once per (embedding, k, kernel, dims)
// and cached.
type SmoothService struct {
	cache    *cache.Manager
	defaults knn.Options
}

// NewSmoothService creates a new smoothing service.
func NewSmoothService(cacheManager *cache.Manager, defaults knn.Options) *SmoothService {
	return &SmoothService{cache: cacheManager, defaults: defaults}
}

// resolveOptions layers request overrides over the configured defaults.
func (s *SmoothService) resolveOptions(k, dims int, kernel string) knn.Options {
	opts := s.defaults
	if k > 0 {
		opts.K = k
	}
	if dims > 0 {
		opts.Dims = dims
	}
	if kernel != "" {
		opts.Kernel = knn.Kernel(kernel)
	}
	return opts
}

// Graph returns the neighbor graph of a dataset embedding, building it on
// first use.
func (s *SmoothService) Graph(ds *Dataset, embeddingName string, opts knn.Options) (*knn.Graph, error) {
	emb, ok := ds.Embedding(embeddingName)
	if !ok {
		return nil, errs.Configf("dataset %q has no embedding %q", ds.ID, embeddingName)
	}

	var key string
	if s.cache != nil {
		key = cache.GraphKey(ds.ID, embeddingName, opts.K, opts.Dims, string(opts.Kernel))
		if g, ok := s.cache.GetGraph(key); ok {
			return g, nil
		}
	}

	g, err := knn.Build(emb, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[Smooth] built %d-NN graph for %s/%s (%d cells)", g.K, ds.ID, embeddingName, g.NCells())

	if s.cache != nil {
		s.cache.SetGraph(key, g)
	}
	return g, nil
}

// Smooth averages the named stored columns and any caller-provided value
// columns over the embedding's neighbor graph. Smoothed columns are named
// <original><suffix>, attached back to the dataset, and returned.
func (s *SmoothService) Smooth(ds *Dataset, embeddingName string, columnNames []string, values map[string][]float64, suffix string, k, dims int, kernel string) (map[string][]float64, error) {
	opts := s.resolveOptions(k, dims, kernel)

	columns := make(map[string][]float64, len(columnNames)+len(values))
	for _, name := range columnNames {
		col, ok := ds.Column(name)
		if !ok {
			return nil, errs.Configf("dataset %q has no column %q", ds.ID, name)
		}
		columns[name] = col
	}
	for name, vals := range values {
		if name == "" {
			return nil, errs.Configf("value column has no name")
		}
		columns[name] = vals
	}
	if len(columns) == 0 {
		return nil, errs.Configf("nothing to smooth: no columns or values given")
	}

	g, err := s.Graph(ds, embeddingName, opts)
	if err != nil {
		return nil, err
	}

	smoothed, err := knn.SmoothColumns(columns, g, suffix)
	if err != nil {
		return nil, err
	}

	for name, col := range smoothed {
		if err := ds.SetColumn(name, col); err != nil {
			return nil, err
		}
	}
	return smoothed, nil
}
