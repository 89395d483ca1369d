// Package knn builds k-nearest-neighbor graphs over low-dimensional cell
// embeddings and smooths per-cell columns by weighted local averaging.
package knn

import (
	"math"
	"runtime"
	"sync"

	"github.com/cellsig/server/internal/errs"
)

// Kernel selects how neighbor distances become edge weights.
type Kernel string

const (
	// KernelGaussian weights neighbors by exp(-(d/h)^2) with h the mean
	// neighbor distance of the cell. Falls back to uniform weights when all
	// neighbor distances are zero.
	KernelGaussian Kernel = "gaussian"
	// KernelInverse weights neighbors by 1/(d+eps).
	KernelInverse Kernel = "inverse"
)

const (
	DefaultK = 15

	// invEps keeps inverse-distance weights finite for zero distances.
	invEps = 1e-12
)

// Options controls graph construction.
type Options struct {
	// K is the neighbor count per cell.
	K int
	// Dims limits the embedding coordinates used for distance; 0 uses all.
	Dims int
	// Kernel converts distance to weight. Default gaussian.
	Kernel Kernel
	// Workers is the parallelism for the all-pairs scan; 0 uses NumCPU.
	Workers int
}

// Graph holds, per cell, its k nearest other cells and normalized edge
// weights. Built once per embedding and reused across smoothing calls.
type Graph struct {
	K         int
	Neighbors [][]int
	Weights   [][]float64
}

// NCells returns the number of cells in the graph.
func (g *Graph) NCells() int { return len(g.Neighbors) }

// Build computes the exact k-nearest-neighbor graph of the embedding under
// Euclidean distance. Self-edges are excluded and boundary ties break by
// ascending cell index, so identical input always yields an identical
// graph.
func Build(embedding [][]float64, opts Options) (*Graph, error) {
	n := len(embedding)
	if n < 2 {
		return nil, errs.Shapef("embedding must have at least 2 cells, got %d", n)
	}
	dims := len(embedding[0])
	for i, row := range embedding {
		if len(row) != dims {
			return nil, errs.Shapef("embedding row %d has %d dims, expected %d", i, len(row), dims)
		}
	}
	if dims == 0 {
		return nil, errs.Shapef("embedding has no coordinate dimensions")
	}

	if opts.K == 0 {
		opts.K = DefaultK
	}
	if opts.K < 1 {
		return nil, errs.Configf("k must be positive, got %d", opts.K)
	}
	if opts.K >= n {
		return nil, errs.Configf("k (%d) must be smaller than the cell count (%d)", opts.K, n)
	}
	if opts.Dims < 0 || opts.Dims > dims {
		return nil, errs.Shapef("embedding has %d dims, cannot use %d", dims, opts.Dims)
	}
	if opts.Dims > 0 {
		dims = opts.Dims
	}
	if opts.Kernel == "" {
		opts.Kernel = KernelGaussian
	}
	if opts.Kernel != KernelGaussian && opts.Kernel != KernelInverse {
		return nil, errs.Configf("unknown kernel %q", opts.Kernel)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	g := &Graph{
		K:         opts.K,
		Neighbors: make([][]int, n),
		Weights:   make([][]float64, n),
	}

	cells := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel := newSelector(opts.K)
			for i := range cells {
				buildCell(embedding, dims, i, sel, opts.Kernel, g)
			}
		}()
	}
	for i := 0; i < n; i++ {
		cells <- i
	}
	close(cells)
	wg.Wait()

	return g, nil
}

// selector keeps the k best (dist2, index) candidates in ascending order.
type selector struct {
	k     int
	cand  []candidate
}

type candidate struct {
	index int
	dist2 float64
}

func newSelector(k int) *selector {
	return &selector{k: k, cand: make([]candidate, 0, k)}
}

func (s *selector) reset() { s.cand = s.cand[:0] }

// offer inserts a candidate if it beats the current k-th boundary. Equal
// distances prefer the smaller index.
func (s *selector) offer(index int, dist2 float64) {
	if len(s.cand) == s.k {
		worst := s.cand[s.k-1]
		if dist2 > worst.dist2 || (dist2 == worst.dist2 && index > worst.index) {
			return
		}
		s.cand = s.cand[:s.k-1]
	}
	pos := len(s.cand)
	for pos > 0 {
		prev := s.cand[pos-1]
		if dist2 > prev.dist2 || (dist2 == prev.dist2 && index > prev.index) {
			break
		}
		pos--
	}
	s.cand = append(s.cand, candidate{})
	copy(s.cand[pos+1:], s.cand[pos:])
	s.cand[pos] = candidate{index: index, dist2: dist2}
}

func buildCell(embedding [][]float64, dims, i int, sel *selector, kernel Kernel, g *Graph) {
	sel.reset()
	pi := embedding[i]
	for j := range embedding {
		if j == i {
			continue
		}
		pj := embedding[j]
		var d2 float64
		for d := 0; d < dims; d++ {
			diff := pi[d] - pj[d]
			d2 += diff * diff
		}
		sel.offer(j, d2)
	}

	k := len(sel.cand)
	neighbors := make([]int, k)
	dists := make([]float64, k)
	for p, c := range sel.cand {
		neighbors[p] = c.index
		dists[p] = math.Sqrt(c.dist2)
	}

	g.Neighbors[i] = neighbors
	g.Weights[i] = kernelWeights(dists, kernel)
}

// kernelWeights converts neighbor distances to weights normalized to sum
// to 1. Closer neighbors always get at least the weight of farther ones;
// all-zero distances split weight uniformly.
func kernelWeights(dists []float64, kernel Kernel) []float64 {
	k := len(dists)
	weights := make([]float64, k)

	switch kernel {
	case KernelInverse:
		for i, d := range dists {
			weights[i] = 1 / (d + invEps)
		}
	default: // gaussian
		var mean float64
		for _, d := range dists {
			mean += d
		}
		mean /= float64(k)
		if mean == 0 {
			for i := range weights {
				weights[i] = 1
			}
		} else {
			for i, d := range dists {
				r := d / mean
				weights[i] = math.Exp(-r * r)
			}
		}
	}

	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
		uniform := 1 / float64(k)
		for i := range weights {
			weights[i] = uniform
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
