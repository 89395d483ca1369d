// Package scoring computes per-cell signature scores from an expression
// matrix. The statistic is rank-based: each cell's features are ranked by
// descending expression up to a cutoff, and a signature's score is derived
// from the rank-sum of its markers, so scores are insensitive to per-cell
// scaling. Cells are processed in contiguous chunks, optionally across a
// fixed pool of workers, with deterministic output order.
package scoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/matrix"
	"github.com/cellsig/server/internal/signature"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxRank        = 1500
	DefaultChunkSize      = 1000
	DefaultNegativeWeight = 1.0
)

// Options controls a scoring run. The zero value of MaxRank, ChunkSize and
// Workers selects the defaults; NegativeWeight 0 is meaningful (no penalty),
// so use DefaultOptions when the default penalty is wanted.
type Options struct {
	// MaxRank is the per-cell rank cutoff; features ranked past it carry a
	// fixed below-cutoff rank.
	MaxRank int
	// ChunkSize is the number of cells processed as one unit of work.
	ChunkSize int
	// Workers is the parallelism degree; 1 runs sequentially.
	Workers int
	// NegativeWeight scales the penalty of negative markers.
	NegativeWeight float64
	// Progress, if set, is called after each chunk completes.
	Progress func(done, total int)
}

// DefaultOptions returns Options with all defaults filled in.
func DefaultOptions() Options {
	return Options{
		MaxRank:        DefaultMaxRank,
		ChunkSize:      DefaultChunkSize,
		Workers:        1,
		NegativeWeight: DefaultNegativeWeight,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxRank == 0 {
		o.MaxRank = DefaultMaxRank
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Workers == 0 {
		o.Workers = 1
	}
}

func (o *Options) validate() error {
	if o.MaxRank < 1 {
		return errs.Configf("maxRank must be positive, got %d", o.MaxRank)
	}
	if o.ChunkSize < 1 {
		return errs.Configf("chunkSize must be positive, got %d", o.ChunkSize)
	}
	if o.Workers < 1 {
		return errs.Configf("workers must be at least 1, got %d", o.Workers)
	}
	if o.NegativeWeight < 0 {
		return errs.Configf("negativeWeight must be non-negative, got %g", o.NegativeWeight)
	}
	return nil
}

// ScoreTable holds one score per cell per signature, rows in input cell
// order.
type ScoreTable struct {
	Signatures []string    `json:"signatures"`
	Rows       [][]float64 `json:"rows"`
}

// Column returns the score column of one signature, or nil if the signature
// is not in the table.
func (t *ScoreTable) Column(name string) []float64 {
	col := -1
	for i, s := range t.Signatures {
		if s == name {
			col = i
			break
		}
	}
	if col < 0 {
		return nil
	}
	out := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[col]
	}
	return out
}

// Run scores every signature for every cell of m. Configuration and shape
// problems surface before any chunk is dispatched; a chunk fault cancels
// dispatch, lets in-flight chunks drain and fails the whole run. Output is
// all-or-nothing and row order always equals input cell order.
func Run(ctx context.Context, m *matrix.Matrix, sigs []signature.Signature, opts Options) (*ScoreTable, *Diagnostics, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	if m == nil || m.NCells() == 0 {
		return nil, nil, errs.Shapef("matrix has no cells")
	}
	if len(sigs) == 0 {
		return nil, nil, errs.Configf("no signatures given")
	}

	compiled, diags, err := compileSignatures(m, sigs, opts.MaxRank)
	if err != nil {
		return nil, nil, err
	}

	nCells := m.NCells()
	nChunks := (nCells + opts.ChunkSize - 1) / opts.ChunkSize
	partials := make([][][]float64, nChunks)
	belowParts := make([][]int64, nChunks)

	if opts.Workers == 1 {
		for ci := 0; ci < nChunks; ci++ {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			rows, below, err := processChunk(m, compiled, opts, ci)
			if err != nil {
				return nil, nil, &errs.ChunkError{Chunk: ci, Err: err}
			}
			partials[ci] = rows
			belowParts[ci] = below
			if opts.Progress != nil {
				opts.Progress(ci+1, nChunks)
			}
		}
	} else {
		if err := runParallel(ctx, m, compiled, opts, nChunks, partials, belowParts); err != nil {
			return nil, nil, err
		}
	}

	table := &ScoreTable{
		Signatures: make([]string, len(compiled)),
		Rows:       make([][]float64, 0, nCells),
	}
	for i, cs := range compiled {
		table.Signatures[i] = cs.name
	}
	for ci := 0; ci < nChunks; ci++ {
		table.Rows = append(table.Rows, partials[ci]...)
		for si, n := range belowParts[ci] {
			diags.BelowCutoff[compiled[si].name] += n
		}
	}
	return table, diags, nil
}

// runParallel distributes chunks over a fixed worker pool. Workers own their
// chunk's buffers exclusively and deposit partial results keyed by chunk
// index, so assembly order never depends on scheduling. The first failure
// stops dispatch; already-dispatched chunks drain before the error is
// surfaced.
func runParallel(ctx context.Context, m *matrix.Matrix, compiled []compiledSignature, opts Options, nChunks int, partials [][][]float64, belowParts [][]int64) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	firstChunk := -1
	done := 0

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ci := range jobs {
				rows, below, err := processChunk(m, compiled, opts, ci)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						firstChunk = ci
						cancel()
					}
				} else {
					partials[ci] = rows
					belowParts[ci] = below
					done++
					if opts.Progress != nil {
						opts.Progress(done, nChunks)
					}
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for ci := 0; ci < nChunks; ci++ {
		select {
		case jobs <- ci:
		case <-runCtx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return &errs.ChunkError{Chunk: firstChunk, Err: firstErr}
	}
	return ctx.Err()
}

// processChunk ranks and scores cells [chunk*size, min(n, (chunk+1)*size)).
// A panic inside the chunk is converted into an error so one bad chunk
// cannot take the whole process down.
func processChunk(m *matrix.Matrix, compiled []compiledSignature, opts Options, chunk int) (rows [][]float64, below []int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected fault: %v", r)
		}
	}()

	start := chunk * opts.ChunkSize
	end := start + opts.ChunkSize
	if end > m.NCells() {
		end = m.NCells()
	}

	rk := newRanker(m.NFeatures(), opts.MaxRank)
	rows = make([][]float64, 0, end-start)
	below = make([]int64, len(compiled))

	for cell := start; cell < end; cell++ {
		rk.rankCell(m, cell)
		row := make([]float64, len(compiled))
		for si := range compiled {
			s, b := compiled[si].scoreCell(rk, opts.NegativeWeight)
			row[si] = s
			below[si] += b
		}
		rows = append(rows, row)
	}
	return rows, below, nil
}
