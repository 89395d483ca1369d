package service

import (
	"context"
	"fmt"

	"github.com/cellsig/server/internal/cache"
	"github.com/cellsig/server/internal/scorestore"
	"github.com/cellsig/server/internal/scoring"
	"github.com/cellsig/server/internal/signature"
)

// ScoreService runs signature scoring over registered datasets, both
// synchronously and as job-manager executions.
type ScoreService struct {
	registry interface {
		Get(datasetID string) *Dataset
	}
	defaults scoring.Options
	cache    *cache.Manager
}

// NewScoreService creates a new scoring service.
func NewScoreService(registry interface{ Get(datasetID string) *Dataset }, defaults scoring.Options, cacheManager *cache.Manager) *ScoreService {
	return &ScoreService{registry: registry, defaults: defaults, cache: cacheManager}
}

// resolveOptions layers job parameters over the configured defaults.
func (s *ScoreService) resolveOptions(p scorestore.JobParams) scoring.Options {
	opts := s.defaults
	if p.MaxRank > 0 {
		opts.MaxRank = p.MaxRank
	}
	if p.ChunkSize > 0 {
		opts.ChunkSize = p.ChunkSize
	}
	if p.Workers > 0 {
		opts.Workers = p.Workers
	}
	if p.NegativeWeight != nil {
		opts.NegativeWeight = *p.NegativeWeight
	}
	return opts
}

// Score runs signature scoring for one dataset. When every requested
// signature's column is already cached the table is assembled from cache
// (reported by the cached flag; diagnostics are only produced by a fresh
// run). Fresh results are cached per signature and attached to the dataset
// as score columns.
func (s *ScoreService) Score(ctx context.Context, ds *Dataset, raw map[string][]string, params scorestore.JobParams) (*scoring.ScoreTable, *scoring.Diagnostics, bool, error) {
	opts := s.resolveOptions(params)

	if s.cache != nil {
		if table, ok := s.tableFromCache(ds, raw, opts); ok {
			return table, nil, true, nil
		}
	}

	sigs, err := signature.ParseSet(raw)
	if err != nil {
		return nil, nil, false, err
	}

	table, diags, err := scoring.Run(ctx, ds.Matrix, sigs, opts)
	if err != nil {
		return nil, nil, false, err
	}

	for _, name := range table.Signatures {
		col := table.Column(name)
		if err := ds.SetColumn(name, col); err != nil {
			return nil, nil, false, err
		}
		if s.cache != nil {
			key := cache.ScoreColumnKey(ds.ID, name, raw[name], opts.MaxRank, opts.NegativeWeight)
			if err := s.cache.SetColumn(key, col); err != nil {
				// Cache failures never fail the run.
				continue
			}
		}
	}
	return table, diags, false, nil
}

func (s *ScoreService) tableFromCache(ds *Dataset, raw map[string][]string, opts scoring.Options) (*scoring.ScoreTable, bool) {
	sigs, err := signature.ParseSet(raw)
	if err != nil {
		return nil, false
	}
	columns := make([][]float64, len(sigs))
	for i, sig := range sigs {
		key := cache.ScoreColumnKey(ds.ID, sig.Name, raw[sig.Name], opts.MaxRank, opts.NegativeWeight)
		col, ok := s.cache.GetColumn(key)
		if !ok || len(col) != ds.Matrix.NCells() {
			return nil, false
		}
		columns[i] = col
	}

	table := &scoring.ScoreTable{
		Signatures: make([]string, len(sigs)),
		Rows:       make([][]float64, ds.Matrix.NCells()),
	}
	for i, sig := range sigs {
		table.Signatures[i] = sig.Name
	}
	for c := range table.Rows {
		row := make([]float64, len(sigs))
		for i := range sigs {
			row[i] = columns[i][c]
		}
		table.Rows[c] = row
	}
	return table, true
}

// ExecuteScoreJob runs the scoring for a job (called by JobManager worker).
func (s *ScoreService) ExecuteScoreJob(ctx context.Context, store *scorestore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	ds := s.registry.Get(job.Params.DatasetID)
	if ds == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	store.UpdateJobProgress(jobID, "validating", 0, 1)

	sigs, err := signature.ParseSet(job.Params.Signatures)
	if err != nil {
		return err
	}
	store.UpdateJobCounts(jobID, ds.Matrix.NCells(), len(sigs))

	opts := s.resolveOptions(job.Params)
	opts.Progress = func(done, total int) {
		store.UpdateJobProgress(jobID, "scoring", done, total)
	}

	table, diags, err := scoring.Run(ctx, ds.Matrix, sigs, opts)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	store.UpdateJobProgress(jobID, "saving_results", 0, len(table.Signatures))

	results := make([]*scorestore.SignatureResult, 0, len(table.Signatures))
	for _, name := range table.Signatures {
		col := table.Column(name)
		r := &scorestore.SignatureResult{
			Signature: name,
			Scores:    col,
		}
		if diags != nil {
			r.Missing = diags.MissingFeatures[name]
			r.BelowCutoff = diags.BelowCutoff[name]
		}
		results = append(results, r)

		// Attach the score column to the dataset so it can be smoothed.
		if err := ds.SetColumn(name, col); err != nil {
			return err
		}
		if s.cache != nil {
			key := cache.ScoreColumnKey(ds.ID, name, job.Params.Signatures[name], opts.MaxRank, opts.NegativeWeight)
			s.cache.SetColumn(key, col)
		}
	}

	if err := store.InsertResults(jobID, results); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	return nil
}
