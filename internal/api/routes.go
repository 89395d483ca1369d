package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellsig/server/internal/cache"
	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/matrix"
	"github.com/cellsig/server/internal/scorestore"
	"github.com/cellsig/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Scores      *service.ScoreService
	Smoother    *service.SmoothService
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global dataset endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Post("/api/datasets", datasetCreateHandler(cfg.Registry))
	r.Delete("/api/datasets/{dataset}", datasetDeleteHandler(cfg.Registry, cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/matrix", datasetMatrixHandler)
			r.Get("/columns", datasetColumnsHandler)
			r.Get("/columns/{column}", datasetColumnValuesHandler)

			r.Post("/score", scoreHandler(cfg.Scores))
			r.Post("/smooth", smoothHandler(cfg.Smoother))

			// Asynchronous scoring job endpoints
			r.Route("/score/jobs", func(r chi.Router) {
				r.Post("/", scoreJobSubmitHandler(cfg.JobManager))
				r.Get("/", scoreJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", scoreJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", scoreJobResultHandler(cfg.JobManager))
				r.Delete("/{job_id}", scoreJobDeleteHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for the resolved dataset
type ctxKey string

const datasetKey ctxKey = "dataset"

// datasetMiddleware resolves the dataset from the URL and injects it into
// the request context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			ds := registry.Get(datasetID)
			if ds == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetKey, ds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDataset(r *http.Request) *service.Dataset {
	if ds, ok := r.Context().Value(datasetKey).(*service.Dataset); ok {
		return ds
	}
	return nil
}

// httpStatusFor maps the engine error taxonomy onto HTTP status codes.
// Configuration and shape problems are the caller's fault.
func httpStatusFor(err error) int {
	var cfgErr *errs.ConfigError
	var shapeErr *errs.ShapeError
	if errors.As(err, &cfgErr) || errors.As(err, &shapeErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// datasetsHandler returns the list of registered datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"datasets": registry.Datasets(),
		})
	}
}

type csrPayload struct {
	Data    []float64 `json:"data"`
	Indices []int     `json:"indices"`
	Indptr  []int     `json:"indptr"`
	NCells  int       `json:"n_cells"`
}

type createDatasetRequest struct {
	ID          string                 `json:"id"`
	Features    []string               `json:"features"`
	Orientation string                 `json:"orientation"`
	Dense       [][]float64            `json:"dense,omitempty"`
	CSR         *csrPayload            `json:"csr,omitempty"`
	Embeddings  map[string][][]float64 `json:"embeddings,omitempty"`
}

// datasetCreateHandler registers a new dataset from a JSON matrix payload.
func datasetCreateHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDatasetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(req.ID) == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if len(req.Features) == 0 {
			http.Error(w, "features is required", http.StatusBadRequest)
			return
		}
		if (req.Dense == nil) == (req.CSR == nil) {
			http.Error(w, "exactly one of dense or csr is required", http.StatusBadRequest)
			return
		}

		orient := matrix.Orientation(req.Orientation)
		var (
			m   *matrix.Matrix
			err error
		)
		if req.Dense != nil {
			m, err = matrix.NewDense(req.Dense, req.Features, orient)
		} else {
			nMinor := len(req.Features)
			if orient == matrix.FeaturesByCells {
				if req.CSR.NCells <= 0 {
					http.Error(w, "csr.n_cells is required for features_by_cells", http.StatusBadRequest)
					return
				}
				nMinor = req.CSR.NCells
			}
			m, err = matrix.NewCSR(req.CSR.Data, req.CSR.Indices, req.CSR.Indptr, nMinor, req.Features, orient)
		}
		if err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}

		ds := service.NewDataset(req.ID, m)
		for name, coords := range req.Embeddings {
			if err := ds.AddEmbedding(name, coords); err != nil {
				http.Error(w, err.Error(), httpStatusFor(err))
				return
			}
		}

		if !registry.Register(ds) {
			http.Error(w, "dataset already exists: "+req.ID, http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         ds.ID,
			"n_cells":    m.NCells(),
			"n_features": m.NFeatures(),
			"nnz":        m.NNZ(),
		})
	}
}

func datasetDeleteHandler(registry *DatasetRegistry, cacheManager *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := chi.URLParam(r, "dataset")
		if !registry.Remove(datasetID) {
			http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
			return
		}
		if cacheManager != nil {
			// Drop graphs built for the removed dataset's embeddings.
			cacheManager.InvalidateGraphs()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      datasetID,
			"deleted": true,
		})
	}
}

// datasetMatrixHandler returns the shape and feature names of the matrix.
func datasetMatrixHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	if ds == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":         ds.ID,
		"n_cells":    ds.Matrix.NCells(),
		"n_features": ds.Matrix.NFeatures(),
		"nnz":        ds.Matrix.NNZ(),
		"features":   ds.Matrix.Features(),
		"embeddings": ds.EmbeddingNames(),
	})
}

// datasetColumnsHandler lists the derived per-cell columns of the dataset.
func datasetColumnsHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	if ds == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"columns": ds.ColumnNames(),
	})
}

func datasetColumnValuesHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	if ds == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	name := chi.URLParam(r, "column")
	values, ok := ds.Column(name)
	if !ok {
		http.Error(w, "column not found: "+name, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"column": name,
		"values": values,
	})
}

type scoreRequest struct {
	Signatures     map[string][]string `json:"signatures"`
	MaxRank        int                 `json:"max_rank"`
	ChunkSize      int                 `json:"chunk_size"`
	Workers        int                 `json:"workers"`
	NegativeWeight *float64            `json:"negative_weight"`
}

func (req *scoreRequest) jobParams(datasetID string) scorestore.JobParams {
	return scorestore.JobParams{
		DatasetID:      datasetID,
		Signatures:     req.Signatures,
		MaxRank:        req.MaxRank,
		ChunkSize:      req.ChunkSize,
		Workers:        req.Workers,
		NegativeWeight: req.NegativeWeight,
	}
}

// scoreHandler runs signature scoring synchronously.
func scoreHandler(scores *service.ScoreService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := getDataset(r)
		if ds == nil {
			http.Error(w, "dataset not available", http.StatusInternalServerError)
			return
		}

		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Signatures) == 0 {
			http.Error(w, "signatures is required", http.StatusBadRequest)
			return
		}

		table, diags, cached, err := scores.Score(r.Context(), ds, req.Signatures, req.jobParams(ds.ID))
		if err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}

		columns := make(map[string][]float64, len(table.Signatures))
		for _, name := range table.Signatures {
			columns[name] = table.Column(name)
		}

		response := map[string]interface{}{
			"signatures": table.Signatures,
			"n_cells":    ds.Matrix.NCells(),
			"scores":     columns,
			"cached":     cached,
		}
		if diags != nil {
			response["diagnostics"] = map[string]interface{}{
				"missing_features": diags.MissingFeatures,
				"empty_signatures": diags.EmptySignatures,
				"below_cutoff":     diags.BelowCutoff,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

type smoothRequest struct {
	Embedding string               `json:"embedding"`
	Columns   []string             `json:"columns"`
	Values    map[string][]float64 `json:"values"`
	Suffix    string               `json:"suffix"`
	K         int                  `json:"k"`
	Dims      int                  `json:"dims"`
	Kernel    string               `json:"kernel"`
}

// smoothHandler averages columns over the embedding's neighbor graph.
func smoothHandler(smoother *service.SmoothService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := getDataset(r)
		if ds == nil {
			http.Error(w, "dataset not available", http.StatusInternalServerError)
			return
		}

		var req smoothRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Embedding) == "" {
			http.Error(w, "embedding is required", http.StatusBadRequest)
			return
		}

		smoothed, err := smoother.Smooth(ds, req.Embedding, req.Columns, req.Values, req.Suffix, req.K, req.Dims, req.Kernel)
		if err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}

		names := make([]string, 0, len(smoothed))
		for name := range smoothed {
			names = append(names, name)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": req.Embedding,
			"columns":   names,
			"smoothed":  smoothed,
		})
	}
}

// Scoring job handlers

func scoreJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		ds := getDataset(r)
		if ds == nil {
			http.Error(w, "dataset not available", http.StatusInternalServerError)
			return
		}

		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		job, err := jm.Submit(req.jobParams(ds.ID))
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), httpStatusFor(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func scoreJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
			"queue": jm.Stats(),
		})
	}
}

func scoreJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Check dataset matches
		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":       job.ID,
			"status":       job.Status,
			"created_at":   job.CreatedAt,
			"started_at":   job.StartedAt,
			"finished_at":  job.FinishedAt,
			"progress":     job.Progress,
			"n_cells":      job.NCells,
			"n_signatures": job.NSignatures,
			"error":        job.Error,
		})
	}
}

func scoreJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status != scorestore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		results, err := jm.Store().GetResults(jobID)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":       job.ID,
			"params":       job.Params,
			"n_cells":      job.NCells,
			"n_signatures": job.NSignatures,
			"results":      results,
		})
	}
}

// scoreJobDeleteHandler cancels an active job, or deletes a finished one
// along with its stored results.
func scoreJobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch job.Status {
		case scorestore.JobStatusQueued, scorestore.JobStatusRunning:
			jm.Cancel(jobID)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":    jobID,
				"cancelled": true,
			})
		default:
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
		}
	}
}
