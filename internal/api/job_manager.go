package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/cellsig/server/internal/errs"
	"github.com/cellsig/server/internal/scorestore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent scoring jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep completed jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager manages scoring jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *scorestore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual scoring computation.
	Executor func(ctx context.Context, store *scorestore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := scorestore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *scorestore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	// Start workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Start cleanup ticker
	go jm.cleaner()
}

// Stop stops all workers gracefully.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Mark as running
	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	started := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	switch {
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, scorestore.JobStatusCancelled, "cancelled by user")
		log.Printf("[JobManager] job %s cancelled after %s", jobID, time.Since(started).Round(time.Millisecond))
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, scorestore.JobStatusFailed, execErr.Error())
		log.Printf("[JobManager] job %s failed after %s: %v", jobID, time.Since(started).Round(time.Millisecond), execErr)
	default:
		jm.store.UpdateJobStatus(jobID, scorestore.JobStatusCompleted, "")
		log.Printf("[JobManager] job %s completed in %s", jobID, time.Since(started).Round(time.Millisecond))
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit validates the scoring parameters, creates a new job and enqueues
// it for execution.
func (jm *JobManager) Submit(params scorestore.JobParams) (*scorestore.Job, error) {
	if err := validateJobParams(params); err != nil {
		return nil, err
	}

	id := generateJobID()
	job := &scorestore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    scorestore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(id, scorestore.JobStatusFailed, "job queue is full; try again later")
	}

	return job, nil
}

// validateJobParams rejects jobs that could never score before they enter
// the queue; marker-level validation happens inside the executor, which can
// resolve features against the matrix.
func validateJobParams(params scorestore.JobParams) error {
	if params.DatasetID == "" {
		return errs.Configf("scoring job has no dataset")
	}
	if len(params.Signatures) == 0 {
		return errs.Configf("scoring job has no signatures")
	}
	for name, tokens := range params.Signatures {
		if name == "" {
			return errs.Configf("scoring job has an unnamed signature")
		}
		if len(tokens) == 0 {
			return errs.Configf("signature %q has no features", name)
		}
	}
	if params.MaxRank < 0 || params.ChunkSize < 0 || params.Workers < 0 {
		return errs.Configf("scoring job options must be non-negative")
	}
	return nil
}

// JobStats is a point-in-time snapshot of the scoring queue.
type JobStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Stats reports how many jobs are waiting and executing right now.
func (jm *JobManager) Stats() JobStats {
	jm.mu.Lock()
	running := len(jm.running)
	jm.mu.Unlock()
	return JobStats{Queued: len(jm.queue), Running: running}
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *scorestore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == scorestore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, scorestore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
