// Package scorestore provides persistent storage for signature-scoring job
// state and result columns using SQLite. Score columns are stored as
// zstd-compressed little-endian float64 blobs.
package scorestore

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a scoring job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobParams contains the parameters of a scoring job. Signatures map a name
// to its raw feature tokens (trailing '-' marks a negative marker); nil
// option fields fall back to server defaults.
type JobParams struct {
	DatasetID      string              `json:"dataset_id"`
	Signatures     map[string][]string `json:"signatures"`
	MaxRank        int                 `json:"max_rank,omitempty"`
	ChunkSize      int                 `json:"chunk_size,omitempty"`
	Workers        int                 `json:"workers,omitempty"`
	NegativeWeight *float64            `json:"negative_weight,omitempty"`
}

// JobProgress represents the progress of a scoring job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents a signature-scoring job.
type Job struct {
	ID          string      `json:"job_id"`
	DatasetID   string      `json:"dataset_id"`
	Status      JobStatus   `json:"status"`
	Params      JobParams   `json:"params"`
	Progress    JobProgress `json:"progress"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	NCells      int         `json:"n_cells"`
	NSignatures int         `json:"n_signatures"`
	Error       string      `json:"error,omitempty"`
}

// SignatureResult is one signature's score column plus its diagnostics.
type SignatureResult struct {
	Signature   string    `json:"signature"`
	Scores      []float64 `json:"scores"`
	Missing     []string  `json:"missing_features,omitempty"`
	BelowCutoff int64     `json:"below_cutoff"`
}

// Store provides persistent storage for scoring jobs using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a new SQLite-based scoring store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS score_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_cells INTEGER DEFAULT 0,
		n_signatures INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_score_jobs_dataset ON score_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_score_jobs_status ON score_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_score_jobs_finished ON score_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS score_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		n_cells INTEGER NOT NULL,
		scores BLOB NOT NULL,
		missing_json TEXT DEFAULT '',
		below_cutoff INTEGER DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES score_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_score_results_job ON score_results(job_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_score_results_job_sig ON score_results(job_id, signature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO score_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_signatures, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NCells,
		job.NSignatures,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_signatures, error, created_at, started_at, finished_at
		FROM score_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE score_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE score_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE score_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts records the cell and signature counts of a started job.
func (s *Store) UpdateJobCounts(jobID string, nCells, nSignatures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE score_jobs SET n_cells = ?, n_signatures = ?
		WHERE job_id = ?
	`, nCells, nSignatures, jobID)
	return err
}

// InsertResults inserts all signature columns of a job in one transaction.
func (s *Store) InsertResults(jobID string, results []*SignatureResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO score_results (job_id, signature, n_cells, scores, missing_json, below_cutoff)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		blob := s.compressScores(r.Scores)
		missingJSON := ""
		if len(r.Missing) > 0 {
			b, err := json.Marshal(r.Missing)
			if err != nil {
				return fmt.Errorf("failed to marshal missing features: %w", err)
			}
			missingJSON = string(b)
		}
		if _, err := stmt.Exec(jobID, r.Signature, len(r.Scores), blob, missingJSON, r.BelowCutoff); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetResults returns all signature columns of a job in signature order.
func (s *Store) GetResults(jobID string) ([]*SignatureResult, error) {
	rows, err := s.db.Query(`
		SELECT signature, n_cells, scores, missing_json, below_cutoff
		FROM score_results
		WHERE job_id = ?
		ORDER BY signature ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SignatureResult
	for rows.Next() {
		var r SignatureResult
		var nCells int
		var blob []byte
		var missingJSON string
		if err := rows.Scan(&r.Signature, &nCells, &blob, &missingJSON, &r.BelowCutoff); err != nil {
			return nil, err
		}
		scores, err := s.decompressScores(blob, nCells)
		if err != nil {
			return nil, fmt.Errorf("failed to decode scores for %q: %w", r.Signature, err)
		}
		r.Scores = scores
		if missingJSON != "" {
			if err := json.Unmarshal([]byte(missingJSON), &r.Missing); err != nil {
				return nil, fmt.Errorf("failed to unmarshal missing features: %w", err)
			}
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_signatures, error, created_at, started_at, finished_at
		FROM score_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_signatures, error, created_at, started_at, finished_at
		FROM score_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE score_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM score_results WHERE job_id IN (
			SELECT job_id FROM score_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM score_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM score_results WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM score_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) compressScores(scores []float64) []byte {
	buf := make([]byte, 8*len(scores))
	for i, v := range scores {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return s.enc.EncodeAll(buf, nil)
}

func (s *Store) decompressScores(blob []byte, nCells int) ([]float64, error) {
	buf, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, err
	}
	if len(buf) != 8*nCells {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", len(buf), 8*nCells)
	}
	scores := make([]float64, nCells)
	for i := range scores {
		scores[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return scores, nil
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NCells,
		&job.NSignatures,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
