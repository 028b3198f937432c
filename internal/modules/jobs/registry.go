// Package jobs runs workbook exports and tracks asynchronous generate jobs.
package jobs

import (
	"sync"
	"time"

	"github.com/aristath/saa/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status of a generate job
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Files are the locations of the exported workbooks
type Files struct {
	SAAResults       string `json:"saaResults"`
	PortfolioResults string `json:"portfolioResults"`
}

// Record is the state of one generate job
type Record struct {
	ID        string    `json:"jobId"`
	StorageID string    `json:"storageId"`
	FileName  string    `json:"fileName"`
	Status    Status    `json:"status"`
	Files     *Files    `json:"files,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry keeps generate jobs in memory until they are pruned
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Record
	now     func() time.Time
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Registry, log zerolog.Logger) *Registry {
	return &Registry{
		jobs:    make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: m,
		log:     log.With().Str("component", "job_registry").Logger(),
	}
}

// Create registers a new processing job
func (r *Registry) Create(storageID, fileName string) Record {
	now := r.now()
	rec := &Record{
		ID:        uuid.NewString(),
		StorageID: storageID,
		FileName:  fileName,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[rec.ID] = rec
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveJobs.Inc()
	}
	return *rec
}

// Complete marks a job as completed with its files
func (r *Registry) Complete(id string, files Files) {
	r.finish(id, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Files = &files
	})
}

// Fail marks a job as failed
func (r *Registry) Fail(id string, err error) {
	r.finish(id, func(rec *Record) {
		rec.Status = StatusError
		rec.Error = err.Error()
	})
}

func (r *Registry) finish(id string, update func(*Record)) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	wasProcessing := ok && rec.Status == StatusProcessing
	if ok {
		update(rec)
		rec.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn().Str("job_id", id).Msg("Finished job is not registered")
		return
	}
	if wasProcessing && r.metrics != nil {
		r.metrics.ActiveJobs.Dec()
	}
}

// Get returns a copy of a job
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, false
	}
	out := *rec
	if rec.Files != nil {
		files := *rec.Files
		out.Files = &files
	}
	return out, true
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Prune removes finished jobs last updated before now - retention.
// Processing jobs are never pruned.
func (r *Registry) Prune(retention time.Duration) int {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.jobs {
		if rec.Status != StatusProcessing && rec.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// CleanupJob prunes finished generate jobs past their retention
type CleanupJob struct {
	registry  *Registry
	retention time.Duration
	log       zerolog.Logger
}

// NewCleanupJob creates the pruning job
func NewCleanupJob(registry *Registry, retention time.Duration, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		registry:  registry,
		retention: retention,
		log:       log.With().Str("job", "generate_job_cleanup").Logger(),
	}
}

// Run prunes the registry
func (j *CleanupJob) Run() error {
	removed := j.registry.Prune(j.retention)
	if removed > 0 {
		j.log.Info().
			Int("removed", removed).
			Int("remaining", j.registry.Len()).
			Msg("Pruned finished generate jobs")
	}
	return nil
}

// Name returns the job name for scheduling and logging
func (j *CleanupJob) Name() string {
	return "generate_job_cleanup"
}
