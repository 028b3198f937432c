package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/saa/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a maintenance task run on a cron schedule
type Job interface {
	Run() error
	Name() string
}

// JobStatus is the last known outcome of a scheduled job
type JobStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
	Next      time.Time     `json:"next_run,omitempty"`
}

type scheduledJob struct {
	job    Job
	entry  cron.EntryID
	status JobStatus
}

// Scheduler runs maintenance jobs such as generate job pruning. A job still
// running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Registry
	log     zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

// NewScheduler creates a scheduler with second-resolution schedules. m may
// be nil when run outcomes need not be exported.
func NewScheduler(m *metrics.Registry, log zerolog.Logger) *Scheduler {
	l := log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: l}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		metrics: m,
		log:     l,
		jobs:    make(map[string]*scheduledJob),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.Status())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a unique name. Schedule examples:
//   - "0 */5 * * * *" every 5 minutes
//   - "@every 30s"
func (s *Scheduler) AddJob(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q is already scheduled", name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	s.jobs[name] = &scheduledJob{
		job:    job,
		entry:  id,
		status: JobStatus{Name: name, Schedule: schedule},
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", name).
		Msg("Job registered")
	return nil
}

// Status returns a snapshot of every registered job ordered by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, sj := range s.jobs {
		st := sj.status
		st.Next = s.cron.Entry(sj.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// run executes one registered job and records its outcome
func (s *Scheduler) run(name string) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()
	err := sj.job.Run()
	d := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordJob(name, d, err)
	}

	s.mu.Lock()
	sj.status.Runs++
	sj.status.LastRun = start
	sj.status.Duration = d
	sj.status.LastError = ""
	if err != nil {
		sj.status.Failures++
		sj.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", name).
			Dur("duration", d).
			Msg("Job failed")
		return
	}
	s.log.Debug().
		Str("job", name).
		Dur("duration", d).
		Msg("Job completed")
}

// cronLogger routes cron's own messages (recovered panics, skipped runs)
// through zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
