package crawl

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/progress"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a background crawl started over the API.
type Job struct {
	ID          string                `json:"id"`
	Source      models.Source         `json:"source"`
	Status      string                `json:"status"`
	IDs         []string              `json:"ids"`
	Events      []progress.Event      `json:"events"`
	Summaries   []models.CrawlSummary `json:"summaries,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.IDs = append([]string(nil), j.IDs...)
	c.Events = append([]progress.Event(nil), j.Events...)
	c.Summaries = append([]models.CrawlSummary(nil), j.Summaries...)
	return c
}

// RunFunc is the crawl a job executes, e.g. Runner.RunPlayStore bound to a sink.
type RunFunc func(ctx context.Context, ids []string, reporter progress.Reporter) ([]models.CrawlSummary, error)

// Jobs tracks background crawls in memory.
type Jobs struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewJobs(logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		jobs:   make(map[string]*Job),
		logger: logger.With("component", "job_manager"),
	}
}

// Start registers a job and runs it in the background under ctx. extra
// reporters receive the job's events as well.
func (m *Jobs) Start(ctx context.Context, source models.Source, ids []string, run RunFunc, extra ...progress.Reporter) Job {
	job := &Job{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    JobPending,
		IDs:       append([]string(nil), ids...),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := job.clone()
	m.mu.Unlock()

	reporter := append(progress.Multi{&jobReporter{jobs: m, id: job.ID}}, extra...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, job.ID, ids, run, reporter)
	}()

	m.logger.Info("job started", "job_id", job.ID, "source", source, "ids", len(ids))
	return snapshot
}

func (m *Jobs) run(ctx context.Context, id string, ids []string, run RunFunc, reporter progress.Reporter) {
	m.update(id, func(j *Job) {
		now := time.Now()
		j.Status = JobRunning
		j.StartedAt = &now
	})

	summaries, err := run(ctx, ids, reporter)

	m.update(id, func(j *Job) {
		now := time.Now()
		j.CompletedAt = &now
		j.Summaries = summaries
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobCompleted
	})

	if err != nil {
		m.logger.Error("job failed", "job_id", id, "error", err)
		return
	}
	m.logger.Info("job completed", "job_id", id, "targets", len(summaries))
}

func (m *Jobs) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		fn(j)
	}
}

func (m *Jobs) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns all jobs, newest first.
func (m *Jobs) List() []Job {
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.clone())
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs
}

// Wait blocks until every started job has returned.
func (m *Jobs) Wait() {
	m.wg.Wait()
}

type jobReporter struct {
	jobs *Jobs
	id   string
}

func (r *jobReporter) Report(e progress.Event) error {
	r.jobs.update(r.id, func(j *Job) {
		j.Events = append(j.Events, e)
	})
	return nil
}
