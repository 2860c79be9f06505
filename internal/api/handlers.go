package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/review-crawler/internal/crawl"
	"github.com/maltedev/review-crawler/internal/database"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/output"
	"github.com/maltedev/review-crawler/internal/progress"
)

// Runner is the part of crawl.Runner the handlers drive.
type Runner interface {
	RunSteam(ctx context.Context, ids []string, sink output.Sink, reporter progress.Reporter) ([]models.CrawlSummary, error)
	RunPlayStore(ctx context.Context, ids []string, sink output.Sink, reporter progress.Reporter) ([]models.CrawlSummary, error)
}

type SinkOpener interface {
	OpenSink(ctx context.Context, source models.Source) (output.Sink, error)
}

// IDSource returns the configured target ids of a platform.
type IDSource func(source models.Source) ([]string, error)

// OutboxStats is implemented by database.Relay.
type OutboxStats interface {
	Backlog(ctx context.Context) (database.Backlog, error)
}

// TargetStats is implemented by storage.TargetStore.
type TargetStats interface {
	GetStats() map[string]int
}

// ReviewCounter is implemented by database.ReviewRepository.
type ReviewCounter interface {
	CountBySource(ctx context.Context, source models.Source, sourceID string) (int64, error)
}

type Handlers struct {
	ctx     context.Context
	runner  Runner
	jobs    *crawl.Jobs
	sinks   SinkOpener
	ids     IDSource
	outbox  OutboxStats
	targets TargetStats
	reviews ReviewCounter
	logger  *slog.Logger
}

// NewHandlers builds the API handlers. Background jobs run under ctx, not
// under the request that started them.
func NewHandlers(ctx context.Context, runner Runner, jobs *crawl.Jobs, sinks SinkOpener, ids IDSource, outbox OutboxStats, targets TargetStats, reviews ReviewCounter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ctx:     ctx,
		runner:  runner,
		jobs:    jobs,
		sinks:   sinks,
		ids:     ids,
		outbox:  outbox,
		targets: targets,
		reviews: reviews,
		logger:  logger.With("component", "api"),
	}
}

// Health reports ok, adding outbox backlog when a relay is running.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
	}
	status := http.StatusOK

	if h.outbox != nil {
		backlog, err := h.outbox.Backlog(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox backlog", "error", err)
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "error",
				"message": "outbox unavailable",
			})
			return
		}
		health["outbox"] = backlog

		if backlog.Pending > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if backlog.DeadLetter > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// SteamStream crawls Steam and streams progress as server-sent events. Ids
// come from the "ids" query parameter or the configured id file.
func (h *Handlers) SteamStream(w http.ResponseWriter, r *http.Request) {
	ids, err := h.resolveIDs(models.SourceSteam, splitIDs(r.URL.Query().Get("ids")))
	if err != nil {
		h.logger.Error("failed to read steam ids", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read steam ids")
		return
	}

	stream, err := progress.NewSSE(w)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sink, err := h.sinks.OpenSink(r.Context(), models.SourceSteam)
	if err != nil {
		h.logger.Error("failed to open output", "error", err)
		_ = stream.Report(progress.Failed("", err))
		return
	}
	defer func() {
		if err := sink.Close(); err != nil {
			h.logger.Error("failed to close output", "error", err)
		}
	}()

	reporter := progress.Multi{stream, progress.NewLog(h.logger)}
	if _, err := h.runner.RunSteam(r.Context(), ids, sink, reporter); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("steam crawl failed", "error", err)
	}
}

type CreateCrawlRequest struct {
	IDs []string `json:"ids"`
}

type CreateCrawlResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreatePlayStoreCrawl starts a background Play store crawl. An empty body or
// id list falls back to the configured id file.
func (h *Handlers) CreatePlayStoreCrawl(w http.ResponseWriter, r *http.Request) {
	h.createCrawl(w, r, models.SourcePlayStore, h.runner.RunPlayStore)
}

// CreateSteamCrawl is the background-job variant of SteamStream.
func (h *Handlers) CreateSteamCrawl(w http.ResponseWriter, r *http.Request) {
	h.createCrawl(w, r, models.SourceSteam, h.runner.RunSteam)
}

type runFunc func(ctx context.Context, ids []string, sink output.Sink, reporter progress.Reporter) ([]models.CrawlSummary, error)

func (h *Handlers) createCrawl(w http.ResponseWriter, r *http.Request, source models.Source, run runFunc) {
	var req CreateCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ids, err := h.resolveIDs(source, req.IDs)
	if err != nil {
		h.logger.Error("failed to read ids", "source", source, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read ids")
		return
	}
	if len(ids) == 0 {
		h.respondError(w, http.StatusBadRequest, "no ids to crawl")
		return
	}

	job := h.jobs.Start(h.ctx, source, ids, func(ctx context.Context, ids []string, reporter progress.Reporter) ([]models.CrawlSummary, error) {
		sink, err := h.sinks.OpenSink(ctx, source)
		if err != nil {
			_ = reporter.Report(progress.Failed("", err))
			return nil, err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				h.logger.Error("failed to close output", "source", source, "error", err)
			}
		}()
		return run(ctx, ids, sink, reporter)
	}, progress.NewLog(h.logger))

	h.respondJSON(w, http.StatusAccepted, CreateCrawlResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Crawl started",
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.respondError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	job, ok := h.jobs.Get(jobID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.List())
}

// GetStats reports target counts by run state and job counts by status.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	jobs := map[string]int{}
	for _, job := range h.jobs.List() {
		jobs[job.Status]++
	}

	stats := map[string]interface{}{
		"jobs": jobs,
	}
	if h.targets != nil {
		stats["targets"] = h.targets.GetStats()
	}

	h.respondJSON(w, http.StatusOK, stats)
}

type ReviewCountResponse struct {
	Source   models.Source `json:"source"`
	SourceID string        `json:"source_id"`
	Count    int64         `json:"count"`
}

// CountReviews reports how many reviews Postgres holds for one target.
func (h *Handlers) CountReviews(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		h.respondError(w, http.StatusServiceUnavailable, "review store disabled")
		return
	}

	source, err := models.ParseSource(r.URL.Query().Get("source"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	count, err := h.reviews.CountBySource(r.Context(), source, id)
	if err != nil {
		h.logger.Error("failed to count reviews", "source", source, "source_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to count reviews")
		return
	}

	h.respondJSON(w, http.StatusOK, ReviewCountResponse{Source: source, SourceID: id, Count: count})
}

func (h *Handlers) resolveIDs(source models.Source, requested []string) ([]string, error) {
	var ids []string
	for _, id := range requested {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}
	return h.ids(source)
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
