package fetch

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/url"

	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/models"
)

// StartCursor opens every partition.
const StartCursor = "*"

// ErrParseMismatch is returned by extractors when a response body does not
// have the expected shape.
var ErrParseMismatch = errors.New("parse mismatch")

// PageRequest is the state of one partition walk. Offset grows by the page
// size and PageIndex by one after each successful page.
type PageRequest struct {
	TargetID  string
	Language  string
	Cursor    string
	PageIndex int
	Offset    int
	PageSize  int
}

// Page is what an extractor reads out of one response body. An empty
// NextCursor ends the partition.
type Page struct {
	Records    []models.ReviewRecord
	NextCursor string
}

// Batch is one yielded page of records.
type Batch struct {
	Request PageRequest
	Records []models.ReviewRecord
}

// Extractor knows the endpoint layout and body format of one platform.
type Extractor interface {
	URL(targetID string) string
	Params(req PageRequest) url.Values
	Extract(req PageRequest, body []byte) (Page, error)
}

// Requester performs one resilient GET, retries included.
type Requester interface {
	IssueRequest(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

type Engine struct {
	client     Requester
	extractor  Extractor
	partitions []string
	pageSize   int
	source     models.Source
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Config struct {
	Partitions []string
	PageSize   int
	Source     models.Source
}

func NewEngine(cfg Config, client Requester, extractor Extractor, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	partitions := cfg.Partitions
	if len(partitions) == 0 {
		partitions = []string{"all"}
	}
	return &Engine{
		client:     client,
		extractor:  extractor,
		partitions: partitions,
		pageSize:   cfg.PageSize,
		source:     cfg.Source,
		metrics:    m,
		logger:     logger.With("component", "fetch"),
	}
}

// Pages returns a pull-driven pager over every partition of targetID. No
// request is made until the first call to Next.
func (e *Engine) Pages(targetID string) *Pager {
	return &Pager{engine: e, targetID: targetID}
}

// Batches adapts Pages to a range-over-func sequence. Iteration stops at the
// end of the last partition or at the first context error.
func (e *Engine) Batches(ctx context.Context, targetID string) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		pager := e.Pages(targetID)
		for {
			batch, err := pager.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

type Pager struct {
	engine    *Engine
	targetID  string
	partition int
	active    bool
	req       PageRequest

	Failed int
}

// Next performs one round trip and returns its batch, which may be empty.
// It returns io.EOF once every partition is exhausted. A partition whose
// request fails after retries is logged and abandoned, and Next moves on to
// the next partition.
func (p *Pager) Next(ctx context.Context) (Batch, error) {
	e := p.engine

	for {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if p.partition >= len(e.partitions) {
			return Batch{}, io.EOF
		}

		if !p.active {
			p.req = PageRequest{
				TargetID: p.targetID,
				Language: e.partitions[p.partition],
				Cursor:   StartCursor,
				PageSize: e.pageSize,
			}
			p.active = true
		}

		req := p.req
		body, err := e.client.IssueRequest(ctx, e.extractor.URL(p.targetID), e.extractor.Params(req))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Batch{}, ctxErr
			}
			e.logger.Error("abandoning partition",
				"target_id", p.targetID,
				"language", req.Language,
				"page_index", req.PageIndex,
				"error", err,
			)
			e.metrics.IncPartitionSkipped(string(e.source))
			p.Failed++
			p.endPartition()
			continue
		}

		page, err := e.extractor.Extract(req, body)
		if err != nil {
			// the cursor is unknown, so the partition cannot continue
			e.logger.Warn("unparseable page, ending partition",
				"target_id", p.targetID,
				"language", req.Language,
				"page_index", req.PageIndex,
				"error", err,
			)
			e.metrics.IncError("parse_mismatch")
			p.endPartition()
			return Batch{Request: req}, nil
		}

		e.metrics.AddRecords(string(e.source), len(page.Records))

		if page.NextCursor == "" || page.NextCursor == req.Cursor {
			p.endPartition()
		} else {
			p.req.Cursor = page.NextCursor
			p.req.Offset += e.pageSize
			p.req.PageIndex++
		}

		return Batch{Request: req, Records: page.Records}, nil
	}
}

// Partitions reports how many partitions have been started or finished.
func (p *Pager) Partitions() int {
	if p.active {
		return p.partition + 1
	}
	return p.partition
}

func (p *Pager) endPartition() {
	p.partition++
	p.active = false
}
