package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

type Status string

const (
	StatusBeginning Status = "beginning"
	StatusCrawling  Status = "crawling"
	StatusUploading Status = "uploading"
	StatusFinish    Status = "finish"
	StatusError     Status = "error"
)

type Event struct {
	Status  Status `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func Beginning() Event {
	return Event{Status: StatusBeginning}
}

func Crawling(id string) Event {
	return Event{Status: StatusCrawling, ID: id}
}

func Uploading(id string) Event {
	return Event{Status: StatusUploading, ID: id}
}

func Finish() Event {
	return Event{Status: StatusFinish}
}

// Failed carries err's message; id is empty when the whole run failed.
func Failed(id string, err error) Event {
	return Event{Status: StatusError, ID: id, Message: err.Error()}
}

// Reporter receives run progress. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Report(Event) error
}

var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSE writes events as "data: <json>\n\n" frames and flushes after each.
type SSE struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSE sets the event-stream headers on w.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSE{w: w, flusher: flusher}, nil
}

func (s *SSE) Report(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Log reports events through slog.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "progress")}
}

func (l *Log) Report(e Event) error {
	if e.Status == StatusError {
		l.logger.Error("crawl progress", "status", e.Status, "id", e.ID, "message", e.Message)
		return nil
	}
	l.logger.Info("crawl progress", "status", e.Status, "id", e.ID)
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi forwards each event to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(e Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(Event) error { return nil }
