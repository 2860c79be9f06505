package output

import (
	"context"
	"errors"

	"github.com/maltedev/review-crawler/internal/models"
)

// Sink persists the records produced for one target id.
type Sink interface {
	Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error
	Close() error
}

// MultiSink fans every write out to all of its sinks. A failing sink does not
// stop the others; their errors are joined.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

func (m *MultiSink) Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, sourceID, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}
