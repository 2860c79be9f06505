package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/review-crawler/internal/models"
)

type fakeBody struct {
	Cursor  string   `json:"cursor"`
	Reviews []string `json:"reviews"`
}

// jsonExtractor reads fakeBody documents.
type jsonExtractor struct{}

func (jsonExtractor) URL(targetID string) string { return "http://fake.test/" + targetID }

func (jsonExtractor) Params(req PageRequest) url.Values {
	return url.Values{"cursor": {req.Cursor}, "language": {req.Language}}
}

func (jsonExtractor) Extract(req PageRequest, body []byte) (Page, error) {
	var b fakeBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrParseMismatch, err)
	}
	page := Page{NextCursor: b.Cursor}
	for _, r := range b.Reviews {
		page.Records = append(page.Records, models.ReviewRecord{SourceID: req.TargetID, Text: r, Language: req.Language})
	}
	return page, nil
}

type call struct {
	language string
	cursor   string
}

// scriptedRequester answers per language with a fixed list of bodies, or an
// error for languages listed in fail.
type scriptedRequester struct {
	bodies map[string][]string
	fail   map[string]bool
	calls  []call
}

func (s *scriptedRequester) IssueRequest(_ context.Context, _ string, params url.Values) ([]byte, error) {
	lang := params.Get("language")
	s.calls = append(s.calls, call{language: lang, cursor: params.Get("cursor")})
	if s.fail[lang] {
		return nil, errors.New("network exhausted")
	}
	n := 0
	for _, c := range s.calls {
		if c.language == lang {
			n++
		}
	}
	bodies := s.bodies[lang]
	if n > len(bodies) {
		return nil, errors.New("unexpected request")
	}
	return []byte(bodies[n-1]), nil
}

func body(cursor string, reviews ...string) string {
	b, _ := json.Marshal(fakeBody{Cursor: cursor, Reviews: reviews})
	return string(b)
}

func collect(t *testing.T, pager *Pager) []Batch {
	t.Helper()
	var batches []Batch
	for {
		b, err := pager.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

func TestPagerStopsOnRepeatedCursor(t *testing.T) {
	req := &scriptedRequester{bodies: map[string][]string{
		"english": {body("c1", "a", "b"), body("c1", "c")},
	}}
	engine := NewEngine(Config{Partitions: []string{"english"}, PageSize: 20}, req, jsonExtractor{}, nil, nil)

	batches := collect(t, engine.Pages("570"))

	require.Len(t, batches, 2)
	assert.Equal(t, []call{{"english", "*"}, {"english", "c1"}}, req.calls)
	assert.Len(t, batches[0].Records, 2)
	assert.Len(t, batches[1].Records, 1)
}

func TestPagerAdvancesOffsetAndPageIndex(t *testing.T) {
	req := &scriptedRequester{bodies: map[string][]string{
		"english": {body("c1"), body("c2"), body("")},
	}}
	engine := NewEngine(Config{Partitions: []string{"english"}, PageSize: 20}, req, jsonExtractor{}, nil, nil)

	batches := collect(t, engine.Pages("570"))
	require.Len(t, batches, 3)

	for i, b := range batches {
		assert.Equal(t, i, b.Request.PageIndex)
		assert.Equal(t, i*20, b.Request.Offset)
	}
	assert.Equal(t, "*", batches[0].Request.Cursor)
	assert.Equal(t, "c2", batches[2].Request.Cursor)
}

func TestPagerAbandonsFailedPartitionAndContinues(t *testing.T) {
	req := &scriptedRequester{
		bodies: map[string][]string{"vietnamese": {body("", "xin chao")}},
		fail:   map[string]bool{"english": true},
	}
	engine := NewEngine(Config{Partitions: []string{"english", "vietnamese"}, PageSize: 20}, req, jsonExtractor{}, nil, nil)
	pager := engine.Pages("570")

	batches := collect(t, pager)

	require.Len(t, batches, 1)
	assert.Equal(t, "vietnamese", batches[0].Request.Language)
	assert.Equal(t, 1, pager.Failed)
	assert.Equal(t, 2, pager.Partitions())
}

func TestPagerParseMismatchEndsPartitionWithEmptyBatch(t *testing.T) {
	req := &scriptedRequester{bodies: map[string][]string{
		"english":    {"<html>blocked</html>"},
		"vietnamese": {body("", "ok")},
	}}
	engine := NewEngine(Config{Partitions: []string{"english", "vietnamese"}}, req, jsonExtractor{}, nil, nil)

	batches := collect(t, engine.Pages("570"))

	require.Len(t, batches, 2)
	assert.Empty(t, batches[0].Records)
	assert.Len(t, batches[1].Records, 1)
}

func TestPagerIsLazy(t *testing.T) {
	req := &scriptedRequester{bodies: map[string][]string{
		"english": {body("c1", "a"), body("c2", "b"), body("")},
	}}
	engine := NewEngine(Config{Partitions: []string{"english"}}, req, jsonExtractor{}, nil, nil)

	pager := engine.Pages("570")
	assert.Empty(t, req.calls)

	_, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, req.calls, 1)

	_, err = pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, req.calls, 2)
}

func TestBatchesIterator(t *testing.T) {
	req := &scriptedRequester{bodies: map[string][]string{
		"english": {body("c1", "a"), body("", "b")},
	}}
	engine := NewEngine(Config{Partitions: []string{"english"}}, req, jsonExtractor{}, nil, nil)

	var texts []string
	for batch, err := range engine.Batches(context.Background(), "570") {
		require.NoError(t, err)
		for _, r := range batch.Records {
			texts = append(texts, r.Text)
		}
	}
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestPagerCancelledContext(t *testing.T) {
	req := &scriptedRequester{}
	engine := NewEngine(Config{Partitions: []string{"english"}}, req, jsonExtractor{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Pages("570").Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, req.calls)
}
