package crawl

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/review-crawler/internal/fetch"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/output"
	"github.com/maltedev/review-crawler/internal/playstore"
	"github.com/maltedev/review-crawler/internal/progress"
	"github.com/maltedev/review-crawler/internal/storage"
)

// cursorRequester serves two pages per partition: "*" -> "c1" -> end.
// Targets listed in fail never get a response.
type cursorRequester struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func (c *cursorRequester) IssueRequest(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[rawURL]++

	if c.fail[rawURL] {
		return nil, errors.New("network exhausted")
	}
	if params.Get("cursor") == fetch.StartCursor {
		return []byte("c1"), nil
	}
	return []byte(""), nil
}

func (c *cursorRequester) callsFor(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type bodyCursorExtractor struct{}

func (bodyCursorExtractor) URL(targetID string) string { return targetID }

func (bodyCursorExtractor) Params(req fetch.PageRequest) url.Values {
	return url.Values{"cursor": {req.Cursor}, "language": {req.Language}}
}

func (bodyCursorExtractor) Extract(req fetch.PageRequest, body []byte) (fetch.Page, error) {
	return fetch.Page{
		Records: []models.ReviewRecord{{
			Source:   models.SourceSteam,
			SourceID: req.TargetID,
			ItemID:   req.TargetID,
			Author:   "player",
			Text:     req.Language + "/" + req.Cursor,
			Positive: true,
		}},
		NextCursor: string(body),
	}, nil
}

type memorySink struct {
	mu      sync.Mutex
	written map[string][]models.ReviewRecord
	failFor map[string]bool
	closed  bool
}

func (s *memorySink) Write(_ context.Context, sourceID string, records []models.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[sourceID] {
		return errors.New("sink unavailable")
	}
	if s.written == nil {
		s.written = map[string][]models.ReviewRecord{}
	}
	s.written[sourceID] = append(s.written[sourceID], records...)
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func newSteamRunner(t *testing.T, req *cursorRequester, state *storage.TargetStore, concurrency int) *Runner {
	t.Helper()
	engine := fetch.NewEngine(fetch.Config{
		Partitions: []string{"english", "vietnamese"},
		PageSize:   20,
		Source:     models.SourceSteam,
	}, req, bodyCursorExtractor{}, nil, slogDiscard())
	return NewRunner(engine, nil, state, RunnerConfig{Concurrency: concurrency}, slogDiscard())
}

func statuses(events []progress.Event) []progress.Status {
	out := make([]progress.Status, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

func TestRunSteam(t *testing.T) {
	req := &cursorRequester{fail: map[string]bool{"bad": true}}
	state, err := storage.NewTargetStore("")
	require.NoError(t, err)
	runner := newSteamRunner(t, req, state, 2)

	sink := &memorySink{}
	var rec progress.Recorder

	summaries, err := runner.RunSteam(context.Background(), []string{"730", "bad", "570"}, sink, &rec)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, "730", summaries[0].SourceID)
	assert.Equal(t, 4, summaries[0].Records)
	assert.Equal(t, 2, summaries[0].Partitions)
	assert.Zero(t, summaries[0].Failed)

	assert.Equal(t, "bad", summaries[1].SourceID)
	assert.Zero(t, summaries[1].Records)
	assert.Equal(t, 2, summaries[1].Failed)

	assert.Equal(t, 4, summaries[2].Records)
	assert.Len(t, sink.written["730"], 4)
	assert.Len(t, sink.written["570"], 4)
	assert.Equal(t, 4, req.callsFor("730"))

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, progress.StatusBeginning, events[0].Status)
	assert.Equal(t, progress.StatusFinish, events[len(events)-1].Status)
	assert.Contains(t, events, progress.Crawling("570"))
	assert.Contains(t, events, progress.Uploading("570"))

	for _, id := range []string{"730", "bad", "570"} {
		assert.True(t, state.Completed(models.SourceSteam, id), id)
	}
}

func TestRunSteamSkipsCompletedTargets(t *testing.T) {
	req := &cursorRequester{}
	state, err := storage.NewTargetStore("")
	require.NoError(t, err)
	require.NoError(t, state.Add(models.SourceSteam, "730"))
	require.NoError(t, state.UpdateStatus(models.SourceSteam, "730", storage.StatusCompleted, 10, ""))

	runner := newSteamRunner(t, req, state, 1)
	summaries, err := runner.RunSteam(context.Background(), []string{"730", "570"}, &memorySink{}, nil)
	require.NoError(t, err)

	require.Len(t, summaries, 1)
	assert.Equal(t, "570", summaries[0].SourceID)
	assert.Zero(t, req.callsFor("730"))
}

func TestRunSteamSinkFailureStaysWithTarget(t *testing.T) {
	req := &cursorRequester{}
	state, err := storage.NewTargetStore("")
	require.NoError(t, err)
	runner := newSteamRunner(t, req, state, 1)

	sink := &memorySink{failFor: map[string]bool{"570": true}}
	var rec progress.Recorder

	_, err = runner.RunSteam(context.Background(), []string{"570", "730"}, sink, &rec)
	require.NoError(t, err)

	target, ok := state.Get(models.SourceSteam, "570")
	require.True(t, ok)
	assert.Equal(t, storage.StatusFailed, target.Status)
	assert.Equal(t, "sink unavailable", target.Error)
	assert.True(t, state.Completed(models.SourceSteam, "730"))

	assert.Contains(t, rec.Events(), progress.Event{Status: progress.StatusError, ID: "570", Message: "sink unavailable"})
	assert.Equal(t, progress.StatusFinish, rec.Events()[len(rec.Events())-1].Status)
}

func TestRunSteamCancelled(t *testing.T) {
	runner := newSteamRunner(t, &cursorRequester{}, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec progress.Recorder
	_, err := runner.RunSteam(ctx, []string{"730"}, &memorySink{}, &rec)
	assert.ErrorIs(t, err, context.Canceled)

	events := rec.Events()
	assert.Equal(t, progress.StatusError, events[len(events)-1].Status)
}

func TestRunnerDisabledSources(t *testing.T) {
	runner := NewRunner(nil, nil, nil, RunnerConfig{}, slogDiscard())

	_, err := runner.RunSteam(context.Background(), []string{"1"}, &memorySink{}, nil)
	assert.ErrorIs(t, err, ErrSourceDisabled)

	_, err = runner.RunPlayStore(context.Background(), []string{"a"}, &memorySink{}, nil)
	assert.ErrorIs(t, err, ErrSourceDisabled)
}

type fakeAppCrawler struct {
	fail  map[string]error
	extra []models.ReviewRecord
	calls []string
}

func (f *fakeAppCrawler) CrawlApp(ctx context.Context, appID string, sink playstore.Sink) (playstore.Result, error) {
	f.calls = append(f.calls, appID)
	if err := f.fail[appID]; err != nil {
		return playstore.Result{AppID: appID}, err
	}

	records := []models.ReviewRecord{
		{Source: models.SourcePlayStore, ItemID: appID, Author: "u1", Text: "great, really", Rating: 5, Positive: true},
		{Source: models.SourcePlayStore, ItemID: appID, Author: "u2", Text: `"meh"`, Rating: 2},
	}
	records = append(records, f.extra...)
	if err := sink.Write(ctx, appID, records); err != nil {
		return playstore.Result{AppID: appID}, err
	}
	return playstore.Result{
		AppID:     appID,
		Records:   records,
		Completed: []int{1, 2, 4, 5},
		Failed:    map[int]error{3: errors.New("select failed")},
	}, nil
}

func playRunner(crawler AppCrawler, startErr error, closed *bool, cfg RunnerConfig) *Runner {
	session := func(ctx context.Context) (AppCrawler, func() error, error) {
		if startErr != nil {
			return nil, nil, startErr
		}
		return crawler, func() error { *closed = true; return nil }, nil
	}
	return NewRunner(nil, session, nil, cfg, slogDiscard())
}

func TestRunPlayStore(t *testing.T) {
	crawler := &fakeAppCrawler{fail: map[string]error{"com.broken": playstore.ErrPanelUnavailable}}
	var closed bool
	runner := playRunner(crawler, nil, &closed, RunnerConfig{})

	sink := &memorySink{}
	var rec progress.Recorder

	summaries, err := runner.RunPlayStore(context.Background(), []string{"com.one", "com.broken", "com.two"}, sink, &rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"com.one", "com.broken", "com.two"}, crawler.calls)
	require.Len(t, summaries, 2)
	assert.Equal(t, "com.one", summaries[0].SourceID)
	assert.Equal(t, 2, summaries[0].Records)
	assert.Equal(t, 5, summaries[0].Partitions)
	assert.Equal(t, 1, summaries[0].Failed)

	assert.Len(t, sink.written["com.one"], 2)
	assert.Len(t, sink.written["com.two"], 2)
	assert.False(t, sink.closed)
	assert.True(t, closed)

	got := statuses(rec.Events())
	assert.Equal(t, []progress.Status{
		progress.StatusBeginning,
		progress.StatusCrawling, progress.StatusUploading,
		progress.StatusCrawling, progress.StatusError,
		progress.StatusCrawling, progress.StatusUploading,
		progress.StatusFinish,
	}, got)
}

func TestRunPlayStoreSessionFailureAborts(t *testing.T) {
	boom := errors.New("no chromium")
	runner := playRunner(&fakeAppCrawler{}, boom, new(bool), RunnerConfig{})

	var rec progress.Recorder
	summaries, err := runner.RunPlayStore(context.Background(), []string{"com.one"}, &memorySink{}, &rec)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, summaries)
	assert.Equal(t, []progress.Status{progress.StatusBeginning, progress.StatusError}, statuses(rec.Events()))
}

func TestRunPlayStoreDropsIncompleteReviews(t *testing.T) {
	crawler := &fakeAppCrawler{extra: []models.ReviewRecord{
		{Source: models.SourcePlayStore, ItemID: "r3", Text: "no author"},
		{Source: models.SourcePlayStore, Author: "u4", Text: "no id"},
	}}
	runner := playRunner(crawler, nil, new(bool), RunnerConfig{})

	sink := &memorySink{}
	_, err := runner.RunPlayStore(context.Background(), []string{"com.one"}, sink, nil)
	require.NoError(t, err)

	require.Len(t, sink.written["com.one"], 2)
	for _, rec := range sink.written["com.one"] {
		assert.True(t, rec.Valid())
	}
}

func TestRunPlayStorePerAppCSV(t *testing.T) {
	dir := t.TempDir()
	var closed bool
	runner := playRunner(&fakeAppCrawler{}, nil, &closed, RunnerConfig{PerAppCSVDir: dir})

	sink := &memorySink{}
	_, err := runner.RunPlayStore(context.Background(), []string{"com.one", "../evil"}, sink, nil)
	require.NoError(t, err)

	records, err := output.ReadCSVFile(filepath.Join(dir, "play_store_reviews_com.one.csv"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "great, really", records[0].Text)
	assert.Equal(t, `"meh"`, records[1].Text)

	_, err = os.Stat(filepath.Join(dir, "play_store_reviews_.._evil.csv"))
	assert.NoError(t, err)

	assert.Len(t, sink.written["com.one"], 2)
	assert.False(t, sink.closed, "the shared sink stays open")
}
