package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/review-crawler/internal/identity"
	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/random"
)

const testURL = "http://reviews.example.test/appreviews/10"

var anyURL = regexp.MustCompile(`^http://reviews\.example\.test/`)

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.slept))
	copy(out, s.slept)
	return out
}

type scriptedResponder struct {
	mu         sync.Mutex
	calls      int
	userAgents []string
	script     []func() (*http.Response, error)
}

func (s *scriptedResponder) respond(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userAgents = append(s.userAgents, req.Header.Get("User-Agent"))
	i := s.calls
	s.calls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i]()
}

func status(code int, body string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return httpmock.NewStringResponse(code, body), nil
	}
}

func transportErr() func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return nil, errors.New("connection reset by peer")
	}
}

func newTestClient(t *testing.T, responder *scriptedResponder, rec *sleepRecorder, proxies []identity.Proxy) *Client {
	t.Helper()

	transport := httpmock.NewMockTransport()
	transport.RegisterRegexpResponder(http.MethodGet, anyURL, responder.respond)

	rnd := random.New(11)
	c, err := New(DefaultConfig(), identity.NewPool(rnd, proxies), rnd,
		WithTransport(transport),
		WithSleep(rec.sleep),
		WithMetrics(metrics.New()),
	)
	require.NoError(t, err)
	return c
}

func TestIssueRequestSucceedsFirstAttempt(t *testing.T) {
	responder := &scriptedResponder{script: []func() (*http.Response, error){status(200, `{"success":1}`)}}
	rec := &sleepRecorder{}
	c := newTestClient(t, responder, rec, nil)

	body, err := c.IssueRequest(context.Background(), testURL, url.Values{"cursor": {"*"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":1}`, string(body))
	assert.Equal(t, 1, responder.calls)

	// only the pre-request jitter, no backoff
	slept := rec.durations()
	require.Len(t, slept, 1)
	assert.True(t, slept[0] >= time.Second && slept[0] <= 5*time.Second)
}

func TestIssueRequestRecoversAfterTwoFailures(t *testing.T) {
	responder := &scriptedResponder{script: []func() (*http.Response, error){
		transportErr(),
		status(503, ""),
		status(200, "ok"),
	}}
	rec := &sleepRecorder{}
	c := newTestClient(t, responder, rec, nil)

	body, err := c.IssueRequest(context.Background(), testURL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, responder.calls)

	// jitter, backoff, jitter, backoff, jitter
	slept := rec.durations()
	require.Len(t, slept, 5)
	for _, i := range []int{1, 3} {
		assert.True(t, slept[i] >= 2*time.Second && slept[i] <= 5*time.Second, "backoff %d was %v", i, slept[i])
	}
}

func TestIssueRequestAlways429IsExhausted(t *testing.T) {
	responder := &scriptedResponder{script: []func() (*http.Response, error){status(429, "")}}
	rec := &sleepRecorder{}
	c := newTestClient(t, responder, rec, nil)

	_, err := c.IssueRequest(context.Background(), testURL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkExhausted)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 3, responder.calls)

	var exhausted *NetworkExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)

	slept := rec.durations()
	require.Len(t, slept, 5)
	for _, i := range []int{1, 3} {
		assert.True(t, slept[i] >= 5*time.Second && slept[i] <= 15*time.Second, "backoff %d was %v", i, slept[i])
	}
}

func TestIssueRequestRotatesProxyAndUserAgentPerAttempt(t *testing.T) {
	responder := &scriptedResponder{script: []func() (*http.Response, error){status(500, "")}}
	rec := &sleepRecorder{}
	proxies := []identity.Proxy{
		{Scheme: "http", Host: "p1", Port: 1},
		{Scheme: "http", Host: "p2", Port: 2},
	}
	c := newTestClient(t, responder, rec, proxies)

	_, err := c.IssueRequest(context.Background(), testURL, nil)
	require.ErrorIs(t, err, ErrNetworkExhausted)

	// one cached client per proxy seen
	assert.Equal(t, 2, c.clients.Len())
	for _, ua := range responder.userAgents {
		assert.Contains(t, identity.UserAgents(), ua)
	}
}

func TestIssueRequestStopsOnCancelledContext(t *testing.T) {
	responder := &scriptedResponder{script: []func() (*http.Response, error){status(200, "ok")}}
	rec := &sleepRecorder{}
	c := newTestClient(t, responder, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.IssueRequest(ctx, testURL, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNetworkExhausted)
	assert.Equal(t, 0, responder.calls)
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&TimeoutError{Err: context.DeadlineExceeded}, "timeout"},
		{&ConnectionError{Err: errors.New("x")}, "connection"},
		{&RateLimitedError{}, "rate_limited"},
		{&StatusError{StatusCode: 403}, "forbidden"},
		{&StatusError{StatusCode: 404}, "not_found"},
		{&StatusError{StatusCode: 502}, "server_error"},
		{errors.New("x"), "other"},
		{nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorTypeLabel(tt.err))
		})
	}
}
