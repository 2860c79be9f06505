package httpclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maltedev/review-crawler/internal/identity"
	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/ratelimit"
)

var tracer = otel.Tracer("review-crawler/internal/httpclient")

type Config struct {
	MaxAttempts        int
	PreRequestDelay    ratelimit.Range
	RateLimitedBackoff ratelimit.Range
	FailureBackoff     ratelimit.Range
	Timeout            time.Duration
	RequestsPerSecond  float64
	ClientCacheSize    int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		PreRequestDelay:    ratelimit.Range{Min: time.Second, Max: 5 * time.Second},
		RateLimitedBackoff: ratelimit.Range{Min: 5 * time.Second, Max: 15 * time.Second},
		FailureBackoff:     ratelimit.Range{Min: 2 * time.Second, Max: 5 * time.Second},
		Timeout:            30 * time.Second,
		ClientCacheSize:    64,
	}
}

type Option func(*Client)

// WithTransport replaces the network transport of every per-proxy client.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithSleep replaces the delay function used for jitter and backoff.
func WithSleep(sleep ratelimit.SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client issues GET requests with a fresh identity per attempt, jittered
// pacing and bounded retries.
type Client struct {
	cfg       Config
	pool      *identity.Pool
	jitter    *ratelimit.JitterRateLimiter
	backoff   *ratelimit.Backoff
	limiter   ratelimit.RateLimiter
	clients   *lru.Cache[string, *resty.Client]
	transport http.RoundTripper
	sleep     ratelimit.SleepFunc
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(cfg Config, pool *identity.Pool, rnd *random.Source, opts ...Option) (*Client, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClientCacheSize < 1 {
		cfg.ClientCacheSize = 1
	}

	c := &Client{
		cfg:    cfg,
		pool:   pool,
		sleep:  ratelimit.Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httpclient")

	clients, err := lru.New[string, *resty.Client](cfg.ClientCacheSize)
	if err != nil {
		return nil, err
	}
	c.clients = clients
	c.jitter = ratelimit.NewJitterRateLimiter(rnd, cfg.PreRequestDelay.Min, cfg.PreRequestDelay.Max, c.sleep)
	c.backoff = ratelimit.NewBackoff(rnd, cfg.RateLimitedBackoff, cfg.FailureBackoff, c.sleep)
	c.limiter = ratelimit.NewTokenBucketRateLimiter(cfg.RequestsPerSecond, 1)

	return c, nil
}

// IssueRequest performs a GET of rawURL with params. It makes up to
// MaxAttempts attempts and returns the body of the first 2xx response.
func (c *Client) IssueRequest(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "IssueRequest", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.url", rawURL))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		id := c.pool.Next()

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := c.jitter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		body, err := c.do(ctx, id, rawURL, params)
		c.metrics.ObserveDuration(time.Since(start))

		if err == nil {
			c.metrics.IncRequest("success")
			span.SetAttributes(attribute.Int("http.attempts", attempt))
			return body, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		c.metrics.IncRequest("failure")
		c.metrics.IncError(errorTypeLabel(err))
		c.logger.Warn("request attempt failed",
			"url", rawURL,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"proxy", id.ProxyLabel(),
			"error", err,
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.metrics.IncRetries()
		d, err := c.backoff.Wait(ctx, IsRateLimited(err))
		if err != nil {
			return nil, err
		}
		c.logger.Debug("backing off", "url", rawURL, "delay", durationLabel(d))
	}

	exhausted := &NetworkExhaustedError{URL: rawURL, Attempts: c.cfg.MaxAttempts, Last: lastErr}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Error())
	return nil, exhausted
}

func (c *Client) do(ctx context.Context, id identity.Identity, rawURL string, params url.Values) ([]byte, error) {
	req := c.clientFor(id.Proxy).R().
		SetContext(ctx).
		SetHeader("User-Agent", id.UserAgent).
		SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
		SetHeader("Accept-Language", "en-US,en;q=0.9")
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}

	resp, err := req.Get(rawURL)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &ConnectionError{Err: err}
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetryAfter: resp.Header().Get("Retry-After")}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	return resp.Body(), nil
}

// clientFor returns the cached resty client bound to proxy, building one on
// first use. A nil proxy means a direct connection.
func (c *Client) clientFor(proxy *identity.Proxy) *resty.Client {
	key := "direct"
	if proxy != nil {
		key = proxy.URL().String()
	}

	if cl, ok := c.clients.Get(key); ok {
		return cl
	}

	cl := resty.New()
	cl.SetTimeout(c.cfg.Timeout)

	if c.transport != nil {
		cl.SetTransport(c.transport)
	} else {
		base := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if proxy != nil {
			base.Proxy = http.ProxyURL(proxy.URL())
		}
		cl.SetTransport(cloudflarebp.AddCloudFlareByPass(base))
	}

	c.clients.Add(key, cl)
	return cl
}
