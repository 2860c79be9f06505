package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/review-crawler/internal/identity"
	"github.com/maltedev/review-crawler/internal/random"
)

var grantedPermissions = []string{"geolocation", "notifications", "camera", "microphone"}

type Options struct {
	Headless          bool
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	AcceptLanguage    string
	Locale            string
	TimezoneID        string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		AcceptLanguage:    "en-US,en;q=0.9",
		Locale:            "en-US",
		TimezoneID:        "America/New_York",
	}
}

// Session owns one Chromium process. Every page gets its own browser context
// so that identity, proxy and viewport are fresh per page.
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	pool    *identity.Pool
	rnd     *random.Source
	logger  *slog.Logger
}

// New starts playwright and launches a stealth Chromium. A failure here is
// the only browser error that aborts a run.
func New(opts *Options, pool *identity.Pool, rnd *random.Source) (*Session, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args:     launchArgs(rnd),
	}

	// Per-context proxies need a launch-level proxy on some platforms. Every
	// context overrides this placeholder.
	if pool.Size() > 0 {
		launchOpts.Proxy = &playwright.Proxy{Server: "http://per-context"}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Session{
		pw:      pw,
		browser: browser,
		opts:    opts,
		pool:    pool,
		rnd:     rnd,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

// NewPage opens a page in a new context with a fresh identity, a random
// viewport, randomized client hints and the stealth init script.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := s.pool.Next()
	viewport := randomViewport(s.rnd)

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(id.UserAgent),
		Viewport:          viewport,
		Locale:            playwright.String(s.opts.Locale),
		TimezoneId:        playwright.String(s.opts.TimezoneID),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		ExtraHttpHeaders:  pageHeaders(s.rnd, s.opts.AcceptLanguage),
	}
	if id.Proxy != nil {
		proxy := &playwright.Proxy{Server: id.Proxy.Server()}
		if id.Proxy.Username != "" {
			proxy.Username = playwright.String(id.Proxy.Username)
			proxy.Password = playwright.String(id.Proxy.Password)
		}
		contextOpts.Proxy = proxy
	}

	bctx, err := s.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript(s.rnd))}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to add stealth script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.opts.ActionTimeout.Milliseconds()))

	s.logger.Debug("opened page",
		"user_agent", id.UserAgent,
		"proxy", id.ProxyLabel(),
		"viewport", fmt.Sprintf("%dx%d", viewport.Width, viewport.Height),
	)

	return NewPageFor(page, bctx, id, viewport, s.opts.NavigationTimeout, s.logger), nil
}

func (s *Session) Close() error {
	var errs []error

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Page is one stealth page together with its private browser context.
type Page struct {
	page             playwright.Page
	context          playwright.BrowserContext
	identity         identity.Identity
	viewport         *playwright.Size
	navTimeout       time.Duration
	permissionsGiven bool
	logger           *slog.Logger
}

// NewPageFor wraps an open playwright page. bctx may be nil when the caller
// owns the browser context; permissions are then left alone.
func NewPageFor(page playwright.Page, bctx playwright.BrowserContext, id identity.Identity, viewport *playwright.Size, navTimeout time.Duration, logger *slog.Logger) *Page {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{
		page:       page,
		context:    bctx,
		identity:   id,
		viewport:   viewport,
		navTimeout: navTimeout,
		logger:     logger,
	}
}

// Raw exposes the underlying playwright page.
func (p *Page) Raw() playwright.Page {
	return p.page
}

func (p *Page) Identity() identity.Identity {
	return p.identity
}

// Viewport returns the page's viewport size in CSS pixels.
func (p *Page) Viewport() (width, height float64) {
	if p.viewport == nil {
		return 1280, 720
	}
	return float64(p.viewport.Width), float64(p.viewport.Height)
}

// Navigate loads rawURL and waits for the network to go idle. A timeout is
// returned as *NavigationTimeoutError. After the first successful load of an
// http(s) page the context is granted media and location permissions for
// that origin; a failed grant is logged and otherwise ignored.
func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := p.page.Goto(rawURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(p.navTimeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return &NavigationTimeoutError{URL: rawURL, Timeout: p.navTimeout, Err: err}
		}
		return fmt.Errorf("navigation to %s failed: %w", rawURL, err)
	}

	p.grantPermissions()
	return nil
}

// WaitForLoad waits for a navigation triggered by an interaction, such as
// submitting a form, to settle.
func (p *Page) WaitForLoad(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(p.navTimeout.Milliseconds())),
	})
	if err != nil && errors.Is(err, playwright.ErrTimeout) {
		return &NavigationTimeoutError{URL: p.page.URL(), Timeout: p.navTimeout, Err: err}
	}
	if err == nil {
		p.grantPermissions()
	}
	return err
}

func (p *Page) grantPermissions() {
	if p.permissionsGiven || p.context == nil {
		return
	}

	current := p.page.URL()
	if !strings.HasPrefix(current, "http") {
		return
	}
	p.permissionsGiven = true

	origin := originOf(current)
	err := p.context.GrantPermissions(grantedPermissions, playwright.BrowserContextGrantPermissionsOptions{
		Origin: playwright.String(origin),
	})
	if err != nil {
		p.logger.Warn("could not grant permissions",
			"origin", origin,
			"error", fmt.Errorf("%w: %w", ErrPermissionGrantFailed, err),
		)
	}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// DismissConsent clicks an "Accept all" cookie dialog if one is showing.
func (p *Page) DismissConsent() bool {
	button := p.page.Locator(`button[aria-label="Accept all"]`).First()
	count, err := button.Count()
	if err != nil || count == 0 {
		return false
	}
	if err := button.Click(); err != nil {
		p.logger.Debug("failed to dismiss consent dialog", "error", err)
		return false
	}
	p.logger.Info("dismissed consent dialog")
	return true
}

// DetectChallenge reports whether the current document shows an interactive
// bot challenge. Nothing is done to solve it.
func (p *Page) DetectChallenge() (bool, error) {
	content, err := p.page.Content()
	if err != nil {
		return false, fmt.Errorf("failed to get page content: %w", err)
	}

	found, indicator := DetectChallengeHTML(content)
	if found {
		p.logger.Warn("challenge detected", "indicator", indicator, "url", p.page.URL(), "error", ErrChallengeDetected)
	}
	return found, nil
}

func (p *Page) Close() error {
	var errs []error
	if p.page != nil {
		if err := p.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close page: %w", err))
		}
	}
	if p.context != nil {
		if err := p.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	return errors.Join(errs...)
}
