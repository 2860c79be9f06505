package playstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/review-crawler/internal/browser"
	"github.com/maltedev/review-crawler/internal/humanoid"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/ratelimit"
	"github.com/maltedev/review-crawler/internal/strategy"
)

const (
	selPanel          = "div.VfPpkd-P5QLlc"
	selSeeAllButton   = "button"
	selFilterButton   = `button.VfPpkd-Bz112c-LgbsSe[aria-label*="filter" i]`
	selStarMenuItems  = `div[role="button"], div.D3Qfie, [aria-haspopup="true"]`
	selOpenMenu       = `[role="menu"], [aria-expanded="true"]`
	selRatingOptions  = `[role="menuitemradio"], [role="option"], div.XvhY1d div`
	selSearchInput    = `textarea[name="q"], input[name="q"]`
	selPlayResultLink = `a[href*="play.google.com"]`
	searchURL         = "https://www.google.com/"
)

var ratingOptionSelectors = []string{
	`[role="menuitemradio"]`,
	`div.XvhY1d div`,
	`div.jO7h3c`,
	`[role="option"]`,
}

var errNotFound = errors.New("element not found")

type DriverConfig struct {
	SearchEntryChance float64
	WanderChance      float64
	PanelTimeout      time.Duration
	ScrollWait        time.Duration
	ScrollPoll        time.Duration
}

func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		SearchEntryChance: 0.4,
		WanderChance:      0.7,
		PanelTimeout:      10 * time.Second,
		ScrollWait:        5 * time.Second,
		ScrollPoll:        250 * time.Millisecond,
	}
}

// PageDriver drives the Play store review panel of one app on a stealth
// page. Every UI step runs through the strategy executor.
type PageDriver struct {
	page   *browser.Page
	raw    playwright.Page
	appID  string
	exec   *strategy.Executor
	human  *humanoid.Simulator
	rnd    *random.Source
	cfg    DriverConfig
	cursor humanoid.Point
	sleep  ratelimit.SleepFunc
	logger *slog.Logger
}

func NewPageDriver(page *browser.Page, appID string, exec *strategy.Executor, human *humanoid.Simulator, rnd *random.Source, cfg DriverConfig, logger *slog.Logger) *PageDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScrollPoll <= 0 {
		cfg.ScrollPoll = DefaultDriverConfig().ScrollPoll
	}
	if cfg.ScrollWait < cfg.ScrollPoll {
		cfg.ScrollWait = cfg.ScrollPoll
	}
	w, h := page.Viewport()
	return &PageDriver{
		page:   page,
		raw:    page.Raw(),
		appID:  appID,
		exec:   exec,
		human:  human,
		rnd:    rnd,
		cfg:    cfg,
		cursor: humanoid.Point{X: w / 2, Y: h / 2},
		sleep:  ratelimit.Sleep,
		logger: logger.With("component", "playstore", "app_id", appID, "proxy", page.Identity().ProxyLabel()),
	}
}

// Open brings the page to the app's store listing, sometimes by way of a web
// search, then dismisses consent dialogs and idles the pointer.
func (d *PageDriver) Open(ctx context.Context) error {
	target := AppURL(d.appID)

	arrived := false
	if d.rnd.Chance(d.cfg.SearchEntryChance) {
		var err error
		arrived, err = d.openViaSearch(ctx)
		if err != nil {
			if browser.IsNavigationTimeout(err) || ctx.Err() != nil {
				return err
			}
			d.logger.Info("search entry failed, navigating directly", "error", err)
		}
	}

	if !arrived {
		if err := d.page.Navigate(ctx, target); err != nil {
			return err
		}
	}

	d.page.DismissConsent()
	if err := d.human.Delay(ctx, 2*time.Second, 4*time.Second); err != nil {
		return err
	}

	if d.rnd.Chance(d.cfg.WanderChance) {
		w, h := d.page.Viewport()
		if err := d.human.Wander(ctx, d.raw.Mouse(), w, h); err != nil {
			d.logger.Debug("pointer wander failed", "error", err)
		}
	}

	if _, err := d.page.DetectChallenge(); err != nil {
		d.logger.Debug("challenge check failed", "error", err)
	}
	return nil
}

func (d *PageDriver) openViaSearch(ctx context.Context) (bool, error) {
	d.logger.Debug("entering via web search")
	if err := d.page.Navigate(ctx, searchURL); err != nil {
		return false, err
	}
	d.page.DismissConsent()
	if err := d.human.Delay(ctx, time.Second, 3*time.Second); err != nil {
		return false, err
	}

	input := d.raw.Locator(selSearchInput).First()
	if err := d.moveAndClick(ctx, input); err != nil {
		return false, fmt.Errorf("search box: %w", err)
	}
	if err := d.human.TypeText(ctx, d.raw.Keyboard(), d.appID+" google play"); err != nil {
		return false, err
	}
	if err := d.raw.Keyboard().Press("Enter"); err != nil {
		return false, err
	}
	if err := d.page.WaitForLoad(ctx); err != nil {
		return false, err
	}

	if err := d.human.Delay(ctx, time.Second, 2*time.Second); err != nil {
		return false, err
	}
	if err := d.human.ScrollBy(ctx, d.raw.Mouse(), d.rnd.FloatBetween(100, 600)); err != nil {
		return false, err
	}

	links := d.raw.Locator(selPlayResultLink)
	count, err := links.Count()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("search results: %w", errNotFound)
	}

	link := links.Nth(d.rnd.Intn(min(count, 3)))
	if err := d.moveAndClick(ctx, link); err != nil {
		return false, err
	}
	if err := d.page.WaitForLoad(ctx); err != nil {
		return false, err
	}

	return strings.Contains(d.raw.URL(), d.appID), nil
}

// OpenReviews opens the "See all reviews" panel and waits until it shows.
func (d *PageDriver) OpenReviews(ctx context.Context) error {
	button := d.raw.Locator(selSeeAllButton, playwright.PageLocatorOptions{HasText: "See all reviews"}).First()

	result := d.exec.Run(ctx, "open_reviews",
		strategy.New("scroll-and-click", func(ctx context.Context) (bool, error) {
			if err := d.scrollUntilPresent(ctx, button, 5); err != nil {
				return false, err
			}
			return true, d.moveAndClick(ctx, button)
		}),
		strategy.New("locator-click", func(ctx context.Context) (bool, error) {
			if ok, err := present(button); !ok || err != nil {
				return false, err
			}
			return true, button.Click()
		}),
		strategy.New("script-click", func(ctx context.Context) (bool, error) {
			return d.evaluateBool(`() => {
  for (const span of document.querySelectorAll('span')) {
    if (span.textContent && span.textContent.includes('See all reviews')) {
      const button = span.closest('button');
      if (button) { button.click(); return true; }
    }
  }
  return false;
}`)
		}),
	)
	if err := result.Err(); err != nil {
		return err
	}

	err := d.raw.Locator(selPanel).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(d.cfg.PanelTimeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("review panel did not appear: %w", err)
	}

	return d.human.Delay(ctx, 1500*time.Millisecond, 2500*time.Millisecond)
}

// OpenFilter opens the filter control and then its "Star rating" menu.
func (d *PageDriver) OpenFilter(ctx context.Context, rating int) error {
	button := d.raw.Locator(selFilterButton).First()

	result := d.exec.Run(ctx, "open_filter",
		strategy.New("locator-click", func(ctx context.Context) (bool, error) {
			if ok, err := present(button); !ok || err != nil {
				return false, err
			}
			return true, button.Click()
		}),
		strategy.New("pointer-click", func(ctx context.Context) (bool, error) {
			if ok, err := present(button); !ok || err != nil {
				return false, err
			}
			return true, d.moveAndClick(ctx, button)
		}),
		strategy.New("script-click", func(ctx context.Context) (bool, error) {
			return d.evaluateBool(`() => {
  const candidates = Array.from(document.querySelectorAll('button')).filter(b => {
    const label = b.getAttribute('aria-label');
    return (label && /filter/i.test(label)) || (b.textContent || '').includes('Filter');
  });
  if (candidates.length === 0) return false;
  candidates[Math.floor(Math.random() * candidates.length)].click();
  return true;
}`)
		}),
	)
	if err := result.Err(); err != nil {
		return err
	}
	if err := d.human.Delay(ctx, 1800*time.Millisecond, 3500*time.Millisecond); err != nil {
		return err
	}

	starMenu := d.raw.Locator(selStarMenuItems, playwright.PageLocatorOptions{HasText: "Star rating"}).First()
	result = d.exec.Run(ctx, "open_star_menu",
		strategy.New("locator-click", func(ctx context.Context) (bool, error) {
			if ok, err := present(starMenu); !ok || err != nil {
				return false, err
			}
			return true, starMenu.Click()
		}),
		strategy.New("script-click", func(ctx context.Context) (bool, error) {
			return d.evaluateBool(`() => {
  const elements = document.querySelectorAll('div[role="button"], div.D3Qfie, div[class*="menu"]');
  for (const el of elements) {
    if (el.textContent && el.textContent.includes('Star rating')) { el.click(); return true; }
  }
  return false;
}`)
		}),
		strategy.New("keyboard", func(ctx context.Context) (bool, error) {
			for i, n := 0, d.rnd.IntBetween(1, 5); i < n; i++ {
				if err := d.raw.Keyboard().Press("Tab"); err != nil {
					return false, err
				}
				if err := d.human.Delay(ctx, 100*time.Millisecond, 300*time.Millisecond); err != nil {
					return false, err
				}
			}
			if err := d.raw.Keyboard().Press("Enter"); err != nil {
				return false, err
			}
			if err := d.human.Delay(ctx, 500*time.Millisecond, time.Second); err != nil {
				return false, err
			}
			return present(d.raw.Locator(selOpenMenu))
		}),
	)
	if err := result.Err(); err != nil {
		return err
	}

	return d.human.Delay(ctx, 2*time.Second, 4*time.Second)
}

// SelectRating picks the n-star option of the open rating menu.
func (d *PageDriver) SelectRating(ctx context.Context, rating int) error {
	patterns := []string{
		fmt.Sprintf("%d-star", rating),
		fmt.Sprintf("%d star", rating),
		fmt.Sprintf("rated %d stars", rating),
	}
	options := d.raw.Locator(selRatingOptions)

	result := d.exec.Run(ctx, "select_rating",
		strategy.New("text-match", func(ctx context.Context) (bool, error) {
			for _, sel := range ratingOptionSelectors {
				items := d.raw.Locator(sel)
				count, err := items.Count()
				if err != nil {
					return false, err
				}
				for i := 0; i < count; i++ {
					text, err := items.Nth(i).TextContent()
					if err != nil {
						continue
					}
					if matchesRating(text, patterns) {
						if err := d.human.Delay(ctx, 100*time.Millisecond, 400*time.Millisecond); err != nil {
							return false, err
						}
						return true, items.Nth(i).Click()
					}
				}
			}
			return false, nil
		}),
		strategy.New("keyboard", func(ctx context.Context) (bool, error) {
			count, err := options.Count()
			if err != nil || count == 0 {
				return false, err
			}
			// options run from the highest rating down, so the n-star entry
			// sits count-n steps below the first one
			if err := options.First().Focus(); err != nil {
				return false, err
			}
			for i := 0; i < count-rating; i++ {
				if err := d.raw.Keyboard().Press("ArrowDown"); err != nil {
					return false, err
				}
				if err := d.human.Delay(ctx, 200*time.Millisecond, 500*time.Millisecond); err != nil {
					return false, err
				}
			}
			return true, d.raw.Keyboard().Press("Enter")
		}),
		strategy.New("coordinate-click", func(ctx context.Context) (bool, error) {
			count, err := options.Count()
			if err != nil || count == 0 {
				return false, err
			}
			index := max(0, min(count-1, count-rating))
			return true, d.moveAndClick(ctx, options.Nth(index))
		}),
	)
	if err := result.Err(); err != nil {
		return err
	}

	return d.human.Delay(ctx, 3*time.Second, 6*time.Second)
}

// ScrollOnce scrolls the review panel by 1000px and polls every ScrollPoll
// until more reviews have rendered. ErrNoNewReviews means the count did not
// grow within ScrollWait.
func (d *PageDriver) ScrollOnce(ctx context.Context) error {
	before, err := d.raw.Locator(selReview).Count()
	if err != nil {
		return err
	}

	ok, err := d.evaluateBool(`() => {
  const panel = document.querySelector('` + selPanel + `');
  if (!panel) return false;
  panel.scrollTop += 1000;
  return true;
}`)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("review panel: %w", errNotFound)
	}

	polls := int(d.cfg.ScrollWait / d.cfg.ScrollPoll)
	for i := 0; i < polls; i++ {
		if err := d.sleep(ctx, d.cfg.ScrollPoll); err != nil {
			return err
		}
		after, err := d.raw.Locator(selReview).Count()
		if err != nil {
			return err
		}
		if after > before {
			d.logger.Debug("scrolled review panel", "reviews_before", before, "reviews_after", after)
			return d.human.Delay(ctx, 300*time.Millisecond, 800*time.Millisecond)
		}
	}

	return fmt.Errorf("%w within %s (%d rendered)", ErrNoNewReviews, d.cfg.ScrollWait, before)
}

func (d *PageDriver) DetectChallenge(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.page.DetectChallenge()
}

// Collect parses the reviews currently rendered in the panel.
func (d *PageDriver) Collect(ctx context.Context, rating int) ([]models.ReviewRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fragment, err := d.raw.Locator(selPanel).First().InnerHTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read review panel: %w", err)
	}

	records, err := ParseReviews(d.appID, fragment, time.Now())
	if err != nil {
		return nil, err
	}

	mismatched := 0
	for _, r := range records {
		if r.Rating != rating {
			mismatched++
		}
	}
	if mismatched > 0 {
		d.logger.Debug("reviews outside selected rating", "star_rating", rating, "count", mismatched)
	}
	return records, nil
}

func (d *PageDriver) scrollUntilPresent(ctx context.Context, loc playwright.Locator, attempts int) error {
	for i := 0; i <= attempts; i++ {
		ok, err := present(loc)
		if err != nil {
			return err
		}
		if ok {
			return loc.ScrollIntoViewIfNeeded()
		}
		if i == attempts {
			break
		}
		if err := d.human.ScrollBy(ctx, d.raw.Mouse(), 500); err != nil {
			return err
		}
		if err := d.human.Delay(ctx, 500*time.Millisecond, time.Second); err != nil {
			return err
		}
	}
	return errNotFound
}

// moveAndClick glides the pointer into the element's box and clicks there.
func (d *PageDriver) moveAndClick(ctx context.Context, loc playwright.Locator) error {
	box, err := loc.BoundingBox()
	if err != nil {
		return err
	}
	if box == nil {
		return errNotFound
	}

	landed, err := d.human.MoveTo(ctx, d.raw.Mouse(), d.cursor, humanoid.FromRect(box))
	d.cursor = landed
	if err != nil {
		return err
	}
	if err := d.human.Delay(ctx, 100*time.Millisecond, 300*time.Millisecond); err != nil {
		return err
	}
	if err := d.raw.Mouse().Down(); err != nil {
		return err
	}
	if err := d.human.Delay(ctx, 50*time.Millisecond, 150*time.Millisecond); err != nil {
		return err
	}
	return d.raw.Mouse().Up()
}

func (d *PageDriver) evaluateBool(script string) (bool, error) {
	v, err := d.raw.Evaluate(script)
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

func present(loc playwright.Locator) (bool, error) {
	count, err := loc.Count()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func matchesRating(text string, patterns []string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
