package playstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/review-crawler/internal/browser"
	"github.com/maltedev/review-crawler/internal/humanoid"
	"github.com/maltedev/review-crawler/internal/identity"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/strategy"
)

const testAppID = "com.example.app"

// fakeElement is one node a fakeLocator can resolve to.
type fakeElement struct {
	text     string
	html     string
	box      *playwright.Rect
	focusErr error
	clicks   int
	boxCalls int
}

func boxAt(x, y float64) *playwright.Rect {
	return &playwright.Rect{X: x, Y: y, Width: 80, Height: 24}
}

// fakePlayPage overrides only what the page wrapper and PageDriver call.
// Elements are keyed by selector, or selector|hasText for filtered locators.
type fakePlayPage struct {
	playwright.Page
	url      string
	gotos    []string
	loadURLs []string
	elements map[string][]*fakeElement
	// counts overrides Count for a key; the last value sticks.
	counts   map[string][]int
	evalOK   bool
	evals    int
	mouse    *fakeMouse
	keyboard *fakeKeyboard
}

func newFakePlayPage() *fakePlayPage {
	return &fakePlayPage{
		elements: map[string][]*fakeElement{},
		counts:   map[string][]int{},
		mouse:    &fakeMouse{},
		keyboard: &fakeKeyboard{},
	}
}

func (p *fakePlayPage) add(key string, els ...*fakeElement) {
	p.elements[key] = append(p.elements[key], els...)
}

func (p *fakePlayPage) Goto(u string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.gotos = append(p.gotos, u)
	p.url = u
	return nil, nil
}

func (p *fakePlayPage) WaitForLoadState(...playwright.PageWaitForLoadStateOptions) error {
	if len(p.loadURLs) > 0 {
		p.url = p.loadURLs[0]
		p.loadURLs = p.loadURLs[1:]
	}
	return nil
}

func (p *fakePlayPage) URL() string { return p.url }

func (p *fakePlayPage) Content() (string, error) { return "<html><body></body></html>", nil }

func (p *fakePlayPage) Evaluate(string, ...interface{}) (interface{}, error) {
	p.evals++
	return p.evalOK, nil
}

func (p *fakePlayPage) Mouse() playwright.Mouse { return p.mouse }

func (p *fakePlayPage) Keyboard() playwright.Keyboard { return p.keyboard }

func (p *fakePlayPage) Locator(selector string, options ...playwright.PageLocatorOptions) playwright.Locator {
	key := selector
	if len(options) > 0 {
		if text, ok := options[0].HasText.(string); ok {
			key += "|" + text
		}
	}
	return &fakeLocator{page: p, key: key, index: -1}
}

// pwLocator lets fakeLocator embed the interface without the embedded
// field name shadowing the interface's Locator method.
type pwLocator = playwright.Locator

type fakeLocator struct {
	pwLocator
	page  *fakePlayPage
	key   string
	index int
}

func (l *fakeLocator) element() *fakeElement {
	els := l.page.elements[l.key]
	i := max(l.index, 0)
	if i < len(els) {
		return els[i]
	}
	return nil
}

func (l *fakeLocator) First() playwright.Locator { return l.Nth(0) }

func (l *fakeLocator) Nth(i int) playwright.Locator {
	return &fakeLocator{page: l.page, key: l.key, index: i}
}

func (l *fakeLocator) Count() (int, error) {
	if seq := l.page.counts[l.key]; len(seq) > 0 {
		if len(seq) > 1 {
			l.page.counts[l.key] = seq[1:]
		}
		return seq[0], nil
	}
	if l.index >= 0 {
		if l.element() == nil {
			return 0, nil
		}
		return 1, nil
	}
	return len(l.page.elements[l.key]), nil
}

var errDetached = errors.New("element is not attached")

func (l *fakeLocator) Click(...playwright.LocatorClickOptions) error {
	e := l.element()
	if e == nil {
		return errDetached
	}
	e.clicks++
	return nil
}

func (l *fakeLocator) TextContent(...playwright.LocatorTextContentOptions) (string, error) {
	e := l.element()
	if e == nil {
		return "", errDetached
	}
	return e.text, nil
}

func (l *fakeLocator) InnerHTML(...playwright.LocatorInnerHTMLOptions) (string, error) {
	e := l.element()
	if e == nil {
		return "", errDetached
	}
	return e.html, nil
}

func (l *fakeLocator) Focus(...playwright.LocatorFocusOptions) error {
	e := l.element()
	if e == nil {
		return errDetached
	}
	return e.focusErr
}

func (l *fakeLocator) BoundingBox(...playwright.LocatorBoundingBoxOptions) (*playwright.Rect, error) {
	e := l.element()
	if e == nil {
		return nil, nil
	}
	e.boxCalls++
	return e.box, nil
}

func (l *fakeLocator) WaitFor(...playwright.LocatorWaitForOptions) error { return nil }

func (l *fakeLocator) ScrollIntoViewIfNeeded(...playwright.LocatorScrollIntoViewIfNeededOptions) error {
	return nil
}

type fakeMouse struct {
	playwright.Mouse
	last   humanoid.Point
	wheels int
	downs  []humanoid.Point
	ups    int
}

func (m *fakeMouse) Move(x, y float64, _ ...playwright.MouseMoveOptions) error {
	m.last = humanoid.Point{X: x, Y: y}
	return nil
}

func (m *fakeMouse) Wheel(_, _ float64) error {
	m.wheels++
	return nil
}

func (m *fakeMouse) Down(...playwright.MouseDownOptions) error {
	m.downs = append(m.downs, m.last)
	return nil
}

func (m *fakeMouse) Up(...playwright.MouseUpOptions) error {
	m.ups++
	return nil
}

type fakeKeyboard struct {
	playwright.Keyboard
	typed   strings.Builder
	presses []string
}

func (k *fakeKeyboard) Type(text string, _ ...playwright.KeyboardTypeOptions) error {
	k.typed.WriteString(text)
	return nil
}

func (k *fakeKeyboard) Press(key string, _ ...playwright.KeyboardPressOptions) error {
	k.presses = append(k.presses, key)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDriver(t *testing.T, fp *fakePlayPage, cfg DriverConfig) *PageDriver {
	t.Helper()
	page := browser.NewPageFor(fp, nil, identity.Identity{UserAgent: "ua"}, nil, time.Second, discardLogger())
	rnd := random.New(7)
	exec := strategy.NewExecutor(rnd, nil, discardLogger())
	d := NewPageDriver(page, testAppID, exec, humanoid.New(rnd, noSleep), rnd, cfg, discardLogger())
	d.sleep = noSleep
	return d
}

func inside(p humanoid.Point, r *playwright.Rect) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}
