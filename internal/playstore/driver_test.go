package playstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/review-crawler/internal/browser"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/strategy"
)

func TestMatchesRating(t *testing.T) {
	patterns := []string{"4-star", "4 star", "rated 4 stars"}

	assert.True(t, matchesRating("  4 stars ", patterns))
	assert.True(t, matchesRating("Rated 4 stars out of five", patterns))
	assert.True(t, matchesRating("4-STAR", patterns))
	assert.False(t, matchesRating("5 stars", patterns))
	assert.False(t, matchesRating("", patterns))
}

type failingOpener struct{ err error }

func (f failingOpener) NewPage(ctx context.Context) (*browser.Page, error) { return nil, f.err }

func TestCrawlAppPageFailure(t *testing.T) {
	boom := errors.New("browser gone")
	c := NewCrawler(failingOpener{err: boom}, random.New(1), DefaultMachineConfig(), DefaultDriverConfig(), nil, nil)

	result, err := c.CrawlApp(context.Background(), "com.example.app", &captureSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "com.example.app", result.AppID)
	assert.Empty(t, result.Records)
}

func TestDefaultDriverConfig(t *testing.T) {
	cfg := DefaultDriverConfig()
	assert.InDelta(t, 0.4, cfg.SearchEntryChance, 1e-9)
	assert.InDelta(t, 0.7, cfg.WanderChance, 1e-9)
}

func quietConfig() DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.SearchEntryChance = 0
	cfg.WanderChance = 0
	return cfg
}

const consentButton = `button[aria-label="Accept all"]`

func TestOpenNavigatesDirectly(t *testing.T) {
	fp := newFakePlayPage()
	consent := &fakeElement{}
	fp.add(consentButton, consent)

	d := testDriver(t, fp, quietConfig())
	require.NoError(t, d.Open(context.Background()))

	assert.Equal(t, []string{AppURL(testAppID)}, fp.gotos)
	assert.Equal(t, 1, consent.clicks)
	assert.Zero(t, fp.keyboard.typed.Len())
}

func TestOpenViaSearch(t *testing.T) {
	fp := newFakePlayPage()
	consent := &fakeElement{}
	input := &fakeElement{box: boxAt(400, 300)}
	fp.add(consentButton, consent)
	fp.add(selSearchInput, input)
	fp.add(selPlayResultLink, &fakeElement{box: boxAt(100, 400)}, &fakeElement{box: boxAt(100, 500)})
	fp.loadURLs = []string{"https://www.google.com/search?q=app", AppURL(testAppID)}

	cfg := quietConfig()
	cfg.SearchEntryChance = 1
	d := testDriver(t, fp, cfg)
	require.NoError(t, d.Open(context.Background()))

	assert.Equal(t, []string{searchURL}, fp.gotos, "the store page is reached through the result link")
	assert.Equal(t, testAppID+" google play", fp.keyboard.typed.String())
	assert.Equal(t, []string{"Enter"}, fp.keyboard.presses)
	assert.Equal(t, 2, consent.clicks, "consent is dismissed on the search page and the store page")
	require.Len(t, fp.mouse.downs, 2)
	assert.True(t, inside(fp.mouse.downs[0], input.box))
	assert.Equal(t, 1, input.boxCalls)
	assert.Positive(t, fp.mouse.wheels)
}

func TestOpenSearchWithoutResultsFallsBack(t *testing.T) {
	fp := newFakePlayPage()
	fp.add(selSearchInput, &fakeElement{box: boxAt(400, 300)})
	fp.loadURLs = []string{"https://www.google.com/search?q=app"}

	cfg := quietConfig()
	cfg.SearchEntryChance = 1
	d := testDriver(t, fp, cfg)
	require.NoError(t, d.Open(context.Background()))

	assert.Equal(t, []string{searchURL, AppURL(testAppID)}, fp.gotos)
}

func TestOpenReviews(t *testing.T) {
	fp := newFakePlayPage()
	button := &fakeElement{box: boxAt(600, 900)}
	fp.add(selSeeAllButton+"|See all reviews", button)
	fp.add(selPanel, &fakeElement{})

	d := testDriver(t, fp, quietConfig())
	require.NoError(t, d.OpenReviews(context.Background()))

	assert.Equal(t, 1, button.clicks+len(fp.mouse.downs), "exactly one strategy clicks the button")
}

func TestOpenReviewsWithoutButton(t *testing.T) {
	fp := newFakePlayPage()

	d := testDriver(t, fp, quietConfig())
	err := d.OpenReviews(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, strategy.ErrActionFailed)
	assert.Equal(t, 1, fp.evals, "the script fallback was tried")
}

func TestOpenFilter(t *testing.T) {
	fp := newFakePlayPage()
	filter := &fakeElement{box: boxAt(900, 120)}
	starMenu := &fakeElement{}
	fp.add(selFilterButton, filter)
	fp.add(selStarMenuItems+"|Star rating", starMenu)

	d := testDriver(t, fp, quietConfig())
	require.NoError(t, d.OpenFilter(context.Background(), 3))

	assert.Equal(t, 1, filter.clicks+len(fp.mouse.downs))
	assert.Equal(t, 1, starMenu.clicks)
}

func ratingMenu(n int, withBoxes bool) []*fakeElement {
	els := make([]*fakeElement, n)
	for i := range els {
		els[i] = &fakeElement{text: "option"}
		if withBoxes {
			els[i].box = boxAt(500, 200+float64(i)*40)
		}
	}
	return els
}

func TestSelectRatingByText(t *testing.T) {
	fp := newFakePlayPage()
	var options []*fakeElement
	for stars := 5; stars >= 1; stars-- {
		options = append(options, &fakeElement{text: fmt.Sprintf(" %d stars ", stars)})
	}
	fp.add(`[role="menuitemradio"]`, options...)

	d := testDriver(t, fp, quietConfig())
	require.NoError(t, d.SelectRating(context.Background(), 2))

	for i, o := range options {
		want := 0
		if i == 3 {
			want = 1
		}
		assert.Equal(t, want, o.clicks, "option %d", i)
	}
}

func TestSelectRatingByKeyboard(t *testing.T) {
	for rating := 1; rating <= 5; rating++ {
		t.Run(fmt.Sprintf("%d stars", rating), func(t *testing.T) {
			fp := newFakePlayPage()
			// no readable text and no boxes: only the keyboard can succeed
			fp.add(selRatingOptions, ratingMenu(5, false)...)

			d := testDriver(t, fp, quietConfig())
			require.NoError(t, d.SelectRating(context.Background(), rating))

			var want []string
			for i := 0; i < 5-rating; i++ {
				want = append(want, "ArrowDown")
			}
			want = append(want, "Enter")
			assert.Equal(t, want, fp.keyboard.presses)
		})
	}
}

func TestSelectRatingByCoordinates(t *testing.T) {
	tests := []struct {
		rating, options, want int
	}{
		{rating: 5, options: 5, want: 0},
		{rating: 2, options: 5, want: 3},
		{rating: 1, options: 5, want: 4},
		// a leading "All ratings" entry shifts every option down by one
		{rating: 4, options: 6, want: 2},
		{rating: 5, options: 3, want: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d of %d", tt.rating, tt.options), func(t *testing.T) {
			fp := newFakePlayPage()
			options := ratingMenu(tt.options, true)
			options[0].focusErr = errors.New("not focusable")
			fp.add(selRatingOptions, options...)

			d := testDriver(t, fp, quietConfig())
			require.NoError(t, d.SelectRating(context.Background(), tt.rating))

			assert.Empty(t, fp.keyboard.presses)
			require.Len(t, fp.mouse.downs, 1)
			assert.True(t, inside(fp.mouse.downs[0], options[tt.want].box))
			for i, o := range options {
				if i != tt.want {
					assert.Zero(t, o.boxCalls, "option %d", i)
				}
			}
		})
	}
}

func TestSelectRatingNoMenu(t *testing.T) {
	fp := newFakePlayPage()

	d := testDriver(t, fp, quietConfig())
	err := d.SelectRating(context.Background(), 3)
	assert.ErrorIs(t, err, strategy.ErrActionFailed)
}

func scrollConfig() DriverConfig {
	cfg := quietConfig()
	cfg.ScrollWait = time.Second
	cfg.ScrollPoll = 250 * time.Millisecond
	return cfg
}

func TestScrollOnceWaitsForNewReviews(t *testing.T) {
	fp := newFakePlayPage()
	fp.evalOK = true
	fp.counts[selReview] = []int{10, 10, 10, 14}

	d := testDriver(t, fp, scrollConfig())
	var polls []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) error {
		polls = append(polls, wait)
		return nil
	}

	require.NoError(t, d.ScrollOnce(context.Background()))
	assert.Equal(t, 1, fp.evals)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, polls)
}

func TestScrollOnceReportsExhaustedList(t *testing.T) {
	fp := newFakePlayPage()
	fp.evalOK = true
	fp.counts[selReview] = []int{40}

	d := testDriver(t, fp, scrollConfig())
	polls := 0
	d.sleep = func(context.Context, time.Duration) error {
		polls++
		return nil
	}

	err := d.ScrollOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoNewReviews)
	assert.Equal(t, 4, polls)
}

func TestScrollOnceWithoutPanel(t *testing.T) {
	fp := newFakePlayPage()

	d := testDriver(t, fp, scrollConfig())
	err := d.ScrollOnce(context.Background())

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoNewReviews)
	assert.ErrorIs(t, err, errNotFound)
}

func TestScrollOnceStopsOnCancel(t *testing.T) {
	fp := newFakePlayPage()
	fp.evalOK = true

	d := testDriver(t, fp, scrollConfig())
	d.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	assert.ErrorIs(t, d.ScrollOnce(context.Background()), context.Canceled)
}

func TestCollectParsesPanel(t *testing.T) {
	fp := newFakePlayPage()
	fp.add(selPanel, &fakeElement{html: panel})

	d := testDriver(t, fp, quietConfig())
	records, err := d.Collect(context.Background(), 2)
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "Jane Doe", records[0].Author)
	assert.Equal(t, AppURL(testAppID), records[0].ItemID)
}

func TestCollectWithoutPanel(t *testing.T) {
	d := testDriver(t, newFakePlayPage(), quietConfig())

	_, err := d.Collect(context.Background(), 2)
	assert.ErrorContains(t, err, "failed to read review panel")
}

func TestNewPageDriverScrollDefaults(t *testing.T) {
	d := testDriver(t, newFakePlayPage(), DriverConfig{})
	assert.Equal(t, DefaultDriverConfig().ScrollPoll, d.cfg.ScrollPoll)
	assert.Equal(t, d.cfg.ScrollPoll, d.cfg.ScrollWait)
}
