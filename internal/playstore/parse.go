package playstore

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/review-crawler/internal/models"
)

const detailsURL = "https://play.google.com/store/apps/details?id="

// Review panel selectors.
const (
	selReview  = "div.RHo1pe"
	selAuthor  = "div.X5PpBb"
	selRating  = "div.iXRFPc"
	selDetails = "div.h3YV2d"
)

var ratingLabel = regexp.MustCompile(`(?i)Rated (\d+) stars? out of five stars`)

// AppURL is the store page of appID.
func AppURL(appID string) string {
	return detailsURL + url.QueryEscape(appID)
}

// ParseRating reads the star score from an aria-label such as
// "Rated 4 stars out of five stars". Unrecognised labels yield 0.
func ParseRating(label string) int {
	m := ratingLabel.FindStringSubmatch(label)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 5 {
		return 0
	}
	return n
}

// ParseReviews extracts the reviews rendered in a review panel fragment.
// Reviews without text are dropped; a missing author becomes "Unknown User".
func ParseReviews(appID, fragment string, collectedAt time.Time) ([]models.ReviewRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, err
	}

	itemID := AppURL(appID)
	var records []models.ReviewRecord
	doc.Find(selReview).Each(func(_ int, review *goquery.Selection) {
		text := strings.TrimSpace(review.Find(selDetails).First().Text())
		if text == "" {
			return
		}

		author := strings.TrimSpace(review.Find(selAuthor).First().Text())
		if author == "" {
			author = models.UnknownAuthor
		}

		label, _ := review.Find(selRating).First().Attr("aria-label")
		rating := ParseRating(label)

		records = append(records, models.ReviewRecord{
			Source:      models.SourcePlayStore,
			SourceID:    appID,
			ItemID:      itemID,
			Positive:    rating >= 4,
			Text:        text,
			Author:      author,
			Rating:      rating,
			CollectedAt: collectedAt,
		})
	})

	return records, nil
}
