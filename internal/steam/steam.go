package steam

import (
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/maltedev/review-crawler/internal/fetch"
	"github.com/maltedev/review-crawler/internal/models"
)

const DefaultBaseURL = "https://store.steampowered.com/appreviews/"

// DefaultLanguages are the partitions walked for every app, in order.
var DefaultLanguages = []string{"english", "vietnamese"}

var (
	latinText  = regexp.MustCompile(`^[a-zA-Z\s.,!?'"\-0-9\x{00C0}-\x{024F}\x{0300}-\x{036F}\x{1EA0}-\x{1EF9}]+$`)
	lineBreaks = regexp.MustCompile(`(?i)<br\s*/?>`)
	spaces     = regexp.MustCompile(`[ \t]+`)
)

type response struct {
	Success int    `json:"success"`
	HTML    string `json:"html"`
	Cursor  string `json:"cursor"`
}

// Extractor parses the appreviews endpoint: a JSON envelope carrying a
// cursor and an HTML fragment of review boxes.
type Extractor struct {
	BaseURL   string
	LatinOnly bool

	policy *bluemonday.Policy
	now    func() time.Time
}

func NewExtractor(baseURL string, latinOnly bool) *Extractor {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Extractor{
		BaseURL:   baseURL,
		LatinOnly: latinOnly,
		policy:    bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

func (e *Extractor) URL(appID string) string {
	return e.BaseURL + url.PathEscape(appID)
}

func (e *Extractor) Params(req fetch.PageRequest) url.Values {
	perPage := req.PageSize
	if perPage <= 0 {
		perPage = 20
	}
	return url.Values{
		"use_review_quality":       {"1"},
		"cursor":                   {req.Cursor},
		"day_range":                {"30"},
		"start_date":               {"-1"},
		"end_date":                 {"-1"},
		"date_range_type":          {"all"},
		"filter":                   {"summary"},
		"language":                 {req.Language},
		"l":                        {"english"},
		"review_type":              {"all"},
		"purchase_type":            {"all"},
		"playtime_filter_min":      {"0"},
		"playtime_filter_max":      {"0"},
		"playtime_type":            {"all"},
		"filter_offtopic_activity": {"1"},
		"num_per_page":             {strconv.Itoa(perPage)},
	}
}

func (e *Extractor) Extract(req fetch.PageRequest, body []byte) (fetch.Page, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fetch.Page{}, fmt.Errorf("%w: decode body: %v", fetch.ErrParseMismatch, err)
	}
	if resp.Success != 1 {
		return fetch.Page{}, fmt.Errorf("%w: success=%d", fetch.ErrParseMismatch, resp.Success)
	}

	records, err := e.parseReviews(req, resp.HTML)
	if err != nil {
		return fetch.Page{}, err
	}

	return fetch.Page{Records: records, NextCursor: resp.Cursor}, nil
}

func (e *Extractor) parseReviews(req fetch.PageRequest, fragment string) ([]models.ReviewRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", fetch.ErrParseMismatch, err)
	}

	itemID := e.URL(req.TargetID)
	collectedAt := e.now()

	var records []models.ReviewRecord
	doc.Find(".review_box").Each(func(_ int, box *goquery.Selection) {
		text := e.cleanText(box.Find(".content").First())
		if text == "" {
			return
		}
		if e.LatinOnly && !latinText.MatchString(text) {
			return
		}

		author := strings.TrimSpace(box.Find(".persona_name").First().Text())
		if author == "" {
			author = models.UnknownAuthor
		}

		records = append(records, models.ReviewRecord{
			Source:      models.SourceSteam,
			SourceID:    req.TargetID,
			ItemID:      itemID,
			Positive:    strings.TrimSpace(box.Find(".title").First().Text()) == "Recommended",
			Text:        text,
			Author:      author,
			Language:    req.Language,
			CollectedAt: collectedAt,
		})
	})

	return records, nil
}

// cleanText strips all markup from a review body and keeps its line breaks.
func (e *Extractor) cleanText(sel *goquery.Selection) string {
	raw, err := sel.Html()
	if err != nil || raw == "" {
		return strings.TrimSpace(sel.Text())
	}

	raw = lineBreaks.ReplaceAllString(raw, "\n")
	text := html.UnescapeString(e.policy.Sanitize(raw))

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaces.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
