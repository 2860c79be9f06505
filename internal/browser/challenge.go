package browser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var challengeSelectors = []string{
	`iframe[src*="recaptcha"]`,
	`iframe[src*="captcha"]`,
	`.g-recaptcha`,
	`#captcha`,
	`input[name*="captcha"]`,
	`form[id*="captcha"]`,
	`form[action*="/sorry/"]`,
}

// challengeTexts are only matched in page chrome; review bodies regularly
// mention captchas.
var challengeTexts = []string{
	"security check",
	"verify you are human",
	"unusual traffic",
}

// DetectChallengeHTML looks for captcha widgets and challenge wording in a
// rendered document. It returns the first matching indicator.
func DetectChallengeHTML(content string) (bool, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false, ""
	}

	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true, sel
		}
	}

	if indicator := findCaseInsensitive(doc, "img", "alt"); indicator != "" {
		return true, indicator
	}
	if indicator := findCaseInsensitive(doc, "div", "class"); indicator != "" {
		return true, indicator
	}

	doc.Find("script, style, noscript").Remove()
	chrome := strings.ToLower(doc.Find("title, h1, h2, h3, form").Text())
	for _, text := range challengeTexts {
		if strings.Contains(chrome, text) {
			return true, "text:" + text
		}
	}

	return false, ""
}

func findCaseInsensitive(doc *goquery.Document, element, attr string) string {
	var indicator string
	doc.Find(element + "[" + attr + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		value, _ := s.Attr(attr)
		if strings.Contains(strings.ToLower(value), "captcha") {
			indicator = element + "[" + attr + "*=captcha]"
			return false
		}
		return true
	})
	return indicator
}
