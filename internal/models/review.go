package models

import (
	"fmt"
	"time"
)

// Source identifies the platform a review was collected from.
type Source string

const (
	SourceSteam     Source = "steam"
	SourcePlayStore Source = "playstore"
)

// ParseSource maps a command line or query value onto a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceSteam, SourcePlayStore:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// UnknownAuthor stands in for reviewers whose name is not rendered.
const UnknownAuthor = "Unknown User"

// ReviewRecord is one user review. Rating is 0 when the platform exposes no
// star score (Steam) or the score could not be parsed.
type ReviewRecord struct {
	Source      Source    `json:"source"`
	SourceID    string    `json:"source_id"`
	ItemID      string    `json:"item_id"`
	Positive    bool      `json:"positive"`
	Text        string    `json:"text"`
	Author      string    `json:"author"`
	Rating      int       `json:"rating"`
	Language    string    `json:"language,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// Valid reports whether the record carries the fields every sink requires.
func (r ReviewRecord) Valid() bool {
	return r.ItemID != "" && r.Text != "" && r.Author != ""
}

// CrawlSummary is what a single target id produced.
type CrawlSummary struct {
	SourceID   string        `json:"source_id"`
	Source     Source        `json:"source"`
	Records    int           `json:"records"`
	Partitions int           `json:"partitions"`
	Failed     int           `json:"failed_partitions"`
	Duration   time.Duration `json:"duration"`
}
