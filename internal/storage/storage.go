package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/maltedev/review-crawler/internal/models"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Target struct {
	ID        string        `json:"id"`
	Source    models.Source `json:"source"`
	Status    string        `json:"status"`
	Records   int           `json:"records"`
	AddedAt   time.Time     `json:"added_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Error     string        `json:"error,omitempty"`
}

// TargetStore checkpoints per-target crawl status in a JSON file so a rerun
// can skip ids that already completed. An empty filename keeps state in
// memory only.
type TargetStore struct {
	mu       sync.RWMutex
	targets  map[string]*Target
	filename string
}

func NewTargetStore(filename string) (*TargetStore, error) {
	ts := &TargetStore{
		targets:  make(map[string]*Target),
		filename: filename,
	}

	if filename == "" {
		return ts, nil
	}

	if err := ts.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return ts, nil
}

func key(source models.Source, id string) string {
	return string(source) + ":" + id
}

func (ts *TargetStore) Add(source models.Source, id string) error {
	if id == "" {
		return fmt.Errorf("target id is required")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	k := key(source, id)
	if _, exists := ts.targets[k]; exists {
		return nil
	}

	now := time.Now()
	ts.targets[k] = &Target{
		ID:        id,
		Source:    source,
		Status:    StatusPending,
		AddedAt:   now,
		UpdatedAt: now,
	}
	return ts.save()
}

func (ts *TargetStore) Get(source models.Source, id string) (Target, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, exists := ts.targets[key(source, id)]
	if !exists {
		return Target{}, false
	}
	return *t, true
}

// Completed reports whether id finished in an earlier run.
func (ts *TargetStore) Completed(source models.Source, id string) bool {
	t, ok := ts.Get(source, id)
	return ok && t.Status == StatusCompleted
}

func (ts *TargetStore) UpdateStatus(source models.Source, id, status string, records int, errorMsg string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, exists := ts.targets[key(source, id)]
	if !exists {
		return fmt.Errorf("target not found: %s", id)
	}

	t.Status = status
	t.Records = records
	t.UpdatedAt = time.Now()
	t.Error = errorMsg

	return ts.save()
}

func (ts *TargetStore) GetStats() map[string]int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	stats := make(map[string]int)
	for _, t := range ts.targets {
		stats[t.Status]++
	}
	stats["total"] = len(ts.targets)
	return stats
}

func (ts *TargetStore) save() error {
	if ts.filename == "" {
		return nil
	}

	data, err := json.MarshalIndent(ts.targets, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := ts.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, ts.filename)
}

func (ts *TargetStore) Load() error {
	data, err := os.ReadFile(ts.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &ts.targets)
}
