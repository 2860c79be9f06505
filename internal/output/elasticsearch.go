package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"github.com/maltedev/review-crawler/internal/models"
)

const reviewMapping = `{
	"mappings": {
		"properties": {
			"source": {"type": "keyword"},
			"source_id": {"type": "keyword"},
			"item_id": {"type": "keyword"},
			"positive": {"type": "boolean"},
			"rating": {"type": "integer"},
			"author": {"type": "keyword"},
			"text": {"type": "text"},
			"language": {"type": "keyword"},
			"collected_at": {"type": "date"}
		}
	}
}`

// ElasticsearchSink bulk-indexes reviews. Document ids derive from the
// record contents, so re-indexing the same review overwrites it.
type ElasticsearchSink struct {
	client    *elasticsearch.Client
	indexName string
	logger    *slog.Logger
	marshal   func(any) ([]byte, error)
}

func NewElasticsearchSink(cfg elasticsearch.Config, indexName string, logger *slog.Logger) (*ElasticsearchSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create es client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("es info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("es error: %s", res.Status())
	}

	return &ElasticsearchSink{
		client:    client,
		indexName: indexName,
		logger:    logger.With("component", "elasticsearch"),
		marshal:   json.Marshal,
	}, nil
}

// EnsureIndex creates the review index if it does not exist yet.
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.indexName}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = s.client.Indices.Create(
		s.indexName,
		s.client.Indices.Create.WithBody(strings.NewReader(reviewMapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("create index error: %s", res.Status())
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

func (s *ElasticsearchSink) Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, encoded := s.bulkBody(sourceID, records)
	if encoded == 0 {
		return fmt.Errorf("bulk index: none of %d reviews could be encoded", len(records))
	}

	res, err := s.client.Bulk(bytes.NewReader(body), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk error: %s", res.Status())
	}

	var bulkRes bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		return fmt.Errorf("parse bulk response: %w", err)
	}

	if bulkRes.Errors {
		failed := 0
		for _, item := range bulkRes.Items {
			if item.Index.Status >= 400 {
				failed++
				s.logger.Warn("bulk index error",
					"doc_id", item.Index.ID,
					"type", item.Index.Error.Type,
					"reason", item.Index.Error.Reason,
				)
			}
		}
		if failed > 0 {
			return fmt.Errorf("bulk index: %d of %d documents failed", failed, len(bulkRes.Items))
		}
	}

	s.logger.Debug("indexed reviews", "source_id", sourceID, "count", len(records))
	return nil
}

// bulkBody renders one action line and one document line per record. A
// record that fails to marshal is left out together with its action line.
func (s *ElasticsearchSink) bulkBody(sourceID string, records []models.ReviewRecord) ([]byte, int) {
	var buf bytes.Buffer
	encoded := 0
	for _, r := range records {
		doc, err := s.marshal(r)
		if err != nil {
			s.logger.Warn("failed to marshal review", "source_id", sourceID, "item_id", r.ItemID, "error", err)
			continue
		}
		meta, err := json.Marshal(map[string]any{
			"index": map[string]any{
				"_index": s.indexName,
				"_id":    DocumentID(r),
			},
		})
		if err != nil {
			continue
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
		encoded++
	}
	return buf.Bytes(), encoded
}

func (s *ElasticsearchSink) Close() error {
	return nil
}

var reviewNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("review-crawler/reviews"))

// DocumentID is a stable id for r derived from its identifying fields.
func DocumentID(r models.ReviewRecord) string {
	key := strings.Join([]string{string(r.Source), r.ItemID, r.Author, r.Text}, "\x00")
	return uuid.NewSHA1(reviewNamespace, []byte(key)).String()
}

// IndexName expands a "{date}" placeholder so daily indices can be used.
func IndexName(pattern string, now time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", now.UTC().Format("2006.01.02"))
}
