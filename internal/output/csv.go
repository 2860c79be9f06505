package output

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/maltedev/review-crawler/internal/models"
)

var csvHeader = []string{"item_id", "positive", "rating", "author", "text"}

// CSVWriter appends review rows to a CSV file. Safe for concurrent use.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates filename (and its directory) and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

func (cw *CSVWriter) Write(ctx context.Context, _ string, records []models.ReviewRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, r := range records {
		row := []string{
			r.ItemID,
			strconv.FormatBool(r.Positive),
			strconv.Itoa(r.Rating),
			r.Author,
			r.Text,
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func (cw *CSVWriter) Path() string {
	return cw.file.Name()
}

func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// ReadCSV decodes rows written by CSVWriter. Only the CSV columns are filled.
func ReadCSV(r io.Reader) ([]models.ReviewRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvHeader)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected csv column %d: %q", i, header[i])
		}
	}

	var records []models.ReviewRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}

		positive, err := strconv.ParseBool(row[1])
		if err != nil {
			return nil, fmt.Errorf("parse positive %q: %w", row[1], err)
		}
		rating, err := strconv.Atoi(row[2])
		if err != nil {
			return nil, fmt.Errorf("parse rating %q: %w", row[2], err)
		}

		records = append(records, models.ReviewRecord{
			ItemID:   row[0],
			Positive: positive,
			Rating:   rating,
			Author:   row[3],
			Text:     row[4],
		})
	}
	return records, nil
}

// ReadCSVFile opens filename and decodes it with ReadCSV.
func ReadCSVFile(filename string) ([]models.ReviewRecord, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
