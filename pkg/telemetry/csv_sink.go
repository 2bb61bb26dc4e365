package telemetry

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// CSVLogSink appends one wide-format row per frame. The header grows
// incrementally: fixed columns timestamp, vin come first, then each novel
// field name extends the header. When a new field appears mid-stream the
// file is rewritten: all existing rows are read, the file is truncated,
// and the new header plus every row (old and new) is written back.
type CSVLogSink struct {
	path       string
	vinFilter  string
	logger     *slog.Logger

	mu           sync.Mutex
	columns      []string // fixed columns + field names, in append order
	rows         [][]string
	framesSince  int
	file         *os.File
}

// NewCSVLogSink opens (or creates) the CSV log at path. If vinFilter is
// non-empty, frames for other vins are skipped.
func NewCSVLogSink(path, vinFilter string, logger *slog.Logger) (*CSVLogSink, error) {
	sink := &CSVLogSink{
		path:      path,
		vinFilter: vinFilter,
		logger:    logger,
		columns:   []string{"timestamp", "vin"},
	}

	if err := sink.loadExisting(); err != nil {
		return nil, fmt.Errorf("load existing csv log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	sink.file = f

	if len(sink.rows) == 0 {
		if err := sink.writeHeaderOnly(); err != nil {
			return nil, err
		}
	}

	return sink, nil
}

func (s *CSVLogSink) Name() string { return "csv" }

func (s *CSVLogSink) loadExisting() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	r := csv.NewReader(strings.NewReader(string(data)))
	records, err := r.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	s.columns = records[0]
	s.rows = records[1:]
	return nil
}

func (s *CSVLogSink) writeHeaderOnly() error {
	w := csv.NewWriter(s.file)
	if err := w.Write(s.columns); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// OnFrame appends one row for frame, rewriting the file if new field
// columns are introduced. Flush to disk every ten frames and on Close.
func (s *CSVLogSink) OnFrame(_ context.Context, frame *Frame) error {
	if s.vinFilter != "" && frame.VIN != s.vinFilter {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := make(map[string]string, len(frame.Data)+2)
	row["timestamp"] = frame.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")
	row["vin"] = frame.VIN

	newColumn := false
	for _, d := range frame.Data {
		row[d.FieldName] = serializeCSVValue(d)
		if !contains(s.columns, d.FieldName) {
			newColumn = true
		}
	}

	if newColumn {
		s.extendHeader(row)
		if err := s.rewrite(); err != nil {
			return fmt.Errorf("rewrite csv with new header: %w", err)
		}
	}

	rowValues := make([]string, len(s.columns))
	for i, col := range s.columns {
		rowValues[i] = row[col]
	}
	s.rows = append(s.rows, rowValues)

	w := csv.NewWriter(s.file)
	if err := w.Write(rowValues); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	s.framesSince++
	if s.framesSince >= 10 {
		s.framesSince = 0
		return s.file.Sync()
	}
	return nil
}

func (s *CSVLogSink) extendHeader(row map[string]string) {
	known := make(map[string]bool, len(s.columns))
	for _, c := range s.columns {
		known[c] = true
	}
	var newCols []string
	for col := range row {
		if !known[col] {
			newCols = append(newCols, col)
		}
	}
	sort.Strings(newCols)
	s.columns = append(s.columns, newCols...)
}

// rewrite truncates the file and re-writes the header plus every
// previously recorded row, padded with empty cells for the new columns.
func (s *CSVLogSink) rewrite() error {
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}

	w := csv.NewWriter(s.file)
	if err := w.Write(s.columns); err != nil {
		return err
	}
	for _, old := range s.rows {
		padded := make([]string, len(s.columns))
		copy(padded, old)
		if err := w.Write(padded); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Close flushes and closes the underlying file.
func (s *CSVLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	return s.file.Close()
}

func serializeCSVValue(d Datum) string {
	if loc, ok := d.Value.(Location); ok {
		return fmt.Sprintf("lat=%v;lon=%v", loc.Latitude, loc.Longitude)
	}
	return fmt.Sprintf("%v", d.Value)
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
