package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DisplaySink renders each frame either as a human-readable line (to an
// slog logger) or as one JSONL record (to an io.Writer), depending on how
// it is constructed. It never errors out of OnFrame: a formatting problem
// on one frame should not interrupt the fanout for the rest of the sinks.
type DisplaySink struct {
	mu     sync.Mutex
	logger *slog.Logger
	jsonl  io.Writer
}

// NewTextDisplaySink logs one line per frame through logger.
func NewTextDisplaySink(logger *slog.Logger) *DisplaySink {
	return &DisplaySink{logger: logger}
}

// NewJSONLDisplaySink writes one JSON object per frame to w, newline
// delimited.
func NewJSONLDisplaySink(w io.Writer) *DisplaySink {
	return &DisplaySink{jsonl: w}
}

func (s *DisplaySink) Name() string { return "display" }

type jsonlRecord struct {
	Timestamp string         `json:"timestamp"`
	VIN       string         `json:"vin"`
	Resend    bool           `json:"resend"`
	Fields    map[string]any `json:"fields"`
}

func (s *DisplaySink) OnFrame(_ context.Context, frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make(map[string]any, len(frame.Data))
	for _, d := range frame.Data {
		fields[d.FieldName] = d.Value
	}

	if s.jsonl != nil {
		rec := jsonlRecord{
			Timestamp: frame.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			VIN:       frame.VIN,
			Resend:    frame.IsResend,
			Fields:    fields,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil
		}
		line = append(line, '\n')
		_, _ = s.jsonl.Write(line)
		return nil
	}

	if s.logger != nil {
		s.logger.Info("telemetry frame", "vin", frame.VIN, "fields", fields, "resend", frame.IsResend)
		return nil
	}

	fmt.Println(frame.VIN, fields)
	return nil
}
