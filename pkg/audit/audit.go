// Package audit provides an immutable, structured audit log for the
// gateway.
//
// Every tool invocation, signed command write, trigger fire, and cache
// clear is recorded as a structured event. LogOAuthToken and
// LogOAuthRevoke exist for OAuth token mint/revoke events, but the
// embedded OAuth server does not call them. Events are append-only and
// can be exported to JSON for later review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvoke   EventType = "tool.invoke"
	EventCommandWrite EventType = "command.write"
	EventTriggerFire  EventType = "trigger.fire"
	EventOAuthToken   EventType = "oauth.token"
	EventOAuthRevoke  EventType = "oauth.revoke"
	EventCacheClear   EventType = "cache.clear"
	EventConfig       EventType = "config.change"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	VIN     string `json:"vin,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Command string `json:"command,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status   string        `json:"status"` // "success", "failure"
	Duration time.Duration `json:"duration_ms,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events recorded since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines format.
// Each line is a complete JSON event. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.User != "" && e.User != opts.User {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger for the given user.
func NewLogger(store Store, user string) *Logger {
	return &Logger{store: store, user: user}
}

// LogToolInvoke records a tool invocation event.
func (l *Logger) LogToolInvoke(ctx context.Context, tool, vin string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventToolInvoke,
		User:   l.user,
		Action: "tool.invoke",
		Target: &EventTarget{VIN: vin, Tool: tool},
		Result: result,
	})
}

// LogCommandWrite records a signed (or unsigned) command write.
func (l *Logger) LogCommandWrite(ctx context.Context, command, vin string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventCommandWrite,
		User:   l.user,
		Action: "command.write",
		Target: &EventTarget{VIN: vin, Command: command},
		Result: result,
	})
}

// LogTriggerFire records a trigger firing.
func (l *Logger) LogTriggerFire(ctx context.Context, triggerID, field, vin string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventTriggerFire,
		User:   l.user,
		Action: "trigger.fire",
		Target: &EventTarget{VIN: vin},
		Metadata: map[string]any{
			"trigger_id": triggerID,
			"field":      field,
		},
	})
}

// LogOAuthToken records an access/refresh token mint on the embedded
// authorization server.
func (l *Logger) LogOAuthToken(ctx context.Context, clientID, grantType string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventOAuthToken,
		User:   l.user,
		Action: "oauth.token",
		Target: &EventTarget{ClientID: clientID},
		Result: result,
		Metadata: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogOAuthRevoke records a token revocation.
func (l *Logger) LogOAuthRevoke(ctx context.Context, clientID string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventOAuthRevoke,
		User:   l.user,
		Action: "oauth.revoke",
		Target: &EventTarget{ClientID: clientID},
	})
}

// LogCacheClear records an operator-initiated response cache clear.
func (l *Logger) LogCacheClear(ctx context.Context, vin string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventCacheClear,
		User:   l.user,
		Action: "cache.clear",
		Target: &EventTarget{VIN: vin},
	})
}
