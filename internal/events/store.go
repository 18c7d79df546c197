package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/security"
)

// Event types written by the supervisor and the editor.
const (
	StartRequested   = "start_requested"
	StartSucceeded   = "start_succeeded"
	StartFailed      = "start_failed"
	StopRequested    = "stop_requested"
	StopSucceeded    = "stop_succeeded"
	StopFailed       = "stop_failed"
	RestartSucceeded = "restart_succeeded"
	RestartFailed    = "restart_failed"
	ChannelAdded     = "channel_added"
	ChannelRemoved   = "channel_removed"
	BandwidthChanged = "bandwidth_changed"
	Paired           = "paired"
	Unpaired         = "unpaired"
)

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	TunnelID  string            `json:"tunnel_id,omitempty"`
	EventType string            `json:"event_type"`
	State     model.TunnelState `json:"state,omitempty"`
	Message   string            `json:"message,omitempty"`
	PID       int               `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	TunnelID  string
	EventType string
	Since     time.Time
	Limit     int
}

// Recorder is implemented by anything that accepts lifecycle events.
type Recorder interface {
	Append(evt Event) error
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a journal backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the journal file location.
func (s *Store) Path() string { return s.path }

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return security.IOError(err, "create events dir")
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return security.IOError(err, "open events journal")
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return security.IOError(err, "append event")
	}
	return nil
}

// Read returns events in append order, filtered by query, with optional limit.
// The limit keeps the most recent matches.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, security.IOError(err, "open events journal")
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.TunnelID) != "" && evt.TunnelID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Discard drops every event.
type Discard struct{}

// Append implements Recorder.
func (Discard) Append(Event) error { return nil }
