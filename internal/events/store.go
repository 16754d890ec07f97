// Package events keeps an append-only journal of forwarding lifecycle events.
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

	"github.com/treykane/fwdctl/internal/appconfig"
)

const (
	RuleCreated     = "rule_created"
	RuleUpdated     = "rule_updated"
	RuleDeleted     = "rule_deleted"
	RuleEnabled     = "rule_enabled"
	RuleDisabled    = "rule_disabled"
	BindFailed      = "bind_failed"
	PersistFailed   = "persist_failed"
	RebindSucceeded = "rebind_succeeded"
	RebindFailed    = "rebind_failed"
	RebindAbandoned = "rebind_abandoned"
	SessionLost     = "session_lost"
)

// Event is one forwarding lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	HostID    int64     `json:"host_id,omitempty"`
	RuleID    int64     `json:"rule_id,omitempty"`
	EventType string    `json:"event_type"`
	Rule      string    `json:"rule,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	HostID    int64
	RuleID    int64
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore journals to the default events.jsonl under the config directory.
func NewStore() (*Store, error) {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path), nil
}

func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

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
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, keeping the last
// Limit matches when Limit > 0.
func (s *Store) Read(q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
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
	if q.HostID != 0 && evt.HostID != q.HostID {
		return false
	}
	if q.RuleID != 0 && evt.RuleID != q.RuleID {
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
