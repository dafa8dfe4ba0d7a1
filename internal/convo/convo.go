// Package convo persists conversation context between command cycles.
// The history is an append-only JSONL log; the newest entry within the
// retention window is the "current" context that follow-up commands
// ("make it brighter") resolve against.
package convo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	historyFile  = "context_history.jsonl"
	snapshotFile = "context.json"
)

// Context is the conversational state captured after one command cycle.
type Context struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	LastTranscript string          `json:"last_transcript"`
	LastIntent     json.RawMessage `json:"last_intent,omitempty"`
	LastResult     string          `json:"last_result"`
	User           string          `json:"user"`
	LastDevices    []string        `json:"last_devices,omitempty"`
	LastAction     string          `json:"last_action,omitempty"`
	LastParameters map[string]any  `json:"last_parameters,omitempty"`
}

// IsZero reports whether the context is empty (no cycle recorded).
// Recorded contexts always carry an ID; see [Store.Append].
func (c Context) IsZero() bool {
	return c.ID == ""
}

// Store reads and appends conversation contexts. Safe for concurrent
// use within a single process; multiple writer processes are not
// supported.
type Store struct {
	mu           sync.Mutex
	historyPath  string
	snapshotPath string
	logger       *slog.Logger
}

// NewStore creates a context store rooted at dataDir. The directory is
// created if needed.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		historyPath:  filepath.Join(dataDir, historyFile),
		snapshotPath: filepath.Join(dataDir, snapshotFile),
		logger:       logger,
	}, nil
}

// Append records a context at the end of the history log and refreshes
// the snapshot file. A missing ID or timestamp is filled in.
func (s *Store) Append(c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate context id: %w", err)
		}
		c.ID = id.String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append context: %w", err)
	}

	// The snapshot is a convenience mirror of the newest entry; the
	// history log stays authoritative if the two ever disagree.
	snap, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.snapshotPath, snap, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return nil
}

// Current returns the newest context no older than retentionDays. When
// the history is empty or everything has aged out, a fresh empty
// context stamped with the current time is returned with no error.
func (s *Store) Current(retentionDays int) (Context, error) {
	all, err := s.AllWithin(retentionDays)
	if err != nil {
		return Context{}, err
	}
	if len(all) == 0 {
		return Context{Timestamp: time.Now().UTC()}, nil
	}
	return all[len(all)-1], nil
}

// AllWithin returns every context no older than retentionDays, oldest
// first. Corrupted lines are skipped with a warning; read errors are
// returned.
func (s *Store) AllWithin(retentionDays int) ([]Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var out []Context
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var c Context
		if err := json.Unmarshal(raw, &c); err != nil {
			s.logger.Warn("skipping corrupted context line",
				"line", lineNo, "error", err)
			continue
		}
		if c.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	return out, nil
}
