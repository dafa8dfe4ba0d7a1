// Package learning keeps a growing set of command-to-intent examples
// used as few-shot material in model prompts. The whole collection is
// one JSON document, rewritten on each append; the sets stay small
// enough that this is simpler and safer than an incremental format.
package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const examplesFile = "learning_examples.json"

// Example pairs a spoken command with the intent the model produced
// for it. CorrectedIntent starts equal to OriginalIntent and diverges
// when the user issues a correction.
type Example struct {
	Command         string          `json:"command"`
	OriginalIntent  json.RawMessage `json:"original_intent"`
	CorrectedIntent json.RawMessage `json:"corrected_intent"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Store persists learning examples under a data directory.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewStore creates a learning store rooted at dataDir.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		path:   filepath.Join(dataDir, examplesFile),
		logger: logger,
	}, nil
}

// Append records a new example. A nil correctedIntent means the intent
// stands as produced.
func (s *Store) Append(command string, intent, correctedIntent json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	examples, err := s.load()
	if err != nil {
		return err
	}

	if correctedIntent == nil {
		correctedIntent = intent
	}
	examples = append(examples, Example{
		Command:         command,
		OriginalIntent:  intent,
		CorrectedIntent: correctedIntent,
		Timestamp:       time.Now().UTC(),
	})

	return s.save(examples)
}

// CorrectLast overwrites the corrected intent of the most recent
// example. Used when the user disputes the previous cycle and the
// model produces a replacement intent.
func (s *Store) CorrectLast(correctedIntent json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	examples, err := s.load()
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return fmt.Errorf("no example to correct")
	}

	examples[len(examples)-1].CorrectedIntent = correctedIntent
	return s.save(examples)
}

// Relevant returns up to max examples ranked by word overlap with the
// query, highest first. Examples with no overlap are excluded; ties
// keep their original insertion order.
func (s *Store) Relevant(query string, max int) ([]Example, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	examples, err := s.load()
	if err != nil {
		return nil, err
	}

	queryWords := wordSet(query)

	type scored struct {
		overlap int
		ex      Example
	}
	var candidates []scored
	for _, ex := range examples {
		overlap := 0
		for w := range wordSet(ex.Command) {
			if queryWords[w] {
				overlap++
			}
		}
		if overlap > 0 {
			candidates = append(candidates, scored{overlap, ex})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].overlap > candidates[j].overlap
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]Example, len(candidates))
	for i, c := range candidates {
		out[i] = c.ex
	}
	return out, nil
}

// Count returns the number of stored examples.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	examples, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(examples), nil
}

func (s *Store) load() ([]Example, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read examples: %w", err)
	}
	var examples []Example
	if err := json.Unmarshal(raw, &examples); err != nil {
		return nil, fmt.Errorf("parse examples: %w", err)
	}
	return examples, nil
}

func (s *Store) save(examples []Example) error {
	raw, err := json.MarshalIndent(examples, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal examples: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("write examples: %w", err)
	}
	return nil
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
