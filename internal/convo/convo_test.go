package convo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return store
}

func TestAppendThenCurrent(t *testing.T) {
	store := newTestStore(t)

	cur, err := store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if !cur.IsZero() {
		t.Errorf("empty store should yield zero context, got %+v", cur)
	}

	err = store.Append(Context{
		LastTranscript: "turn on the lamp",
		LastResult:     "success",
		User:           "Dave",
		LastDevices:    []string{"light.lamp"},
		LastAction:     "light.turn_on",
	})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	cur, err = store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if cur.LastTranscript != "turn on the lamp" {
		t.Errorf("LastTranscript = %q", cur.LastTranscript)
	}
	if cur.ID == "" {
		t.Error("ID not assigned on append")
	}
	if cur.Timestamp.IsZero() {
		t.Error("Timestamp not assigned on append")
	}
}

func TestCurrentEmptyIsFreshlyStamped(t *testing.T) {
	store := newTestStore(t)

	before := time.Now().UTC()
	cur, err := store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if !cur.IsZero() {
		t.Errorf("empty store should yield zero context, got %+v", cur)
	}
	if cur.Timestamp.Before(before) || cur.Timestamp.After(time.Now().UTC()) {
		t.Errorf("empty context timestamp = %v, want roughly now", cur.Timestamp)
	}

	// The aged-out path is stamped the same way.
	old := Context{LastTranscript: "ancient", Timestamp: time.Now().UTC().AddDate(0, 0, -10)}
	if err := store.Append(old); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	cur, err = store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if !cur.IsZero() || cur.Timestamp.IsZero() {
		t.Errorf("aged-out window should yield fresh empty context, got %+v", cur)
	}
}

func TestCurrentReturnsNewest(t *testing.T) {
	store := newTestStore(t)

	for _, transcript := range []string{"first", "second", "third"} {
		if err := store.Append(Context{LastTranscript: transcript, LastResult: "success"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	cur, err := store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if cur.LastTranscript != "third" {
		t.Errorf("Current() = %q, want third", cur.LastTranscript)
	}

	all, err := store.AllWithin(7)
	if err != nil {
		t.Fatalf("AllWithin() error: %v", err)
	}
	if len(all) != 3 || all[0].LastTranscript != "first" {
		t.Errorf("AllWithin() = %+v", all)
	}
}

func TestRetentionWindow(t *testing.T) {
	store := newTestStore(t)

	old := Context{
		LastTranscript: "ancient",
		Timestamp:      time.Now().UTC().AddDate(0, 0, -10),
	}
	if err := store.Append(old); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	cur, err := store.Current(7)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if !cur.IsZero() {
		t.Errorf("aged-out context returned: %+v", cur)
	}
}

func TestCorruptedLineSkipped(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	if err := store.Append(Context{LastTranscript: "good one"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "context_history.jsonl"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	if err := store.Append(Context{LastTranscript: "after the damage"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	all, err := store.AllWithin(7)
	if err != nil {
		t.Fatalf("AllWithin() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d contexts, want 2 (corrupted skipped)", len(all))
	}
	if all[1].LastTranscript != "after the damage" {
		t.Errorf("all[1] = %+v", all[1])
	}
}

func TestSnapshotMirrorsNewest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	if err := store.Append(Context{LastTranscript: "snapshot me"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "context.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Context
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.LastTranscript != "snapshot me" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCues(t *testing.T) {
	tests := []struct {
		transcript string
		correction bool
		repeat     bool
		adjustment bool
		pronoun    bool
	}{
		{"turn on the lights", false, false, false, false},
		{"no, I meant the kitchen", true, false, false, false},
		{"that's not right", true, false, false, false},
		{"do that again", false, true, false, false},
		{"one more time please", false, true, true, false}, // "more" is also a comparative
		{"make it brighter", false, false, true, true},
		{"turn them off", false, false, false, true},
		{"now turn on the lamp", false, false, false, false}, // "now" must not fire "no"
		{"turn off the item shelf light", false, false, false, false},
	}

	for _, tt := range tests {
		if got := IsCorrection(tt.transcript); got != tt.correction {
			t.Errorf("IsCorrection(%q) = %v, want %v", tt.transcript, got, tt.correction)
		}
		if got := IsRepeat(tt.transcript); got != tt.repeat {
			t.Errorf("IsRepeat(%q) = %v, want %v", tt.transcript, got, tt.repeat)
		}
		if got := IsAdjustment(tt.transcript); got != tt.adjustment {
			t.Errorf("IsAdjustment(%q) = %v, want %v", tt.transcript, got, tt.adjustment)
		}
		if got := HasPronoun(tt.transcript); got != tt.pronoun {
			t.Errorf("HasPronoun(%q) = %v, want %v", tt.transcript, got, tt.pronoun)
		}
	}
}
