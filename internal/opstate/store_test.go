package opstate

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)

	if err := s.Set("catalog", "last_sync", "2026-08-30T10:00:00Z"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	val, err := s.Get("catalog", "last_sync")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "2026-08-30T10:00:00Z" {
		t.Errorf("Get() = %q", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestIncrement(t *testing.T) {
	s := testStore(t)

	n, err := s.Increment("agent", "cycles")
	if err != nil {
		t.Fatalf("Increment() error: %v", err)
	}
	if n != 1 {
		t.Errorf("first Increment() = %d, want 1", n)
	}

	n, err = s.Increment("agent", "cycles")
	if err != nil {
		t.Fatalf("Increment() error: %v", err)
	}
	if n != 2 {
		t.Errorf("second Increment() = %d, want 2", n)
	}

	// Non-numeric value counts as zero.
	if err := s.Set("agent", "cycles", "garbage"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	n, err = s.Increment("agent", "cycles")
	if err != nil {
		t.Fatalf("Increment() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Increment() over garbage = %d, want 1", n)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}

	// Deleting a non-existent key should not error.
	if err := s.Delete("ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	alpha := s.Namespace("alpha")
	beta := s.Namespace("beta")

	if err := alpha.Set("key", "a-val"); err != nil {
		t.Fatalf("Set(alpha) error: %v", err)
	}
	if err := beta.Set("key", "b-val"); err != nil {
		t.Fatalf("Set(beta) error: %v", err)
	}

	aVal, err := alpha.Get("key")
	if err != nil {
		t.Fatalf("Get(alpha) error: %v", err)
	}
	bVal, err := beta.Get("key")
	if err != nil {
		t.Fatalf("Get(beta) error: %v", err)
	}

	if aVal != "a-val" || bVal != "b-val" {
		t.Errorf("alpha/key = %q, beta/key = %q", aVal, bVal)
	}
}

func TestNamespaceList(t *testing.T) {
	s := testStore(t)
	ns := s.Namespace("ns")

	if err := ns.Set("a", "1"); err != nil {
		t.Fatalf("Set(a) error: %v", err)
	}
	if err := ns.Set("b", "2"); err != nil {
		t.Fatalf("Set(b) error: %v", err)
	}
	if err := s.Set("other", "c", "3"); err != nil {
		t.Fatalf("Set(other) error: %v", err)
	}

	result, err := ns.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List("empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, want empty map", empty)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.Set("ns", "key", "persistent"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	val, err := s2.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "persistent" {
		t.Errorf("Get() = %q after reopen, want %q", val, "persistent")
	}
}
