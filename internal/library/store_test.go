package library

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(StoreOptions{Backend: NewInMemoryStateBackend()})
}

func TestStoreLoadReturnsDefaultForMissingKey(t *testing.T) {
	store := newTestStore(t)
	got := Load(store, "missing", "fallback")
	if got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestStoreSaveThenLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	if err := Save(store, "books", []Book{{ID: "b1", Title: "De Kleine Prins"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	books := Load(store, "books", []Book{})
	if len(books) != 1 || books[0].Title != "De Kleine Prins" {
		t.Fatalf("unexpected books: %+v", books)
	}
}

func TestStoreLoadReturnsDefaultForCorruptValue(t *testing.T) {
	backend := NewInMemoryStateBackend()
	if err := backend.Save(map[string]json.RawMessage{"books": json.RawMessage(`{broken`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store := NewStore(StoreOptions{Backend: backend})
	books := Load(store, "books", []Book{{ID: "default"}})
	if len(books) != 1 || books[0].ID != "default" {
		t.Fatalf("expected default on corrupt value, got %+v", books)
	}
}

func TestStoreQuotaRefusesOversizedWrite(t *testing.T) {
	store := NewStore(StoreOptions{Backend: NewInMemoryStateBackend(), QuotaBytes: 64})
	if err := Save(store, "small", "ok"); err != nil {
		t.Fatalf("small write should fit: %v", err)
	}
	big := make([]byte, 128)
	err := Save(store, "big", big)
	if !errors.Is(err, ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull, got %v", err)
	}
	if store.Has("big") {
		t.Fatal("refused write must not be partially applied")
	}
	// The value that was already stored is untouched.
	if got := Load(store, "small", ""); got != "ok" {
		t.Fatalf("existing value lost: %q", got)
	}
}

func TestStoreQuotaAllowsReplacingExistingValue(t *testing.T) {
	store := NewStore(StoreOptions{Backend: NewInMemoryStateBackend(), QuotaBytes: 64})
	payload := "0123456789012345678901234567890123456789"
	if err := Save(store, "k", payload); err != nil {
		t.Fatalf("initial write failed: %v", err)
	}
	// Rewriting the same key replaces rather than adds footprint.
	if err := Save(store, "k", payload); err != nil {
		t.Fatalf("rewrite should not double-count: %v", err)
	}
}

func TestStoreCheckHeadroom(t *testing.T) {
	store := NewStore(StoreOptions{Backend: NewInMemoryStateBackend(), QuotaBytes: 100})
	if err := store.CheckHeadroom(50); err != nil {
		t.Fatalf("headroom should be available: %v", err)
	}
	if err := store.CheckHeadroom(101); !errors.Is(err, ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull, got %v", err)
	}
}

func TestStoreKeysFiltersByPrefixSorted(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"progress/u1/c2", "progress/u1/c1", "books", "progress/u2/c1"} {
		if err := Save(store, key, 1); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}
	got := store.Keys("progress/u1/")
	want := []string{"progress/u1/c1", "progress/u1/c2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	if err := Save(store, "k", "v"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	store.Delete("k")
	if store.Has("k") {
		t.Fatal("key should be gone")
	}
}

func TestJSONFileBackendPersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "library.json")
	first := NewStore(StoreOptions{StateFile: path})
	if err := first.SetBooks([]Book{{ID: "b1", Title: "Jip en Janneke", CreatedAt: "2025-01-01T00:00:00Z"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second := NewStore(StoreOptions{StateFile: path})
	books := second.Books()
	if len(books) != 1 || books[0].ID != "b1" {
		t.Fatalf("state did not survive reload: %+v", books)
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	tests := []struct {
		dsn      string
		wantType string
		wantErr  bool
	}{
		{dsn: "", wantType: "nil"},
		{dsn: "file:///tmp/state.json", wantType: "file"},
		{dsn: "memory://", wantType: "memory"},
		{dsn: "bogus://x", wantErr: true},
	}
	for _, tc := range tests {
		backend, err := BuildStateBackendFromDSN(tc.dsn)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("dsn %q: expected error", tc.dsn)
			}
			continue
		}
		if err != nil {
			t.Fatalf("dsn %q: %v", tc.dsn, err)
		}
		switch tc.wantType {
		case "nil":
			if backend != nil {
				t.Fatalf("dsn %q: expected nil backend", tc.dsn)
			}
		case "file":
			if _, ok := backend.(*JSONFileStateBackend); !ok {
				t.Fatalf("dsn %q: expected file backend, got %T", tc.dsn, backend)
			}
		case "memory":
			if _, ok := backend.(*InMemoryStateBackend); !ok {
				t.Fatalf("dsn %q: expected memory backend, got %T", tc.dsn, backend)
			}
		}
	}
}

func TestRegisteredStateBackendFactoryWins(t *testing.T) {
	called := false
	RegisterStateBackendFactory("teststate", func(dsn string) (StateBackend, error) {
		called = true
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN("teststate://anything")
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if !called || backend == nil {
		t.Fatal("registered factory was not used")
	}
}
