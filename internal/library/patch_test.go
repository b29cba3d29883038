package library

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestApplyChangeInsertAddsRow(t *testing.T) {
	store := newTestStore(t)
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeInsert,
		New:        mustRaw(t, book("b1", "Nieuw", "2025-01-01T00:00:00Z")),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if books := store.Books(); len(books) != 1 || books[0].ID != "b1" {
		t.Fatalf("row not inserted: %+v", books)
	}
}

func TestApplyChangeUpdateRespectsTimestamps(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetBooks([]Book{book("b1", "local", "2025-01-02T00:00:00Z")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A stale push event is a no-op.
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeUpdate,
		New:        mustRaw(t, book("b1", "stale", "2025-01-01T00:00:00Z")),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.Books()[0].Title != "local" {
		t.Fatalf("stale event must not clobber newer local row: %+v", store.Books())
	}

	// A newer one replaces the row.
	err = ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeUpdate,
		New:        mustRaw(t, book("b1", "fresh", "2025-01-03T00:00:00Z")),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.Books()[0].Title != "fresh" {
		t.Fatalf("newer event should win: %+v", store.Books())
	}
}

func TestApplyChangeDeleteRemovesRow(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetBooks([]Book{book("b1", "x", "2025-01-01T00:00:00Z")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeDelete,
		Old:        mustRaw(t, book("b1", "x", "2025-01-01T00:00:00Z")),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(store.Books()) != 0 {
		t.Fatalf("row not deleted: %+v", store.Books())
	}
}

func TestApplyChangeDeleteUnknownRowIsNoop(t *testing.T) {
	store := newTestStore(t)
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeDelete,
		Old:        mustRaw(t, book("ghost", "", "")),
	})
	if err != nil {
		t.Fatalf("deleting an absent row should be a no-op: %v", err)
	}
}

func TestApplyChangeDeleteFallsBackToNewRow(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetBooks([]Book{book("b1", "x", "2025-01-01T00:00:00Z")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeDelete,
		New:        mustRaw(t, book("b1", "x", "2025-01-01T00:00:00Z")),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(store.Books()) != 0 {
		t.Fatalf("delete via new row failed: %+v", store.Books())
	}
}

func TestApplyChangeRejectsUnknownCollection(t *testing.T) {
	store := newTestStore(t)
	err := ApplyChange(store, Change{Collection: "paintings", Type: ChangeInsert, New: mustRaw(t, book("b1", "", ""))})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApplyChangeRejectsRowWithoutID(t *testing.T) {
	store := newTestStore(t)
	err := ApplyChange(store, Change{
		Collection: CollectionBooks,
		Type:       ChangeInsert,
		New:        mustRaw(t, book("", "anon", "2025-01-01T00:00:00Z")),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
