// Package remote abstracts the networked row store the sync core reconciles
// against. Any store offering collection-level select/insert/update/upsert/
// delete with id-based conflict resolution plus a change feed satisfies the
// contract; HTTP/JSON and Postgres implementations are provided.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConfigured = errors.New("remote store not configured")
)

// Event is one pushed change: {new, old, eventType} scoped to a collection.
type Event struct {
	Collection string          `json:"collection"`
	Type       string          `json:"eventType"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}

// Store is the full remote contract. Rows are opaque JSON objects carrying at
// least an "id" field.
type Store interface {
	Select(ctx context.Context, collection string) ([]json.RawMessage, error)
	Insert(ctx context.Context, collection string, row json.RawMessage) error
	Update(ctx context.Context, collection, id string, row json.RawMessage) error
	UpsertMany(ctx context.Context, collection string, rows []json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
	// Subscribe delivers push events for the named collections until the
	// returned stop func is called. Events are schema-validated before
	// delivery; malformed ones are dropped.
	Subscribe(ctx context.Context, collections []string, fn func(Event)) (func(), error)
	Close() error
}

func rowID(raw json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", err
	}
	if row.ID == "" {
		return "", ErrInvalidInput
	}
	return row.ID, nil
}
