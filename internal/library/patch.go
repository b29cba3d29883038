package library

import (
	"encoding/json"
	"fmt"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one incremental patch to an entity collection, as delivered by
// the remote store's push feed.
type Change struct {
	Collection string          `json:"collection"`
	Type       ChangeType      `json:"eventType"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}

// ApplyChange is the single entry point through which incremental push events
// reach the local store. It runs the same strictly-newer timestamp check as
// the full merge, so a push event and a concurrently finishing full sync
// cannot clobber each other: whichever carries the later record wins, the
// other is a no-op.
func ApplyChange(s *Store, ch Change) error {
	switch ch.Collection {
	case CollectionBooks:
		return applyRow[Book](s, ch, s.SetBooks, s.Books)
	case CollectionChapters:
		return applyRow[Chapter](s, ch, s.SetChapters, s.Chapters)
	case CollectionRecordings:
		return applyRow[Recording](s, ch, s.SetRecordings, s.Recordings)
	case CollectionUsers:
		return applyRow[User](s, ch, s.SetUsers, s.Users)
	default:
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, ch.Collection)
	}
}

func applyRow[T Record](s *Store, ch Change, set func([]T) error, get func() []T) error {
	switch ch.Type {
	case ChangeDelete:
		id, err := rowID(ch.Old)
		if err != nil || id == "" {
			if id, err = rowID(ch.New); err != nil || id == "" {
				return fmt.Errorf("%w: delete event without row id", ErrInvalidInput)
			}
		}
		items := get()
		kept := items[:0]
		removed := false
		for _, item := range items {
			if item.RecordID() == id {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if !removed {
			return nil
		}
		return set(kept)
	case ChangeInsert, ChangeUpdate:
		var row T
		if err := json.Unmarshal(ch.New, &row); err != nil {
			return fmt.Errorf("undecodable %s event: %w", ch.Collection, err)
		}
		if row.RecordID() == "" {
			return fmt.Errorf("%w: event row without id", ErrInvalidInput)
		}
		items := get()
		for i := range items {
			if items[i].RecordID() == row.RecordID() {
				if !newerThan(row.ModifiedAt(), items[i].ModifiedAt()) {
					return nil
				}
				items[i] = row
				return set(items)
			}
		}
		return set(append(items, row))
	default:
		return fmt.Errorf("%w: event type %q", ErrInvalidInput, ch.Type)
	}
}

func rowID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", err
	}
	return row.ID, nil
}
