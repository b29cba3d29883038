// Package library holds the offline-first core of the voorlees app: the
// durable local store, the typed entity collections, the last-writer-wins
// reconciliation, and the pending-operation queue that replays failed remote
// writes.
package library

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStorageFull  = errors.New("local storage full")
	ErrInvalidState = errors.New("invalid state")
)

// Collection keys under which entity snapshots live in the Store.
const (
	CollectionBooks      = "books"
	CollectionChapters   = "chapters"
	CollectionRecordings = "recordings"
	CollectionUsers      = "users"
)

const (
	RoleAdmin    = "admin"
	RoleReader   = "reader"
	RoleListener = "listener"
)

// completionTailSeconds is the tolerance at the end of a recording within
// which playback counts as finished.
const completionTailSeconds = 5

type Book struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	CoverURL  string `json:"cover_url,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Chapter struct {
	ID            string `json:"id"`
	BookID        string `json:"book_id"`
	ChapterNumber int    `json:"chapter_number"`
	Title         string `json:"title"`
	CreatedAt     string `json:"created_at"`
}

type Recording struct {
	ID        string `json:"id"`
	ChapterID string `json:"chapter_id"`
	ReaderID  string `json:"reader_id"`
	// AudioURL is either a durable object-storage URL or, when no blob
	// backend is configured, an inline data URL.
	AudioURL        string `json:"audio_url"`
	DurationSeconds int    `json:"duration_seconds"`
	CreatedAt       string `json:"created_at"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// ChapterProgress is keyed by (listener, chapter), never global.
type ChapterProgress struct {
	ChapterID       string `json:"chapter_id"`
	RecordingID     string `json:"recording_id,omitempty"`
	PositionSeconds int    `json:"position_seconds"`
	DurationSeconds int    `json:"duration_seconds"`
	Completed       bool   `json:"completed"`
	LastPlayedAt    string `json:"last_played_at"`
}

func (b Book) RecordID() string      { return b.ID }
func (b Book) ModifiedAt() string    { return b.CreatedAt }
func (c Chapter) RecordID() string   { return c.ID }
func (c Chapter) ModifiedAt() string { return c.CreatedAt }
func (r Recording) RecordID() string { return r.ID }
func (r Recording) ModifiedAt() string {
	return r.CreatedAt
}
func (u User) RecordID() string   { return u.ID }
func (u User) ModifiedAt() string { return u.CreatedAt }

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func completed(position, duration int) bool {
	return duration > 0 && position >= duration-completionTailSeconds
}
