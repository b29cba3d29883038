// Package backup keeps an append-only on-disk chunk log for an in-progress
// audio recording, so a crash or tab kill mid-recording loses at most the
// chunks not yet flushed. It is consulted once at startup to offer recovery
// and cleared after a successful save.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxSessionAge is how long an interrupted recording stays recoverable.
const maxSessionAge = 7 * 24 * time.Hour

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

// Meta describes the one active backup session.
type Meta struct {
	SessionID   string `json:"session_id"`
	MimeType    string `json:"mime_type"`
	ChapterID   string `json:"chapter_id,omitempty"`
	ReaderID    string `json:"reader_id,omitempty"`
	StartedAt   string `json:"started_at"`
	LastChunkAt string `json:"last_chunk_at,omitempty"`
	ChunkCount  int    `json:"chunk_count"`
}

type Options struct {
	Dir    string
	Logger Logger
	Now    func() time.Time
}

// Log is the chunk log. Only one session exists at a time; starting a new one
// wipes the old. Chunks hit disk on every append, nothing is buffered, so the
// call is safe at recording-flush frequency.
type Log struct {
	dir    string
	logger Logger
	now    func() time.Time
	guard  *sessionGuard
}

func New(opts Options) (*Log, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{dir: dir, logger: logger, now: now}, nil
}

func (l *Log) metaPath() string {
	return filepath.Join(l.dir, "meta.json")
}

func (l *Log) chunkPath(index int) string {
	return filepath.Join(l.dir, "chunks", fmt.Sprintf("%06d.bin", index))
}

// StartSession clears any prior backup and records fresh metadata for a new
// recording.
func (l *Log) StartSession(sessionID, mimeType, chapterID, readerID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}
	if err := l.Clear(); err != nil {
		return err
	}
	meta := Meta{
		SessionID: sessionID,
		MimeType:  mimeType,
		ChapterID: chapterID,
		ReaderID:  readerID,
		StartedAt: l.now().UTC().Format(time.RFC3339Nano),
	}
	return l.writeMeta(meta)
}

// AppendChunk persists one chunk and bumps the session metadata. A missing or
// mismatched session is a no-op, not an error: a trailing chunk flush racing
// a Clear must not resurrect the session.
func (l *Log) AppendChunk(sessionID string, index int, data []byte) error {
	if index < 0 {
		return ErrInvalidInput
	}
	meta, ok := l.readMeta()
	if !ok || meta.SessionID != sessionID {
		return nil
	}
	tmp := l.chunkPath(index) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.chunkPath(index)); err != nil {
		return err
	}
	meta.LastChunkAt = l.now().UTC().Format(time.RFC3339Nano)
	if index+1 > meta.ChunkCount {
		meta.ChunkCount = index + 1
	}
	return l.writeMeta(meta)
}

// Recoverable reports the session a previous run left behind, but only if it
// actually has chunks and is younger than the expiry; anything else is purged
// and reported as nothing to recover. Unreadable state fails closed the same
// way.
func (l *Log) Recoverable() *Meta {
	meta, ok := l.readMeta()
	if !ok {
		return nil
	}
	if meta.ChunkCount == 0 {
		l.purge("empty")
		return nil
	}
	started, err := time.Parse(time.RFC3339Nano, meta.StartedAt)
	if err != nil || l.now().UTC().Sub(started) > maxSessionAge {
		l.purge("expired")
		return nil
	}
	return &meta
}

// ReadChunks returns the persisted chunks in index order. Gaps are tolerated;
// a chunk that never made it to disk is simply absent.
func (l *Log) ReadChunks(sessionID string) ([][]byte, error) {
	meta, ok := l.readMeta()
	if !ok || meta.SessionID != sessionID {
		return nil, nil
	}
	chunks := make([][]byte, 0, meta.ChunkCount)
	for i := 0; i < meta.ChunkCount; i++ {
		data, err := os.ReadFile(l.chunkPath(i))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// Clear wipes chunk log and metadata. Called after a successful save or a
// deliberate discard; clearing an already empty log is fine.
func (l *Log) Clear() error {
	if err := os.Remove(l.metaPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(l.dir, "chunks"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(l.dir, "chunks", entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (l *Log) purge(reason string) {
	if err := l.Clear(); err != nil {
		l.logger.Warn("backup purge failed", "reason", reason, "err", err)
		return
	}
	l.logger.Warn("discarded stale recording backup", "reason", reason)
}

func (l *Log) readMeta() (Meta, bool) {
	data, err := os.ReadFile(l.metaPath())
	if err != nil {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupt metadata fails closed: treat as no session.
		l.logger.Warn("unreadable backup metadata, discarding", "err", err)
		_ = l.Clear()
		return Meta{}, false
	}
	return meta, true
}

func (l *Log) writeMeta(meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := l.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.metaPath())
}
