package backup

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func newTestLog(t *testing.T, now func() time.Time) *Log {
	t.Helper()
	l, err := New(Options{Dir: t.TempDir(), Now: now})
	if err != nil {
		t.Fatalf("log init failed: %v", err)
	}
	return l
}

func TestStartAppendReadRoundtrip(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "c1", "reader-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for i, chunk := range [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")} {
		if err := l.AppendChunk("s1", i, chunk); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	chunks, err := l.ReadChunks("s1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(chunks) != 3 || !bytes.Equal(chunks[1], []byte("bbb")) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestAppendAfterClearIsNoop(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	// A trailing flush after the save completed must not resurrect the session.
	if err := l.AppendChunk("s1", 0, []byte("late")); err != nil {
		t.Fatalf("late append should be a silent no-op: %v", err)
	}
	if meta := l.Recoverable(); meta != nil {
		t.Fatalf("session resurrected: %+v", meta)
	}
}

func TestAppendForForeignSessionIsNoop(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s2", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.AppendChunk("s1", 0, []byte("old session")); err != nil {
		t.Fatalf("foreign append should be a no-op: %v", err)
	}
	chunks, err := l.ReadChunks("s2")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("foreign chunk written: %v", chunks)
	}
}

func TestStartSessionWipesPriorSession(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.AppendChunk("s1", 0, []byte("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := l.StartSession("s2", "audio/webm", "", ""); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	chunks, err := l.ReadChunks("s2")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("prior session chunks leaked: %v", chunks)
	}
}

func TestRecoverableReturnsLiveSession(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "c1", "reader-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.AppendChunk("s1", 0, []byte("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	meta := l.Recoverable()
	if meta == nil || meta.SessionID != "s1" || meta.ChunkCount != 1 {
		t.Fatalf("expected recoverable session, got %+v", meta)
	}
}

func TestRecoverablePurgesEmptySession(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if meta := l.Recoverable(); meta != nil {
		t.Fatalf("session without chunks should be purged: %+v", meta)
	}
	// Purge is durable: nothing reappears.
	if meta := l.Recoverable(); meta != nil {
		t.Fatalf("purged session reappeared: %+v", meta)
	}
}

func TestRecoverablePurgesExpiredSession(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLog(t, func() time.Time { return current })
	if err := l.StartSession("s1", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.AppendChunk("s1", 0, []byte("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	current = current.Add(8 * 24 * time.Hour)
	if meta := l.Recoverable(); meta != nil {
		t.Fatalf("week-old session should be purged: %+v", meta)
	}
}

func TestRecoverableFailsClosedOnCorruptMeta(t *testing.T) {
	l := newTestLog(t, nil)
	if err := os.WriteFile(l.metaPath(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if meta := l.Recoverable(); meta != nil {
		t.Fatalf("corrupt metadata should read as no session: %+v", meta)
	}
}

func TestReadChunksToleratesGaps(t *testing.T) {
	l := newTestLog(t, nil)
	if err := l.StartSession("s1", "audio/webm", "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l.AppendChunk("s1", 0, []byte("first")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := l.AppendChunk("s1", 2, []byte("third")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	chunks, err := l.ReadChunks("s1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks around the gap, got %v", chunks)
	}
}

func TestSessionGuardReleaseIsReacquirable(t *testing.T) {
	l := newTestLog(t, nil)
	release := l.AcquireGuard()
	release()
	release()

	release = l.AcquireGuard()
	release()
}
