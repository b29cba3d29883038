package library

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, opts PendingQueueOptions) *PendingQueue {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "pending.json")
	}
	q, err := NewPendingQueue(opts)
	if err != nil {
		t.Fatalf("queue init failed: %v", err)
	}
	return q
}

func TestQueueEnqueuePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	q := newTestQueue(t, PendingQueueOptions{Path: path})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "b1", Title: "t"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reloaded := newTestQueue(t, PendingQueueOptions{Path: path})
	if reloaded.Depth() != 1 {
		t.Fatalf("expected 1 op after reload, got %d", reloaded.Depth())
	}
	ops := reloaded.Snapshot()
	if ops[0].Collection != "books" || ops[0].Kind != OpInsert {
		t.Fatalf("unexpected op after reload: %+v", ops[0])
	}
}

func TestQueueUpgradesLegacyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	legacy := `{"ops":[{"id":"op1","collection":"books","kind":"insert","payload":{"id":"b1"},"enqueuedAt":"2099-01-01T00:00:00Z"}]}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	q := newTestQueue(t, PendingQueueOptions{Path: path})
	ops := q.Snapshot()
	if len(ops) != 1 {
		t.Fatalf("legacy record lost: %+v", ops)
	}
	if ops[0].RetryCount != 0 || ops[0].LastAttempt != nil {
		t.Fatalf("legacy record not normalized: %+v", ops[0])
	}
}

func TestQueueDrainReplaysInOrder(t *testing.T) {
	q := newTestQueue(t, PendingQueueOptions{})
	for _, id := range []string{"b1", "b2", "b3"} {
		if _, err := q.Enqueue("books", OpInsert, Book{ID: id}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	var seen []string
	result := q.Drain(context.Background(), func(ctx context.Context, op PendingOp) error {
		var b Book
		if err := json.Unmarshal(op.Payload, &b); err != nil {
			return err
		}
		seen = append(seen, b.ID)
		return nil
	}, nil)
	if result.Replayed != 3 || result.Attempted != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if strings.Join(seen, ",") != "b1,b2,b3" {
		t.Fatalf("replay out of order: %v", seen)
	}
	if q.Depth() != 0 {
		t.Fatalf("replayed ops should be removed, depth=%d", q.Depth())
	}
}

func TestQueueDrainFailureKeepsOpAndBumpsRetry(t *testing.T) {
	q := newTestQueue(t, PendingQueueOptions{})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "b1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	result := q.Drain(context.Background(), func(ctx context.Context, op PendingOp) error {
		return errors.New("remote down")
	}, nil)
	if result.Attempted != 1 || result.Replayed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	ops := q.Snapshot()
	if len(ops) != 1 || ops[0].RetryCount != 1 || ops[0].LastAttempt == nil {
		t.Fatalf("failed op not annotated: %+v", ops)
	}
}

func TestQueueDrainDefersInsideBackoffWindow(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, PendingQueueOptions{
		BackoffUnit: 30 * time.Second,
		Now:         func() time.Time { return current },
	})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "b1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	fail := func(ctx context.Context, op PendingOp) error { return errors.New("down") }
	q.Drain(context.Background(), fail, nil)

	// 10s later: one failure means a 30s backoff, so the op waits.
	current = current.Add(10 * time.Second)
	result := q.Drain(context.Background(), fail, nil)
	if result.Deferred != 1 || result.Attempted != 0 {
		t.Fatalf("op should be deferred inside backoff: %+v", result)
	}

	// Past the window it is attempted again.
	current = current.Add(30 * time.Second)
	result = q.Drain(context.Background(), fail, nil)
	if result.Attempted != 1 {
		t.Fatalf("op should retry after backoff: %+v", result)
	}
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, PendingQueueOptions{
		MaxRetries:  2,
		BackoffUnit: time.Second,
		Now:         func() time.Time { return current },
	})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "b1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	fail := func(ctx context.Context, op PendingOp) error { return errors.New("down") }
	for i := 0; i < 2; i++ {
		q.Drain(context.Background(), fail, nil)
		current = current.Add(time.Minute)
	}

	var dropped []PendingOp
	result := q.Drain(context.Background(), fail, func(op PendingOp, err error) {
		dropped = append(dropped, op)
	})
	if result.Dropped != 1 || len(dropped) != 1 {
		t.Fatalf("op should be dropped and reported: %+v", result)
	}
	if q.Depth() != 0 {
		t.Fatalf("dropped op should leave the queue, depth=%d", q.Depth())
	}
}

func TestQueueDropsStaleOps(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, PendingQueueOptions{
		MaxAge: 24 * time.Hour,
		Now:    func() time.Time { return current },
	})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "b1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	current = current.Add(25 * time.Hour)
	reported := 0
	result := q.Drain(context.Background(), func(ctx context.Context, op PendingOp) error {
		t.Fatal("stale op must not be attempted")
		return nil
	}, func(op PendingOp, err error) {
		reported++
	})
	if result.Dropped != 1 || reported != 1 {
		t.Fatalf("stale op should be dropped and reported: %+v", result)
	}
}

func TestQueueDrainOneFailureDoesNotBlockRest(t *testing.T) {
	q := newTestQueue(t, PendingQueueOptions{})
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "bad"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue("books", OpInsert, Book{ID: "good"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	result := q.Drain(context.Background(), func(ctx context.Context, op PendingOp) error {
		var b Book
		_ = json.Unmarshal(op.Payload, &b)
		if b.ID == "bad" {
			return errors.New("down")
		}
		return nil
	}, nil)
	if result.Replayed != 1 {
		t.Fatalf("healthy op should still replay: %+v", result)
	}
	if q.Depth() != 1 {
		t.Fatalf("only the failed op should remain, depth=%d", q.Depth())
	}
}
