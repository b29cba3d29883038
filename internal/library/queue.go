package library

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpUpdate     OpKind = "update"
	OpDelete     OpKind = "delete"
	OpInsertMany OpKind = "insert-many"
	OpUpsertMany OpKind = "upsert-many"
)

// PendingOp is a durable record of a write that was accepted locally but has
// not yet been confirmed remotely.
type PendingOp struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Kind       OpKind          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt string          `json:"enqueuedAt"`
	// RetryCount and LastAttempt were added after the first release; records
	// persisted without them are upgraded in place to 0/nil when read, never
	// discarded for lacking the fields.
	RetryCount  int     `json:"retryCount"`
	LastAttempt *string `json:"lastAttempt"`
}

const (
	defaultMaxRetries  = 5
	defaultMaxOpAge    = 24 * time.Hour
	defaultBackoffUnit = 30 * time.Second
)

type PendingQueueOptions struct {
	Path        string
	MaxRetries  int
	MaxAge      time.Duration
	BackoffUnit time.Duration
	Logger      Logger
	Now         func() time.Time
}

// PendingQueue guarantees that a locally accepted write eventually reaches
// the remote store, without blocking the caller and without retrying any
// single operation forever.
type PendingQueue struct {
	path        string
	maxRetries  int
	maxAge      time.Duration
	backoffUnit time.Duration
	logger      Logger
	now         func() time.Time

	mu  sync.Mutex
	ops []PendingOp
}

func NewPendingQueue(opts PendingQueueOptions) (*PendingQueue, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxOpAge
	}
	backoffUnit := opts.BackoffUnit
	if backoffUnit <= 0 {
		backoffUnit = defaultBackoffUnit
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &PendingQueue{
		path:        path,
		maxRetries:  maxRetries,
		maxAge:      maxAge,
		backoffUnit: backoffUnit,
		logger:      logger,
		now:         now,
		ops:         []PendingOp{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PendingQueue) Enqueue(collection string, kind OpKind, payload any) (PendingOp, error) {
	if strings.TrimSpace(collection) == "" || kind == "" {
		return PendingOp{}, ErrInvalidInput
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingOp{}, err
	}
	op := PendingOp{
		ID:         uuid.NewString(),
		Collection: collection,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: q.now().UTC().Format(time.RFC3339Nano),
		RetryCount: 0,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	if err := q.saveLocked(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return PendingOp{}, err
	}
	return op, nil
}

func (q *PendingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *PendingQueue) Snapshot() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingOp(nil), q.ops...)
}

type DrainResult struct {
	Attempted int
	Replayed  int
	Dropped   int
	Deferred  int
}

// Drain walks the queue in enqueue order and replays each eligible operation
// through apply. Operations past the retry ceiling or older than the max age
// are dropped and reported; operations still inside their backoff window are
// left alone. One operation failing never blocks the rest, and Drain itself
// never reports failure to its trigger.
func (q *PendingQueue) Drain(ctx context.Context, apply func(ctx context.Context, op PendingOp) error, report func(op PendingOp, err error)) DrainResult {
	if report == nil {
		report = func(PendingOp, error) {}
	}
	var result DrainResult
	now := q.now().UTC()

	q.mu.Lock()
	pending := append([]PendingOp(nil), q.ops...)
	q.mu.Unlock()

	for _, op := range pending {
		if ctx.Err() != nil {
			break
		}
		if op.RetryCount >= q.maxRetries {
			q.remove(op.ID)
			result.Dropped++
			report(op, errors.New("dropped after max retries"))
			continue
		}
		if enqueued, err := time.Parse(time.RFC3339Nano, op.EnqueuedAt); err == nil && now.Sub(enqueued) > q.maxAge {
			q.remove(op.ID)
			result.Dropped++
			report(op, errors.New("dropped as stale"))
			continue
		}
		if op.LastAttempt != nil {
			if last, err := time.Parse(time.RFC3339Nano, *op.LastAttempt); err == nil {
				backoff := time.Duration(op.RetryCount) * q.backoffUnit
				if now.Sub(last) < backoff {
					result.Deferred++
					continue
				}
			}
		}
		result.Attempted++
		if err := apply(ctx, op); err != nil {
			stamp := now.Format(time.RFC3339Nano)
			q.mu.Lock()
			for i := range q.ops {
				if q.ops[i].ID == op.ID {
					q.ops[i].RetryCount++
					q.ops[i].LastAttempt = &stamp
					break
				}
			}
			if saveErr := q.saveLocked(); saveErr != nil {
				q.logger.Error("pending queue persist failed", "err", saveErr)
			}
			q.mu.Unlock()
			q.logger.Warn("pending op replay failed", "op", op.ID, "collection", op.Collection, "kind", op.Kind, "err", err)
			continue
		}
		q.remove(op.ID)
		result.Replayed++
	}
	return result
}

func (q *PendingQueue) remove(opID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == opID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	if err := q.saveLocked(); err != nil {
		q.logger.Error("pending queue persist failed", "err", err)
	}
}

type pendingQueueState struct {
	Ops []PendingOp `json:"ops"`
}

func (q *PendingQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot pendingQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.ops = snapshot.Ops
	if q.ops == nil {
		q.ops = []PendingOp{}
	}
	// Rewriting normalizes records from before the retry fields existed.
	return q.saveLocked()
}

func (q *PendingQueue) saveLocked() error {
	snapshot := pendingQueueState{Ops: append([]PendingOp(nil), q.ops...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
