// Package syncer coordinates the local store with the remote backend: it
// replays the pending queue, reconciles every collection, and folds realtime
// change events back into local state.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voorleeslab/voorlees/internal/library"
	"github.com/voorleeslab/voorlees/internal/remote"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const (
	defaultInterval     = 60 * time.Second
	defaultStatusRevert = 3 * time.Second
	maxErrorBacklog     = 10
)

type Logger interface {
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Info(any, ...any)  {}
func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

type Options struct {
	Store  *library.Store
	Queue  *library.PendingQueue
	Remote remote.Store
	// QueuePath, when set, is watched so externally enqueued operations get
	// drained without waiting for the next tick.
	QueuePath    string
	Collections  []string
	Interval     time.Duration
	StatusRevert time.Duration
	Logger       Logger
}

type Syncer struct {
	store       *library.Store
	queue       *library.PendingQueue
	remote      remote.Store
	queuePath   string
	collections []string
	interval    time.Duration
	revert      time.Duration
	logger      Logger

	mu         sync.Mutex
	status     Status
	statusGen  int
	inFlight   bool
	online     bool
	backlog    []string
	seenErrors map[string]struct{}
	observers  map[int]func(string)
	nextObs    int

	resyncCh chan struct{}
}

func New(opts Options) (*Syncer, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("store and queue are required")
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = []string{
			library.CollectionBooks,
			library.CollectionChapters,
			library.CollectionRecordings,
			library.CollectionUsers,
		}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	revert := opts.StatusRevert
	if revert <= 0 {
		revert = defaultStatusRevert
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Syncer{
		store:       opts.Store,
		queue:       opts.Queue,
		remote:      opts.Remote,
		queuePath:   opts.QueuePath,
		collections: collections,
		interval:    interval,
		revert:      revert,
		logger:      logger,
		status:      StatusIdle,
		online:      true,
		seenErrors:  map[string]struct{}{},
		observers:   map[int]func(string){},
		resyncCh:    make(chan struct{}, 1),
	}, nil
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Syncer) QueueDepth() int { return s.queue.Depth() }

func (s *Syncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records connectivity. Coming back online triggers a sync run.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()
	if online && !wasOnline {
		s.logger.Info("back online, scheduling sync")
		s.TriggerResync()
	}
}

// TriggerResync requests a sync run without blocking. A run already pending
// absorbs the request.
func (s *Syncer) TriggerResync() {
	select {
	case s.resyncCh <- struct{}{}:
	default:
	}
}

// Errors returns the retained sync error backlog, oldest first.
func (s *Syncer) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// ObserveErrors registers fn for future sync errors and replays the current
// backlog to it. The returned function unregisters.
func (s *Syncer) ObserveErrors(fn func(msg string)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	replay := make([]string, len(s.backlog))
	copy(replay, s.backlog)
	s.mu.Unlock()
	for _, msg := range replay {
		fn(msg)
	}
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// ClearErrors drops the backlog and the dedup memory.
func (s *Syncer) ClearErrors() {
	s.mu.Lock()
	s.backlog = nil
	s.seenErrors = map[string]struct{}{}
	s.mu.Unlock()
}

func (s *Syncer) notifyError(msg string) {
	s.mu.Lock()
	if _, dup := s.seenErrors[msg]; dup {
		s.mu.Unlock()
		return
	}
	s.seenErrors[msg] = struct{}{}
	s.backlog = append(s.backlog, msg)
	if len(s.backlog) > maxErrorBacklog {
		s.backlog = s.backlog[len(s.backlog)-maxErrorBacklog:]
	}
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// SyncOnce runs a single reconciliation pass: replay the pending queue, then
// pull and merge every collection. Concurrent calls collapse into one; the
// loser returns immediately with no error.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	s.mu.Lock()
	if s.inFlight || !s.online {
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.status = StatusSyncing
	s.statusGen++
	s.mu.Unlock()

	err := s.syncLocked(ctx)

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.status = StatusError
	} else {
		s.status = StatusSuccess
	}
	s.statusGen++
	gen := s.statusGen
	s.mu.Unlock()

	time.AfterFunc(s.revert, func() {
		s.mu.Lock()
		if s.statusGen == gen && !s.inFlight {
			s.status = StatusIdle
		}
		s.mu.Unlock()
	})

	if err != nil {
		s.notifyError(err.Error())
	}
	return err
}

func (s *Syncer) syncLocked(ctx context.Context) error {
	result := s.queue.Drain(ctx, s.applyOp, func(op library.PendingOp, cause error) {
		s.notifyError(fmt.Sprintf("dropped queued %s on %s: %v", op.Kind, op.Collection, cause))
	})
	if result.Attempted > 0 || result.Dropped > 0 {
		s.logger.Info("pending queue drained",
			"attempted", result.Attempted,
			"replayed", result.Replayed,
			"dropped", result.Dropped,
			"deferred", result.Deferred)
	}

	var failed []string
	for _, collection := range s.collections {
		if err := s.mergeCollection(ctx, collection); err != nil {
			s.logger.Warn("collection sync failed", "collection", collection, "error", err)
			failed = append(failed, collection)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync incomplete for collections %v", failed)
	}
	return nil
}

func (s *Syncer) applyOp(ctx context.Context, op library.PendingOp) error {
	switch op.Kind {
	case library.OpInsert:
		return s.remote.Insert(ctx, op.Collection, op.Payload)
	case library.OpUpdate:
		id, err := payloadID(op.Payload)
		if err != nil {
			return err
		}
		return s.remote.Update(ctx, op.Collection, id, op.Payload)
	case library.OpDelete:
		id, err := payloadID(op.Payload)
		if err != nil {
			return err
		}
		return s.remote.Delete(ctx, op.Collection, id)
	case library.OpInsertMany, library.OpUpsertMany:
		var rows []json.RawMessage
		if err := json.Unmarshal(op.Payload, &rows); err != nil {
			return err
		}
		return s.remote.UpsertMany(ctx, op.Collection, rows)
	default:
		return fmt.Errorf("unknown pending op kind: %s", op.Kind)
	}
}

func payloadID(payload json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &row); err != nil {
		return "", err
	}
	if row.ID == "" {
		return "", errors.New("payload has no id")
	}
	return row.ID, nil
}

func (s *Syncer) mergeCollection(ctx context.Context, collection string) error {
	rows, err := s.remote.Select(ctx, collection)
	if err != nil {
		return err
	}
	switch collection {
	case library.CollectionBooks:
		merged, err := mergeRows(s.store.Books(), rows)
		if err != nil {
			return err
		}
		return s.store.SetBooks(merged)
	case library.CollectionChapters:
		merged, err := mergeRows(s.store.Chapters(), rows)
		if err != nil {
			return err
		}
		return s.store.SetChapters(merged)
	case library.CollectionRecordings:
		merged, err := mergeRows(s.store.Recordings(), rows)
		if err != nil {
			return err
		}
		return s.store.SetRecordings(merged)
	case library.CollectionUsers:
		merged, err := mergeRows(s.store.Users(), rows)
		if err != nil {
			return err
		}
		return s.store.SetUsers(merged)
	default:
		return fmt.Errorf("unknown collection: %s", collection)
	}
}

func mergeRows[T library.Record](local []T, rows []json.RawMessage) ([]T, error) {
	incoming := make([]T, 0, len(rows))
	for _, raw := range rows {
		var entity T
		if err := json.Unmarshal(raw, &entity); err != nil {
			return nil, err
		}
		incoming = append(incoming, entity)
	}
	return library.Merge(local, incoming), nil
}

// Run drives the syncer until ctx is done: an initial pass, a periodic tick,
// resync requests, queue file changes, and the realtime event feed.
func (s *Syncer) Run(ctx context.Context) error {
	if s.remote == nil {
		s.logger.Warn("no remote configured, sync disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	unsubscribe, err := s.remote.Subscribe(ctx, s.collections, func(ev remote.Event) {
		if err := library.ApplyChange(s.store, library.Change{
			Collection: ev.Collection,
			Type:       library.ChangeType(ev.Type),
			New:        ev.New,
			Old:        ev.Old,
		}); err != nil {
			s.logger.Warn("could not apply realtime change", "collection", ev.Collection, "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("realtime feed unavailable, relying on periodic sync", "error", err)
	} else {
		defer unsubscribe()
	}

	queueEvents := s.watchQueue(ctx)

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.resyncCh:
		case <-queueEvents:
		}
		if err := s.SyncOnce(ctx); err != nil {
			s.logger.Warn("sync failed", "error", err)
		}
	}
}

// watchQueue emits a signal when the pending queue file changes on disk so a
// freshly enqueued operation is replayed promptly.
func (s *Syncer) watchQueue(ctx context.Context) <-chan struct{} {
	signals := make(chan struct{}, 1)
	if s.queuePath == "" {
		return signals
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("queue watcher unavailable", "error", err)
		return signals
	}
	if err := watcher.Add(filepath.Dir(s.queuePath)); err != nil {
		s.logger.Warn("queue watcher unavailable", "path", s.queuePath, "error", err)
		_ = watcher.Close()
		return signals
	}
	target := filepath.Clean(s.queuePath)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("queue watcher error", "error", err)
			}
		}
	}()
	return signals
}
