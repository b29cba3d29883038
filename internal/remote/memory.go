package remote

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by development setups
// without a reachable remote. Emit pushes a synthetic event to subscribers.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	subscribers []subscription
	failWith    error
}

type subscription struct {
	allowed map[string]bool
	fn      func(Event)
	done    <-chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]json.RawMessage{},
	}
}

// FailWith makes every subsequent data operation return err; nil restores
// normal behavior. Lets tests exercise the queue/retry paths.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryStore) Select(_ context.Context, collection string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	rows := make([]json.RawMessage, 0, len(m.collections[collection]))
	for _, row := range m.collections[collection] {
		rows = append(rows, append(json.RawMessage(nil), row...))
	}
	return rows, nil
}

func (m *MemoryStore) Insert(_ context.Context, collection string, row json.RawMessage) error {
	return m.put(collection, row)
}

func (m *MemoryStore) Update(_ context.Context, collection, _ string, row json.RawMessage) error {
	return m.put(collection, row)
}

func (m *MemoryStore) UpsertMany(_ context.Context, collection string, rows []json.RawMessage) error {
	for _, row := range rows {
		if err := m.put(collection, row); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, collections []string, fn func(Event)) (func(), error) {
	if len(collections) == 0 || fn == nil {
		return nil, ErrInvalidInput
	}
	allowed := map[string]bool{}
	for _, collection := range collections {
		allowed[collection] = true
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, subscription{allowed: allowed, fn: fn, done: subCtx.Done()})
	m.mu.Unlock()
	return cancel, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Emit delivers a push event to live subscribers, the way a real feed would.
func (m *MemoryStore) Emit(event Event) {
	m.mu.Lock()
	subscribers := append([]subscription(nil), m.subscribers...)
	m.mu.Unlock()
	for _, sub := range subscribers {
		select {
		case <-sub.done:
			continue
		default:
		}
		if sub.allowed[event.Collection] {
			sub.fn(event)
		}
	}
}

// Seed replaces a collection's rows outright, bypassing failure injection.
func (m *MemoryStore) Seed(collection string, rows []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := map[string]json.RawMessage{}
	for _, row := range rows {
		if id, err := rowID(row); err == nil {
			byID[id] = append(json.RawMessage(nil), row...)
		}
	}
	m.collections[collection] = byID
}

func (m *MemoryStore) put(collection string, row json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	id, err := rowID(row)
	if err != nil {
		return err
	}
	if m.collections[collection] == nil {
		m.collections[collection] = map[string]json.RawMessage{}
	}
	m.collections[collection][id] = append(json.RawMessage(nil), row...)
	return nil
}
