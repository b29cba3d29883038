package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultQuotaBytes mirrors the practical ceiling of the browser storage the
// original app ran against. Writes that would push usage past the quota are
// refused with ErrStorageFull; user content is never evicted to make room.
const DefaultQuotaBytes = 5 << 20

// Logger is the narrow logging surface the core needs. charmbracelet/log
// satisfies it.
type Logger interface {
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

// StateBackend persists the full key-value snapshot of the local store.
type StateBackend interface {
	Load() (map[string]json.RawMessage, error)
	Save(state map[string]json.RawMessage) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (map[string]json.RawMessage, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *JSONFileStateBackend) Save(state map[string]json.RawMessage) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot map[string]json.RawMessage
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (map[string]json.RawMessage, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	clone := make(map[string]json.RawMessage, len(b.snapshot))
	for k, v := range b.snapshot {
		clone[k] = append(json.RawMessage(nil), v...)
	}
	return clone, nil
}

func (b *InMemoryStateBackend) Save(state map[string]json.RawMessage) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make(map[string]json.RawMessage, len(state))
	for k, v := range state {
		clone[k] = append(json.RawMessage(nil), v...)
	}
	b.snapshot = clone
	return nil
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	stateBackendRegistry.mu.Lock()
	defer stateBackendRegistry.mu.Unlock()
	stateBackendRegistry.factories[scheme] = factory
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	stateBackendRegistry.mu.RLock()
	factory, ok := stateBackendRegistry.factories[scheme]
	stateBackendRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if path == "" {
			path = dsn
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

type StoreOptions struct {
	Backend    StateBackend
	StateFile  string
	QuotaBytes int64
	Logger     Logger
}

// Store is the local durable key-value store. It is the single writer of
// on-device state: targeted mutations and wholesale merge results both land
// here before anything is attempted remotely. Load never fails from the
// caller's perspective; a failed persist keeps the in-memory value and is
// only logged.
type Store struct {
	mu      sync.RWMutex
	state   map[string]json.RawMessage
	backend StateBackend
	quota   int64
	logger  Logger
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	quota := opts.QuotaBytes
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Store{
		state:   map[string]json.RawMessage{},
		backend: backend,
		quota:   quota,
		logger:  logger,
	}
	if backend != nil {
		snapshot, err := backend.Load()
		if err != nil {
			logger.Error("state backend load failed, starting empty", "err", err)
		} else if snapshot != nil {
			s.state = snapshot
		}
	}
	return s
}

func (s *Store) Close() {
	if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

// Load returns the value stored under key, or def when the key is absent or
// unreadable.
func Load[T any](s *Store, key string, def T) T {
	s.mu.RLock()
	raw, ok := s.state[key]
	s.mu.RUnlock()
	if !ok {
		return def
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		s.logger.Warn("unreadable value in local store", "key", key, "err", err)
		return def
	}
	return value
}

// Save stores value under key. The only error it surfaces is ErrStorageFull;
// backend persistence failures keep the optimistic in-memory value and are
// logged.
func Save[T any](s *Store, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("dropping unserializable value", "key", key, "err", err)
		return nil
	}
	s.mu.Lock()
	prior, had := s.state[key]
	prospective := s.usageLocked() + int64(len(key)+len(raw))
	if had {
		prospective -= int64(len(key) + len(prior))
	}
	if prospective > s.quota {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d bytes needed, quota %d", ErrStorageFull, prospective, s.quota)
	}
	s.state[key] = raw
	s.persistLocked()
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[key]; !ok {
		return
	}
	delete(s.state, key)
	s.persistLocked()
}

func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state[key]
	return ok
}

func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.state))
	for key := range s.state {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Usage reports the approximate serialized footprint of the store.
func (s *Store) Usage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageLocked()
}

func (s *Store) QuotaBytes() int64 {
	return s.quota
}

// CheckHeadroom reports ErrStorageFull when writing n more bytes would likely
// exceed the quota. Callers stage large writes (inline audio) behind it so the
// condition surfaces before data is truncated.
func (s *Store) CheckHeadroom(n int64) error {
	s.mu.RLock()
	usage := s.usageLocked()
	s.mu.RUnlock()
	if usage+n > s.quota {
		return fmt.Errorf("%w: %d bytes needed, %d available", ErrStorageFull, n, s.quota-usage)
	}
	return nil
}

func (s *Store) usageLocked() int64 {
	var total int64
	for key, value := range s.state {
		total += int64(len(key) + len(value))
	}
	return total
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Save(s.state); err != nil {
		s.logger.Error("state backend save failed, keeping in-memory value", "err", err)
	}
}

// Typed snapshot accessors for the entity collections.

func (s *Store) Books() []Book           { return Load(s, CollectionBooks, []Book{}) }
func (s *Store) Chapters() []Chapter     { return Load(s, CollectionChapters, []Chapter{}) }
func (s *Store) Recordings() []Recording { return Load(s, CollectionRecordings, []Recording{}) }
func (s *Store) Users() []User           { return Load(s, CollectionUsers, []User{}) }

func (s *Store) SetBooks(books []Book) error             { return Save(s, CollectionBooks, books) }
func (s *Store) SetChapters(chapters []Chapter) error    { return Save(s, CollectionChapters, chapters) }
func (s *Store) SetRecordings(recs []Recording) error    { return Save(s, CollectionRecordings, recs) }
func (s *Store) SetUsers(users []User) error             { return Save(s, CollectionUsers, users) }
