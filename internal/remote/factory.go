package remote

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string, opts FactoryOptions) (Store, error)

type FactoryOptions struct {
	Token  string
	Logger Logger
}

var storeRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeRegistry.mu.Lock()
	defer storeRegistry.mu.Unlock()
	storeRegistry.factories[scheme] = factory
}

// BuildStoreFromDSN selects the remote implementation once at startup. An
// empty DSN means no remote is configured, which is a supported mode: the
// core then operates purely on the local cache.
func BuildStoreFromDSN(dsn string, opts FactoryOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	storeRegistry.mu.RLock()
	factory, ok := storeRegistry.factories[scheme]
	storeRegistry.mu.RUnlock()
	if ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "http", "https":
		return NewHTTPStore(dsn, HTTPOptions{Token: opts.Token, Logger: opts.Logger})
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts.Logger)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported remote store scheme: %s", scheme)
	}
}
