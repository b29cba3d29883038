package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTablePrefix      = "voorlees_"
	postgresNotifyChannel    = "voorlees_changes"
	postgresOperationTimeout = 5 * time.Second
)

var collectionNamePattern = regexp.MustCompile(`^[a-z_]+$`)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps each collection in a jsonb table and receives push
// events through LISTEN/NOTIFY on a single channel. Server-side triggers are
// expected to NOTIFY a change-event payload per row mutation.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	logger Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, logger Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
		logger: logger,
	}, nil
}

func (s *PostgresStore) Select(ctx context.Context, collection string) ([]json.RawMessage, error) {
	table, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(callCtx, fmt.Sprintf("SELECT row FROM %s", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, row json.RawMessage) error {
	return s.upsertOne(ctx, collection, row)
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, row json.RawMessage) error {
	_ = id // the row carries its id; updates resolve on it
	return s.upsertOne(ctx, collection, row)
}

func (s *PostgresStore) UpsertMany(ctx context.Context, collection string, rows []json.RawMessage) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(callCtx, nil)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, row, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET row = EXCLUDED.row, updated_at = NOW()`, table)
	for _, row := range rows {
		id, err := rowID(row)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(callCtx, query, id, string(row)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrInvalidInput
	}
	callCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(callCtx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id)
	return err
}

// Subscribe listens on the shared notify channel. The pq listener handles its
// own reconnects; a missed window is covered by the next full sync.
func (s *PostgresStore) Subscribe(ctx context.Context, collections []string, fn func(Event)) (func(), error) {
	if len(collections) == 0 || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, collection := range collections {
		allowed[collection] = true
	}
	listener := pq.NewListener(s.dsn, 2*time.Second, time.Minute, func(_ pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("postgres listener event", "err", err)
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer func() { _ = listener.Close() }()
		for {
			select {
			case <-subCtx.Done():
				return
			case notification, ok := <-listener.Notify:
				if !ok {
					return
				}
				if notification == nil {
					continue // reconnect marker
				}
				event, err := DecodeEvent([]byte(notification.Extra))
				if err != nil {
					s.logger.Warn("dropping invalid push event", "err", err)
					continue
				}
				if !allowed[event.Collection] {
					continue
				}
				fn(event)
			}
		}
	}()
	return cancel, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) upsertOne(ctx context.Context, collection string, row json.RawMessage) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	id, err := rowID(row)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, row, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET row = EXCLUDED.row, updated_at = NOW()`, table)
	_, err = s.db.ExecContext(callCtx, query, id, string(row))
	return err
}

func (s *PostgresStore) table(collection string) (string, error) {
	if !collectionNamePattern.MatchString(collection) {
		return "", fmt.Errorf("%w: collection %q", ErrInvalidInput, collection)
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(postgresTablePrefix + collection), nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

// EnsureSchema creates the collection tables when they are missing. Called
// once at startup by the daemon, never on the hot path.
func (s *PostgresStore) EnsureSchema(ctx context.Context, collections []string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	for _, collection := range collections {
		if !collectionNamePattern.MatchString(collection) {
			return fmt.Errorf("%w: collection %q", ErrInvalidInput, collection)
		}
		table := pq.QuoteIdentifier(postgresTablePrefix + collection)
		callCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				row JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table)
		_, err := s.db.ExecContext(callCtx, query)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
