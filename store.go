package ntjsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"ntjsonstore/internal/ntjsonerr"
	"ntjsonstore/internal/queue"
	"ntjsonstore/internal/schema"
	"ntjsonstore/internal/sqlconn"
)

const metadataTable = "NTJsonStore_Metadata"

// Store owns one database file, its connection's serial queue, the
// directory of Collections opened against it, and the persistent metadata
// table each Collection's schema is loaded from and committed to.
type Store struct {
	conn *sqlconn.Connection
	log  *logrus.Entry

	mu          sync.Mutex
	collections map[string]*Collection
	closed      bool
}

// Option configures a Store at Open time.
type Option func(*storeConfig)

type storeConfig struct {
	log *logrus.Entry
}

// WithLogger attaches a *logrus.Entry for diagnostic messages; the
// connection logs each savepoint it opens at debug level. Defaults to a
// discard logger so embedding applications are never forced to see output.
func WithLogger(log *logrus.Entry) Option {
	return func(c *storeConfig) { c.log = log }
}

// Open creates or opens the single-file database at filename ("" or
// ":memory:" opens a private in-memory database) and ensures the
// metadata table exists.
func Open(filename string, opts ...Option) (*Store, error) {
	cfg := storeConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		cfg.log = logrus.NewEntry(discard)
	}

	conn, err := sqlconn.Open(filename, cfg.log)
	if err != nil {
		return nil, err
	}

	s := &Store{
		conn:        conn,
		log:         cfg.log.WithField("component", "store"),
		collections: map[string]*Collection{},
	}

	var createErr error
	conn.DispatchSync(context.Background(), func(ctx context.Context) {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, json BLOB)`, quoteIdent(metadataTable))
		_, createErr = conn.Exec(ctx, ddl)
	})
	if createErr != nil {
		_ = conn.Close()
		return nil, createErr
	}

	return s, nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

// Collection returns the Collection named name, case-insensitively,
// constructing it (and loading its persisted schema, if any) on first
// access.
func (s *Store) Collection(name string) *Collection {
	key := strings.ToLower(name)

	s.mu.Lock()
	if c, ok := s.collections[key]; ok {
		s.mu.Unlock()
		return c
	}
	s.mu.Unlock()

	c := s.newCollection(name)

	s.mu.Lock()
	if existing, ok := s.collections[key]; ok {
		s.mu.Unlock()
		return existing
	}
	s.collections[key] = c
	s.mu.Unlock()
	return c
}

func (s *Store) newCollection(name string) *Collection {
	c := &Collection{
		store: s,
		name:  name,
		log:   s.log.WithField("collection", name),
	}
	c.queue = newQueue()

	var loadErr error
	s.conn.DispatchSync(context.Background(), func(ctx context.Context) {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (__rowid__ INTEGER PRIMARY KEY, __json__ BLOB NOT NULL)`, quoteIdent(name))
		if _, err := s.conn.Exec(ctx, ddl); err != nil {
			loadErr = err
			return
		}

		v, err := s.conn.ExecValue(ctx, fmt.Sprintf(`SELECT json FROM %s WHERE name = ?`, quoteIdent(metadataTable)), name)
		if err != nil {
			loadErr = err
			return
		}
		if v == nil {
			c.schema = schema.NewManager()
			return
		}
		blob, ok := v.([]byte)
		if !ok {
			loadErr = ntjsonerr.InvalidSqlResult("metadata row for %q did not decode as bytes", name)
			return
		}
		var snap schema.Snapshot
		if err := json.Unmarshal(blob, &snap); err != nil {
			loadErr = ntjsonerr.InvalidSqlResult("metadata row for %q is not valid JSON: %v", name, err)
			return
		}
		c.schema = schema.LoadSnapshot(snap)
	})
	if loadErr != nil {
		c.mu.Lock()
		c.lastError = loadErr
		c.mu.Unlock()
		if c.schema == nil {
			c.schema = schema.NewManager()
		}
	}
	c.cache = newObjectCache(defaultCacheSize)
	return c
}

// knownCollectionNames returns every collection name with a row in the
// metadata table, so Store-wide operations (EnsureSchema) cover
// collections that were configured in a previous run and never yet
// reopened in this process.
func (s *Store) knownCollectionNames(ctx context.Context) ([]string, error) {
	var names []string
	var queryErr error
	s.conn.DispatchSync(ctx, func(ctx context.Context) {
		rows, err := s.conn.Query(ctx, fmt.Sprintf(`SELECT name FROM %s`, quoteIdent(metadataTable)))
		if err != nil {
			queryErr = err
			return
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				queryErr = ntjsonerr.InvalidSqlResult("scanning metadata name: %v", err)
				return
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			queryErr = ntjsonerr.InvalidSqlResult("iterating metadata rows: %v", err)
		}
	})
	return names, queryErr
}

// EnsureSchema applies pending schema for every known collection —
// every Collection already opened in this process, plus every collection
// with a metadata row from a previous run. Returns one error per
// collection that failed; an empty slice means full success.
func (s *Store) EnsureSchema(ctx context.Context) []error {
	if err := s.checkClosed(); err != nil {
		return []error{err}
	}

	names, err := s.knownCollectionNames(ctx)
	if err != nil {
		return []error{err}
	}

	s.mu.Lock()
	for _, c := range s.collections {
		names = append(names, c.name)
	}
	s.mu.Unlock()

	seen := map[string]bool{}
	var errs []error
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := s.Collection(name).EnsureSchema(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// BeginEnsureSchema runs EnsureSchema asynchronously, delivering the
// result slice to the returned channel on target.
func (s *Store) BeginEnsureSchema(ctx context.Context, target Target) <-chan Result[[]error] {
	ch := make(chan Result[[]error], 1)
	go func() {
		errs := s.EnsureSchema(ctx)
		queue.Run(target, func() {
			ch <- Result[[]error]{Value: errs}
			close(ch)
		})
	}()
	return ch
}

// Sync blocks until every named collection's serial queue (and the
// underlying connection queue) has drained. No names means every
// currently-open collection.
func (s *Store) Sync(ctx context.Context, names ...string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	var collections []*Collection
	if len(names) == 0 {
		s.mu.Lock()
		for _, c := range s.collections {
			collections = append(collections, c)
		}
		s.mu.Unlock()
	} else {
		for _, n := range names {
			collections = append(collections, s.Collection(n))
		}
	}

	for _, c := range collections {
		c.Sync(ctx)
	}
	s.conn.Queue().Sync(ctx)
	return nil
}

// BeginSync runs Sync asynchronously, delivering completion to target.
func (s *Store) BeginSync(ctx context.Context, target Target, names ...string) <-chan Result[struct{}] {
	ch := make(chan Result[struct{}], 1)
	go func() {
		err := s.Sync(ctx, names...)
		queue.Run(target, func() {
			ch <- Result[struct{}]{Err: err}
			close(ch)
		})
	}()
	return ch
}

func (s *Store) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ntjsonerr.Closed
	}
	return nil
}

// Close drains and closes every open collection and the underlying
// connection. Further operations on the Store or any of its Collections
// fail with Closed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	collections := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		collections = append(collections, c)
	}
	s.mu.Unlock()

	for _, c := range collections {
		c.close()
	}
	return s.conn.Close()
}
