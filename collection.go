package ntjsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"ntjsonstore/internal/cache"
	"ntjsonstore/internal/codec"
	"ntjsonstore/internal/ntjsonerr"
	"ntjsonstore/internal/query"
	"ntjsonstore/internal/queue"
	"ntjsonstore/internal/schema"
	"ntjsonstore/internal/sqlconn"
)

// defaultCacheSize is the number of unpinned documents a Collection
// retains. Every Collection's cache is built with this size; there is no
// per-collection setting, so the dedupe-only (0) and no-cache (-1) modes
// of cache.New are not reachable through a Collection.
const defaultCacheSize = 256

func newQueue() *queue.Serial            { return queue.NewSerial(64) }
func newObjectCache(size int) *cache.ObjectCache { return cache.New(size) }

// Collection is a named, case-insensitive container of documents backed
// by one table. It owns its schema, object cache, and live queries, and
// serializes every operation on its own FIFO queue.
type Collection struct {
	store *Store
	name  string
	queue *queue.Serial
	cache *cache.ObjectCache
	log   *logrus.Entry

	mu          sync.Mutex
	schema      *schema.Manager
	liveQueries []*LiveQuery
	lastError   error
	closed      bool
}

// Name returns the collection's name as given to Store.Collection.
func (c *Collection) Name() string { return c.name }

// Description returns the collection's name, mirrored from the original
// library's "-description" accessor.
func (c *Collection) Description() string { return c.name }

// String implements fmt.Stringer.
func (c *Collection) String() string { return c.Description() }

// LastError returns the most recent error recorded for this collection,
// for call sites that pass no explicit error out-parameter.
func (c *Collection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Collection) recordError(err error) error {
	if err != nil {
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
	}
	return err
}

func (c *Collection) checkClosed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ntjsonerr.Closed
	}
	return nil
}

func (c *Collection) close() {
	c.mu.Lock()
	c.closed = true
	lqs := append([]*LiveQuery(nil), c.liveQueries...)
	c.mu.Unlock()
	for _, lq := range lqs {
		lq.markClosed()
	}
	c.queue.Close()
}

// AddIndex declares a pending non-unique index over comma-separated keys.
func (c *Collection) AddIndex(keys string) { c.schemaManager().AddIndex(keys) }

// AddUniqueIndex declares a pending unique index over comma-separated keys.
func (c *Collection) AddUniqueIndex(keys string) { c.schemaManager().AddUniqueIndex(keys) }

// AddQueryableFields declares comma-separated paths usable in queries.
func (c *Collection) AddQueryableFields(fields string) { c.schemaManager().AddQueryableFields(fields) }

// SetDefaultJSON replaces the collection's default-document mapping.
func (c *Collection) SetDefaultJSON(d Document) { c.schemaManager().SetDefaultJSON(d) }

// SetAliases merges a into the $NAME -> replacement macro table; existing
// names not present in a are kept.
func (c *Collection) SetAliases(a map[string]string) { c.schemaManager().SetAliases(a) }

// ReplaceAliasesIn substitutes every "$NAME" token in s per the
// collection's current alias table, for testing alias substitution in
// isolation.
func (c *Collection) ReplaceAliasesIn(s string) string {
	return query.ReplaceAliases(s, c.schemaManager().Aliases())
}

// FlushCache drops unpinned cache entries, distinct from the RemoveAll
// eviction a full collection wipe performs.
func (c *Collection) FlushCache() { c.cache.Flush() }

func (c *Collection) schemaManager() *schema.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// EnsureSchema applies this collection's pending schema.
func (c *Collection) EnsureSchema(ctx context.Context) error {
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		err = c.recordError(c.ensureSchemaCore(ctx))
	})
	return err
}

// BeginEnsureSchema runs EnsureSchema asynchronously.
func (c *Collection) BeginEnsureSchema(ctx context.Context, target Target) <-chan Result[struct{}] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.recordError(c.ensureSchemaCore(ctx))
	})
}

func (c *Collection) ensureSchemaCore(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	return c.schemaManager().Apply(ctx, c.store.conn, c.name, func(ctx context.Context, snap schema.Snapshot) error {
		blob, err := json.Marshal(snap)
		if err != nil {
			return ntjsonerr.InvalidSqlResult("marshaling schema snapshot: %v", err)
		}
		_, err = c.store.conn.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s(name, json) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET json = excluded.json`,
			quoteIdent(metadataTable)), c.name, blob)
		return err
	})
}

// Sync blocks until the collection's serial queue has drained.
func (c *Collection) Sync(ctx context.Context) { c.queue.Sync(ctx) }

// Insert encodes doc, executes an INSERT projecting every applied column,
// interns the stored document (now carrying __rowid__) into the cache,
// and marks every live query on this collection dirty. Returns the new
// row-id, or 0 on failure.
func (c *Collection) Insert(ctx context.Context, doc Document) (int64, error) {
	var rowid int64
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		rowid, err = c.insertCore(ctx, doc)
		c.recordError(err)
	})
	return rowid, err
}

// InsertAsync runs Insert asynchronously.
func (c *Collection) InsertAsync(ctx context.Context, doc Document, target Target) <-chan Result[int64] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (int64, error) {
		rowid, err := c.insertCore(ctx, doc)
		return rowid, c.recordError(err)
	})
}

func (c *Collection) insertCore(ctx context.Context, doc Document) (int64, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return 0, err
	}
	return c.insertRowCore(ctx, doc)
}

func (c *Collection) insertRowCore(ctx context.Context, doc Document) (int64, error) {
	blob, err := codec.Encode(doc)
	if err != nil {
		return 0, ntjsonerr.InvalidSqlArgument("encoding document: %v", err)
	}

	snap := c.schemaManager().Snapshot()
	cols := make([]string, 0, len(snap.Columns)+1)
	placeholders := make([]string, 0, len(snap.Columns)+1)
	args := make([]any, 0, len(snap.Columns)+1)

	cols = append(cols, quoteIdent("__json__"))
	placeholders = append(placeholders, "?")
	args = append(args, blob)

	for _, path := range snap.Columns {
		cols = append(cols, quoteIdent(schema.StorageName(path)))
		placeholders = append(placeholders, "?")
		args = append(args, schema.ProjectValue(doc, path, snap.DefaultJSON))
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(c.name), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := c.store.conn.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	rowid, err := sqlconn.LastInsertRowID(res)
	if err != nil {
		return 0, err
	}

	stored := withRowID(doc, rowid)
	c.cache.Intern(rowid, stored)
	c.markLiveQueriesDirty()
	return rowid, nil
}

// InsertBatch inserts every document atomically inside one savepoint:
// all succeed, or none do.
func (c *Collection) InsertBatch(ctx context.Context, docs []Document) ([]int64, error) {
	var rowids []int64
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		rowids, err = c.insertBatchCore(ctx, docs)
		c.recordError(err)
	})
	return rowids, err
}

// InsertBatchAsync runs InsertBatch asynchronously.
func (c *Collection) InsertBatchAsync(ctx context.Context, docs []Document, target Target) <-chan Result[[]int64] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) ([]int64, error) {
		rowids, err := c.insertBatchCore(ctx, docs)
		return rowids, c.recordError(err)
	})
}

func (c *Collection) insertBatchCore(ctx context.Context, docs []Document) ([]int64, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return nil, err
	}

	tok, err := c.store.conn.BeginSavepoint(ctx)
	if err != nil {
		return nil, err
	}

	rowids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		rowid, err := c.insertRowCore(ctx, doc)
		if err != nil {
			_ = c.store.conn.Rollback(ctx, tok)
			return nil, err
		}
		rowids = append(rowids, rowid)
	}
	if err := c.store.conn.Commit(ctx, tok); err != nil {
		return nil, err
	}
	return rowids, nil
}

// Update requires doc to carry __rowid__; it UPDATEs by rowid, drops and
// re-interns the cache entry, and marks live queries dirty.
func (c *Collection) Update(ctx context.Context, doc Document) error {
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		err = c.recordError(c.updateCore(ctx, doc))
	})
	return err
}

// UpdateAsync runs Update asynchronously.
func (c *Collection) UpdateAsync(ctx context.Context, doc Document, target Target) <-chan Result[struct{}] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.recordError(c.updateCore(ctx, doc))
	})
}

func (c *Collection) updateCore(ctx context.Context, doc Document) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	rowid, ok := rowIDOf(doc)
	if !ok {
		return ntjsonerr.InvalidSqlArgument("update requires a document carrying __rowid__")
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return err
	}

	blob, err := codec.Encode(doc)
	if err != nil {
		return ntjsonerr.InvalidSqlArgument("encoding document: %v", err)
	}

	snap := c.schemaManager().Snapshot()
	sets := []string{quoteIdent("__json__") + " = ?"}
	args := []any{blob}
	for _, path := range snap.Columns {
		sets = append(sets, quoteIdent(schema.StorageName(path))+" = ?")
		args = append(args, schema.ProjectValue(doc, path, snap.DefaultJSON))
	}
	args = append(args, rowid)

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE __rowid__ = ?", quoteIdent(c.name), strings.Join(sets, ", "))
	if _, err := c.store.conn.Exec(ctx, sqlStr, args...); err != nil {
		return err
	}

	c.cache.Invalidate(rowid)
	c.cache.Intern(rowid, doc)
	c.markLiveQueriesDirty()
	return nil
}

// Remove deletes the row identified by doc's __rowid__.
func (c *Collection) Remove(ctx context.Context, doc Document) error {
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		err = c.recordError(c.removeCore(ctx, doc))
	})
	return err
}

// RemoveAsync runs Remove asynchronously.
func (c *Collection) RemoveAsync(ctx context.Context, doc Document, target Target) <-chan Result[struct{}] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.recordError(c.removeCore(ctx, doc))
	})
}

func (c *Collection) removeCore(ctx context.Context, doc Document) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	rowid, ok := rowIDOf(doc)
	if !ok {
		return ntjsonerr.InvalidSqlArgument("remove requires a document carrying __rowid__")
	}
	if _, err := c.store.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE __rowid__ = ?", quoteIdent(c.name)), rowid); err != nil {
		return err
	}
	c.cache.Invalidate(rowid)
	c.markLiveQueriesDirty()
	return nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	return c.CountWhere(ctx, "", nil)
}

// CountWhere returns the number of documents matching where/args.
func (c *Collection) CountWhere(ctx context.Context, where string, args []any) (int64, error) {
	var n int64
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		n, err = c.countWhereCore(ctx, where, args)
		c.recordError(err)
	})
	return n, err
}

// CountWhereAsync runs CountWhere asynchronously.
func (c *Collection) CountWhereAsync(ctx context.Context, where string, args []any, target Target) <-chan Result[int64] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (int64, error) {
		n, err := c.countWhereCore(ctx, where, args)
		return n, c.recordError(err)
	})
}

func (c *Collection) countWhereCore(ctx context.Context, where string, args []any) (int64, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return 0, err
	}

	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(c.name))
	if strings.TrimSpace(where) != "" {
		res, err := query.Translate(where, c.schemaManager().Aliases(), c.schemaManager())
		if err != nil {
			return 0, err
		}
		sqlStr += " WHERE " + res.SQL
		if c.schemaManager().HasPending() {
			if err := c.ensureSchemaCore(ctx); err != nil {
				return 0, err
			}
		}
	}

	v, err := c.store.conn.ExecValue(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, ntjsonerr.InvalidSqlResult("count query returned a non-integer result")
	}
	return n, nil
}

// FindWhere returns every document matching where/args, ordered by
// orderBy (empty means unordered).
func (c *Collection) FindWhere(ctx context.Context, where string, args []any, orderBy string) ([]Document, error) {
	return c.FindWhereLimit(ctx, where, args, orderBy, 0)
}

// FindOneWhere returns the first document matching where/args, or
// (nil, false, nil) if none match.
func (c *Collection) FindOneWhere(ctx context.Context, where string, args []any, orderBy string) (Document, bool, error) {
	docs, err := c.FindWhereLimit(ctx, where, args, orderBy, 1)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// FindWhereLimit is FindWhere with an explicit row cap; limit == 0 means
// unlimited.
func (c *Collection) FindWhereLimit(ctx context.Context, where string, args []any, orderBy string, limit int) ([]Document, error) {
	var docs []Document
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		docs, err = c.findWhereLimitCore(ctx, where, args, orderBy, limit)
		c.recordError(err)
	})
	return docs, err
}

// FindWhereAsync runs FindWhere asynchronously.
func (c *Collection) FindWhereAsync(ctx context.Context, where string, args []any, orderBy string, target Target) <-chan Result[[]Document] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) ([]Document, error) {
		docs, err := c.findWhereLimitCore(ctx, where, args, orderBy, 0)
		return docs, c.recordError(err)
	})
}

func (c *Collection) findWhereLimitCore(ctx context.Context, where string, args []any, orderBy string, limit int) ([]Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return nil, err
	}

	aliases := c.schemaManager().Aliases()
	sqlStr := fmt.Sprintf("SELECT __rowid__, __json__ FROM %s", quoteIdent(c.name))
	if strings.TrimSpace(where) != "" {
		res, err := query.Translate(where, aliases, c.schemaManager())
		if err != nil {
			return nil, err
		}
		sqlStr += " WHERE " + res.SQL
	}
	if strings.TrimSpace(orderBy) != "" {
		res, err := query.TranslateOrderBy(orderBy, aliases, c.schemaManager())
		if err != nil {
			return nil, err
		}
		sqlStr += " ORDER BY " + res.SQL
	}
	if limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", limit)
	}

	// Translating the clauses above may have reserved brand-new pending
	// columns; commit them before a query that references them runs.
	if c.schemaManager().HasPending() {
		if err := c.ensureSchemaCore(ctx); err != nil {
			return nil, err
		}
	}

	rows, err := c.store.conn.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var rowid int64
		var blob []byte
		if err := rows.Scan(&rowid, &blob); err != nil {
			return nil, ntjsonerr.InvalidSqlResult("scanning row: %v", err)
		}
		if h, ok := c.cache.Lookup(rowid); ok {
			out = append(out, h.Doc)
			continue
		}
		doc, err := codec.Decode(blob)
		if err != nil {
			return nil, ntjsonerr.InvalidSqlResult("decoding document: %v", err)
		}
		doc = withRowID(doc, rowid)
		h := c.cache.Intern(rowid, doc)
		out = append(out, h.Doc)
	}
	if err := rows.Err(); err != nil {
		return nil, ntjsonerr.InvalidSqlResult("iterating rows: %v", err)
	}
	return out, nil
}

// RemoveWhere deletes every document matching where/args and returns how
// many rows were removed.
func (c *Collection) RemoveWhere(ctx context.Context, where string, args []any) (int64, error) {
	var n int64
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		n, err = c.removeWhereCore(ctx, where, args)
		c.recordError(err)
	})
	return n, err
}

// RemoveWhereAsync runs RemoveWhere asynchronously.
func (c *Collection) RemoveWhereAsync(ctx context.Context, where string, args []any, target Target) <-chan Result[int64] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (int64, error) {
		n, err := c.removeWhereCore(ctx, where, args)
		return n, c.recordError(err)
	})
}

func (c *Collection) removeWhereCore(ctx context.Context, where string, args []any) (int64, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	if err := c.ensureSchemaCore(ctx); err != nil {
		return 0, err
	}

	whereSQL := ""
	if strings.TrimSpace(where) != "" {
		res, err := query.Translate(where, c.schemaManager().Aliases(), c.schemaManager())
		if err != nil {
			return 0, err
		}
		whereSQL = " WHERE " + res.SQL
	}
	if c.schemaManager().HasPending() {
		if err := c.ensureSchemaCore(ctx); err != nil {
			return 0, err
		}
	}

	rows, err := c.store.conn.Query(ctx, fmt.Sprintf("SELECT __rowid__ FROM %s%s", quoteIdent(c.name), whereSQL), args...)
	if err != nil {
		return 0, err
	}
	var rowids []int64
	for rows.Next() {
		var rowid int64
		if err := rows.Scan(&rowid); err != nil {
			rows.Close()
			return 0, ntjsonerr.InvalidSqlResult("scanning rowid: %v", err)
		}
		rowids = append(rowids, rowid)
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return 0, ntjsonerr.InvalidSqlResult("iterating rowids: %v", iterErr)
	}

	if _, err := c.store.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", quoteIdent(c.name), whereSQL), args...); err != nil {
		return 0, err
	}

	for _, rowid := range rowids {
		c.cache.Invalidate(rowid)
	}
	if len(rowids) > 0 {
		c.markLiveQueriesDirty()
	}
	return int64(len(rowids)), nil
}

// RemoveAll drops every document in the collection and resets its cache.
func (c *Collection) RemoveAll(ctx context.Context) error {
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		err = c.recordError(c.removeAllCore(ctx))
	})
	return err
}

// RemoveAllAsync runs RemoveAll asynchronously.
func (c *Collection) RemoveAllAsync(ctx context.Context, target Target) <-chan Result[struct{}] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.recordError(c.removeAllCore(ctx))
	})
}

func (c *Collection) removeAllCore(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if _, err := c.store.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(c.name))); err != nil {
		return err
	}
	c.cache.RemoveAll()
	c.markLiveQueriesDirty()
	return nil
}

func (c *Collection) markLiveQueriesDirty() {
	c.mu.Lock()
	lqs := append([]*LiveQuery(nil), c.liveQueries...)
	c.mu.Unlock()
	for _, lq := range lqs {
		lq.notifyChange()
	}
}

// LiveQuery constructs and registers a standing query bound to
// (where, args, orderBy, limit). Its initial publish occurs on the next
// PushChanges call.
func (c *Collection) LiveQuery(where string, args []any, orderBy string, limit int) *LiveQuery {
	lq := newLiveQuery(c, where, args, orderBy, limit)
	c.mu.Lock()
	c.liveQueries = append(c.liveQueries, lq)
	c.mu.Unlock()
	return lq
}

// PushChanges re-executes every dirty live query registered on this
// collection and delivers the resulting ChangeSet to their subscribers.
func (c *Collection) PushChanges(ctx context.Context) error {
	var err error
	c.queue.DispatchSync(ctx, func(ctx context.Context) {
		c.mu.Lock()
		lqs := append([]*LiveQuery(nil), c.liveQueries...)
		c.mu.Unlock()
		for _, lq := range lqs {
			if refreshErr := lq.refresh(ctx); refreshErr != nil {
				err = refreshErr
				return
			}
		}
	})
	c.recordError(err)
	return err
}

// PushChangesAsync runs PushChanges asynchronously.
func (c *Collection) PushChangesAsync(ctx context.Context, target Target) <-chan Result[struct{}] {
	return dispatchAsync(c.queue, ctx, target, func(ctx context.Context) (struct{}, error) {
		c.mu.Lock()
		lqs := append([]*LiveQuery(nil), c.liveQueries...)
		c.mu.Unlock()
		for _, lq := range lqs {
			if err := lq.refresh(ctx); err != nil {
				return struct{}{}, c.recordError(err)
			}
		}
		return struct{}{}, nil
	})
}
