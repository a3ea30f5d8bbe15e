// Package sqlconn owns the single database handle backing a Store: the
// embedded engine connection, its serial execution queue, savepoint
// bookkeeping, and argument-type validation. All database access must flow
// through a Connection's queue.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"ntjsonstore/internal/ntjsonerr"
	"ntjsonstore/internal/queue"
)

// openMu serializes sql.Open across connections. modernc.org/sqlite, like
// other embedded engines, can return "database is locked" when two opens
// race against a newly created file.
var openMu sync.Mutex

// Token identifies a nested savepoint.
type Token string

// Connection owns one database handle bound to one serial execution queue.
type Connection struct {
	filename string
	db       *sql.DB
	queue    *queue.Serial
	log      *logrus.Entry

	mu        sync.Mutex
	lastError error
	closed    bool
}

// Open creates (or opens) the single-file database at filename and starts
// its serial queue. filename may be ":memory:" for a private in-memory
// database.
func Open(filename string, log *logrus.Entry) (*Connection, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
		log.Logger.SetOutput(io_discard{})
	}

	openMu.Lock()
	db, err := sql.Open("sqlite", filename)
	if err == nil {
		err = db.Ping()
	}
	openMu.Unlock()
	if err != nil {
		return nil, ntjsonerr.FromSqlite(err)
	}
	db.SetMaxOpenConns(1) // the engine is single-writer; queue already serializes, this is a second guard.

	c := &Connection{
		filename: filename,
		db:       db,
		queue:    queue.NewSerial(64),
		log:      log.WithField("component", "sqlconn"),
	}
	return c, nil
}

type io_discard struct{}

func (io_discard) Write(p []byte) (int, error) { return len(p), nil }

// Queue returns the connection's serial dispatch queue, so collections can
// borrow it per the store's "one serial queue per collection, one per
// store" model.
func (c *Connection) Queue() *queue.Serial { return c.queue }

// DB exposes the underlying handle for callers already running on the
// connection's queue (SchemaManager DDL, Collection data operations).
func (c *Connection) DB() *sql.DB { return c.db }

// DispatchSync runs fn on the connection's queue and blocks for the result.
func (c *Connection) DispatchSync(ctx context.Context, fn func(ctx context.Context)) {
	c.queue.DispatchSync(ctx, fn)
}

// DispatchAsync enqueues fn on the connection's queue.
func (c *Connection) DispatchAsync(ctx context.Context, fn func(ctx context.Context)) {
	c.queue.DispatchAsync(ctx, fn)
}

// LastError returns the most recently recorded error, for call sites that
// pass no explicit error out-parameter.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Connection) recordError(err error) error {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
	return err
}

func (c *Connection) checkClosed() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ntjsonerr.Closed
	}
	return nil
}

// ValidateArg reports InvalidSqlArgument unless v is one of the bindable
// types: nil, bool, integer, float, string, or []byte.
func ValidateArg(v any) error {
	switch v.(type) {
	case nil, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, string, []byte:
		return nil
	default:
		return ntjsonerr.InvalidSqlArgument("unsupported bind argument type %T", v)
	}
}

func validateArgs(args []any) error {
	for _, a := range args {
		if err := ValidateArg(a); err != nil {
			return err
		}
	}
	return nil
}

// Exec executes a statement with no result rows and returns its
// sql.Result, or an error if it failed.
func (c *Connection) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateArgs(args); err != nil {
		return nil, c.recordError(err)
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, c.recordError(ntjsonerr.FromSqlite(err))
	}
	return res, nil
}

// ExecValue executes a query and returns the first column of its first
// row, or nil if no row was returned.
func (c *Connection) ExecValue(ctx context.Context, query string, args ...any) (any, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateArgs(args); err != nil {
		return nil, c.recordError(err)
	}
	row := c.db.QueryRowContext(ctx, query, args...)
	var v any
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, c.recordError(ntjsonerr.FromSqlite(err))
	}
	return v, nil
}

// Query runs query and returns the resulting rows. Callers must Close().
func (c *Connection) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateArgs(args); err != nil {
		return nil, c.recordError(err)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.recordError(ntjsonerr.FromSqlite(err))
	}
	return rows, nil
}

// LastInsertRowID reports the rowid of the most recent INSERT executed via
// Exec's result.
func LastInsertRowID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ntjsonerr.FromSqlite(err)
	}
	return id, nil
}

// BeginSavepoint opens a nestable savepoint and returns a fresh token
// naming it. Tokens are generated fresh each call, so savepoints nest
// freely.
func (c *Connection) BeginSavepoint(ctx context.Context) (Token, error) {
	if err := c.checkClosed(); err != nil {
		return "", err
	}
	name := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	tok := Token(name)
	if _, err := c.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return "", err
	}
	c.log.WithField("savepoint", name).Debug("opened savepoint")
	return tok, nil
}

// Commit releases the savepoint named by tok, making its changes permanent
// (unless an outer savepoint is later rolled back).
func (c *Connection) Commit(ctx context.Context, tok Token) error {
	_, err := c.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", string(tok)))
	return err
}

// Rollback undoes every change made since BeginSavepoint(tok).
func (c *Connection) Rollback(ctx context.Context, tok Token) error {
	_, err := c.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", string(tok)))
	return err
}

// Close drains the queue and finalizes the handle. Subsequent calls fail
// with Closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.Close()
	return c.db.Close()
}
