package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"ntjsonstore/internal/codec"
	"ntjsonstore/internal/ntjsonerr"
	"ntjsonstore/internal/sqlconn"
)

// Manager tracks the applied-vs-pending schema (columns, indexes,
// queryable fields, defaults, aliases) for one collection and commits
// pending changes transactionally via Apply.
type Manager struct {
	mu sync.Mutex

	appliedColumns map[string]Column // by Path
	pendingColumns map[string]Column

	appliedIndexes map[string]Index // by Name
	pendingIndexes map[string]Index

	// queryableFields is the allow-list. A nil/empty map means any path
	// may be referenced; a non-empty map restricts referenced paths to
	// its members.
	queryableFields        map[string]bool
	pendingQueryableFields map[string]bool

	defaultJSON codec.Document
	aliases     map[string]string
}

// NewManager returns an empty schema for a freshly created collection.
func NewManager() *Manager {
	return &Manager{
		appliedColumns:         map[string]Column{},
		pendingColumns:         map[string]Column{},
		appliedIndexes:         map[string]Index{},
		pendingIndexes:         map[string]Index{},
		queryableFields:        map[string]bool{},
		pendingQueryableFields: map[string]bool{},
		defaultJSON:            codec.Document{},
		aliases:                map[string]string{},
	}
}

// Snapshot is the serializable form persisted in the metadata table.
type Snapshot struct {
	Columns         []string          `json:"columns"`
	Indexes         []SnapshotIndex   `json:"indexes"`
	QueryableFields []string          `json:"queryableFields"`
	DefaultJSON     codec.Document    `json:"defaultJson"`
	Aliases         map[string]string `json:"aliases"`
}

// SnapshotIndex is the serializable form of an applied Index.
type SnapshotIndex struct {
	Keys   []string `json:"keys"`
	Unique bool     `json:"unique"`
}

// LoadSnapshot restores previously-applied schema (from the metadata
// table) as the Manager's applied set, with no pending changes.
func LoadSnapshot(snap Snapshot) *Manager {
	m := NewManager()
	for _, path := range snap.Columns {
		c := NewColumn(path)
		m.appliedColumns[c.Path] = c
	}
	for _, si := range snap.Indexes {
		ix := NewIndex(joinKeys(si.Keys), si.Unique)
		m.appliedIndexes[ix.Name] = ix
	}
	for _, f := range snap.QueryableFields {
		m.queryableFields[f] = true
	}
	if snap.DefaultJSON != nil {
		m.defaultJSON = snap.DefaultJSON
	}
	if snap.Aliases != nil {
		m.aliases = snap.Aliases
	}
	return m
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// Snapshot returns the applied (not pending) schema for persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	cols := make([]string, 0, len(m.appliedColumns))
	for p := range m.appliedColumns {
		cols = append(cols, p)
	}
	sort.Strings(cols)

	idxs := make([]SnapshotIndex, 0, len(m.appliedIndexes))
	var names []string
	for n := range m.appliedIndexes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ix := m.appliedIndexes[n]
		idxs = append(idxs, SnapshotIndex{Keys: ix.Keys, Unique: ix.Unique})
	}

	fields := make([]string, 0, len(m.queryableFields))
	for f := range m.queryableFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return Snapshot{
		Columns:         cols,
		Indexes:         idxs,
		QueryableFields: fields,
		DefaultJSON:     m.defaultJSON,
		Aliases:         m.aliases,
	}
}

// AddColumn reserves a pending Column for path unless one is already
// applied or pending. Idempotent.
func (m *Manager) AddColumn(path string) Column {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addColumnLocked(path)
}

func (m *Manager) addColumnLocked(path string) Column {
	if c, ok := m.appliedColumns[path]; ok {
		return c
	}
	if c, ok := m.pendingColumns[path]; ok {
		return c
	}
	c := NewColumn(path)
	m.pendingColumns[path] = c
	return c
}

// AddIndex adds a pending non-unique index over keys. Idempotent: calling
// it any number of times with the same keys produces the same applied
// index.
func (m *Manager) AddIndex(keys string) Index { return m.addIndex(keys, false) }

// AddUniqueIndex adds a pending unique index over keys. Idempotent.
func (m *Manager) AddUniqueIndex(keys string) Index { return m.addIndex(keys, true) }

func (m *Manager) addIndex(keys string, unique bool) Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix := NewIndex(keys, unique)
	if existing, ok := m.appliedIndexes[ix.Name]; ok {
		return existing
	}
	if existing, ok := m.pendingIndexes[ix.Name]; ok {
		return existing
	}
	m.pendingIndexes[ix.Name] = ix
	for _, k := range ix.Keys {
		m.addColumnLocked(k)
	}
	return ix
}

// AddQueryableFields declares fields (comma-separated paths) usable in
// queries. Idempotent.
func (m *Manager) AddQueryableFields(fields string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range SplitKeys(fields) {
		if m.queryableFields[f] || m.pendingQueryableFields[f] {
			continue
		}
		m.pendingQueryableFields[f] = true
		m.addColumnLocked(f)
	}
}

// SetDefaultJSON replaces the collection's default-document mapping, used
// to fill in absent sub-paths during projection and translation.
func (m *Manager) SetDefaultJSON(d codec.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultJSON = d
}

// DefaultJSON returns the collection's current default-document mapping.
func (m *Manager) DefaultJSON() codec.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultJSON
}

// SetAliases merges a into the $NAME -> replacement macro table; existing
// names not present in a are kept.
func (m *Manager) SetAliases(a map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliases == nil {
		m.aliases = map[string]string{}
	}
	for k, v := range a {
		m.aliases[k] = v
	}
}

// Aliases returns the current alias table.
func (m *Manager) Aliases() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out
}

// HasPending reports whether any column, index, or queryable-field change
// is waiting to be committed.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingColumns) > 0 || len(m.pendingIndexes) > 0 || len(m.pendingQueryableFields) > 0
}

// ReserveColumnForQuery is called by the QueryTranslator when it encounters
// a bracketed path reference. If the queryable-fields allow-list is
// non-empty, path must already be declared (applied or pending); otherwise
// it is created as a pending column on first use.
func (m *Manager) ReserveColumnForQuery(path string) (Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restricted := len(m.queryableFields) > 0 || len(m.pendingQueryableFields) > 0
	if restricted {
		if !m.queryableFields[path] && !m.pendingQueryableFields[path] {
			return Column{}, ntjsonerr.InvalidSqlArgument("path %q is not in the declared queryable-fields allow-list", path)
		}
	}
	return m.addColumnLocked(path), nil
}

// ReserveStorageNameForQuery adapts ReserveColumnForQuery to the signature
// the query translator expects (a bare storage-name string), since the
// translator only ever needs the name, not the full Column descriptor.
func (m *Manager) ReserveStorageNameForQuery(path string) (string, error) {
	c, err := m.ReserveColumnForQuery(path)
	if err != nil {
		return "", err
	}
	return c.StorageName, nil
}

// StorageNameForAppliedOrPending returns the storage name for a column
// whether it has been committed yet or is merely pending, since the
// translator must rewrite clauses before Apply necessarily runs.
func (m *Manager) StorageNameForAppliedOrPending(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.appliedColumns[path]; ok {
		return c.StorageName, true
	}
	if c, ok := m.pendingColumns[path]; ok {
		return c.StorageName, true
	}
	return "", false
}

// Apply commits every pending column, index, and queryable-field change
// for collection table inside one savepoint, in the order spec.md §4.5
// describes: columns first (so dependent indexes see their column),
// then indexes, then the metadata row, then commit. On any failure the
// savepoint is rolled back and the pending set is left intact so the
// next call retries.
func (m *Manager) Apply(ctx context.Context, conn *sqlconn.Connection, table string, metadataUpdate func(ctx context.Context, snap Snapshot) error) error {
	m.mu.Lock()
	if len(m.pendingColumns) == 0 && len(m.pendingIndexes) == 0 && len(m.pendingQueryableFields) == 0 {
		m.mu.Unlock()
		return nil
	}
	pendingColumns := make([]Column, 0, len(m.pendingColumns))
	for _, c := range m.pendingColumns {
		pendingColumns = append(pendingColumns, c)
	}
	pendingIndexes := orderedIndexes(m.pendingIndexes, m.pendingColumns)
	m.mu.Unlock()

	tok, err := conn.BeginSavepoint(ctx)
	if err != nil {
		return err
	}

	if err := m.applyPending(ctx, conn, table, pendingColumns, pendingIndexes); err != nil {
		_ = conn.Rollback(ctx, tok)
		return err
	}

	m.mu.Lock()
	for _, c := range pendingColumns {
		m.appliedColumns[c.Path] = c
		delete(m.pendingColumns, c.Path)
	}
	for _, ix := range pendingIndexes {
		m.appliedIndexes[ix.Name] = ix
		delete(m.pendingIndexes, ix.Name)
	}
	for f := range m.pendingQueryableFields {
		m.queryableFields[f] = true
	}
	pendingFields := m.pendingQueryableFields
	m.pendingQueryableFields = map[string]bool{}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if metadataUpdate != nil {
		if err := metadataUpdate(ctx, snap); err != nil {
			_ = conn.Rollback(ctx, tok)
			m.mu.Lock()
			for _, c := range pendingColumns {
				delete(m.appliedColumns, c.Path)
				m.pendingColumns[c.Path] = c
			}
			for _, ix := range pendingIndexes {
				delete(m.appliedIndexes, ix.Name)
				m.pendingIndexes[ix.Name] = ix
			}
			for f := range pendingFields {
				delete(m.queryableFields, f)
				m.pendingQueryableFields[f] = true
			}
			m.mu.Unlock()
			return err
		}
	}

	return conn.Commit(ctx, tok)
}

// orderedIndexes returns pending indexes sorted so that an index whose
// keys reference a pending column is ordered after that column is added
// (the columns are all added first regardless, so this mainly produces a
// deterministic order for DDL emission).
func orderedIndexes(pending map[string]Index, pendingColumns map[string]Column) []Index {
	out := make([]Index, 0, len(pending))
	for _, ix := range pending {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) applyPending(ctx context.Context, conn *sqlconn.Connection, table string, columns []Column, indexes []Index) error {
	defaultJSON := m.DefaultJSON()

	for _, c := range columns {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), quoteIdent(c.StorageName))
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return err
		}
		if err := projectExistingRows(ctx, conn, table, c, defaultJSON); err != nil {
			return err
		}
	}

	for _, ix := range indexes {
		unique := ""
		if ix.Unique {
			unique = "UNIQUE "
		}
		cols := ""
		for i, k := range ix.StorageKeys() {
			if i > 0 {
				cols += ", "
			}
			cols += quoteIdent(k)
		}
		ddl := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, quoteIdent(ix.Name), quoteIdent(table), cols)
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// projectExistingRows backfills c's new column for every row already in
// table, resolving c.Path in each row's decoded document and falling back
// to defaultJSON when the path is absent.
func projectExistingRows(ctx context.Context, conn *sqlconn.Connection, table string, c Column, defaultJSON codec.Document) error {
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT __rowid__, __json__ FROM %s", quoteIdent(table)))
	if err != nil {
		return err
	}
	defer rows.Close()

	type rowValue struct {
		rowid int64
		value any
	}
	var updates []rowValue

	for rows.Next() {
		var rowid int64
		var blob []byte
		if err := rows.Scan(&rowid, &blob); err != nil {
			return ntjsonerr.InvalidSqlResult("scanning row during projection: %v", err)
		}
		doc, err := codec.Decode(blob)
		if err != nil {
			return ntjsonerr.InvalidSqlResult("decoding document during projection: %v", err)
		}
		value := ResolvePath(doc, c.Path, defaultJSON)
		updates = append(updates, rowValue{rowid, toScalar(value)})
	}
	if err := rows.Err(); err != nil {
		return ntjsonerr.InvalidSqlResult("iterating rows during projection: %v", err)
	}

	for _, u := range updates {
		sql := fmt.Sprintf("UPDATE %s SET %s = ? WHERE __rowid__ = ?", quoteIdent(table), quoteIdent(c.StorageName))
		if _, err := conn.Exec(ctx, sql, u.value, u.rowid); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePath resolves a dotted path in doc, falling back to the same
// path in defaultJSON when any segment is absent.
func ResolvePath(doc codec.Document, path string, defaultJSON codec.Document) any {
	if v, ok := resolveIn(map[string]any(doc), path); ok {
		return v
	}
	if v, ok := resolveIn(map[string]any(defaultJSON), path); ok {
		return v
	}
	return nil
}

func resolveIn(m map[string]any, path string) (any, bool) {
	segments := splitPath(path)
	var cur any = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// ProjectValue resolves path in doc (falling back to defaultJSON for
// absent sub-paths) and converts the result into a value bindable as a
// stored scalar column — the same conversion applied when backfilling
// existing rows inside Apply, exported so Collection can project values
// for newly-inserted or updated rows without duplicating the logic.
func ProjectValue(doc codec.Document, path string, defaultJSON codec.Document) any {
	return toScalar(ResolvePath(doc, path, defaultJSON))
}

// toScalar converts a resolved JSON value into a value bindable as a SQL
// column: scalars pass through; composite values (array/object) are
// encoded as a JSON string, since a projected column is a single stored
// scalar.
func toScalar(v any) any {
	switch v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
