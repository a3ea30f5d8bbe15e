package livequery

import "sync"

// LiveQuery holds the last-pushed result set for a standing query and
// diffs it against a fresh row set on demand. It never recomputes its
// result set itself, and it does not fan changes out to subscribers
// directly — the owning Collection/LiveQuery wrapper (package
// ntjsonstore) holds the subscriber list and the decoded Documents, since
// this package only ever sees the lightweight Row fingerprint. The
// owning collection calls NotifyChange to mark it dirty and supplies the
// freshly queried rows to PushChanges.
type LiveQuery struct {
	mu      sync.Mutex
	current []Row
	dirty   bool
}

// New returns a LiveQuery with an empty initial result set, dirty so the
// first PushChanges call recomputes it.
func New() *LiveQuery {
	return &LiveQuery{dirty: true}
}

// NotifyChange marks the query dirty without recomputing or pushing
// anything; it is called whenever a write lands in the underlying
// collection that might affect this query's matching rows.
func (lq *LiveQuery) NotifyChange() {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.dirty = true
}

// Dirty reports whether NotifyChange has fired since the last PushChanges.
func (lq *LiveQuery) Dirty() bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.dirty
}

// PushChanges diffs the supplied fresh rows against the last-pushed
// result set, updates the stored result set, and clears dirty. A no-op
// (dirty left false, nil changes) if the query was not dirty, unless
// force is set. The caller is responsible for delivering the returned
// changes to its own subscribers.
func (lq *LiveQuery) PushChanges(rows []Row, force bool) []Change {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if !lq.dirty && !force {
		return nil
	}
	old := lq.current
	changes := Diff(old, rows)
	lq.current = rows
	lq.dirty = false
	return changes
}

// Current returns a copy of the last-pushed result set.
func (lq *LiveQuery) Current() []Row {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	out := make([]Row, len(lq.current))
	copy(out, lq.current)
	return out
}
