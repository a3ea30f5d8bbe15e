package ntjsonstore

import (
	"context"
	"sync"

	"ntjsonstore/internal/codec"
	"ntjsonstore/internal/livequery"
)

// ChangeKind identifies a single Change's operation, mapping 1:1 to the
// original library's NTJsonChangeSetAction enum ordering.
type ChangeKind int

const (
	ChangeDelete ChangeKind = ChangeKind(livequery.Delete)
	ChangeUpdate ChangeKind = ChangeKind(livequery.Update)
	ChangeMove   ChangeKind = ChangeKind(livequery.Move)
	ChangeInsert ChangeKind = ChangeKind(livequery.Insert)
)

func (k ChangeKind) String() string { return livequery.Kind(k).String() }

// Change describes one row transition between a LiveQuery's previous
// result set and its current one.
type Change struct {
	Kind     ChangeKind
	OldIndex int
	NewIndex int
	Item     Document
}

// ChangeSet is delivered to every LiveQuery subscriber on each publish:
// the previous ordered result, the new ordered result, and the ordered
// sequence of changes reconciling them.
type ChangeSet struct {
	OldItems []Document
	Items    []Document
	Changes  []Change
}

// Validate reports whether applying cs.Changes to cs.OldItems (deleting by
// oldIndex, then updating/moving/inserting by newIndex, in that order)
// reproduces cs.Items exactly. Every ChangeSet this package produces
// satisfies this law; it is exposed for tests and for callers that accept
// ChangeSets from elsewhere and want to check them before applying.
func (cs ChangeSet) Validate() bool {
	old := make([]livequery.Row, len(cs.OldItems))
	for i, d := range cs.OldItems {
		rowid, _ := rowIDOf(d)
		old[i] = livequery.Row{RowID: rowid}
	}
	want := make([]livequery.Row, len(cs.Items))
	for i, d := range cs.Items {
		rowid, _ := rowIDOf(d)
		want[i] = livequery.Row{RowID: rowid}
	}
	changes := make([]livequery.Change, len(cs.Changes))
	for i, c := range cs.Changes {
		rowid, _ := rowIDOf(c.Item)
		changes[i] = livequery.Change{Kind: livequery.Kind(c.Kind), RowID: rowid, OldIndex: c.OldIndex, NewIndex: c.NewIndex}
	}
	return livequery.Validate(old, want, changes)
}

// Subscriber receives ChangeSets for a LiveQuery.
type Subscriber func(ChangeSet)

// LiveQuery is a standing query over one collection: (where, args,
// orderBy, limit). It holds the last-published ordered result, a dirty
// flag, and a subscriber list; PushChanges (on the owning Collection)
// re-executes the query, computes a ChangeSet against the previous
// result, and delivers it to every subscriber.
type LiveQuery struct {
	collection *Collection
	where      string
	args       []any
	orderBy    string
	limit      int

	inner *livequery.LiveQuery

	mu          sync.Mutex
	lastDocs    []Document
	subscribers []Subscriber
	closed      bool
}

func newLiveQuery(c *Collection, where string, args []any, orderBy string, limit int) *LiveQuery {
	return &LiveQuery{
		collection: c,
		where:      where,
		args:       args,
		orderBy:    orderBy,
		limit:      limit,
		inner:      livequery.New(),
	}
}

// AddSubscriber registers fn. If a prior result has already been
// published (a previous PushChanges delivered a non-empty result), fn is
// immediately invoked with a ChangeSet whose OldItems is empty and whose
// Changes are all inserts — so a new subscriber never special-cases
// "did I miss the initial load".
func (lq *LiveQuery) AddSubscriber(fn Subscriber) {
	lq.mu.Lock()
	current := append([]Document(nil), lq.lastDocs...)
	lq.subscribers = append(lq.subscribers, fn)
	lq.mu.Unlock()

	if len(current) == 0 {
		return
	}
	changes := make([]Change, len(current))
	for i, d := range current {
		changes[i] = Change{Kind: ChangeInsert, OldIndex: -1, NewIndex: i, Item: d}
	}
	fn(ChangeSet{Items: current, Changes: changes})
}

// notifyChange marks the query dirty, called by the owning Collection on
// every data mutation; the Collection decides when to publish via
// PushChanges.
func (lq *LiveQuery) notifyChange() { lq.inner.NotifyChange() }

func (lq *LiveQuery) markClosed() {
	lq.mu.Lock()
	lq.closed = true
	lq.mu.Unlock()
}

// Close unregisters this live query; further mutations on the owning
// collection no longer mark it dirty.
func (lq *LiveQuery) Close() {
	lq.markClosed()
	lq.collection.mu.Lock()
	defer lq.collection.mu.Unlock()
	kept := lq.collection.liveQueries[:0]
	for _, other := range lq.collection.liveQueries {
		if other != lq {
			kept = append(kept, other)
		}
	}
	lq.collection.liveQueries = kept
}

// Current returns a copy of the last-published ordered result.
func (lq *LiveQuery) Current() []Document {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return append([]Document(nil), lq.lastDocs...)
}

// refresh re-executes the query (if dirty), diffs the result against the
// previous publish, updates state, and fans the ChangeSet out to
// subscribers. No-op if not dirty. Must run on the owning collection's
// queue (PushChanges dispatches there; reentrant DispatchSync makes this
// safe to call from inside an already-queued task).
func (lq *LiveQuery) refresh(ctx context.Context) error {
	lq.mu.Lock()
	closed := lq.closed
	lq.mu.Unlock()
	if closed || !lq.inner.Dirty() {
		return nil
	}

	docs, err := lq.collection.findWhereLimitCore(ctx, lq.where, lq.args, lq.orderBy, lq.limit)
	if err != nil {
		return err
	}

	rows := make([]livequery.Row, len(docs))
	newByID := make(map[int64]Document, len(docs))
	for i, d := range docs {
		rowid, _ := rowIDOf(d)
		fp, _ := codec.Encode(d)
		rows[i] = livequery.Row{RowID: rowid, Fingerprint: string(fp)}
		newByID[rowid] = d
	}

	lq.mu.Lock()
	oldDocs := lq.lastDocs
	lq.mu.Unlock()
	oldByID := make(map[int64]Document, len(oldDocs))
	for _, d := range oldDocs {
		if rowid, ok := rowIDOf(d); ok {
			oldByID[rowid] = d
		}
	}

	rawChanges := lq.inner.PushChanges(rows, false)

	lq.mu.Lock()
	lq.lastDocs = docs
	subs := append([]Subscriber(nil), lq.subscribers...)
	lq.mu.Unlock()

	if rawChanges == nil {
		return nil
	}

	changes := make([]Change, len(rawChanges))
	for i, rc := range rawChanges {
		item := newByID[rc.RowID]
		if rc.Kind == livequery.Delete {
			item = oldByID[rc.RowID]
		}
		changes[i] = Change{Kind: ChangeKind(rc.Kind), OldIndex: rc.OldIndex, NewIndex: rc.NewIndex, Item: item}
	}

	cs := ChangeSet{OldItems: oldDocs, Items: docs, Changes: changes}
	for _, sub := range subs {
		sub(cs)
	}
	return nil
}
