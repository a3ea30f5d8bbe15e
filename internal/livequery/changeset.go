// Package livequery implements the row-level core of standing queries: it
// keeps the last-pushed result set, computes the ordered changes between
// two snapshots of its matching rows, and validates them. Subscriber
// fan-out is done by the ntjsonstore package, not here.
package livequery

import "sort"

// Kind identifies a single Change's operation.
type Kind int

const (
	Delete Kind = iota
	Update
	Move
	Insert
)

func (k Kind) String() string {
	switch k {
	case Delete:
		return "Delete"
	case Update:
		return "Update"
	case Move:
		return "Move"
	case Insert:
		return "Insert"
	default:
		return "Unknown"
	}
}

// Change describes one row transition between an old result set and a new
// one. OldIndex/NewIndex are -1 where not applicable (Insert has no
// OldIndex, Delete has no NewIndex).
type Change struct {
	Kind     Kind
	RowID    int64
	OldIndex int
	NewIndex int
}

// Row is the minimal shape a live query diffs: a stable row identifier plus
// an opaque content fingerprint used to detect in-place updates.
type Row struct {
	RowID       int64
	Fingerprint string
}

// Diff computes the ordered ChangeSet transitioning from old to new,
// matching rows by RowID. The result is ordered per the one true tie-break
// rule: deletes by increasing oldIndex, then updates by increasing
// newIndex, then moves by increasing newIndex, then inserts by increasing
// newIndex. This mirrors the order UITableView/UICollectionView batch
// updates require (deletes against the old indexing, everything else
// against the new indexing).
func Diff(old, new_ []Row) []Change {
	oldIndex := make(map[int64]int, len(old))
	for i, r := range old {
		oldIndex[r.RowID] = i
	}
	newIndex := make(map[int64]int, len(new_))
	for i, r := range new_ {
		newIndex[r.RowID] = i
	}
	oldByID := make(map[int64]Row, len(old))
	for _, r := range old {
		oldByID[r.RowID] = r
	}

	var deletes, updates, moves, inserts []Change

	for _, r := range old {
		if _, ok := newIndex[r.RowID]; !ok {
			deletes = append(deletes, Change{Kind: Delete, RowID: r.RowID, OldIndex: oldIndex[r.RowID], NewIndex: -1})
		}
	}

	for _, r := range new_ {
		oi, existed := oldIndex[r.RowID]
		ni := newIndex[r.RowID]
		if !existed {
			inserts = append(inserts, Change{Kind: Insert, RowID: r.RowID, OldIndex: -1, NewIndex: ni})
			continue
		}
		changedContent := oldByID[r.RowID].Fingerprint != r.Fingerprint
		changedPosition := oi != ni
		switch {
		case changedContent:
			// Move requires "same rowid and equal document"; any content
			// change disqualifies it from being a Move at all, even if
			// the position also differs. Covered by exactly one of
			// Update or Move, never both.
			updates = append(updates, Change{Kind: Update, RowID: r.RowID, OldIndex: oi, NewIndex: ni})
		case changedPosition:
			moves = append(moves, Change{Kind: Move, RowID: r.RowID, OldIndex: oi, NewIndex: ni})
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].OldIndex < deletes[j].OldIndex })
	sort.Slice(updates, func(i, j int) bool { return updates[i].NewIndex < updates[j].NewIndex })
	sort.Slice(moves, func(i, j int) bool { return moves[i].NewIndex < moves[j].NewIndex })
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].NewIndex < inserts[j].NewIndex })

	out := make([]Change, 0, len(deletes)+len(updates)+len(moves)+len(inserts))
	out = append(out, deletes...)
	out = append(out, updates...)
	out = append(out, moves...)
	out = append(out, inserts...)
	return out
}

// Validate reports whether applying changes to old (in order, using the
// classic delete-from-old-indices-then-insert-at-new-indices algorithm)
// reproduces exactly the RowID sequence of new_. Intended for tests: any
// ChangeSet produced by Diff must satisfy this law.
func Validate(old, new_ []Row, changes []Change) bool {
	ids := make([]int64, len(old))
	for i, r := range old {
		ids[i] = r.RowID
	}

	for _, c := range changes {
		if c.Kind != Delete {
			continue
		}
		if c.OldIndex < 0 || c.OldIndex >= len(ids) || ids[c.OldIndex] != c.RowID {
			return false
		}
		ids[c.OldIndex] = -1 // tombstone; compacted below
	}
	compacted := ids[:0]
	for _, id := range ids {
		if id != -1 {
			compacted = append(compacted, id)
		}
	}
	ids = compacted

	// Move and Update both carry a NewIndex and relocate an existing id
	// (Update's item may have moved too — §4.7 gives Update both an
	// oldIndex and a newIndex); apply by removing the id from its old
	// position then reinserting at NewIndex alongside inserts below, since
	// moves, updates, and inserts together target the final positional
	// layout.
	var withoutRepositioned []int64
	repositioned := map[int64]bool{}
	for _, c := range changes {
		if c.Kind == Move || c.Kind == Update {
			repositioned[c.RowID] = true
		}
	}
	for _, id := range ids {
		if !repositioned[id] {
			withoutRepositioned = append(withoutRepositioned, id)
		}
	}
	ids = withoutRepositioned

	type placement struct {
		index int
		rowid int64
	}
	var placements []placement
	for _, c := range changes {
		if c.Kind == Move || c.Kind == Update || c.Kind == Insert {
			placements = append(placements, placement{c.NewIndex, c.RowID})
		}
	}
	sort.Slice(placements, func(i, j int) bool { return placements[i].index < placements[j].index })

	for _, p := range placements {
		if p.index < 0 || p.index > len(ids) {
			return false
		}
		ids = append(ids, 0)
		copy(ids[p.index+1:], ids[p.index:])
		ids[p.index] = p.rowid
	}

	if len(ids) != len(new_) {
		return false
	}
	for i, r := range new_ {
		if ids[i] != r.RowID {
			return false
		}
	}
	return true
}
