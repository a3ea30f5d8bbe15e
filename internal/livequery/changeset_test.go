package livequery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rows(ids ...int64) []Row {
	out := make([]Row, len(ids))
	for i, id := range ids {
		out[i] = Row{RowID: id, Fingerprint: "f"}
	}
	return out
}

func TestDiffInsertsOnly(t *testing.T) {
	changes := Diff(nil, rows(1, 2))
	assert.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, Insert, c.Kind)
	}
	assert.True(t, Validate(nil, rows(1, 2), changes))
}

func TestDiffDeletesOnly(t *testing.T) {
	old := rows(1, 2)
	changes := Diff(old, nil)
	assert.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, Delete, c.Kind)
	}
	assert.True(t, Validate(old, nil, changes))
}

func TestDiffDetectsMoveWithoutContentChange(t *testing.T) {
	old := rows(1, 2)
	new_ := rows(2, 1)
	changes := Diff(old, new_)
	assert.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, Move, c.Kind)
	}
	assert.True(t, Validate(old, new_, changes))
}

func TestDiffDetectsUpdateInPlace(t *testing.T) {
	old := []Row{{RowID: 1, Fingerprint: "a"}}
	new_ := []Row{{RowID: 1, Fingerprint: "b"}}
	changes := Diff(old, new_)
	assert.Len(t, changes, 1)
	assert.Equal(t, Update, changes[0].Kind)
	assert.True(t, Validate(old, new_, changes))
}

func TestDiffReportsContentAndPositionChangeAsUpdateOnly(t *testing.T) {
	// Row 1 both changes content and moves position (index 0 -> 1). Per
	// spec.md §4.7, Move requires "same rowid and equal document": a
	// content change disqualifies it from being a Move, so it must be
	// reported as Update only, never both.
	old := []Row{{RowID: 1, Fingerprint: "a"}, {RowID: 2, Fingerprint: "x"}}
	new_ := []Row{{RowID: 2, Fingerprint: "x"}, {RowID: 1, Fingerprint: "b"}}
	changes := Diff(old, new_)

	var kinds []Kind
	for _, c := range changes {
		if c.RowID == 1 {
			kinds = append(kinds, c.Kind)
		}
	}
	assert.Equal(t, []Kind{Update}, kinds)
	assert.True(t, Validate(old, new_, changes))
}

func TestDiffOrdering(t *testing.T) {
	// old: 1,2,3 ; new: 3,2,4 -> delete(1), move(3), insert(4)
	old := rows(1, 2, 3)
	new_ := rows(3, 2, 4)
	changes := Diff(old, new_)
	assertKindOrder(t, changes, []Kind{Delete, Move, Insert})
	assert.True(t, Validate(old, new_, changes))
}

func assertKindOrder(t *testing.T, changes []Change, want []Kind) {
	t.Helper()
	got := make([]Kind, len(changes))
	for i, c := range changes {
		got[i] = c.Kind
	}
	assert.Equal(t, want, got)
}

func TestEveryCommonRowIDIsEitherUpdateOrMoveNeverBoth(t *testing.T) {
	old := rows(1, 2, 3)
	new_ := []Row{{RowID: 3, Fingerprint: "f"}, {RowID: 2, Fingerprint: "changed"}, {RowID: 1, Fingerprint: "f"}}
	changes := Diff(old, new_)

	kindsByRowID := map[int64][]Kind{}
	for _, c := range changes {
		if c.Kind == Update || c.Kind == Move {
			kindsByRowID[c.RowID] = append(kindsByRowID[c.RowID], c.Kind)
		}
	}
	// rowid 2 changed content only (no position change: index 1 -> index 1)
	assert.Equal(t, []Kind{Update}, kindsByRowID[2])
	// rowid 1 and 3 moved without content change
	assert.Equal(t, []Kind{Move}, kindsByRowID[1])
	assert.Equal(t, []Kind{Move}, kindsByRowID[3])
}

func TestLiveQueryPushChangesOnlyWhenDirty(t *testing.T) {
	lq := New()
	assert.True(t, lq.Dirty())

	first := lq.PushChanges(rows(1), false)
	assert.Len(t, first, 1)
	assert.False(t, lq.Dirty())

	// Not dirty: a second call with different rows must be a no-op.
	again := lq.PushChanges(rows(1, 2), false)
	assert.Nil(t, again)
	assert.Equal(t, rows(1), lq.Current())

	lq.NotifyChange()
	third := lq.PushChanges(rows(1, 2), false)
	assert.Len(t, third, 1)
	assert.Equal(t, Insert, third[0].Kind)
}
