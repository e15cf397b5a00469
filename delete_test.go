package crowdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdb/internal/base"
)

func TestDeleteRange(t *testing.T) {
	t.Parallel()

	e := setup(t)
	for i := 0; i < 10; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "x"))
	}

	require.NoError(t, e.DeleteRange(t.Context(), base.TreeInodes, pos(1, 3), pos(1, 7), 0, nil))

	for i := 0; i < 10; i++ {
		_, err := e.Lookup(base.TreeInodes, pos(1, uint64(i)))
		if i >= 3 && i < 7 {
			assert.ErrorIs(t, err, ErrKeyNotFound, "key %d should be deleted", i)
		} else {
			assert.NoError(t, err, "key %d should survive", i)
		}
	}
}

func TestDeleteRangeEmpty(t *testing.T) {
	t.Parallel()

	e := setup(t)
	require.NoError(t, e.DeleteRange(t.Context(), base.TreeInodes, pos(1, 0), pos(1, 100), 0, nil))
}

func TestDeleteRangeCancelled(t *testing.T) {
	t.Parallel()

	e := setup(t)
	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "kept"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.DeleteRange(ctx, base.TreeInodes, pos(1, 0), pos(1, 10), 0, nil)
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing was deleted before the first iteration.
	_, err = e.Lookup(base.TreeInodes, pos(1, 0))
	assert.NoError(t, err)
}

func TestDeleteRangeExtentDiscard(t *testing.T) {
	t.Parallel()

	e := setup(t)

	// An extent covering [0, 100) of inode 1.
	ext := &base.Key{Pos: pos(1, 100), Size: 100, Type: base.KeyValue}
	mustInsert(t, e, base.TreeExtents, ext)

	var seq uint64
	require.NoError(t, e.DeleteRange(t.Context(), base.TreeExtents, pos(1, 0), pos(1, 100), 1, &seq))
	assert.NotZero(t, seq)

	// The extent is fully covered, so the discard masks it.
	_, err := e.Lookup(base.TreeExtents, pos(1, 100))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteRangeExtentKeepsTail(t *testing.T) {
	t.Parallel()

	e := setup(t)

	// An extent covering [0, 100); delete only [0, 50). The default
	// range applier does not carve partial overlaps, so the extent
	// survives untouched.
	ext := &base.Key{Pos: pos(1, 100), Size: 100, Type: base.KeyValue}
	mustInsert(t, e, base.TreeExtents, ext)

	require.NoError(t, e.DeleteRange(t.Context(), base.TreeExtents, pos(1, 0), pos(1, 50), 1, nil))

	_, err := e.Lookup(base.TreeExtents, pos(1, 100))
	assert.NoError(t, err)
}

func TestInsertList(t *testing.T) {
	t.Parallel()

	e := setup(t)

	var list KeyList
	for i := 0; i < 5; i++ {
		require.NoError(t, list.Push(*valueKey(pos(1, uint64(i*10)), "batch")))
	}
	require.NoError(t, e.InsertList(base.TreeDirents, &list, nil, 0))
	assert.True(t, list.Empty())

	for i := 0; i < 5; i++ {
		_, err := e.Lookup(base.TreeDirents, pos(1, uint64(i*10)))
		assert.NoError(t, err)
	}
}

func TestKeyListRejectsOutOfOrder(t *testing.T) {
	t.Parallel()

	var list KeyList
	require.NoError(t, list.Push(*valueKey(pos(1, 10), "a")))
	err := list.Push(*valueKey(pos(1, 5), "b"))
	assert.ErrorIs(t, err, ErrEntryInvalid)
	assert.Equal(t, 1, list.Len())
}
