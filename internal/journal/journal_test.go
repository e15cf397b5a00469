package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdb/internal/base"
)

func testKey(offset uint64, val string) base.Key {
	return base.Key{
		Pos:   base.Pos{Inode: 1, Offset: offset},
		Type:  base.KeyValue,
		Value: []byte(val),
	}
}

// openMem returns an in-memory journal with a 1KB budget.
func openMem(t *testing.T) *Journal {
	t.Helper()
	j, err := Open("", 1024, SyncOff, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestReserveRelease(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	res, err := j.Reserve(1, 100, false)
	require.NoError(t, err)
	assert.True(t, res.Active())
	assert.Greater(t, res.Seq, uint64(1))

	j.Release(res)
	assert.False(t, res.Active())

	// Released space is available again.
	res2, err := j.Reserve(1, 800, false)
	require.NoError(t, err)
	j.Release(res2)
}

func TestReserveFull(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	// The last tenth of capacity is held back for emergencies.
	_, err := j.Reserve(1, 1000, false)
	assert.ErrorIs(t, err, ErrFull)

	res, err := j.Reserve(1, 1000, true)
	require.NoError(t, err)
	j.Release(res)
}

func TestReserveCoversPerRecordFraming(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	keys := []base.Key{testKey(1, "a"), testKey(2, "b"), testKey(3, "c")}
	n := 0
	for i := range keys {
		n += keys[i].EncodedSize()
	}

	res, err := j.Reserve(len(keys), n, false)
	require.NoError(t, err)
	for i := range keys {
		require.NoError(t, j.Append(res, base.TreeInodes, &keys[i]))
	}

	// Every record's framing was pre-paid: nothing left over, nothing
	// borrowed from future reservations.
	assert.Equal(t, 0, res.remaining)
	assert.Equal(t, 0, j.reservedBytes)
	j.Release(res)
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	res, err := j.Reserve(1, 100, false)
	require.NoError(t, err)

	j.Release(res)
	j.Release(res)
	j.Release(nil)

	res2, err := j.Reserve(1, 900, true)
	require.NoError(t, err)
	j.Release(res2)
}

func TestAppendReplay(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	res, err := j.Reserve(2, 200, false)
	require.NoError(t, err)

	k1 := testKey(10, "hello")
	k2 := testKey(20, "world")
	require.NoError(t, j.Append(res, base.TreeInodes, &k1))
	require.NoError(t, j.Append(res, base.TreeDirents, &k2))
	j.Release(res)

	var trees []base.TreeID
	var keys []base.Key
	require.NoError(t, j.Replay(func(tree base.TreeID, k base.Key) error {
		trees = append(trees, tree)
		keys = append(keys, k)
		return nil
	}))

	require.Len(t, keys, 2)
	assert.Equal(t, base.TreeInodes, trees[0])
	assert.Equal(t, []byte("hello"), keys[0].Value)
	assert.Equal(t, base.TreeDirents, trees[1])
	assert.Equal(t, base.Pos{Inode: 1, Offset: 20}, keys[1].Pos)
}

func TestReplayStopsAtCorruption(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	res, err := j.Reserve(2, 200, false)
	require.NoError(t, err)
	k1 := testKey(10, "first")
	k2 := testKey(20, "second")
	require.NoError(t, j.Append(res, base.TreeInodes, &k1))
	require.NoError(t, j.Append(res, base.TreeInodes, &k2))
	j.Release(res)

	// Flip a value byte in the second record.
	j.mem[len(j.mem)-1] ^= 0xff

	var keys []base.Key
	require.NoError(t, j.Replay(func(tree base.TreeID, k base.Key) error {
		keys = append(keys, k)
		return nil
	}))

	// Everything before the damage is still applied.
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("first"), keys[0].Value)
}

func TestReplayFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal")

	j, err := Open(path, 1024, SyncEveryCommit, 0)
	require.NoError(t, err)

	res, err := j.Reserve(1, 100, false)
	require.NoError(t, err)
	k := testKey(5, "durable")
	require.NoError(t, j.Append(res, base.TreeXattrs, &k))
	j.Release(res)
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())

	// Reopen and replay what survived.
	j2, err := Open(path, 1024, SyncEveryCommit, 0)
	require.NoError(t, err)
	defer j2.Close()

	var keys []base.Key
	require.NoError(t, j2.Replay(func(tree base.TreeID, k base.Key) error {
		assert.Equal(t, base.TreeXattrs, tree)
		keys = append(keys, k)
		return nil
	}))
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("durable"), keys[0].Value)
}

func TestPinsHoldSpace(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	res, err := j.Reserve(1, 700, false)
	require.NoError(t, err)
	k := testKey(10, string(make([]byte, 600)))
	require.NoError(t, j.Append(res, base.TreeInodes, &k))
	seq := res.Seq
	j.Release(res)

	pin := j.AddPin(seq, nil)
	assert.Equal(t, 1, j.PinCount())

	// The appended bytes are still accounted while the pin lives.
	_, err = j.Reserve(1, 700, false)
	assert.ErrorIs(t, err, ErrFull)

	j.ReleasePin(pin)
	assert.Equal(t, 0, j.PinCount())

	res2, err := j.Reserve(1, 700, false)
	require.NoError(t, err)
	j.Release(res2)
}

func TestCompactTruncatesIdleLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal")
	j, err := Open(path, 1024, SyncOff, 0)
	require.NoError(t, err)
	defer j.Close()

	res, err := j.Reserve(1, 100, false)
	require.NoError(t, err)
	k := testKey(7, "flushed")
	require.NoError(t, j.Append(res, base.TreeInodes, &k))
	seq := res.Seq
	j.Release(res)
	pin := j.AddPin(seq, nil)

	// Pinned history survives compaction attempts.
	require.NoError(t, j.Compact())
	count := 0
	require.NoError(t, j.Replay(func(base.TreeID, base.Key) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)

	j.ReleasePin(pin)
	require.NoError(t, j.Compact())

	count = 0
	require.NoError(t, j.Replay(func(base.TreeID, base.Key) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
	assert.Zero(t, j.offset)
}

func TestFlushPinsInvokesCallbacks(t *testing.T) {
	t.Parallel()

	j := openMem(t)

	var flushed []*Pin
	var p1, p2 *Pin
	p1 = j.AddPin(2, func() { flushed = append(flushed, p1); j.ReleasePin(p1) })
	p2 = j.AddPin(3, func() { flushed = append(flushed, p2); j.ReleasePin(p2) })

	j.FlushPins()

	assert.Len(t, flushed, 2)
	assert.Equal(t, 0, j.PinCount())
}
