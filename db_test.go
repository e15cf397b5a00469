package crowdb

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdb/internal/base"
)

func TestOpenClose(t *testing.T) {
	t.Parallel()

	e, err := Open()
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrEngineClosed)
}

func TestLookupAfterClose(t *testing.T) {
	t.Parallel()

	e, err := Open()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Lookup(base.TreeInodes, pos(1, 0))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestReplayAfterReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal")

	e, err := Open(WithJournalPath(path))
	require.NoError(t, err)
	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "survives"))
	mustInsert(t, e, base.TreeDirents, valueKey(pos(1, 7), "also"))
	require.NoError(t, e.Close())

	// Nodes were never written back, so reopen rebuilds state from the
	// journal alone.
	e2, err := Open(WithJournalPath(path))
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Lookup(base.TreeInodes, pos(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), v)

	v, err = e2.Lookup(base.TreeDirents, pos(1, 7))
	require.NoError(t, err)
	assert.Equal(t, []byte("also"), v)
}

func TestReplayAppliesDeletes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal")

	e, err := Open(WithJournalPath(path))
	require.NoError(t, err)
	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "gone"))

	c, err := e.Cursor(base.TreeInodes, pos(1, 0))
	require.NoError(t, err)
	require.NoError(t, e.DeleteAt(c, 0))
	c.Close()
	require.NoError(t, e.Close())

	e2, err := Open(WithJournalPath(path))
	require.NoError(t, err)
	defer e2.Close()

	_, err = e2.Lookup(base.TreeInodes, pos(1, 0))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// countingWriter records node write-backs.
type countingWriter struct {
	mu     sync.Mutex
	writes int
	fail   bool
}

func (w *countingWriter) WriteNode(n *Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("device gone")
	}
	w.writes++
	return nil
}

func TestJournalReclaimFlushesNodes(t *testing.T) {
	t.Parallel()

	w := &countingWriter{}
	// A journal this small forces reclaim long before 100 inserts are
	// done.
	e := setup(t, WithJournalCapacity(2048), WithNodeWriter(w))

	for i := 0; i < 100; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "spill"))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Greater(t, w.writes, 0, "reclaim should have written nodes back")
}

func TestJournalTruncatedAfterWriteBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal")
	w := &countingWriter{}
	e := setup(t, WithJournalPath(path), WithNodeWriter(w))

	for i := 0; i < 10; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "spooled"))
	}
	require.Greater(t, e.journal.PinCount(), 0)

	// Once every pin is flushed the nodes carry the data and the log
	// file can shrink back to nothing.
	e.journal.FlushPins()
	assert.Zero(t, e.journal.PinCount())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestNodeWriteFailureKeepsPin(t *testing.T) {
	t.Parallel()

	w := &countingWriter{fail: true}
	e := setup(t, WithNodeWriter(w))

	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "pinned"))
	before := e.journal.PinCount()
	require.Greater(t, before, 0)

	// A failed write-back must not release the journal pin.
	e.journal.FlushPins()
	assert.Equal(t, before, e.journal.PinCount())
}

func TestScanLockBlocksConflictingRetry(t *testing.T) {
	t.Parallel()

	e := setup(t)

	// A scan in progress does not block plain commits, only writers
	// that explicitly defer to it.
	e.ScanLock()
	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "during-scan"))
	e.ScanUnlock()

	_, err := e.Lookup(base.TreeInodes, pos(1, 0))
	assert.NoError(t, err)
}
