package crowdb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdb/internal/base"
)

func TestSplitPreservesKeys(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))

	const keys = 50
	for i := 0; i < keys; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), fmt.Sprintf("value-%02d", i)))
	}

	require.Greater(t, e.tree(base.TreeInodes).index.Len(), 1, "expected at least one split")

	for i := 0; i < keys; i++ {
		v, err := e.Lookup(base.TreeInodes, pos(1, uint64(i)))
		require.NoError(t, err, "key %d lost across split", i)
		assert.Equal(t, []byte(fmt.Sprintf("value-%02d", i)), v)
	}
}

func TestSplitBoundsArePartition(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))
	for i := 0; i < 50; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "partition"))
	}

	t1 := e.tree(base.TreeInodes)
	t1.mu.RLock()
	defer t1.mu.RUnlock()

	// Walking the index in order, leaf ranges must tile [MinPos, MaxPos]
	// with no gaps and no overlap.
	want := base.MinPos
	last := base.Pos{}
	t1.index.Ascend(func(n *Node) bool {
		assert.Equal(t, want, n.minKey)
		want = n.maxKey.Next()
		last = n.maxKey
		return true
	})
	assert.Equal(t, base.MaxPos, last)
}

func TestSplitRetiresOldLeaf(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))

	first := e.tree(base.TreeInodes).leafFor(pos(1, 0))
	for i := 0; i < 50; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "retiree"))
	}

	assert.True(t, first.retired.Load())
	_, cached := e.retired.Get(uint64(first.id))
	assert.True(t, cached)
}

func TestMaxNodesLimit(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(256), WithMaxNodes(int(base.NumTrees)))

	var err error
	for i := 0; i < 200 && err == nil; i++ {
		err = e.Insert(base.TreeInodes, valueKey(pos(1, uint64(i)), "overflow"), nil, 0)
	}
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestMergeAfterRangeDelete(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))

	for i := 0; i < 60; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "temporary"))
	}
	tr := e.tree(base.TreeInodes)
	grown := tr.index.Len()
	require.Greater(t, grown, 1)

	require.NoError(t, e.DeleteRange(t.Context(), base.TreeInodes, pos(1, 0), pos(1, 60), 0, nil))

	for i := 0; i < 60; i++ {
		_, err := e.Lookup(base.TreeInodes, pos(1, uint64(i)))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}

	// Emptied leaves folded back together.
	assert.Less(t, tr.index.Len(), grown)
}

func TestSplitOnRetiredLeafMarksCursor(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))

	c, err := e.Cursor(base.TreeInodes, pos(1, 0))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.traverse())
	old := c.node

	// Split the leaf out from under the cursor.
	for i := 0; i < 50; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "churner"))
	}
	require.True(t, old.retired.Load())
	require.Same(t, old, c.node)

	// A writer that read the occupancy just before the replacement can
	// still ask for a split of the retired leaf. That must not be a
	// silent no-op: the cursor has to be sent back to the index.
	c.setState(cursorUpToDate)
	require.NoError(t, e.split.Split(c))
	assert.Equal(t, cursorNeedTraverse, c.getState())

	// The next read lands on a live replacement.
	k, ok, err := c.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(1, 0), k.Pos)
	assert.False(t, c.node.retired.Load())
}

func TestConcurrentWritersAcrossSplits(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p := pos(uint64(w+1), uint64(i))
				k := valueKey(p, fmt.Sprintf("w%d-i%d", w, i))
				if err := e.Insert(base.TreeInodes, k, nil, 0); err != nil {
					t.Errorf("insert %v: %v", p, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Greater(t, e.tree(base.TreeInodes).index.Len(), 1, "expected splits under load")

	// Every successful insert is visible afterwards, even when its leaf
	// was replaced mid-flight.
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			v, err := e.Lookup(base.TreeInodes, pos(uint64(w+1), uint64(i)))
			require.NoError(t, err, "w%d i%d lost", w, i)
			assert.Equal(t, []byte(fmt.Sprintf("w%d-i%d", w, i)), v)
		}
	}
}

func TestSplitUnderConcurrentReaders(t *testing.T) {
	t.Parallel()

	e := setup(t, WithNodeSize(512))
	mustInsert(t, e, base.TreeInodes, valueKey(pos(1, 0), "anchor"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := e.Lookup(base.TreeInodes, pos(1, 0)); err != nil {
				t.Errorf("lookup during split: %v", err)
				return
			}
		}
	}()

	for i := 1; i < 80; i++ {
		mustInsert(t, e, base.TreeInodes, valueKey(pos(1, uint64(i)), "churn"))
	}
	close(stop)
	wg.Wait()
}
