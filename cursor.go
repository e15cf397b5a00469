package crowdb

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"crowdb/internal/base"
)

// Tree is one btree: an ordered index of its leaf nodes.
type Tree struct {
	id      base.TreeID
	extents bool

	mu    sync.RWMutex
	index *btree.BTreeG[*Node]
}

func newTree(id base.TreeID, extents bool) *Tree {
	return &Tree{
		id:      id,
		extents: extents,
		index: btree.NewG[*Node](8, func(a, b *Node) bool {
			return a.maxKey.Cmp(b.maxKey) < 0
		}),
	}
}

// leafFor returns the leaf whose key range covers pos.
func (t *Tree) leafFor(pos base.Pos) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var found *Node
	pivot := &Node{maxKey: pos}
	t.index.AscendGreaterOrEqual(pivot, func(n *Node) bool {
		found = n
		return false
	})
	return found
}

// replaceLeaves swaps old nodes for new ones in the index, retiring the
// old ones. Used by the split/merge service.
func (t *Tree) replaceLeaves(old, new []*Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range old {
		t.index.Delete(n)
		n.retired.Store(true)
	}
	for _, n := range new {
		t.index.ReplaceOrInsert(n)
	}
}

type cursorState uint32

const (
	// cursorNeedTraverse means the cursor must re-walk from the tree
	// index before use. The zero value, so fresh cursors start here.
	cursorNeedTraverse cursorState = iota

	// cursorNeedPeek means the node is still valid but the iterator
	// must re-derive its position before the next read.
	cursorNeedPeek

	// cursorUpToDate means the cursor's node and iterator position are
	// both valid.
	cursorUpToDate
)

// Cursor tracks a logical position inside one tree, pinned to whichever
// leaf currently covers it.
//
// state and atEndOfLeaf are demoted by other goroutines under the
// node's write lock when a run edit or a split moves the ground under
// the cursor. The owner promotes state to cursorUpToDate only while
// holding the node lock, so a concurrent demotion is never overwritten.
type Cursor struct {
	eng  *Engine
	tree *Tree
	pos  base.Pos

	node *Node
	iter *nodeIter

	state       atomic.Uint32 // cursorState
	hasIntent   bool
	atEndOfLeaf atomic.Bool
}

func (c *Cursor) getState() cursorState  { return cursorState(c.state.Load()) }
func (c *Cursor) setState(s cursorState) { c.state.Store(uint32(s)) }

// Cursor returns a new cursor over tree positioned at pos. The cursor
// must be Closed when no longer needed.
func (e *Engine) Cursor(tree base.TreeID, pos base.Pos) (*Cursor, error) {
	t := e.tree(tree)
	if t == nil {
		return nil, ErrEntryInvalid
	}
	return &Cursor{
		eng:  e,
		tree: t,
		pos:  pos,
	}, nil
}

// Pos returns the cursor's current logical position.
func (c *Cursor) Pos() base.Pos { return c.pos }

// SetPos moves the cursor. Staying inside the current leaf keeps the
// leaf and its locks; leaving it forces a re-traverse.
func (c *Cursor) SetPos(pos base.Pos) {
	c.pos = pos
	if c.node == nil || !c.node.contains(pos) {
		c.setState(cursorNeedTraverse)
		return
	}
	if c.getState() == cursorUpToDate {
		c.setState(cursorNeedPeek)
	}
}

// traverse re-walks the tree index to the leaf covering the cursor's
// position and repositions the node iterator there. The retirement flag
// is only trustworthy under the node's lock: a split can retire the
// leaf between the index walk and the attach, and it would not see our
// iterator to invalidate it.
func (c *Cursor) traverse() error {
	for {
		n := c.tree.leafFor(c.pos)
		if n == nil {
			return ErrCorruption
		}
		if n != c.node {
			c.detach()
			n.mu.Lock()
			if n.retired.Load() {
				// Lost a race with a split or merge; the index has the
				// replacement already.
				n.mu.Unlock()
				continue
			}
			c.node = n
			c.iter = &nodeIter{node: n, cur: c}
			n.attachIter(c.iter)
			c.iter.seek(c.pos)
			c.atEndOfLeaf.Store(false)
			c.setState(cursorUpToDate)
			n.mu.Unlock()
			return nil
		}
		c.node.mu.Lock()
		if c.node.retired.Load() {
			c.node.mu.Unlock()
			c.detach()
			continue
		}
		c.iter.seek(c.pos)
		c.atEndOfLeaf.Store(false)
		c.setState(cursorUpToDate)
		c.node.mu.Unlock()
		return nil
	}
}

// revalidate brings the cursor up to date for commit: re-traverses if
// required, or just re-seeks the iterator in place.
func (c *Cursor) revalidate() error {
	switch c.getState() {
	case cursorNeedTraverse:
		return c.traverse()
	case cursorNeedPeek:
		c.node.mu.RLock()
		if c.node.retired.Load() {
			c.node.mu.RUnlock()
			return c.traverse()
		}
		c.iter.seek(c.pos)
		c.setState(cursorUpToDate)
		c.node.mu.RUnlock()
	}
	return nil
}

// upgrade takes the node's intent hold without blocking. Failure means
// another prospective writer got there first; the transaction restarts.
func (c *Cursor) upgrade() bool {
	if c.hasIntent {
		return true
	}
	if c.node == nil {
		return false
	}
	if !c.node.intent.TryLock() {
		return false
	}
	c.hasIntent = true
	return true
}

// dropIntent releases the intent hold if taken.
func (c *Cursor) dropIntent() {
	if c.hasIntent {
		c.node.intent.Unlock()
		c.hasIntent = false
	}
}

// Peek returns the first live key at or after the cursor's position,
// advancing across leaves as needed. Returns false when the tree is
// exhausted.
func (c *Cursor) Peek() (base.Key, bool, error) {
	for {
		if c.getState() != cursorUpToDate {
			if err := c.revalidate(); err != nil {
				return base.Key{}, false, err
			}
		}

		c.node.mu.RLock()
		if c.node.retired.Load() {
			c.node.mu.RUnlock()
			c.setState(cursorNeedTraverse)
			continue
		}
		c.iter.seek(c.pos)
		k, ok := c.iter.peek()
		if ok {
			// Copy out: the run buffer may be mutated after unlock.
			v := make([]byte, len(k.Value))
			copy(v, k.Value)
			k.Value = v
		}
		last := c.node.maxKey
		c.node.mu.RUnlock()

		if ok {
			if k.Pos.Cmp(c.pos) > 0 {
				c.pos = k.Pos
			}
			return k, true, nil
		}
		if last.Cmp(base.MaxPos) == 0 {
			return base.Key{}, false, nil
		}
		c.SetPos(last.Next())
		c.setState(cursorNeedTraverse)
	}
}

// detach unhooks the cursor from its current node.
func (c *Cursor) detach() {
	if c.node == nil {
		return
	}
	c.dropIntent()
	c.node.mu.Lock()
	c.node.detachIter(c.iter)
	c.node.mu.Unlock()
	c.node = nil
	c.iter = nil
}

// Close releases the cursor's holds.
func (c *Cursor) Close() {
	c.detach()
	c.setState(cursorNeedTraverse)
}
