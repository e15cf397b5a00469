package crowdb

import (
	"sync"
	"sync/atomic"

	"crowdb/internal/base"
	"crowdb/internal/bset"
	"crowdb/internal/journal"
)

// NodeID identifies an in-memory btree leaf node.
type NodeID uint64

// maxRuns bounds a node's run list. Reaching the bound triggers a
// post-write rebuild that folds fully-written runs into a fresh open
// one.
const maxRuns = 3

// sibUnknown marks a sibling occupancy hint as not yet sampled.
const sibUnknown = -1

type occupancy struct {
	// TotalBytes is the encoded size of every record in every run,
	// tombstones included.
	TotalBytes int

	// LiveBytes excludes tombstones and discard markers.
	LiveBytes int
}

// nodeWrite is one of a node's two write buffers. The journal pin ties
// the buffer's uncommitted mutations to a log sequence until the node's
// own write-back makes them redundant.
type nodeWrite struct {
	pin *journal.Pin
}

// Node is a btree leaf: a bounded list of packed key runs, of which
// only the newest may be open, plus occupancy accounting and locks.
//
// Locking: intent is the shared prospective-writer hold a cursor takes
// before committing; mu is the write lock. Run mutation requires mu
// held exclusively. Read traversal takes mu shared.
type Node struct {
	id   NodeID
	tree base.TreeID

	// Key-range bounds, inclusive on both ends.
	minKey base.Pos
	maxKey base.Pos

	intent sync.Mutex
	mu     sync.RWMutex

	runs []*bset.Run

	nr       occupancy
	sibBytes [2]int // live-byte hints for [prev, next] siblings

	writeIdx int
	writes   [2]nodeWrite
	dirty    atomic.Bool
	retired  atomic.Bool // replaced by a split or merge

	iters []*nodeIter
}

func newNode(tree base.TreeID, id NodeID, min, max base.Pos) *Node {
	n := &Node{
		id:     id,
		tree:   tree,
		minKey: min,
		maxKey: max,
		runs:   []*bset.Run{bset.New(256)},
	}
	n.sibBytes[0] = sibUnknown
	n.sibBytes[1] = sibUnknown
	return n
}

// openRun returns the newest run. It may be closed; callers that intend
// to mutate must go through lockForInsert first.
func (n *Node) openRun() *bset.Run {
	return n.runs[len(n.runs)-1]
}

// contains reports whether pos falls within the node's key range.
func (n *Node) contains(pos base.Pos) bool {
	return pos.Cmp(n.minKey) >= 0 && pos.Cmp(n.maxKey) <= 0
}

// freeBytes returns the remaining capacity under the node byte budget.
// Only trustworthy under the write lock: with just an intent hold a
// concurrent writer can still close the open run underneath us.
func (n *Node) freeBytes(nodeSize int) int {
	return nodeSize - n.nr.TotalBytes
}

// lockForInsert takes the write lock and makes sure there is an open
// run to insert into, starting a new one if the last was closed by
// write-back or has grown past half the node budget.
func (n *Node) lockForInsert(nodeSize int) {
	n.mu.Lock()

	last := n.openRun()
	if last.Closed() || last.Bytes() > nodeSize/2 {
		n.startNewRun()
	}
}

// startNewRun appends a fresh open run, folding old fully-written runs
// together first if the list is at its bound. Caller holds the write
// lock.
func (n *Node) startNewRun() {
	if !n.openRun().Closed() {
		n.openRun().Close()
	}
	if len(n.runs) >= maxRuns {
		n.rebuildRuns()
	}
	n.runs = append(n.runs, bset.New(256))
}

// rebuildRuns merges every run into a single open run holding the
// newest version of each position. Tombstones that still shadow durable
// state are carried over; the rest are dropped. Invalidates every
// active iterator on the node. Caller holds the write lock.
func (n *Node) rebuildRuns() {
	merged := bset.New(n.nr.LiveBytes)
	it := newNodeIter(n, n.minKey)
	total, live := 0, 0
	for {
		ref, ok := it.peekAll()
		if !ok {
			break
		}
		k := ref.run.KeyAt(ref.idx)
		it.advancePast(k.Pos)
		if k.Deleted() && !k.NeedsWhiteout {
			continue
		}
		merged.InsertAt(merged.Count(), &k)
		total += k.EncodedSize()
		if !k.Deleted() {
			live += k.EncodedSize()
		}
	}
	merged.Close()
	n.runs = []*bset.Run{merged}
	n.nr.TotalBytes = total
	n.nr.LiveBytes = live
	n.invalidateIters()
}

// ID returns the node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Tree returns the id of the btree the node belongs to.
func (n *Node) Tree() base.TreeID { return n.tree }

// Bounds returns the node's inclusive key range.
func (n *Node) Bounds() (min, max base.Pos) { return n.minKey, n.maxKey }

// Records returns the node's records merged across runs, newest version
// of each position, in key order. Tombstones that still shadow durable
// state are included. Caller holds at least a read lock.
func (n *Node) Records() []base.Key {
	var out []base.Key
	it := newNodeIter(n, n.minKey)
	for {
		ref, ok := it.peekAll()
		if !ok {
			return out
		}
		k := ref.run.KeyAt(ref.idx)
		it.advancePast(k.Pos)
		if k.Deleted() && !k.NeedsWhiteout {
			continue
		}
		out = append(out, k)
	}
}

// currentWrite returns the write buffer covering the open run.
func (n *Node) currentWrite() *nodeWrite {
	return &n.writes[n.writeIdx]
}

// compactWhiteouts drops tombstones with no whiteout obligation from
// the open run. Returns true if anything was removed. Caller holds the
// write lock.
func (n *Node) compactWhiteouts() bool {
	open := n.openRun()
	if open.Closed() {
		return false
	}
	dropped := false
	for i := open.Count() - 1; i >= 0; i-- {
		if open.DeletedAt(i) && !open.NeedsWhiteoutAt(i) {
			w := open.WidthAt(i)
			open.RemoveAt(i)
			n.fixIters(open, i, fixRemove)
			n.nr.TotalBytes -= w
			dropped = true
		}
	}
	return dropped
}

// lookup returns the newest live value at exactly pos, or false if the
// position is absent or deleted. Caller holds at least a read lock.
func (n *Node) lookup(pos base.Pos) ([]byte, bool) {
	for i := len(n.runs) - 1; i >= 0; i-- {
		run := n.runs[i]
		if idx, found := run.Find(pos); found {
			if run.DeletedAt(idx) {
				return nil, false
			}
			k := run.KeyAt(idx)
			val := make([]byte, len(k.Value))
			copy(val, k.Value)
			return val, true
		}
	}
	return nil, false
}

// attachIter registers an iterator for fix-up on run mutation. Caller
// holds the write lock or has exclusive access to the node.
func (n *Node) attachIter(it *nodeIter) {
	n.iters = append(n.iters, it)
}

func (n *Node) detachIter(it *nodeIter) {
	for i, o := range n.iters {
		if o == it {
			n.iters = append(n.iters[:i], n.iters[i+1:]...)
			return
		}
	}
}

type fixKind uint8

const (
	fixInsert fixKind = iota
	fixRemove
)

// fixIters re-points every active iterator on the node after run's
// record directory changed at idx, preserving each iterator's logical
// position. Owning cursors are marked as needing a re-peek.
func (n *Node) fixIters(run *bset.Run, idx int, kind fixKind) {
	for _, it := range n.iters {
		it.fix(run, idx, kind)
	}
}

// invalidateIters forces every cursor on the node to re-traverse from
// the root. Used when the node is retired or its runs rebuilt.
func (n *Node) invalidateIters() {
	for _, it := range n.iters {
		if it.cur != nil {
			it.cur.setState(cursorNeedTraverse)
		}
	}
}

// applySibHints decays the sibling occupancy hints when live bytes
// shrink, keeping merge eligibility conservative.
func (n *Node) applySibHints(liveAdded int) {
	if liveAdded >= 0 {
		return
	}
	for i := range n.sibBytes {
		if n.sibBytes[i] != sibUnknown {
			n.sibBytes[i] += liveAdded
			if n.sibBytes[i] < 0 {
				n.sibBytes[i] = 0
			}
		}
	}
}
