package crowdb

import (
	"crowdb/internal/base"
	"crowdb/internal/bset"
)

// NodeWriter persists a leaf node's content. The engine calls it with
// the node's write lock held; implementations read the node through
// ID, Tree, Bounds and Records. A nil writer keeps nodes memory-only.
type NodeWriter interface {
	WriteNode(n *Node) error
}

// SplitMerge restructures leaves when the update path outgrows or
// underfills them. Split is called with the cursor's intent hold still
// taken and no write locks held; TryMerge is purely best-effort and
// must never block a commit.
type SplitMerge interface {
	Split(c *Cursor) error
	TryMerge(c *Cursor)
}

// treeSplitter is the built-in SplitMerge: split by encoded bytes at
// the midpoint, merge a leaf with its successor when both halves fit
// comfortably in one node.
type treeSplitter struct {
	eng *Engine
}

// Split replaces the cursor's leaf with two fresh leaves, each holding
// half the live content by bytes. New leaves are written back
// immediately, which makes the old leaf's journal pins redundant.
func (s *treeSplitter) Split(c *Cursor) error {
	e := s.eng
	n := c.node
	if n == nil || n.retired.Load() {
		// Already restructured under us. Force a fresh index walk so the
		// retry lands on the replacement instead of cycling back here.
		c.setState(cursorNeedTraverse)
		return nil
	}

	if e.opts.maxNodes > 0 && e.nodeCount.Load()+1 > int64(e.opts.maxNodes) {
		return ErrNoSpace
	}

	n.mu.Lock()
	recs := n.Records()
	if len(recs) < 2 {
		// One giant record cannot be split; the value size cap keeps
		// this from recursing, so a full single-record node is a bug.
		n.mu.Unlock()
		return ErrNoSpace
	}

	total := 0
	for i := range recs {
		total += recs[i].EncodedSize()
	}

	// Cut so the left half holds at least half the bytes.
	cut, sum := 0, 0
	for i := range recs {
		sum += recs[i].EncodedSize()
		if sum >= total/2 && i < len(recs)-1 {
			cut = i
			break
		}
	}

	left := e.allocNode(n.tree, n.minKey, recs[cut].Pos)
	right := e.allocNode(n.tree, recs[cut].Pos.Next(), n.maxKey)
	fillNode(left, recs[:cut+1])
	fillNode(right, recs[cut+1:])
	left.sibBytes[1] = right.nr.LiveBytes
	right.sibBytes[0] = left.nr.LiveBytes

	if w := e.opts.nodeWriter; w != nil {
		if err := w.WriteNode(left); err != nil {
			n.mu.Unlock()
			return ErrIO
		}
		if err := w.WriteNode(right); err != nil {
			n.mu.Unlock()
			return ErrIO
		}
	}

	c.tree.replaceLeaves([]*Node{n}, []*Node{left, right})
	e.nodeCount.Add(1)
	e.retireNode(n)
	n.invalidateIters()
	n.mu.Unlock()

	e.opts.logger.Info("split leaf",
		"tree", n.tree.String(), "node", uint64(n.id),
		"left", uint64(left.id), "right", uint64(right.id))
	return nil
}

// TryMerge folds the cursor's leaf into its successor when the sibling
// occupancy hints say both fit in one node. Every lock is a try-lock;
// any contention and we quietly give up.
func (s *treeSplitter) TryMerge(c *Cursor) {
	e := s.eng
	n := c.node
	if n == nil || n.retired.Load() {
		return
	}
	if n.maxKey.Cmp(base.MaxPos) == 0 {
		return
	}
	sib := c.tree.leafFor(n.maxKey.Next())
	if sib == nil || sib.retired.Load() {
		return
	}

	if !n.intent.TryLock() {
		return
	}
	defer n.intent.Unlock()
	if !sib.intent.TryLock() {
		return
	}
	defer sib.intent.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	sib.mu.Lock()
	defer sib.mu.Unlock()

	if n.retired.Load() || sib.retired.Load() {
		return
	}

	// Refresh the hints now that we can see the sibling for real.
	n.sibBytes[1] = sib.nr.LiveBytes
	sib.sibBytes[0] = n.nr.LiveBytes

	if n.nr.LiveBytes+sib.nr.LiveBytes > e.opts.nodeSize*3/4 {
		return
	}

	recs := append(n.Records(), sib.Records()...)
	merged := e.allocNode(n.tree, n.minKey, sib.maxKey)
	fillNode(merged, recs)
	merged.sibBytes[0] = n.sibBytes[0]
	merged.sibBytes[1] = sib.sibBytes[1]

	if w := e.opts.nodeWriter; w != nil {
		if err := w.WriteNode(merged); err != nil {
			return
		}
	}

	c.tree.replaceLeaves([]*Node{n, sib}, []*Node{merged})
	e.nodeCount.Add(-1)
	e.retireNode(n)
	e.retireNode(sib)
	n.invalidateIters()
	sib.invalidateIters()

	e.opts.logger.Info("merged leaves",
		"tree", n.tree.String(), "left", uint64(n.id),
		"right", uint64(sib.id), "into", uint64(merged.id))
}

// fillNode loads records into a fresh node as one closed run plus an
// empty open run, and sets the occupancy counters.
func fillNode(n *Node, recs []base.Key) {
	total := 0
	for i := range recs {
		total += recs[i].EncodedSize()
	}
	run := bset.New(total)
	for i := range recs {
		run.InsertAt(run.Count(), &recs[i])
		n.nr.TotalBytes += recs[i].EncodedSize()
		if !recs[i].Deleted() {
			n.nr.LiveBytes += recs[i].EncodedSize()
		}
	}
	run.Close()
	n.runs = []*bset.Run{run, bset.New(256)}
}
