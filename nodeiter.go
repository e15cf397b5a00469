package crowdb

import (
	"crowdb/internal/base"
	"crowdb/internal/bset"
)

// recordRef points at one record inside one of a node's runs.
type recordRef struct {
	run *bset.Run
	idx int
}

// runCursor tracks an iteration position within a single run.
type runCursor struct {
	run *bset.Run
	idx int
}

// nodeIter is a merged view over all of a node's runs: records come out
// in position order, and when the same position appears in several runs
// the newest run wins.
type nodeIter struct {
	node *Node
	pos  []runCursor // parallel to node.runs, oldest first

	// cur is the owning cursor, marked NeedPeek whenever a fix-up moves
	// this iterator. Nil for throwaway iterators.
	cur *Cursor
}

// newNodeIter positions a fresh iterator at the first record >= target.
func newNodeIter(n *Node, target base.Pos) *nodeIter {
	it := &nodeIter{node: n}
	for _, run := range n.runs {
		it.pos = append(it.pos, runCursor{run: run, idx: run.Search(target)})
	}
	return it
}

// seek repositions the iterator at the first record >= target,
// re-snapshotting the run list (runs may have been added since).
func (it *nodeIter) seek(target base.Pos) {
	it.pos = it.pos[:0]
	for _, run := range it.node.runs {
		it.pos = append(it.pos, runCursor{run: run, idx: run.Search(target)})
	}
}

// peekAll returns the next record in the merged view, tombstones
// included. When multiple runs hold the same position the newest run's
// record is returned.
func (it *nodeIter) peekAll() (recordRef, bool) {
	var best recordRef
	found := false
	var bestPos base.Pos
	// Newest runs are last; iterate backwards so ties prefer them.
	for i := len(it.pos) - 1; i >= 0; i-- {
		rc := &it.pos[i]
		if rc.idx >= rc.run.Count() {
			continue
		}
		p := rc.run.PosAt(rc.idx)
		if !found || p.Cmp(bestPos) < 0 {
			best = recordRef{run: rc.run, idx: rc.idx}
			bestPos = p
			found = true
		}
	}
	return best, found
}

// peek returns the next live record, skipping tombstones and the stale
// older-run records they shadow.
func (it *nodeIter) peek() (base.Key, bool) {
	for {
		ref, ok := it.peekAll()
		if !ok {
			return base.Key{}, false
		}
		if ref.run.DeletedAt(ref.idx) {
			it.advancePast(ref.run.PosAt(ref.idx))
			continue
		}
		return ref.run.KeyAt(ref.idx), true
	}
}

// advancePast moves every run cursor beyond pos, consuming the winning
// record and any shadowed duplicates in older runs.
func (it *nodeIter) advancePast(pos base.Pos) {
	for i := range it.pos {
		rc := &it.pos[i]
		for rc.idx < rc.run.Count() && rc.run.PosAt(rc.idx).Cmp(pos) <= 0 {
			rc.idx++
		}
	}
}

// exhausted reports whether no run has records left at or after the
// iterator's positions.
func (it *nodeIter) exhausted() bool {
	for i := range it.pos {
		if it.pos[i].idx < it.pos[i].run.Count() {
			return false
		}
	}
	return true
}

// fix adjusts this iterator after run's directory changed at idx so its
// logical position is unaffected: an insert shifts positions at or
// after idx right; a removal shifts positions after idx left, and a
// cursor that pointed at the removed record now points at the next live
// one. Idempotent per edit; the owning cursor is marked for a re-peek,
// and if the edit leaves the iterator past the end of the node it is
// marked for re-traversal instead.
func (it *nodeIter) fix(run *bset.Run, idx int, kind fixKind) {
	for i := range it.pos {
		rc := &it.pos[i]
		if rc.run != run {
			continue
		}
		switch kind {
		case fixInsert:
			if rc.idx >= idx {
				rc.idx++
			}
		case fixRemove:
			if rc.idx > idx {
				rc.idx--
			}
		}
	}
	if it.cur != nil && it.cur.getState() == cursorUpToDate {
		it.cur.setState(cursorNeedPeek)
	}
	if it.exhausted() && it.cur != nil {
		it.cur.atEndOfLeaf.Store(true)
		it.cur.setState(cursorNeedTraverse)
	}
}
