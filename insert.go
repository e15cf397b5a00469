package crowdb

import "crowdb/internal/base"

// insertResult is the per-entry outcome of applying one key to a leaf.
type insertResult int

const (
	insertOK insertResult = iota
	insertNeedTraverse
	insertNodeFull
	insertNoSpace
	insertIOErr
	insertNeedQuiesce
)

// bsetInsertKey handles overwrites and does the insert for non-extent
// trees: mutate the node's runs so the latest record at the key's
// position reflects insert, honoring deletion semantics. Returns
// whether a durable journal entry is required. Caller holds the node's
// write lock.
func bsetInsertKey(c *Cursor, n *Node, insert *base.Key) bool {
	it := c.iter
	it.seek(insert.Pos)

	ref, ok := it.peekAll()
	if ok && ref.run.PosAt(ref.idx).Cmp(insert.Pos) == 0 {
		run := ref.run
		width := run.WidthAt(ref.idx)

		// Fast path: same-size overwrite of a live record in the open
		// run mutates type tag and value bytes in place. No resize, no
		// fix-up.
		if !run.Closed() && !insert.Deleted() && !run.DeletedAt(ref.idx) &&
			insert.EncodedSize() == width {
			run.OverwriteAt(ref.idx, insert)
			return true
		}

		insert.NeedsWhiteout = run.NeedsWhiteoutAt(ref.idx)

		// Account the drop of the record being displaced.
		if !run.DeletedAt(ref.idx) {
			n.nr.LiveBytes -= width
		}

		if !run.Closed() {
			// Open run: physically remove and compact.
			run.RemoveAt(ref.idx)
			n.fixIters(run, ref.idx, fixRemove)
			n.nr.TotalBytes -= width

			// If we're deleting, and the key we're deleting doesn't
			// need a whiteout (it wasn't overwriting a key that had
			// been written to disk) - just delete it.
			if insert.Deleted() && !insert.NeedsWhiteout {
				return true
			}
		} else {
			// Closed run: records can't be resized, only downgraded in
			// place. Position and framing are preserved, no fix-up of
			// other cursors needed.
			run.DowngradeAt(ref.idx)

			if insert.Deleted() {
				// The downgraded record is itself the whiteout.
				run.SetNeedsWhiteoutAt(ref.idx, true)
				return true
			}
			run.SetNeedsWhiteoutAt(ref.idx, false)
		}
	} else {
		// Deleting, but the key to delete wasn't found - nothing to do.
		if insert.Deleted() {
			return false
		}
		insert.NeedsWhiteout = false
	}

	open := n.openRun()
	i := open.Search(insert.Pos)
	open.InsertAt(i, insert)
	n.fixIters(open, i, fixInsert)
	n.nr.TotalBytes += insert.EncodedSize()
	if !insert.Deleted() {
		n.nr.LiveBytes += insert.EncodedSize()
	}
	return true
}

// journalKey ties a just-applied mutation to the log: append the key to
// the transaction's reservation, make sure the node's active write
// buffer carries a pin at the reservation's sequence, and mark the node
// dirty. In replay mode there is no reservation and only the pin and
// dirty tracking happen.
func (tx *Transaction) journalKey(c *Cursor, insert *base.Key) error {
	n := c.node
	w := n.currentWrite()
	j := tx.eng.journal

	seq := j.Seq()
	if tx.res.Active() {
		seq = tx.res.Seq

		// The whiteout obligation is node-local state; strip it from
		// the journaled copy.
		nw := insert.NeedsWhiteout
		insert.NeedsWhiteout = false
		err := j.Append(tx.res, c.tree.id, insert)
		insert.NeedsWhiteout = nw
		if err != nil {
			return err
		}

		if tx.journalSeq != nil {
			*tx.journalSeq = seq
		}
		n.openRun().JournalSeq = seq
	}

	if w.pin == nil {
		idx := n.writeIdx
		node := n
		w.pin = j.AddPin(seq, func() {
			tx.eng.flushNode(node, idx)
		})
	}
	if !n.dirty.Load() {
		n.dirty.Store(true)
	}
	return nil
}

// insertKeyLeaf inserts one key into a leaf node and does the
// bookkeeping around it: occupancy deltas, sibling merge hints, and
// opportunistic whiteout compaction when growth outpaces what
// overwrites reclaimed.
func (tx *Transaction) insertKeyLeaf(e *Entry) insertResult {
	c := e.Cursor
	n := c.node

	oldTotal := n.nr.TotalBytes
	oldLive := n.nr.LiveBytes

	if c.getState() == cursorUpToDate {
		c.setState(cursorNeedPeek)
	}

	var applied bool
	if c.tree.extents {
		switch tx.eng.opts.rangeApply.ApplyRangeKey(c, n, e.Key) {
		case RangeApplied:
			applied = true
		case RangeNoop:
			applied = false
		case RangeNeedTraverse:
			return insertNeedTraverse
		case RangeNodeFull:
			return insertNodeFull
		case RangeNoSpace:
			return insertNoSpace
		case RangeNeedQuiesce:
			return insertNeedQuiesce
		}
	} else {
		applied = bsetInsertKey(c, n, e.Key)
	}

	if applied {
		if err := tx.journalKey(c, e.Key); err != nil {
			tx.eng.opts.logger.Error("journal append failed",
				"tree", c.tree.id.String(), "err", err)
			return insertIOErr
		}
	}
	tx.didWork = true

	liveAdded := n.nr.LiveBytes - oldLive
	totalAdded := n.nr.TotalBytes - oldTotal

	n.applySibHints(liveAdded)

	if totalAdded > liveAdded && n.compactWhiteouts() {
		c.iter.seek(c.pos)
	}

	return insertOK
}
