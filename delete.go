package crowdb

import (
	"context"

	"crowdb/internal/base"
)

// Insert applies a single key, retrying internally on lock contention.
func (e *Engine) Insert(tree base.TreeID, k *base.Key, journalSeq *uint64, flags Flags) error {
	c, err := e.Cursor(tree, k.StartPos())
	if err != nil {
		return err
	}
	defer c.Close()
	return e.Commit(flags, journalSeq, &Entry{Cursor: c, Key: k})
}

// InsertList applies an ordered batch of keys, one commit per key,
// reusing a single cursor across the batch. Keys already applied stay
// applied if a later one fails.
func (e *Engine) InsertList(tree base.TreeID, list *KeyList, journalSeq *uint64, flags Flags) error {
	if list.Empty() {
		return nil
	}
	c, err := e.Cursor(tree, list.Front().StartPos())
	if err != nil {
		return err
	}
	defer c.Close()

	for !list.Empty() {
		k := list.Front()
		c.SetPos(k.StartPos())
		if err := e.Commit(flags, journalSeq, &Entry{Cursor: c, Key: k}); err != nil {
			return err
		}
		list.Pop()
	}
	return nil
}

// DeleteAt writes a whiteout at the cursor's position. Used by internal
// bookkeeping that must not fail for lack of journal space, so the
// emergency reserve is permitted.
func (e *Engine) DeleteAt(c *Cursor, flags Flags) error {
	k := &base.Key{Pos: c.Pos(), Type: base.KeyDeleted}
	return e.Commit(flags|NoFail|UseReserve, nil, &Entry{Cursor: c, Key: k})
}

// DeleteRange deletes every key in [start, end) from tree. Each key is
// its own transaction; ctx is checked between iterations so a large
// range can be cancelled, leaving a prefix deleted.
//
// In extent trees the deletion is shaped as discard markers trimmed to
// the covered part of each extent. Whether a trimmed discard actually
// carves the extent is up to the installed RangeKeyApplier; the default
// applier only masks extents it covers completely.
func (e *Engine) DeleteRange(ctx context.Context, tree base.TreeID, start, end base.Pos, version uint64, journalSeq *uint64) error {
	c, err := e.Cursor(tree, start)
	if err != nil {
		return err
	}
	defer c.Close()

	cur := start
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cur.Cmp(end) >= 0 {
			return nil
		}

		k, ok, err := c.Peek()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		var del *base.Key
		if c.tree.extents {
			if k.StartPos().Cmp(end) >= 0 {
				return nil
			}
			kStart := k.StartPos()
			if kStart.Cmp(cur) < 0 {
				kStart = cur
			}
			kEnd := k.Pos
			if kEnd.Cmp(end) > 0 {
				kEnd = end
			}
			del = &base.Key{
				Pos:     kEnd,
				Version: version,
				Size:    uint32(kEnd.Offset - kStart.Offset),
				Type:    base.KeyDiscard,
			}
			c.SetPos(kStart)
			cur = kEnd
		} else {
			if c.Pos().Cmp(end) >= 0 {
				return nil
			}
			del = &base.Key{Pos: c.Pos(), Version: version, Type: base.KeyDeleted}
			cur = c.Pos().Next()
		}

		if err := e.Commit(NoFail, journalSeq, &Entry{Cursor: c, Key: del}); err != nil {
			return err
		}
		if c.tree.extents {
			// Move past the extent we just carved from.
			c.SetPos(k.Pos)
		}
	}
}
