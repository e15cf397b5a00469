package crowdb

import "crowdb/internal/base"

// RangeOutcome is what a range-key application reports back to the
// commit path.
type RangeOutcome int

const (
	// RangeApplied means the leaf was mutated and the key must be
	// journaled.
	RangeApplied RangeOutcome = iota

	// RangeNoop means nothing changed; no journal entry is written.
	RangeNoop

	// RangeNeedTraverse means the application crossed out of the
	// cursor's leaf; the transaction must re-traverse and retry.
	RangeNeedTraverse

	// RangeNodeFull means the overlap rewrite did not fit; the leaf must
	// be split.
	RangeNodeFull

	// RangeNoSpace means allocation failed underneath the rewrite.
	RangeNoSpace

	// RangeNeedQuiesce means a background scan holds state the rewrite
	// depends on; the transaction must cycle the quiescence barrier
	// before retrying.
	RangeNeedQuiesce
)

// RangeKeyApplier handles insertion into trees whose keys span ranges,
// where an insert may overlap and partially shadow existing keys. The
// engine calls it under the leaf's write lock; point trees never go
// through it.
type RangeKeyApplier interface {
	ApplyRangeKey(c *Cursor, n *Node, k *base.Key) RangeOutcome
}

// overwriteRangeApplier is the default range handler: it treats a range
// key like a point key at its end position. Overlap trimming lives with
// the caller that owns allocation.
type overwriteRangeApplier struct{}

func (overwriteRangeApplier) ApplyRangeKey(c *Cursor, n *Node, k *base.Key) RangeOutcome {
	if bsetInsertKey(c, n, k) {
		return RangeApplied
	}
	return RangeNoop
}
