package crowdb

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"crowdb/internal/base"
	"crowdb/internal/barrier"
	"crowdb/internal/journal"
)

// Engine is the transactional update layer over a set of btrees: it
// owns the journal, the per-tree leaf indexes, and the barriers that
// gate writes during shutdown and background scans.
type Engine struct {
	opts Options

	journal *journal.Journal
	writes  *barrier.Gate
	quiesce *barrier.Quiesce
	split   SplitMerge

	trees [base.NumTrees]*Tree

	// retired keeps recently replaced leaves alive so cursors that raced
	// a split or merge can still read their retirement flag before
	// re-traversing.
	retired *freelru.SyncedLRU[uint64, *Node]

	nextNode  atomic.Uint64
	nodeCount atomic.Int64
	closed    atomic.Bool
}

func hashNodeID(id uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return uint32(xxhash.Sum64(b[:]))
}

// Open creates an engine, replaying any surviving journal into the
// trees before returning.
func Open(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	j, err := journal.Open(o.journalPath, o.journalCapacity, o.syncMode, o.bytesPerSync)
	if err != nil {
		return nil, err
	}

	retired, err := freelru.NewSynced[uint64, *Node](uint32(o.retiredNodes), hashNodeID)
	if err != nil {
		j.Close()
		return nil, err
	}

	e := &Engine{
		opts:    o,
		journal: j,
		writes:  barrier.NewGate(),
		quiesce: barrier.NewQuiesce(),
		retired: retired,
	}
	e.split = &treeSplitter{eng: e}
	if o.rangeApply == nil {
		e.opts.rangeApply = overwriteRangeApplier{}
	}

	for id := base.TreeID(0); id < base.NumTrees; id++ {
		t := newTree(id, id == base.TreeExtents)
		root := e.allocNode(id, base.MinPos, base.MaxPos)
		t.mu.Lock()
		t.index.ReplaceOrInsert(root)
		t.mu.Unlock()
		e.trees[id] = t
		e.nodeCount.Add(1)
	}

	if err := e.replayJournal(); err != nil {
		j.Close()
		return nil, err
	}
	return e, nil
}

// replayJournal re-applies every intact journal record. Records are
// applied with Replay so no new journal space is consumed, and NoFail
// because re-applying an already durable mutation is idempotent.
func (e *Engine) replayJournal() error {
	return e.journal.Replay(func(tree base.TreeID, k base.Key) error {
		if tree >= base.NumTrees {
			return ErrCorruption
		}
		if err := e.Insert(tree, &k, nil, Replay|NoFail); err != nil {
			e.opts.logger.Error("journal replay failed",
				"tree", tree.String(), "err", err)
			return err
		}
		return nil
	})
}

// tree returns the Tree for id, or nil if id is out of range.
func (e *Engine) tree(id base.TreeID) *Tree {
	if id >= base.NumTrees {
		return nil
	}
	return e.trees[id]
}

// Lookup returns the newest live value at exactly pos.
func (e *Engine) Lookup(tree base.TreeID, pos base.Pos) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	t := e.tree(tree)
	if t == nil {
		return nil, ErrEntryInvalid
	}
	for {
		n := t.leafFor(pos)
		if n == nil {
			return nil, ErrCorruption
		}
		n.mu.RLock()
		if n.retired.Load() {
			n.mu.RUnlock()
			continue
		}
		v, ok := n.lookup(pos)
		n.mu.RUnlock()
		if !ok {
			return nil, ErrKeyNotFound
		}
		return v, nil
	}
}

// allocNode hands out a fresh leaf covering [min, max].
func (e *Engine) allocNode(tree base.TreeID, min, max base.Pos) *Node {
	return newNode(tree, NodeID(e.nextNode.Add(1)), min, max)
}

// retireNode releases the node's journal pins, now redundant because
// the replacement leaves were written back, and parks the node in the
// retired cache.
func (e *Engine) retireNode(n *Node) {
	for i := range n.writes {
		if p := n.writes[i].pin; p != nil {
			n.writes[i].pin = nil
			e.journal.ReleasePin(p)
		}
	}
	n.dirty.Store(false)
	e.retired.Add(uint64(n.id), n)
}

// flushNode is the journal pin flush callback for one of a node's write
// buffers: close the buffer's run, persist the node, and release the
// pin. Stale invocations for an already flushed buffer are no-ops.
func (e *Engine) flushNode(n *Node, idx int) {
	n.mu.Lock()
	pin := n.writes[idx].pin
	if pin == nil || n.retired.Load() {
		n.mu.Unlock()
		return
	}

	if !n.openRun().Closed() {
		n.openRun().Close()
	}
	if w := e.opts.nodeWriter; w != nil {
		if err := w.WriteNode(n); err != nil {
			// The pin stays: the journal must keep covering this node
			// until a write-back succeeds.
			n.mu.Unlock()
			e.opts.logger.Error("node write-back failed",
				"tree", n.tree.String(), "node", uint64(n.id), "err", err)
			return
		}
	}

	n.writes[idx].pin = nil
	n.writeIdx ^= 1
	n.dirty.Store(false)
	n.mu.Unlock()

	e.journal.ReleasePin(pin)

	// With write-back in place the log is not the only copy, so an idle
	// log can drop its history.
	if e.opts.nodeWriter != nil {
		if err := e.journal.Compact(); err != nil {
			e.opts.logger.Warn("journal compaction failed", "err", err)
		}
	}
}

// ScanLock holds the trees quiescent for a background scan. Writers
// that conflict with the scan back off and wait for ScanUnlock before
// retrying.
func (e *Engine) ScanLock() { e.quiesce.Enter() }

// ScanUnlock ends the quiescent section.
func (e *Engine) ScanUnlock() { e.quiesce.Leave() }

// Close drains in-flight transactions, flushes every journal pin, and
// closes the journal. Transactions arriving after Close see
// ErrReadOnly.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	e.writes.Shutdown()
	e.journal.FlushPins()
	if err := e.journal.ForceSync(); err != nil {
		e.journal.Close()
		return err
	}
	return e.journal.Close()
}
