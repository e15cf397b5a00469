package crowdb

import (
	"errors"
	"fmt"
	"sort"

	"crowdb/internal/base"
	"crowdb/internal/journal"
)

// Flags alter commit behavior.
type Flags uint8

const (
	// Atomic disallows silent retry across dropped locks: if locking
	// changes mid-transaction the caller gets ErrRetry instead.
	Atomic Flags = 1 << iota

	// NoFail marks internal bookkeeping writes whose retry is known to
	// be idempotent.
	NoFail

	// Replay bypasses the journal because the entries are being
	// re-applied from it.
	Replay

	// UseReserve permits use of the journal's emergency capacity.
	UseReserve
)

// Entry is one (cursor, key) element of a transaction.
type Entry struct {
	Cursor *Cursor
	Key    *base.Key

	// ExtraRes is additional journal headroom reserved beyond the key's
	// encoded size.
	ExtraRes int

	done bool
}

// Transaction is an ordered batch of entries applied as a single
// atomic, durable operation, owning one journal reservation sized to
// the sum of its unfinished entries.
type Transaction struct {
	eng        *Engine
	entries    []*Entry
	flags      Flags
	journalSeq *uint64

	res     *journal.Reservation
	didWork bool
}

// txState enumerates the commit controller's states. Each state is a
// function from the transaction to a tagged outcome; the driving loop
// in run interprets the outcome.
type txState int

const (
	stLockIntent txState = iota // LockAcquired
	stReserve                   // JournalReserved
	stCommit                    // WriteLocked + Committing
	stSplit                     // NeedsSplit
	stErr                       // Retry or Fatal, decided by the error
	stDone
)

// outcome is the tagged result of a state function.
type outcome struct {
	next  txState
	err   error
	split *Cursor

	// quiesce is set when a background scan beat us and we must cycle
	// the quiescence barrier before retrying.
	quiesce bool
}

// Commit applies the entries as one transaction.
//
// Return values:
//   - ErrRetry: locking changed, the caller must re-issue. Only
//     returned when Atomic is set.
//   - ErrReadOnly: filesystem is going read-only.
//   - ErrNoSpace: storage exhausted; entries already applied remain.
//   - ErrNeedResched: journal space exhausted and reclaim made no
//     progress; yield and retry.
func (e *Engine) Commit(flags Flags, journalSeq *uint64, entries ...*Entry) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if len(entries) == 0 {
		return nil
	}

	tx := &Transaction{
		eng:        e,
		entries:    entries,
		flags:      flags,
		journalSeq: journalSeq,
	}
	return tx.run()
}

func (tx *Transaction) run() error {
	// Validating: violations are caller bugs, fatal and never retried.
	if err := tx.validate(); err != nil {
		return err
	}

	// Sorting: a total order over (tree, position) makes entries on the
	// same leaf contiguous and gives all transactions one global lock
	// order, the sole deadlock-avoidance mechanism here.
	tx.sortEntries()

	if !tx.eng.writes.TryGet() {
		return ErrReadOnly
	}
	defer tx.eng.writes.Put()
	defer tx.dropIntents()

	journalRetries := 0
	state := stLockIntent
	var out outcome

	for {
		switch state {
		case stLockIntent:
			out = tx.lockIntent()
		case stReserve:
			out = tx.reserveJournal(&journalRetries)
		case stCommit:
			out = tx.lockWriteAndCommit()
		case stSplit:
			out = tx.doSplit(out.split)
		case stErr:
			var retry bool
			retry, out.err = tx.recover(out)
			if !retry {
				return out.err
			}
			out = outcome{next: stLockIntent}
		case stDone:
			return tx.finish()
		}
		state = out.next
		if out.err != nil || out.split != nil {
			if out.split != nil && out.err == nil {
				state = stSplit
			} else if state != stErr {
				state = stErr
			}
		}
	}
}

// validate checks that every entry's key starts at its cursor's
// position and, when debug checking is on, that every key is
// structurally valid.
func (tx *Transaction) validate() error {
	for _, e := range tx.entries {
		if e.Cursor == nil || e.Key == nil {
			return ErrEntryInvalid
		}
		if e.Key.StartPos().Cmp(e.Cursor.pos) != 0 {
			return fmt.Errorf("%w: key start %v != cursor position %v",
				ErrEntryInvalid, e.Key.StartPos(), e.Cursor.pos)
		}
		if tx.eng.opts.debugCheckKeys {
			if err := e.Key.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrEntryInvalid, err)
			}
		}
	}
	return nil
}

func (tx *Transaction) sortEntries() {
	sort.SliceStable(tx.entries, func(i, j int) bool {
		a, b := tx.entries[i], tx.entries[j]
		if a.Cursor.tree.id != b.Cursor.tree.id {
			return a.Cursor.tree.id < b.Cursor.tree.id
		}
		return a.Cursor.pos.Cmp(b.Cursor.pos) < 0
	})
}

// sameLeafAsPrev reports whether entry i targets the same leaf as its
// predecessor. Because the entries are sorted, entries on one leaf are
// always adjacent, so each leaf is locked and unlocked exactly once.
func (tx *Transaction) sameLeafAsPrev(i int) bool {
	return i > 0 &&
		tx.entries[i].Cursor.node == tx.entries[i-1].Cursor.node &&
		tx.entries[i].Cursor.node != nil
}

// lockIntent re-validates every cursor's position and upgrades each
// distinct leaf's hold to intent level, in sorted order. A hold we
// cannot take without blocking restarts the transaction.
func (tx *Transaction) lockIntent() outcome {
	for _, e := range tx.entries {
		if e.Cursor.getState() == cursorNeedTraverse {
			if err := e.Cursor.traverse(); err != nil {
				return outcome{err: err}
			}
		}
	}
	for i, e := range tx.entries {
		if tx.sameLeafAsPrev(i) {
			continue
		}
		if !e.Cursor.upgrade() {
			return outcome{err: ErrRetry}
		}
	}
	return outcome{next: stReserve}
}

// reserveJournal sizes one reservation to cover every unfinished entry.
// Log-full triggers a pin flush to reclaim space and then a retry;
// repeated failure surfaces as backoff.
func (tx *Transaction) reserveJournal(retries *int) outcome {
	tx.didWork = false

	if tx.flags&Replay != 0 {
		tx.res = nil
		return outcome{next: stCommit}
	}

	records, bytes := 0, 0
	for _, e := range tx.entries {
		if !e.done {
			records++
			bytes += e.Key.EncodedSize() + e.ExtraRes
		}
	}

	// Writes that must not fail for lack of journal space may dig into
	// the emergency tail.
	useReserve := tx.flags&(UseReserve|NoFail) != 0
	res, err := tx.eng.journal.Reserve(records, bytes, useReserve)
	if errors.Is(err, journal.ErrFull) {
		if *retries >= 2 {
			return outcome{err: ErrNeedResched}
		}
		*retries++
		tx.eng.journal.FlushPins()
		return outcome{err: ErrJournalFull}
	}
	if err != nil {
		return outcome{err: err}
	}
	tx.res = res
	return outcome{next: stCommit}
}

// lockWriteAndCommit is the WriteLocked and Committing window: take
// exclusive locks on each distinct leaf in sorted order, re-check fit
// (free space is only trustworthy under the write lock), then apply
// every unfinished entry in order.
func (tx *Transaction) lockWriteAndCommit() outcome {
	nodeSize := tx.eng.opts.nodeSize
	tx.multiLockWrite()

	// A leaf can be retired by someone else's split between our traverse
	// and our intent hold. Retirement only happens under the write lock,
	// so seeing it clear here means the leaf stays live until we unlock.
	for i, e := range tx.entries {
		if !tx.sameLeafAsPrev(i) && e.Cursor.node.retired.Load() {
			tx.multiUnlockWrite()
			tx.eng.journal.Release(tx.res)
			return outcome{err: ErrRetry}
		}
	}

	// Fit check: cumulative bytes per leaf, multiple inserts may target
	// the same leaf.
	bytes := 0
	for i, e := range tx.entries {
		if !tx.sameLeafAsPrev(i) {
			bytes = 0
		}
		if !e.done {
			bytes += e.Key.EncodedSize() + e.ExtraRes
			if e.Cursor.node.freeBytes(nodeSize) < bytes {
				split := e.Cursor
				tx.multiUnlockWrite()
				tx.eng.journal.Release(tx.res)
				return outcome{split: split}
			}
		}
	}

	var out outcome
	for _, e := range tx.entries {
		if e.done {
			continue
		}
		switch tx.insertKeyLeaf(e) {
		case insertOK:
			e.done = true
		case insertNeedTraverse:
			out.err = ErrRetry
		case insertNodeFull:
			out.split = e.Cursor
		case insertNoSpace:
			out.err = ErrNoSpace
		case insertIOErr:
			out.err = ErrIO
		case insertNeedQuiesce:
			out.quiesce = true
			out.err = ErrRetry
		}
		if !tx.didWork && (out.err != nil || out.split != nil) {
			break
		}
	}

	tx.multiUnlockWrite()
	tx.eng.journal.Release(tx.res)

	if out.err == nil && out.split == nil {
		out.next = stDone
	}
	return out
}

func (tx *Transaction) multiLockWrite() {
	for i, e := range tx.entries {
		if !tx.sameLeafAsPrev(i) {
			e.Cursor.node.lockForInsert(tx.eng.opts.nodeSize)
		}
	}
}

func (tx *Transaction) multiUnlockWrite() {
	for i, e := range tx.entries {
		if !tx.sameLeafAsPrev(i) {
			e.Cursor.node.mu.Unlock()
		}
	}
}

// doSplit hands the overflowing leaf to the split service. The journal
// reservation was already dropped: splitting allocates new storage, and
// holding log space while allocating can deadlock the allocator against
// log reclamation.
func (tx *Transaction) doSplit(split *Cursor) outcome {
	if err := tx.eng.split.Split(split); err != nil {
		return outcome{err: err}
	}
	// Entries already complete are skipped; restart from lock
	// acquisition, not validation.
	return outcome{next: stLockIntent}
}

// recover is the Retry/Fatal decision: cycle the quiescence barrier if
// a scan interfered, re-traverse every cursor, and restart unless the
// caller demanded atomicity. Returns (retry, surfaced error).
func (tx *Transaction) recover(out outcome) (bool, error) {
	if out.quiesce {
		tx.eng.quiesce.Cycle()
	}

	if errors.Is(out.err, ErrRetry) || errors.Is(out.err, ErrJournalFull) {
		for _, e := range tx.entries {
			if err := e.Cursor.traverse(); err != nil {
				return false, err
			}
		}
		if tx.flags&Atomic == 0 {
			return true, nil
		}
		if errors.Is(out.err, ErrJournalFull) {
			return false, ErrJournalFull
		}
		return false, ErrRetry
	}
	return false, out.err
}

// finish is the Done state: make the journal durable per policy, then
// best-effort merge any leaf the transaction left underfull.
func (tx *Transaction) finish() error {
	if err := tx.eng.journal.Sync(); err != nil {
		return ErrIO
	}

	for _, e := range tx.entries {
		// Cursors are inconsistent when they hit end of leaf, until
		// traversed again.
		if e.Cursor.atEndOfLeaf.Load() {
			return tx.checkAllDone()
		}
	}

	tx.dropIntents()
	for i, e := range tx.entries {
		if !tx.sameLeafAsPrev(i) && e.Cursor.getState() != cursorNeedTraverse {
			tx.eng.split.TryMerge(e.Cursor)
		}
	}
	return tx.checkAllDone()
}

// checkAllDone makes sure we didn't lose an error.
func (tx *Transaction) checkAllDone() error {
	for _, e := range tx.entries {
		if !e.done {
			tx.eng.opts.logger.Error("transaction finished with unfinished entry",
				"tree", e.Cursor.tree.id.String())
			return ErrRetry
		}
	}
	return nil
}

// dropIntents releases every intent hold the transaction took. Safe to
// call repeatedly.
func (tx *Transaction) dropIntents() {
	for _, e := range tx.entries {
		e.Cursor.dropIntent()
	}
}
