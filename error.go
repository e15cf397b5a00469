package crowdb

import (
	"errors"

	"crowdb/internal/base"
	"crowdb/internal/journal"
)

var (
	// ErrRetry means locking changed under an atomic transaction; the
	// caller must re-issue the whole batch.
	ErrRetry = errors.New("locks changed, transaction must be restarted")

	// ErrReadOnly means the filesystem is transitioning to read-only and
	// no new transactions are admitted.
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrNoSpace means the write could not be satisfied for lack of
	// storage. Entries already applied stay applied.
	ErrNoSpace = errors.New("out of space")

	// ErrNeedResched means a resource is exhausted in a way that may
	// clear; the caller should yield and retry.
	ErrNeedResched = errors.New("resource exhausted, yield and retry")

	// ErrKeyNotFound is returned by point lookups for absent positions.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrEntryInvalid indicates a caller bug: an out-of-order entry or a
	// structurally invalid key. Never retried.
	ErrEntryInvalid = errors.New("invalid transaction entry")

	// ErrIO is returned when the journal or node write-back fails at the
	// device.
	ErrIO = errors.New("i/o error")

	ErrJournalFull   = journal.ErrFull
	ErrKeyMalformed  = base.ErrKeyMalformed
	ErrValueTooLarge = base.ErrValueTooLarge
	ErrCorruption    = base.ErrCorruptRecord
)
