package crowdb

import "crowdb/internal/journal"

const (
	// DefaultNodeSize is the byte budget of a single leaf node.
	DefaultNodeSize = 4096

	// DefaultJournalCapacity bounds outstanding journal space.
	DefaultJournalCapacity = 1 << 20

	// DefaultRetiredNodes is the size of the retired-node cache.
	DefaultRetiredNodes = 128
)

// Options configures engine behavior.
type Options struct {
	nodeSize        int    // byte budget per leaf node
	journalCapacity int    // journal byte budget
	journalPath     string // empty for in-memory (testing)
	syncMode        journal.SyncMode
	bytesPerSync    int
	retiredNodes    int  // capacity of the retired-node cache
	maxNodes        int  // node allocation budget; 0 means unlimited
	debugCheckKeys  bool // structural key validation on every commit
	logger          Logger
	rangeApply      RangeKeyApplier
	nodeWriter      NodeWriter
}

// defaultOptions returns safe default configuration.
func defaultOptions() Options {
	return Options{
		nodeSize:        DefaultNodeSize,
		journalCapacity: DefaultJournalCapacity,
		syncMode:        journal.SyncEveryCommit,
		bytesPerSync:    1024 * 1024,
		retiredNodes:    DefaultRetiredNodes,
		logger:          DiscardLogger{},
	}
}

// Option configures the engine using the functional options pattern.
type Option func(*Options)

// WithNodeSize sets the byte budget of a leaf node. Small values are
// useful to force splits in tests.
func WithNodeSize(n int) Option {
	return func(o *Options) { o.nodeSize = n }
}

// WithJournalPath puts the journal in a file at path, making commits
// durable across reopen. The default journal is in-memory. Without a
// node writer the file is the only durable copy: it keeps full history
// and is replayed in full on every open. With a writer configured the
// engine truncates the file whenever every pin has been flushed.
func WithJournalPath(path string) Option {
	return func(o *Options) { o.journalPath = path }
}

// WithJournalCapacity sets the journal's byte budget.
func WithJournalCapacity(n int) Option {
	return func(o *Options) { o.journalCapacity = n }
}

// WithSyncEveryCommit fsyncs the journal on every commit. Maximum
// durability, lowest throughput.
func WithSyncEveryCommit() Option {
	return func(o *Options) { o.syncMode = journal.SyncEveryCommit }
}

// WithSyncBytes fsyncs the journal after at least n bytes.
func WithSyncBytes(n int) Option {
	return func(o *Options) {
		o.syncMode = journal.SyncBytes
		o.bytesPerSync = n
	}
}

// WithSyncOff disables journal fsync entirely (testing/bulk loads).
func WithSyncOff() Option {
	return func(o *Options) { o.syncMode = journal.SyncOff }
}

// WithRetiredNodes sets the capacity of the cache that keeps nodes
// alive after splits and merges until stale cursors re-traverse.
func WithRetiredNodes(n int) Option {
	return func(o *Options) { o.retiredNodes = n }
}

// WithMaxNodes caps the number of nodes the engine may allocate.
// Exceeding the cap surfaces ErrNoSpace. Zero means unlimited.
func WithMaxNodes(n int) Option {
	return func(o *Options) { o.maxNodes = n }
}

// WithDebugCheckKeys enables structural validation of every key at
// commit time. Violations are caller bugs and fail the transaction.
func WithDebugCheckKeys() Option {
	return func(o *Options) { o.debugCheckKeys = true }
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithRangeKeyApplier installs the extent overwrite algorithm used for
// trees whose keys are range-based rather than point-based.
func WithRangeKeyApplier(a RangeKeyApplier) Option {
	return func(o *Options) { o.rangeApply = a }
}

// WithNodeWriter installs the write-back collaborator that makes node
// contents durable when a journal pin is flushed.
func WithNodeWriter(w NodeWriter) Option {
	return func(o *Options) { o.nodeWriter = w }
}
