// Package journal implements the write-ahead log surface the btree
// update path depends on: byte reservations against a fixed capacity,
// per-key appends, and pins that hold log space until a node's own
// write-back makes the logged keys redundant.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"crowdb/internal/base"
)

var (
	// ErrFull is returned by Reserve when the log cannot cover the
	// requested bytes. Callers drop their locks and retry after
	// reclaiming space.
	ErrFull = errors.New("journal full")

	// ErrClosed is returned once the journal has been shut down.
	ErrClosed = errors.New("journal closed")
)

// SyncMode controls when the journal is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every transaction commit.
	// Guarantees zero data loss on power failure, limited by fsync
	// latency.
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when at least bytesPerSync bytes have been
	// written since the last fsync. Data loss window of up to that many
	// bytes on power failure.
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	SyncOff
)

// recordHeaderSize is the on-disk framing around each key:
// [Len:2][Tree:1][Pad:1][Checksum:8][Key:Len]
const recordHeaderSize = 2 + 1 + 1 + 8

// Reservation is an exclusive hold on journal space, owned by a single
// transaction until committed or released.
type Reservation struct {
	Seq       uint64
	remaining int
	active    bool
}

// Active reports whether the reservation still holds space.
func (r *Reservation) Active() bool { return r != nil && r.active }

// Pin holds journal space at a sequence until released. The flush
// callback is invoked when the journal needs the space back; it must
// arrange for the pinned state to become durable elsewhere and then
// release the pin.
type Pin struct {
	Seq   uint64
	flush func()
}

// Journal is the write-ahead log client state.
type Journal struct {
	mu     sync.Mutex
	file   *os.File // nil for an in-memory journal
	mem    []byte   // backing store when file == nil
	offset int64
	closed bool

	seq      uint64
	capacity int
	reserve  int // emergency tail unlocked by useReserve

	reservedBytes int            // outstanding, not yet appended
	seqBytes      map[uint64]int // appended, not yet reclaimed
	pins          map[uint64][]*Pin

	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int
}

// Open opens or creates the journal at path. An empty path gives an
// in-memory journal (testing). capacity is the byte budget available to
// reservations; a tenth of it is held back as emergency reserve.
func Open(path string, capacity int, mode SyncMode, bytesPerSync int) (*Journal, error) {
	j := &Journal{
		seq:          1,
		capacity:     capacity,
		reserve:      capacity / 10,
		seqBytes:     make(map[uint64]int),
		pins:         make(map[uint64][]*Pin),
		syncMode:     mode,
		bytesPerSync: bytesPerSync,
	}
	if path != "" {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		j.file = file
		j.offset = info.Size()
	}
	return j, nil
}

// Seq returns the current open sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) usedLocked() int {
	used := j.reservedBytes
	for _, n := range j.seqBytes {
		used += n
	}
	return used
}

// reclaimLocked drops the accounting for every sequence older than the
// oldest outstanding pin. A node flush that releases a pin makes all
// earlier sequences redundant: their keys are durable in node form.
func (j *Journal) reclaimLocked() {
	oldest := uint64(math.MaxUint64)
	for seq := range j.pins {
		if seq < oldest {
			oldest = seq
		}
	}
	for seq := range j.seqBytes {
		if seq < oldest {
			delete(j.seqBytes, seq)
		}
	}
}

// Reserve acquires space for records appends totaling n encoded key
// bytes under a fresh sequence; each record costs its framing on top of
// its key bytes. useReserve unlocks the emergency tail of the capacity.
// Returns ErrFull when the log cannot cover the request; the caller
// should reclaim (flush pins) and retry.
func (j *Journal) Reserve(records, n int, useReserve bool) (*Reservation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}

	j.reclaimLocked()

	need := n + records*recordHeaderSize
	limit := j.capacity
	if !useReserve {
		limit -= j.reserve
	}
	if j.usedLocked()+need > limit {
		return nil, ErrFull
	}

	j.seq++
	j.reservedBytes += need
	return &Reservation{Seq: j.seq, remaining: need, active: true}, nil
}

// Release returns a reservation's unused space. Idempotent and nil-safe;
// called on every transaction exit path.
func (j *Journal) Release(res *Reservation) {
	if res == nil || !res.active {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.reservedBytes -= res.remaining
	res.remaining = 0
	res.active = false
}

// Append writes one key under the reservation's sequence.
func (j *Journal) Append(res *Reservation, tree base.TreeID, k *base.Key) error {
	if !res.Active() {
		return errors.New("journal: append without active reservation")
	}

	n := k.EncodedSize()
	buf := make([]byte, recordHeaderSize+n)
	k.Encode(buf[recordHeaderSize:])
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
	buf[2] = byte(tree)
	binary.LittleEndian.PutUint64(buf[4:12], xxhash.Sum64(buf[recordHeaderSize:]))

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	if j.file != nil {
		if _, err := j.file.WriteAt(buf, j.offset); err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
	} else {
		j.mem = append(j.mem, buf...)
	}
	j.offset += int64(len(buf))
	j.bytesSinceSync += len(buf)

	// Move the record's bytes from reserved to appended accounting.
	consumed := len(buf)
	if consumed > res.remaining {
		consumed = res.remaining
	}
	res.remaining -= consumed
	j.reservedBytes -= consumed
	j.seqBytes[res.Seq] += len(buf)

	return nil
}

// AddPin registers a pin at seq. The flush callback is invoked by
// FlushPins when the journal wants its space back.
func (j *Journal) AddPin(seq uint64, flush func()) *Pin {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := &Pin{Seq: seq, flush: flush}
	j.pins[seq] = append(j.pins[seq], p)
	return p
}

// ReleasePin drops p. Once a sequence has no pins its appended bytes
// are reclaimed.
func (j *Journal) ReleasePin(p *Pin) {
	if p == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	pins := j.pins[p.Seq]
	for i, q := range pins {
		if q == p {
			pins = append(pins[:i], pins[i+1:]...)
			break
		}
	}
	if len(pins) == 0 {
		delete(j.pins, p.Seq)
		delete(j.seqBytes, p.Seq)
		j.reclaimLocked()
	} else {
		j.pins[p.Seq] = pins
	}
}

// Compact truncates the backing store once nothing in the log is still
// needed: no outstanding reservations, pins, or unreclaimed appended
// bytes. Callers must only invoke it when every logged key is durable
// somewhere else; without node write-back the log is the sole copy and
// keeps its full history.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.reservedBytes != 0 || len(j.seqBytes) != 0 || len(j.pins) != 0 {
		return nil
	}
	if j.file != nil {
		if err := j.file.Truncate(0); err != nil {
			return err
		}
	} else {
		j.mem = j.mem[:0]
	}
	j.offset = 0
	j.bytesSinceSync = 0
	return nil
}

// FlushPins invokes every registered pin's flush callback, oldest
// sequence first, asking pin holders to make their state durable and
// release. Used when a reservation fails for lack of space.
func (j *Journal) FlushPins() {
	j.mu.Lock()
	var all []*Pin
	for _, pins := range j.pins {
		all = append(all, pins...)
	}
	j.mu.Unlock()

	for _, p := range all {
		if p.flush != nil {
			p.flush()
		}
	}
}

// PinCount returns the number of outstanding pins.
func (j *Journal) PinCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, pins := range j.pins {
		n += len(pins)
	}
	return n
}

// Sync conditionally fsyncs based on the configured sync mode.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.syncMode {
	case SyncEveryCommit:
		return j.syncLocked()
	case SyncBytes:
		if j.bytesSinceSync >= j.bytesPerSync {
			return j.syncLocked()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("unknown journal sync mode: %d", j.syncMode)
	}
}

// ForceSync unconditionally fsyncs. Used on Close.
func (j *Journal) ForceSync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.bytesSinceSync = 0
	return nil
}

// Replay reads every record in the journal from the start and hands it
// to fn in append order. Records with bad checksums terminate the scan;
// everything before them is still applied.
func (j *Journal) Replay(fn func(tree base.TreeID, k base.Key) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data []byte
	if j.file != nil {
		data = make([]byte, j.offset)
		if _, err := j.file.ReadAt(data, 0); err != nil && err != io.EOF {
			return fmt.Errorf("journal replay read: %w", err)
		}
	} else {
		data = j.mem
	}

	for len(data) >= recordHeaderSize {
		n := int(binary.LittleEndian.Uint16(data[0:2]))
		tree := base.TreeID(data[2])
		sum := binary.LittleEndian.Uint64(data[4:12])
		if len(data) < recordHeaderSize+n {
			break
		}
		rec := data[recordHeaderSize : recordHeaderSize+n]
		if xxhash.Sum64(rec) != sum {
			break
		}
		k, _, err := base.DecodeKey(rec)
		if err != nil {
			return fmt.Errorf("journal replay: %w", err)
		}
		if err := fn(tree, k); err != nil {
			return err
		}
		data = data[recordHeaderSize+n:]
	}
	return nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
