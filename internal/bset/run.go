// Package bset implements the packed key run: a sorted, append-only
// sequence of variable-length encoded records inside one btree node.
//
// A run is an owned growable byte buffer with an explicit directory of
// record offsets. While open it may be mutated in place; once closed
// (scheduled for write-back) records may never be resized or removed,
// only downgraded to the deleted type.
package bset

import (
	"encoding/binary"
	"sort"

	"crowdb/internal/base"
)

// Run is one packed key run.
type Run struct {
	buf     []byte
	offsets []uint32
	closed  bool

	// JournalSeq is the sequence of the last journal entry covering a
	// mutation to this run. Zero means never journaled.
	JournalSeq uint64
}

// New returns an empty open run with the given initial buffer capacity.
func New(capacity int) *Run {
	return &Run{
		buf:     make([]byte, 0, capacity),
		offsets: make([]uint32, 0, 16),
	}
}

// Count returns the number of records in the run.
func (r *Run) Count() int { return len(r.offsets) }

// Bytes returns the total encoded size of all records.
func (r *Run) Bytes() int { return len(r.buf) }

// Closed reports whether the run has been handed to the write-back path.
func (r *Run) Closed() bool { return r.closed }

// Close marks the run immutable. Records inside it may still be
// downgraded to deleted, but never resized or removed.
func (r *Run) Close() { r.closed = true }

func (r *Run) width(i int) int {
	return int(binary.LittleEndian.Uint16(r.buf[r.offsets[i]:]))
}

// WidthAt returns the encoded size of record i.
func (r *Run) WidthAt(i int) int { return r.width(i) }

// PosAt returns the position of record i without a full decode.
func (r *Run) PosAt(i int) base.Pos {
	off := r.offsets[i]
	return base.Pos{
		Inode:  binary.LittleEndian.Uint64(r.buf[off+4:]),
		Offset: binary.LittleEndian.Uint64(r.buf[off+12:]),
	}
}

// TypeAt returns the type tag of record i.
func (r *Run) TypeAt(i int) base.KeyType {
	return base.KeyType(r.buf[r.offsets[i]+2])
}

// DeletedAt reports whether record i is a tombstone or discard marker.
func (r *Run) DeletedAt(i int) bool {
	t := r.TypeAt(i)
	return t == base.KeyDeleted || t == base.KeyDiscard
}

// NeedsWhiteoutAt reports whether record i shadows durable state.
func (r *Run) NeedsWhiteoutAt(i int) bool {
	return r.buf[r.offsets[i]+3]&0x01 != 0
}

// SetNeedsWhiteoutAt updates record i's whiteout obligation in place.
func (r *Run) SetNeedsWhiteoutAt(i int, v bool) {
	off := r.offsets[i]
	if v {
		r.buf[off+3] |= 0x01
	} else {
		r.buf[off+3] &^= 0x01
	}
}

// KeyAt decodes record i. The returned key's Value aliases the run
// buffer and is invalidated by any mutation to the run.
func (r *Run) KeyAt(i int) base.Key {
	k, _, err := base.DecodeKey(r.buf[r.offsets[i]:])
	if err != nil {
		panic("bset: corrupt record in run")
	}
	return k
}

// Search returns the index of the first record with position >= pos.
func (r *Run) Search(pos base.Pos) int {
	return sort.Search(len(r.offsets), func(i int) bool {
		return r.PosAt(i).Cmp(pos) >= 0
	})
}

// Find returns the index of the record at exactly pos.
func (r *Run) Find(pos base.Pos) (int, bool) {
	i := r.Search(pos)
	if i < len(r.offsets) && r.PosAt(i).Cmp(pos) == 0 {
		return i, true
	}
	return i, false
}

// InsertAt inserts k as record i, shifting later records and their
// offsets. The caller is responsible for keeping the run sorted and for
// fixing up any iterators. Panics if the run is closed.
func (r *Run) InsertAt(i int, k *base.Key) {
	if r.closed {
		panic("bset: insert into closed run")
	}
	n := k.EncodedSize()
	var at int
	if i == len(r.offsets) {
		at = len(r.buf)
	} else {
		at = int(r.offsets[i])
	}

	r.buf = append(r.buf, make([]byte, n)...)
	copy(r.buf[at+n:], r.buf[at:len(r.buf)-n])
	k.Encode(r.buf[at : at+n])

	r.offsets = append(r.offsets, 0)
	copy(r.offsets[i+1:], r.offsets[i:len(r.offsets)-1])
	r.offsets[i] = uint32(at)
	r.shiftOffsets(i+1, n)
}

// RemoveAt physically removes record i, compacting the buffer. Panics if
// the run is closed.
func (r *Run) RemoveAt(i int) {
	if r.closed {
		panic("bset: remove from closed run")
	}
	at := int(r.offsets[i])
	n := r.width(i)

	copy(r.buf[at:], r.buf[at+n:])
	r.buf = r.buf[:len(r.buf)-n]

	copy(r.offsets[i:], r.offsets[i+1:])
	r.offsets = r.offsets[:len(r.offsets)-1]
	r.shiftOffsets(i, -n)
}

// OverwriteAt replaces record i's type tag and value bytes in place.
// The replacement must be the exact same encoded size; this is the
// fast path that needs no offset or iterator fix-up. Panics if the run
// is closed or the sizes differ.
func (r *Run) OverwriteAt(i int, k *base.Key) {
	if r.closed {
		panic("bset: overwrite in closed run")
	}
	if k.EncodedSize() != r.width(i) {
		panic("bset: overwrite size mismatch")
	}
	off := int(r.offsets[i])
	r.buf[off+2] = byte(k.Type)
	copy(r.buf[off+base.RecordHeaderSize:off+r.width(i)], k.Value)
}

// DowngradeAt rewrites record i's type tag to deleted in place and
// zeroes its value bytes. The record keeps its encoded size and framing,
// so no other offsets move. This is the only mutation permitted in a
// closed run.
func (r *Run) DowngradeAt(i int) {
	off := int(r.offsets[i])
	n := r.width(i)
	r.buf[off+2] = byte(base.KeyDeleted)
	for j := off + base.RecordHeaderSize; j < off+n; j++ {
		r.buf[j] = 0
	}
}

// LiveBytes returns the encoded size of all non-deleted records.
func (r *Run) LiveBytes() int {
	live := 0
	for i := range r.offsets {
		if !r.DeletedAt(i) {
			live += r.width(i)
		}
	}
	return live
}

// shiftOffsets adds delta to every directory entry from index i on.
// This is the explicit offset bookkeeping for edits earlier in the
// buffer.
func (r *Run) shiftOffsets(i, delta int) {
	for ; i < len(r.offsets); i++ {
		r.offsets[i] = uint32(int(r.offsets[i]) + delta)
	}
}
