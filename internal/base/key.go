package base

import "encoding/binary"

// KeyType is a key's type tag. Deleted and Discard keys carry no value
// payload; they exist only to mask earlier versions of a position.
type KeyType uint8

const (
	// KeyDeleted marks a position as deleted (a whiteout/tombstone when
	// it shadows a record in an already-written run).
	KeyDeleted KeyType = iota

	// KeyDiscard is the deletion marker used in extent trees, where a
	// single marker may span a byte range.
	KeyDiscard

	// KeyValue is a normal key with a value payload.
	KeyValue
)

const (
	// RecordHeaderSize is the fixed encoded header preceding the value:
	// [Len:2][Type:1][Flags:1][Inode:8][Offset:8][Version:8][Size:4]
	RecordHeaderSize = 2 + 1 + 1 + 8 + 8 + 8 + 4

	// MaxValueSize bounds a single record's value payload. Values larger
	// than this belong in extents, not inline in a leaf.
	MaxValueSize = 2048

	flagNeedsWhiteout = 0x01
)

// Key is a single decoded record: a position, a type tag, a version
// stamp, and a type-specific value payload.
//
// For extent trees Size is the length of the range ending at Pos, so the
// range covered is [StartPos, Pos). Point trees always have Size == 0.
type Key struct {
	Pos     Pos
	Version uint64
	Size    uint32
	Type    KeyType

	// NeedsWhiteout is set when this record shadows one that may already
	// be durable in a written run, so deleting it must leave a tombstone.
	// Tracked in-node; stripped when the key is journaled.
	NeedsWhiteout bool

	Value []byte
}

// Deleted reports whether k is a deletion (tombstone or discard marker).
func (k *Key) Deleted() bool {
	return k.Type == KeyDeleted || k.Type == KeyDiscard
}

// StartPos returns the start of the range covered by k. For point keys
// this is just k.Pos.
func (k *Key) StartPos() Pos {
	if k.Size == 0 {
		return k.Pos
	}
	return Pos{Inode: k.Pos.Inode, Offset: k.Pos.Offset - uint64(k.Size)}
}

// EncodedSize returns the number of bytes k occupies in a run or a
// journal entry.
func (k *Key) EncodedSize() int {
	return RecordHeaderSize + len(k.Value)
}

// Validate performs structural checks on k. Failures indicate a caller
// bug, not recoverable state.
func (k *Key) Validate() error {
	if k.Type > KeyValue {
		return ErrKeyMalformed
	}
	if k.Deleted() && len(k.Value) != 0 {
		return ErrKeyMalformed
	}
	if len(k.Value) > MaxValueSize {
		return ErrValueTooLarge
	}
	if uint64(k.Size) > k.Pos.Offset {
		return ErrKeyMalformed
	}
	return nil
}

// Encode writes k into buf, which must have room for EncodedSize bytes.
// Returns the number of bytes written.
func (k *Key) Encode(buf []byte) int {
	n := k.EncodedSize()
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
	buf[2] = byte(k.Type)
	var flags byte
	if k.NeedsWhiteout {
		flags |= flagNeedsWhiteout
	}
	buf[3] = flags
	binary.LittleEndian.PutUint64(buf[4:12], k.Pos.Inode)
	binary.LittleEndian.PutUint64(buf[12:20], k.Pos.Offset)
	binary.LittleEndian.PutUint64(buf[20:28], k.Version)
	binary.LittleEndian.PutUint32(buf[28:32], k.Size)
	copy(buf[RecordHeaderSize:n], k.Value)
	return n
}

// DecodeKey decodes a single record from the front of buf. The returned
// key's Value aliases buf.
func DecodeKey(buf []byte) (Key, int, error) {
	if len(buf) < RecordHeaderSize {
		return Key{}, 0, ErrShortRecord
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if n < RecordHeaderSize || n > len(buf) {
		return Key{}, 0, ErrCorruptRecord
	}
	k := Key{
		Pos: Pos{
			Inode:  binary.LittleEndian.Uint64(buf[4:12]),
			Offset: binary.LittleEndian.Uint64(buf[12:20]),
		},
		Version:       binary.LittleEndian.Uint64(buf[20:28]),
		Size:          binary.LittleEndian.Uint32(buf[28:32]),
		Type:          KeyType(buf[2]),
		NeedsWhiteout: buf[3]&flagNeedsWhiteout != 0,
	}
	if n > RecordHeaderSize {
		k.Value = buf[RecordHeaderSize:n]
	}
	return k, n, nil
}
