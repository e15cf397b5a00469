package crowdb

import "crowdb/internal/base"

// KeyList is an ordered batch of keys for InsertList. Keys must be
// appended in position order.
type KeyList struct {
	keys []base.Key
}

// Push appends a key. Returns ErrEntryInvalid if it sorts before the
// previous key.
func (l *KeyList) Push(k base.Key) error {
	if n := len(l.keys); n > 0 && k.StartPos().Cmp(l.keys[n-1].StartPos()) < 0 {
		return ErrEntryInvalid
	}
	l.keys = append(l.keys, k)
	return nil
}

// Front returns a pointer to the first remaining key. Panics when
// empty.
func (l *KeyList) Front() *base.Key { return &l.keys[0] }

// Pop discards the first remaining key.
func (l *KeyList) Pop() { l.keys = l.keys[1:] }

// Empty reports whether every key has been consumed.
func (l *KeyList) Empty() bool { return len(l.keys) == 0 }

// Len returns the number of remaining keys.
func (l *KeyList) Len() int { return len(l.keys) }
