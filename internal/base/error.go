package base

import "errors"

var (
	ErrKeyMalformed  = errors.New("malformed key")
	ErrValueTooLarge = errors.New("value too large")
	ErrCorruptRecord = errors.New("corrupt record")
	ErrShortRecord   = errors.New("short record")
)
