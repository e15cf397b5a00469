package base

import "math"

// TreeID identifies one of the filesystem's btrees.
type TreeID uint8

const (
	TreeExtents TreeID = iota
	TreeInodes
	TreeDirents
	TreeXattrs

	NumTrees
)

func (id TreeID) String() string {
	switch id {
	case TreeExtents:
		return "extents"
	case TreeInodes:
		return "inodes"
	case TreeDirents:
		return "dirents"
	case TreeXattrs:
		return "xattrs"
	default:
		return "unknown"
	}
}

// Pos is a key position, the sort key within a single tree.
// Keys sort by (Inode, Offset).
type Pos struct {
	Inode  uint64
	Offset uint64
}

var (
	// MinPos is the smallest representable position.
	MinPos = Pos{}

	// MaxPos is the largest representable position.
	MaxPos = Pos{Inode: math.MaxUint64, Offset: math.MaxUint64}
)

// Cmp returns -1, 0, or 1 comparing p against q.
func (p Pos) Cmp(q Pos) int {
	if p.Inode != q.Inode {
		if p.Inode < q.Inode {
			return -1
		}
		return 1
	}
	if p.Offset != q.Offset {
		if p.Offset < q.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// Next returns the successor of p in key order.
// Next(MaxPos) saturates at MaxPos.
func (p Pos) Next() Pos {
	if p.Offset == math.MaxUint64 {
		if p.Inode == math.MaxUint64 {
			return p
		}
		return Pos{Inode: p.Inode + 1}
	}
	return Pos{Inode: p.Inode, Offset: p.Offset + 1}
}
