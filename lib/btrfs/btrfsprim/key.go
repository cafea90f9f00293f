package btrfsprim

import (
	"fmt"
	"math"
	"time"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
)

// Generation is a Btrfs transaction ID.
type Generation uint64

// Key is the {ObjectID, ItemType, Offset} triple the B-tree orders items
// by. Its on-disk layout is packed and must not rely on struct padding.
type Key struct {
	ObjectID      ObjID    `bin:"off=0x0, siz=0x8"`
	ItemType      ItemType `bin:"off=0x8, siz=0x1"`
	Offset        uint64   `bin:"off=0x9, siz=0x8"`
	binstruct.End `bin:"off=0x11"`
}

func (k Key) String() string {
	return fmt.Sprintf("{%v %v %v}", k.ObjectID, k.ItemType, k.Offset)
}

// MaxOffset is the largest value a Key.Offset can hold.
const MaxOffset uint64 = math.MaxUint64

// MaxKey sorts after every valid key; it bounds B-tree range searches.
var MaxKey = Key{
	ObjectID: math.MaxUint64,
	ItemType: math.MaxUint8,
	Offset:   math.MaxUint64,
}

// Mm ("minus-minus") returns the key immediately before k in B-tree
// order; the walker uses it to turn a sibling's lower bound into this
// node's inclusive upper bound.
func (k Key) Mm() Key {
	switch {
	case k.Offset > 0:
		k.Offset--
	case k.ItemType > 0:
		k.ItemType--
		k.Offset = MaxOffset
	case k.ObjectID > 0:
		k.ObjectID--
		k.ItemType = math.MaxUint8
		k.Offset = MaxOffset
	}
	return k
}

// Compare orders keys the way the B-tree does: by ObjectID, then
// ItemType, then Offset.
func (a Key) Compare(b Key) int {
	switch {
	case a.ObjectID < b.ObjectID:
		return -1
	case a.ObjectID > b.ObjectID:
		return 1
	}
	switch {
	case a.ItemType < b.ItemType:
		return -1
	case a.ItemType > b.ItemType:
		return 1
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

// Time is Btrfs's on-disk timestamp: seconds since the epoch plus a
// nanosecond remainder.
type Time struct {
	Sec           int64  `bin:"off=0x0, siz=0x8"`
	NSec          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

// ToStd converts to a standard library time.Time in UTC.
func (t Time) ToStd() time.Time {
	return time.Unix(t.Sec, int64(t.NSec)).UTC()
}
