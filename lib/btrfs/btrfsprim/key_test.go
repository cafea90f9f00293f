package btrfsprim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
)

func TestKeyCompareOrdersByObjectIDThenTypeThenOffset(t *testing.T) {
	a := Key{ObjectID: 256, ItemType: InodeItemKey, Offset: 0}
	b := Key{ObjectID: 256, ItemType: DirItemKey, Offset: 0}
	c := Key{ObjectID: 257, ItemType: InodeItemKey, Offset: 0}

	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Negative(t, b.Compare(c))
	assert.Zero(t, a.Compare(a))
}

func TestKeyBinarySize(t *testing.T) {
	assert.Equal(t, 0x11, binstruct.StaticSize(Key{}))
}

func TestMaxKeySortsLast(t *testing.T) {
	k := Key{ObjectID: 1, ItemType: 1, Offset: 1}
	assert.Negative(t, k.Compare(MaxKey))
}

func TestTimeToStd(t *testing.T) {
	tm := Time{Sec: 1700000000, NSec: 500}
	std := tm.ToStd()
	assert.Equal(t, int64(1700000000), std.Unix())
	assert.Equal(t, 500, std.Nanosecond())
}
