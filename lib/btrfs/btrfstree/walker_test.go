package btrfstree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfssum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

const testNodeSize = 4096

func writeNode(t *testing.T, dev *diskio.MemFile[btrfsvol.LogicalAddr], metaUUID btrfsprim.UUID, addr btrfsvol.LogicalAddr, node Node) {
	t.Helper()
	node.ChecksumType = btrfssum.TypeCRC32C
	node.Size = testNodeSize
	node.Head.Addr = addr
	node.Head.MetadataUUID = metaUUID

	dat, err := node.MarshalBinary()
	require.NoError(t, err)

	sum, err := node.ChecksumType.Sum(dat[csumSize:])
	require.NoError(t, err)
	copy(dat, sum[:])

	_, err = dev.WriteAt(dat, addr)
	require.NoError(t, err)
}

func leafNode(owner btrfsprim.ObjID, gen btrfsprim.Generation, items []Item) Node {
	return Node{Head: NodeHeader{Owner: owner, Generation: gen, Level: 0}, BodyLeaf: items}
}

func inodeItem(key btrfsprim.Key, size int64) Item {
	body := btrfsitem.Inode{Size: size}
	bs, _ := binstruct.Marshal(body)
	return Item{Key: key, BodySize: uint32(len(bs)), Body: body}
}

func TestWalkVisitsAllLeafItemsInOrder(t *testing.T) {
	dev := diskio.NewMemFile[btrfsvol.LogicalAddr]("test", testNodeSize*4)
	metaUUID := btrfsprim.UUID{1, 2, 3}

	leafAddr := btrfsvol.LogicalAddr(testNodeSize)
	items := []Item{
		inodeItem(btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey}, 10),
		inodeItem(btrfsprim.Key{ObjectID: 258, ItemType: btrfsprim.InodeItemKey}, 20),
	}
	writeNode(t, dev, metaUUID, leafAddr, leafNode(btrfsprim.FSTreeObjID, 5, items))

	sb := Superblock{ChecksumType: btrfssum.TypeCRC32C, NodeSize: testNodeSize, FSUUID: metaUUID}

	var seen []btrfsprim.Key
	err := Walk[btrfsvol.LogicalAddr](dev, sb, btrfsprim.FSTreeObjID, leafAddr, 5, 0, func(path []KeyPointer, item Item) error {
		seen = append(seen, item.Key)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, btrfsprim.ObjID(257), seen[0].ObjectID)
	assert.Equal(t, btrfsprim.ObjID(258), seen[1].ObjectID)
}

func TestWalkDetectsChecksumCorruption(t *testing.T) {
	dev := diskio.NewMemFile[btrfsvol.LogicalAddr]("test", testNodeSize*4)
	metaUUID := btrfsprim.UUID{1, 2, 3}

	leafAddr := btrfsvol.LogicalAddr(testNodeSize)
	items := []Item{inodeItem(btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey}, 10)}
	writeNode(t, dev, metaUUID, leafAddr, leafNode(btrfsprim.FSTreeObjID, 5, items))

	// Corrupt one byte in the body.
	buf := dev.Bytes()
	buf[int(leafAddr)+nodeHeaderSize] ^= 0xff

	sb := Superblock{ChecksumType: btrfssum.TypeCRC32C, NodeSize: testNodeSize, FSUUID: metaUUID}
	err := Walk[btrfsvol.LogicalAddr](dev, sb, btrfsprim.FSTreeObjID, leafAddr, 5, 0, func(path []KeyPointer, item Item) error {
		return nil
	})
	assert.Error(t, err)
}

func TestWalkRejectsRootLevelAboveMax(t *testing.T) {
	dev := diskio.NewMemFile[btrfsvol.LogicalAddr]("test", testNodeSize)
	sb := Superblock{ChecksumType: btrfssum.TypeCRC32C, NodeSize: testNodeSize}
	err := Walk[btrfsvol.LogicalAddr](dev, sb, btrfsprim.FSTreeObjID, 0, 0, MaxLevel+1, func(path []KeyPointer, item Item) error {
		return nil
	})
	assert.Error(t, err)
}

func TestWalkStopsOnHandlerError(t *testing.T) {
	dev := diskio.NewMemFile[btrfsvol.LogicalAddr]("test", testNodeSize*4)
	metaUUID := btrfsprim.UUID{9, 9}

	leafAddr := btrfsvol.LogicalAddr(testNodeSize)
	items := []Item{
		inodeItem(btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey}, 1),
		inodeItem(btrfsprim.Key{ObjectID: 258, ItemType: btrfsprim.InodeItemKey}, 1),
	}
	writeNode(t, dev, metaUUID, leafAddr, leafNode(btrfsprim.FSTreeObjID, 1, items))

	sb := Superblock{ChecksumType: btrfssum.TypeCRC32C, NodeSize: testNodeSize, FSUUID: metaUUID}
	count := 0
	err := Walk[btrfsvol.LogicalAddr](dev, sb, btrfsprim.FSTreeObjID, leafAddr, 1, 0, func(path []KeyPointer, item Item) error {
		count++
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}
