package reader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfssum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

const (
	testDeviceSize = 0x100000
	testNodeSize   = 4096
)

// writeItem builds a single btrfstree.Item with its BodySize computed
// from the marshaled body, so the node's ItemHeader.DataSize is always
// consistent with what MarshalBinary actually emits.
func writeItem(t *testing.T, key btrfsprim.Key, body btrfsitem.Item) btrfstree.Item {
	t.Helper()
	bs, err := binstruct.Marshal(body)
	require.NoError(t, err)
	return btrfstree.Item{Key: key, BodySize: uint32(len(bs)), Body: body}
}

func writeLeaf(t *testing.T, dev *diskio.MemFile[btrfsvol.PhysicalAddr], metaUUID btrfsprim.UUID, addr btrfsvol.PhysicalAddr, owner btrfsprim.ObjID, gen btrfsprim.Generation, items []btrfstree.Item) {
	t.Helper()
	node := btrfstree.Node{
		ChecksumType: btrfssum.TypeCRC32C,
		Size:         testNodeSize,
		Head: btrfstree.NodeHeader{
			MetadataUUID: metaUUID,
			Addr:         btrfsvol.LogicalAddr(addr),
			Owner:        owner,
			Generation:   gen,
			Level:        0,
		},
		BodyLeaf: items,
	}
	dat, err := node.MarshalBinary()
	require.NoError(t, err)
	sum, err := node.ChecksumType.Sum(dat[0x20:])
	require.NoError(t, err)
	copy(dat[:0x20], sum[:])
	_, err = dev.WriteAt(dat, addr)
	require.NoError(t, err)
}

// buildImage constructs a minimal single-device Btrfs image: one
// bootstrap chunk (identity-mapped, covering the low region that holds
// the superblock and chunk tree root), one chunk-tree-discovered chunk
// covering the rest of the device, a one-item root tree pointing at a
// one-leaf FS tree with a directory and a five-byte inline file.
func buildImage(t *testing.T) *diskio.MemFile[btrfsvol.PhysicalAddr] {
	t.Helper()
	dev := diskio.NewMemFile[btrfsvol.PhysicalAddr]("test", testDeviceSize)
	metaUUID := btrfsprim.UUID{0xaa, 0xbb}

	const (
		regionABoundary = 0x40000
		chunkTreeAddr   = 0x30000
		rootTreeAddr    = 0x50000
		fsTreeAddr      = 0x60000
	)

	chunkB := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{
			Size:       btrfsvol.AddrDelta(testDeviceSize - regionABoundary),
			Owner:      btrfsprim.ChunkTreeObjID,
			StripeLen:  0x10000,
			Type:       btrfsvol.BlockGroupData,
			NumStripes: 1,
		},
		Stripes: []btrfsitem.ChunkStripe{{DeviceID: 1, Offset: btrfsvol.PhysicalAddr(regionABoundary)}},
	}
	writeLeaf(t, dev, metaUUID, chunkTreeAddr, btrfsprim.ChunkTreeObjID, 7, []btrfstree.Item{
		writeItem(t, btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.ChunkItemKey, Offset: regionABoundary}, chunkB),
	})

	rootItem := btrfsitem.Root{ByteNr: btrfsvol.LogicalAddr(fsTreeAddr), Generation: 9, Level: 0}
	writeLeaf(t, dev, metaUUID, rootTreeAddr, btrfsprim.RootTreeObjID, 9, []btrfstree.Item{
		writeItem(t, btrfsprim.Key{ObjectID: btrfsprim.FSTreeObjID, ItemType: btrfsprim.RootItemKey}, rootItem),
	})

	rootDir := btrfsitem.Inode{Mode: 0o040755, NLink: 2}
	dirIndex := btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey},
		TransID:  9, Type: btrfsitem.FTRegFile, Name: []byte("hello.txt"),
	}
	fileInode := btrfsitem.Inode{Mode: 0o100644, NLink: 1, Size: 5}
	fileExtent := btrfsitem.FileExtent{
		RAMBytes: 5, Type: btrfsitem.FileExtentInline, Compression: btrfsitem.CompressNone,
		BodyInline: []byte("hello"),
	}
	writeLeaf(t, dev, metaUUID, fsTreeAddr, btrfsprim.FSTreeObjID, 9, []btrfstree.Item{
		writeItem(t, btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.InodeItemKey}, rootDir),
		writeItem(t, btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.DirIndexKey, Offset: 2}, dirIndex),
		writeItem(t, btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey}, fileInode),
		writeItem(t, btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.ExtentDataKey}, fileExtent),
	})

	sb := btrfstree.Superblock{
		FSUUID:            metaUUID,
		Magic:             btrfstree.SuperblockMagic,
		Generation:        9,
		RootTree:          btrfsvol.LogicalAddr(rootTreeAddr),
		ChunkTree:         btrfsvol.LogicalAddr(chunkTreeAddr),
		NumDevices:        1,
		SectorSize:        4096,
		NodeSize:          testNodeSize,
		ChecksumType:      btrfssum.TypeCRC32C,
		RootLevel:         0,
		ChunkLevel:        0,
		ChunkRootGeneration: 7,
	}

	chunkA := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{
			Size:       regionABoundary,
			Owner:      btrfsprim.ChunkTreeObjID,
			StripeLen:  0x10000,
			Type:       btrfsvol.BlockGroupSystem,
			NumStripes: 1,
		},
		Stripes: []btrfsitem.ChunkStripe{{DeviceID: 1, Offset: 0}},
	}
	sysChunk := btrfstree.SysChunk{Key: btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.ChunkItemKey, Offset: 0}, Chunk: chunkA}
	scBytes, err := sysChunk.MarshalBinary()
	require.NoError(t, err)
	copy(sb.SysChunkArray[:], scBytes)
	sb.SysChunkArraySize = uint32(len(scBytes))

	calc, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = calc

	sbBytes, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	_, err = dev.WriteAt(sbBytes, btrfsvol.PhysicalAddr(btrfstree.SuperblockOffset))
	require.NoError(t, err)

	return dev
}

func TestReadParsesAMinimalImage(t *testing.T) {
	dev := buildImage(t)

	info, err := Read[btrfsvol.PhysicalAddr](dev, btrfsprim.FSTreeObjID)
	require.NoError(t, err)

	require.Contains(t, info.Inodes, btrfsprim.ObjID(256))
	require.Contains(t, info.Inodes, btrfsprim.ObjID(257))

	root := info.Inodes[256]
	require.Len(t, root.Children, 1)
	assert.Equal(t, "hello.txt", root.Children[0].Name)
	assert.Equal(t, btrfsprim.ObjID(257), root.Children[0].Child)

	file := info.Inodes[257]
	require.Len(t, file.Extents, 1)
	assert.Equal(t, "hello", string(file.Extents[0].InlineBytes))
	assert.Equal(t, int64(5), file.Size)
}

func TestValidateSuperblockRejectsBadSectorSize(t *testing.T) {
	sb := btrfstree.Superblock{
		Magic: btrfstree.SuperblockMagic, SectorSize: 512, NodeSize: 4096,
		NumDevices: 1, SysChunkArraySize: 1,
	}
	calc, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = calc
	assert.Error(t, validateSuperblock(sb))
}

func TestValidateSuperblockRejectsMultiDevice(t *testing.T) {
	sb := btrfstree.Superblock{
		Magic: btrfstree.SuperblockMagic, SectorSize: 4096, NodeSize: 4096,
		NumDevices: 2, SysChunkArraySize: 1,
	}
	calc, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = calc
	assert.Error(t, validateSuperblock(sb))
}
