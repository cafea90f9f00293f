package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/decompress"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

func TestOrderedInodesSortsByParentThenSelf(t *testing.T) {
	fs := &reader.FsInfo{Inodes: map[btrfsprim.ObjID]*reader.FileEntry{
		300: {Ino: 300, ParentIno: 258},
		257: {Ino: 257, ParentIno: 256},
		258: {Ino: 258, ParentIno: 256},
		256: {Ino: 256, ParentIno: 256},
	}}
	order := orderedInodes(fs)
	var got []btrfsprim.ObjID
	for _, fe := range order {
		got = append(got, fe.Ino)
	}
	assert.Equal(t, []btrfsprim.ObjID{256, 257, 258, 300}, got)
}

func TestBlockAllocatorSkipsReservedAndAlreadyUsedBlocks(t *testing.T) {
	layout := &ext4layout.Layout{
		Groups: []ext4layout.GroupLayout{
			{DataStart: 10, DataBlocks: 4}, // blocks 10,11,12,13
		},
	}
	used := map[ext4layout.BlockNum]bool{11: true}
	a := newBlockAllocator(layout, used)

	b1, err := a.alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 10, b1)

	b2, err := a.alloc() // 11 is pre-used, must be skipped
	require.NoError(t, err)
	assert.EqualValues(t, 12, b2)

	b3, err := a.alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 13, b3)

	_, err = a.alloc()
	assert.Error(t, err, "the group's data range is exhausted")
}

func TestBlockAllocatorAdvancesAcrossGroups(t *testing.T) {
	layout := &ext4layout.Layout{
		Groups: []ext4layout.GroupLayout{
			{DataStart: 10, DataBlocks: 1},
			{DataStart: 50, DataBlocks: 2},
		},
	}
	a := newBlockAllocator(layout, map[ext4layout.BlockNum]bool{})

	b1, err := a.alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 10, b1)

	b2, err := a.alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 50, b2, "the first group is exhausted, so alloc crosses into the second")
}

func TestResolvePhysicalUsesChunkMapWhenItCovers(t *testing.T) {
	fs := &reader.FsInfo{}
	fs.ChunkMap.Add(btrfsvol.ChunkMapping{
		LogicalStart:  1000,
		PhysicalStart: 5000,
		Length:        100,
	})
	got := resolvePhysical(fs, 1010)
	assert.EqualValues(t, 5010, got)
}

func TestResolvePhysicalTreatsUnresolvedAddressAsAlreadyPhysical(t *testing.T) {
	fs := &reader.FsInfo{} // empty chunk map: everything misses
	got := resolvePhysical(fs, 424242)
	assert.EqualValues(t, 424242, got)
}

func TestMapCompressionCoversEveryBtrfsCodec(t *testing.T) {
	assert.Equal(t, decompress.None, mapCompression(btrfsitem.CompressNone))
	assert.Equal(t, decompress.ZLIB, mapCompression(btrfsitem.CompressZLIB))
	assert.Equal(t, decompress.LZO, mapCompression(btrfsitem.CompressLZO))
	assert.Equal(t, decompress.ZSTD, mapCompression(btrfsitem.CompressZSTD))
}

func TestMaterializeFileContentZeroFillsSparseHoles(t *testing.T) {
	fe := &reader.FileEntry{
		Ino:  300,
		Size: 12,
		Extents: []reader.FileExtent{
			{
				FileOffset:  0,
				Type:        btrfsitem.FileExtentInline,
				Compression: btrfsitem.CompressNone,
				NumBytes:    4,
				InlineBytes: []byte("abcd"),
			},
			{
				FileOffset:  8,
				Type:        btrfsitem.FileExtentInline,
				Compression: btrfsitem.CompressNone,
				NumBytes:    4,
				InlineBytes: []byte("wxyz"),
			},
		},
	}
	content, err := materializeFileContent(nil, &reader.FsInfo{}, fe)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd\x00\x00\x00\x00wxyz"), content)
}
