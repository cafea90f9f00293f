package ext4writer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
)

func TestSuperblockMarshalsToExactly1024Bytes(t *testing.T) {
	var sb Superblock
	sb.Magic = Magic
	raw, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	assert.Len(t, raw, 1024)
}

func TestSuperblockMagicRoundTrips(t *testing.T) {
	var sb Superblock
	sb.Magic = Magic
	raw, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	assert.Equal(t, byte(0x53), raw[0x38])
	assert.Equal(t, byte(0xEF), raw[0x39])
}

func TestMarshalComputesNonZeroChecksum(t *testing.T) {
	var sb Superblock
	sb.Magic = Magic
	sb.InodesCount = 128
	raw, err := Marshal(sb)
	require.NoError(t, err)
	assert.Len(t, raw, 1024)
	assert.NotZero(t, raw[0x3fc:0x400])
}

func TestGroupDescMarshalsToExactly64Bytes(t *testing.T) {
	var uuid [16]byte
	gd := GroupDesc{BlockBitmapLo: 10, InodeBitmapLo: 11, InodeTableLo: 12}
	raw, err := MarshalGroupDesc(uuid, 0, gd)
	require.NoError(t, err)
	assert.Len(t, raw, 64)
}

func TestGroupDescChecksumChangesWithGroupNumber(t *testing.T) {
	var uuid [16]byte
	gd := GroupDesc{BlockBitmapLo: 10}
	raw0, err := MarshalGroupDesc(uuid, 0, gd)
	require.NoError(t, err)
	raw1, err := MarshalGroupDesc(uuid, 1, gd)
	require.NoError(t, err)
	assert.NotEqual(t, raw0[0x1e:0x20], raw1[0x1e:0x20])
}

func TestLegacyHashIsDeterministic(t *testing.T) {
	h1 := LegacyHash("hello.txt")
	h2 := LegacyHash("hello.txt")
	assert.Equal(t, h1, h2)
	assert.Zero(t, h1&1, "low bit must always be cleared")
}

func TestLegacyHashDiffersAcrossNames(t *testing.T) {
	assert.NotEqual(t, LegacyHash("a"), LegacyHash("b"))
}

func TestMergeRunsCoalescesContiguousBlocks(t *testing.T) {
	blocks := []BlockMapping{
		{Logical: 0, Physical: 100},
		{Logical: 1, Physical: 101},
		{Logical: 2, Physical: 102},
		{Logical: 5, Physical: 200}, // not contiguous with the previous run
	}
	runs := mergeRuns(blocks)
	require.Len(t, runs, 2)
	assert.Equal(t, blockRun{Logical: 0, Physical: 100, Len: 3}, runs[0])
	assert.Equal(t, blockRun{Logical: 5, Physical: 200, Len: 1}, runs[1])
}

func TestMergeRunsSplitsAtMaxExtentLen(t *testing.T) {
	var blocks []BlockMapping
	for i := 0; i < maxExtentLen+10; i++ {
		blocks = append(blocks, BlockMapping{Logical: uint32(i), Physical: uint64(1000 + i)})
	}
	runs := mergeRuns(blocks)
	require.Len(t, runs, 2)
	assert.EqualValues(t, maxExtentLen, runs[0].Len)
	assert.EqualValues(t, 10, runs[1].Len)
}

func TestBuildExtentTreeInlineForFewRuns(t *testing.T) {
	blocks := []BlockMapping{
		{Logical: 0, Physical: 500},
		{Logical: 1, Physical: 501},
	}
	var uuid [16]byte
	tree, err := BuildExtentTree(4096, uuid, 12, blocks, failAlloc(t))
	require.NoError(t, err)
	assert.True(t, tree.Inline)
	assert.Len(t, tree.InlineLeaves, 1) // the two blocks merge into one run
	assert.Equal(t, extentHeaderMagic, tree.InlineHeader.Magic)
}

func TestBuildExtentTreeSpillsToDiskPastFourRuns(t *testing.T) {
	var blocks []BlockMapping
	// Five non-contiguous single-block runs: more than the 4 inline slots.
	for i := 0; i < 5; i++ {
		blocks = append(blocks, BlockMapping{Logical: uint32(i * 100), Physical: uint64(i*1000 + 1)})
	}
	var next uint64 = 9000
	alloc := func() (uint64, error) {
		next++
		return next, nil
	}
	var uuid [16]byte
	tree, err := BuildExtentTree(4096, uuid, 12, blocks, alloc)
	require.NoError(t, err)
	assert.False(t, tree.Inline)
	assert.NotEmpty(t, tree.Blocks)
}

func TestBuildDirBlocksLinearForFewEntries(t *testing.T) {
	entries := []DirEntry{
		{Name: "a.txt", Ino: 20, FileType: FTRegFile},
		{Name: "b.txt", Ino: 21, FileType: FTRegFile},
	}
	blocks, err := BuildDirBlocks(4096, 12, 2, entries)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	// '.' is always the first entry.
	assert.EqualValues(t, 12, blocks[0][0])
}

func TestBuildDirBlocksHTreeForManyEntries(t *testing.T) {
	var entries []DirEntry
	for i := 0; i < 200; i++ {
		entries = append(entries, DirEntry{Name: fmt.Sprintf("file%03d", i), Ino: uint32(100 + i), FileType: FTRegFile})
	}
	blocks, err := BuildDirBlocks(4096, 12, 2, entries)
	require.NoError(t, err)
	assert.Greater(t, len(blocks), 1, "an HTree directory spans a root plus leaves")
}

func TestFileTypeForModeMapsRegularAndDir(t *testing.T) {
	assert.Equal(t, FTDir, FileTypeForMode(modeFmtDir|0755))
	assert.Equal(t, FTRegFile, FileTypeForMode(modeFmtReg|0644))
	assert.Equal(t, FTSymlink, FileTypeForMode(modeFmtLnk|0777))
}

func TestGroupBitmapStartsAllSetThenClearsFreeBlocks(t *testing.T) {
	bm := newGroupBitmap(1024)
	assert.True(t, bm.bytes[0]&1 != 0)
	bm.clear(0)
	bm.clear(1)
	assert.EqualValues(t, 2, bm.freeCount(8))
}

func TestJournalSizeGrowsWithDeviceSize(t *testing.T) {
	small := JournalSizeForDevice(256<<20, 4096)
	big := JournalSizeForDevice(8<<30, 4096)
	assert.Less(t, small, big)
}

func failAlloc(t *testing.T) func() (uint64, error) {
	return func() (uint64, error) {
		t.Fatal("alloc should not be called for an inline extent tree")
		return 0, nil
	}
}
