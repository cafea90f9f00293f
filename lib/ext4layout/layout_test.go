package ext4layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
)

func smallFS(n int) *reader.FsInfo {
	fs := &reader.FsInfo{Inodes: make(map[btrfsprim.ObjID]*reader.FileEntry)}
	fs.Inodes[256] = &reader.FileEntry{Mode: 0o040755}
	for i := 0; i < n; i++ {
		ino := btrfsprim.ObjID(257 + i)
		fs.Inodes[ino] = &reader.FileEntry{
			Mode: 0o100644,
			Extents: []reader.FileExtent{
				{NumBytes: 4096, Type: btrfsitem.FileExtentReg},
			},
		}
	}
	return fs
}

func TestPlanProducesSaneGeometry(t *testing.T) {
	fs := smallFS(10)
	l, err := Plan(Options{DeviceSize: 256 << 20, BlockSize: 4096}, fs)
	require.NoError(t, err)

	assert.Equal(t, int64(256<<20/4096), l.TotalBlocks)
	assert.Equal(t, uint32(8*4096), l.BlocksPerGroup)
	assert.True(t, l.NumGroups >= 1)
	assert.True(t, l.InodesPerGroup >= MinInodesPerGroup)
	assert.Equal(t, uint32(0), l.InodesPerGroup%8)

	g0 := l.Groups[0]
	assert.True(t, g0.HasSuper)
	assert.Equal(t, BlockNum(0), g0.SuperblockBlock)
	assert.True(t, g0.GDTLen >= 1)
	assert.True(t, g0.DataStart > g0.InodeTableStart)
}

func TestPlanFailsWhenTooManyInodesForDevice(t *testing.T) {
	fs := smallFS(1_000_000)
	_, err := Plan(Options{DeviceSize: 4 << 20, BlockSize: 4096, InodeRatio: 16384}, fs)
	assert.Error(t, err)
}

func TestPlanFailsWhenDataExceedsSlackMargin(t *testing.T) {
	fs := smallFS(0)
	for i := 0; i < 2000; i++ {
		ino := btrfsprim.ObjID(1000 + i)
		fs.Inodes[ino] = &reader.FileEntry{
			Mode: 0o100644,
			Extents: []reader.FileExtent{
				{NumBytes: 4096 * 200, Type: btrfsitem.FileExtentReg},
			},
		}
	}
	_, err := Plan(Options{DeviceSize: 16 << 20, BlockSize: 4096, InodeRatio: 1024}, fs)
	assert.Error(t, err)
}

func TestSparseSuperGroupPlacement(t *testing.T) {
	assert.True(t, hasSparseSuper(0))
	assert.True(t, hasSparseSuper(1))
	assert.True(t, hasSparseSuper(3))
	assert.True(t, hasSparseSuper(5))
	assert.True(t, hasSparseSuper(7))
	assert.True(t, hasSparseSuper(9))
	assert.True(t, hasSparseSuper(25))
	assert.False(t, hasSparseSuper(2))
	assert.False(t, hasSparseSuper(4))
	assert.False(t, hasSparseSuper(6))
}
