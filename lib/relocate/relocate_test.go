package relocate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

const testBlockSize = 4096

func fsWithOneExtent(diskByteNr int64, numBytes int64) *reader.FsInfo {
	fs := &reader.FsInfo{
		Inodes: map[btrfsprim.ObjID]*reader.FileEntry{
			257: {
				Mode: 0o100644,
				Extents: []reader.FileExtent{
					{
						DiskByteNr:   btrfsvol.LogicalAddr(diskByteNr),
						DiskNumBytes: btrfsvol.AddrDelta(numBytes),
						NumBytes:     numBytes,
						Type:         btrfsitem.FileExtentReg,
					},
				},
			},
		},
	}
	fs.ChunkMap.Add(btrfsvol.ChunkMapping{LogicalStart: 0, PhysicalStart: 0, Length: 1 << 30})
	return fs
}

func TestBuildPlanRelocatesConflictingBlocks(t *testing.T) {
	fs := fsWithOneExtent(0, testBlockSize*4) // occupies blocks [0,4)

	layout := &ext4layout.Layout{
		BlockSize:   testBlockSize,
		TotalBlocks: 100,
		Reserved:    []ext4layout.BlockNum{0, 1}, // collides with the extent's first two blocks
	}

	plan, err := BuildPlan(layout, fs)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)

	e := plan.Entries[0]
	assert.Equal(t, int64(0), e.SrcOffset)
	assert.Equal(t, int64(2*testBlockSize), e.Length)
	assert.True(t, e.DstOffset >= 4*testBlockSize, "destination must land outside the extent's own range and outside reserved blocks")
}

func TestBuildPlanSkipsNonConflictingExtents(t *testing.T) {
	fs := fsWithOneExtent(10*testBlockSize, testBlockSize*2)
	layout := &ext4layout.Layout{
		BlockSize:   testBlockSize,
		TotalBlocks: 100,
		Reserved:    []ext4layout.BlockNum{0, 1, 2},
	}
	plan, err := BuildPlan(layout, fs)
	require.NoError(t, err)
	assert.Empty(t, plan.Entries)
}

func TestExecuteCopiesAndChecksumsThenRewritesExtents(t *testing.T) {
	fs := fsWithOneExtent(0, testBlockSize*2)
	layout := &ext4layout.Layout{
		BlockSize:   testBlockSize,
		TotalBlocks: 20,
		Reserved:    []ext4layout.BlockNum{0, 1},
	}
	plan, err := BuildPlan(layout, fs)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)

	dev := diskio.NewMemFile[btrfsvol.PhysicalAddr]("test", testBlockSize*20)
	payload := make([]byte, plan.Entries[0].Length)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = dev.WriteAt(payload, btrfsvol.PhysicalAddr(plan.Entries[0].SrcOffset))
	require.NoError(t, err)

	require.NoError(t, Execute(context.Background(), dev, plan))
	assert.True(t, plan.Entries[0].Completed)
	assert.NotZero(t, plan.Entries[0].Checksum)

	got := make([]byte, len(payload))
	_, err = dev.ReadAt(got, btrfsvol.PhysicalAddr(plan.Entries[0].DstOffset))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	RewriteExtents(fs, plan)
	assert.Equal(t, btrfsvol.LogicalAddr(plan.Entries[0].DstOffset), fs.Inodes[257].Extents[0].DiskByteNr)
}

func TestCoalesceMergesAdjacentEntries(t *testing.T) {
	in := []RelocationEntry{
		{SrcOffset: 0, DstOffset: 1000, Length: 10},
		{SrcOffset: 10, DstOffset: 1010, Length: 10},
		{SrcOffset: 30, DstOffset: 2000, Length: 10},
	}
	out := coalesce(in)
	require.Len(t, out, 2)
	assert.Equal(t, int64(20), out[0].Length)
}
