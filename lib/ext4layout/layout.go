// Package ext4layout computes the Ext4 geometry a conversion target
// must have: group count, per-group metadata placement, and the data
// block budget the reader's Btrfs file data requires. It mirrors the
// superblock geometry fields documented in the Ext4 on-disk format
// (see the field layout in hellin-go-ext4's Superblock) without
// depending on that package directly, since this converter builds its
// own on-disk structures in lib/ext4writer.
package ext4layout

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
)

// BlockNum is an Ext4 block number.
type BlockNum uint64

// DescSize is the fixed 64-byte group descriptor size this writer
// always uses (64bit + metadata_csum feature set).
const DescSize = 64

// MinInodesPerGroup is the floor this converter enforces for inodes_per_group.
const MinInodesPerGroup = 16

// GroupLayout is the metadata placement for one block group.
type GroupLayout struct {
	GroupStart BlockNum

	HasSuper        bool
	SuperblockBlock BlockNum

	GDTStart        BlockNum
	GDTLen          uint32
	ReservedGDTLen  uint32

	BlockBitmap     BlockNum
	InodeBitmap     BlockNum
	InodeTableStart BlockNum
	InodeTableLen   uint32

	DataStart  BlockNum
	DataBlocks uint32
}

// Layout is the global Ext4 geometry plus every group's metadata
// placement and the combined reserved-block list.
type Layout struct {
	DeviceSize      int64
	BlockSize       uint32
	InodeSize       uint16
	TotalBlocks     int64
	BlocksPerGroup  uint32
	NumGroups       int64
	InodesPerGroup  uint32
	InodeCount      int64

	Groups []GroupLayout

	// Reserved is every block occupied by Ext4 metadata, sorted and
	// deduplicated, used to seed the relocator's conflict bitmap.
	Reserved []BlockNum

	DataBlocksRequired int64
}

// Options configures Plan. BlockSize must be one of 1024, 2048, 4096.
type Options struct {
	DeviceSize int64
	BlockSize  uint32
	InodeRatio uint32
	InodeSize  uint16
}

func hasSparseSuper(group int64) bool {
	if group == 0 || group == 1 {
		return true
	}
	for _, base := range []int64{3, 5, 7} {
		n := base
		for n <= group {
			if n == group {
				return true
			}
			n *= base
		}
	}
	return false
}

// Plan computes the complete Ext4 geometry for deviceSize bytes,
// verifying the result can hold an inode for every entry in fs.Inodes
// and all of the
// reader's file data with at least a 5% slack margin.
func Plan(opts Options, fs *reader.FsInfo) (*Layout, error) {
	if opts.BlockSize != 1024 && opts.BlockSize != 2048 && opts.BlockSize != 4096 {
		return nil, fmt.Errorf("ext4layout: unsupported block size %d", opts.BlockSize)
	}
	if opts.InodeSize == 0 {
		opts.InodeSize = 256
	}
	if opts.InodeRatio == 0 {
		opts.InodeRatio = 16384
	}

	l := &Layout{
		DeviceSize: opts.DeviceSize,
		BlockSize:  opts.BlockSize,
		InodeSize:  opts.InodeSize,
	}

	l.TotalBlocks = opts.DeviceSize / int64(opts.BlockSize)
	l.BlocksPerGroup = 8 * opts.BlockSize
	l.NumGroups = ceilDiv64(l.TotalBlocks, int64(l.BlocksPerGroup))

	inodesWanted := ceilDiv64(opts.DeviceSize, int64(opts.InodeRatio))
	perGroup := uint32(ceilDiv64(inodesWanted, l.NumGroups))
	perGroup = roundUp32(perGroup, 8)
	if cap := 8 * opts.BlockSize; perGroup > cap {
		perGroup = roundDown32(cap, 8)
	}
	if perGroup < MinInodesPerGroup {
		perGroup = MinInodesPerGroup
	}
	l.InodesPerGroup = perGroup
	l.InodeCount = int64(perGroup) * l.NumGroups

	fsInodeCount := int64(len(fs.Inodes))
	if l.InodeCount < fsInodeCount+16 {
		return nil, fmt.Errorf("ext4layout: %d inodes per group across %d groups (%d total) cannot hold %d inodes + reserve",
			perGroup, l.NumGroups, l.InodeCount, fsInodeCount)
	}

	gdtLen := uint32(ceilDiv64(l.NumGroups*DescSize, int64(opts.BlockSize)))
	rsvGDTLen := reservedGDTBlocks(l.TotalBlocks, l.BlocksPerGroup, gdtLen, opts.BlockSize)

	itBlocksPerGroup := uint32(ceilDiv64(int64(perGroup)*int64(opts.InodeSize), int64(opts.BlockSize)))

	var reserved []BlockNum
	groups := make([]GroupLayout, l.NumGroups)
	for g := int64(0); g < l.NumGroups; g++ {
		groupStart := BlockNum(g * int64(l.BlocksPerGroup))
		if g == 0 && opts.BlockSize == 1024 {
			groupStart = 1 // s_first_data_block
		}
		gl := GroupLayout{GroupStart: groupStart}
		cursor := groupStart

		gl.HasSuper = hasSparseSuper(g)
		if gl.HasSuper {
			gl.SuperblockBlock = cursor
			cursor++
			gl.GDTStart = cursor
			gl.GDTLen = gdtLen
			gl.ReservedGDTLen = rsvGDTLen
			cursor += BlockNum(gdtLen) + BlockNum(rsvGDTLen)
			for b := gl.SuperblockBlock; b < cursor; b++ {
				reserved = append(reserved, b)
			}
		}

		gl.BlockBitmap = cursor
		reserved = append(reserved, cursor)
		cursor++

		gl.InodeBitmap = cursor
		reserved = append(reserved, cursor)
		cursor++

		gl.InodeTableStart = cursor
		gl.InodeTableLen = itBlocksPerGroup
		for b := cursor; b < cursor+BlockNum(itBlocksPerGroup); b++ {
			reserved = append(reserved, b)
		}
		cursor += BlockNum(itBlocksPerGroup)

		gl.DataStart = cursor
		groupEnd := groupStart + BlockNum(l.BlocksPerGroup)
		if int64(groupEnd) > l.TotalBlocks {
			groupEnd = BlockNum(l.TotalBlocks)
		}
		if cursor < groupEnd {
			gl.DataBlocks = uint32(groupEnd - cursor)
		}

		groups[g] = gl
	}
	l.Groups = groups
	l.Reserved = reserved

	l.DataBlocksRequired = estimateDataBlocks(fs, int64(opts.BlockSize))

	remaining := l.TotalBlocks - int64(len(reserved))
	if l.DataBlocksRequired >= remaining {
		return nil, fmt.Errorf("ext4layout: %d data blocks required but only %d available after %d reserved blocks",
			l.DataBlocksRequired, remaining, len(reserved))
	}
	slack := remaining - l.DataBlocksRequired
	if minSlack := l.TotalBlocks / 20; slack < minSlack {
		return nil, fmt.Errorf("ext4layout: only %d blocks of slack after data (%d), need >= 5%% of %d total blocks",
			slack, l.DataBlocksRequired, l.TotalBlocks)
	}

	return l, nil
}

// reservedGDTBlocks follows e2fsprogs's resize-inode heuristic: reserve
// enough descriptor blocks to let the filesystem grow 1024x, capped at
// one block's worth of block-number entries (the resize inode's own
// indirection limit).
func reservedGDTBlocks(totalBlocks int64, blocksPerGroup uint32, gdtLen uint32, blockSize uint32) uint32 {
	const growthFactor = 1024
	maxBlocks := totalBlocks * growthFactor
	rsvGroups := ceilDiv64(maxBlocks, int64(blocksPerGroup))
	gdpb := int64(blockSize) / DescSize
	rsvGDB := ceilDiv64(rsvGroups, gdpb) - int64(gdtLen)
	if rsvGDB < 0 {
		rsvGDB = 0
	}
	addrPerBlock := int64(blockSize) / 4
	if rsvGDB > addrPerBlock {
		rsvGDB = addrPerBlock
	}
	return uint32(rsvGDB)
}

// estimateDataBlocks sums the Ext4 data-block budget: whole blocks for
// every non-inline file extent, extent-index blocks for files with
// more than four extents (epb=340 is this writer's leaf-entry
// capacity, see ext4writer's extent tree builder), one block for every
// symlink target longer than 59 bytes, and a block per directory (most
// directories fit in one linear block; HTree growth is accounted for
// separately by the directory writer at write time, not planning
// time).
func estimateDataBlocks(fs *reader.FsInfo, blockSize int64) int64 {
	const epb = 340
	var total int64
	for _, fe := range fs.Inodes {
		isDir := fe.Mode&0o170000 == 0o040000
		isLink := fe.Mode&0o170000 == 0o120000

		if isLink {
			if len(fe.SymlinkTarget) > 59 {
				total++
			}
			continue
		}
		if isDir {
			total += ceilDiv64(int64(len(fe.Children))*8+24, blockSize)
			continue
		}

		var extentCount int64
		for _, fx := range fe.Extents {
			if fx.Type == btrfsitem.FileExtentInline {
				continue
			}
			total += ceilDiv64(fx.NumBytes, blockSize)
			extentCount++
		}
		if extentCount > 4 {
			total += ceilDiv64(extentCount, epb)
		}
	}
	return total
}

func ceilDiv64(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUp32(v, mult uint32) uint32 {
	if mult == 0 {
		return v
	}
	return ((v + mult - 1) / mult) * mult
}

func roundDown32(v, mult uint32) uint32 {
	if mult == 0 {
		return v
	}
	return (v / mult) * mult
}
