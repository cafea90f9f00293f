package ext4writer

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

func csumSeed(uuid [16]byte, tail []byte) uint32 {
	seed := csum.CRC32C(uuid[:])
	return csum.CRC32CContinue(seed, tail)
}

func csumFold(seed uint32, data []byte) uint32 {
	return csum.CRC32CContinue(seed, data)
}

// metadataSeed returns the crc32c seed metadata_csum derives from an
// inode's (number, generation) pair folded into the filesystem UUID.
// Both an inode's own checksum and every on-disk extent-tree node's
// tail checksum start from this same seed, since both are protecting
// data that belongs to one specific inode.
func metadataSeed(uuid [16]byte, ino uint32) uint32 {
	var buf [8]byte
	buf[0] = byte(ino)
	buf[1] = byte(ino >> 8)
	buf[2] = byte(ino >> 16)
	buf[3] = byte(ino >> 24)
	// buf[4:8] (inode generation) stays zero: this converter never
	// reuses inode numbers across filesystems.
	return csumSeed(uuid, buf[:])
}

// Image is the state one WriteMetadata call accumulates: the
// superblock, every group descriptor, and the freshly built bitmaps,
// ready to be serialized to the target device in one pass.
type Image struct {
	Layout     *ext4layout.Layout
	Superblock Superblock
	Groups     []GroupDesc

	BlockBitmaps []*groupBitmap
	InodeBitmaps []*groupBitmap
}

// BuildImage assembles the superblock, group descriptor table, and
// per-group bitmaps from a completed layout plan, the set of blocks
// actually in use (reserved metadata plus every block an inode's
// extent tree or inline data ended up occupying), and the set of Ext4
// inode numbers actually assigned.
func BuildImage(layout *ext4layout.Layout, fs *reader.FsInfo, journalBlocks uint32, uuid [16]byte, usedBlocks map[ext4layout.BlockNum]bool, assignedInodes map[uint32]bool) (*Image, error) {
	sb, err := BuildSuperblock(layout, fs, journalBlocks, uuid)
	if err != nil {
		return nil, err
	}
	groups := BuildGroupDescs(layout)

	img := &Image{
		Layout:     layout,
		Superblock: sb,
		Groups:     groups,
	}

	for i, g := range layout.Groups {
		bm := BuildBlockBitmap(layout, g, usedBlocks)
		img.BlockBitmaps = append(img.BlockBitmaps, bm)
		ib := BuildInodeBitmap(layout, int64(i), assignedInodes)
		img.InodeBitmaps = append(img.InodeBitmaps, ib)

		// Bitmaps only exist from this point on, so their checksums
		// are back-filled into the already-built descriptor here
		// rather than when BuildGroupDescs first stamped it out.
		blockCsum := bitmapChecksum(uuid, bm.bytes)
		img.Groups[i].BlockBitmapCsumLo = uint16(blockCsum)
		img.Groups[i].BlockBitmapCsumHi = uint16(blockCsum >> 16)
		inodeCsum := bitmapChecksum(uuid, ib.bytes)
		img.Groups[i].InodeBitmapCsumLo = uint16(inodeCsum)
		img.Groups[i].InodeBitmapCsumHi = uint16(inodeCsum >> 16)
	}

	img.updateFreeCounts()
	return img, nil
}

// updateFreeCounts recomputes every group's free block/inode counts
// (and the superblock's filesystem-wide totals) from the final
// bitmaps, since bitmap construction happens after the descriptors are
// first stamped out with zeroed counts.
func (img *Image) updateFreeCounts() {
	var totalFreeBlocks, totalFreeInodes uint64
	for i, g := range img.Layout.Groups {
		groupBlocks := int(img.Layout.BlocksPerGroup)
		if g.GroupStart+ext4layout.BlockNum(groupBlocks) > ext4layout.BlockNum(img.Layout.TotalBlocks) {
			groupBlocks = int(ext4layout.BlockNum(img.Layout.TotalBlocks) - g.GroupStart)
		}
		freeBlocks := img.BlockBitmaps[i].freeCount(groupBlocks)
		freeInodes := img.InodeBitmaps[i].freeCount(int(img.Layout.InodesPerGroup))

		img.Groups[i].FreeBlocksCountLo = uint16(freeBlocks)
		img.Groups[i].FreeBlocksCountHi = uint16(freeBlocks >> 16)
		img.Groups[i].FreeInodesCountLo = uint16(freeInodes)
		img.Groups[i].FreeInodesCountHi = uint16(freeInodes >> 16)

		totalFreeBlocks += uint64(freeBlocks)
		totalFreeInodes += uint64(freeInodes)
	}
	img.Superblock.FreeBlocksCountLo = uint32(totalFreeBlocks)
	img.Superblock.FreeBlocksCountHi = uint32(totalFreeBlocks >> 32)
	img.Superblock.FreeInodesCount = uint32(totalFreeInodes)
}

// WriteMetadata serializes the superblock (primary plus every
// sparse_super backup), the group descriptor table (same placement),
// and every group's bitmaps to dev.
func WriteMetadata(dev diskio.File[int64], img *Image) error {
	layout := img.Layout
	for gi, g := range layout.Groups {
		if !g.HasSuper {
			continue
		}
		sb := ForGroup(img.Superblock, uint16(gi))
		sbBuf, err := Marshal(sb)
		if err != nil {
			return err
		}
		sbOff := int64(g.SuperblockBlock) * int64(layout.BlockSize)
		if gi == 0 {
			sbOff = 1024 // the primary superblock always lives at byte 1024
		}
		if _, err := dev.WriteAt(sbBuf, sbOff); err != nil {
			return fmt.Errorf("ext4writer: writing superblock copy for group %d: %w", gi, err)
		}

		gdtOff := int64(g.GDTStart) * int64(layout.BlockSize)
		for i, gd := range img.Groups {
			buf, err := MarshalGroupDesc(img.Superblock.UUID, uint32(i), gd)
			if err != nil {
				return err
			}
			if _, err := dev.WriteAt(buf, gdtOff+int64(i)*ext4layout.DescSize); err != nil {
				return fmt.Errorf("ext4writer: writing group descriptor %d in group %d's GDT copy: %w", i, gi, err)
			}
		}
	}

	for gi, g := range layout.Groups {
		bmBuf := img.BlockBitmaps[gi].bytes
		if _, err := dev.WriteAt(bmBuf, int64(g.BlockBitmap)*int64(layout.BlockSize)); err != nil {
			return fmt.Errorf("ext4writer: writing block bitmap for group %d: %w", gi, err)
		}
		ibBuf := img.InodeBitmaps[gi].bytes
		if _, err := dev.WriteAt(ibBuf, int64(g.InodeBitmap)*int64(layout.BlockSize)); err != nil {
			return fmt.Errorf("ext4writer: writing inode bitmap for group %d: %w", gi, err)
		}
	}
	return nil
}

// builtInodeBytes serializes raw to its wire form, computing the
// metadata_csum inode checksum: crc32c seeded with the filesystem
// UUID and the inode's own generation-qualified number, over the
// struct with both checksum halves zeroed.
func builtInodeBytes(uuid [16]byte, ino uint32, raw RawInode) ([]byte, error) {
	raw.ChecksumLo, raw.ChecksumHi = 0, 0
	zeroed, err := binstruct.Marshal(raw)
	if err != nil {
		return nil, err
	}
	full := csumFold(metadataSeed(uuid, ino), zeroed)
	raw.ChecksumLo = uint16(full)
	raw.ChecksumHi = uint16(full >> 16)
	return binstruct.Marshal(raw)
}

// WriteInode marshals raw to its slot in the inode table and writes
// it, plus every extra block the inode's builder allocated (extent
// nodes, directory data, inline-xattr overflow).
func WriteInode(dev diskio.File[int64], layout *ext4layout.Layout, uuid [16]byte, ino uint32, built *BuiltInode) error {
	groupIdx := (ino - 1) / layout.InodesPerGroup
	indexInGroup := (ino - 1) % layout.InodesPerGroup
	if int(groupIdx) >= len(layout.Groups) {
		return fmt.Errorf("ext4writer: inode %d falls outside the planned %d groups", ino, len(layout.Groups))
	}
	g := layout.Groups[groupIdx]

	raw, err := builtInodeBytes(uuid, ino, built.Raw)
	if err != nil {
		return fmt.Errorf("ext4writer: marshaling inode %d: %w", ino, err)
	}
	off := int64(g.InodeTableStart)*int64(layout.BlockSize) + int64(indexInGroup)*int64(layout.InodeSize)
	if _, err := dev.WriteAt(raw, off); err != nil {
		return fmt.Errorf("ext4writer: writing inode %d: %w", ino, err)
	}

	for blk, buf := range built.ExtraBlocks {
		if _, err := dev.WriteAt(buf, int64(blk)*int64(layout.BlockSize)); err != nil {
			return fmt.Errorf("ext4writer: writing extra block %d for inode %d: %w", blk, ino, err)
		}
	}
	return nil
}
