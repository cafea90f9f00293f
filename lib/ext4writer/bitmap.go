package ext4writer

import (
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

// groupBitmap is a dense, byte-packed bitset exactly blockSize bytes
// long -- the fixed shape Ext4 requires for a single block/inode
// bitmap regardless of how many of its bits are actually meaningful in
// the final group (the tail past the group's real length is padded to
// 1, marking it permanently "in use").
type groupBitmap struct {
	bytes []byte
	nbits int
}

func newGroupBitmap(blockSize uint32) *groupBitmap {
	b := make([]byte, blockSize)
	for i := range b {
		b[i] = 0xFF
	}
	return &groupBitmap{bytes: b, nbits: int(blockSize) * 8}
}

func (b *groupBitmap) clear(i int) {
	if i < 0 || i >= b.nbits {
		return
	}
	b.bytes[i/8] &^= 1 << uint(i%8)
}

func (b *groupBitmap) set(i int) {
	if i < 0 || i >= b.nbits {
		return
	}
	b.bytes[i/8] |= 1 << uint(i%8)
}

// freeCount returns the number of cleared bits within [0, validBits).
func (b *groupBitmap) freeCount(validBits int) uint32 {
	var n uint32
	for i := 0; i < validBits; i++ {
		if b.bytes[i/8]&(1<<uint(i%8)) == 0 {
			n++
		}
	}
	return n
}

// BuildBlockBitmap produces group g's block bitmap: every block
// belonging to this group that's in the reserved set or the allocated
// set starts marked used, then the bitmap is cleared bit-by-bit for the
// group's free data blocks. used is the combined reserved-metadata plus
// allocated-data block set, addressed in absolute block numbers.
func BuildBlockBitmap(layout *ext4layout.Layout, g ext4layout.GroupLayout, used map[ext4layout.BlockNum]bool) *groupBitmap {
	bm := newGroupBitmap(layout.BlockSize)
	groupBlocks := int(layout.BlocksPerGroup)
	if g.GroupStart+ext4layout.BlockNum(groupBlocks) > ext4layout.BlockNum(layout.TotalBlocks) {
		groupBlocks = int(ext4layout.BlockNum(layout.TotalBlocks) - g.GroupStart)
	}
	for i := 0; i < groupBlocks; i++ {
		abs := g.GroupStart + ext4layout.BlockNum(i)
		if !used[abs] {
			bm.clear(i)
		}
	}
	return bm
}

// BuildInodeBitmap produces group g's inode bitmap: bits 0-9 (inodes
// 1-10) are marked used in group 0, plus every Ext4 inode number this
// conversion actually assigned that falls in this group's range.
func BuildInodeBitmap(layout *ext4layout.Layout, groupIdx int64, assigned map[uint32]bool) *groupBitmap {
	bm := newGroupBitmap(layout.BlockSize)
	for i := 0; i < int(layout.InodesPerGroup); i++ {
		bm.clear(i)
	}
	first := uint32(groupIdx)*layout.InodesPerGroup + 1
	last := first + layout.InodesPerGroup - 1
	for ino := first; ino <= last; ino++ {
		if assigned[ino] {
			bm.set(int(ino - first))
		}
	}
	if groupIdx == 0 {
		for ino := uint32(1); ino <= 10; ino++ {
			bm.set(int(ino - first))
		}
	}
	return bm
}

// bitmapChecksum computes bg_block_bitmap_csum / bg_inode_bitmap_csum:
// crc32c of the bitmap seeded with the filesystem UUID, same
// convention as the superblock's own checksum.
func bitmapChecksum(uuid [16]byte, raw []byte) uint32 {
	seed := csum.CRC32C(uuid[:])
	return csum.CRC32CContinue(seed, raw)
}
