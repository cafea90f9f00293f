package ext4writer

import (
	"encoding/binary"
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

// GroupDesc is the 64-byte ext4_group_desc this converter always
// writes (the 64bit feature is always on, so every descriptor uses the
// full width rather than the 32-byte legacy form).
type GroupDesc struct {
	BlockBitmapLo     uint32   `bin:"off=0x0,  siz=0x4"`
	InodeBitmapLo     uint32   `bin:"off=0x4,  siz=0x4"`
	InodeTableLo      uint32   `bin:"off=0x8,  siz=0x4"`
	FreeBlocksCountLo uint16   `bin:"off=0xc,  siz=0x2"`
	FreeInodesCountLo uint16   `bin:"off=0xe,  siz=0x2"`
	UsedDirsCountLo   uint16   `bin:"off=0x10, siz=0x2"`
	Flags             uint16   `bin:"off=0x12, siz=0x2"`
	ExcludeBitmapLo   uint32   `bin:"off=0x14, siz=0x4"`
	BlockBitmapCsumLo uint16   `bin:"off=0x18, siz=0x2"`
	InodeBitmapCsumLo uint16   `bin:"off=0x1a, siz=0x2"`
	ItableUnusedLo    uint16   `bin:"off=0x1c, siz=0x2"`
	Checksum          uint16   `bin:"off=0x1e, siz=0x2"`
	BlockBitmapHi     uint32   `bin:"off=0x20, siz=0x4"`
	InodeBitmapHi     uint32   `bin:"off=0x24, siz=0x4"`
	InodeTableHi      uint32   `bin:"off=0x28, siz=0x4"`
	FreeBlocksCountHi uint16   `bin:"off=0x2c, siz=0x2"`
	FreeInodesCountHi uint16   `bin:"off=0x2e, siz=0x2"`
	UsedDirsCountHi   uint16   `bin:"off=0x30, siz=0x2"`
	ItableUnusedHi    uint16   `bin:"off=0x32, siz=0x2"`
	ExcludeBitmapHi   uint32   `bin:"off=0x34, siz=0x4"`
	BlockBitmapCsumHi uint16   `bin:"off=0x38, siz=0x2"`
	InodeBitmapCsumHi uint16   `bin:"off=0x3a, siz=0x2"`
	Reserved          uint32   `bin:"off=0x3c, siz=0x4"`
	binstruct.End              `bin:"off=0x40"`
}

// GroupFlagInodeUninit, GroupFlagBlockUninit, GroupFlagItableZeroed are
// bg_flags bits. This converter always finishes every group's inode
// table itself, so ItableZeroed is the only one ever set.
const (
	GroupFlagInodeUninit = 0x1
	GroupFlagBlockUninit = 0x2
	GroupFlagItableZeroed = 0x4
)

// BuildGroupDescs produces one GroupDesc per group in layout, with
// block/inode/inode-table locations split into lo/hi halves and flags
// set to ItableZeroed (this converter never leaves lazy-init groups
// behind). Free counts and bitmap checksums are filled in later, once
// bitmaps exist: free counts by updateFreeCounts, bitmap checksums by
// BuildImage's own bitmap-building loop.
func BuildGroupDescs(layout *ext4layout.Layout) []GroupDesc {
	descs := make([]GroupDesc, len(layout.Groups))
	for i, g := range layout.Groups {
		descs[i] = GroupDesc{
			BlockBitmapLo: uint32(g.BlockBitmap),
			BlockBitmapHi: uint32(g.BlockBitmap >> 32),
			InodeBitmapLo: uint32(g.InodeBitmap),
			InodeBitmapHi: uint32(g.InodeBitmap >> 32),
			InodeTableLo:  uint32(g.InodeTableStart),
			InodeTableHi:  uint32(g.InodeTableStart >> 32),
			Flags:         GroupFlagItableZeroed,
		}
	}
	return descs
}

// groupDescChecksum computes bg_checksum per the metadata_csum
// algorithm: CRC16 of (fs uuid || group number || descriptor with
// bg_checksum zeroed), seeded 0xFFFF, using csum.CRC16ANSI.
func groupDescChecksum(uuid [16]byte, groupNr uint32, raw []byte) uint16 {
	const checksumOffset = 0x1e
	zeroed := make([]byte, len(raw))
	copy(zeroed, raw)
	zeroed[checksumOffset] = 0
	zeroed[checksumOffset+1] = 0

	var groupBuf [4]byte
	binary.LittleEndian.PutUint32(groupBuf[:], groupNr)

	seed := csum.CRC16ANSI(0xFFFF, uuid[:])
	seed = csum.CRC16ANSI(seed, groupBuf[:])
	return csum.CRC16ANSI(seed, zeroed)
}

// MarshalGroupDesc serializes gd to its 64-byte wire form with a fresh
// bg_checksum.
func MarshalGroupDesc(uuid [16]byte, groupNr uint32, gd GroupDesc) ([]byte, error) {
	gd.Checksum = 0
	raw, err := binstruct.Marshal(gd)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling group descriptor %d: %w", groupNr, err)
	}
	gd.Checksum = groupDescChecksum(uuid, groupNr, raw)
	raw, err = binstruct.Marshal(gd)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling group descriptor %d: %w", groupNr, err)
	}
	return raw, nil
}
