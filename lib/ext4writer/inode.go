package ext4writer

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
)

// RawInode is the 256-byte ext4_inode this converter always writes
// (EXTRA_ISIZE feature on, i_extra_isize fixed at 32 so every inode
// carries nanosecond timestamps and the inode checksum's high half).
type RawInode struct {
	ModeRaw       uint16   `bin:"off=0x0,  siz=0x2"`
	UIDLo         uint16   `bin:"off=0x2,  siz=0x2"`
	SizeLo        uint32   `bin:"off=0x4,  siz=0x4"`
	Atime         uint32   `bin:"off=0x8,  siz=0x4"`
	Ctime         uint32   `bin:"off=0xc,  siz=0x4"`
	Mtime         uint32   `bin:"off=0x10, siz=0x4"`
	Dtime         uint32   `bin:"off=0x14, siz=0x4"`
	GIDLo         uint16   `bin:"off=0x18, siz=0x2"`
	LinksCount    uint16   `bin:"off=0x1a, siz=0x2"`
	BlocksLo      uint32   `bin:"off=0x1c, siz=0x4"`
	Flags         uint32   `bin:"off=0x20, siz=0x4"`
	Version       uint32   `bin:"off=0x24, siz=0x4"` // osd1
	Block         [60]byte `bin:"off=0x28, siz=0x3c"`
	Generation    uint32   `bin:"off=0x64, siz=0x4"`
	FileACLLo     uint32   `bin:"off=0x68, siz=0x4"`
	SizeHi        uint32   `bin:"off=0x6c, siz=0x4"`
	ObsoFaddr     uint32   `bin:"off=0x70, siz=0x4"`
	BlocksHi      uint16   `bin:"off=0x74, siz=0x2"`
	FileACLHi     uint16   `bin:"off=0x76, siz=0x2"`
	UIDHi         uint16   `bin:"off=0x78, siz=0x2"`
	GIDHi         uint16   `bin:"off=0x7a, siz=0x2"`
	ChecksumLo    uint16   `bin:"off=0x7c, siz=0x2"`
	Reserved      uint16   `bin:"off=0x7e, siz=0x2"`
	ExtraIsize    uint16   `bin:"off=0x80, siz=0x2"`
	ChecksumHi    uint16   `bin:"off=0x82, siz=0x2"`
	CtimeExtra    uint32   `bin:"off=0x84, siz=0x4"`
	MtimeExtra    uint32   `bin:"off=0x88, siz=0x4"`
	AtimeExtra    uint32   `bin:"off=0x8c, siz=0x4"`
	Crtime        uint32   `bin:"off=0x90, siz=0x4"`
	CrtimeExtra   uint32   `bin:"off=0x94, siz=0x4"`
	VersionHi     uint32   `bin:"off=0x98, siz=0x4"`
	Projid        uint32   `bin:"off=0x9c, siz=0x4"`
	Pad           [96]byte `bin:"off=0xa0, siz=0x60"`
	binstruct.End          `bin:"off=0x100"`
}

// Inode mode format bits, mirrored here rather than imported from some
// POSIX package since Ext4 (like Btrfs) bakes the same S_IF* values
// directly into the raw mode word.
const (
	ModeFmtFIFO   = 0010000
	ModeFmtChr    = 0020000
	ModeFmtDir    = 0040000
	ModeFmtBlk    = 0060000
	ModeFmtReg    = 0100000
	ModeFmtLnk    = 0120000
	ModeFmtSock   = 0140000
)

// inlineDataCapacity is the size of i_block: how many bytes of file
// data this converter stores directly in the inode under the
// inline_data feature.
const inlineDataCapacity = 60

// BuiltInode is a fully assembled inode ready for placement in the
// inode table, plus any extra blocks (extent-tree nodes, a directory's
// own data blocks, an overflow xattr block) it needs written alongside
// it.
type BuiltInode struct {
	Raw         RawInode
	ExtraBlocks map[uint64][]byte
}

// BuildRegularFileInode translates a regular file's FileEntry into a
// RawInode, choosing inline data for files small enough to fit in
// i_block and an extent tree otherwise.
func BuildRegularFileInode(blockSize uint32, uuid [16]byte, ino uint32, fe *reader.FileEntry, blocks []BlockMapping, alloc func() (uint64, error)) (*BuiltInode, error) {
	raw := baseInode(fe)
	raw.ModeRaw |= ModeFmtReg

	if fe.Size <= inlineDataCapacity && len(blocks) == 0 {
		raw.Flags |= inodeFlagInlineData
		// i_block is zero-valued; the caller fills it via SetInlineData
		// once the decompressed file body is in hand.
		return &BuiltInode{Raw: raw}, nil
	}

	raw.Flags |= inodeFlagExtents
	tree, err := BuildExtentTree(blockSize, uuid, ino, blocks, alloc)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: building extent tree for inode %d: %w", fe.Ino, err)
	}
	placeExtentTree(&raw, tree)
	setBlockCount(&raw, blockSize, countDataBlocks(blocks)+countTreeBlocks(tree))
	return &BuiltInode{Raw: raw, ExtraBlocks: tree.Blocks}, nil
}

// SetInlineData copies data (already verified to be <= inlineDataCapacity)
// directly into an inode's i_block, for the inline-data fast path.
func SetInlineData(raw *RawInode, data []byte) {
	copy(raw.Block[:], data)
}

// BuildSymlinkInode translates a symlink: targets of inlineDataCapacity-1
// bytes or less (room for a NUL some tools still expect, though Ext4
// itself doesn't require one) are stored directly in i_block with no
// data block at all (the "fast symlink" form); longer targets get one
// data block referenced by a one-entry extent tree.
func BuildSymlinkInode(blockSize uint32, uuid [16]byte, ino uint32, fe *reader.FileEntry, alloc func() (uint64, error)) (*BuiltInode, error) {
	raw := baseInode(fe)
	raw.ModeRaw |= ModeFmtLnk

	target := []byte(fe.SymlinkTarget)
	if len(target) < inlineDataCapacity {
		copy(raw.Block[:], target)
		return &BuiltInode{Raw: raw}, nil
	}

	blk, err := alloc()
	if err != nil {
		return nil, fmt.Errorf("ext4writer: allocating symlink target block for inode %d: %w", fe.Ino, err)
	}
	buf := make([]byte, blockSize)
	copy(buf, target)

	raw.Flags |= inodeFlagExtents
	tree, err := BuildExtentTree(blockSize, uuid, ino, []BlockMapping{{Logical: 0, Physical: blk}}, alloc)
	if err != nil {
		return nil, err
	}
	placeExtentTree(&raw, tree)
	setBlockCount(&raw, blockSize, 1)
	return &BuiltInode{Raw: raw, ExtraBlocks: map[uint64][]byte{blk: buf}}, nil
}

// BuildDeviceInode translates a character or block device: the device
// number is packed into i_block exactly like the kernel's
// init_special_inode does. fe.RDev is a Linux dev_t (new encoding:
// minor's low 8 bits in bits 0-7, major in bits 8-19, minor's
// remaining bits above bit 19). Devices whose major and minor both fit
// in 8 bits use the compact "old" encoding in i_block[0]; everything
// else uses the "new" encoding in i_block[1].
func BuildDeviceInode(fe *reader.FileEntry) *BuiltInode {
	raw := baseInode(fe)
	if fe.Mode&modeFmtMask == modeFmtChr {
		raw.ModeRaw |= ModeFmtChr
	} else {
		raw.ModeRaw |= ModeFmtBlk
	}

	major := uint32(fe.RDev>>8) & 0xfff
	minorLo := uint32(fe.RDev) & 0xff
	minorHi := uint32(fe.RDev>>12) &^ 0xff

	if major <= 0xff && minorHi == 0 && minorLo <= 0xff {
		putU32(raw.Block[:], 0, (major<<8)|minorLo)
	} else {
		newEncoded := minorLo | (major << 8) | (minorHi << 12)
		putU32(raw.Block[:], 4, newEncoded)
	}
	return &BuiltInode{Raw: raw}
}

// BuildSpecialFileInode translates a FIFO or socket: neither carries
// any data, so the inode is just the base metadata with the right
// format bits set.
func BuildSpecialFileInode(fe *reader.FileEntry) *BuiltInode {
	raw := baseInode(fe)
	if fe.Mode&modeFmtMask == modeFmtFifo {
		raw.ModeRaw |= ModeFmtFIFO
	} else {
		raw.ModeRaw |= ModeFmtSock
	}
	return &BuiltInode{Raw: raw}
}

// BuildDirInode translates a directory's FileEntry plus its already-
// built directory blocks into a RawInode. Directory blocks are always
// placed through an extent tree (never inlined), matching the kernel's
// own refusal to inline a directory once the dir_index feature is on.
func BuildDirInode(blockSize uint32, uuid [16]byte, ino uint32, fe *reader.FileEntry, blocks [][]byte, alloc func() (uint64, error)) (*BuiltInode, error) {
	raw := baseInode(fe)
	raw.ModeRaw |= ModeFmtDir
	raw.Flags |= inodeFlagExtents | inodeFlagIndex

	extra := make(map[uint64][]byte, len(blocks))
	mappings := make([]BlockMapping, len(blocks))
	for i, b := range blocks {
		blk, err := alloc()
		if err != nil {
			return nil, fmt.Errorf("ext4writer: allocating directory block %d for inode %d: %w", i, fe.Ino, err)
		}
		extra[blk] = b
		mappings[i] = BlockMapping{Logical: uint32(i), Physical: blk}
	}

	tree, err := BuildExtentTree(blockSize, uuid, ino, mappings, alloc)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: building extent tree for directory inode %d: %w", fe.Ino, err)
	}
	for k, v := range tree.Blocks {
		extra[k] = v
	}
	placeExtentTree(&raw, tree)
	raw.SizeLo = uint32(len(blocks)) * blockSize
	setBlockCount(&raw, blockSize, uint64(len(blocks))+countTreeBlocks(tree))
	return &BuiltInode{Raw: raw, ExtraBlocks: extra}, nil
}

const (
	inodeFlagIndex      = 0x1000 // EXT4_INDEX_FL: HTree directory
	inodeFlagExtents    = 0x80000
	inodeFlagInlineData = 0x10000000
)

func baseInode(fe *reader.FileEntry) RawInode {
	var raw RawInode
	raw.ModeRaw = uint16(fe.Mode & 0xFFF)
	raw.UIDLo = uint16(fe.UID)
	raw.UIDHi = uint16(fe.UID >> 16)
	raw.GIDLo = uint16(fe.GID)
	raw.GIDHi = uint16(fe.GID >> 16)
	raw.LinksCount = uint16(fe.NLink)
	raw.SizeLo = uint32(fe.Size)
	raw.SizeHi = uint32(fe.Size >> 32)
	raw.ExtraIsize = 32

	sec, extra := packTimestamp(fe.ATime)
	raw.Atime, raw.AtimeExtra = sec, extra
	sec, extra = packTimestamp(fe.MTime)
	raw.Mtime, raw.MtimeExtra = sec, extra
	sec, extra = packTimestamp(fe.CTime)
	raw.Ctime, raw.CtimeExtra = sec, extra
	sec, extra = packTimestamp(fe.OTime)
	raw.Crtime, raw.CrtimeExtra = sec, extra

	return raw
}

func placeExtentTree(raw *RawInode, tree *ExtentTree) {
	if tree.Inline {
		writeExtentHeaderAndLeaves(raw.Block[:], tree.InlineHeader, tree.InlineLeaves)
		return
	}
	idx := make([]extentChild, len(tree.RootIndex))
	for i, e := range tree.RootIndex {
		idx[i] = extentChild{firstLogical: e.Block, blockNum: uint64(e.LeafLo) | uint64(e.LeafHi)<<32}
	}
	writeExtentHeaderAndIndex(raw.Block[:], tree.RootHeader, idx)
}

func writeExtentHeaderAndLeaves(block []byte, hdr ExtentHeader, leaves []ExtentLeaf) {
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return // unreachable: ExtentHeader always marshals
	}
	copy(block, hdrBytes)
	off := len(hdrBytes)
	for _, l := range leaves {
		b, err := binstruct.Marshal(l)
		if err != nil {
			return
		}
		copy(block[off:], b)
		off += len(b)
	}
}

func writeExtentHeaderAndIndex(block []byte, hdr ExtentHeader, idx []extentChild) {
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return
	}
	copy(block, hdrBytes)
	off := len(hdrBytes)
	for _, c := range idx {
		e := ExtentIndex{Block: c.firstLogical, LeafLo: uint32(c.blockNum), LeafHi: uint16(c.blockNum >> 32)}
		b, err := binstruct.Marshal(e)
		if err != nil {
			return
		}
		copy(block[off:], b)
		off += len(b)
	}
}

func setBlockCount(raw *RawInode, blockSize uint32, dataBlocks uint64) {
	sectors := dataBlocks * uint64(blockSize) / 512
	raw.BlocksLo = uint32(sectors)
	raw.BlocksHi = uint16(sectors >> 32)
}

func countDataBlocks(blocks []BlockMapping) uint64 {
	return uint64(len(blocks))
}

func countTreeBlocks(tree *ExtentTree) uint64 {
	if tree == nil {
		return 0
	}
	return uint64(len(tree.Blocks))
}
