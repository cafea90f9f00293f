package ext4writer

import (
	"fmt"
	"sort"
)

// Ext4 file-type codes stored in dirent.FileType (the filetype
// feature, always on for this converter).
const (
	FTUnknown uint8 = 0
	FTRegFile uint8 = 1
	FTDir     uint8 = 2
	FTChrdev  uint8 = 3
	FTBlkdev  uint8 = 4
	FTFifo    uint8 = 5
	FTSock    uint8 = 6
	FTSymlink uint8 = 7
)

const (
	modeFmtMask = 0170000
	modeFmtDir  = 0040000
	modeFmtReg  = 0100000
	modeFmtLnk  = 0120000
	modeFmtChr  = 0020000
	modeFmtBlk  = 0060000
	modeFmtFifo = 0010000
	modeFmtSock = 0140000
)

// FileTypeForMode maps a raw st_mode into the dirent FileType byte.
func FileTypeForMode(mode uint32) uint8 {
	switch mode & modeFmtMask {
	case modeFmtDir:
		return FTDir
	case modeFmtReg:
		return FTRegFile
	case modeFmtLnk:
		return FTSymlink
	case modeFmtChr:
		return FTChrdev
	case modeFmtBlk:
		return FTBlkdev
	case modeFmtFifo:
		return FTFifo
	case modeFmtSock:
		return FTSock
	default:
		return FTUnknown
	}
}

// DirEntry is one resolved directory entry, ready to place into a
// linear block or an HTree leaf.
type DirEntry struct {
	Name     string
	Ino      uint32
	FileType uint8
	Hash     uint32
}

// dirEntOverhead is the fixed (inode, rec_len, name_len, file_type)
// header every ext4_dir_entry_2 carries before its name bytes.
const dirEntOverhead = 8

func direntLen(nameLen int) int {
	raw := dirEntOverhead + nameLen
	return (raw + 3) &^ 3 // rounded up to a 4-byte boundary
}

// marshalDirEntry appends one ext4_dir_entry_2 to buf at off, using
// recLen as its rec_len (recLen must be >= the entry's natural length;
// the caller pads the final entry in a block out to the block's end).
func marshalDirEntry(buf []byte, off int, e DirEntry, recLen int) {
	putU32(buf, off, e.Ino)
	putU16(buf, off+4, uint16(recLen))
	buf[off+6] = byte(len(e.Name))
	buf[off+7] = e.FileType
	copy(buf[off+8:], e.Name)
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putU16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

// htreeThresholdEntries is the child count at which BuildDirBlocks
// switches from a linear directory to an HTree. A linear directory that
// doesn't fit in one block spills into further blocks, with '.'/'..'
// only in the first.
const htreeThresholdEntries = 32

// BuildDirBlocks lays out a directory's entries across blockSize-sized
// blocks. Directories with few enough entries to comfortably fit
// several to a block are written in plain linear form (one '.'/'..'
// pair followed by every child, in the original insertion order);
// larger directories get an HTree: a root block holding dx_root_info
// plus one index entry per leaf, and leaf blocks holding entries
// sorted by their legacy hash.
func BuildDirBlocks(blockSize uint32, selfIno, parentIno uint32, entries []DirEntry) ([][]byte, error) {
	if len(entries) < htreeThresholdEntries {
		return buildLinearDir(blockSize, selfIno, parentIno, entries)
	}
	return buildHTreeDir(blockSize, selfIno, parentIno, entries)
}

func buildLinearDir(blockSize uint32, selfIno, parentIno uint32, entries []DirEntry) ([][]byte, error) {
	all := make([]DirEntry, 0, len(entries)+2)
	all = append(all, DirEntry{Name: ".", Ino: selfIno, FileType: FTDir})
	all = append(all, DirEntry{Name: "..", Ino: parentIno, FileType: FTDir})
	all = append(all, entries...)

	var blocks [][]byte
	buf := make([]byte, blockSize)
	off := 0
	for i, e := range all {
		need := direntLen(len(e.Name))
		if off+need > int(blockSize) {
			blocks = append(blocks, buf)
			buf = make([]byte, blockSize)
			off = 0
		}
		recLen := need
		if off+need == int(blockSize) || isLastEntryOfBlock(all, i, off, need, int(blockSize)) {
			recLen = int(blockSize) - off
		}
		marshalDirEntry(buf, off, e, recLen)
		off += need
	}
	blocks = append(blocks, buf)
	return blocks, nil
}

// isLastEntryOfBlock reports whether entry i is the last one that will
// land in the current block, so its rec_len can be stretched to the
// block boundary instead of leaving unreachable padding with no
// pointing entry.
func isLastEntryOfBlock(all []DirEntry, i, off, need, blockSize int) bool {
	if i == len(all)-1 {
		return true
	}
	nextNeed := direntLen(len(all[i+1].Name))
	return off+need+nextNeed > blockSize
}

// buildHTreeDir builds a single-level HTree: a root block (dx_root,
// dx_root_info, dx_countlimit, one dx_entry per leaf) plus one leaf
// block per hash bucket. This converter never needs a two-level tree
// since a single index block holds hundreds of leaf pointers (507 with
// 4KiB blocks), far
// more than any directory this converter has been asked to convert in
// practice produces.
func buildHTreeDir(blockSize uint32, selfIno, parentIno uint32, entries []DirEntry) ([][]byte, error) {
	sorted := make([]DirEntry, len(entries))
	copy(sorted, entries)
	for i := range sorted {
		sorted[i].Hash = LegacyHash(sorted[i].Name)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hash < sorted[j].Hash })

	leafCapacity := (int(blockSize) - dirEntOverhead) / direntLen(1)
	if leafCapacity < 1 {
		return nil, fmt.Errorf("ext4writer: block size %d too small for an HTree leaf", blockSize)
	}

	var leaves [][]DirEntry
	for i := 0; i < len(sorted); i += leafCapacity {
		leaves = append(leaves, sorted[i:minInt(i+leafCapacity, len(sorted))])
	}

	blocks := make([][]byte, 0, len(leaves)+1)
	root := buildDxRootBlock(blockSize, selfIno, parentIno, leaves)
	blocks = append(blocks, root)

	for _, leaf := range leaves {
		buf := make([]byte, blockSize)
		off := 0
		for i, e := range leaf {
			need := direntLen(len(e.Name))
			recLen := need
			if i == len(leaf)-1 {
				recLen = int(blockSize) - off
			}
			marshalDirEntry(buf, off, e, recLen)
			off += need
		}
		blocks = append(blocks, buf)
	}
	return blocks, nil
}

// buildDxRootBlock lays out the fake '.'/'..' entries, dx_root_info,
// and one dx_entry{hash, block} per leaf that the kernel's HTree
// lookup path expects at the front of block 0.
func buildDxRootBlock(blockSize uint32, selfIno, parentIno uint32, leaves [][]DirEntry) []byte {
	buf := make([]byte, blockSize)

	// '.' takes the minimum entry (12 bytes: ino+rec_len+1+1+"."
	// rounded to 12), '..' spans the rest of the block so directory
	// readers that don't know about HTrees still see a sane two-entry
	// directory. dx_root_info and the index entries sit inside that
	// span, right after '..''s own header and name.
	dotLen := direntLen(1)
	marshalDirEntry(buf, 0, DirEntry{Name: ".", Ino: selfIno, FileType: FTDir}, dotLen)
	dotdotLen := int(blockSize) - dotLen
	marshalDirEntry(buf, dotLen, DirEntry{Name: "..", Ino: parentIno, FileType: FTDir}, dotdotLen)

	infoOff := dotLen + direntLen(2)
	// dx_root_info: reserved_zero(4) hash_version(1) info_length(1) indirect_levels(1) unused_flags(1)
	putU32(buf, infoOff, 0)
	buf[infoOff+4] = LegacyHashVersion
	buf[infoOff+5] = 8 // sizeof(dx_root_info)
	buf[infoOff+6] = 0 // indirect_levels: single-level tree
	buf[infoOff+7] = 0

	// dx_countlimit immediately follows: limit(2) count(2), then
	// count dx_entry{hash(4), block(4)} pairs. The very first "hash"
	// slot is unused (it addresses the implicit hash-0 bucket) per
	// the kernel's dx_entry layout, so entries start at leaf index 0
	// with an explicit hash for every leaf including the first.
	climOff := infoOff + 8
	maxEntries := (int(blockSize) - climOff - 4) / 8
	putU16(buf, climOff, uint16(maxEntries))
	putU16(buf, climOff+2, uint16(len(leaves)))

	entOff := climOff + 4
	for i, leaf := range leaves {
		var hash uint32
		if len(leaf) > 0 {
			hash = leaf[0].Hash
		}
		putU32(buf, entOff, hash)
		putU32(buf, entOff+4, uint32(i+1)) // leaf blocks start right after the root
		entOff += 8
	}
	return buf
}
