// Package reader parses a Btrfs volume into the in-memory file model the
// rest of the converter operates on: superblock validation, chunk-map
// bootstrap, then a walk of the root tree to find the subvolume being
// converted, followed by a walk of that subvolume's FS tree to populate
// every inode, directory link, extent, and xattr.
package reader

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

// RootDirObjID is the well-known Btrfs objectid of a subvolume's root
// directory.
const RootDirObjID btrfsprim.ObjID = 256

// FileExtent is one stored range of a file, read straight off an
// EXTENT_DATA item.
type FileExtent struct {
	FileOffset    int64
	DiskByteNr    btrfsvol.LogicalAddr
	DiskNumBytes  btrfsvol.AddrDelta
	NumBytes      int64
	RAMBytes      int64
	Compression   btrfsitem.CompressionType
	Type          btrfsitem.FileExtentType
	InlineBytes   []byte
}

// Xattr is one extended attribute attached to an inode.
type Xattr struct {
	Name  string
	Value []byte
}

// DirLink is a (name, child objectid) pair recorded by a DIR_INDEX item.
type DirLink struct {
	Name  string
	Child btrfsprim.ObjID
}

// FileEntry is one inode: its metadata plus everything the writer needs
// to reconstruct it in Ext4. Children are objectids, not pointers — the
// caller resolves them against FsInfo.Inodes so hard links (one
// FileEntry reachable from multiple parents) don't require ownership
// games.
type FileEntry struct {
	Ino      btrfsprim.ObjID
	ParentIno btrfsprim.ObjID

	Mode  uint32
	UID   uint32
	GID   uint32
	NLink uint32
	Size  int64
	RDev  uint64

	ATime, MTime, CTime, OTime btrfsprim.Time

	SymlinkTarget string

	Extents  []FileExtent
	Children []DirLink
	Xattrs   []Xattr
}

// FsInfo is the reader's complete output: every inode reachable from
// the converted subvolume's FS tree, plus the bookkeeping the planner
// and relocator need.
type FsInfo struct {
	Superblock btrfstree.Superblock
	ChunkMap   btrfsvol.ChunkMap

	FSTreeRoot    btrfsvol.LogicalAddr
	FSTreeGen     btrfsprim.Generation
	FSTreeLevel   uint8
	ExtentRoot    btrfsvol.LogicalAddr
	ExtentGen     btrfsprim.Generation
	ExtentLevel   uint8

	Inodes map[btrfsprim.ObjID]*FileEntry
	RootIno btrfsprim.ObjID

	UsedBlocks UsedBlockMap

	// cowSeen tracks every distinct post-resolve physical extent range
	// already observed; a second observation of the same range is a
	// CoW-shared (reflinked) extent.
	cowSeen map[btrfsvol.PhysicalAddr]struct{}

	// DedupBlocksNeeded counts the CoW-shared extent observations, which
	// Ext4 cannot share the way Btrfs can; the planner does not read it.
	DedupBlocksNeeded int64

	// Compression holds the aggregate expansion statistics: every
	// compressed extent's on-disk size vs. its decompressed size.
	Compression CompressionStats
}

// CompressionStats aggregates how much space decompression will
// reclaim, broken out by codec.
type CompressionStats struct {
	ExtentCount      map[btrfsitem.CompressionType]int64
	DiskBytes        map[btrfsitem.CompressionType]int64
	RAMBytes         map[btrfsitem.CompressionType]int64
}

// computeCompressionStats walks every extent once, tallying size
// expansion per codec; called after the FS tree has been fully
// populated.
func (info *FsInfo) computeCompressionStats() {
	info.Compression = CompressionStats{
		ExtentCount: make(map[btrfsitem.CompressionType]int64),
		DiskBytes:   make(map[btrfsitem.CompressionType]int64),
		RAMBytes:    make(map[btrfsitem.CompressionType]int64),
	}
	for _, fe := range info.Inodes {
		for _, fx := range fe.Extents {
			if fx.Compression == btrfsitem.CompressNone {
				continue
			}
			info.Compression.ExtentCount[fx.Compression]++
			info.Compression.DiskBytes[fx.Compression] += int64(fx.DiskNumBytes)
			info.Compression.RAMBytes[fx.Compression] += fx.RAMBytes
		}
	}
}

// Read performs the full reader pipeline described for this converter:
// validate the superblock, bootstrap and populate the chunk map, locate
// the subvolume's FS-tree root via the root tree, then walk the FS tree
// into an FsInfo.
func Read[Addr ~int64](fs diskio.ReaderAt[Addr], subvol btrfsprim.ObjID) (*FsInfo, error) {
	sb, err := readSuperblock(fs)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	if err := validateSuperblock(sb); err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}

	info := &FsInfo{
		Superblock: sb,
		Inodes:     make(map[btrfsprim.ObjID]*FileEntry),
		cowSeen:    make(map[btrfsvol.PhysicalAddr]struct{}),
	}

	if err := bootstrapChunkMap(sb, &info.ChunkMap); err != nil {
		return nil, fmt.Errorf("reader: chunk map bootstrap: %w", err)
	}

	chunkFS := newResolvedReader[Addr](fs, &info.ChunkMap)
	if err := populateChunkTree[Addr](chunkFS, sb); err != nil {
		return nil, fmt.Errorf("reader: chunk tree walk: %w", err)
	}
	if err := info.ChunkMap.Validate(); err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}

	if err := findSubvolRoot[Addr](chunkFS, sb, subvol, info); err != nil {
		return nil, fmt.Errorf("reader: root tree walk: %w", err)
	}

	if err := populateFSTree[Addr](chunkFS, sb, info); err != nil {
		return nil, fmt.Errorf("reader: fs tree walk: %w", err)
	}

	info.computeCompressionStats()

	if err := resolveSymlinks[Addr](chunkFS, info); err != nil {
		return nil, fmt.Errorf("reader: symlink resolution: %w", err)
	}

	if _, ok := info.Inodes[RootDirObjID]; !ok {
		return nil, fmt.Errorf("reader: root directory (objectid %d) not found in subvolume", RootDirObjID)
	}
	info.RootIno = RootDirObjID
	info.UsedBlocks = info.SynthesizeUsedBlockMap()

	return info, nil
}

func readSuperblock[Addr ~int64](fs diskio.ReaderAt[Addr]) (btrfstree.Superblock, error) {
	var sb btrfstree.Superblock
	buf := make([]byte, 0x1000)
	if _, err := fs.ReadAt(buf, Addr(btrfstree.SuperblockOffset)); err != nil {
		return sb, fmt.Errorf("reading superblock: %w", err)
	}
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return sb, fmt.Errorf("decoding superblock: %w", err)
	}
	return sb, nil
}
