package convert

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/decompress"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4writer"
	"github.com/YukaC/btrfs2ext4-sub000/lib/inodemap"
)

// blockAllocator hands out Ext4 data blocks sequentially from each
// group's data region, skipping anything already marked used (Ext4
// metadata blocks from the layout plan, or a block a previous alloc
// call already claimed).
type blockAllocator struct {
	layout   *ext4layout.Layout
	used     map[ext4layout.BlockNum]bool
	groupIdx int
	cursor   ext4layout.BlockNum
}

func newBlockAllocator(layout *ext4layout.Layout, used map[ext4layout.BlockNum]bool) *blockAllocator {
	a := &blockAllocator{layout: layout, used: used}
	if len(layout.Groups) > 0 {
		a.cursor = layout.Groups[0].DataStart
	}
	return a
}

func (a *blockAllocator) alloc() (uint64, error) {
	for a.groupIdx < len(a.layout.Groups) {
		g := a.layout.Groups[a.groupIdx]
		end := g.DataStart + ext4layout.BlockNum(g.DataBlocks)
		for a.cursor < end {
			b := a.cursor
			a.cursor++
			if !a.used[b] {
				a.used[b] = true
				return uint64(b), nil
			}
		}
		a.groupIdx++
		if a.groupIdx < len(a.layout.Groups) {
			a.cursor = a.layout.Groups[a.groupIdx].DataStart
		}
	}
	return 0, fmt.Errorf("convert: exhausted free ext4 blocks")
}

// resolvePhysical returns the physical byte offset backing a file
// extent's DiskByteNr. A post-relocation extent already holds a raw
// physical offset there (relocate.RewriteExtents rewrote it), which
// ChunkMap.Resolve reports as NotFound since it no longer looks like a
// valid logical address; anything ChunkMap does resolve is used as-is.
func resolvePhysical(fs *reader.FsInfo, logical btrfsvol.LogicalAddr) btrfsvol.PhysicalAddr {
	if phys := fs.ChunkMap.Resolve(logical); phys != btrfsvol.NotFound {
		return phys
	}
	return btrfsvol.PhysicalAddr(logical)
}

func mapCompression(c btrfsitem.CompressionType) decompress.Compression {
	switch c {
	case btrfsitem.CompressZLIB:
		return decompress.ZLIB
	case btrfsitem.CompressLZO:
		return decompress.LZO
	case btrfsitem.CompressZSTD:
		return decompress.ZSTD
	default:
		return decompress.None
	}
}

// readExtentData returns one extent's decoded bytes: its on-disk bytes
// read from srcDev (or InlineBytes for an inline extent) run through
// decompress.Decompress when the extent is compressed.
func readExtentData(srcDev diskio.File[btrfsvol.PhysicalAddr], fs *reader.FsInfo, fx *reader.FileExtent) ([]byte, error) {
	var raw []byte
	if fx.Type == btrfsitem.FileExtentInline {
		raw = fx.InlineBytes
	} else {
		phys := resolvePhysical(fs, fx.DiskByteNr)
		raw = make([]byte, fx.DiskNumBytes)
		if _, err := srcDev.ReadAt(raw, phys); err != nil {
			return nil, fmt.Errorf("reading extent at physical offset %d: %w", phys, err)
		}
	}

	if fx.Compression == btrfsitem.CompressNone {
		if int64(len(raw)) > fx.NumBytes {
			raw = raw[:fx.NumBytes]
		}
		return raw, nil
	}

	out, err := decompress.Decompress(decompress.Extent{
		Compression: mapCompression(fx.Compression),
		Disk:        raw,
		NumBytes:    fx.NumBytes,
		RAMBytes:    fx.RAMBytes,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("decompressing extent: %w", err)
	}
	if int64(len(out)) > fx.NumBytes {
		out = out[:fx.NumBytes]
	}
	return out, nil
}

// materializeFileContent reassembles a regular file's full byte
// stream by placing each extent's decoded content at its logical file
// offset, zero-filling any hole a sparse file leaves between extents.
func materializeFileContent(srcDev diskio.File[btrfsvol.PhysicalAddr], fs *reader.FsInfo, fe *reader.FileEntry) ([]byte, error) {
	content := make([]byte, fe.Size)
	for i := range fe.Extents {
		fx := &fe.Extents[i]
		data, err := readExtentData(srcDev, fs, fx)
		if err != nil {
			return nil, fmt.Errorf("inode %d: %w", fe.Ino, err)
		}
		end := fx.FileOffset + int64(len(data))
		if end > fe.Size {
			end = fe.Size
		}
		if fx.FileOffset >= end {
			continue
		}
		copy(content[fx.FileOffset:end], data[:end-fx.FileOffset])
	}
	return content, nil
}

// buildFileBlocks writes a regular file's full content to freshly
// allocated Ext4 blocks (every extent is decoded and recombined first,
// since a compressed Btrfs extent has no Ext4-native on-disk form) and
// returns the logical-to-physical block mapping BuildRegularFileInode
// needs.
func buildFileBlocks(imgDev diskio.File[int64], srcDev diskio.File[btrfsvol.PhysicalAddr], fs *reader.FsInfo, fe *reader.FileEntry, blockSize uint32, alloc func() (uint64, error)) ([]ext4writer.BlockMapping, error) {
	content, err := materializeFileContent(srcDev, fs, fe)
	if err != nil {
		return nil, err
	}

	numBlocks := (int64(len(content)) + int64(blockSize) - 1) / int64(blockSize)
	mappings := make([]ext4writer.BlockMapping, 0, numBlocks)
	for i := int64(0); i < numBlocks; i++ {
		start := i * int64(blockSize)
		end := start + int64(blockSize)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		chunk := make([]byte, blockSize)
		copy(chunk, content[start:end])

		blk, err := alloc()
		if err != nil {
			return nil, fmt.Errorf("allocating data block %d for inode %d: %w", i, fe.Ino, err)
		}
		if _, err := imgDev.WriteAt(chunk, int64(blk)*int64(blockSize)); err != nil {
			return nil, fmt.Errorf("writing data block %d for inode %d: %w", i, fe.Ino, err)
		}
		mappings = append(mappings, ext4writer.BlockMapping{Logical: uint32(i), Physical: blk})
	}
	return mappings, nil
}

// buildDirEntries resolves a directory's child links into Ext4 dirents,
// skipping a child whose FileEntry went missing (a dangling DIR_INDEX
// this conversion chooses to drop rather than fail the whole run over).
func buildDirEntries(fs *reader.FsInfo, im *inodemap.InodeMap, fe *reader.FileEntry) []ext4writer.DirEntry {
	entries := make([]ext4writer.DirEntry, 0, len(fe.Children))
	for _, link := range fe.Children {
		child, ok := fs.Inodes[link.Child]
		if !ok {
			continue
		}
		entries = append(entries, ext4writer.DirEntry{
			Name:     link.Name,
			Ino:      im.Lookup(link.Child),
			FileType: ext4writer.FileTypeForMode(child.Mode),
		})
	}
	return entries
}

const (
	modeFmtMask = 0170000
	modeFmtDir  = 0040000
	modeFmtReg  = 0100000
	modeFmtLnk  = 0120000
	modeFmtChr  = 0020000
	modeFmtBlk  = 0060000
)

// inlineDataCapacity mirrors ext4writer's own unexported budget for
// i_block inline storage; a regular file at or under this size never
// needs a data block or an extent tree.
const inlineDataCapacity = 60

// journalInodeNumber is inode 8, the fixed reserved inode EXT4_JOURNAL_INO
// always names regardless of how many other reserved inodes a filesystem has.
const journalInodeNumber = 8

// writeInodeContent builds and writes one FileEntry's Ext4 inode,
// dispatching on its file type the way the kernel's own inode
// constructors do.
func writeInodeContent(imgDev diskio.File[int64], srcDev diskio.File[btrfsvol.PhysicalAddr], layout *ext4layout.Layout, fs *reader.FsInfo, im *inodemap.InodeMap, uuid [16]byte, alloc func() (uint64, error), fe *reader.FileEntry) error {
	ext4Ino := im.Lookup(fe.Ino)

	var built *ext4writer.BuiltInode
	var err error

	switch fe.Mode & modeFmtMask {
	case modeFmtDir:
		parentIno := im.Lookup(fe.ParentIno)
		if fe.Ino == fs.RootIno {
			parentIno = ext4Ino // the root directory is its own parent
		}
		entries := buildDirEntries(fs, im, fe)
		blocks, derr := ext4writer.BuildDirBlocks(layout.BlockSize, ext4Ino, parentIno, entries)
		if derr != nil {
			return fmt.Errorf("laying out directory blocks for inode %d: %w", fe.Ino, derr)
		}
		built, err = ext4writer.BuildDirInode(layout.BlockSize, uuid, ext4Ino, fe, blocks, alloc)
	case modeFmtLnk:
		built, err = ext4writer.BuildSymlinkInode(layout.BlockSize, uuid, ext4Ino, fe, alloc)
	case modeFmtReg:
		if fe.Size <= inlineDataCapacity {
			var content []byte
			content, err = materializeFileContent(srcDev, fs, fe)
			if err == nil {
				built, err = ext4writer.BuildRegularFileInode(layout.BlockSize, uuid, ext4Ino, fe, nil, alloc)
			}
			if err == nil {
				ext4writer.SetInlineData(&built.Raw, content)
			}
		} else {
			var blocks []ext4writer.BlockMapping
			blocks, err = buildFileBlocks(imgDev, srcDev, fs, fe, layout.BlockSize, alloc)
			if err == nil {
				built, err = ext4writer.BuildRegularFileInode(layout.BlockSize, uuid, ext4Ino, fe, blocks, alloc)
			}
		}
	case modeFmtChr, modeFmtBlk:
		built = ext4writer.BuildDeviceInode(fe)
	default: // FIFO, socket
		built = ext4writer.BuildSpecialFileInode(fe)
	}
	if err != nil {
		return fmt.Errorf("building inode %d (ext4 ino %d): %w", fe.Ino, ext4Ino, err)
	}

	return ext4writer.WriteInode(imgDev, layout, uuid, ext4Ino, built)
}

// writePass drives Pass 3: assembling and writing every inode, then
// the journal, then the filesystem-wide metadata (superblock, group
// descriptors, bitmaps) whose free counts depend on every block this
// pass claimed.
func writePass(ctx context.Context, imgDev diskio.File[int64], srcDev diskio.File[btrfsvol.PhysicalAddr], layout *ext4layout.Layout, fs *reader.FsInfo, im *inodemap.InodeMap, order []*reader.FileEntry) error {
	uuid, err := ext4writer.NewUUID()
	if err != nil {
		return err
	}

	used := make(map[ext4layout.BlockNum]bool, len(layout.Reserved))
	for _, b := range layout.Reserved {
		used[b] = true
	}
	alloc := newBlockAllocator(layout, used)

	journalLen := ext4writer.JournalSizeForDevice(layout.DeviceSize, layout.BlockSize)
	journalBlocks := make([]uint64, journalLen)
	for i := range journalBlocks {
		blk, err := alloc.alloc()
		if err != nil {
			return fmt.Errorf("allocating journal block %d: %w", i, err)
		}
		journalBlocks[i] = blk
	}

	for _, fe := range order {
		if err := writeInodeContent(imgDev, srcDev, layout, fs, im, uuid, alloc.alloc, fe); err != nil {
			return err
		}
	}
	dlog.Infof(ctx, "pass 3: wrote %d inodes", len(order))

	journalInode, err := ext4writer.BuildJournalInode(layout.BlockSize, uuid, journalInodeNumber, journalBlocks, alloc.alloc)
	if err != nil {
		return fmt.Errorf("building journal inode: %w", err)
	}
	if err := ext4writer.WriteInode(imgDev, layout, uuid, journalInodeNumber, journalInode); err != nil {
		return fmt.Errorf("writing journal inode: %w", err)
	}
	if err := ext4writer.WriteJournalBody(imgDev, layout.BlockSize, journalBlocks); err != nil {
		return fmt.Errorf("writing journal body: %w", err)
	}

	assignedInodes := make(map[uint32]bool, len(order)+1)
	assignedInodes[2] = true
	for _, fe := range order {
		assignedInodes[im.Lookup(fe.Ino)] = true
	}

	img, err := ext4writer.BuildImage(layout, fs, uint32(len(journalBlocks)), uuid, used, assignedInodes)
	if err != nil {
		return fmt.Errorf("building ext4 image metadata: %w", err)
	}
	if err := ext4writer.WriteMetadata(imgDev, img); err != nil {
		return fmt.Errorf("writing ext4 image metadata: %w", err)
	}

	return nil
}
