package ext4writer

import (
	"encoding/binary"
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

// jbd2Magic is JFS_MAGIC_NUMBER, the fixed marker at the front of
// every JBD2 block, big-endian like the rest of the journal format
// (JBD2 predates Ext4's little-endian conventions and was never
// switched over).
const jbd2Magic uint32 = 0xC03B3998

const (
	jbd2BlockTypeSuperblockV2 uint32 = 4
)

// JournalSizeForDevice picks the journal size (in blocks) mke2fs's own
// heuristic would: bigger devices get bigger journals, in fixed steps,
// since a journal sized purely as a percentage of the device produces
// unreasonably large journals on big disks.
func JournalSizeForDevice(deviceSize int64, blockSize uint32) uint32 {
	const (
		mib = 1 << 20
		gib = 1 << 30
	)
	var sizeBytes int64
	switch {
	case deviceSize < 512*mib:
		sizeBytes = 4 * mib
	case deviceSize < 1*gib:
		sizeBytes = 16 * mib
	case deviceSize < 2*gib:
		sizeBytes = 32 * mib
	case deviceSize < 4*gib:
		sizeBytes = 64 * mib
	default:
		sizeBytes = 128 * mib
	}
	return uint32(sizeBytes / int64(blockSize))
}

// jbd2Superblock marshals the JBD2 journal superblock (big-endian
// ext4_journal_header + the remainder of journal_superblock_t this
// converter sets).
func jbd2Superblock(blockSize uint32, maxLen uint32) []byte {
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint32(buf[0:4], jbd2Magic)
	binary.BigEndian.PutUint32(buf[4:8], jbd2BlockTypeSuperblockV2)
	binary.BigEndian.PutUint32(buf[8:12], 1) // sequence
	binary.BigEndian.PutUint32(buf[12:16], blockSize)
	binary.BigEndian.PutUint32(buf[16:20], maxLen)
	binary.BigEndian.PutUint32(buf[20:24], 1) // s_first
	binary.BigEndian.PutUint32(buf[24:28], 1) // s_sequence
	binary.BigEndian.PutUint32(buf[28:32], 0) // s_start: 0 means a clean, unused journal
	binary.BigEndian.PutUint32(buf[32:36], 0) // s_errno
	return buf
}

// WriteJournalBody zeroes every journal data block (everything after
// the superblock) in chunks of up to 16MiB of contiguous journal
// blocks (a chunk is shorter only where a contiguous run ends),
// batched through dev's write queue so a multi-hundred-megabyte
// journal doesn't serialize into one write call per block.
func WriteJournalBody(dev diskio.File[int64], blockSize uint32, journalBlocks []uint64) error {
	if len(journalBlocks) == 0 {
		return nil
	}
	batch := diskio.NewBatch[int64](dev)

	const chunkTargetBytes = 16 << 20
	blocksPerChunk := int(chunkTargetBytes / int64(blockSize))
	if blocksPerChunk < 1 {
		blocksPerChunk = 1
	}

	zero := make([]byte, blocksPerChunk*int(blockSize))
	for i := 1; i < len(journalBlocks); { // [0] is the superblock, written separately
		j := i + 1
		for j < len(journalBlocks) && j-i < blocksPerChunk && journalBlocks[j] == journalBlocks[j-1]+1 {
			j++
		}
		off := int64(journalBlocks[i]) * int64(blockSize)
		if err := batch.Add(off, zero[:(j-i)*int(blockSize)]); err != nil {
			return fmt.Errorf("ext4writer: zeroing journal block %d: %w", journalBlocks[i], err)
		}
		i = j
	}
	if err := batch.Submit(); err != nil {
		return fmt.Errorf("ext4writer: flushing journal zero-fill: %w", err)
	}
	return nil
}

// BuildJournalInode assembles inode 8's extent tree over journalBlocks
// (its first entry is the JBD2 superblock itself), chunked into runs
// of at most maxExtentLen blocks each the way any other large file's
// extent tree would be, and writes the superblock block's contents.
// uuid and ino (always JournalInodeNumber) seed the extent tree's own
// tail checksums, same as any other inode's.
func BuildJournalInode(blockSize uint32, uuid [16]byte, ino uint32, journalBlocks []uint64, alloc func() (uint64, error)) (*BuiltInode, error) {
	if len(journalBlocks) == 0 {
		return nil, fmt.Errorf("ext4writer: journal must have at least one block")
	}

	mappings := make([]BlockMapping, len(journalBlocks))
	for i, b := range journalBlocks {
		mappings[i] = BlockMapping{Logical: uint32(i), Physical: b}
	}

	tree, err := BuildExtentTree(blockSize, uuid, ino, mappings, alloc)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: building journal extent tree: %w", err)
	}

	var raw RawInode
	raw.ModeRaw = ModeFmtReg | 0600
	raw.LinksCount = 1
	raw.Flags |= inodeFlagExtents
	raw.ExtraIsize = 32
	totalBytes := uint64(len(journalBlocks)) * uint64(blockSize)
	raw.SizeLo = uint32(totalBytes)
	raw.SizeHi = uint32(totalBytes >> 32)
	placeExtentTree(&raw, tree)
	setBlockCount(&raw, blockSize, uint64(len(journalBlocks))+countTreeBlocks(tree))

	sbBlock := jbd2Superblock(blockSize, uint32(len(journalBlocks)))
	extra := map[uint64][]byte{journalBlocks[0]: sbBlock}
	for k, v := range tree.Blocks {
		extra[k] = v
	}

	return &BuiltInode{Raw: raw, ExtraBlocks: extra}, nil
}
