package ext4writer

import (
	"fmt"
	"sort"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
)

// extentHeaderMagic is eh_magic, the fixed marker at the front of every
// extent-tree node (inline or on-disk).
const extentHeaderMagic uint16 = 0xF30A

// maxInlineExtents is the number of (eh_header + entries) slots that
// fit in i_block's 60 bytes: a 12-byte header plus 4 12-byte entries.
const maxInlineExtents = 4

// maxExtentLen is the largest block count a single initialized leaf
// extent can describe; ee_len values above 32768 mark an unwritten
// extent.
const maxExtentLen = 32768

// ExtentHeader is ext4_extent_header.
type ExtentHeader struct {
	Magic         uint16 `bin:"off=0x0, siz=0x2"`
	Entries       uint16 `bin:"off=0x2, siz=0x2"`
	Max           uint16 `bin:"off=0x4, siz=0x2"`
	Depth         uint16 `bin:"off=0x6, siz=0x2"`
	Generation    uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End        `bin:"off=0xc"`
}

// ExtentLeaf is ext4_extent: a contiguous run of logical blocks mapped
// to a contiguous run of physical blocks.
type ExtentLeaf struct {
	Block         uint32 `bin:"off=0x0, siz=0x4"` // first logical block
	Len           uint16 `bin:"off=0x4, siz=0x2"` // block count; high bit set => unwritten
	StartHi       uint16 `bin:"off=0x6, siz=0x2"`
	StartLo       uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End        `bin:"off=0xc"`
}

// ExtentIndex is ext4_extent_idx: routes a logical block range to a
// child node living at the given physical block.
type ExtentIndex struct {
	Block         uint32 `bin:"off=0x0, siz=0x4"` // first logical block this subtree covers
	LeafLo        uint32 `bin:"off=0x4, siz=0x4"`
	LeafHi        uint16 `bin:"off=0x8, siz=0x2"`
	Unused        uint16 `bin:"off=0xa, siz=0x2"`
	binstruct.End        `bin:"off=0xc"`
}

// ExtentTail is ext4_extent_tail, appended after the last entry in an
// on-disk (block-sized) node when metadata_csum is enabled.
type ExtentTail struct {
	Checksum      uint32 `bin:"off=0x0, siz=0x4"`
	binstruct.End        `bin:"off=0x4"`
}

// extentBlockChecksum computes an on-disk extent node's tail checksum:
// crc32c seeded the same way an inode's own checksum is (metadataSeed),
// folded over the node's header-plus-entries bytes -- everything in the
// block except the tail's own checksum field.
func extentBlockChecksum(uuid [16]byte, ino uint32, data []byte) uint32 {
	return csumFold(metadataSeed(uuid, ino), data)
}

// blockRun is one contiguous (logical, physical, length) mapping after
// resolve-and-merge.
type blockRun struct {
	Logical  uint32
	Physical uint64
	Len      uint32
}

// mergeRuns coalesces sorted-by-logical-block single-block mappings
// into maximal contiguous runs, splitting any run that would otherwise
// exceed maxExtentLen blocks.
func mergeRuns(blocks []BlockMapping) []blockRun {
	if len(blocks) == 0 {
		return nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Logical < blocks[j].Logical })

	var runs []blockRun
	cur := blockRun{Logical: blocks[0].Logical, Physical: blocks[0].Physical, Len: 1}
	for i := 1; i < len(blocks); i++ {
		b := blocks[i]
		contiguous := b.Logical == cur.Logical+cur.Len &&
			b.Physical == cur.Physical+uint64(cur.Len)
		if contiguous && cur.Len < maxExtentLen {
			cur.Len++
			continue
		}
		runs = append(runs, cur)
		cur = blockRun{Logical: b.Logical, Physical: b.Physical, Len: 1}
	}
	runs = append(runs, cur)
	return runs
}

// BlockMapping is one logical-to-physical block assignment, the unit
// resolveExtents works in before merging into runs.
type BlockMapping struct {
	Logical  uint32
	Physical uint64
}

// ExtentTree is the built representation of one inode's extent tree,
// ready to be placed either inline in i_block or across allocated
// index/leaf blocks.
type ExtentTree struct {
	Inline bool
	// Header+entries for the inline case (fits in i_block verbatim).
	InlineHeader ExtentHeader
	InlineLeaves []ExtentLeaf

	// Root header+index entries for the on-disk case, plus every
	// allocated leaf/index block keyed by its absolute block number.
	RootHeader ExtentHeader
	RootIndex  []ExtentIndex
	Blocks     map[uint64][]byte
}

// entriesPerLeafBlock returns how many 12-byte ext4_extent entries fit
// after a 12-byte header and a 4-byte tail in one filesystem block.
func entriesPerLeafBlock(blockSize uint32) int {
	return (int(blockSize) - 12 - 4) / 12
}

// entriesPerIndexBlock mirrors entriesPerLeafBlock for ext4_extent_idx
// nodes; the two happen to be the same width (12 bytes) so the count is
// identical, but the distinction is kept since the kernel computes them
// from separate constants.
func entriesPerIndexBlock(blockSize uint32) int {
	return (int(blockSize) - 12 - 4) / 12
}

// BuildExtentTree turns a sorted set of contiguous block runs into
// either the ≤4-extent inline form (depth 0, living entirely in
// i_block) or a multi-level on-disk tree, allocating new leaf/index
// blocks via alloc. uuid and ino seed every on-disk node's tail
// checksum; the inline form needs neither, since it carries no tail
// and is protected by the inode's own checksum instead.
func BuildExtentTree(blockSize uint32, uuid [16]byte, ino uint32, blocks []BlockMapping, alloc func() (uint64, error)) (*ExtentTree, error) {
	runs := mergeRuns(blocks)
	if len(runs) <= maxInlineExtents {
		leaves := make([]ExtentLeaf, len(runs))
		for i, r := range runs {
			leaves[i] = runToLeaf(r)
		}
		return &ExtentTree{
			Inline: true,
			InlineHeader: ExtentHeader{
				Magic:   extentHeaderMagic,
				Entries: uint16(len(runs)),
				Max:     maxInlineExtents,
				Depth:   0,
			},
			InlineLeaves: leaves,
		}, nil
	}

	epb := entriesPerLeafBlock(blockSize)
	if epb < 1 {
		return nil, fmt.Errorf("ext4writer: block size %d too small for an extent leaf", blockSize)
	}

	blockBufs := make(map[uint64][]byte)

	// Build leaf blocks, one entriesPerLeafBlock-sized chunk at a
	// time.
	var leafRefs []extentChild
	for i := 0; i < len(runs); i += epb {
		chunk := runs[i:minInt(i+epb, len(runs))]
		blk, err := alloc()
		if err != nil {
			return nil, fmt.Errorf("ext4writer: allocating extent leaf block: %w", err)
		}
		buf, err := marshalLeafBlock(blockSize, uuid, ino, chunk)
		if err != nil {
			return nil, err
		}
		blockBufs[blk] = buf
		leafRefs = append(leafRefs, extentChild{firstLogical: chunk[0].Logical, blockNum: blk})
	}

	ipb := entriesPerIndexBlock(blockSize)
	level := leafRefs
	for len(level) > maxInlineExtents {
		var next []extentChild
		for i := 0; i < len(level); i += ipb {
			chunk := level[i:minInt(i+ipb, len(level))]
			blk, err := alloc()
			if err != nil {
				return nil, fmt.Errorf("ext4writer: allocating extent index block: %w", err)
			}
			buf, err := marshalIndexBlock(blockSize, uuid, ino, chunk, 1)
			if err != nil {
				return nil, err
			}
			blockBufs[blk] = buf
			next = append(next, extentChild{firstLogical: chunk[0].firstLogical, blockNum: blk})
		}
		level = next
	}

	rootIdx := make([]ExtentIndex, len(level))
	for i, c := range level {
		rootIdx[i] = ExtentIndex{
			Block:  c.firstLogical,
			LeafLo: uint32(c.blockNum),
			LeafHi: uint16(c.blockNum >> 32),
		}
	}
	depth := uint16(1)
	if len(leafRefs) != len(level) {
		depth = 2
	}

	return &ExtentTree{
		Inline: false,
		RootHeader: ExtentHeader{
			Magic:   extentHeaderMagic,
			Entries: uint16(len(rootIdx)),
			Max:     maxInlineExtents,
			Depth:   depth,
		},
		RootIndex: rootIdx,
		Blocks:    blockBufs,
	}, nil
}

func runToLeaf(r blockRun) ExtentLeaf {
	return ExtentLeaf{
		Block:   r.Logical,
		Len:     uint16(r.Len),
		StartLo: uint32(r.Physical),
		StartHi: uint16(r.Physical >> 32),
	}
}

func marshalLeafBlock(blockSize uint32, uuid [16]byte, ino uint32, runs []blockRun) ([]byte, error) {
	buf := make([]byte, blockSize)
	hdr := ExtentHeader{
		Magic:   extentHeaderMagic,
		Entries: uint16(len(runs)),
		Max:     uint16(entriesPerLeafBlock(blockSize)),
		Depth:   0,
	}
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling extent leaf header: %w", err)
	}
	copy(buf, hdrBytes)
	off := len(hdrBytes)
	for _, r := range runs {
		leaf := runToLeaf(r)
		leafBytes, err := binstruct.Marshal(leaf)
		if err != nil {
			return nil, fmt.Errorf("ext4writer: marshaling extent leaf entry: %w", err)
		}
		copy(buf[off:], leafBytes)
		off += len(leafBytes)
	}
	return appendExtentTail(buf, uuid, ino)
}

// appendExtentTail marshals an ExtentTail into the last 4 bytes of buf
// (already reserved by entriesPerLeafBlock/entriesPerIndexBlock),
// checksumming everything before it.
func appendExtentTail(buf []byte, uuid [16]byte, ino uint32) ([]byte, error) {
	tailOff := len(buf) - 4
	tail := ExtentTail{Checksum: extentBlockChecksum(uuid, ino, buf[:tailOff])}
	tailBytes, err := binstruct.Marshal(tail)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling extent tail: %w", err)
	}
	copy(buf[tailOff:], tailBytes)
	return buf, nil
}

// extentChild is one resolved child reference -- either a leaf or an
// index block -- threaded up through the tree-building levels.
type extentChild struct {
	firstLogical uint32
	blockNum     uint64
}

func marshalIndexBlock(blockSize uint32, uuid [16]byte, ino uint32, children []extentChild, depth uint16) ([]byte, error) {
	buf := make([]byte, blockSize)
	hdr := ExtentHeader{
		Magic:   extentHeaderMagic,
		Entries: uint16(len(children)),
		Max:     uint16(entriesPerIndexBlock(blockSize)),
		Depth:   depth,
	}
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling extent index header: %w", err)
	}
	copy(buf, hdrBytes)
	off := len(hdrBytes)
	for _, c := range children {
		idx := ExtentIndex{
			Block:  c.firstLogical,
			LeafLo: uint32(c.blockNum),
			LeafHi: uint16(c.blockNum >> 32),
		}
		idxBytes, err := binstruct.Marshal(idx)
		if err != nil {
			return nil, fmt.Errorf("ext4writer: marshaling extent index entry: %w", err)
		}
		copy(buf[off:], idxBytes)
		off += len(idxBytes)
	}
	return appendExtentTail(buf, uuid, ino)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
