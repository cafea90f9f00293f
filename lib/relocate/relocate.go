// Package relocate builds and executes the block-relocation plan that
// moves Btrfs data extents out of the way of Ext4 metadata placed
// in-place over the same device.
package relocate

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

// RelocationEntry is one block-aligned copy the relocator performs to
// move a Btrfs extent out of an Ext4-metadata block.
type RelocationEntry struct {
	SrcOffset int64
	DstOffset int64
	Length    int64
	Checksum  uint32
	Seq       int
	Completed bool
}

// Plan is the full relocation plan: the ordered, coalesced entry list
// and the block size its offsets are aligned to.
type Plan struct {
	Entries   []RelocationEntry
	BlockSize int64
}

// extentRange is a Btrfs data extent's physical block range, derived
// from a FileEntry's FileExtent list after chunk-map resolution.
type extentRange struct {
	startBlock int64
	numBlocks  int64
}

// BuildPlan constructs the conflict bitmap from layout.Reserved, the
// free-space bitmap (conflicts plus every block a Btrfs data extent
// occupies), then walks every data extent relocating any of its blocks
// that collide with reserved Ext4 metadata.
func BuildPlan(layout *ext4layout.Layout, fs *reader.FsInfo) (*Plan, error) {
	blockSize := int64(layout.BlockSize)
	totalBlocks := layout.TotalBlocks

	conflict := newBlockBitmap(totalBlocks)
	for _, b := range layout.Reserved {
		conflict.Set(int64(b))
	}

	ranges := extentRanges(fs, blockSize, totalBlocks)

	free := newBlockBitmap(totalBlocks)
	for i := int64(0); i < totalBlocks; i++ {
		if conflict.Test(i) {
			free.Set(i)
		}
	}
	for _, r := range ranges {
		for b := r.startBlock; b < r.startBlock+r.numBlocks; b++ {
			free.Set(b)
		}
	}

	var entries []RelocationEntry
	seq := 0
	for _, r := range ranges {
		b := r.startBlock
		end := r.startBlock + r.numBlocks
		for b < end {
			if !conflict.Test(b) {
				b++
				continue
			}
			// Find the run of consecutive conflicting blocks within
			// this extent so the copy can be done in one shot.
			runLen := int64(0)
			for b+runLen < end && conflict.Test(b+runLen) {
				runLen++
			}

			dst, allocated := allocateRun(free, runLen, totalBlocks)
			if allocated == 0 {
				return nil, fmt.Errorf("relocate: no free space left to relocate block %d", b)
			}
			entries = append(entries, RelocationEntry{
				SrcOffset: b * blockSize,
				DstOffset: dst * blockSize,
				Length:    allocated * blockSize,
				Seq:       seq,
			})
			seq++
			b += allocated
		}
	}

	slices.SortFunc(entries, func(a, b RelocationEntry) bool { return a.SrcOffset < b.SrcOffset })
	entries = coalesce(entries)
	for i := range entries {
		entries[i].Seq = i
	}

	return &Plan{Entries: entries, BlockSize: blockSize}, nil
}

// allocateRun finds a single free run of up to want blocks, falling
// back to a shorter run (down to one block) when the free-space
// tracker has nothing longer available, and marks whatever it returns
// as used.
func allocateRun(free *blockBitmap, want int64, totalBlocks int64) (start int64, length int64) {
	cursor := int64(0)
	bestStart, bestLen := int64(-1), int64(0)
	for cursor < totalBlocks {
		next := free.nextClear(cursor)
		if next < 0 {
			break
		}
		runLen := free.runOfClear(next, want)
		if runLen >= want {
			bestStart, bestLen = next, want
			break
		}
		if runLen > bestLen {
			bestStart, bestLen = next, runLen
		}
		cursor = next + runLen + 1
	}
	if bestStart < 0 {
		return 0, 0
	}
	for i := bestStart; i < bestStart+bestLen; i++ {
		free.Set(i)
	}
	return bestStart, bestLen
}

// coalesce merges adjacent entries whose source and destination runs
// are both contiguous.
func coalesce(entries []RelocationEntry) []RelocationEntry {
	if len(entries) == 0 {
		return entries
	}
	out := entries[:1]
	for _, e := range entries[1:] {
		prev := &out[len(out)-1]
		if prev.SrcOffset+prev.Length == e.SrcOffset && prev.DstOffset+prev.Length == e.DstOffset {
			prev.Length += e.Length
			continue
		}
		out = append(out, e)
	}
	return out
}

// extentRanges derives the physical block ranges every non-inline,
// non-sparse Btrfs data extent occupies after chunk-map resolution,
// merging CoW-aliased duplicates (the same physical range observed
// more than once still relocates exactly once).
func extentRanges(fs *reader.FsInfo, blockSize int64, totalBlocks int64) []extentRange {
	seen := make(map[int64]struct{})
	var ranges []extentRange
	for _, fe := range fs.Inodes {
		for _, fx := range fe.Extents {
			if fx.DiskByteNr == 0 || fx.DiskNumBytes == 0 {
				continue
			}
			phys := fs.ChunkMap.Resolve(fx.DiskByteNr)
			if phys == btrfsvol.NotFound {
				continue
			}
			startBlock := int64(phys) / blockSize
			numBlocks := (int64(fx.DiskNumBytes) + blockSize - 1) / blockSize
			if startBlock >= totalBlocks {
				continue
			}
			if startBlock+numBlocks > totalBlocks {
				numBlocks = totalBlocks - startBlock
			}
			if _, dup := seen[startBlock]; dup {
				continue
			}
			seen[startBlock] = struct{}{}
			ranges = append(ranges, extentRange{startBlock: startBlock, numBlocks: numBlocks})
		}
	}
	slices.SortFunc(ranges, func(a, b extentRange) bool { return a.startBlock < b.startBlock })
	return ranges
}

const maxChunkBytes = 16 << 20

// Execute performs every relocation entry in order: copy source to
// destination in bounded chunks, update the entry's checksum, mark it
// completed. On any I/O error it invokes rollback up to (but not
// including) the failing entry's Seq and returns the error.
func Execute(ctx context.Context, dev diskio.File[btrfsvol.PhysicalAddr], plan *Plan) error {
	for i := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := &plan.Entries[i]
		sum, err := copyEntry(dev, e)
		if err != nil {
			if rerr := Rollback(dev, plan.Entries[:i]); rerr != nil {
				return fmt.Errorf("relocate: entry %d failed (%w), and rollback also failed: %v", e.Seq, err, rerr)
			}
			return fmt.Errorf("relocate: entry %d failed: %w", e.Seq, err)
		}
		e.Checksum = sum
		e.Completed = true
	}
	return nil
}

func copyEntry(dev diskio.File[btrfsvol.PhysicalAddr], e *RelocationEntry) (uint32, error) {
	var crc uint32
	remaining := e.Length
	srcOff := e.SrcOffset
	dstOff := e.DstOffset
	buf := make([]byte, maxChunkBytes)
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := dev.ReadAt(chunk, btrfsvol.PhysicalAddr(srcOff)); err != nil && err != io.EOF {
			return 0, fmt.Errorf("reading relocation source at %#x: %w", srcOff, err)
		}
		crc = csum.CRC32CContinue(crc, chunk)
		if _, err := dev.WriteAt(chunk, btrfsvol.PhysicalAddr(dstOff)); err != nil {
			return 0, fmt.Errorf("writing relocation destination at %#x: %w", dstOff, err)
		}
		srcOff += n
		dstOff += n
		remaining -= n
	}
	return crc, nil
}

const rollbackChunkBytes = 1 << 20

// Rollback copies every completed entry's destination range back to
// its source, in reverse order, undoing a partially-applied plan.
func Rollback(dev diskio.File[btrfsvol.PhysicalAddr], entries []RelocationEntry) error {
	buf := make([]byte, rollbackChunkBytes)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		remaining := e.Length
		srcOff := e.DstOffset
		dstOff := e.SrcOffset
		for remaining > 0 {
			n := int64(len(buf))
			if n > remaining {
				n = remaining
			}
			chunk := buf[:n]
			if _, err := dev.ReadAt(chunk, btrfsvol.PhysicalAddr(srcOff)); err != nil && err != io.EOF {
				return fmt.Errorf("rollback: reading %#x: %w", srcOff, err)
			}
			if _, err := dev.WriteAt(chunk, btrfsvol.PhysicalAddr(dstOff)); err != nil {
				return fmt.Errorf("rollback: writing %#x: %w", dstOff, err)
			}
			srcOff += n
			dstOff += n
			remaining -= n
		}
	}
	return nil
}

// RewriteExtents updates every FileExtent.DiskByteNr whose resolved
// physical address fell within a completed relocation entry's source
// range, so readers that already walked the FS tree see the new
// location instead of re-resolving through the (now partially stale)
// chunk map. A plain map keyed on block-aligned physical offset gives
// the O(1) average lookup needed to rewrite every (inode, extent) pair
// whose start block matches, including CoW aliases sharing a block.
func RewriteExtents(fs *reader.FsInfo, plan *Plan) {
	blockSize := plan.BlockSize
	byBlock := make(map[int64][]*reader.FileExtent)
	for _, fe := range fs.Inodes {
		for i := range fe.Extents {
			fx := &fe.Extents[i]
			if fx.DiskByteNr == 0 {
				continue
			}
			phys := fs.ChunkMap.Resolve(fx.DiskByteNr)
			if phys == btrfsvol.NotFound {
				continue
			}
			block := int64(phys) / blockSize
			byBlock[block] = append(byBlock[block], fx)
		}
	}

	for _, e := range plan.Entries {
		if !e.Completed {
			continue
		}
		startBlock := e.SrcOffset / blockSize
		numBlocks := e.Length / blockSize
		for b := startBlock; b < startBlock+numBlocks; b++ {
			delta := (b - startBlock) * blockSize
			for _, fx := range byBlock[b] {
				fx.DiskByteNr = btrfsvol.LogicalAddr(e.DstOffset + delta)
			}
		}
	}
}
