package reader

import (
	"sort"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// UsedBlockRange is one allocated Btrfs extent, expressed as a physical
// byte range.
type UsedBlockRange struct {
	Start  btrfsvol.PhysicalAddr
	Length btrfsvol.AddrDelta
}

// UsedBlockMap is the sorted, non-overlapping set of physical ranges
// the source Btrfs volume has allocated.
type UsedBlockMap struct {
	Ranges []UsedBlockRange
}

// SynthesizeUsedBlockMap builds the used-block map directly from the
// FS tree's data extents, without walking the extent tree. This is the
// fallback path the reader pipeline describes for when a full extent
// tree walk isn't available; since per-inode EXTENT_DATA items already
// carry every data extent's resolved physical range, synthesising from
// them covers every data extent, at the cost of not separately
// accounting for extent/checksum-tree metadata blocks. Read stores the
// result in FsInfo.UsedBlocks; nothing outside this package reads it.
func (info *FsInfo) SynthesizeUsedBlockMap() UsedBlockMap {
	var ranges []UsedBlockRange
	for _, fe := range info.Inodes {
		for _, fx := range fe.Extents {
			if fx.DiskByteNr == 0 {
				continue // inline extent or sparse hole: no backing disk range
			}
			phys := info.ChunkMap.Resolve(fx.DiskByteNr)
			if phys == btrfsvol.NotFound {
				continue
			}
			ranges = append(ranges, UsedBlockRange{Start: phys, Length: fx.DiskNumBytes})
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	merged := ranges[:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 && merged[n-1].Start.Add(merged[n-1].Length) >= r.Start {
			if end := r.Start.Add(r.Length); end > merged[n-1].Start.Add(merged[n-1].Length) {
				merged[n-1].Length = end.Sub(merged[n-1].Start)
			}
			continue
		}
		merged = append(merged, r)
	}
	return UsedBlockMap{Ranges: merged}
}
