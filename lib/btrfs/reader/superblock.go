package reader

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

// chunkResolveCacheSize bounds the LRU of logical->physical chunk-map
// resolutions; the FS tree walk re-resolves the same few chunks for
// every item in a large, fragmented file, and chunk layouts rarely
// exceed a few thousand distinct logical-address buckets in practice.
const chunkResolveCacheSize = 4096

const maxSysChunkArraySize = 2048

// validateSuperblock enforces the converter's single-device, fixed
// sector size scope before anything else is trusted: magic, checksum,
// sector size, node size, device count, and the chunk array bounds.
func validateSuperblock(sb btrfstree.Superblock) error {
	if err := sb.ValidateMagic(); err != nil {
		return err
	}
	if err := sb.ValidateChecksum(); err != nil {
		return err
	}
	if sb.SectorSize != 4096 {
		return fmt.Errorf("sector size %d unsupported, only 4096 is", sb.SectorSize)
	}
	if sb.NodeSize < sb.SectorSize || sb.NodeSize > 65536 {
		return fmt.Errorf("node size %d out of range [%d, 65536]", sb.NodeSize, sb.SectorSize)
	}
	if sb.NodeSize%sb.SectorSize != 0 {
		return fmt.Errorf("node size %d is not a multiple of sector size %d", sb.NodeSize, sb.SectorSize)
	}
	if sb.NumDevices != 1 {
		return fmt.Errorf("num_devices=%d unsupported, this converter targets single-device volumes only", sb.NumDevices)
	}
	if sb.SysChunkArraySize == 0 || sb.SysChunkArraySize > maxSysChunkArraySize {
		return fmt.Errorf("sys_chunk_array_size=%d out of range (0, %d]", sb.SysChunkArraySize, maxSysChunkArraySize)
	}
	return nil
}

// bootstrapChunkMap seeds the chunk map from the superblock's bootstrap
// system-chunk array. Only the first stripe of each
// chunk is used: this converter only supports single-device volumes, so
// there is exactly one stripe to consider.
func bootstrapChunkMap(sb btrfstree.Superblock, cm *btrfsvol.ChunkMap) error {
	entries, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Key.ItemType != btrfsprim.ChunkItemKey {
			continue
		}
		if ms := e.Chunk.Mappings(e.Key); len(ms) > 0 {
			cm.Add(ms[0])
		}
	}
	return nil
}

// resolvedReader adapts a raw device ReaderAt to one indexed by Btrfs
// logical address, resolving every read through the chunk map. It
// satisfies diskio.ReaderAt[btrfsvol.LogicalAddr]. Resolutions are
// cached in a bounded LRU: block-aligned buckets of the same chunk are
// requested repeatedly while walking a tree or a fragmented file's
// extents.
type resolvedReader[Addr ~int64] struct {
	raw    diskio.ReaderAt[Addr]
	chunks *btrfsvol.ChunkMap
	cache  *lru.Cache
}

func newResolvedReader[Addr ~int64](raw diskio.ReaderAt[Addr], chunks *btrfsvol.ChunkMap) *resolvedReader[Addr] {
	cache, _ := lru.New(chunkResolveCacheSize)
	return &resolvedReader[Addr]{raw: raw, chunks: chunks, cache: cache}
}

func (r *resolvedReader[Addr]) resolve(off btrfsvol.LogicalAddr) btrfsvol.PhysicalAddr {
	if r.cache != nil {
		if v, ok := r.cache.Get(off); ok {
			return v.(btrfsvol.PhysicalAddr)
		}
	}
	phys := r.chunks.Resolve(off)
	if phys != btrfsvol.NotFound && r.cache != nil {
		r.cache.Add(off, phys)
	}
	return phys
}

func (r *resolvedReader[Addr]) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	phys := r.resolve(off)
	if phys == btrfsvol.NotFound {
		return 0, fmt.Errorf("reader: no chunk mapping covers logical address %v", off)
	}
	return r.raw.ReadAt(p, Addr(phys))
}

// populateChunkTree walks the chunk tree (reachable via the bootstrap
// mappings already in cm) to completion, adding every remaining
// CHUNK_ITEM's mapping.
func populateChunkTree[Addr ~int64](chunkFS *resolvedReader[Addr], sb btrfstree.Superblock) error {
	return btrfstree.Walk[btrfsvol.LogicalAddr](chunkFS, sb, btrfsprim.ChunkTreeObjID, sb.ChunkTree, sb.ChunkRootGeneration, sb.ChunkLevel,
		func(path []btrfstree.KeyPointer, item btrfstree.Item) error {
			if item.Key.ItemType != btrfsprim.ChunkItemKey {
				return nil
			}
			chunk, ok := item.Body.(btrfsitem.Chunk)
			if !ok {
				return nil
			}
			for _, m := range chunk.Mappings(item.Key) {
				chunkFS.chunks.Add(m)
			}
			return nil
		})
}
