package btrfsvol

import (
	"fmt"
	"sort"
)

// NotFound is the sentinel PhysicalAddr returned by ChunkMap.Resolve when
// no mapping covers the requested logical address.
const NotFound PhysicalAddr = -1

// ChunkMapping is one Btrfs CHUNK_ITEM's single-device stripe: a
// contiguous logical range backed by a contiguous physical range.
type ChunkMapping struct {
	LogicalStart  LogicalAddr
	PhysicalStart PhysicalAddr
	Length        AddrDelta
	TypeFlags     uint64
}

func (m ChunkMapping) covers(logical LogicalAddr) bool {
	return logical >= m.LogicalStart && logical < m.LogicalStart.Add(m.Length)
}

// ChunkMap resolves Btrfs logical addresses to physical addresses. It is
// bootstrapped from the superblock's system-chunk array (init) and then
// completed by walking the chunk tree (populate); entries are kept sorted
// by LogicalStart for binary-search resolution.
type ChunkMap struct {
	entries []ChunkMapping
	sorted  bool
}

// Add inserts a chunk mapping. The map must be re-sorted (automatically,
// lazily, on first Resolve after an Add) before Resolve is trustworthy.
func (cm *ChunkMap) Add(m ChunkMapping) {
	cm.entries = append(cm.entries, m)
	cm.sorted = false
}

// Len reports how many mappings have been added.
func (cm *ChunkMap) Len() int { return len(cm.entries) }

func (cm *ChunkMap) ensureSorted() {
	if cm.sorted {
		return
	}
	sort.Slice(cm.entries, func(i, j int) bool {
		return cm.entries[i].LogicalStart < cm.entries[j].LogicalStart
	})
	cm.sorted = true
}

// Resolve returns the physical address corresponding to logical, or
// NotFound if no mapping covers it.
func (cm *ChunkMap) Resolve(logical LogicalAddr) PhysicalAddr {
	cm.ensureSorted()
	entries := cm.entries
	// Binary search for the last entry whose LogicalStart <= logical.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].LogicalStart > logical
	})
	if i == 0 {
		return NotFound
	}
	m := entries[i-1]
	if !m.covers(logical) {
		return NotFound
	}
	return m.PhysicalStart.Add(logical.Sub(m.LogicalStart))
}

// Mappings returns the sorted mapping list.
func (cm *ChunkMap) Mappings() []ChunkMapping {
	cm.ensureSorted()
	return cm.entries
}

// Validate checks the non-overlap invariant the planner and reader both
// depend on: sorted entries never overlap.
func (cm *ChunkMap) Validate() error {
	cm.ensureSorted()
	for i := 1; i < len(cm.entries); i++ {
		prev, cur := cm.entries[i-1], cm.entries[i]
		if cur.LogicalStart < prev.LogicalStart.Add(prev.Length) {
			return fmt.Errorf("btrfsvol: overlapping chunk mappings at logical %v and %v", prev.LogicalStart, cur.LogicalStart)
		}
	}
	return nil
}
