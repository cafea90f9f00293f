package relocate

// blockBitmap is a flat, word-packed bitset over Ext4 block numbers.
// The planner's conflict set and the relocator's free-space tracker
// only ever need set/test/next-clear-run over a dense, statically
// sized range, so a hand-rolled bitset is simpler than pulling in a
// general-purpose one; lib/inodemap uses
// github.com/bits-and-blooms/bitset directly for its sparser,
// hash-indexed open-addressing table instead.
type blockBitmap struct {
	words []uint64
	n     int64
}

func newBlockBitmap(n int64) *blockBitmap {
	return &blockBitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *blockBitmap) Set(i int64) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] |= 1 << uint(i%64)
}

func (b *blockBitmap) Test(i int64) bool {
	if i < 0 || i >= b.n {
		return true
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

// nextClear returns the first unset bit at or after start, or -1 if
// none remains.
func (b *blockBitmap) nextClear(start int64) int64 {
	for i := start; i < b.n; i++ {
		if !b.Test(i) {
			return i
		}
	}
	return -1
}

// runOfClear returns the length of the maximal run of clear bits
// starting at i, capped at max.
func (b *blockBitmap) runOfClear(i int64, max int64) int64 {
	var n int64
	for n < max && i+n < b.n && !b.Test(i+n) {
		n++
	}
	return n
}
