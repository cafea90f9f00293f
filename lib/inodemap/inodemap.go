// Package inodemap implements the bijection between Btrfs objectids
// and Ext4 inode numbers: objectid 256 (a subvolume's
// root directory) always maps to Ext4 inode 2, every other objectid is
// assigned the next Ext4 inode number contiguously starting at 11, and
// once the mapping grows past a configured memory threshold the
// backing vector spills to a memory-mapped file in a working
// directory so a conversion of a filesystem with many millions of
// inodes doesn't hold the whole map resident.
package inodemap

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sys/unix"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

// rootIno is the fixed Ext4 inode number of the filesystem root,
// matching the Btrfs root directory objectid (btrfsprim well-known
// value 256, see lib/btrfs/reader.RootDirObjID).
const rootIno uint32 = 2

// firstFreeIno is the first Ext4 inode number available for
// assignment to any objectid other than the root directory. Ext4
// reserves 1-10 for its own bookkeeping inodes (bad blocks, root,
// ACL, boot loader, undelete, resize, journal, exclude, replica).
const firstFreeIno uint32 = 11

// rootObjID mirrors lib/btrfs/reader.RootDirObjID so that this package
// does not depend on the reader package.
const rootObjID btrfsprim.ObjID = 256

// entrySize is the packed on-disk/on-mmap width of one (btrfs
// objectid, ext4 ino) pair: 8 bytes + 4 bytes, no padding.
const entrySize = 12

// entry is one assigned pair.
type entry struct {
	BtrfsIno btrfsprim.ObjID
	Ext4Ino  uint32
}

func encodeEntry(dst []byte, e entry) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(e.BtrfsIno))
	binary.LittleEndian.PutUint32(dst[8:12], e.Ext4Ino)
}

func decodeEntry(src []byte) entry {
	return entry{
		BtrfsIno: btrfsprim.ObjID(binary.LittleEndian.Uint64(src[0:8])),
		Ext4Ino:  binary.LittleEndian.Uint32(src[8:12]),
	}
}

// bloomBitsPerElement and bloomHashFuncs match the Bloom filter sizing
// named for this converter's disk-backed inode map: 10 bits/element,
// 7 hash functions.
const (
	bloomBitsPerElement = 10
	bloomHashFuncs      = 7
)

// fib64 is 2^64 divided by the golden ratio, the Fibonacci hashing
// multiplier: multiplying a key by it and taking the top bits spreads
// sequential or clustered keys (as Btrfs objectids often are) across
// a hash table far better than a plain modulo would.
const fib64 = 0x9E3779B97F4A7C15

func fibHash(key uint64, bits uint) uint32 {
	return uint32((key * fib64) >> (64 - bits))
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func bitsFor(pow2 int) uint {
	var bits uint
	for (1 << bits) < pow2 {
		bits++
	}
	return bits
}

// spillFile is the memory-mapped overflow region a InodeMap transitions
// its entry vector into once it crosses MemLimit. It grows by
// unmap/truncate/remap, doubling each time.
type spillFile struct {
	f   *os.File
	buf []byte
	cap int64 // capacity in bytes
}

const initialSpillEntries = 1 << 16 // 64Ki entries before the first remap

func (s *spillFile) ensureCapacity(neededEntries int64) error {
	needed := neededEntries * entrySize
	if needed <= s.cap {
		return nil
	}
	newCap := s.cap * 2
	if newCap == 0 {
		newCap = int64(initialSpillEntries) * entrySize
	}
	if newCap < needed {
		newCap = needed
	}
	if s.buf != nil {
		if err := unix.Munmap(s.buf); err != nil {
			return fmt.Errorf("inodemap: unmap spill region: %w", err)
		}
	}
	if err := s.f.Truncate(newCap); err != nil {
		return fmt.Errorf("inodemap: grow spill file to %d bytes: %w", newCap, err)
	}
	buf, err := unix.Mmap(int(s.f.Fd()), 0, int(newCap), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("inodemap: remap spill region: %w", err)
	}
	s.buf = buf
	s.cap = newCap
	return nil
}

func (s *spillFile) set(i int, e entry) error {
	if err := s.ensureCapacity(int64(i) + 1); err != nil {
		return err
	}
	encodeEntry(s.buf[i*entrySize:], e)
	return nil
}

func (s *spillFile) get(i int) entry {
	return decodeEntry(s.buf[i*entrySize:])
}

func (s *spillFile) close() error {
	if s.buf != nil {
		if err := unix.Munmap(s.buf); err != nil {
			return err
		}
	}
	name := s.f.Name()
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// ramBackedMagic is TMPFS_MAGIC as reported by statfs(2); a working
// directory living on tmpfs or ramfs defeats the entire point of
// spilling the map out of RAM.
const ramBackedMagic = 0x01021994

func isRAMBacked(dir string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false, err
	}
	return int64(st.Type) == ramBackedMagic, nil
}

// defaultMemLimit returns 60% of total system RAM, the mmap-spill
// threshold's default. If the sysinfo syscall is
// unavailable the limit falls back to a conservative fixed size
// rather than failing construction outright.
func defaultMemLimit() int64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 512 << 20
	}
	total := int64(si.Totalram) * int64(si.Unit)
	return total * 60 / 100
}

// InodeMap is the bijective Btrfs-objectid-to-Ext4-inode-number store.
// Zero value is not usable; construct with New.
type InodeMap struct {
	workDir  string
	memLimit int64

	ram   []entry
	spill *spillFile
	count int

	nextIno uint32

	hashFresh bool
	hash      []int32
	occupied  *bitset.BitSet
	hashBits  uint
	bloom     *bloom.BloomFilter
}

// New constructs an InodeMap that spills to workDir once its resident
// size would exceed memLimitBytes. A memLimitBytes of 0 selects the
// default of 60% of total system RAM.
func New(workDir string, memLimitBytes int64) *InodeMap {
	if memLimitBytes <= 0 {
		memLimitBytes = defaultMemLimit()
	}
	return &InodeMap{
		workDir:  workDir,
		memLimit: memLimitBytes,
		nextIno:  firstFreeIno,
	}
}

// Add assigns btrfsIno the next available Ext4 inode number — 2 if
// btrfsIno is the subvolume root directory, otherwise the next
// contiguous number starting at 11 — records the pair, and returns the
// assigned number. The caller is responsible for calling Add exactly
// once per distinct objectid; Add does not check for duplicates.
func (m *InodeMap) Add(btrfsIno btrfsprim.ObjID) (uint32, error) {
	var ext4Ino uint32
	if btrfsIno == rootObjID {
		ext4Ino = rootIno
	} else {
		ext4Ino = m.nextIno
		m.nextIno++
	}
	if err := m.append(entry{BtrfsIno: btrfsIno, Ext4Ino: ext4Ino}); err != nil {
		return 0, err
	}
	m.hashFresh = false
	return ext4Ino, nil
}

func (m *InodeMap) append(e entry) error {
	if m.spill == nil && int64(len(m.ram)+1)*entrySize > m.memLimit {
		if err := m.beginSpill(); err != nil {
			return err
		}
	}
	if m.spill != nil {
		if err := m.spill.set(m.count, e); err != nil {
			return err
		}
		m.count++
		return nil
	}
	m.ram = append(m.ram, e)
	m.count++
	return nil
}

func (m *InodeMap) beginSpill() error {
	ramBacked, err := isRAMBacked(m.workDir)
	if err != nil {
		return fmt.Errorf("inodemap: checking working directory %q: %w", m.workDir, err)
	}
	if ramBacked {
		return fmt.Errorf("inodemap: working directory %q is RAM-backed (tmpfs), refusing to spill the inode map there", m.workDir)
	}
	f, err := os.CreateTemp(m.workDir, "inodemap-*.spill")
	if err != nil {
		return fmt.Errorf("inodemap: creating spill file: %w", err)
	}
	sp := &spillFile{f: f}
	for i, e := range m.ram {
		if err := sp.set(i, e); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
	}
	m.ram = nil
	m.spill = sp
	return nil
}

func (m *InodeMap) get(i int) entry {
	if m.spill != nil {
		return m.spill.get(i)
	}
	return m.ram[i]
}

// Close releases the spill file, if one was created.
func (m *InodeMap) Close() error {
	if m.spill == nil {
		return nil
	}
	return m.spill.close()
}

// Len returns the number of assigned pairs, including the root
// directory.
func (m *InodeMap) Len() int { return m.count }

// buildHash constructs the open-addressing lookup table (size
// max(128, 2×count) rounded up to a power of two, Fibonacci-hashed
// initial index, linear probing)
// and, when the map is disk-backed, the Bloom pre-filter that spares a
// full probe sequence against the memory-mapped region on a miss.
func (m *InodeMap) buildHash() {
	tableSize := nextPow2(maxInt(128, 2*m.count))
	bits := bitsFor(tableSize)
	table := make([]int32, tableSize)
	occupied := bitset.New(uint(tableSize))

	var bf *bloom.BloomFilter
	if m.spill != nil && m.count > 0 {
		bf = bloom.New(uint(m.count*bloomBitsPerElement), bloomHashFuncs)
	}

	for i := 0; i < m.count; i++ {
		e := m.get(i)
		idx := fibHash(uint64(e.BtrfsIno), bits)
		for probe := 0; probe < tableSize; probe++ {
			slot := uint((int(idx) + probe) % tableSize)
			if !occupied.Test(slot) {
				table[slot] = int32(i)
				occupied.Set(slot)
				break
			}
		}
		if bf != nil {
			var key [8]byte
			binary.LittleEndian.PutUint64(key[:], uint64(e.BtrfsIno))
			bf.Add(key[:])
		}
	}

	m.hash = table
	m.occupied = occupied
	m.hashBits = bits
	m.bloom = bf
	m.hashFresh = true
}

// Lookup returns the Ext4 inode number assigned to btrfsIno, or 0 if
// none was ever assigned. The lookup table is (re)built lazily on
// first use after any Add.
func (m *InodeMap) Lookup(btrfsIno btrfsprim.ObjID) uint32 {
	if btrfsIno == rootObjID {
		return rootIno
	}
	if !m.hashFresh {
		m.buildHash()
	}
	if m.bloom != nil {
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], uint64(btrfsIno))
		if !m.bloom.Test(key[:]) {
			return 0
		}
	}
	tableSize := 1 << m.hashBits
	idx := fibHash(uint64(btrfsIno), m.hashBits)
	for probe := 0; probe < tableSize; probe++ {
		slot := uint((int(idx) + probe) % tableSize)
		if !m.occupied.Test(slot) {
			return 0
		}
		if e := m.get(int(m.hash[slot])); e.BtrfsIno == btrfsIno {
			return e.Ext4Ino
		}
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
