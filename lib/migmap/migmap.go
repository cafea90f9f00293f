// Package migmap implements the migration footer: a
// Btrfs superblock backup plus the relocation entry array, written
// near the end of the device before the point of no return so a
// conversion can always be rolled back.
package migmap

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/relocate"
)

const (
	// magic identifies a valid migration footer.
	magic = "B2E4MAP1"

	footerOffsetFromEnd     = 12 << 10
	superblockOffsetFromEnd = 8 << 10

	maxEntries        = 1 << 20 // 1 Mi
	maxSerializedBytes = 1 << 30 // 1 GiB

	entryWireSize = 0x20 // three int64 and two uint32 fields, see entryWire
)

// footerSize is the on-disk migration footer's fixed total size: the
// four live fields plus reserved padding out to a full block-friendly
// 64 bytes.
const footerSize = 0x40

// footer is the on-disk migration footer's fixed layout.
type footer struct {
	Magic      [8]byte  `bin:"off=0x0,  siz=0x8"`
	MapOffset  uint64   `bin:"off=0x8,  siz=0x8"`
	EntryCount uint32   `bin:"off=0x10, siz=0x4"`
	CRC32      uint32   `bin:"off=0x14, siz=0x4"`
	Reserved   [40]byte `bin:"off=0x18, siz=0x28"`

	binstruct.End `bin:"off=0x40"`
}

// entryWire is the on-disk layout of one RelocationEntry. Completed is
// folded into the high bit of Seq since src/dst offsets and length are
// always non-negative multiples of the block size.
type entryWire struct {
	SrcOffset int64  `bin:"off=0x0,  siz=0x8"`
	DstOffset int64  `bin:"off=0x8,  siz=0x8"`
	Length    int64  `bin:"off=0x10, siz=0x8"`
	Checksum  uint32 `bin:"off=0x18, siz=0x4"`
	Seq       uint32 `bin:"off=0x1c, siz=0x4"`

	binstruct.End `bin:"off=0x20"`
}

const completedBit = uint32(1) << 31

func blockAlignDown(off int64, blockSize int64) int64 {
	return (off / blockSize) * blockSize
}

// Save backs up the current Btrfs superblock and writes the
// relocation entry array and footer near end-of-device, then syncs.
// This is invoked unconditionally before the relocator's point of no
// return, even when the plan has zero entries.
func Save(dev diskio.File[btrfsvol.PhysicalAddr], deviceSize int64, blockSize int64, plan *relocate.Plan) error {
	if len(plan.Entries) > maxEntries {
		return fmt.Errorf("migmap: plan has %d entries, exceeds limit of %d", len(plan.Entries), maxEntries)
	}
	serializedSize := int64(len(plan.Entries)) * entryWireSize
	if serializedSize > maxSerializedBytes {
		return fmt.Errorf("migmap: serialized plan is %d bytes, exceeds limit of %d", serializedSize, maxSerializedBytes)
	}

	sbBuf := make([]byte, 0x1000)
	if _, err := dev.ReadAt(sbBuf, btrfsvol.PhysicalAddr(btrfstree.SuperblockOffset)); err != nil {
		return fmt.Errorf("migmap: reading superblock to back up: %w", err)
	}
	sbBackupOff := blockAlignDown(deviceSize-superblockOffsetFromEnd, blockSize)
	if _, err := dev.WriteAt(sbBuf, btrfsvol.PhysicalAddr(sbBackupOff)); err != nil {
		return fmt.Errorf("migmap: writing superblock backup: %w", err)
	}

	// The map is anchored below the footer's fixed offset, not the
	// superblock backup's: the footer's own bytes live at exactly
	// device_size-12KiB, one block below the device_size-8KiB
	// superblock backup, leaving only a single block of headroom
	// between them. Anchoring the map there instead guarantees it
	// never overlaps the footer no matter how many entries it holds.
	ftOffsetForMap := blockAlignDown(deviceSize-footerOffsetFromEnd, blockSize)
	mapOffset := blockAlignDown(ftOffsetForMap-serializedSize, blockSize)
	if mapOffset < 0 {
		return fmt.Errorf("migmap: device too small to hold %d relocation entries", len(plan.Entries))
	}
	var mapBuf []byte
	for _, e := range plan.Entries {
		seq := uint32(e.Seq)
		if e.Completed {
			seq |= completedBit
		}
		w := entryWire{SrcOffset: e.SrcOffset, DstOffset: e.DstOffset, Length: e.Length, Checksum: e.Checksum, Seq: seq}
		bs, err := binstruct.Marshal(w)
		if err != nil {
			return fmt.Errorf("migmap: marshaling entry %d: %w", e.Seq, err)
		}
		mapBuf = append(mapBuf, bs...)
	}
	if len(mapBuf) > 0 {
		if _, err := dev.WriteAt(mapBuf, btrfsvol.PhysicalAddr(mapOffset)); err != nil {
			return fmt.Errorf("migmap: writing relocation entry array: %w", err)
		}
	}

	ft := footer{
		MapOffset:  uint64(mapOffset),
		EntryCount: uint32(len(plan.Entries)),
		CRC32:      csum.CRC32C(mapBuf),
	}
	copy(ft.Magic[:], magic)
	ftBuf, err := binstruct.Marshal(ft)
	if err != nil {
		return fmt.Errorf("migmap: marshaling footer: %w", err)
	}
	if _, err := dev.WriteAt(ftBuf, btrfsvol.PhysicalAddr(ftOffsetForMap)); err != nil {
		return fmt.Errorf("migmap: writing footer: %w", err)
	}

	if s, ok := dev.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("migmap: sync: %w", err)
		}
	}
	return nil
}

// Load reads and validates the footer and relocation entry array at
// the well-known end-of-device location, without performing any
// rollback copies.
func Load(dev diskio.File[btrfsvol.PhysicalAddr], deviceSize int64, blockSize int64) ([]relocate.RelocationEntry, error) {
	ftOffset := blockAlignDown(deviceSize-footerOffsetFromEnd, blockSize)
	ftBuf := make([]byte, footerSize)
	if _, err := dev.ReadAt(ftBuf, btrfsvol.PhysicalAddr(ftOffset)); err != nil {
		return nil, fmt.Errorf("migmap: reading footer: %w", err)
	}
	var ft footer
	if _, err := binstruct.Unmarshal(ftBuf, &ft); err != nil {
		return nil, fmt.Errorf("migmap: decoding footer: %w", err)
	}
	if string(ft.Magic[:]) != magic {
		return nil, fmt.Errorf("migmap: bad footer magic %q, no migration plan present", ft.Magic[:])
	}

	mapBuf := make([]byte, ft.EntryCount*entryWireSize)
	if len(mapBuf) > 0 {
		if _, err := dev.ReadAt(mapBuf, btrfsvol.PhysicalAddr(ft.MapOffset)); err != nil {
			return nil, fmt.Errorf("migmap: reading relocation entry array: %w", err)
		}
	}
	if got := csum.CRC32C(mapBuf); got != ft.CRC32 {
		return nil, fmt.Errorf("migmap: relocation entry array checksum mismatch: stored=%#x computed=%#x", ft.CRC32, got)
	}

	entries := make([]relocate.RelocationEntry, ft.EntryCount)
	for i := range entries {
		var w entryWire
		if _, err := binstruct.Unmarshal(mapBuf[i*entryWireSize:], &w); err != nil {
			return nil, fmt.Errorf("migmap: decoding entry %d: %w", i, err)
		}
		entries[i] = relocate.RelocationEntry{
			SrcOffset: w.SrcOffset,
			DstOffset: w.DstOffset,
			Length:    w.Length,
			Checksum:  w.Checksum,
			Seq:       int(w.Seq &^ completedBit),
			Completed: w.Seq&completedBit != 0,
		}
	}
	return entries, nil
}

const rollbackChunkBytes = 1 << 20

// Rollback reads the footer, copies every entry's destination range
// back to its source in reverse order, restores the backed-up Btrfs
// superblock to its original offset, then zeroes the footer so a
// second rollback attempt finds nothing to undo.
func Rollback(dev diskio.File[btrfsvol.PhysicalAddr], deviceSize int64, blockSize int64) error {
	entries, err := Load(dev, deviceSize, blockSize)
	if err != nil {
		return err
	}

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
			if _, err := dev.ReadAt(chunk, btrfsvol.PhysicalAddr(srcOff)); err != nil {
				return fmt.Errorf("migmap: rollback: reading %#x: %w", srcOff, err)
			}
			if _, err := dev.WriteAt(chunk, btrfsvol.PhysicalAddr(dstOff)); err != nil {
				return fmt.Errorf("migmap: rollback: writing %#x: %w", dstOff, err)
			}
			srcOff += n
			dstOff += n
			remaining -= n
		}
	}

	sbBackupOff := blockAlignDown(deviceSize-superblockOffsetFromEnd, blockSize)
	sbBuf := make([]byte, 0x1000)
	if _, err := dev.ReadAt(sbBuf, btrfsvol.PhysicalAddr(sbBackupOff)); err != nil {
		return fmt.Errorf("migmap: rollback: reading superblock backup: %w", err)
	}
	if _, err := dev.WriteAt(sbBuf, btrfsvol.PhysicalAddr(btrfstree.SuperblockOffset)); err != nil {
		return fmt.Errorf("migmap: rollback: restoring superblock: %w", err)
	}

	ftOffset := blockAlignDown(deviceSize-footerOffsetFromEnd, blockSize)
	zero := make([]byte, footerSize)
	if _, err := dev.WriteAt(zero, btrfsvol.PhysicalAddr(ftOffset)); err != nil {
		return fmt.Errorf("migmap: rollback: zeroing footer: %w", err)
	}

	if s, ok := dev.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("migmap: rollback: sync: %w", err)
		}
	}
	return nil
}
