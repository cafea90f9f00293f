package ext4writer

import "github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"

// packTimestamp splits a Btrfs (seconds, nanoseconds) pair into Ext4's
// extra-epoch-bit-plus-nanoseconds encoding: the low 2 bits of extra
// hold bits 32-33 of the second count (pushing the epoch out to year
// 2446), and the remaining 30 bits hold nanoseconds directly -- Ext4
// nanosecond precision happens to be exact, unlike the classic
// struct-timespec truncation most filesystems settle for.
func packTimestamp(t btrfsprim.Time) (seconds uint32, extra uint32) {
	sec := int64(t.Sec)
	seconds = uint32(sec)
	epochBits := uint32((sec >> 32) & 0x3)
	extra = epochBits | (t.NSec << 2)
	return seconds, extra
}
