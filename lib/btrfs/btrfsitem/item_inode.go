package btrfsitem

import (
	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

// Inode is the stat-equivalent metadata item for a file or directory.
type Inode struct { // INODE_ITEM=1
	Generation    btrfsprim.Generation `bin:"off=0x00, siz=0x08"`
	TransID       int64                `bin:"off=0x08, siz=0x08"`
	Size          int64                `bin:"off=0x10, siz=0x08"`
	NumBytes      int64                `bin:"off=0x18, siz=0x08"`
	BlockGroup    int64                `bin:"off=0x20, siz=0x08"`
	NLink         uint32               `bin:"off=0x28, siz=0x04"`
	UID           uint32               `bin:"off=0x2C, siz=0x04"`
	GID           uint32               `bin:"off=0x30, siz=0x04"`
	Mode          uint32               `bin:"off=0x34, siz=0x04"`
	RDev          uint64               `bin:"off=0x38, siz=0x08"`
	Flags         InodeFlags           `bin:"off=0x40, siz=0x08"`
	Sequence      int64                `bin:"off=0x48, siz=0x08"`
	Reserved      [4]int64             `bin:"off=0x50, siz=0x20"`
	ATime         btrfsprim.Time       `bin:"off=0x70, siz=0x0c"`
	CTime         btrfsprim.Time       `bin:"off=0x7c, siz=0x0c"`
	MTime         btrfsprim.Time       `bin:"off=0x88, siz=0x0c"`
	OTime         btrfsprim.Time       `bin:"off=0x94, siz=0x0c"`
	binstruct.End `bin:"off=0xa0"`
}

func (Inode) isItem() {}

// InodeFlags is the statx-attribute-like bitmask stored alongside an
// Inode; only the bits the converter's inode writer consults are named.
type InodeFlags uint64

const (
	InodeNoDataSum InodeFlags = 1 << iota
	InodeNoDataCOW
	InodeReadonly
	InodeNoCompress
	InodePrealloc
	InodeSync
	InodeImmutable
	InodeAppend
	InodeNoDump
	InodeNoATime
	InodeDirSync
	InodeCompress
)

func (f InodeFlags) Has(bit InodeFlags) bool { return f&bit == bit }
