package btrfsitem

import (
	"fmt"
	"hash/crc32"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct/binutil"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

// NameHash is Btrfs's directory-entry name hash (an inverted CRC32c),
// used to compute DIR_ITEM and XATTR_ITEM key offsets.
func NameHash(name []byte) uint64 {
	return uint64(^crc32.Update(1, crc32.MakeTable(crc32.Castagnoli), name))
}

// DirEntry backs DIR_ITEM, DIR_INDEX, and XATTR_ITEM. Key.ObjectID is
// the containing directory's inode; Key.Offset is NameHash(name) for
// DIR_ITEM/XATTR_ITEM or a monotonic index (starting at 2) for
// DIR_INDEX.
type DirEntry struct { // DIR_ITEM=84 DIR_INDEX=96 XATTR_ITEM=24
	Location      btrfsprim.Key `bin:"off=0x0, siz=0x11"`
	TransID       int64         `bin:"off=0x11, siz=8"`
	DataLen       uint16        `bin:"off=0x19, siz=2"` // [ignored-when-writing]
	NameLen       uint16        `bin:"off=0x1b, siz=2"` // [ignored-when-writing]
	Type          FileType      `bin:"off=0x1d, siz=1"`
	binstruct.End `bin:"off=0x1e"`
	Name          []byte `bin:"-"`
	Data          []byte `bin:"-"` // xattr value; only for XATTR_ITEM
}

func (DirEntry) isItem() {}

func (o *DirEntry) UnmarshalBinary(dat []byte) (int, error) {
	if err := binutil.NeedNBytes(dat, 0x1e); err != nil {
		return 0, err
	}
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	if o.NameLen > MaxNameLen {
		return 0, fmt.Errorf("btrfsitem: DirEntry: name length %d exceeds max %d", o.NameLen, MaxNameLen)
	}
	if err := binutil.NeedNBytes(dat, 0x1e+int(o.NameLen)+int(o.DataLen)); err != nil {
		return 0, err
	}
	o.Name = append([]byte(nil), dat[n:n+int(o.NameLen)]...)
	n += int(o.NameLen)
	o.Data = append([]byte(nil), dat[n:n+int(o.DataLen)]...)
	n += int(o.DataLen)
	return n, nil
}

func (o DirEntry) MarshalBinary() ([]byte, error) {
	o.NameLen = uint16(len(o.Name))
	o.DataLen = uint16(len(o.Data))
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	dat = append(dat, o.Name...)
	dat = append(dat, o.Data...)
	return dat, nil
}

// FileType mirrors Ext4's own d_type encoding, which is why the
// converter's directory writer can copy it across almost unchanged.
type FileType uint8

const (
	FTUnknown FileType = iota
	FTRegFile
	FTDir
	FTChrdev
	FTBlkdev
	FTFifo
	FTSock
	FTSymlink
	FTXattr
)

var fileTypeNames = [...]string{"UNKNOWN", "FILE", "DIR", "CHRDEV", "BLKDEV", "FIFO", "SOCK", "SYMLINK", "XATTR"}

func (ft FileType) String() string {
	if int(ft) < len(fileTypeNames) {
		return fileTypeNames[ft]
	}
	return fmt.Sprintf("FILE_TYPE(%d)", uint8(ft))
}
