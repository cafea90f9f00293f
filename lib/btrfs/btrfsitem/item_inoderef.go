package btrfsitem

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct/binutil"
)

// MaxNameLen is the largest name a directory entry or inode back-ref can
// hold; Btrfs enforces this at mkdir/create time.
const MaxNameLen = 255

// InodeRef maps a child inode back to the parent directory that links
// it: Key.ObjectID is the child, Key.Offset is the parent.
type InodeRef struct { // INODE_REF=12
	Index         uint64 `bin:"off=0x0, siz=0x8"`
	NameLen       uint16 `bin:"off=0x8, siz=0x2"` // [ignored-when-writing]
	binstruct.End `bin:"off=0xa"`
	Name          []byte `bin:"-"`
}

func (InodeRef) isItem() {}

func (o *InodeRef) UnmarshalBinary(dat []byte) (int, error) {
	if err := binutil.NeedNBytes(dat, 0xa); err != nil {
		return 0, err
	}
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	if o.NameLen > MaxNameLen {
		return 0, fmt.Errorf("btrfsitem: InodeRef: name length %d exceeds max %d", o.NameLen, MaxNameLen)
	}
	if err := binutil.NeedNBytes(dat, 0xa+int(o.NameLen)); err != nil {
		return 0, err
	}
	o.Name = append([]byte(nil), dat[n:n+int(o.NameLen)]...)
	n += int(o.NameLen)
	return n, nil
}

func (o InodeRef) MarshalBinary() ([]byte, error) {
	o.NameLen = uint16(len(o.Name))
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	return append(dat, o.Name...), nil
}
