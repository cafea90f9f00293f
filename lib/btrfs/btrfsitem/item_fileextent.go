package btrfsitem

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// FileExtent maps a byte range of a file to either inline data or a
// pointer into a shared extent. Key.ObjectID is the inode, Key.Offset
// is the byte offset within the file.
type FileExtent struct { // EXTENT_DATA=108
	Generation btrfsprim.Generation `bin:"off=0x0, siz=0x8"`
	RAMBytes   int64                `bin:"off=0x8, siz=0x8"`

	Compression   CompressionType `bin:"off=0x10, siz=0x1"`
	Encryption    uint8           `bin:"off=0x11, siz=0x1"`
	OtherEncoding uint16          `bin:"off=0x12, siz=0x2"`

	Type FileExtentType `bin:"off=0x14, siz=0x1"`

	binstruct.End `bin:"off=0x15"`

	BodyInline []byte           `bin:"-"` // .Type == FileExtentInline
	BodyExtent FileExtentExtent `bin:"-"` // .Type == FileExtentReg or FileExtentPrealloc
}

func (FileExtent) isItem() {}

// FileExtentExtent is the on-disk pointer half of a non-inline
// FileExtent: where the (possibly shared) extent lives, and which
// sub-range of it this file uses.
type FileExtentExtent struct {
	DiskByteNr   btrfsvol.LogicalAddr `bin:"off=0x0, siz=0x8"`
	DiskNumBytes btrfsvol.AddrDelta   `bin:"off=0x8, siz=0x8"`
	Offset       btrfsvol.AddrDelta   `bin:"off=0x10, siz=0x8"`
	NumBytes     int64                `bin:"off=0x18, siz=0x8"`
	binstruct.End `bin:"off=0x20"`
}

func (o *FileExtent) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	switch o.Type {
	case FileExtentInline:
		o.BodyInline = append([]byte(nil), dat[n:]...)
		n += len(o.BodyInline)
	case FileExtentReg, FileExtentPrealloc:
		_n, err := binstruct.Unmarshal(dat[n:], &o.BodyExtent)
		n += _n
		if err != nil {
			return n, err
		}
	default:
		return n, fmt.Errorf("btrfsitem: FileExtent: unknown type %v", o.Type)
	}
	return n, nil
}

func (o FileExtent) MarshalBinary() ([]byte, error) {
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	switch o.Type {
	case FileExtentInline:
		dat = append(dat, o.BodyInline...)
	case FileExtentReg, FileExtentPrealloc:
		bs, err := binstruct.Marshal(o.BodyExtent)
		if err != nil {
			return dat, err
		}
		dat = append(dat, bs...)
	default:
		return dat, fmt.Errorf("btrfsitem: FileExtent: unknown type %v", o.Type)
	}
	return dat, nil
}

// Size reports the decompressed size this extent contributes to the
// file, regardless of inline vs. regular storage.
func (o FileExtent) Size() (int64, error) {
	switch o.Type {
	case FileExtentInline:
		return int64(len(o.BodyInline)), nil
	case FileExtentReg, FileExtentPrealloc:
		return o.BodyExtent.NumBytes, nil
	default:
		return 0, fmt.Errorf("btrfsitem: FileExtent: unknown type %v", o.Type)
	}
}

// FileExtentType selects inline-data storage vs. a real backing extent.
type FileExtentType uint8

const (
	FileExtentInline FileExtentType = iota
	FileExtentReg
	FileExtentPrealloc
)

func (t FileExtentType) String() string {
	switch t {
	case FileExtentInline:
		return "inline"
	case FileExtentReg:
		return "regular"
	case FileExtentPrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("FILE_EXTENT(%d)", uint8(t))
	}
}

// CompressionType names the codec lib/decompress dispatches on.
type CompressionType uint8

const (
	CompressNone CompressionType = iota
	CompressZLIB
	CompressLZO
	CompressZSTD
)

func (c CompressionType) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZLIB:
		return "zlib"
	case CompressLZO:
		return "lzo"
	case CompressZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("COMPRESS(%d)", uint8(c))
	}
}
