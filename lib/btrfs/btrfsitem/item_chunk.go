package btrfsitem

import (
	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// Chunk maps a logical range to one or more physical stripes. This
// converter only targets single-device filesystems, so it expects
// exactly one stripe per chunk; nothing checks the stripe count.
type Chunk struct { // CHUNK_ITEM=228
	Head    ChunkHeader
	Stripes []ChunkStripe
}

func (Chunk) isItem() {}

type ChunkHeader struct {
	Size           btrfsvol.AddrDelta       `bin:"off=0x0,  siz=0x8"`
	Owner          btrfsprim.ObjID          `bin:"off=0x8,  siz=0x8"`
	StripeLen      uint64                   `bin:"off=0x10, siz=0x8"`
	Type           btrfsvol.BlockGroupFlags `bin:"off=0x18, siz=0x8"`
	IOOptimalAlign uint32                   `bin:"off=0x20, siz=0x4"`
	IOOptimalWidth uint32                   `bin:"off=0x24, siz=0x4"`
	IOMinSize      uint32                   `bin:"off=0x28, siz=0x4"`
	NumStripes     uint16                   `bin:"off=0x2c, siz=0x2"` // [ignored-when-writing]
	SubStripes     uint16                   `bin:"off=0x2e, siz=0x2"`
	binstruct.End  `bin:"off=0x30"`
}

type ChunkStripe struct {
	DeviceID      btrfsvol.DeviceID     `bin:"off=0x0,  siz=0x8"`
	Offset        btrfsvol.PhysicalAddr `bin:"off=0x8,  siz=0x8"`
	DeviceUUID    btrfsprim.UUID        `bin:"off=0x10, siz=0x10"`
	binstruct.End `bin:"off=0x20"`
}

// Mappings expands this chunk's stripes into ChunkMapping entries,
// keyed by the logical start carried in the item's Key.Offset.
func (c Chunk) Mappings(key btrfsprim.Key) []btrfsvol.ChunkMapping {
	ret := make([]btrfsvol.ChunkMapping, 0, len(c.Stripes))
	for _, stripe := range c.Stripes {
		ret = append(ret, btrfsvol.ChunkMapping{
			LogicalStart:  btrfsvol.LogicalAddr(key.Offset),
			PhysicalStart: stripe.Offset,
			Length:        c.Head.Size,
			TypeFlags:     uint64(c.Head.Type),
		})
	}
	return ret
}

func (c *Chunk) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.Unmarshal(dat, &c.Head)
	if err != nil {
		return n, err
	}
	c.Stripes = make([]ChunkStripe, c.Head.NumStripes)
	for i := range c.Stripes {
		_n, err := binstruct.Unmarshal(dat[n:], &c.Stripes[i])
		n += _n
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c Chunk) MarshalBinary() ([]byte, error) {
	c.Head.NumStripes = uint16(len(c.Stripes))
	ret, err := binstruct.Marshal(c.Head)
	if err != nil {
		return ret, err
	}
	for _, stripe := range c.Stripes {
		bs, err := binstruct.Marshal(stripe)
		if err != nil {
			return ret, err
		}
		ret = append(ret, bs...)
	}
	return ret, nil
}
