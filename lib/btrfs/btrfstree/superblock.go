// Package btrfstree decodes Btrfs's superblock and B-tree node format,
// and walks the tree with bounded-depth iterative DFS.
package btrfstree

import (
	"fmt"
	"reflect"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfssum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// SuperblockOffset is the byte offset of the primary superblock.
const SuperblockOffset = 0x10000

// SuperblockMagic is the 8-byte magic value identifying a Btrfs
// superblock ('_BHRfS_M').
var SuperblockMagic = [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'}

// Superblock is Btrfs's 4096-byte on-disk superblock.
type Superblock struct {
	Checksum   btrfssum.CSum         `bin:"off=0x0,  siz=0x20"`
	FSUUID     btrfsprim.UUID        `bin:"off=0x20, siz=0x10"`
	Self       btrfsvol.PhysicalAddr `bin:"off=0x30, siz=0x8"`
	Flags      uint64                `bin:"off=0x38, siz=0x8"`
	Magic      [8]byte               `bin:"off=0x40, siz=0x8"`
	Generation btrfsprim.Generation  `bin:"off=0x48, siz=0x8"`

	RootTree  btrfsvol.LogicalAddr `bin:"off=0x50, siz=0x8"`
	ChunkTree btrfsvol.LogicalAddr `bin:"off=0x58, siz=0x8"`
	LogTree   btrfsvol.LogicalAddr `bin:"off=0x60, siz=0x8"`

	LogRootTransID  uint64          `bin:"off=0x68, siz=0x8"`
	TotalBytes      uint64          `bin:"off=0x70, siz=0x8"`
	BytesUsed       uint64          `bin:"off=0x78, siz=0x8"`
	RootDirObjectID btrfsprim.ObjID `bin:"off=0x80, siz=0x8"`
	NumDevices      uint64          `bin:"off=0x88, siz=0x8"`

	SectorSize        uint32 `bin:"off=0x90, siz=0x4"`
	NodeSize          uint32 `bin:"off=0x94, siz=0x4"`
	LeafSize          uint32 `bin:"off=0x98, siz=0x4"`
	StripeSize        uint32 `bin:"off=0x9c, siz=0x4"`
	SysChunkArraySize uint32 `bin:"off=0xa0, siz=0x4"`

	ChunkRootGeneration btrfsprim.Generation `bin:"off=0xa4, siz=0x8"`
	CompatFlags         uint64               `bin:"off=0xac, siz=0x8"`
	CompatROFlags       uint64               `bin:"off=0xb4, siz=0x8"`
	IncompatFlags       IncompatFlags        `bin:"off=0xbc, siz=0x8"`
	ChecksumType        btrfssum.CSumType    `bin:"off=0xc4, siz=0x2"`

	RootLevel  uint8 `bin:"off=0xc6, siz=0x1"`
	ChunkLevel uint8 `bin:"off=0xc7, siz=0x1"`
	LogLevel   uint8 `bin:"off=0xc8, siz=0x1"`

	DevItem            DevItem        `bin:"off=0xc9,  siz=0x62"`
	Label              [0x100]byte    `bin:"off=0x12b, siz=0x100"`
	CacheGeneration    btrfsprim.Generation `bin:"off=0x22b, siz=0x8"`
	UUIDTreeGeneration btrfsprim.Generation `bin:"off=0x233, siz=0x8"`

	MetadataUUID btrfsprim.UUID `bin:"off=0x23b, siz=0x10"`

	NumGlobalRoots uint64 `bin:"off=0x24b, siz=0x8"`

	BlockGroupRoot           btrfsvol.LogicalAddr `bin:"off=0x253, siz=0x8"`
	BlockGroupRootGeneration btrfsprim.Generation `bin:"off=0x25b, siz=0x8"`
	BlockGroupRootLevel      uint8                `bin:"off=0x263, siz=0x1"`

	Reserved [199]byte `bin:"off=0x264, siz=0xc7"`

	SysChunkArray [0x800]byte  `bin:"off=0x32b, siz=0x800"`
	SuperRoots    [4]RootBackup `bin:"off=0xb2b, siz=0x2a0"`

	Padding       [565]byte `bin:"off=0xdcb, siz=0x235"`
	binstruct.End `bin:"off=0x1000"`
}

// DevItem is the single-device descriptor embedded in the superblock.
type DevItem struct {
	DeviceID btrfsvol.DeviceID `bin:"off=0x0, siz=0x8"`

	NumBytes     uint64 `bin:"off=0x8,  siz=0x8"`
	NumBytesUsed uint64 `bin:"off=0x10, siz=0x8"`

	IOOptimalAlign uint32 `bin:"off=0x18, siz=0x4"`
	IOOptimalWidth uint32 `bin:"off=0x1c, siz=0x4"`
	IOMinSize      uint32 `bin:"off=0x20, siz=0x4"`

	Type        uint64               `bin:"off=0x24, siz=0x8"`
	Generation  btrfsprim.Generation `bin:"off=0x2c, siz=0x8"`
	StartOffset uint64               `bin:"off=0x34, siz=0x8"`
	DevGroup    uint32               `bin:"off=0x3c, siz=0x4"`
	SeekSpeed   uint8                `bin:"off=0x40, siz=0x1"`
	Bandwidth   uint8                `bin:"off=0x41, siz=0x1"`

	DevUUID btrfsprim.UUID `bin:"off=0x42, siz=0x10"`
	FSUUID  btrfsprim.UUID `bin:"off=0x52, siz=0x10"`

	binstruct.End `bin:"off=0x62"`
}

// RootBackup is one of the superblock's four historical root-pointer
// snapshots, used as a fallback when the live tree roots are damaged.
type RootBackup struct {
	TreeRoot    btrfsprim.ObjID      `bin:"off=0x0, siz=0x8"`
	TreeRootGen btrfsprim.Generation `bin:"off=0x8, siz=0x8"`

	ChunkRoot    btrfsprim.ObjID      `bin:"off=0x10, siz=0x8"`
	ChunkRootGen btrfsprim.Generation `bin:"off=0x18, siz=0x8"`

	ExtentRoot    btrfsprim.ObjID      `bin:"off=0x20, siz=0x8"`
	ExtentRootGen btrfsprim.Generation `bin:"off=0x28, siz=0x8"`

	FSRoot    btrfsprim.ObjID      `bin:"off=0x30, siz=0x8"`
	FSRootGen btrfsprim.Generation `bin:"off=0x38, siz=0x8"`

	DevRoot    btrfsprim.ObjID      `bin:"off=0x40, siz=0x8"`
	DevRootGen btrfsprim.Generation `bin:"off=0x48, siz=0x8"`

	ChecksumRoot    btrfsprim.ObjID      `bin:"off=0x50, siz=0x8"`
	ChecksumRootGen btrfsprim.Generation `bin:"off=0x58, siz=0x8"`

	TotalBytes uint64 `bin:"off=0x60, siz=0x8"`
	BytesUsed  uint64 `bin:"off=0x68, siz=0x8"`
	NumDevices uint64 `bin:"off=0x70, siz=0x8"`

	Unused [32]byte `bin:"off=0x78, siz=0x20"`

	TreeRootLevel     uint8 `bin:"off=0x98, siz=0x1"`
	ChunkRootLevel    uint8 `bin:"off=0x99, siz=0x1"`
	ExtentRootLevel   uint8 `bin:"off=0x9a, siz=0x1"`
	FSRootLevel       uint8 `bin:"off=0x9b, siz=0x1"`
	DevRootLevel      uint8 `bin:"off=0x9c, siz=0x1"`
	ChecksumRootLevel uint8 `bin:"off=0x9d, siz=0x1"`

	Padding       [10]byte `bin:"off=0x9e, siz=0xa"`
	binstruct.End `bin:"off=0xa8"`
}

// IncompatFlags is the superblock's incompat_flags bitmask: on-disk
// features that an implementation must understand to safely mount.
type IncompatFlags uint64

const (
	FeatureIncompatMixedBackref IncompatFlags = 1 << iota
	FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata
	FeatureIncompatExtendedIRef
	FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34
	FeatureIncompatZoned
	FeatureIncompatExtentTreeV2
)

func (f IncompatFlags) Has(bit IncompatFlags) bool { return f&bit == bit }

// CalculateChecksum computes the superblock checksum over everything
// past the checksum field, using the superblock's own declared
// checksum type.
func (sb Superblock) CalculateChecksum() (btrfssum.CSum, error) {
	data, err := binstruct.Marshal(sb)
	if err != nil {
		return btrfssum.CSum{}, err
	}
	return sb.ChecksumType.Sum(data[binstruct.StaticSize(btrfssum.CSum{}):])
}

// ValidateChecksum verifies the superblock's self-checksum.
func (sb Superblock) ValidateChecksum() error {
	calced, err := sb.CalculateChecksum()
	if err != nil {
		return err
	}
	if calced != sb.Checksum {
		return fmt.Errorf("btrfstree: superblock checksum mismatch: stored=%v calculated=%v", sb.Checksum, calced)
	}
	return nil
}

// ValidateMagic confirms the magic field identifies a Btrfs superblock.
func (sb Superblock) ValidateMagic() error {
	if sb.Magic != SuperblockMagic {
		return fmt.Errorf("btrfstree: bad superblock magic: %q", sb.Magic)
	}
	return nil
}

// EffectiveMetadataUUID returns the UUID node headers are checked
// against: FSUUID normally, or the separate MetadataUUID when the
// corresponding incompat feature bit is set.
func (sb Superblock) EffectiveMetadataUUID() btrfsprim.UUID {
	if !sb.IncompatFlags.Has(FeatureIncompatMetadataUUID) {
		return sb.FSUUID
	}
	return sb.MetadataUUID
}

// Equal compares two superblocks ignoring the self-referential
// Checksum and Self fields, which legitimately differ between mirrors.
func (a Superblock) Equal(b Superblock) bool {
	a.Checksum, b.Checksum = btrfssum.CSum{}, btrfssum.CSum{}
	a.Self, b.Self = 0, 0
	return reflect.DeepEqual(a, b)
}

// SysChunk is one (Key, Chunk) pair from the superblock's bootstrap
// system-chunk array.
type SysChunk struct {
	Key   btrfsprim.Key
	Chunk btrfsitem.Chunk
}

func (sc SysChunk) MarshalBinary() ([]byte, error) {
	dat, err := binstruct.Marshal(sc.Key)
	if err != nil {
		return dat, err
	}
	chunkDat, err := binstruct.Marshal(sc.Chunk)
	if err != nil {
		return dat, err
	}
	return append(dat, chunkDat...), nil
}

func (sc *SysChunk) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.Unmarshal(dat, &sc.Key)
	if err != nil {
		return n, err
	}
	_n, err := binstruct.Unmarshal(dat[n:], &sc.Chunk)
	n += _n
	return n, err
}

// ParseSysChunkArray decodes the bootstrap (Key, Chunk) pairs packed
// into SysChunkArray[:SysChunkArraySize]. At most 2048 bytes
// (len(SysChunkArray)) are ever present, per the field's fixed width.
func (sb Superblock) ParseSysChunkArray() ([]SysChunk, error) {
	if int(sb.SysChunkArraySize) > len(sb.SysChunkArray) {
		return nil, fmt.Errorf("btrfstree: sys_chunk_array_size=%d exceeds field width %d", sb.SysChunkArraySize, len(sb.SysChunkArray))
	}
	dat := sb.SysChunkArray[:sb.SysChunkArraySize]
	var ret []SysChunk
	for len(dat) > 0 {
		var pair SysChunk
		n, err := binstruct.Unmarshal(dat, &pair)
		if err != nil {
			return nil, fmt.Errorf("btrfstree: sys_chunk_array: %w", err)
		}
		dat = dat[n:]
		ret = append(ret, pair)
	}
	return ret, nil
}
