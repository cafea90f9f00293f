// Package ext4writer builds the on-disk Ext4 structures a converted
// volume is made of: the superblock and its backups, the group
// descriptor table, block and inode bitmaps, inode tables (inline data,
// extent trees, symlinks, device nodes), directory blocks (linear and
// HTree-indexed), and the JBD2 journal. lib/ext4layout has already
// decided where everything goes; this package is the one that actually
// marshals bytes into those slots.
package ext4writer

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/reader"
	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/ext4layout"
)

// Magic is the fixed Ext4 superblock magic number, s_magic.
const Magic uint16 = 0xEF53

// Feature bits this converter always sets. The written filesystem is
// always 64bit + metadata_csum + extents + flex_bg, so there is no
// feature-negotiation surface — every volume this converter produces
// looks the same to e2fsprogs.
const (
	FeatureCompatDirIndex    = 0x0020
	FeatureCompatResizeInode = 0x0010
	FeatureCompatExtAttr     = 0x0008
	FeatureCompatHasJournal  = 0x0004

	FeatureIncompatFiletype = 0x0002
	FeatureIncompatExtents  = 0x0040
	FeatureIncompat64Bit    = 0x0080
	FeatureIncompatFlexBG   = 0x0200
	FeatureIncompatCsumSeed = 0x2000

	FeatureRoCompatSparseSuper = 0x0001
	FeatureRoCompatLargeFile   = 0x0002
	FeatureRoCompatHugeFile    = 0x0008
	FeatureRoCompatGdtCsum     = 0x0010
	FeatureRoCompatDirNlink    = 0x0020
	FeatureRoCompatExtraIsize  = 0x0040
	FeatureRoCompatMetadataCsum = 0x0400
)

// ChecksumTypeCRC32C is the only s_checksum_type value the metadata_csum
// feature defines.
const ChecksumTypeCRC32C uint8 = 1

// Superblock is the 1024-byte Ext4 superblock, ext4_super_block in the
// kernel headers. Field names and order mirror hellin-go-ext4's
// Superblock; this converter builds its own copy so it can zero the
// checksum field and reseed it per the metadata_csum algorithm without
// depending on that package's marshaling.
type Superblock struct {
	InodesCount          uint32     `bin:"off=0x0, siz=0x4"`   // Total inode count.
	BlocksCountLo        uint32     `bin:"off=0x4, siz=0x4"`   // Blocks count, low 32 bits.
	RBlocksCountLo       uint32     `bin:"off=0x8, siz=0x4"`   // Reserved blocks count, low 32 bits.
	FreeBlocksCountLo    uint32     `bin:"off=0xc, siz=0x4"`   // Free blocks count, low 32 bits.
	FreeInodesCount      uint32     `bin:"off=0x10, siz=0x4"`
	FirstDataBlock       uint32     `bin:"off=0x14, siz=0x4"`  // 1 for 1k block size, else 0.
	LogBlockSize         uint32     `bin:"off=0x18, siz=0x4"`  // block_size = 1024 << LogBlockSize.
	LogClusterSize       uint32     `bin:"off=0x1c, siz=0x4"`
	BlocksPerGroup       uint32     `bin:"off=0x20, siz=0x4"`
	ClustersPerGroup     uint32     `bin:"off=0x24, siz=0x4"`
	InodesPerGroup       uint32     `bin:"off=0x28, siz=0x4"`
	Mtime                uint32     `bin:"off=0x2c, siz=0x4"`
	Wtime                uint32     `bin:"off=0x30, siz=0x4"`
	MntCount             uint16     `bin:"off=0x34, siz=0x2"`
	MaxMntCount          uint16     `bin:"off=0x36, siz=0x2"`
	Magic                uint16     `bin:"off=0x38, siz=0x2"`  // 0xEF53.
	State                uint16     `bin:"off=0x3a, siz=0x2"`
	Errors               uint16     `bin:"off=0x3c, siz=0x2"`
	MinorRevLevel        uint16     `bin:"off=0x3e, siz=0x2"`
	Lastcheck            uint32     `bin:"off=0x40, siz=0x4"`
	Checkinterval        uint32     `bin:"off=0x44, siz=0x4"`
	CreatorOS            uint32     `bin:"off=0x48, siz=0x4"`
	RevLevel             uint32     `bin:"off=0x4c, siz=0x4"`
	DefResuid            uint16     `bin:"off=0x50, siz=0x2"`
	DefResgid            uint16     `bin:"off=0x52, siz=0x2"`
	FirstIno             uint32     `bin:"off=0x54, siz=0x4"`  // First non-reserved inode, 11.
	InodeSize            uint16     `bin:"off=0x58, siz=0x2"`
	BlockGroupNr         uint16     `bin:"off=0x5a, siz=0x2"`  // Group number of THIS superblock copy.
	FeatureCompat        uint32     `bin:"off=0x5c, siz=0x4"`
	FeatureIncompat      uint32     `bin:"off=0x60, siz=0x4"`
	FeatureRoCompat      uint32     `bin:"off=0x64, siz=0x4"`
	UUID                 [16]byte   `bin:"off=0x68, siz=0x10"`
	VolumeName           [16]byte   `bin:"off=0x78, siz=0x10"`
	LastMounted          [64]byte   `bin:"off=0x88, siz=0x40"`
	AlgorithmUsageBitmap uint32     `bin:"off=0xc8, siz=0x4"`
	PreallocBlocks       uint8      `bin:"off=0xcc, siz=0x1"`
	PreallocDirBlocks    uint8      `bin:"off=0xcd, siz=0x1"`
	ReservedGDTBlocks    uint16     `bin:"off=0xce, siz=0x2"`
	JournalUUID          [16]byte   `bin:"off=0xd0, siz=0x10"`
	JournalInum          uint32     `bin:"off=0xe0, siz=0x4"`
	JournalDev           uint32     `bin:"off=0xe4, siz=0x4"`
	LastOrphan           uint32     `bin:"off=0xe8, siz=0x4"`
	HashSeed             [4]uint32  `bin:"off=0xec, siz=0x10"`
	DefHashVersion       uint8      `bin:"off=0xfc, siz=0x1"`
	JnlBackupType        uint8      `bin:"off=0xfd, siz=0x1"`
	DescSize             uint16     `bin:"off=0xfe, siz=0x2"`
	DefaultMountOpts     uint32     `bin:"off=0x100, siz=0x4"`
	FirstMetaBg          uint32     `bin:"off=0x104, siz=0x4"`
	MkfsTime             uint32     `bin:"off=0x108, siz=0x4"`
	JnlBlocks            [17]uint32 `bin:"off=0x10c, siz=0x44"`
	BlocksCountHi        uint32     `bin:"off=0x150, siz=0x4"`
	RBlocksCountHi       uint32     `bin:"off=0x154, siz=0x4"`
	FreeBlocksCountHi    uint32     `bin:"off=0x158, siz=0x4"`
	MinExtraIsize        uint16     `bin:"off=0x15c, siz=0x2"`
	WantExtraIsize       uint16     `bin:"off=0x15e, siz=0x2"`
	Flags                uint32     `bin:"off=0x160, siz=0x4"`
	RaidStride           uint16     `bin:"off=0x164, siz=0x2"`
	MmpInterval          uint16     `bin:"off=0x166, siz=0x2"`
	MmpBlock             uint64     `bin:"off=0x168, siz=0x8"`
	RaidStripeWidth      uint32     `bin:"off=0x170, siz=0x4"`
	LogGroupsPerFlex     uint8      `bin:"off=0x174, siz=0x1"`
	ChecksumType         uint8      `bin:"off=0x175, siz=0x1"`
	EncryptionLevel      uint8      `bin:"off=0x176, siz=0x1"`
	ReservedPad          uint8      `bin:"off=0x177, siz=0x1"`
	KbytesWritten        uint64     `bin:"off=0x178, siz=0x8"`
	SnapshotInum         uint32     `bin:"off=0x180, siz=0x4"`
	SnapshotID           uint32     `bin:"off=0x184, siz=0x4"`
	SnapshotRBlocksCount uint64     `bin:"off=0x188, siz=0x8"`
	SnapshotList         uint32     `bin:"off=0x190, siz=0x4"`
	ErrorCount           uint32     `bin:"off=0x194, siz=0x4"`
	FirstErrorTime       uint32     `bin:"off=0x198, siz=0x4"`
	FirstErrorIno        uint32     `bin:"off=0x19c, siz=0x4"`
	FirstErrorBlock      uint64     `bin:"off=0x1a0, siz=0x8"`
	FirstErrorFunc       [32]byte   `bin:"off=0x1a8, siz=0x20"`
	FirstErrorLine       uint32     `bin:"off=0x1c8, siz=0x4"`
	LastErrorTime        uint32     `bin:"off=0x1cc, siz=0x4"`
	LastErrorIno         uint32     `bin:"off=0x1d0, siz=0x4"`
	LastErrorLine        uint32     `bin:"off=0x1d4, siz=0x4"`
	LastErrorBlock       uint64     `bin:"off=0x1d8, siz=0x8"`
	LastErrorFunc        [32]byte   `bin:"off=0x1e0, siz=0x20"`
	MountOpts            [64]byte   `bin:"off=0x200, siz=0x40"`
	UsrQuotaInum         uint32     `bin:"off=0x240, siz=0x4"`
	GrpQuotaInum         uint32     `bin:"off=0x244, siz=0x4"`
	OverheadClusters     uint32     `bin:"off=0x248, siz=0x4"`
	BackupBGs            [2]uint32  `bin:"off=0x24c, siz=0x8"`
	EncryptAlgos         [4]byte    `bin:"off=0x254, siz=0x4"`
	EncryptPwSalt        [16]byte   `bin:"off=0x258, siz=0x10"`
	LpfIno               uint32     `bin:"off=0x268, siz=0x4"`
	PrjQuotaInum         uint32     `bin:"off=0x26c, siz=0x4"`
	ChecksumSeed         uint32     `bin:"off=0x270, siz=0x4"`
	WtimeHi              uint8      `bin:"off=0x274, siz=0x1"`
	MtimeHi              uint8      `bin:"off=0x275, siz=0x1"`
	MkfsTimeHi           uint8      `bin:"off=0x276, siz=0x1"`
	LastcheckHi          uint8      `bin:"off=0x277, siz=0x1"`
	FirstErrorTimeHi     uint8      `bin:"off=0x278, siz=0x1"`
	LastErrorTimeHi      uint8      `bin:"off=0x279, siz=0x1"`
	Pad                  [2]byte    `bin:"off=0x27a, siz=0x2"`
	Reserved             [96]uint32 `bin:"off=0x27c, siz=0x180"`
	Checksum             uint32     `bin:"off=0x3fc, siz=0x4"` // crc32c(superblock with this field zeroed).
	binstruct.End                  `bin:"off=0x400"`
}

// logOfBlockSize returns n such that 1024<<n == blockSize. Plan only
// ever produces 1024, 2048, or 4096.
func logOfBlockSize(blockSize uint32) uint32 {
	var n uint32
	for (1024 << n) < blockSize {
		n++
	}
	return n
}

func newRandomUUID() ([16]byte, error) {
	var u [16]byte
	if _, err := rand.Read(u[:]); err != nil {
		return u, fmt.Errorf("ext4writer: generating uuid: %w", err)
	}
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u, nil
}

// NewUUID generates a fresh random filesystem UUID. The converter
// calls this once up front, ahead of BuildSuperblock, so the same
// UUID can seed every inode and group-descriptor checksum written
// during the inode-writing pass and the superblock built afterward.
func NewUUID() ([16]byte, error) {
	return newRandomUUID()
}

func packLabel(label string) [16]byte {
	var out [16]byte
	copy(out[:], label)
	return out
}

// BuildSuperblock assembles the master superblock from a completed
// ext4layout.Layout and the Btrfs volume's FsInfo, with fs.Superblock's
// label carried over as the new volume's name. uuid is the filesystem
// UUID the caller generated up front via NewUUID, shared with every
// inode and group descriptor this conversion writes.
func BuildSuperblock(layout *ext4layout.Layout, fs *reader.FsInfo, journalBlocks uint32, uuid [16]byte) (Superblock, error) {
	hashSeed, err := newRandomUUID()
	if err != nil {
		return Superblock{}, err
	}

	now := uint32(time.Now().Unix())

	label := btrfsLabel(fs)

	var rsvGDTLen uint32
	if len(layout.Groups) > 0 && layout.Groups[0].HasSuper {
		rsvGDTLen = layout.Groups[0].ReservedGDTLen
	}

	sb := Superblock{
		InodesCount:       uint32(layout.InodeCount),
		BlocksCountLo:     uint32(layout.TotalBlocks),
		FreeBlocksCountLo: 0, // patched by the final free-count pass
		FreeInodesCount:   0, // patched by the final free-count pass
		FirstDataBlock:    firstDataBlock(layout.BlockSize),
		LogBlockSize:      logOfBlockSize(layout.BlockSize),
		LogClusterSize:    logOfBlockSize(layout.BlockSize),
		BlocksPerGroup:    layout.BlocksPerGroup,
		ClustersPerGroup:  layout.BlocksPerGroup,
		InodesPerGroup:    layout.InodesPerGroup,
		Mtime:             now,
		Wtime:             now,
		MntCount:          0,
		MaxMntCount:       0xFFFF, // disable the mount-count fsck nag
		Magic:             Magic,
		State:             1, // EXT4_VALID_FS
		Errors:            1, // EXT4_ERRORS_CONTINUE
		MinorRevLevel:     0,
		Lastcheck:         now,
		Checkinterval:     0,
		CreatorOS:         0, // EXT4_OS_LINUX
		RevLevel:          1, // EXT4_DYNAMIC_REV
		FirstIno:          11,
		InodeSize:         layout.InodeSize,
		BlockGroupNr:      0,
		FeatureCompat:     FeatureCompatDirIndex | FeatureCompatResizeInode | FeatureCompatExtAttr | FeatureCompatHasJournal,
		FeatureIncompat:   FeatureIncompatFiletype | FeatureIncompatExtents | FeatureIncompat64Bit | FeatureIncompatFlexBG | FeatureIncompatCsumSeed,
		FeatureRoCompat:   FeatureRoCompatSparseSuper | FeatureRoCompatLargeFile | FeatureRoCompatHugeFile | FeatureRoCompatGdtCsum | FeatureRoCompatDirNlink | FeatureRoCompatExtraIsize | FeatureRoCompatMetadataCsum,
		UUID:              uuid,
		VolumeName:        packLabel(label),
		AlgorithmUsageBitmap: 0,
		PreallocBlocks:       0,
		PreallocDirBlocks:    0,
		ReservedGDTBlocks:    uint16(rsvGDTLen),
		JournalUUID:          uuid,
		JournalInum:          8, // EXT4_JOURNAL_INO
		HashSeed:             [4]uint32{hashSeedWord(hashSeed, 0), hashSeedWord(hashSeed, 1), hashSeedWord(hashSeed, 2), hashSeedWord(hashSeed, 3)},
		DefHashVersion:       1, // half_md4
		JnlBackupType:        1, // EXT3_JNL_BACKUP_BLOCKS
		DescSize:             ext4layout.DescSize,
		DefaultMountOpts:     0x0C, // user_xattr | acl
		FirstMetaBg:          0,
		MkfsTime:             now,
		LogGroupsPerFlex:     4, // 16 groups per flex_bg
		ChecksumType:         ChecksumTypeCRC32C,
		MinExtraIsize:        32,
		WantExtraIsize:       32,
	}
	sb.JnlBlocks[0] = journalBlocks
	return sb, nil
}

func firstDataBlock(blockSize uint32) uint32 {
	if blockSize == 1024 {
		return 1
	}
	return 0
}

func hashSeedWord(u [16]byte, i int) uint32 {
	return uint32(u[i*4]) | uint32(u[i*4+1])<<8 | uint32(u[i*4+2])<<16 | uint32(u[i*4+3])<<24
}

func btrfsLabel(fs *reader.FsInfo) string {
	raw := fs.Superblock.Label
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// superblockChecksum computes s_checksum: crc32c seeded with the
// filesystem UUID, over the serialized superblock with the checksum
// field itself zeroed, per the metadata_csum algorithm.
func superblockChecksum(uuid [16]byte, raw []byte) uint32 {
	const checksumOffset = 0x3fc
	zeroed := make([]byte, len(raw))
	copy(zeroed, raw)
	for i := 0; i < 4; i++ {
		zeroed[checksumOffset+i] = 0
	}
	seed := csum.CRC32C(uuid[:])
	return csum.CRC32CContinue(seed, zeroed)
}

// Marshal serializes sb to its 1024-byte wire form, computing and
// filling in the checksum field.
func Marshal(sb Superblock) ([]byte, error) {
	sb.Checksum = 0
	raw, err := binstruct.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling superblock: %w", err)
	}
	sb.Checksum = superblockChecksum(sb.UUID, raw)
	raw, err = binstruct.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("ext4writer: marshaling superblock: %w", err)
	}
	return raw, nil
}

// ForGroup returns a copy of sb suitable for writing as the backup
// superblock in groupNr, with BlockGroupNr patched; Marshal computes
// its checksum when it is serialized.
func ForGroup(sb Superblock, groupNr uint16) Superblock {
	sb.BlockGroupNr = groupNr
	return sb
}
