// Package btrfssum wraps lib/csum with the Btrfs on-disk checksum
// encoding: a fixed 32-byte slot (CSum) and the CSumType selector that
// says how many of those bytes are meaningful and how to compute them.
package btrfssum

import (
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/csum"
)

// CSum is the fixed-width checksum slot embedded in every node header and
// the superblock. Only CSumType.Size() leading bytes are meaningful; the
// rest is zero padding.
type CSum [0x20]byte

var (
	_ fmt.Stringer             = CSum{}
	_ encoding.TextMarshaler   = CSum{}
	_ encoding.TextUnmarshaler = (*CSum)(nil)
)

func (c CSum) String() string { return hex.EncodeToString(c[:]) }

func (c CSum) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(c)))
	hex.Encode(out, c[:])
	return out, nil
}

func (c *CSum) UnmarshalText(text []byte) error {
	*c = CSum{}
	_, err := hex.Decode(c[:], text)
	return err
}

// Fmt renders only the meaningful prefix for the given type.
func (c CSum) Fmt(typ CSumType) string {
	return hex.EncodeToString(c[:typ.Size()])
}

// CSumType selects the checksum algorithm, as stored in the superblock's
// csum_type field.
type CSumType uint16

const (
	TypeCRC32C CSumType = iota
	TypeXXHash
	TypeSHA256
	TypeBLAKE2
)

func (typ CSumType) String() string {
	switch typ {
	case TypeCRC32C:
		return "crc32c"
	case TypeXXHash:
		return "xxhash64"
	case TypeSHA256:
		return "sha256"
	case TypeBLAKE2:
		return "blake2"
	default:
		return fmt.Sprintf("%d", uint16(typ))
	}
}

func (typ CSumType) toKind() (csum.Kind, bool) {
	switch typ {
	case TypeCRC32C:
		return csum.KindCRC32C, true
	case TypeXXHash:
		return csum.KindXXHash64, true
	case TypeSHA256:
		return csum.KindSHA256, true
	case TypeBLAKE2:
		return csum.KindBLAKE2b, true
	default:
		return 0, false
	}
}

// Size returns the number of meaningful bytes for this type.
func (typ CSumType) Size() int {
	kind, ok := typ.toKind()
	if !ok {
		return len(CSum{})
	}
	return kind.Size()
}

// Sum computes the checksum of data and returns it zero-padded to the
// full CSum width.
func (typ CSumType) Sum(data []byte) (CSum, error) {
	kind, ok := typ.toKind()
	if !ok {
		return CSum{}, fmt.Errorf("btrfssum: unknown checksum type: %v", typ)
	}
	if kind == csum.KindCRC32C {
		var ret CSum
		binary.LittleEndian.PutUint32(ret[:], csum.CRC32C(data))
		return ret, nil
	}
	sum, err := csum.Sum(kind, data)
	if err != nil {
		return CSum{}, err
	}
	var ret CSum
	copy(ret[:], sum)
	return ret, nil
}

// Verify reports whether got matches the checksum of data under typ.
func (typ CSumType) Verify(got CSum, data []byte) error {
	want, err := typ.Sum(data)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("btrfssum: checksum mismatch: stored=%s computed=%s", got.Fmt(typ), want.Fmt(typ))
	}
	return nil
}
