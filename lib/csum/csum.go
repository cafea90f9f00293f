// Package csum dispatches the checksum algorithms Btrfs and Ext4 need:
// CRC32c (RFC 3720) for Btrfs metadata and Ext4's metadata_csum fields,
// xxHash64 and SHA-256 and BLAKE2b-256 for Btrfs's pluggable checksum
// tree, and a seeded CRC16-ANSI for Ext4's group-descriptor checksum.
package csum

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"golang.org/x/crypto/blake2b"
)

// Kind identifies a checksum algorithm.
type Kind uint8

const (
	KindCRC32C Kind = iota
	KindXXHash64
	KindSHA256
	KindBLAKE2b
)

func (k Kind) String() string {
	switch k {
	case KindCRC32C:
		return "crc32c"
	case KindXXHash64:
		return "xxhash64"
	case KindSHA256:
		return "sha256"
	case KindBLAKE2b:
		return "blake2b"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Size returns the digest size in bytes for kind.
func (k Kind) Size() int {
	switch k {
	case KindCRC32C:
		return 4
	case KindXXHash64:
		return 8
	case KindSHA256:
		return 32
	case KindBLAKE2b:
		return 32
	default:
		return 0
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the RFC 3720 CRC32c of data: seed ~0, final bitwise
// invert. Btrfs stores this value directly; crc32.Checksum already
// applies both halves of that convention.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// CRC32CContinue folds more data into a checksum already returned by
// CRC32C or a previous CRC32CContinue call. crc32.Update's internal
// invert/un-invert pairing makes this a correct incremental checksum
// without the caller juggling seed state -- this resolves the Open
// Question about two seed-handling code paths colliding: the public
// contract is always "standard RFC 3720 value in, standard RFC 3720 value
// out", never a pre-inverted intermediate.
func CRC32CContinue(prev uint32, data []byte) uint32 {
	return crc32.Update(prev, castagnoli, data)
}

// Sum computes the digest for kind over data.
func Sum(kind Kind, data []byte) ([]byte, error) {
	switch kind {
	case KindCRC32C:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], CRC32C(data))
		return buf[:], nil
	case KindXXHash64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], XXHash64(data))
		return buf[:], nil
	case KindSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case KindBLAKE2b:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("csum: unknown checksum kind %v", kind)
	}
}

// Verify computes kind's digest over data and compares it byte-for-byte
// against stored.
func Verify(kind Kind, stored, data []byte) error {
	got, err := Sum(kind, data)
	if err != nil {
		return err
	}
	if len(stored) != len(got) {
		return fmt.Errorf("csum: %v: stored digest is %d bytes, want %d", kind, len(stored), len(got))
	}
	for i := range got {
		if got[i] != stored[i] {
			return fmt.Errorf("csum: %v mismatch: stored=%x calculated=%x", kind, stored, got)
		}
	}
	return nil
}
