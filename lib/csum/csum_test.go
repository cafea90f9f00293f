package csum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32CCheckValue(t *testing.T) {
	// The canonical RFC 3720 / iSCSI check value.
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}

func TestCRC32CVerifyLittleEndian(t *testing.T) {
	var stored [4]byte
	binary.LittleEndian.PutUint32(stored[:], CRC32C([]byte("123456789")))
	require.NoError(t, Verify(KindCRC32C, stored[:], []byte("123456789")))
}

func TestCRC32CContinueMatchesWholeBuffer(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := CRC32C(data)

	split := len(data) / 3
	chained := CRC32C(data[:split])
	chained = CRC32CContinue(chained, data[split:])

	assert.Equal(t, whole, chained)
}

func TestXXHash64Deterministic(t *testing.T) {
	a := XXHash64([]byte("btrfs2ext4"))
	b := XXHash64([]byte("btrfs2ext4"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, XXHash64([]byte("btrfs2ext5")))
}

func TestSumSizes(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		size int
	}{
		{KindCRC32C, 4},
		{KindXXHash64, 8},
		{KindSHA256, 32},
		{KindBLAKE2b, 32},
	} {
		sum, err := Sum(tc.kind, []byte("data"))
		require.NoError(t, err)
		assert.Len(t, sum, tc.size)
		assert.Equal(t, tc.size, tc.kind.Size())
	}
}

func TestCRC16ANSISeeded(t *testing.T) {
	// CRC16/ANSI is order-sensitive and seed-sensitive; verify the two
	// properties the GDT checksum relies on.
	a := CRC16ANSI(0xFFFF, []byte{0x01, 0x02, 0x03})
	b := CRC16ANSI(0xFFFF, []byte{0x01, 0x02, 0x03})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CRC16ANSI(0xFFFF, []byte{0x03, 0x02, 0x01}))
	assert.NotEqual(t, a, CRC16ANSI(0x0000, []byte{0x01, 0x02, 0x03}))
}
