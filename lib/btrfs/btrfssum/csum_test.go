package btrfssum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSumTypeSizes(t *testing.T) {
	assert.Equal(t, 4, TypeCRC32C.Size())
	assert.Equal(t, 8, TypeXXHash.Size())
	assert.Equal(t, 32, TypeSHA256.Size())
	assert.Equal(t, 32, TypeBLAKE2.Size())
}

func TestCSumTypeSumAndVerify(t *testing.T) {
	for _, typ := range []CSumType{TypeCRC32C, TypeXXHash, TypeSHA256, TypeBLAKE2} {
		sum, err := typ.Sum([]byte("some node bytes"))
		require.NoError(t, err)
		assert.NoError(t, typ.Verify(sum, []byte("some node bytes")))
		assert.Error(t, typ.Verify(sum, []byte("different bytes")))
	}
}

func TestCSumTextRoundTrip(t *testing.T) {
	var c CSum
	c[0] = 0xAB
	c[1] = 0xCD
	text, err := c.MarshalText()
	require.NoError(t, err)

	var got CSum
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, c, got)
}

func TestCSumFmtTruncatesToTypeSize(t *testing.T) {
	sum, err := TypeCRC32C.Sum([]byte("x"))
	require.NoError(t, err)
	assert.Len(t, sum.Fmt(TypeCRC32C), 8) // 4 bytes hex-encoded
}
