package decompress

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressZlibRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 20)

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := Decompress(Extent{
		Compression: ZLIB,
		Disk:        buf.Bytes(),
		NumBytes:    int64(len(plain)),
		RAMBytes:    int64(len(plain)),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecompressZstdRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("zstd fixture payload "), 30)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(plain, nil)
	require.NoError(t, enc.Close())

	out, err := Decompress(Extent{
		Compression: ZSTD,
		Disk:        compressed,
		NumBytes:    int64(len(plain)),
		RAMBytes:    int64(len(plain)),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecompressRoundsUpToBlockSize(t *testing.T) {
	plain := []byte("short")

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := Decompress(Extent{
		Compression: ZLIB,
		Disk:        buf.Bytes(),
		NumBytes:    int64(len(plain)),
		RAMBytes:    int64(len(plain)),
	}, 4096)
	require.NoError(t, err)
	assert.Len(t, out, 4096)
	assert.Equal(t, plain, out[:len(plain)])
}

func TestDecompressRejectsBombRatio(t *testing.T) {
	_, err := Decompress(Extent{
		Compression: ZLIB,
		Disk:        []byte{0x00},
		NumBytes:    1,
		RAMBytes:    1 << 20, // far more than 2x num_bytes
	}, 0)
	assert.Error(t, err)
}

func TestDecompressRejectsOversizeDisk(t *testing.T) {
	_, err := Decompress(Extent{
		Compression: ZLIB,
		Disk:        make([]byte, maxDiskBytes+1),
		NumBytes:    maxDiskBytes + 1,
		RAMBytes:    maxDiskBytes + 1,
	}, 0)
	assert.Error(t, err)
}

// TestLZO1xDecompressLiteralRunThenEOF exercises the literal-run path
// followed by the 16<=t<32 end-of-stream sentinel (distance computes to
// 0), the simplest valid LZO1X-1 stream shape: a handful of literal
// bytes with no back-reference.
func TestLZO1xDecompressLiteralRunThenEOF(t *testing.T) {
	// t0=1 -> literal run of 1+3=4 bytes ("abcd").
	// t1=17, b0=0, b1=0 -> 16<=t<32 case, distance=0 -> end of stream.
	stream := []byte{1, 'a', 'b', 'c', 'd', 17, 0, 0}

	out, err := lzo1xDecompress(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), out)
}

func TestDecodeLZOFramesMultipleSegmentsIntoOneBuffer(t *testing.T) {
	seg := []byte{1, 'a', 'b', 'c', 'd', 17, 0, 0}

	var disk []byte
	disk = append(disk, leU32(uint32(4+2*(4+len(seg))))...)
	for i := 0; i < 2; i++ {
		disk = append(disk, leU32(uint32(len(seg)))...)
		disk = append(disk, seg...)
	}

	out, err := decodeLZO(disk, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdabcd"), out)
}

func leU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
