package diskio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addr int64

func TestBatchEquivalentToDirectWrites(t *testing.T) {
	const blockSize = 64
	const n = 20

	direct := NewMemFile[addr]("direct", blockSize*n)
	for i := 0; i < n; i++ {
		buf := make([]byte, blockSize)
		for j := range buf {
			buf[j] = byte(i)
		}
		_, err := direct.WriteAt(buf, addr(i*blockSize))
		require.NoError(t, err)
	}

	batched := NewMemFile[addr]("batched", blockSize*n)
	b := NewBatch[addr](batched)
	for i := 0; i < n; i++ {
		buf := make([]byte, blockSize)
		for j := range buf {
			buf[j] = byte(i)
		}
		require.NoError(t, b.Add(addr(i*blockSize), buf))
	}
	require.NoError(t, b.Submit())

	assert.Equal(t, direct.Bytes(), batched.Bytes())
}

func TestBatchFlushesAtDepthLimit(t *testing.T) {
	f := NewMemFile[addr]("f", maxBatchDepth*2+8)
	b := NewBatch[addr](f)
	for i := 0; i < maxBatchDepth+1; i++ {
		require.NoError(t, b.Add(addr(i), []byte{1}))
	}
	assert.Len(t, b.pending, 1)
	require.NoError(t, b.Submit())
}

func TestMemFileReadWriteOutOfRange(t *testing.T) {
	f := NewMemFile[addr]("f", 16)
	_, err := f.WriteAt([]byte{1, 2, 3}, 15)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = f.ReadAt(make([]byte, 3), 15)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemFileReadOnlyRejectsWrite(t *testing.T) {
	f := NewMemFile[addr]("f", 16)
	f.SetReadOnly(true)
	_, err := f.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
}
