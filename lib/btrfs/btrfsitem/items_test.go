package btrfsitem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

func TestInodeRefRoundTrip(t *testing.T) {
	ref := InodeRef{Index: 2, Name: []byte("hello.txt")}
	dat, err := ref.MarshalBinary()
	require.NoError(t, err)

	var got InodeRef
	n, err := got.UnmarshalBinary(dat)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, ref.Index, got.Index)
	assert.Equal(t, ref.Name, got.Name)
}

func TestInodeRefRejectsOversizeName(t *testing.T) {
	ref := InodeRef{Index: 1, Name: make([]byte, MaxNameLen+1)}
	dat, err := ref.MarshalBinary()
	require.NoError(t, err)

	var got InodeRef
	_, err = got.UnmarshalBinary(dat)
	assert.Error(t, err)
}

func TestDirEntryRoundTripWithXattrData(t *testing.T) {
	de := DirEntry{
		Location: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey},
		TransID:  7,
		Type:     FTXattr,
		Name:     []byte("user.test"),
		Data:     []byte("value"),
	}
	dat, err := de.MarshalBinary()
	require.NoError(t, err)

	var got DirEntry
	n, err := got.UnmarshalBinary(dat)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, de.Name, got.Name)
	assert.Equal(t, de.Data, got.Data)
	assert.Equal(t, de.Location, got.Location)
}

func TestFileExtentInlineRoundTrip(t *testing.T) {
	fe := FileExtent{
		RAMBytes:   5,
		Type:       FileExtentInline,
		BodyInline: []byte("abcde"),
	}
	dat, err := fe.MarshalBinary()
	require.NoError(t, err)

	var got FileExtent
	_, err = got.UnmarshalBinary(dat)
	require.NoError(t, err)
	assert.Equal(t, fe.BodyInline, got.BodyInline)

	size, err := got.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestFileExtentRegularRoundTrip(t *testing.T) {
	fe := FileExtent{
		Type: FileExtentReg,
		BodyExtent: FileExtentExtent{
			DiskByteNr:   0x1000,
			DiskNumBytes: 4096,
			NumBytes:     4096,
		},
	}
	dat, err := fe.MarshalBinary()
	require.NoError(t, err)

	var got FileExtent
	_, err = got.UnmarshalBinary(dat)
	require.NoError(t, err)
	assert.Equal(t, fe.BodyExtent, got.BodyExtent)
}

func TestChunkMappingsOneStripePerDevice(t *testing.T) {
	c := Chunk{
		Head: ChunkHeader{Size: 0x10000000},
		Stripes: []ChunkStripe{
			{DeviceID: 1, Offset: 0x100000},
		},
	}
	key := btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.ChunkItemKey, Offset: 0x4000000}
	mappings := c.Mappings(key)
	require.Len(t, mappings, 1)
	assert.EqualValues(t, 0x4000000, mappings[0].LogicalStart)
	assert.EqualValues(t, 0x100000, mappings[0].PhysicalStart)
}

func TestChunkRoundTrip(t *testing.T) {
	c := Chunk{
		Head: ChunkHeader{Size: 1, Owner: 2, StripeLen: 65536},
		Stripes: []ChunkStripe{
			{DeviceID: 1, Offset: 0},
		},
	}
	dat, err := c.MarshalBinary()
	require.NoError(t, err)

	var got Chunk
	_, err = got.UnmarshalBinary(dat)
	require.NoError(t, err)
	assert.Equal(t, c.Stripes, got.Stripes)
}

func TestUnmarshalDispatchesByItemType(t *testing.T) {
	inode := Inode{Generation: 1, Size: 10}
	dat, err := binstruct.Marshal(inode)
	require.NoError(t, err)

	item := Unmarshal(btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.InodeItemKey}, dat)
	got, ok := item.(Inode)
	require.True(t, ok)
	assert.Equal(t, inode.Size, got.Size)
}

func TestUnmarshalUnknownTypeReturnsError(t *testing.T) {
	item := Unmarshal(btrfsprim.Key{ObjectID: 1, ItemType: btrfsprim.ItemType(250)}, []byte{1, 2, 3})
	_, ok := item.(Error)
	assert.True(t, ok)
}
