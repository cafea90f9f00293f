package inodemap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

func TestAddAssignsRootDirToInoTwo(t *testing.T) {
	m := New(t.TempDir(), 0)
	ino, err := m.Add(rootObjID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ino)
	assert.Equal(t, uint32(2), m.Lookup(rootObjID))
}

func TestAddAssignsOtherObjectsContiguouslyStartingAt11(t *testing.T) {
	m := New(t.TempDir(), 0)
	ids := []btrfsprim.ObjID{257, 258, 259}
	var got []uint32
	for _, id := range ids {
		ino, err := m.Add(id)
		require.NoError(t, err)
		got = append(got, ino)
	}
	assert.Equal(t, []uint32{11, 12, 13}, got)
}

func TestLookupRoundTripsAfterManyAdds(t *testing.T) {
	m := New(t.TempDir(), 0)
	want := make(map[btrfsprim.ObjID]uint32)
	for i := btrfsprim.ObjID(300); i < 300+500; i++ {
		ino, err := m.Add(i)
		require.NoError(t, err)
		want[i] = ino
	}
	for id, ino := range want {
		assert.Equal(t, ino, m.Lookup(id))
	}
}

func TestLookupMissReturnsZero(t *testing.T) {
	m := New(t.TempDir(), 0)
	_, err := m.Add(300)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), m.Lookup(999999))
}

func TestInodeMapSpillsPastMemLimitAndStillRoundTrips(t *testing.T) {
	dir := t.TempDir()
	ramBacked, err := isRAMBacked(dir)
	require.NoError(t, err)
	if ramBacked {
		t.Skip("test temp directory is RAM-backed in this environment")
	}

	// A tiny limit forces a spill after just a couple of entries.
	m := New(dir, 2*entrySize)
	defer m.Close()

	want := make(map[btrfsprim.ObjID]uint32)
	for i := btrfsprim.ObjID(400); i < 400+50; i++ {
		ino, err := m.Add(i)
		require.NoError(t, err)
		want[i] = ino
	}

	for id, ino := range want {
		assert.Equal(t, ino, m.Lookup(id))
	}
	assert.Equal(t, uint32(0), m.Lookup(999999))
}

func TestCloseRemovesSpillFile(t *testing.T) {
	dir := t.TempDir()
	ramBacked, err := isRAMBacked(dir)
	require.NoError(t, err)
	if ramBacked {
		t.Skip("test temp directory is RAM-backed in this environment")
	}

	m := New(dir, 2*entrySize)
	for i := btrfsprim.ObjID(500); i < 510; i++ {
		_, err := m.Add(i)
		require.NoError(t, err)
	}
	require.NotNil(t, m.spill)
	name := m.spill.f.Name()

	require.NoError(t, m.Close())
	_, statErr := os.Stat(name)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBeginSpillRefusesRAMBackedWorkDir(t *testing.T) {
	const shmDir = "/dev/shm"
	if _, err := os.Stat(shmDir); err != nil {
		t.Skip("/dev/shm not available in this environment")
	}
	ramBacked, err := isRAMBacked(shmDir)
	require.NoError(t, err)
	if !ramBacked {
		t.Skip("/dev/shm is not tmpfs-backed in this environment")
	}

	m := New(shmDir, entrySize)
	_, err = m.Add(600)
	require.NoError(t, err)
	_, err = m.Add(601)
	assert.Error(t, err)
}

func TestLenCountsEveryAssignment(t *testing.T) {
	m := New(t.TempDir(), 0)
	_, err := m.Add(rootObjID)
	require.NoError(t, err)
	for i := btrfsprim.ObjID(700); i < 710; i++ {
		_, err := m.Add(i)
		require.NoError(t, err)
	}
	assert.Equal(t, 11, m.Len())
}
