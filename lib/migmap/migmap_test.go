package migmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
	"github.com/YukaC/btrfs2ext4-sub000/lib/relocate"
)

const testDeviceSize = 1 << 20 // 1 MiB
const testBlockSize = 4096

func newTestDevice(t *testing.T) *diskio.MemFile[btrfsvol.PhysicalAddr] {
	t.Helper()
	dev := diskio.NewMemFile[btrfsvol.PhysicalAddr]("test", testDeviceSize)
	sb := make([]byte, 0x1000)
	for i := range sb {
		sb[i] = byte(i)
	}
	_, err := dev.WriteAt(sb, 0x10000)
	require.NoError(t, err)
	return dev
}

func TestSaveThenLoadRoundTripsEntries(t *testing.T) {
	dev := newTestDevice(t)
	plan := &relocate.Plan{
		BlockSize: testBlockSize,
		Entries: []relocate.RelocationEntry{
			{SrcOffset: 0, DstOffset: 8192, Length: 4096, Checksum: 0xdeadbeef, Seq: 0, Completed: true},
			{SrcOffset: 4096, DstOffset: 12288, Length: 4096, Checksum: 0x12345678, Seq: 1, Completed: false},
		},
	}

	require.NoError(t, Save(dev, testDeviceSize, testBlockSize, plan))

	got, err := Load(dev, testDeviceSize, testBlockSize)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, plan.Entries[0], got[0])
	assert.Equal(t, plan.Entries[1], got[1])
}

func TestSaveWithZeroEntriesStillWritesAFooter(t *testing.T) {
	dev := newTestDevice(t)
	plan := &relocate.Plan{BlockSize: testBlockSize}
	require.NoError(t, Save(dev, testDeviceSize, testBlockSize, plan))

	got, err := Load(dev, testDeviceSize, testBlockSize)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadRejectsMissingFooter(t *testing.T) {
	dev := diskio.NewMemFile[btrfsvol.PhysicalAddr]("test", testDeviceSize)
	_, err := Load(dev, testDeviceSize, testBlockSize)
	assert.Error(t, err)
}

func TestRollbackUndoesRelocationsAndRestoresSuperblock(t *testing.T) {
	dev := newTestDevice(t)

	origSB := make([]byte, 0x1000)
	_, err := dev.ReadAt(origSB, 0x10000)
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0xAB
	}
	_, err = dev.WriteAt(payload, 0)
	require.NoError(t, err)

	plan := &relocate.Plan{
		BlockSize: testBlockSize,
		Entries: []relocate.RelocationEntry{
			{SrcOffset: 0, DstOffset: 8192, Length: 4096, Completed: true, Seq: 0},
		},
	}
	require.NoError(t, Save(dev, testDeviceSize, testBlockSize, plan))

	_, err = dev.WriteAt(payload, 8192)
	require.NoError(t, err)
	_, err = dev.WriteAt(make([]byte, 4096), 0)
	require.NoError(t, err)

	require.NoError(t, Rollback(dev, testDeviceSize, testBlockSize))

	restored := make([]byte, 4096)
	_, err = dev.ReadAt(restored, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)

	sbAfter := make([]byte, 0x1000)
	_, err = dev.ReadAt(sbAfter, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, origSB, sbAfter)

	_, err = Load(dev, testDeviceSize, testBlockSize)
	assert.Error(t, err, "footer should be zeroed after rollback")
}
