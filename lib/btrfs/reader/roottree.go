package reader

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// findSubvolRoot walks the root tree to capture the ROOT_ITEM for the
// subvolume being converted (the FS tree, objectid 5, unless the caller
// asked for a different subvolume) and, along the way, the extent
// tree's root pointer for the optional used-block-map walk.
func findSubvolRoot[Addr ~int64](chunkFS *resolvedReader[Addr], sb btrfstree.Superblock, subvol btrfsprim.ObjID, info *FsInfo) error {
	var found bool
	err := btrfstree.Walk[btrfsvol.LogicalAddr](chunkFS, sb, btrfsprim.RootTreeObjID, sb.RootTree, sb.Generation, sb.RootLevel,
		func(path []btrfstree.KeyPointer, item btrfstree.Item) error {
			if item.Key.ItemType != btrfsprim.RootItemKey {
				return nil
			}
			root, ok := item.Body.(btrfsitem.Root)
			if !ok {
				return nil
			}
			switch item.Key.ObjectID {
			case subvol:
				info.FSTreeRoot = root.ByteNr
				info.FSTreeGen = root.Generation
				info.FSTreeLevel = root.Level
				found = true
			case btrfsprim.ExtentTreeObjID:
				info.ExtentRoot = root.ByteNr
				info.ExtentGen = root.Generation
				info.ExtentLevel = root.Level
			}
			return nil
		})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("subvolume objectid %d not found in root tree", subvol)
	}
	return nil
}
