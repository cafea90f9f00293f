package reader

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfstree"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

// maxSymlinkLen bounds symlink target resolution, matching PATH_MAX.
const maxSymlinkLen = 4096

func (info *FsInfo) inode(id btrfsprim.ObjID) *FileEntry {
	fe, ok := info.Inodes[id]
	if !ok {
		fe = &FileEntry{Ino: id}
		info.Inodes[id] = fe
	}
	return fe
}

// populateFSTree walks the subvolume's FS tree, dispatching on item
// type exactly per the reader pipeline: INODE_ITEM metadata, INODE_REF
// primary parent linkage, DIR_INDEX child links (DIR_ITEM is skipped —
// DIR_INDEX alone is collision-free and sufficient to reconstruct every
// directory), EXTENT_DATA file extents (tracking CoW-shared physical
// ranges), and XATTR_ITEM attributes.
func populateFSTree[Addr ~int64](chunkFS *resolvedReader[Addr], sb btrfstree.Superblock, info *FsInfo) error {
	return btrfstree.Walk[btrfsvol.LogicalAddr](chunkFS, sb, btrfsprim.FSTreeObjID, info.FSTreeRoot, info.FSTreeGen, info.FSTreeLevel,
		func(path []btrfstree.KeyPointer, item btrfstree.Item) error {
			switch item.Key.ItemType {
			case btrfsprim.InodeItemKey:
				body, ok := item.Body.(btrfsitem.Inode)
				if !ok {
					return nil
				}
				fe := info.inode(item.Key.ObjectID)
				fe.Mode = body.Mode
				fe.UID = body.UID
				fe.GID = body.GID
				fe.NLink = body.NLink
				fe.Size = body.Size
				fe.RDev = body.RDev
				fe.ATime = body.ATime
				fe.MTime = body.MTime
				fe.CTime = body.CTime
				fe.OTime = body.OTime

			case btrfsprim.InodeRefKey:
				if _, ok := item.Body.(btrfsitem.InodeRef); !ok {
					return nil
				}
				fe := info.inode(item.Key.ObjectID)
				if fe.ParentIno == 0 {
					fe.ParentIno = btrfsprim.ObjID(item.Key.Offset)
				}

			case btrfsprim.DirIndexKey:
				body, ok := item.Body.(btrfsitem.DirEntry)
				if !ok {
					return nil
				}
				parent := info.inode(item.Key.ObjectID)
				parent.Children = append(parent.Children, DirLink{
					Name:  string(body.Name),
					Child: body.Location.ObjectID,
				})

			case btrfsprim.XAttrItemKey:
				body, ok := item.Body.(btrfsitem.DirEntry)
				if !ok {
					return nil
				}
				fe := info.inode(item.Key.ObjectID)
				fe.Xattrs = append(fe.Xattrs, Xattr{Name: string(body.Name), Value: append([]byte(nil), body.Data...)})

			case btrfsprim.ExtentDataKey:
				body, ok := item.Body.(btrfsitem.FileExtent)
				if !ok {
					return nil
				}
				fe := info.inode(item.Key.ObjectID)
				fx := FileExtent{
					FileOffset:  int64(item.Key.Offset),
					Compression: body.Compression,
					Type:        body.Type,
					RAMBytes:    body.RAMBytes,
				}
				if body.Type == btrfsitem.FileExtentInline {
					fx.InlineBytes = append([]byte(nil), body.BodyInline...)
					fx.NumBytes = int64(len(body.BodyInline))
				} else {
					fx.DiskByteNr = body.BodyExtent.DiskByteNr
					fx.DiskNumBytes = body.BodyExtent.DiskNumBytes
					fx.NumBytes = body.BodyExtent.NumBytes
					if fx.DiskByteNr != 0 {
						info.trackCoW(fx.DiskByteNr)
					}
				}
				fe.Extents = append(fe.Extents, fx)
			}
			return nil
		})
}

// trackCoW records a post-resolve physical extent observation; a second
// or later observation of the same logical start counts as CoW-shared,
// incrementing DedupBlocksNeeded since Ext4 cannot share blocks the way
// Btrfs can.
func (info *FsInfo) trackCoW(logical btrfsvol.LogicalAddr) {
	phys := info.ChunkMap.Resolve(logical)
	if phys == btrfsvol.NotFound {
		return
	}
	if _, seen := info.cowSeen[phys]; seen {
		info.DedupBlocksNeeded++
		return
	}
	info.cowSeen[phys] = struct{}{}
}

// resolveSymlinks fills in SymlinkTarget for every inode whose mode
// marks it a symlink, from its sole inline EXTENT_DATA payload.
func resolveSymlinks[Addr ~int64](chunkFS *resolvedReader[Addr], info *FsInfo) error {
	const sIFLNK = 0o120000
	for _, fe := range info.Inodes {
		if fe.Mode&0o170000 != sIFLNK {
			continue
		}
		if len(fe.Extents) == 0 || fe.Extents[0].InlineBytes == nil {
			continue
		}
		target := fe.Extents[0].InlineBytes
		if len(target) > maxSymlinkLen {
			return fmt.Errorf("symlink target for inode %d exceeds %d bytes", fe.Ino, maxSymlinkLen)
		}
		fe.SymlinkTarget = string(target)
	}
	return nil
}
