// Package btrfsprim defines Btrfs's primitive scalar types: object IDs,
// item types, tree keys, generations, and timestamps. These are shared by
// the B-tree walker, the item decoders, and the chunk map.
package btrfsprim

import "fmt"

// ObjID is a Btrfs object ID. Each tree has its own object ID namespace.
type ObjID uint64

const maxUint64pp = 0x1_00000000_00000000

const (
	RootTreeObjID   ObjID = 1 // holds pointers to all of the tree roots
	ExtentTreeObjID ObjID = 2 // tracks extent allocation and refcounts
	ChunkTreeObjID  ObjID = 3 // translates logical addresses to physical
	DevTreeObjID    ObjID = 4 // tracks per-device used/free space
	FSTreeObjID     ObjID = 5 // one per subvolume: files and directories
	CSumTreeObjID   ObjID = 7 // checksums for data extents
	UUIDTreeObjID   ObjID = 9

	FirstFreeObjID ObjID = 256               // the first objectid usable by an inode
	LastFreeObjID  ObjID = maxUint64pp - 256  // the last objectid usable by an inode
)

func (id ObjID) String() string {
	switch id {
	case RootTreeObjID:
		return "ROOT_TREE"
	case ExtentTreeObjID:
		return "EXTENT_TREE"
	case ChunkTreeObjID:
		return "CHUNK_TREE"
	case DevTreeObjID:
		return "DEV_TREE"
	case FSTreeObjID:
		return "FS_TREE"
	case CSumTreeObjID:
		return "CSUM_TREE"
	case UUIDTreeObjID:
		return "UUID_TREE"
	default:
		return fmt.Sprintf("%d", uint64(id))
	}
}
