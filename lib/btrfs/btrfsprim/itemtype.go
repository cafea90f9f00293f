package btrfsprim

import "fmt"

// ItemType is the second field of a Key; it selects which decoder a
// reader applies to an item's payload.
type ItemType uint8

const (
	UntypedKey ItemType = 0

	InodeItemKey ItemType = 1
	InodeRefKey  ItemType = 12
	XAttrItemKey ItemType = 24

	DirLogItemKey  ItemType = 60
	DirLogIndexKey ItemType = 72
	DirItemKey     ItemType = 84
	DirIndexKey    ItemType = 96

	ExtentDataKey ItemType = 108

	CSumItemKey    ItemType = 120
	ExtentCSumKey  ItemType = 128

	RootItemKey     ItemType = 132
	RootBackrefKey  ItemType = 144
	RootRefKey      ItemType = 156

	ExtentItemKey   ItemType = 168
	MetadataItemKey ItemType = 169

	TreeBlockRefKey  ItemType = 176
	ExtentDataRefKey ItemType = 178
	SharedBlockRefKey ItemType = 182
	SharedDataRefKey  ItemType = 184

	BlockGroupItemKey ItemType = 192

	DevExtentKey ItemType = 204
	DevItemKey   ItemType = 216
	ChunkItemKey ItemType = 228

	StringItemKey ItemType = 253
)

var itemTypeNames = map[ItemType]string{
	UntypedKey:        "UNTYPED",
	InodeItemKey:      "INODE_ITEM",
	InodeRefKey:       "INODE_REF",
	XAttrItemKey:      "XATTR_ITEM",
	DirLogItemKey:     "DIR_LOG_ITEM",
	DirLogIndexKey:    "DIR_LOG_INDEX",
	DirItemKey:        "DIR_ITEM",
	DirIndexKey:       "DIR_INDEX",
	ExtentDataKey:     "EXTENT_DATA",
	CSumItemKey:       "CSUM_ITEM",
	ExtentCSumKey:     "EXTENT_CSUM",
	RootItemKey:       "ROOT_ITEM",
	RootBackrefKey:    "ROOT_BACKREF",
	RootRefKey:        "ROOT_REF",
	ExtentItemKey:     "EXTENT_ITEM",
	MetadataItemKey:   "METADATA_ITEM",
	TreeBlockRefKey:   "TREE_BLOCK_REF",
	ExtentDataRefKey:  "EXTENT_DATA_REF",
	SharedBlockRefKey: "SHARED_BLOCK_REF",
	SharedDataRefKey:  "SHARED_DATA_REF",
	BlockGroupItemKey: "BLOCK_GROUP_ITEM",
	DevExtentKey:      "DEV_EXTENT",
	DevItemKey:        "DEV_ITEM",
	ChunkItemKey:      "CHUNK_ITEM",
	StringItemKey:     "STRING_ITEM",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", uint8(t))
}
