// Package btrfsitem decodes the payloads of Btrfs B-tree items: the
// bytes a tree leaf stores alongside each Key. Which decoder applies is
// determined entirely by the Key's ItemType.
package btrfsitem

import (
	"fmt"
	"reflect"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
)

// Item is implemented by every decoded item payload type.
type Item interface {
	isItem()
}

// Error wraps a payload that failed to decode; the walker surfaces these
// instead of aborting the whole tree walk on one bad item.
type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

var keyType2GoType = map[btrfsprim.ItemType]reflect.Type{
	btrfsprim.InodeItemKey: reflect.TypeOf(Inode{}),
	btrfsprim.InodeRefKey:  reflect.TypeOf(InodeRef{}),
	btrfsprim.XAttrItemKey: reflect.TypeOf(DirEntry{}),
	btrfsprim.DirItemKey:   reflect.TypeOf(DirEntry{}),
	btrfsprim.DirIndexKey:  reflect.TypeOf(DirEntry{}),
	btrfsprim.ExtentDataKey: reflect.TypeOf(FileExtent{}),
	btrfsprim.ChunkItemKey:  reflect.TypeOf(Chunk{}),
	btrfsprim.RootItemKey:   reflect.TypeOf(Root{}),
}

// Unmarshal decodes dat according to key.ItemType, returning an Error
// item (not a Go error) if the type is unknown or the payload is
// malformed, so callers can keep walking the rest of the tree.
func Unmarshal(key btrfsprim.Key, dat []byte) Item {
	goType, ok := keyType2GoType[key.ItemType]
	if !ok {
		return Error{Dat: dat, Err: fmt.Errorf("btrfsitem: unknown item type %v", key.ItemType)}
	}
	ptr := reflect.New(goType)
	n, err := binstruct.Unmarshal(dat, ptr.Interface())
	if err != nil {
		return Error{Dat: dat, Err: fmt.Errorf("btrfsitem: decoding %v: %w", key.ItemType, err)}
	}
	if n < len(dat) {
		return Error{Dat: dat, Err: fmt.Errorf("btrfsitem: decoding %v: %d leftover bytes", key.ItemType, len(dat)-n)}
	}
	return ptr.Elem().Interface().(Item)
}
