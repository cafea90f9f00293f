package btrfstree

import (
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

// MaxLevel bounds a valid node's Head.Level; Btrfs itself never builds
// trees deeper than this.
const MaxLevel = 8

// maxWalkFrames bounds the explicit walk stack far above MaxLevel, so a
// corrupt node claiming an absurd level fails loudly instead of
// exhausting memory.
const maxWalkFrames = 8192

// ItemHandler is called once per leaf item encountered during a walk.
// Returning a non-nil error aborts the walk immediately; the walker
// does not attempt to recover or skip past it.
type ItemHandler func(path []KeyPointer, item Item) error

// WalkError reports a failure encountered mid-walk, tagged with the
// path of key pointers that led to the bad node.
type WalkError struct {
	Path []KeyPointer
	Err  error
}

func (e *WalkError) Error() string { return fmt.Sprintf("btrfstree: walk: %v", e.Err) }
func (e *WalkError) Unwrap() error { return e.Err }

type walkFrame struct {
	addr    btrfsvol.LogicalAddr
	level   uint8
	gen     btrfsprim.Generation
	minItem *btrfsprim.Key
	maxItem *btrfsprim.Key
	path    []KeyPointer
}

// Walk performs an iterative depth-first traversal of the tree rooted
// at rootAddr, calling handle for every leaf item in key order. The
// walk stack is bounded (maxWalkFrames) so a cyclic or corrupt tree
// cannot run the process out of memory; a root claiming a level beyond
// MaxLevel is rejected before any node is read.
func Walk[Addr ~int64](fs diskio.ReaderAt[Addr], sb Superblock, owner btrfsprim.ObjID, rootAddr Addr, rootGen btrfsprim.Generation, rootLevel uint8, handle ItemHandler) error {
	if rootLevel > MaxLevel {
		return fmt.Errorf("btrfstree: walk: root level %d exceeds max %d", rootLevel, MaxLevel)
	}
	if rootAddr == 0 {
		return nil
	}

	stack := make([]walkFrame, 0, 16)
	stack = append(stack, walkFrame{
		addr:  btrfsvol.LogicalAddr(rootAddr),
		level: rootLevel,
		gen:   rootGen,
	})

	ownerCheck := func(gotOwner btrfsprim.ObjID, gotGen btrfsprim.Generation) error {
		if gotOwner != owner {
			return fmt.Errorf("expected owner=%v but node claims owner=%v", owner, gotOwner)
		}
		return nil
	}

	for len(stack) > 0 {
		if len(stack) > maxWalkFrames {
			return fmt.Errorf("btrfstree: walk: stack depth exceeded %d frames, aborting", maxWalkFrames)
		}
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		level := frame.level
		exp := NodeExpectations{
			LAddr:      &frame.addr,
			Level:      &level,
			Generation: &frame.gen,
			Owner:      ownerCheck,
			MinItem:    frame.minItem,
			MaxItem:    frame.maxItem,
		}
		node, err := ReadNode[Addr](fs, sb, Addr(frame.addr), exp)
		if err != nil {
			return &WalkError{Path: frame.path, Err: err}
		}

		if node.Head.Level > 0 {
			// Push children in reverse so the lowest key is
			// processed first (stack is LIFO).
			for i := len(node.BodyInterior) - 1; i >= 0; i-- {
				kp := node.BodyInterior[i]
				childPath := append(append([]KeyPointer(nil), frame.path...), kp)
				minKey := kp.Key
				child := walkFrame{
					addr:    kp.BlockPtr,
					level:   node.Head.Level - 1,
					gen:     kp.Generation,
					minItem: &minKey,
					path:    childPath,
				}
				if i+1 < len(node.BodyInterior) {
					maxKey := node.BodyInterior[i+1].Key.Mm()
					child.maxItem = &maxKey
				} else {
					child.maxItem = frame.maxItem
				}
				stack = append(stack, child)
			}
			continue
		}

		for _, item := range node.BodyLeaf {
			if err := handle(frame.path, item); err != nil {
				return &WalkError{Path: frame.path, Err: err}
			}
		}
	}
	return nil
}
