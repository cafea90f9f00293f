package btrfstree

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/derror"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
	"github.com/YukaC/btrfs2ext4-sub000/lib/diskio"
)

// ErrNotANode means the bytes read at an address don't even look like a
// node (the metadata UUID doesn't match), as opposed to looking like a
// node but failing a deeper check (corrupt checksum, wrong level, ...).
var ErrNotANode = errors.New("btrfstree: does not look like a node")

// NodeExpectations is what the caller already knows about a node before
// reading it — from the parent pointer that led here, or from the shape
// of the tree so far — so ReadNode can catch inconsistencies the
// checksum alone wouldn't.
type NodeExpectations struct {
	LAddr      *btrfsvol.LogicalAddr
	Level      *uint8
	Generation *btrfsprim.Generation
	Owner      func(btrfsprim.ObjID, btrfsprim.Generation) error
	MinItem    *btrfsprim.Key
	MaxItem    *btrfsprim.Key
}

// NodeError reports a failure reading a specific node address.
type NodeError[Addr ~int64] struct {
	Op       string
	NodeAddr Addr
	Err      error
}

func (e *NodeError[Addr]) Error() string {
	return fmt.Sprintf("%s: node@%v: %v", e.Op, e.NodeAddr, e.Err)
}
func (e *NodeError[Addr]) Unwrap() error { return e.Err }

// IOError wraps a lower-level read failure distinctly from a content
// validation failure, so callers can decide whether retrying elsewhere
// (a different superblock mirror) makes sense.
type IOError struct{ Err error }

func (e *IOError) Error() string { return "i/o error: " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// ReadNode reads, validates, and decodes one node at addr. It is
// possible for both a non-nil *Node and a non-nil error to be
// returned — the node may be worth inspecting even when a sanity check
// after decoding failed. The returned error, when non-nil, is always
// *NodeError[Addr].
func ReadNode[Addr ~int64](fs diskio.ReaderAt[Addr], sb Superblock, addr Addr, exp NodeExpectations) (*Node, error) {
	if int(sb.NodeSize) < nodeHeaderSize {
		return nil, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr,
			Err: fmt.Errorf("superblock node_size=%v too small for a header (%v bytes)", sb.NodeSize, nodeHeaderSize)}
	}
	nodeBuf := make([]byte, sb.NodeSize)
	if _, err := fs.ReadAt(nodeBuf, addr); err != nil {
		return nil, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr, Err: &IOError{Err: err}}
	}

	node := &Node{Size: sb.NodeSize, ChecksumType: sb.ChecksumType}
	if _, err := binstruct.Unmarshal(nodeBuf, &node.Head); err != nil {
		panic(fmt.Errorf("btrfstree: should not happen: %w", err))
	}

	if node.Head.MetadataUUID != sb.EffectiveMetadataUUID() {
		return node, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr, Err: ErrNotANode}
	}

	calced, err := node.ChecksumType.Sum(nodeBuf[csumSize:])
	if err != nil {
		return node, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr, Err: err}
	}
	if calced != node.Head.Checksum {
		return node, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr,
			Err: fmt.Errorf("looks like a node but is corrupt: checksum mismatch: stored=%v calculated=%v", node.Head.Checksum, calced)}
	}

	if _, err := binstruct.Unmarshal(nodeBuf, node); err != nil {
		return node, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr, Err: err}
	}

	if err := exp.Check(node); err != nil {
		return node, &NodeError[Addr]{Op: "btrfstree.ReadNode", NodeAddr: addr, Err: err}
	}

	return node, nil
}

// Check applies every expectation the caller supplied, collecting all
// violations instead of stopping at the first one.
func (exp NodeExpectations) Check(node *Node) error {
	var errs derror.MultiError
	if exp.LAddr != nil && node.Head.Addr != *exp.LAddr {
		errs = append(errs, fmt.Errorf("read from laddr=%v but node claims laddr=%v", *exp.LAddr, node.Head.Addr))
	}
	if exp.Level != nil && node.Head.Level != *exp.Level {
		errs = append(errs, fmt.Errorf("expected level=%v but node claims level=%v", *exp.Level, node.Head.Level))
	}
	if exp.Generation != nil && node.Head.Generation != *exp.Generation {
		errs = append(errs, fmt.Errorf("expected generation=%v but node claims generation=%v", *exp.Generation, node.Head.Generation))
	}
	if exp.Owner != nil {
		if err := exp.Owner(node.Head.Owner, node.Head.Generation); err != nil {
			errs = append(errs, err)
		}
	}
	if node.Head.NumItems == 0 {
		errs = append(errs, fmt.Errorf("node has no items"))
	} else {
		if minItem, _ := node.MinItem(); exp.MinItem != nil && exp.MinItem.Compare(minItem) > 0 {
			errs = append(errs, fmt.Errorf("expected minItem>=%v but node has minItem=%v", *exp.MinItem, minItem))
		}
		if maxItem, _ := node.MaxItem(); exp.MaxItem != nil && exp.MaxItem.Compare(maxItem) < 0 {
			errs = append(errs, fmt.Errorf("expected maxItem<=%v but node has maxItem=%v", *exp.MaxItem, maxItem))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
