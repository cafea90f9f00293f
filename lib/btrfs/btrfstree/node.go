package btrfstree

import (
	"encoding/binary"
	"fmt"

	"github.com/YukaC/btrfs2ext4-sub000/lib/binstruct"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsitem"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsprim"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfssum"
	"github.com/YukaC/btrfs2ext4-sub000/lib/btrfs/btrfsvol"
)

var (
	nodeHeaderSize = binstruct.StaticSize(NodeHeader{})
	keyPointerSize = binstruct.StaticSize(KeyPointer{})
	itemHeaderSize = binstruct.StaticSize(ItemHeader{})
	csumSize       = binstruct.StaticSize(btrfssum.CSum{})
)

// NodeFlags is the node header's 56-bit (7-byte) flags field.
type NodeFlags uint64

const sizeofNodeFlags = 7

func (NodeFlags) BinaryStaticSize() int { return sizeofNodeFlags }

func (f NodeFlags) MarshalBinary() ([]byte, error) {
	var bs [8]byte
	binary.LittleEndian.PutUint64(bs[:], uint64(f))
	return bs[:sizeofNodeFlags], nil
}

func (f *NodeFlags) UnmarshalBinary(dat []byte) (int, error) {
	var bs [8]byte
	copy(bs[:sizeofNodeFlags], dat[:sizeofNodeFlags])
	*f = NodeFlags(binary.LittleEndian.Uint64(bs[:]))
	return sizeofNodeFlags, nil
}

var (
	_ binstruct.StaticSizer = NodeFlags(0)
	_ binstruct.Marshaler   = NodeFlags(0)
	_ binstruct.Unmarshaler = (*NodeFlags)(nil)
)

const (
	NodeWritten NodeFlags = 1 << iota
	NodeReloc
)

func (f NodeFlags) Has(bit NodeFlags) bool { return f&bit == bit }

// BackrefRev distinguishes the old (per-block) and mixed (per-extent)
// backreference schemes; this converter only needs to read it through.
type BackrefRev uint8

const (
	OldBackrefRev BackrefRev = iota
	MixedBackrefRev
)

// Node is one decoded B-tree block: its header, plus either interior
// key pointers or leaf items depending on Head.Level.
type Node struct {
	Size         uint32
	ChecksumType btrfssum.CSumType

	Head NodeHeader

	BodyInterior []KeyPointer
	BodyLeaf     []Item

	Padding []byte
}

// NodeHeader is the 0x65-byte header common to every node, interior or
// leaf.
type NodeHeader struct {
	Checksum      btrfssum.CSum        `bin:"off=0x0,  siz=0x20"`
	MetadataUUID  btrfsprim.UUID       `bin:"off=0x20, siz=0x10"`
	Addr          btrfsvol.LogicalAddr `bin:"off=0x30, siz=0x8"`
	Flags         NodeFlags            `bin:"off=0x38, siz=0x7"`
	BackrefRev    BackrefRev           `bin:"off=0x3f, siz=0x1"`
	ChunkTreeUUID btrfsprim.UUID       `bin:"off=0x40, siz=0x10"`
	Generation    btrfsprim.Generation `bin:"off=0x50, siz=0x8"`
	Owner         btrfsprim.ObjID      `bin:"off=0x58, siz=0x8"`
	NumItems      uint32               `bin:"off=0x60, siz=0x4"` // [ignored-when-writing]
	Level         uint8                `bin:"off=0x64, siz=0x1"`
	binstruct.End `bin:"off=0x65"`
}

// MaxItems returns the largest NumItems this node's Size could hold.
func (node Node) MaxItems() uint32 {
	bodyBytes := node.Size - uint32(nodeHeaderSize)
	if node.Head.Level > 0 {
		return bodyBytes / uint32(keyPointerSize)
	}
	return bodyBytes / uint32(itemHeaderSize)
}

// MinItem returns the first (lowest-keyed) item or key pointer.
func (node Node) MinItem() (btrfsprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return btrfsprim.Key{}, false
		}
		return node.BodyInterior[0].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return btrfsprim.Key{}, false
	}
	return node.BodyLeaf[0].Key, true
}

// MaxItem returns the last (highest-keyed) item or key pointer.
func (node Node) MaxItem() (btrfsprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return btrfsprim.Key{}, false
		}
		return node.BodyInterior[len(node.BodyInterior)-1].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return btrfsprim.Key{}, false
	}
	return node.BodyLeaf[len(node.BodyLeaf)-1].Key, true
}

// CalculateChecksum recomputes the node's checksum over everything past
// the checksum field.
func (node Node) CalculateChecksum() (btrfssum.CSum, error) {
	data, err := binstruct.Marshal(node)
	if err != nil {
		return btrfssum.CSum{}, err
	}
	return node.ChecksumType.Sum(data[csumSize:])
}

// ValidateChecksum verifies the node's self-checksum.
func (node Node) ValidateChecksum() error {
	calced, err := node.CalculateChecksum()
	if err != nil {
		return err
	}
	if calced != node.Head.Checksum {
		return fmt.Errorf("btrfstree: node checksum mismatch: stored=%v calculated=%v", node.Head.Checksum, calced)
	}
	return nil
}

func (node *Node) UnmarshalBinary(nodeBuf []byte) (int, error) {
	*node = Node{Size: uint32(len(nodeBuf)), ChecksumType: node.ChecksumType}
	if len(nodeBuf) <= nodeHeaderSize {
		return 0, fmt.Errorf("btrfstree: node size must be greater than %v, but is %v", nodeHeaderSize, len(nodeBuf))
	}
	n, err := binstruct.Unmarshal(nodeBuf, &node.Head)
	if err != nil {
		return n, err
	}
	if n != nodeHeaderSize {
		return n, fmt.Errorf("btrfstree: header consumed %v bytes but expected %v", n, nodeHeaderSize)
	}
	var _n int
	if node.Head.Level > 0 {
		_n, err = node.unmarshalInterior(nodeBuf[n:])
	} else {
		_n, err = node.unmarshalLeaf(nodeBuf[n:])
	}
	n += _n
	if err != nil {
		return n, err
	}
	if n != len(nodeBuf) {
		return n, fmt.Errorf("btrfstree: left over data: got %v bytes but only consumed %v", len(nodeBuf), n)
	}
	return n, nil
}

func (node Node) MarshalBinary() ([]byte, error) {
	if node.Size == 0 {
		return nil, fmt.Errorf("btrfstree: Node.Size must be set")
	}
	if node.Size <= uint32(nodeHeaderSize) {
		return nil, fmt.Errorf("btrfstree: Node.Size must be greater than %v, but is %v", nodeHeaderSize, node.Size)
	}
	if node.Head.Level > 0 {
		node.Head.NumItems = uint32(len(node.BodyInterior))
	} else {
		node.Head.NumItems = uint32(len(node.BodyLeaf))
	}

	buf := make([]byte, node.Size)
	headBuf, err := binstruct.Marshal(node.Head)
	if err != nil {
		return buf, err
	}
	copy(buf, headBuf)

	if node.Head.Level > 0 {
		err = node.marshalInteriorTo(buf[nodeHeaderSize:])
	} else {
		err = node.marshalLeafTo(buf[nodeHeaderSize:])
	}
	return buf, err
}

// KeyPointer is one entry of an interior node: the lowest key reachable
// through BlockPtr, plus the generation that wrote that child.
type KeyPointer struct {
	Key           btrfsprim.Key        `bin:"off=0x0, siz=0x11"`
	BlockPtr      btrfsvol.LogicalAddr `bin:"off=0x11, siz=0x8"`
	Generation    btrfsprim.Generation `bin:"off=0x19, siz=0x8"`
	binstruct.End `bin:"off=0x21"`
}

func (node *Node) unmarshalInterior(bodyBuf []byte) (int, error) {
	n := 0
	node.BodyInterior = make([]KeyPointer, node.Head.NumItems)
	for i := range node.BodyInterior {
		_n, err := binstruct.Unmarshal(bodyBuf[n:], &node.BodyInterior[i])
		n += _n
		if err != nil {
			return n, fmt.Errorf("btrfstree: interior item %v: %w", i, err)
		}
	}
	node.Padding = bodyBuf[n:]
	return len(bodyBuf), nil
}

func (node *Node) marshalInteriorTo(bodyBuf []byte) error {
	n := 0
	for i, item := range node.BodyInterior {
		bs, err := binstruct.Marshal(item)
		if err != nil {
			return fmt.Errorf("btrfstree: interior item %v: %w", i, err)
		}
		if copy(bodyBuf[n:], bs) < len(bs) {
			return fmt.Errorf("btrfstree: interior item %v: not enough space", i)
		}
		n += len(bs)
	}
	copy(bodyBuf[n:], node.Padding)
	return nil
}

// Item is one decoded leaf entry: a key plus its typed payload.
type Item struct {
	Key      btrfsprim.Key
	BodySize uint32 // [ignored-when-writing]
	Body     btrfsitem.Item
}

// ItemHeader is a leaf item's fixed-width on-disk header; the payload
// bytes it points to live at the tail of the node, growing backwards.
type ItemHeader struct {
	Key           btrfsprim.Key `bin:"off=0x0, siz=0x11"`
	DataOffset    uint32        `bin:"off=0x11, siz=0x4"` // [ignored-when-writing]
	DataSize      uint32        `bin:"off=0x15, siz=0x4"` // [ignored-when-writing]
	binstruct.End `bin:"off=0x19"`
}

func (node *Node) unmarshalLeaf(bodyBuf []byte) (int, error) {
	head := 0
	tail := len(bodyBuf)
	node.BodyLeaf = make([]Item, node.Head.NumItems)
	for i := range node.BodyLeaf {
		var itemHead ItemHeader
		n, err := binstruct.Unmarshal(bodyBuf[head:], &itemHead)
		head += n
		if err != nil {
			return 0, fmt.Errorf("btrfstree: leaf item %v: head: %w", i, err)
		}
		if head > tail {
			return 0, fmt.Errorf("btrfstree: leaf item %v: head offset %#x runs into body section (>%#x)", i, head, tail)
		}
		dataOff := int(itemHead.DataOffset)
		dataSize := int(itemHead.DataSize)
		if dataOff < head {
			return 0, fmt.Errorf("btrfstree: leaf item %v: body offset %#x runs into head section (<%#x)", i, dataOff, head)
		}
		if dataOff+dataSize != tail {
			return 0, fmt.Errorf("btrfstree: leaf item %v: body end %#x does not match expected tail %#x", i, dataOff+dataSize, tail)
		}
		tail = dataOff
		dataBuf := bodyBuf[dataOff : dataOff+dataSize]
		node.BodyLeaf[i] = Item{
			Key:      itemHead.Key,
			BodySize: itemHead.DataSize,
			Body:     btrfsitem.Unmarshal(itemHead.Key, dataBuf),
		}
	}
	node.Padding = bodyBuf[head:tail]
	return len(bodyBuf), nil
}

func (node *Node) marshalLeafTo(bodyBuf []byte) error {
	head := 0
	tail := len(bodyBuf)
	for i, item := range node.BodyLeaf {
		bodyBytes, err := binstruct.Marshal(item.Body)
		if err != nil {
			return fmt.Errorf("btrfstree: leaf item %v: body: %w", i, err)
		}
		headBytes, err := binstruct.Marshal(ItemHeader{
			Key:        item.Key,
			DataSize:   uint32(len(bodyBytes)),
			DataOffset: uint32(tail - len(bodyBytes)),
		})
		if err != nil {
			return fmt.Errorf("btrfstree: leaf item %v: head: %w", i, err)
		}
		if tail-head < len(headBytes)+len(bodyBytes) {
			return fmt.Errorf("btrfstree: leaf item %v: not enough space", i)
		}
		copy(bodyBuf[head:], headBytes)
		head += len(headBytes)
		tail -= len(bodyBytes)
		copy(bodyBuf[tail:], bodyBytes)
	}
	copy(bodyBuf[head:tail], node.Padding)
	return nil
}

// LeafFreeSpace reports the bytes still available for new items in a
// leaf node.
func (node *Node) LeafFreeSpace() uint32 {
	if node.Head.Level > 0 {
		panic(fmt.Errorf("btrfstree: LeafFreeSpace: not a leaf node"))
	}
	free := node.Size - uint32(nodeHeaderSize)
	for _, item := range node.BodyLeaf {
		free -= uint32(itemHeaderSize)
		bs, _ := binstruct.Marshal(item.Body)
		free -= uint32(len(bs))
	}
	return free
}
