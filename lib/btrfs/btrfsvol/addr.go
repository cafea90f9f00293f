// Package btrfsvol defines Btrfs's two address spaces (logical, used
// inside B-trees and extent pointers; physical, a byte offset on the
// single backing device this converter targets) and the chunk map that
// translates between them.
package btrfsvol

import "fmt"

type (
	// LogicalAddr is an offset into Btrfs's logical address space, as
	// stored in tree items.
	LogicalAddr int64
	// PhysicalAddr is a byte offset on the backing device.
	PhysicalAddr int64
	// AddrDelta is a signed distance between two addresses.
	AddrDelta int64
)

func (a LogicalAddr) String() string  { return fmt.Sprintf("%#016x", int64(a)) }
func (a PhysicalAddr) String() string { return fmt.Sprintf("%#016x", int64(a)) }
func (d AddrDelta) String() string    { return fmt.Sprintf("%#016x", int64(d)) }

func (a LogicalAddr) Add(d AddrDelta) LogicalAddr   { return a + LogicalAddr(d) }
func (a PhysicalAddr) Add(d AddrDelta) PhysicalAddr { return a + PhysicalAddr(d) }

func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }
func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }

// DeviceID identifies a Btrfs device; this converter only ever sees
// single-device filesystems, so exactly one DeviceID is ever in use, but
// the type is kept distinct from a bare int for the same reason the
// address types are.
type DeviceID uint64
