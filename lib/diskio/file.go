// Package diskio provides positioned block-device I/O: a thin File
// interface parameterized over the address type of the volume it reads
// (Btrfs logical addresses, Btrfs physical addresses, or plain byte
// offsets into the Ext4 image being synthesised), plus an optional batched
// write surface for the writer's high-throughput paths.
package diskio

import (
	"fmt"
)

// File is a positioned-I/O device, addressed by A. A is normally an
// int64-based distinct type (btrfsvol.LogicalAddr, btrfsvol.PhysicalAddr,
// or a plain byte offset) so that reads against the wrong address space
// are a compile error. Note this intentionally does NOT satisfy
// io.ReaderAt/io.WriterAt for A other than plain int64 — that's the
// point of parameterizing on A.
type File[A ~int64] interface {
	Name() string
	Size() A
	Close() error
	ReadAt(p []byte, off A) (n int, err error)
	WriteAt(p []byte, off A) (n int, err error)
}

// ReaderAt is the read-only half of File, for callers (like the B-tree
// walker) that only ever read from the device.
type ReaderAt[A ~int64] interface {
	ReadAt(p []byte, off A) (n int, err error)
}

var (
	_ File[int64]     = (*OSFile[int64])(nil)
	_ ReaderAt[int64] = (*OSFile[int64])(nil)
)

// ErrReadOnly is returned by WriteAt on a device opened read-only.
var ErrReadOnly = fmt.Errorf("diskio: device is open read-only")

// ErrOutOfRange is returned when an offset+length falls outside the
// device's extent, before anything is touched.
var ErrOutOfRange = fmt.Errorf("diskio: offset out of range")
