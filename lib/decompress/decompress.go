// Package decompress decodes the three extent compression codecs Btrfs
// supports — ZLIB, LZO, and ZSTD — into block-aligned output buffers,
// enforcing the size preconditions that keep a crafted extent from
// decompressing into an unbounded allocation.
package decompress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies which codec an extent was stored with.
type Compression uint8

const (
	None Compression = iota
	ZLIB
	LZO
	ZSTD
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case ZLIB:
		return "zlib"
	case LZO:
		return "lzo"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", c)
	}
}

const (
	maxDiskBytes = 512 << 20 // 512 MiB
	maxRAMBytes  = 4 << 30   // 4 GiB
)

// Extent is the minimal description of a compressed extent this
// package needs: enough to validate preconditions and decode it. The
// caller supplies the already-read on-disk bytes (exactly DiskNumBytes
// long); Decompress does not perform I/O itself.
type Extent struct {
	Compression  Compression
	Disk         []byte // exactly DiskNumBytes long
	NumBytes     int64  // bytes the file actually uses from the decompressed output
	RAMBytes     int64  // total decompressed size Btrfs recorded
}

// Decompress validates an extent's preconditions and decodes it,
// returning a buffer rounded up to a multiple of blockSize. disk_bytenr
// has already been resolved and read by the caller; this package is
// pure computation.
func Decompress(e Extent, blockSize int) ([]byte, error) {
	if e.Compression == None {
		return nil, fmt.Errorf("decompress: extent is not compressed")
	}
	diskLen := int64(len(e.Disk))
	if diskLen <= 0 || diskLen > maxDiskBytes {
		return nil, fmt.Errorf("decompress: disk_num_bytes=%d out of range (0, %d]", diskLen, maxDiskBytes)
	}
	if e.RAMBytes <= 0 || e.RAMBytes > maxRAMBytes {
		return nil, fmt.Errorf("decompress: ram_bytes=%d out of range (0, %d]", e.RAMBytes, maxRAMBytes)
	}
	if e.RAMBytes > 2*e.NumBytes {
		return nil, fmt.Errorf("decompress: ram_bytes=%d exceeds 2x num_bytes=%d, refusing as a likely compression bomb", e.RAMBytes, e.NumBytes)
	}
	if diskLen > e.RAMBytes {
		return nil, fmt.Errorf("decompress: disk_num_bytes=%d exceeds ram_bytes=%d", diskLen, e.RAMBytes)
	}

	var out []byte
	var err error
	switch e.Compression {
	case ZLIB:
		out, err = decodeZlib(e.Disk, e.RAMBytes)
	case LZO:
		out, err = decodeLZO(e.Disk, e.RAMBytes)
	case ZSTD:
		out, err = decodeZstd(e.Disk, e.RAMBytes)
	default:
		return nil, fmt.Errorf("decompress: unknown compression %v", e.Compression)
	}
	if err != nil {
		return nil, err
	}

	if blockSize > 0 {
		if rem := len(out) % blockSize; rem != 0 {
			out = append(out, make([]byte, blockSize-rem)...)
		}
	}
	return out, nil
}

// decodeZlib expects raw-deflate data, with no zlib or gzip framing
// byte ever present on the wire.
func decodeZlib(disk []byte, ramBytes int64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(disk))
	defer r.Close()
	out := make([]byte, 0, ramBytes)
	buf := bytes.NewBuffer(out)
	if _, err := io.CopyN(buf, r, ramBytes); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decompress: zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeZstd(disk []byte, ramBytes int64) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: zstd: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(disk, make([]byte, 0, ramBytes))
	if err != nil {
		return nil, fmt.Errorf("decompress: zstd: %w", err)
	}
	return out, nil
}
