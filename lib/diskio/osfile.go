package diskio

import (
	"fmt"
	"io"
	"os"
)

// OSFile adapts *os.File to the File[A] interface. It loops read/write
// until the whole buffer is transferred, retries on EINTR, and rejects
// writes when opened read-only.
type OSFile[A ~int64] struct {
	f        *os.File
	readOnly bool
	size     A
}

// Open opens path for positioned I/O. When readOnly is true, WriteAt
// always fails with ErrReadOnly and the underlying fd is opened O_RDONLY.
func Open[A ~int64](path string, readOnly bool) (*OSFile[A], error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &OSFile[A]{f: f, readOnly: readOnly, size: A(size)}, nil
}

func (f *OSFile[A]) Name() string { return f.f.Name() }
func (f *OSFile[A]) Size() A      { return f.size }
func (f *OSFile[A]) Close() error { return f.f.Close() }

func (f *OSFile[A]) ReadAt(dat []byte, off A) (int, error) {
	if off < 0 || A(int64(off)+int64(len(dat))) > f.size {
		return 0, fmt.Errorf("%w: read [%v,%v) against size %v", ErrOutOfRange, off, int64(off)+int64(len(dat)), f.size)
	}
	return readAtFull(f.f, dat, int64(off))
}

func (f *OSFile[A]) WriteAt(dat []byte, off A) (int, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || A(int64(off)+int64(len(dat))) > f.size {
		return 0, fmt.Errorf("%w: write [%v,%v) against size %v", ErrOutOfRange, off, int64(off)+int64(len(dat)), f.size)
	}
	return writeAtFull(f.f, dat, int64(off))
}

// Sync flushes the device's write cache to stable storage.
func (f *OSFile[A]) Sync() error {
	if f.readOnly {
		return nil
	}
	return f.f.Sync()
}

// readAtFull loops ReadAt until dat is full or an error (other than a
// retry-worthy short read) occurs, resuming on EINTR.
func readAtFull(r io.ReaderAt, dat []byte, off int64) (int, error) {
	total := 0
	for total < len(dat) {
		n, err := r.ReadAt(dat[total:], off+int64(total))
		total += n
		if err != nil {
			if isEINTR(err) {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}

func writeAtFull(w io.WriterAt, dat []byte, off int64) (int, error) {
	total := 0
	for total < len(dat) {
		n, err := w.WriteAt(dat[total:], off+int64(total))
		total += n
		if err != nil {
			if isEINTR(err) {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
