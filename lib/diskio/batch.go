package diskio

import (
	"fmt"
	"sync"
)

// maxBatchDepth bounds how many writes a single batch submits at once, so
// a directory-sized burst of blocks doesn't overrun kernel AIO queue
// limits.
const maxBatchDepth = 256

// Batch accumulates writes and submits them as a bounded-depth group. Two
// writers share the same contract: after Submit returns nil, every write
// previously added is durable. Buffers passed to Add must stay valid until
// Submit returns.
//
// Queued writes are performed as synchronous positioned writes, in the
// order they were added, whenever maxBatchDepth of them are pending and
// again on Submit; Submit then syncs the device if it has a Sync method.
// No asynchronous submission facility is used.
type Batch[A ~int64] struct {
	dev File[A]

	mu      sync.Mutex
	pending []pendingWrite[A]
	err     error
}

type pendingWrite[A ~int64] struct {
	off A
	buf []byte
}

// NewBatch begins a new batch against dev.
func NewBatch[A ~int64](dev File[A]) *Batch[A] {
	return &Batch[A]{dev: dev}
}

// Add queues a write. Once maxBatchDepth writes are pending, Add
// performs all of them before returning, so the queue never grows
// without bound.
func (b *Batch[A]) Add(off A, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.pending = append(b.pending, pendingWrite[A]{off: off, buf: buf})
	if len(b.pending) >= maxBatchDepth {
		return b.flushLocked()
	}
	return nil
}

// Submit flushes any remaining queued writes and reports the first error
// encountered, if any. After Submit returns successfully every Add'd write
// is durable.
func (b *Batch[A]) Submit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushLocked(); err != nil {
		return err
	}
	if s, ok := b.dev.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			b.err = fmt.Errorf("batch sync: %w", err)
			return b.err
		}
	}
	return nil
}

func (b *Batch[A]) flushLocked() error {
	for _, w := range b.pending {
		if _, err := b.dev.WriteAt(w.buf, w.off); err != nil {
			b.err = fmt.Errorf("batch write at %v: %w", w.off, err)
			b.pending = nil
			return b.err
		}
	}
	b.pending = b.pending[:0]
	return nil
}
