package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Allocator: byte-buffer allocation hook
// ---------------------------------------------------------------------------

// Allocator is the allocation hook embedders can install to instrument or
// replace the runtime's buffer traffic. Serializer buffers and program
// bytecode blobs are obtained through it.
type Allocator interface {
	Alloc(size int) []byte
	Realloc(buf []byte, size int) []byte
	Free(buf []byte)
}

// goAllocator allocates plain Go slices and leaves freeing to the Go runtime.
type goAllocator struct{}

func (goAllocator) Alloc(size int) []byte {
	return make([]byte, size)
}

func (goAllocator) Realloc(buf []byte, size int) []byte {
	if cap(buf) >= size {
		return buf[:size]
	}
	grown := make([]byte, size)
	copy(grown, buf)
	return grown
}

func (goAllocator) Free([]byte) {}

var (
	allocatorMu     sync.Mutex
	allocatorLocked bool
	processAlloc    Allocator = goAllocator{}
)

// SetDefaultAllocator installs the process-wide allocator. It may only be
// called before the first allocation; afterwards it fails with ErrNoWrite.
func SetDefaultAllocator(a Allocator) error {
	if a == nil {
		return fmt.Errorf("set allocator: %w", ErrInvalidArg)
	}
	allocatorMu.Lock()
	defer allocatorMu.Unlock()
	if allocatorLocked {
		return fmt.Errorf("set allocator: allocator already in use: %w", ErrNoWrite)
	}
	processAlloc = a
	allocatorLocked = true
	return nil
}

// DefaultAllocator returns the process-wide allocator and locks it in.
func DefaultAllocator() Allocator {
	allocatorMu.Lock()
	defer allocatorMu.Unlock()
	allocatorLocked = true
	return processAlloc
}

// ---------------------------------------------------------------------------
// TrackingAllocator: counts live allocations for leak checks
// ---------------------------------------------------------------------------

// TrackingAllocator wraps another allocator and counts outstanding buffers
// and bytes. Tests and embedders use it to assert that disposal released
// everything.
type TrackingAllocator struct {
	mu     sync.Mutex
	inner  Allocator
	live   int
	bytes  int
	allocs int
	frees  int
}

// NewTrackingAllocator wraps inner, or plain Go slices when inner is nil.
func NewTrackingAllocator(inner Allocator) *TrackingAllocator {
	if inner == nil {
		inner = goAllocator{}
	}
	return &TrackingAllocator{inner: inner}
}

func (t *TrackingAllocator) Alloc(size int) []byte {
	buf := t.inner.Alloc(size)
	t.mu.Lock()
	t.live++
	t.allocs++
	t.bytes += cap(buf)
	t.mu.Unlock()
	return buf
}

func (t *TrackingAllocator) Realloc(buf []byte, size int) []byte {
	if buf == nil {
		return t.Alloc(size)
	}
	before := cap(buf)
	grown := t.inner.Realloc(buf, size)
	t.mu.Lock()
	t.bytes += cap(grown) - before
	t.mu.Unlock()
	return grown
}

func (t *TrackingAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
	t.mu.Lock()
	t.live--
	t.frees++
	t.bytes -= cap(buf)
	t.mu.Unlock()
	t.inner.Free(buf)
}

// Live returns the number of buffers allocated and not yet freed.
func (t *TrackingAllocator) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// LiveBytes returns the capacity of all outstanding buffers.
func (t *TrackingAllocator) LiveBytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Counts returns the total number of allocations and frees.
func (t *TrackingAllocator) Counts() (allocs, frees int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs, t.frees
}
