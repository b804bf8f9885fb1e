package guest

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when the allocator has no room left.
var ErrOutOfMemory = errors.New("out of guest memory")

// Allocator hands out guest-physical address ranges from a fixed window. It
// never frees.
type Allocator struct {
	next uint64
	end  uint64
}

// NewAllocator creates an allocator for [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{next: base, end: base + size}
}

// Alloc reserves size bytes aligned to alignment, which must be a power of 2.
func (a *Allocator) Alloc(size, alignment uint64) (uint64, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("invalid alignment %d", alignment)
	}
	start := (a.next + alignment - 1) &^ (alignment - 1)
	if start < a.next || start+size < start || start+size > a.end {
		return 0, fmt.Errorf("%w: %d bytes requested, %d left", ErrOutOfMemory, size, a.Remaining())
	}
	a.next = start + size
	return start, nil
}

// Remaining returns the number of bytes not handed out yet.
func (a *Allocator) Remaining() uint64 {
	if a.next >= a.end {
		return 0
	}
	return a.end - a.next
}
