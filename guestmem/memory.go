package guestmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

var (
	// ErrUnmapped is returned when a guest-physical range is not fully covered
	// by one region.
	ErrUnmapped = errors.New("guest memory range is not mapped")

	// ErrReadOnly is returned when a read-only region is translated for
	// writing.
	ErrReadOnly = errors.New("guest memory range is read-only")

	// ErrOverlap is returned when a new region overlaps an existing one.
	ErrOverlap = errors.New("guest memory region overlaps an existing region")
)

// Memory is a table of guest memory regions. It implements
// virtqueue.Translator and is safe for concurrent use.
type Memory struct {
	lock    sync.RWMutex
	regions *btree.BTreeG[*Region]

	// generation changes every time a region is added or removed. Host
	// slices handed out under an older generation may be stale.
	generation atomic.Uint64
}

func regionLess(a, b *Region) bool {
	return a.GuestPhysicalAddress < b.GuestPhysicalAddress
}

// New creates an empty guest memory.
func New() *Memory {
	return &Memory{
		regions: btree.NewG[*Region](8, regionLess),
	}
}

// MapAnonymous backs a new region with a shared anonymous mapping of the
// given size.
func (m *Memory) MapAnonymous(gpa, size uint64, readOnly bool) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("region at %#x has no size", gpa)
	}

	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map guest memory at %#x: %w", gpa, err)
	}

	r := &Region{GuestPhysicalAddress: gpa, Size: size, ReadOnly: readOnly, mem: buf, mapped: true}
	if err := m.insert(r); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return r, nil
}

// AddBuffer adds a region backed by the given buffer. The caller keeps
// ownership of the buffer.
func (m *Memory) AddBuffer(gpa uint64, buf []byte, readOnly bool) (*Region, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("region at %#x has no size", gpa)
	}
	r := &Region{GuestPhysicalAddress: gpa, Size: uint64(len(buf)), ReadOnly: readOnly, mem: buf}
	if err := m.insert(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Memory) insert(r *Region) error {
	if r.end() < r.GuestPhysicalAddress {
		return fmt.Errorf("region at %#x with size %d wraps the address space", r.GuestPhysicalAddress, r.Size)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	var conflict *Region
	// The closest region below and the closest region above are the only
	// candidates for an overlap.
	m.regions.DescendLessOrEqual(r, func(other *Region) bool {
		if other.end() > r.GuestPhysicalAddress {
			conflict = other
		}
		return false
	})
	m.regions.AscendGreaterOrEqual(r, func(other *Region) bool {
		if other.GuestPhysicalAddress < r.end() {
			conflict = other
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: %#x-%#x collides with %#x-%#x", ErrOverlap,
			r.GuestPhysicalAddress, r.end(), conflict.GuestPhysicalAddress, conflict.end())
	}

	m.regions.ReplaceOrInsert(r)
	m.generation.Add(1)
	return nil
}

// RemoveRegion removes the region starting at gpa and releases its mapping.
// Every slice translated from it becomes invalid.
func (m *Memory) RemoveRegion(gpa uint64) error {
	m.lock.Lock()
	r, ok := m.regions.Delete(&Region{GuestPhysicalAddress: gpa})
	if ok {
		m.generation.Add(1)
	}
	m.lock.Unlock()

	if !ok {
		return fmt.Errorf("%w: no region starts at %#x", ErrUnmapped, gpa)
	}
	return r.release()
}

func (r *Region) release() error {
	if !r.mapped {
		return nil
	}
	r.mapped = false
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("unmap guest memory at %#x: %w", r.GuestPhysicalAddress, err)
	}
	return nil
}

// lookup returns the region that covers [addr, addr+length).
func (m *Memory) lookup(addr, length uint64) (*Region, error) {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{GuestPhysicalAddress: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.contains(addr, length) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, length)
	}
	return found, nil
}

// Translate returns the host memory backing [addr, addr+length). The range
// must lie within a single region and writable translations of read-only
// regions fail.
func (m *Memory) Translate(addr uint64, length uint32, writable bool) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	r, err := m.lookup(addr, uint64(length))
	if err != nil {
		return nil, err
	}
	if writable && r.ReadOnly {
		return nil, fmt.Errorf("%w: %#x+%d", ErrReadOnly, addr, length)
	}

	offset := addr - r.GuestPhysicalAddress
	end := offset + uint64(length)
	return r.mem[offset:end:end], nil
}

// ReadAt copies guest memory starting at the guest-physical address off into
// p. Read-only regions can be read.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrUnmapped)
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	r, err := m.lookup(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[uint64(off)-r.GuestPhysicalAddress:]), nil
}

// WriteAt copies p into guest memory starting at the guest-physical address
// off. This is the guest's view, so read-only regions can be written.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrUnmapped)
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	r, err := m.lookup(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[uint64(off)-r.GuestPhysicalAddress:], p), nil
}

// Layout lists all regions ordered by guest-physical address.
func (m *Memory) Layout() MemoryLayout {
	m.lock.RLock()
	defer m.lock.RUnlock()

	layout := make(MemoryLayout, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		layout = append(layout, r.describe())
		return true
	})
	return layout
}

// Generation returns a counter that changes whenever the region table
// changes.
func (m *Memory) Generation() uint64 {
	return m.generation.Load()
}

// Close removes all regions and releases their mappings.
func (m *Memory) Close() error {
	m.lock.Lock()
	var regions []*Region
	m.regions.Ascend(func(r *Region) bool {
		regions = append(regions, r)
		return true
	})
	m.regions.Clear(false)
	m.generation.Add(1)
	m.lock.Unlock()

	var errs []error
	for _, r := range regions {
		if err := r.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
