package guestmem

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/dustin/go-humanize"
)

// Region is a contiguous range of guest-physical memory backed by host
// memory.
type Region struct {
	// GuestPhysicalAddress is where the region starts in guest-physical
	// address space.
	GuestPhysicalAddress uint64
	// Size is the size of the region in bytes.
	Size uint64
	// ReadOnly regions can not be translated for device writes.
	ReadOnly bool

	mem []byte
	// mapped is set when mem came from an anonymous mapping that must be
	// released again.
	mapped bool
}

func (r *Region) end() uint64 {
	return r.GuestPhysicalAddress + r.Size
}

// contains reports whether [addr, addr+length) lies inside the region without
// overflowing.
func (r *Region) contains(addr, length uint64) bool {
	if addr < r.GuestPhysicalAddress {
		return false
	}
	offset := addr - r.GuestPhysicalAddress
	return offset <= r.Size && length <= r.Size-offset
}

// Bytes returns the host memory backing the region.
func (r *Region) Bytes() []byte {
	return r.mem
}

// MemoryRegion describes where a region of guest memory lives in the
// userspace of the host.
type MemoryRegion struct {
	// GuestPhysicalAddress is the physical address of the memory region within
	// the guest.
	GuestPhysicalAddress uint64
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uintptr
	ReadOnly         bool
}

// MemoryLayout is a list of [MemoryRegion]s ordered by guest-physical
// address.
type MemoryLayout []MemoryRegion

// TotalSize returns the number of bytes all regions cover.
func (l MemoryLayout) TotalSize() uint64 {
	var total uint64
	for _, r := range l {
		total += r.Size
	}
	return total
}

func (l MemoryLayout) String() string {
	parts := make([]string, 0, len(l))
	for _, r := range l {
		mode := "rw"
		if r.ReadOnly {
			mode = "ro"
		}
		parts = append(parts, fmt.Sprintf("%#x-%#x(%s,%s)",
			r.GuestPhysicalAddress, r.GuestPhysicalAddress+r.Size,
			humanize.IBytes(r.Size), mode))
	}
	return strings.Join(parts, " ")
}

func (r *Region) describe() MemoryRegion {
	var addr uintptr
	if len(r.mem) > 0 {
		addr = uintptr(unsafe.Pointer(&r.mem[0]))
	}
	return MemoryRegion{
		GuestPhysicalAddress: r.GuestPhysicalAddress,
		Size:                 r.Size,
		UserspaceAddress:     addr,
		ReadOnly:             r.ReadOnly,
	}
}
