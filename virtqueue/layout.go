package virtqueue

import "fmt"

// LegacyAlignment is the used ring alignment of the legacy contiguous layout.
const LegacyAlignment = 4096

// RingAddresses holds the guest-physical addresses of the three parts of a
// split virtqueue.
type RingAddresses struct {
	DescriptorTable uint64
	AvailableRing   uint64
	UsedRing        uint64
}

// Layout describes where the parts of a split virtqueue live inside one
// contiguous block of memory. The descriptor table comes first, the available
// ring follows right after it and the used ring starts at the next multiple of
// the layout alignment.
type Layout struct {
	QueueSize int
	Alignment int

	DescriptorTableOffset int
	AvailableRingOffset   int
	UsedRingOffset        int
	// Size is the total number of bytes the queue occupies.
	Size int
}

// NewLayout computes the contiguous layout for the given queue size. The
// alignment must be a power of 2 no smaller than the used ring alignment.
func NewLayout(queueSize, alignment int) (Layout, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return Layout{}, err
	}
	if alignment < usedRingAlignment || alignment&(alignment-1) != 0 {
		return Layout{}, fmt.Errorf("invalid ring alignment %d", alignment)
	}

	l := Layout{QueueSize: queueSize, Alignment: alignment}
	l.AvailableRingOffset = align(l.DescriptorTableOffset+descriptorTableSize(queueSize), availableRingAlignment)
	l.UsedRingOffset = align(l.AvailableRingOffset+availableRingSize(queueSize), alignment)
	l.Size = l.UsedRingOffset + usedRingSize(queueSize)
	return l, nil
}

// DescriptorTableSize returns the size of the descriptor table in bytes.
func (l Layout) DescriptorTableSize() int {
	return descriptorTableSize(l.QueueSize)
}

// AvailableRingSize returns the size of the available ring in bytes,
// including the trailing used_event field.
func (l Layout) AvailableRingSize() int {
	return availableRingSize(l.QueueSize)
}

// UsedRingSize returns the size of the used ring in bytes, including the
// trailing avail_event field.
func (l Layout) UsedRingSize() int {
	return usedRingSize(l.QueueSize)
}

// Addresses returns the guest-physical ring addresses for a queue placed at
// base.
func (l Layout) Addresses(base uint64) RingAddresses {
	return RingAddresses{
		DescriptorTable: base + uint64(l.DescriptorTableOffset),
		AvailableRing:   base + uint64(l.AvailableRingOffset),
		UsedRing:        base + uint64(l.UsedRingOffset),
	}
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
