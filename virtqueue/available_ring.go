package virtqueue

import (
	"fmt"
	"unsafe"
)

// AvailableRingFlag is a flag that describes an [AvailableRing].
type AvailableRingFlag uint16

const (
	// AvailableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	AvailableRingFlagNoInterrupt AvailableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is only written
// to by the driver and read by the device.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas. Each
// 16-bit field is read and written as one aligned word.
type AvailableRing struct {
	// flags that describe this ring.
	flags *AvailableRingFlag
	// ringIndex indicates where the driver would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring references buffers using the index of the head of the descriptor
	// chain in the descriptor table. It wraps around at queue size.
	ring []uint16
	// usedEvent is the used ring index at which the driver wants the next
	// interrupt when [virtio.FeatureRingEventIndex] was negotiated.
	usedEvent *uint16
}

// NewAvailableRing creates an available ring view over the given memory. The
// length of the memory slice must match the size needed for the ring with the
// given queue size and it must be at least 2-byte aligned.
func NewAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		flags:     (*AvailableRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex: (*uint16)(unsafe.Pointer(&mem[2])),
		ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Flags returns the flags currently published by the driver.
func (r *AvailableRing) Flags() AvailableRingFlag {
	return *r.flags
}

// SetFlags replaces the ring flags.
func (r *AvailableRing) SetFlags(flags AvailableRingFlag) {
	*r.flags = flags
}

// Index returns the free running index of the next entry the driver will
// write.
func (r *AvailableRing) Index() uint16 {
	return *r.ringIndex
}

// SetIndex publishes a new ring index.
func (r *AvailableRing) SetIndex(index uint16) {
	*r.ringIndex = index
}

// Head returns the descriptor chain head stored at the given free running
// ring index.
func (r *AvailableRing) Head(index uint16) uint16 {
	return r.ring[int(index)%len(r.ring)]
}

// SetHead stores a descriptor chain head at the given free running ring index.
func (r *AvailableRing) SetHead(index, head uint16) {
	r.ring[int(index)%len(r.ring)] = head
}

// UsedEvent returns the used_event field that trails the ring.
func (r *AvailableRing) UsedEvent() uint16 {
	return *r.usedEvent
}

// SetUsedEvent updates the used_event field.
func (r *AvailableRing) SetUsedEvent(index uint16) {
	*r.usedEvent = index
}
