package virtqueue

import (
	"fmt"
	"unsafe"
)

// UsedRingFlag is a flag that describes a [UsedRing].
type UsedRingFlag uint16

const (
	// UsedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	UsedRingFlagNoNotify UsedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver.
//
// Like the [AvailableRing], this struct only contains pointers into the
// memory backing the ring.
type UsedRing struct {
	// flags that describe this ring.
	flags *UsedRingFlag
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is the available ring index at which the device wants
	// the next kick when [virtio.FeatureRingEventIndex] was negotiated.
	availableEvent *uint16
}

// NewUsedRing creates a used ring view over the given memory. The length of
// the memory slice must match the size needed for the ring with the given
// queue size and it must be at least 4-byte aligned.
func NewUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		flags:          (*UsedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Flags returns the flags currently published by the device.
func (r *UsedRing) Flags() UsedRingFlag {
	return *r.flags
}

// SetFlags replaces the ring flags.
func (r *UsedRing) SetFlags(flags UsedRingFlag) {
	*r.flags = flags
}

// Index returns the free running index of the next entry the device will
// write.
func (r *UsedRing) Index() uint16 {
	return *r.ringIndex
}

// SetIndex publishes a new ring index.
func (r *UsedRing) SetIndex(index uint16) {
	*r.ringIndex = index
}

// Element returns the element stored at the given free running ring index.
func (r *UsedRing) Element(index uint16) UsedElement {
	return r.ring[int(index)%len(r.ring)]
}

// SetElement stores an element at the given free running ring index.
func (r *UsedRing) SetElement(index uint16, e UsedElement) {
	r.ring[int(index)%len(r.ring)] = e
}

// AvailableEvent returns the avail_event field that trails the ring.
func (r *UsedRing) AvailableEvent() uint16 {
	return *r.availableEvent
}

// SetAvailableEvent updates the avail_event field.
func (r *UsedRing) SetAvailableEvent(index uint16) {
	*r.availableEvent = index
}
