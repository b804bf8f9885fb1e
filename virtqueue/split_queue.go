package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/vring/util/virtio"
)

// SplitQueue is the device side of a split virtqueue whose rings live in guest
// memory. The guest writes the descriptor table and the available ring, the
// device only ever writes the used ring.
//
// All methods except [SplitQueue.State] must be called from the single
// goroutine that owns the queue.
type SplitQueue struct {
	translator Translator
	state      atomic.Uint32

	// size is the number of entries of each ring.
	size      int
	features  virtio.Feature
	addresses RingAddresses

	descriptorTable []byte
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// lastAvailIndex is the available ring index of the next chain to pop.
	lastAvailIndex uint16
	// lastUsedIndex is the used ring index of the next element to push.
	lastUsedIndex uint16

	// signalledUsed is the used index at the time of the last interrupt
	// decision under event index. It is only meaningful while
	// signalledUsedValid is set.
	signalledUsed      uint16
	signalledUsedValid bool

	// usedFlags mirrors the flags this side published in the used ring. The
	// used ring itself is never read back.
	usedFlags UsedRingFlag

	barrier atomic.Uint32
}

// NewSplitQueue creates an unconfigured queue that resolves guest memory
// through the given translator.
func NewSplitQueue(t Translator) *SplitQueue {
	return &SplitQueue{translator: t}
}

// Setup maps a queue that uses the legacy contiguous layout starting at the
// guest-physical base address. On failure the queue is left broken.
func (q *SplitQueue) Setup(queueSize int, base uint64, features virtio.Feature) error {
	layout, err := NewLayout(queueSize, LegacyAlignment)
	if err != nil {
		return q.failSetup(err)
	}
	return q.SetupAddresses(queueSize, layout.Addresses(base), features)
}

// SetupAddresses maps a queue whose three parts live at the given
// guest-physical addresses. On failure the queue is left broken.
func (q *SplitQueue) SetupAddresses(queueSize int, addrs RingAddresses, features virtio.Feature) error {
	if err := CheckQueueSize(queueSize); err != nil {
		return q.failSetup(err)
	}

	descriptorTable, err := q.mapRegion("descriptor table", addrs.DescriptorTable,
		descriptorTableSize(queueSize), descriptorTableAlignment, 1, false)
	if err != nil {
		return q.failSetup(err)
	}
	availableMem, err := q.mapRegion("available ring", addrs.AvailableRing,
		availableRingSize(queueSize), availableRingAlignment, availableRingAlignment, false)
	if err != nil {
		return q.failSetup(err)
	}
	usedMem, err := q.mapRegion("used ring", addrs.UsedRing,
		usedRingSize(queueSize), usedRingAlignment, usedRingAlignment, true)
	if err != nil {
		return q.failSetup(err)
	}

	q.size = queueSize
	q.features = features
	q.addresses = addrs
	q.descriptorTable = descriptorTable
	q.availableRing = NewAvailableRing(queueSize, availableMem)
	q.usedRing = NewUsedRing(queueSize, usedMem)
	q.lastAvailIndex = 0
	q.lastUsedIndex = 0
	q.signalledUsed = 0
	q.signalledUsedValid = false
	q.usedFlags = 0
	q.usedRing.SetFlags(q.usedFlags)

	q.state.Store(uint32(StateReady))
	return nil
}

// mapRegion translates one part of the queue and checks its alignment. The
// rings are accessed through typed pointers, so their host memory must be
// aligned as well. Descriptors are decoded byte by byte.
func (q *SplitQueue) mapRegion(name string, addr uint64, size int, alignment uint64, hostAlignment uintptr, writable bool) ([]byte, error) {
	if addr%alignment != 0 {
		return nil, fmt.Errorf("%s address %#x is not aligned to %d bytes", name, addr, alignment)
	}
	mem, err := q.translator.Translate(addr, uint32(size), writable)
	if err != nil {
		return nil, fmt.Errorf("map %s at %#x: %w", name, addr, err)
	}
	if len(mem) != size {
		return nil, fmt.Errorf("map %s at %#x: got %d bytes, want %d", name, addr, len(mem), size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%hostAlignment != 0 {
		return nil, fmt.Errorf("%s is not aligned to %d bytes in host memory", name, hostAlignment)
	}
	return mem, nil
}

// Teardown drops every reference into guest memory and returns the queue to
// [StateUnconfigured]. Spans of requests that were popped but not pushed must
// not be used afterwards.
func (q *SplitQueue) Teardown() {
	q.release()
	q.state.Store(uint32(StateUnconfigured))
}

func (q *SplitQueue) release() {
	q.descriptorTable = nil
	q.availableRing = nil
	q.usedRing = nil
	q.size = 0
	q.features = 0
	q.addresses = RingAddresses{}
}

// State returns the current lifecycle state. It is safe to call from any
// goroutine.
func (q *SplitQueue) State() State {
	return State(q.state.Load())
}

// Size returns the size of this queue, which is the number of entries/buffers
// this queue can hold. It is zero while the queue is not set up.
func (q *SplitQueue) Size() int {
	return q.size
}

// Features returns the feature bits the queue was set up with.
func (q *SplitQueue) Features() virtio.Feature {
	return q.features
}

// Addresses returns the guest-physical addresses of the mapped rings.
func (q *SplitQueue) Addresses() RingAddresses {
	return q.addresses
}

// LastAvailIndex returns the available ring index of the next chain to pop.
func (q *SplitQueue) LastAvailIndex() uint16 {
	return q.lastAvailIndex
}

// LastUsedIndex returns the used ring index of the next element to push.
func (q *SplitQueue) LastUsedIndex() uint16 {
	return q.lastUsedIndex
}

func (q *SplitQueue) eventIndex() bool {
	return q.features.Has(virtio.FeatureRingEventIndex)
}

// memoryBarrier is a full memory barrier. Go has no standalone fence, but an
// atomic read-modify-write is a locked instruction on amd64 and the compiler
// never moves memory accesses across it.
func (q *SplitQueue) memoryBarrier() {
	q.barrier.Add(1)
}
