package guest

import (
	"errors"
	"fmt"
	"math"

	"github.com/slackhq/vring/virtqueue"
)

var (
	// ErrDescriptorChainEmpty is returned for a request without buffers.
	ErrDescriptorChainEmpty = errors.New("request has no buffers")

	// ErrNotEnoughFreeDescriptors is returned when a request needs more
	// descriptors than are free.
	ErrNotEnoughFreeDescriptors = errors.New("queue is full")

	// ErrInvalidDescriptorChain is returned when a head does not start a chain
	// that is in use.
	ErrInvalidDescriptorChain = errors.New("not an in-use descriptor chain")
)

// noFreeHead marks an empty free list. No queue is large enough to have it as
// an index.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTable is the driver's copy of the descriptor table. Every change
// is written through to guest memory, the device never writes the table.
type descriptorTable struct {
	mem         []byte
	descriptors []virtqueue.Descriptor
	// buffers holds the guest-physical address of the data buffer that
	// belongs to each descriptor.
	buffers  []uint64
	itemSize int

	// Unused descriptors form a ring linked through Next. freeHeadIndex is
	// its anchor, or noFreeHead when everything is in use.
	freeHeadIndex uint16
	freeNum       uint16
}

func newDescriptorTable(mem []byte, buffers []uint64, itemSize int) *descriptorTable {
	dt := &descriptorTable{
		mem:         mem,
		descriptors: make([]virtqueue.Descriptor, len(buffers)),
		buffers:     buffers,
		itemSize:    itemSize,
	}
	dt.initialize()
	return dt
}

// initialize marks all descriptors as free. They form a free chain that loops
// around.
func (dt *descriptorTable) initialize() {
	for i := range dt.descriptors {
		dt.descriptors[i] = virtqueue.Descriptor{
			Address: dt.buffers[i],
			Flags:   virtqueue.DescriptorFlagNext,
			Next:    uint16((i + 1) % len(dt.descriptors)),
		}
		dt.store(uint16(i))
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))
}

func (dt *descriptorTable) store(index uint16) {
	_ = dt.descriptors[index].Encode(dt.mem[int(index)*virtqueue.DescriptorSize:])
}

// createChain takes len(lengths) descriptors from the free chain and links
// them into a chain. Descriptors from writableFrom on are device-writable.
func (dt *descriptorTable) createChain(lengths []int, writableFrom int) (uint16, error) {
	n := len(lengths)
	if n == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if n > int(dt.freeNum) {
		return 0, ErrNotEnoughFreeDescriptors
	}

	// Take descriptors following the anchor so only the anchor's Next needs
	// fixing up. The anchor itself goes last.
	head := dt.descriptors[dt.freeHeadIndex].Next
	next, last := head, head
	for i, length := range lengths {
		index := next
		last = index
		desc := &dt.descriptors[index]
		next = desc.Next

		desc.Address = dt.buffers[index]
		desc.Length = uint32(length)
		desc.Flags = 0
		if i >= writableFrom {
			desc.Flags |= virtqueue.DescriptorFlagWrite
		}
		if i < n-1 {
			desc.Flags |= virtqueue.DescriptorFlagNext
		} else {
			desc.Next = 0
		}
		dt.store(index)
	}

	dt.freeNum -= uint16(n)
	if dt.freeNum == 0 {
		if last != dt.freeHeadIndex {
			panic("free list corrupted: anchor was not the last free descriptor")
		}
		dt.freeHeadIndex = noFreeHead
	} else {
		dt.descriptors[dt.freeHeadIndex].Next = next
		dt.store(dt.freeHeadIndex)
	}

	return head, nil
}

// chain returns the indexes of the chain that starts at head.
func (dt *descriptorTable) chain(head uint16) ([]uint16, error) {
	if int(head) >= len(dt.descriptors) {
		return nil, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	var out []uint16
	next := head
	for range len(dt.descriptors) {
		if next == dt.freeHeadIndex {
			return nil, fmt.Errorf("%w: reached the free list", ErrInvalidDescriptorChain)
		}
		out = append(out, next)
		desc := &dt.descriptors[next]
		if desc.Flags&virtqueue.DescriptorFlagNext == 0 {
			return out, nil
		}
		next = desc.Next
	}
	return nil, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
}

// freeChain puts a chain back into the free chain.
func (dt *descriptorTable) freeChain(head uint16) error {
	indexes, err := dt.chain(head)
	if err != nil {
		return err
	}

	for _, index := range indexes {
		desc := &dt.descriptors[index]
		desc.Length = 0
		desc.Flags = virtqueue.DescriptorFlagNext
	}
	tail := indexes[len(indexes)-1]

	if dt.freeHeadIndex == noFreeHead {
		// The chain becomes the whole free list.
		dt.descriptors[tail].Next = head
		dt.freeHeadIndex = head
	} else {
		// Splice it in right after the anchor.
		freeHead := &dt.descriptors[dt.freeHeadIndex]
		dt.descriptors[tail].Next = freeHead.Next
		freeHead.Next = head
		dt.store(dt.freeHeadIndex)
	}
	for _, index := range indexes {
		dt.store(index)
	}

	dt.freeNum += uint16(len(indexes))
	return nil
}
