package virtqueue

import (
	"encoding/binary"
	"errors"
)

// DescriptorFlag is a flag that describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagNext marks a descriptor chain as continuing via the next
	// field.
	DescriptorFlagNext DescriptorFlag = 1 << iota
	// DescriptorFlagWrite marks a buffer as device write-only (otherwise
	// device read-only).
	DescriptorFlagWrite
	// DescriptorFlagIndirect means the buffer contains a table of further
	// descriptors.
	DescriptorFlagIndirect
)

// DescriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const DescriptorSize = 16

// MaxIndirectDescriptors is the largest number of entries an indirect table
// may declare. Entries are linked through a 16-bit next field.
const MaxIndirectDescriptors = 1 << 16

// descriptorTableSize is the number of bytes needed to store the descriptor
// table with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return DescriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of the descriptor table
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// ErrDescriptorBufferTooSmall is returned when a buffer is too small to fit a
// descriptor.
var ErrDescriptorBufferTooSmall = errors.New("the buffer is too small to fit a descriptor")

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [DescriptorFlagWrite]).
// Multiple descriptors can be chained to produce a descriptor chain that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
type Descriptor struct {
	// Address is the guest-physical address of the buffer.
	Address uint64
	// Length is the amount of bytes stored at Address.
	Length uint32
	// Flags that describe this descriptor.
	Flags DescriptorFlag
	// Next contains the index of the next descriptor continuing this chain
	// when the [DescriptorFlagNext] flag is set.
	Next uint16
}

// Decode decodes the [Descriptor] from the given byte slice. The slice must
// contain at least [DescriptorSize] bytes.
func (d *Descriptor) Decode(data []byte) error {
	if len(data) < DescriptorSize {
		return ErrDescriptorBufferTooSmall
	}
	d.Address = binary.LittleEndian.Uint64(data[0:8])
	d.Length = binary.LittleEndian.Uint32(data[8:12])
	d.Flags = DescriptorFlag(binary.LittleEndian.Uint16(data[12:14]))
	d.Next = binary.LittleEndian.Uint16(data[14:16])
	return nil
}

// Encode encodes the [Descriptor] into the given byte slice. The slice must
// have room for at least [DescriptorSize] bytes.
func (d *Descriptor) Encode(data []byte) error {
	if len(data) < DescriptorSize {
		return ErrDescriptorBufferTooSmall
	}
	binary.LittleEndian.PutUint64(data[0:8], d.Address)
	binary.LittleEndian.PutUint32(data[8:12], d.Length)
	binary.LittleEndian.PutUint16(data[12:14], uint16(d.Flags))
	binary.LittleEndian.PutUint16(data[14:16], d.Next)
	return nil
}

func (d *Descriptor) hasFlag(f DescriptorFlag) bool {
	return d.Flags&f != 0
}
