package virtio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// NetHdrSize is the size of the header in front of every frame once
// [FeatureVersion1] is negotiated. Legacy drivers without merged receive
// buffers leave out NumBuffers.
const NetHdrSize = 12

// ErrNetHdrBufferTooSmall is returned when a buffer can not hold a [NetHdr].
var ErrNetHdrBufferTooSmall = errors.New("buffer is too small for a virtio_net_hdr")

// NetHdr is the virtio_net_hdr that precedes frames on both network queues.
// All fields are little endian on the wire.
type NetHdr struct {
	// Flags holds unix.VIRTIO_NET_HDR_F_* bits.
	Flags uint8
	// GSOType holds one of unix.VIRTIO_NET_HDR_GSO_*.
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	// NumBuffers is set by the device on received frames.
	NumBuffers uint16
}

// Offloaded reports whether the frame still needs a checksum or segmentation
// done by the receiver.
func (h *NetHdr) Offloaded() bool {
	return h.Flags&unix.VIRTIO_NET_HDR_F_NEEDS_CSUM != 0 || h.GSOType != unix.VIRTIO_NET_HDR_GSO_NONE
}

// Decode reads h from the first [NetHdrSize] bytes of data.
func (h *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	h.Flags = data[0]
	h.GSOType = data[1]
	h.HdrLen = binary.LittleEndian.Uint16(data[2:])
	h.GSOSize = binary.LittleEndian.Uint16(data[4:])
	h.CsumStart = binary.LittleEndian.Uint16(data[6:])
	h.CsumOffset = binary.LittleEndian.Uint16(data[8:])
	h.NumBuffers = binary.LittleEndian.Uint16(data[10:])
	return nil
}

// Encode writes h into the first [NetHdrSize] bytes of data.
func (h *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	data[0] = h.Flags
	data[1] = h.GSOType
	binary.LittleEndian.PutUint16(data[2:], h.HdrLen)
	binary.LittleEndian.PutUint16(data[4:], h.GSOSize)
	binary.LittleEndian.PutUint16(data[6:], h.CsumStart)
	binary.LittleEndian.PutUint16(data[8:], h.CsumOffset)
	binary.LittleEndian.PutUint16(data[10:], h.NumBuffers)
	return nil
}
