// Package net implements a virtio network device that loops every frame the
// guest transmits back into its receive queue.
package net

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

const (
	// ReceiveQueue carries frames from the device to the guest.
	ReceiveQueue = 0
	// TransmitQueue carries frames from the guest to the device.
	TransmitQueue = 1
)

// DefaultBacklog is the number of frames waiting for a receive buffer before
// new frames are dropped.
const DefaultBacklog = 256

var (
	// ErrNoFrame is returned when a receive buffer is handed to the device
	// while no frame is waiting.
	ErrNoFrame = errors.New("no frame waiting for a receive buffer")

	// ErrReceiveBufferTooSmall is returned when a receive buffer cannot hold
	// the next frame. The frame is dropped.
	ErrReceiveBufferTooSmall = errors.New("receive buffer is too small for the frame")

	// ErrShortFrame is returned when a transmitted chain does not carry a
	// complete virtio_net_hdr.
	ErrShortFrame = errors.New("transmitted chain is shorter than a virtio_net_hdr")
)

// Config describes a loopback [Device].
type Config struct {
	Name string
	// Backlog bounds the frames waiting for a receive buffer.
	Backlog int
}

type stats struct {
	txFrames     metrics.Counter
	rxFrames     metrics.Counter
	dropped      metrics.Counter
	decodeErrors metrics.Counter
	// offloaded counts frames asking for checksum or segmentation offload,
	// which is never offered.
	offloaded metrics.Counter
}

// Device is a loopback network device with one receive and one transmit
// queue.
type Device struct {
	l    *logrus.Logger
	name string

	lock    sync.Mutex
	backlog [][]byte
	limit   int
	wake    func()

	stats  stats
	layers sync.Map
}

func New(l *logrus.Logger, cfg Config) *Device {
	limit := cfg.Backlog
	if limit <= 0 {
		limit = DefaultBacklog
	}

	prefix := "vring." + cfg.Name + ".net."
	return &Device{
		l:     l,
		name:  cfg.Name,
		limit: limit,
		stats: stats{
			txFrames:     metrics.GetOrRegisterCounter(prefix+"tx_frames", nil),
			rxFrames:     metrics.GetOrRegisterCounter(prefix+"rx_frames", nil),
			dropped:      metrics.GetOrRegisterCounter(prefix+"dropped", nil),
			decodeErrors: metrics.GetOrRegisterCounter(prefix+"decode_errors", nil),
			offloaded:    metrics.GetOrRegisterCounter(prefix+"offloaded", nil),
		},
	}
}

// Queues returns the number of virtqueues of the device.
func (d *Device) Queues() int {
	return 2
}

// Features returns the feature bits the device offers. Version 1 fixes the
// header at [virtio.NetHdrSize] bytes.
func (d *Device) Features() virtio.Feature {
	return virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors | virtio.FeatureRingEventIndex
}

// QueueHandler returns the request handler of a queue.
func (d *Device) QueueHandler(index int) (*QueueHandler, error) {
	switch index {
	case ReceiveQueue, TransmitQueue:
		return &QueueHandler{d: d, index: index}, nil
	}
	return nil, fmt.Errorf("net device %s has no queue %d", d.name, index)
}

// Pending returns the number of frames waiting for a receive buffer.
func (d *Device) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.backlog)
}

// Close drops all waiting frames.
func (d *Device) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.backlog = nil
	return nil
}

func (d *Device) layerCounter(t gopacket.LayerType) metrics.Counter {
	if c, ok := d.layers.Load(t); ok {
		return c.(metrics.Counter)
	}
	c := metrics.GetOrRegisterCounter("vring."+d.name+".net.layer."+strings.ToLower(t.String()), nil)
	d.layers.Store(t, c)
	return c
}

// transmit decodes a frame sent by the guest and queues it for receive.
func (d *Device) transmit(req *virtqueue.Request) error {
	buf := make([]byte, req.ReadableLen())
	req.CopyOut(0, buf)

	var hdr virtio.NetHdr
	if err := hdr.Decode(buf); err != nil {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	frame := buf[virtio.NetHdrSize:]
	d.stats.txFrames.Inc(1)
	if hdr.Offloaded() {
		d.stats.offloaded.Inc(1)
	}

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	for _, layer := range packet.Layers() {
		d.layerCounter(layer.LayerType()).Inc(1)
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		d.stats.decodeErrors.Inc(1)
		if d.l.Level >= logrus.DebugLevel {
			d.l.WithError(errLayer.Error()).WithField("device", d.name).Debug("Failed to decode transmitted frame")
		}
	}

	d.lock.Lock()
	if len(d.backlog) >= d.limit {
		d.lock.Unlock()
		d.stats.dropped.Inc(1)
		return nil
	}
	d.backlog = append(d.backlog, frame)
	wake := d.wake
	d.lock.Unlock()

	if wake != nil {
		wake()
	}
	return nil
}

// receive fills one receive buffer with the oldest waiting frame.
func (d *Device) receive(req *virtqueue.Request) (uint32, error) {
	d.lock.Lock()
	if len(d.backlog) == 0 {
		d.lock.Unlock()
		return 0, ErrNoFrame
	}
	frame := d.backlog[0]
	d.backlog[0] = nil
	d.backlog = d.backlog[1:]
	d.lock.Unlock()

	if need := virtio.NetHdrSize + len(frame); req.WritableLen() < need {
		d.stats.dropped.Inc(1)
		return 0, fmt.Errorf("%w: %d < %d", ErrReceiveBufferTooSmall, req.WritableLen(), need)
	}

	var hdr [virtio.NetHdrSize]byte
	h := virtio.NetHdr{NumBuffers: 1}
	_ = h.Encode(hdr[:])

	n := req.CopyIn(0, hdr[:])
	n += req.CopyIn(n, frame)
	d.stats.rxFrames.Inc(1)
	return uint32(n), nil
}

// QueueHandler serves the requests of one queue of a [Device].
type QueueHandler struct {
	d     *Device
	index int
}

func (h *QueueHandler) HandleRequest(req *virtqueue.Request) (uint32, error) {
	if h.index == TransmitQueue {
		return 0, h.d.transmit(req)
	}
	return h.d.receive(req)
}

// Ready reports whether the queue has work for a buffer. Receive buffers are
// only consumed while frames are waiting.
func (h *QueueHandler) Ready() bool {
	if h.index == TransmitQueue {
		return true
	}
	return h.d.Pending() > 0
}

// SetWake registers the function called when a receive queue becomes ready.
// Only the receive queue is ever woken.
func (h *QueueHandler) SetWake(wake func()) {
	if h.index != ReceiveQueue {
		return
	}
	h.d.lock.Lock()
	h.d.wake = wake
	h.d.lock.Unlock()
}
