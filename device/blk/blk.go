// Package blk implements a virtio block device backed by a regular file or a
// block device node.
package blk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sys/unix"
)

// SectorSize is the unit of the sector field of a request.
const SectorSize = 512

// IDLength is the size of the serial returned for [RequestTypeGetID].
const IDLength = 20

// headerSize is the size of the request header the driver puts in front of
// every request.
const headerSize = 16

// RequestType is the type field of a request header.
type RequestType uint32

const (
	RequestTypeIn    RequestType = 0
	RequestTypeOut   RequestType = 1
	RequestTypeFlush RequestType = 4
	RequestTypeGetID RequestType = 8
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeIn:
		return "in"
	case RequestTypeOut:
		return "out"
	case RequestTypeFlush:
		return "flush"
	case RequestTypeGetID:
		return "get_id"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Status is the single byte the device writes at the very end of a request.
type Status uint8

const (
	StatusOK          Status = 0
	StatusIOError     Status = 1
	StatusUnsupported Status = 2
)

var (
	// ErrMalformedRequest is returned when a chain is too short to carry a
	// header and a status byte.
	ErrMalformedRequest = errors.New("malformed block request")
)

// Config describes the backing file of a [Device].
type Config struct {
	Name     string
	Path     string
	ReadOnly bool
	// Serial is returned for get_id requests, truncated to [IDLength] bytes.
	Serial string
}

type stats struct {
	readBytes  metrics.Counter
	writeBytes metrics.Counter
	flushes    metrics.Counter
	ioErrors   metrics.Counter
}

// Device serves block requests against a file. HandleRequest may be called
// from one goroutine at a time.
type Device struct {
	l        *logrus.Logger
	file     *os.File
	readOnly bool
	serial   [IDLength]byte
	sectors  uint64
	stats    stats
}

// Open opens the backing file of a block device.
func Open(l *logrus.Logger, cfg Config) (*Device, error) {
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(cfg.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open block device %s: %w", cfg.Path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("determine size of %s: %w", cfg.Path, err)
	}

	d := &Device{
		l:        l,
		file:     f,
		readOnly: cfg.ReadOnly,
		sectors:  uint64(size) / SectorSize,
		stats: stats{
			readBytes:  metrics.GetOrRegisterCounter("vring."+cfg.Name+".blk.read_bytes", nil),
			writeBytes: metrics.GetOrRegisterCounter("vring."+cfg.Name+".blk.write_bytes", nil),
			flushes:    metrics.GetOrRegisterCounter("vring."+cfg.Name+".blk.flushes", nil),
			ioErrors:   metrics.GetOrRegisterCounter("vring."+cfg.Name+".blk.io_errors", nil),
		},
	}
	copy(d.serial[:], cfg.Serial)

	l.WithField("device", cfg.Name).
		WithField("path", cfg.Path).
		WithField("size", humanize.IBytes(uint64(size))).
		WithField("readOnly", cfg.ReadOnly).
		Info("Block device opened")

	return d, nil
}

// Queues returns the number of virtqueues of the device.
func (d *Device) Queues() int {
	return 1
}

// Features returns the feature bits the device offers.
func (d *Device) Features() virtio.Feature {
	f := virtio.FeatureIndirectDescriptors | virtio.FeatureRingEventIndex | virtio.FeatureBlkFlush
	if d.readOnly {
		f |= virtio.FeatureBlkReadOnly
	}
	return f
}

// Capacity returns the size of the device in sectors.
func (d *Device) Capacity() uint64 {
	return d.sectors
}

// HandleRequest serves one request and returns the number of bytes written to
// the guest, including the status byte.
func (d *Device) HandleRequest(req *virtqueue.Request) (uint32, error) {
	var hdr [headerSize]byte
	if req.CopyOut(0, hdr[:]) < headerSize {
		return 0, fmt.Errorf("%w: %d readable bytes", ErrMalformedRequest, req.ReadableLen())
	}
	writable := req.WritableLen()
	if writable < 1 {
		return 0, fmt.Errorf("%w: no room for the status byte", ErrMalformedRequest)
	}

	typ := RequestType(binary.LittleEndian.Uint32(hdr[0:4]))
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	// Data follows the header on the way out and precedes the status byte on
	// the way in.
	in := virtqueue.SubSpans(req.Writable(), 0, writable-1)
	out := virtqueue.SubSpans(req.Readable(), headerSize, req.ReadableLen()-headerSize)

	var (
		status  Status
		written int
	)
	switch typ {
	case RequestTypeIn:
		written, status = d.read(sector, in, writable-1)
	case RequestTypeOut:
		status = d.write(sector, out, req.ReadableLen()-headerSize)
	case RequestTypeFlush:
		status = d.flush()
	case RequestTypeGetID:
		written = req.CopyIn(0, d.serial[:min(IDLength, writable-1)])
	default:
		status = StatusUnsupported
	}

	if status == StatusIOError {
		d.stats.ioErrors.Inc(1)
	}
	if d.l.Level >= logrus.DebugLevel {
		d.l.WithField("type", typ).
			WithField("sector", sector).
			WithField("head", req.Head).
			WithField("status", status).
			Debug("Block request")
	}

	req.CopyIn(writable-1, []byte{byte(status)})
	return uint32(written) + 1, nil
}

func (d *Device) inRange(sector uint64, length int) bool {
	if length%SectorSize != 0 {
		return false
	}
	return sector <= d.sectors && uint64(length/SectorSize) <= d.sectors-sector
}

func (d *Device) read(sector uint64, spans [][]byte, length int) (int, Status) {
	if !d.inRange(sector, length) {
		return 0, StatusIOError
	}
	if length == 0 {
		return 0, StatusOK
	}

	n, err := unix.Preadv(int(d.file.Fd()), spans, int64(sector*SectorSize))
	if err != nil || n != length {
		d.l.WithError(err).WithField("sector", sector).WithField("read", n).Warn("Block read failed")
		return 0, StatusIOError
	}
	d.stats.readBytes.Inc(int64(n))
	return n, StatusOK
}

func (d *Device) write(sector uint64, spans [][]byte, length int) Status {
	if d.readOnly || !d.inRange(sector, length) {
		return StatusIOError
	}
	if length == 0 {
		return StatusOK
	}

	n, err := unix.Pwritev(int(d.file.Fd()), spans, int64(sector*SectorSize))
	if err != nil || n != length {
		d.l.WithError(err).WithField("sector", sector).WithField("written", n).Warn("Block write failed")
		return StatusIOError
	}
	d.stats.writeBytes.Inc(int64(n))
	return StatusOK
}

func (d *Device) flush() Status {
	d.stats.flushes.Inc(1)
	if d.readOnly {
		return StatusOK
	}
	if err := d.file.Sync(); err != nil {
		d.l.WithError(err).Warn("Block flush failed")
		return StatusIOError
	}
	return StatusOK
}

// Close closes the backing file.
func (d *Device) Close() error {
	return d.file.Close()
}
