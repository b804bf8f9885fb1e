package vring

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/device/blk"
	vnet "github.com/slackhq/vring/device/net"
	"github.com/slackhq/vring/guest"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util/virtio"
	"golang.org/x/sync/errgroup"
)

const (
	// simItemSize fits a sector and a full Ethernet frame with its header.
	simItemSize        = 2048
	simIndirectEntries = 4
)

var (
	simGuestMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x02}
	simHostMAC  = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
)

// ErrVerification is returned when the simulated guest reads back something
// other than what it expects.
var ErrVerification = errors.New("simulated guest failed to verify a response")

type simConfig struct {
	enabled  bool
	requests int
	timeout  time.Duration
	indirect bool
	features virtio.Feature
}

func parseSimConfig(c *config.C) (simConfig, error) {
	features, err := virtio.ParseFeatureNames(c.GetStringSlice("driver.features", []string{"indirect_desc", "event_idx", "version_1"}))
	if err != nil {
		return simConfig{}, fmt.Errorf("driver.features: %w", err)
	}

	sc := simConfig{
		enabled:  c.GetBool("sim.enabled", false),
		requests: c.GetInt("sim.requests", 64),
		timeout:  c.GetDuration("sim.timeout", 10*time.Second),
		indirect: c.GetBool("sim.indirect", true),
		features: features,
	}
	if sc.requests < 1 {
		return simConfig{}, fmt.Errorf("sim.requests must be positive, got %d", sc.requests)
	}
	return sc, nil
}

// SimulationReport sums up a simulator run.
type SimulationReport struct {
	Requests int
	Bytes    uint64
	Duration time.Duration
}

func (r SimulationReport) add(o SimulationReport) SimulationReport {
	r.Requests += o.Requests
	r.Bytes += o.Bytes
	return r
}

// simulator acts as the guest: it negotiates features, lays out the queues
// in guest memory and drives every device with a guest driver per queue.
type simulator struct {
	l     *logrus.Logger
	cfg   simConfig
	mem   *guestmem.Memory
	alloc *guest.Allocator
}

func newSimulator(l *logrus.Logger, cfg simConfig, mem *guestmem.Memory, alloc *guest.Allocator) *simulator {
	return &simulator{l: l, cfg: cfg, mem: mem, alloc: alloc}
}

// attach brings a device up the way a guest would and returns one driver
// per queue.
func (s *simulator) attach(d *Device) ([]*guest.Driver, error) {
	features, err := s.negotiate(d)
	if err != nil {
		return nil, err
	}

	entries := 0
	if s.cfg.indirect && features.Has(virtio.FeatureIndirectDescriptors) {
		entries = simIndirectEntries
	}

	drivers := make([]*guest.Driver, d.Queues())
	for i := range drivers {
		drv, err := guest.NewDriver(s.mem, s.alloc, guest.Config{
			QueueSize:       d.QueueSize(),
			ItemSize:        simItemSize,
			Features:        features,
			IndirectEntries: entries,
		})
		if err != nil {
			return nil, fmt.Errorf("queue %d: %w", i, err)
		}
		kick, call, err := d.Doorbells(i)
		if err != nil {
			return nil, err
		}
		if err := drv.Attach(kick, call); err != nil {
			return nil, err
		}
		drivers[i] = drv
	}

	return drivers, s.configure(d, drivers)
}

// reattach brings a device back up after a reset, reusing the rings of the
// existing drivers.
func (s *simulator) reattach(d *Device, drivers []*guest.Driver) error {
	features, err := s.negotiate(d)
	if err != nil {
		return err
	}
	for _, drv := range drivers {
		if drv.Features() != features {
			return fmt.Errorf("features changed across reset: %v != %v", drv.Features().Names(), features.Names())
		}
		drv.Reset()
	}
	return s.configure(d, drivers)
}

func (s *simulator) negotiate(d *Device) (virtio.Feature, error) {
	// Device specific bits are all accepted.
	return d.Negotiate(s.cfg.features | d.OfferedFeatures()&virtio.DeviceFeatures)
}

func (s *simulator) configure(d *Device, drivers []*guest.Driver) error {
	for i, drv := range drivers {
		if err := d.ConfigureQueue(i, drv.QueueSize(), drv.Base()); err != nil {
			return err
		}
	}
	return nil
}

// run drives every device concurrently.
func (s *simulator) run(ctx context.Context, devices []*Device, drivers map[string][]*guest.Driver) (SimulationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	start := time.Now()
	reports := make([]SimulationReport, len(devices))
	g, ctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		g.Go(func() error {
			var err error
			switch d.Type() {
			case "blk":
				reports[i], err = s.runBlk(ctx, drivers[d.Name()][0])
			case "net":
				reports[i], err = s.runNet(ctx, drivers[d.Name()])
			}
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	var total SimulationReport
	for _, r := range reports {
		total = total.add(r)
	}
	total.Duration = time.Since(start)

	if err != nil {
		return total, err
	}

	s.l.WithField("requests", total.Requests).
		WithField("bytes", humanize.IBytes(total.Bytes)).
		WithField("duration", total.Duration).
		Info("Simulation finished")
	return total, nil
}

// transact offers one request, rings the doorbell and waits for it to
// complete.
func (s *simulator) transact(ctx context.Context, drv *guest.Driver, indirect bool, out [][]byte, in []int) (guest.Completion, error) {
	var err error
	if indirect {
		_, err = drv.OfferIndirect(out, in)
	} else {
		_, err = drv.Offer(out, in)
	}
	if err != nil {
		return guest.Completion{}, err
	}
	if _, err := drv.Kick(); err != nil {
		return guest.Completion{}, err
	}
	return drv.WaitUsed(ctx)
}

func blkHeader(typ blk.RequestType, sector uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], uint32(typ))
	binary.LittleEndian.PutUint64(b[8:16], sector)
	return b
}

func blkStatus(c guest.Completion) (blk.Status, error) {
	if c.Written == 0 || len(c.Data) == 0 {
		return 0, fmt.Errorf("%w: no status byte", ErrVerification)
	}
	return blk.Status(c.Data[len(c.Data)-1]), nil
}

// runBlk writes a pattern to sectors, reads it back and asks for the serial.
func (s *simulator) runBlk(ctx context.Context, drv *guest.Driver) (SimulationReport, error) {
	var r SimulationReport
	indirect := s.cfg.indirect && drv.Features().Has(virtio.FeatureIndirectDescriptors)

	c, err := s.transact(ctx, drv, false, [][]byte{blkHeader(blk.RequestTypeGetID, 0)}, []int{blk.IDLength, 1})
	if err != nil {
		return r, err
	}
	if st, err := blkStatus(c); err != nil || st != blk.StatusOK {
		return r, fmt.Errorf("%w: get_id status %d", errors.Join(ErrVerification, err), st)
	}
	r.Requests++
	s.l.WithField("serial", string(bytes.TrimRight(c.Data[:len(c.Data)-1], "\x00"))).Debug("Block device serial")

	readOnly := drv.Features().Has(virtio.FeatureBlkReadOnly)
	for i := range s.cfg.requests {
		sector := uint64(i)
		data := bytes.Repeat([]byte{byte(i), byte(i >> 8), 0xa5, 0x5a}, blk.SectorSize/4)

		if !readOnly {
			c, err = s.transact(ctx, drv, indirect && i%2 == 1, [][]byte{blkHeader(blk.RequestTypeOut, sector), data}, []int{1})
			if err != nil {
				return r, err
			}
			st, err := blkStatus(c)
			if err != nil {
				return r, err
			}
			if st == blk.StatusIOError {
				// Past the end of the backing file.
				break
			}
			r.Requests++
			r.Bytes += blk.SectorSize
		}

		c, err = s.transact(ctx, drv, indirect && i%2 == 0, [][]byte{blkHeader(blk.RequestTypeIn, sector)}, []int{blk.SectorSize, 1})
		if err != nil {
			return r, err
		}
		st, err := blkStatus(c)
		if err != nil {
			return r, err
		}
		if st == blk.StatusIOError {
			break
		}
		r.Requests++
		r.Bytes += blk.SectorSize
		if !readOnly && !bytes.Equal(c.Data[:blk.SectorSize], data) {
			return r, fmt.Errorf("%w: sector %d does not hold what was written", ErrVerification, sector)
		}
	}

	if drv.Features().Has(virtio.FeatureBlkFlush) {
		c, err = s.transact(ctx, drv, false, [][]byte{blkHeader(blk.RequestTypeFlush, 0)}, []int{1})
		if err != nil {
			return r, err
		}
		if st, err := blkStatus(c); err != nil || st != blk.StatusOK {
			return r, fmt.Errorf("%w: flush status %d", errors.Join(ErrVerification, err), st)
		}
		r.Requests++
	}

	return r, nil
}

// runNet sends UDP frames on the transmit queue and expects each of them on
// the receive queue.
func (s *simulator) runNet(ctx context.Context, drivers []*guest.Driver) (SimulationReport, error) {
	var r SimulationReport
	rx, tx := drivers[vnet.ReceiveQueue], drivers[vnet.TransmitQueue]
	indirect := s.cfg.indirect && tx.Features().Has(virtio.FeatureIndirectDescriptors)

	// Keep the receive queue stocked with buffers.
	buffers := min(rx.QueueSize(), s.cfg.requests)
	for range buffers {
		if _, err := rx.Offer(nil, []int{simItemSize}); err != nil {
			return r, err
		}
	}
	if _, err := rx.Kick(); err != nil {
		return r, err
	}

	from := netip.MustParseAddrPort("10.42.0.2:4242")
	to := netip.MustParseAddrPort("10.42.0.1:4242")
	hdr := make([]byte, virtio.NetHdrSize)

	for i := range s.cfg.requests {
		payload := fmt.Appendf(nil, "vring frame %d", i)
		frame, err := vnet.UDPFrame(simGuestMAC, simHostMAC, from, to, payload)
		if err != nil {
			return r, err
		}

		if _, err := s.transact(ctx, tx, indirect && i%2 == 1, [][]byte{hdr, frame}, nil); err != nil {
			return r, err
		}

		c, err := rx.WaitUsed(ctx)
		if err != nil {
			return r, err
		}
		if int(c.Written) != virtio.NetHdrSize+len(frame) {
			return r, fmt.Errorf("%w: received %d bytes, want %d", ErrVerification, c.Written, virtio.NetHdrSize+len(frame))
		}
		_, _, got, ok := vnet.UDPPayload(c.Data[virtio.NetHdrSize:])
		if !ok || !bytes.Equal(got, payload) {
			return r, fmt.Errorf("%w: frame %d came back as %q", ErrVerification, i, got)
		}
		r.Requests += 2
		r.Bytes += uint64(2 * len(frame))

		// Give the buffer back.
		if _, err := rx.Offer(nil, []int{simItemSize}); err != nil {
			return r, err
		}
		if _, err := rx.Kick(); err != nil {
			return r, err
		}
	}

	return r, nil
}
