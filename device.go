package vring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/device/blk"
	vnet "github.com/slackhq/vring/device/net"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sync/errgroup"
)

const defaultQueueSize = 256

var (
	// ErrDeviceRunning is returned when a queue is configured while the
	// device processes requests.
	ErrDeviceRunning = errors.New("device is running")

	// ErrNoSuchQueue is returned for a queue index the device does not have.
	ErrNoSuchQueue = errors.New("no such queue")
)

// DeviceConfig is one entry of the devices list in the config.
type DeviceConfig struct {
	Name      string
	Type      string
	QueueSize int
	// NotifyOnEmpty offers the legacy notify on empty feature.
	NotifyOnEmpty bool

	// Block devices
	Path     string
	ReadOnly bool
	Serial   string

	// Network devices
	Backlog int
}

func parseDeviceConfigs(raw []map[string]any) ([]DeviceConfig, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]DeviceConfig, 0, len(raw))

	for i, r := range raw {
		get := func(k string) string {
			if v, ok := r[k]; ok && v != nil {
				return fmt.Sprintf("%v", v)
			}
			return ""
		}

		dc := DeviceConfig{
			Name:      get("name"),
			Type:      strings.ToLower(get("type")),
			QueueSize: defaultQueueSize,
			Path:      get("path"),
			Serial:    get("serial"),
		}
		if dc.Name == "" {
			return nil, fmt.Errorf("devices[%d] has no name", i)
		}
		if _, ok := seen[dc.Name]; ok {
			return nil, fmt.Errorf("device %s is configured twice", dc.Name)
		}
		seen[dc.Name] = struct{}{}

		var err error
		if s := get("queue_size"); s != "" {
			if _, err = fmt.Sscan(s, &dc.QueueSize); err != nil {
				return nil, fmt.Errorf("device %s: invalid queue_size %q", dc.Name, s)
			}
		}
		if err = virtqueue.CheckQueueSize(dc.QueueSize); err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		if dc.ReadOnly, err = parseBool(get("read_only")); err != nil {
			return nil, fmt.Errorf("device %s: read_only: %w", dc.Name, err)
		}
		if dc.NotifyOnEmpty, err = parseBool(get("notify_on_empty")); err != nil {
			return nil, fmt.Errorf("device %s: notify_on_empty: %w", dc.Name, err)
		}
		if s := get("backlog"); s != "" {
			if _, err = fmt.Sscan(s, &dc.Backlog); err != nil || dc.Backlog < 0 {
				return nil, fmt.Errorf("device %s: invalid backlog %q", dc.Name, s)
			}
		}

		switch dc.Type {
		case "blk":
			if dc.Path == "" {
				return nil, fmt.Errorf("device %s: blk devices need a path", dc.Name)
			}
		case "net":
		default:
			return nil, fmt.Errorf("device %s: unknown type %q", dc.Name, dc.Type)
		}

		out = append(out, dc)
	}

	return out, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "false", "n", "no":
		return false, nil
	case "true", "y", "yes":
		return true, nil
	}
	return false, fmt.Errorf("%q is not a bool", s)
}

// Device is one virtio device: a backend with a processing worker per
// queue.
type Device struct {
	l    *logrus.Entry
	cfg  DeviceConfig
	mem  *guestmem.Memory
	lock sync.Mutex

	offered  virtio.Feature
	features virtio.Feature
	workers  []*queueWorker
	backend  io.Closer

	cancel  context.CancelFunc
	running *errgroup.Group
}

func newDevice(l *logrus.Logger, mem *guestmem.Memory, cfg DeviceConfig) (*Device, error) {
	d := &Device{
		l:   l.WithField("device", cfg.Name),
		cfg: cfg,
		mem: mem,
	}

	var handlers []Handler
	switch cfg.Type {
	case "blk":
		b, err := blk.Open(l, blk.Config{Name: cfg.Name, Path: cfg.Path, ReadOnly: cfg.ReadOnly, Serial: cfg.Serial})
		if err != nil {
			return nil, err
		}
		d.backend = b
		d.offered = b.Features()
		handlers = []Handler{b}

	case "net":
		n := vnet.New(l, vnet.Config{Name: cfg.Name, Backlog: cfg.Backlog})
		d.backend = n
		d.offered = n.Features()
		for i := range n.Queues() {
			h, err := n.QueueHandler(i)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, h)
		}

	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Type)
	}

	if cfg.NotifyOnEmpty {
		d.offered |= virtio.FeatureNotifyOnEmpty
	}

	for i, h := range handlers {
		w, err := newQueueWorker(d.l, cfg.Name, i, mem, h)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("queue %d: %w", i, err), d.Close())
		}
		d.workers = append(d.workers, w)
	}

	return d, nil
}

func (d *Device) Name() string {
	return d.cfg.Name
}

func (d *Device) Type() string {
	return d.cfg.Type
}

// QueueSize is the configured size of every queue of the device.
func (d *Device) QueueSize() int {
	return d.cfg.QueueSize
}

// Queues returns the number of queues of the device.
func (d *Device) Queues() int {
	return len(d.workers)
}

// OfferedFeatures returns every feature bit the device supports.
func (d *Device) OfferedFeatures() virtio.Feature {
	return d.offered
}

// Negotiate settles the features with what the driver supports and returns
// the result. It must happen before the queues are configured.
func (d *Device) Negotiate(driver virtio.Feature) (virtio.Feature, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.running != nil {
		return 0, ErrDeviceRunning
	}
	d.features = d.offered & driver
	d.l.WithField("features", d.features.Names()).Info("Features negotiated")
	return d.features, nil
}

// Features returns the negotiated features.
func (d *Device) Features() virtio.Feature {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.features
}

func (d *Device) worker(index int) (*queueWorker, error) {
	if index < 0 || index >= len(d.workers) {
		return nil, fmt.Errorf("%w: device %s has %d queues, not %d", ErrNoSuchQueue, d.cfg.Name, len(d.workers), index+1)
	}
	return d.workers[index], nil
}

// ConfigureQueue sets up a queue whose rings start at base in guest memory.
// The device must be stopped.
func (d *Device) ConfigureQueue(index, size int, base uint64) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.running != nil {
		return ErrDeviceRunning
	}
	w, err := d.worker(index)
	if err != nil {
		return err
	}

	if err := w.queue.Setup(size, base, d.features); err != nil {
		return fmt.Errorf("queue %d: %w", index, err)
	}

	w.l.WithField("queueSize", size).
		WithField("base", fmt.Sprintf("%#x", base)).
		WithField("memoryGeneration", d.mem.Generation()).
		Info("Queue configured")
	return nil
}

// Doorbells returns the eventfds of a queue. The driver signals kickFD when
// it made buffers available and waits on callFD for interrupts.
func (d *Device) Doorbells(index int) (kickFD, callFD int, err error) {
	w, err := d.worker(index)
	if err != nil {
		return -1, -1, err
	}
	return w.kick.FD(), w.call.FD(), nil
}

// QueueState returns the state of a queue.
func (d *Device) QueueState(index int) virtqueue.State {
	w, err := d.worker(index)
	if err != nil {
		return virtqueue.StateUnconfigured
	}
	return w.queue.State()
}

// start runs a worker for every configured queue.
func (d *Device) start(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.running != nil {
		return ErrDeviceRunning
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.running, ctx = errgroup.WithContext(ctx)

	for _, w := range d.workers {
		if w.queue.State() != virtqueue.StateReady {
			w.l.Info("Queue not configured, not starting a worker")
			continue
		}
		d.running.Go(func() error {
			return w.run(ctx)
		})
	}
	return nil
}

// stop waits for all workers to return.
func (d *Device) stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.running == nil {
		return nil
	}
	d.cancel()
	err := d.running.Wait()
	d.running = nil
	d.cancel = nil
	return err
}

// Reset stops the device and tears every queue down. The device can be
// negotiated and configured again afterwards.
func (d *Device) Reset() error {
	err := d.stop()

	d.lock.Lock()
	defer d.lock.Unlock()

	for _, w := range d.workers {
		w.queue.Teardown()
		_, _ = w.kick.Drain()
		_, _ = w.call.Drain()
	}
	d.features = 0
	d.l.Info("Device reset")
	return err
}

// Close stops the device and releases its doorbells and backend.
func (d *Device) Close() error {
	errs := []error{d.stop()}
	for _, w := range d.workers {
		w.queue.Teardown()
		errs = append(errs, w.Close())
	}
	if d.backend != nil {
		errs = append(errs, d.backend.Close())
	}
	return errors.Join(errs...)
}
