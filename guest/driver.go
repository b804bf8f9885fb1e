package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var (
	// ErrNothingUsed is returned by [Driver.TakeUsed] when the device has not
	// completed any new chain.
	ErrNothingUsed = errors.New("no used descriptor chain available")

	// ErrBufferTooLarge is returned when one buffer of a request does not fit
	// into a descriptor's data buffer.
	ErrBufferTooLarge = errors.New("buffer is larger than the descriptor item size")

	// ErrIndirectUnsupported is returned when an indirect chain is offered
	// without indirect descriptors being enabled.
	ErrIndirectUnsupported = errors.New("indirect descriptors are not enabled")

	// ErrUnknownHead is returned when the device completes a chain that is
	// not in flight.
	ErrUnknownHead = errors.New("device used a descriptor chain that is not in flight")
)

// Config describes the queue a [Driver] creates.
type Config struct {
	QueueSize int
	// ItemSize is the size of the data buffer behind every descriptor.
	ItemSize int
	// Features are the negotiated feature bits.
	Features virtio.Feature
	// IndirectEntries is the size of the indirect table reserved for every
	// descriptor. Zero disables [Driver.OfferIndirect].
	IndirectEntries int
}

// Completion is a descriptor chain the device handed back.
type Completion struct {
	Head uint16
	// Written is the number of bytes the device reported as written.
	Written uint32
	// Data holds the written bytes of all device-writable buffers in order.
	Data []byte
}

type span struct {
	addr   uint64
	length int
}

// Driver is the guest side of one split virtqueue. It is safe for concurrent
// use.
type Driver struct {
	lock sync.Mutex

	mem      *guestmem.Memory
	cfg      Config
	layout   virtqueue.Layout
	base     uint64
	ringMem  []byte
	table    *descriptorTable
	avail    *virtqueue.AvailableRing
	used     *virtqueue.UsedRing
	indirect []uint64
	// indirectData holds the data buffers of each indirect table.
	indirectData []uint64

	availIndex    uint16
	kickedIndex   uint16
	lastUsedIndex uint16
	inflight      map[uint16][]span

	kick eventfd.Eventfd
	call eventfd.Eventfd
	// attached is set once the doorbells were connected.
	attached bool

	barrier atomic.Uint32
}

// NewDriver lays out a queue and its data buffers in guest memory taken from
// alloc.
func NewDriver(mem *guestmem.Memory, alloc *Allocator, cfg Config) (*Driver, error) {
	layout, err := virtqueue.NewLayout(cfg.QueueSize, virtqueue.LegacyAlignment)
	if err != nil {
		return nil, err
	}
	if cfg.ItemSize <= 0 {
		return nil, fmt.Errorf("invalid item size %d", cfg.ItemSize)
	}

	d := &Driver{
		mem:      mem,
		cfg:      cfg,
		layout:   layout,
		inflight: make(map[uint16][]span, cfg.QueueSize),
	}

	d.base, err = alloc.Alloc(uint64(layout.Size), virtqueue.LegacyAlignment)
	if err != nil {
		return nil, fmt.Errorf("allocate queue: %w", err)
	}
	d.ringMem, err = mem.Translate(d.base, uint32(layout.Size), true)
	if err != nil {
		return nil, fmt.Errorf("map queue: %w", err)
	}

	buffers := make([]uint64, cfg.QueueSize)
	for i := range buffers {
		if buffers[i], err = alloc.Alloc(uint64(cfg.ItemSize), 16); err != nil {
			return nil, fmt.Errorf("allocate buffer: %w", err)
		}
	}

	if cfg.IndirectEntries > 0 {
		d.indirect = make([]uint64, cfg.QueueSize)
		d.indirectData = make([]uint64, cfg.QueueSize)
		for i := range cfg.QueueSize {
			if d.indirect[i], err = alloc.Alloc(uint64(cfg.IndirectEntries*virtqueue.DescriptorSize), 16); err != nil {
				return nil, fmt.Errorf("allocate indirect table: %w", err)
			}
			if d.indirectData[i], err = alloc.Alloc(uint64(cfg.IndirectEntries*cfg.ItemSize), 16); err != nil {
				return nil, fmt.Errorf("allocate indirect buffers: %w", err)
			}
		}
	}

	d.table = newDescriptorTable(d.ringMem[:layout.DescriptorTableSize()], buffers, cfg.ItemSize)
	d.avail = virtqueue.NewAvailableRing(cfg.QueueSize,
		d.ringMem[layout.AvailableRingOffset:layout.AvailableRingOffset+layout.AvailableRingSize()])
	d.used = virtqueue.NewUsedRing(cfg.QueueSize,
		d.ringMem[layout.UsedRingOffset:layout.UsedRingOffset+layout.UsedRingSize()])
	return d, nil
}

// Base returns the guest-physical address of the queue.
func (d *Driver) Base() uint64 {
	return d.base
}

// QueueSize returns the number of descriptors of the queue.
func (d *Driver) QueueSize() int {
	return d.cfg.QueueSize
}

// Features returns the feature bits the driver works with.
func (d *Driver) Features() virtio.Feature {
	return d.cfg.Features
}

// FreeDescriptors returns how many descriptors are not part of a chain.
func (d *Driver) FreeDescriptors() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return int(d.table.freeNum)
}

// Inflight returns the number of chains offered but not yet taken back.
func (d *Driver) Inflight() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.inflight)
}

// Attach connects the driver to the device's kick and call eventfds. The
// file descriptors are duplicated.
func (d *Driver) Attach(kickFD, callFD int) error {
	kick, err := unix.Dup(kickFD)
	if err != nil {
		return fmt.Errorf("dup kick eventfd: %w", err)
	}
	call, err := unix.Dup(callFD)
	if err != nil {
		_ = unix.Close(kick)
		return fmt.Errorf("dup call eventfd: %w", err)
	}
	d.kick = eventfd.Wrap(kick)
	d.call = eventfd.Wrap(call)
	d.attached = true
	return nil
}

// Close releases the doorbells. Guest memory stays untouched.
func (d *Driver) Close() error {
	if !d.attached {
		return nil
	}
	d.attached = false
	return errors.Join(d.kick.Close(), d.call.Close())
}

// Reset wipes the rings and frees every descriptor, as a guest does when the
// device is reset.
func (d *Driver) Reset() {
	d.lock.Lock()
	defer d.lock.Unlock()

	clear(d.ringMem)
	d.table.initialize()
	d.availIndex = 0
	d.kickedIndex = 0
	d.lastUsedIndex = 0
	clear(d.inflight)
}

// Offer copies the out buffers into device-readable descriptors, reserves
// device-writable descriptors of the in sizes and makes the chain available.
func (d *Driver) Offer(out [][]byte, in []int) (uint16, error) {
	lengths, err := d.lengths(out, in)
	if err != nil {
		return 0, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	head, err := d.table.createChain(lengths, len(out))
	if err != nil {
		return 0, err
	}
	indexes, err := d.table.chain(head)
	if err != nil {
		return 0, err
	}

	var writable []span
	for i, index := range indexes {
		addr := d.table.buffers[index]
		if i < len(out) {
			if _, err := d.mem.WriteAt(out[i], int64(addr)); err != nil {
				return 0, err
			}
		} else {
			writable = append(writable, span{addr: addr, length: lengths[i]})
		}
	}

	d.publish(head, writable)
	return head, nil
}

// OfferIndirect offers the same request as [Driver.Offer] but as a single
// descriptor pointing to an indirect table.
func (d *Driver) OfferIndirect(out [][]byte, in []int) (uint16, error) {
	if d.indirect == nil {
		return 0, ErrIndirectUnsupported
	}
	lengths, err := d.lengths(out, in)
	if err != nil {
		return 0, err
	}
	if len(lengths) > d.cfg.IndirectEntries {
		return 0, fmt.Errorf("%w: %d buffers for an indirect table of %d", ErrNotEnoughFreeDescriptors,
			len(lengths), d.cfg.IndirectEntries)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	head, err := d.table.createChain([]int{len(lengths) * virtqueue.DescriptorSize}, 1)
	if err != nil {
		return 0, err
	}

	tableAddr := d.indirect[head]
	entries := make([]byte, len(lengths)*virtqueue.DescriptorSize)
	var writable []span
	for i, length := range lengths {
		desc := virtqueue.Descriptor{
			Address: d.indirectData[head] + uint64(i*d.cfg.ItemSize),
			Length:  uint32(length),
		}
		if i < len(out) {
			if _, err := d.mem.WriteAt(out[i], int64(desc.Address)); err != nil {
				return 0, err
			}
		} else {
			desc.Flags |= virtqueue.DescriptorFlagWrite
			writable = append(writable, span{addr: desc.Address, length: length})
		}
		if i < len(lengths)-1 {
			desc.Flags |= virtqueue.DescriptorFlagNext
			desc.Next = uint16(i + 1)
		}
		_ = desc.Encode(entries[i*virtqueue.DescriptorSize:])
	}
	if _, err := d.mem.WriteAt(entries, int64(tableAddr)); err != nil {
		return 0, err
	}

	d.table.descriptors[head] = virtqueue.Descriptor{
		Address: tableAddr,
		Length:  uint32(len(entries)),
		Flags:   virtqueue.DescriptorFlagIndirect,
	}
	d.table.store(head)

	d.publish(head, writable)
	return head, nil
}

func (d *Driver) lengths(out [][]byte, in []int) ([]int, error) {
	lengths := make([]int, 0, len(out)+len(in))
	for _, b := range out {
		lengths = append(lengths, len(b))
	}
	lengths = append(lengths, in...)
	for _, l := range lengths {
		if l > d.cfg.ItemSize || l < 0 {
			return nil, fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, l, d.cfg.ItemSize)
		}
	}
	return lengths, nil
}

// publish makes a chain visible to the device. The ring slot must be visible
// before the index that covers it.
func (d *Driver) publish(head uint16, writable []span) {
	d.inflight[head] = writable
	d.avail.SetHead(d.availIndex, head)
	d.barrier.Add(1)
	d.availIndex++
	d.avail.SetIndex(d.availIndex)
}

// Kick notifies the device about new chains unless it asked not to be
// notified. It returns whether the device was notified.
func (d *Driver) Kick() (bool, error) {
	d.lock.Lock()
	// The index must be visible before we look at what the device asked for.
	d.barrier.Add(1)

	oldIndex := d.kickedIndex
	newIndex := d.availIndex
	d.kickedIndex = newIndex

	var need bool
	if d.cfg.Features.Has(virtio.FeatureRingEventIndex) {
		need = virtqueue.NeedEvent(d.used.AvailableEvent(), newIndex, oldIndex)
	} else {
		need = d.used.Flags()&virtqueue.UsedRingFlagNoNotify == 0
	}
	d.lock.Unlock()

	if !need {
		return false, nil
	}
	if !d.attached {
		return true, nil
	}
	return true, d.kick.Notify()
}

// SetNoInterrupt asks the device to not interrupt the driver. Without event
// index this is the only way to suppress interrupts.
func (d *Driver) SetNoInterrupt(suppress bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if suppress {
		d.avail.SetFlags(virtqueue.AvailableRingFlagNoInterrupt)
	} else {
		d.avail.SetFlags(0)
	}
}

// TakeUsed returns the oldest completion the driver has not seen yet, or
// [ErrNothingUsed].
func (d *Driver) TakeUsed() (Completion, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.used.Index() == d.lastUsedIndex {
		return Completion{}, ErrNothingUsed
	}
	// Do not read the element before the index.
	d.barrier.Add(1)

	elem := d.used.Element(d.lastUsedIndex)
	d.lastUsedIndex++
	if d.cfg.Features.Has(virtio.FeatureRingEventIndex) {
		d.avail.SetUsedEvent(d.lastUsedIndex)
	}

	head := elem.Head()
	writable, ok := d.inflight[head]
	if !ok || elem.DescriptorIndex >= uint32(d.cfg.QueueSize) {
		return Completion{}, fmt.Errorf("%w: head %d", ErrUnknownHead, elem.DescriptorIndex)
	}
	delete(d.inflight, head)

	c := Completion{Head: head, Written: elem.Length}
	remaining := int(elem.Length)
	for _, s := range writable {
		if remaining <= 0 {
			break
		}
		n := min(remaining, s.length)
		buf := make([]byte, n)
		if _, err := d.mem.ReadAt(buf, int64(s.addr)); err != nil {
			return Completion{}, err
		}
		c.Data = append(c.Data, buf...)
		remaining -= n
	}

	if err := d.table.freeChain(head); err != nil {
		return Completion{}, err
	}
	return c, nil
}

// WaitUsed blocks until a completion is available or ctx is done.
func (d *Driver) WaitUsed(ctx context.Context) (Completion, error) {
	if !d.attached {
		return Completion{}, errors.New("driver is not attached to a device")
	}
	// Waking the wait is the only way to observe cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = d.call.Notify()
	})
	defer stop()

	for {
		c, err := d.TakeUsed()
		if !errors.Is(err, ErrNothingUsed) {
			return c, err
		}
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		if d.enableInterrupts() {
			continue
		}
		if err := d.call.Wait(); err != nil {
			return Completion{}, fmt.Errorf("wait for interrupt: %w", err)
		}
	}
}

// enableInterrupts asks for an interrupt on the next completion and reports
// whether completions arrived in the meantime.
func (d *Driver) enableInterrupts() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.cfg.Features.Has(virtio.FeatureRingEventIndex) {
		d.avail.SetUsedEvent(d.lastUsedIndex)
	} else {
		d.avail.SetFlags(d.avail.Flags() &^ virtqueue.AvailableRingFlagNoInterrupt)
	}
	d.barrier.Add(1)
	return d.used.Index() != d.lastUsedIndex
}
