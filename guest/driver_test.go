package guest

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/vring/eventfd"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMemorySize = 4 << 20

// newPair sets up a driver and the device side queue on the same memory.
func newPair(t *testing.T, cfg Config) (*Driver, *virtqueue.SplitQueue) {
	t.Helper()

	mem := guestmem.New()
	_, err := mem.MapAnonymous(0, testMemorySize, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mem.Close())
	})

	d, err := NewDriver(mem, NewAllocator(0, testMemorySize), cfg)
	require.NoError(t, err)

	q := virtqueue.NewSplitQueue(mem)
	require.NoError(t, q.Setup(cfg.QueueSize, d.Base(), cfg.Features))
	return d, q
}

func TestDriver_RoundTrip(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 8, ItemSize: 64})

	head, err := d.Offer([][]byte{[]byte("hello"), []byte("vring")}, []int{16})
	require.NoError(t, err)
	assert.Equal(t, 5, d.FreeDescriptors())
	assert.Equal(t, 1, d.Inflight())

	req, err := q.Pop(make([][]byte, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, head, req.Head)
	require.Len(t, req.Readable(), 2)
	assert.Equal(t, "hello", string(req.Readable()[0]))
	assert.Equal(t, "vring", string(req.Readable()[1]))
	require.Len(t, req.Writable(), 1)
	assert.Len(t, req.Writable()[0], 16)

	n := copy(req.Writable()[0], "done")
	q.Push(req.Head, uint32(n))

	c, err := d.TakeUsed()
	require.NoError(t, err)
	assert.Equal(t, head, c.Head)
	assert.Equal(t, uint32(4), c.Written)
	assert.Equal(t, "done", string(c.Data))
	assert.Equal(t, 8, d.FreeDescriptors())
	assert.Zero(t, d.Inflight())

	_, err = d.TakeUsed()
	assert.ErrorIs(t, err, ErrNothingUsed)
}

func TestDriver_FullQueue(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	for range 2 {
		_, err := d.Offer([][]byte{{1}}, []int{1})
		require.NoError(t, err)
	}
	_, err := d.Offer([][]byte{{1}}, nil)
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)

	// Complete out of order and offer again.
	var reqs []virtqueue.Request
	for range 2 {
		req, err := q.Pop(make([][]byte, 0, 2))
		require.NoError(t, err)
		reqs = append(reqs, req)
	}
	q.Push(reqs[1].Head, 0)
	_, err = d.TakeUsed()
	require.NoError(t, err)

	_, err = d.Offer([][]byte{{1}, {2}}, nil)
	require.NoError(t, err)
	assert.Zero(t, d.FreeDescriptors())

	q.Push(reqs[0].Head, 1)
	c, err := d.TakeUsed()
	require.NoError(t, err)
	assert.Equal(t, reqs[0].Head, c.Head)
	assert.Equal(t, 2, d.FreeDescriptors())

	req, err := q.Pop(make([][]byte, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {2}}, req.Readable())
}

func TestDriver_ManyRounds(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	spans := make([][]byte, 0, 4)
	for i := range 1000 {
		_, err := d.Offer([][]byte{{byte(i)}}, []int{1, 1})
		require.NoError(t, err)
		req, err := q.Pop(spans)
		require.NoError(t, err)
		assert.Equal(t, byte(i), req.Readable()[0][0])
		req.Writable()[0][0] = 0
		req.Writable()[1][0] = byte(i)
		q.Push(req.Head, 2)
		c, err := d.TakeUsed()
		require.NoError(t, err)
		assert.Equal(t, []byte{0, byte(i)}, c.Data)
	}
	assert.Equal(t, 4, d.FreeDescriptors())
}

func TestDriver_OfferIndirect(t *testing.T) {
	cfg := Config{
		QueueSize:       4,
		ItemSize:        32,
		Features:        virtio.FeatureIndirectDescriptors,
		IndirectEntries: 4,
	}
	d, q := newPair(t, cfg)

	head, err := d.OfferIndirect([][]byte{[]byte("a"), []byte("bc")}, []int{8, 8})
	require.NoError(t, err)
	assert.Equal(t, 3, d.FreeDescriptors())

	req, err := q.Pop(make([][]byte, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, head, req.Head)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, req.Readable())
	require.Len(t, req.Writable(), 2)
	copy(req.Writable()[0], "01234567")
	copy(req.Writable()[1], "89")
	q.Push(req.Head, 10)

	c, err := d.TakeUsed()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(c.Data))
	assert.Equal(t, 4, d.FreeDescriptors())

	_, err = d.OfferIndirect(nil, []int{1, 1, 1, 1, 1})
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)
}

func TestDriver_OfferErrors(t *testing.T) {
	d, _ := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	_, err := d.Offer(nil, nil)
	assert.ErrorIs(t, err, ErrDescriptorChainEmpty)
	_, err = d.Offer(nil, []int{17})
	assert.ErrorIs(t, err, ErrBufferTooLarge)
	_, err = d.OfferIndirect(nil, []int{1})
	assert.ErrorIs(t, err, ErrIndirectUnsupported)
	_, err = d.Offer(nil, []int{1, 1, 1, 1, 1})
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)
}

func TestDriver_KickSuppression(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	_, err := d.Offer(nil, []int{1})
	require.NoError(t, err)
	kicked, err := d.Kick()
	require.NoError(t, err)
	assert.True(t, kicked)

	q.DisableNotifications()
	_, err = d.Offer(nil, []int{1})
	require.NoError(t, err)
	kicked, err = d.Kick()
	require.NoError(t, err)
	assert.False(t, kicked)

	assert.True(t, q.EnableNotifications())
}

func TestDriver_KickEventIndex(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16, Features: virtio.FeatureRingEventIndex})

	assert.False(t, q.EnableNotifications())

	_, err := d.Offer(nil, []int{1})
	require.NoError(t, err)
	kicked, err := d.Kick()
	require.NoError(t, err)
	assert.True(t, kicked)

	// The device did not ask again.
	_, err = d.Offer(nil, []int{1})
	require.NoError(t, err)
	kicked, err = d.Kick()
	require.NoError(t, err)
	assert.False(t, kicked)

	assert.True(t, q.EnableNotifications())
	_, err = d.Offer(nil, []int{1})
	require.NoError(t, err)
	kicked, err = d.Kick()
	require.NoError(t, err)
	assert.True(t, kicked)
}

func TestDriver_UsedEvent(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16, Features: virtio.FeatureRingEventIndex})

	for range 2 {
		_, err := d.Offer(nil, []int{1})
		require.NoError(t, err)
	}
	for range 2 {
		req, err := q.Pop(make([][]byte, 0, 1))
		require.NoError(t, err)
		q.Push(req.Head, 0)
	}
	// The first decision always interrupts.
	assert.True(t, q.ShouldNotify())

	_, err := d.TakeUsed()
	require.NoError(t, err)

	// The driver has not seen the second completion yet, so pushing more
	// does not need another interrupt until it catches up.
	_, err = d.Offer(nil, []int{1})
	require.NoError(t, err)
	req, err := q.Pop(make([][]byte, 0, 1))
	require.NoError(t, err)
	q.Push(req.Head, 0)
	assert.False(t, q.ShouldNotify())
}

func TestDriver_WaitUsed(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	kick, err := eventfd.New()
	require.NoError(t, err)
	call, err := eventfd.New()
	require.NoError(t, err)
	require.NoError(t, d.Attach(kick.FD(), call.FD()))
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
		assert.NoError(t, kick.Close())
		assert.NoError(t, call.Close())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.WaitUsed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	head, err := d.Offer(nil, []int{4})
	require.NoError(t, err)
	kicked, err := d.Kick()
	require.NoError(t, err)
	assert.True(t, kicked)
	n, err := kick.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	go func() {
		time.Sleep(20 * time.Millisecond)
		req, err := q.Pop(make([][]byte, 0, 1))
		if err != nil {
			return
		}
		copy(req.Writable()[0], "pong")
		q.Push(req.Head, 4)
		if q.ShouldNotify() {
			_ = call.Kick()
		}
	}()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := d.WaitUsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, c.Head)
	assert.Equal(t, "pong", string(c.Data))
}

func TestDriver_Reset(t *testing.T) {
	d, q := newPair(t, Config{QueueSize: 4, ItemSize: 16})

	_, err := d.Offer(nil, []int{1})
	require.NoError(t, err)
	_, err = q.Pop(make([][]byte, 0, 1))
	require.NoError(t, err)

	d.Reset()
	q.Teardown()
	require.NoError(t, q.Setup(4, d.Base(), 0))
	assert.Equal(t, 4, d.FreeDescriptors())
	assert.Zero(t, d.Inflight())

	_, err = q.Pop(make([][]byte, 0, 1))
	assert.ErrorIs(t, err, virtqueue.ErrQueueEmpty)
}
