package vring

import (
	"context"
	"testing"

	"github.com/slackhq/vring/guest"
	"github.com/slackhq/vring/test"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceConfigs(t *testing.T) {
	dcs, err := parseDeviceConfigs([]map[string]any{
		{"name": "vda", "type": "BLK", "path": "/tmp/vda.img", "read_only": true, "serial": "abc", "queue_size": 64},
		{"name": "eth0", "type": "net", "backlog": 16, "notify_on_empty": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, []DeviceConfig{
		{Name: "vda", Type: "blk", QueueSize: 64, Path: "/tmp/vda.img", ReadOnly: true, Serial: "abc"},
		{Name: "eth0", Type: "net", QueueSize: defaultQueueSize, NotifyOnEmpty: true, Backlog: 16},
	}, dcs)

	dcs, err = parseDeviceConfigs(nil)
	require.NoError(t, err)
	assert.Empty(t, dcs)
}

func TestParseDeviceConfigs_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []map[string]any
		err  string
	}{
		{"no name", []map[string]any{{"type": "net"}}, "devices[0] has no name"},
		{"duplicate", []map[string]any{{"name": "a", "type": "net"}, {"name": "a", "type": "net"}}, "device a is configured twice"},
		{"bad queue size", []map[string]any{{"name": "a", "type": "net", "queue_size": "many"}}, `device a: invalid queue_size "many"`},
		{"queue size not a power of 2", []map[string]any{{"name": "a", "type": "net", "queue_size": 100}}, "device a: "},
		{"bad bool", []map[string]any{{"name": "a", "type": "net", "notify_on_empty": "maybe"}}, `device a: notify_on_empty: "maybe" is not a bool`},
		{"negative backlog", []map[string]any{{"name": "a", "type": "net", "backlog": -1}}, `device a: invalid backlog "-1"`},
		{"blk without path", []map[string]any{{"name": "a", "type": "blk"}}, "device a: blk devices need a path"},
		{"unknown type", []map[string]any{{"name": "a", "type": "gpu"}}, `device a: unknown type "gpu"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDeviceConfigs(tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func newTestNetDevice(t *testing.T, cfg DeviceConfig) (*Device, *guest.Allocator) {
	t.Helper()
	mem := newTestMemory(t)

	cfg.Name = t.Name()
	cfg.Type = "net"
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	d, err := newDevice(test.NewLogger(), mem, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})
	return d, guest.NewAllocator(0, testMemorySize)
}

func TestDevice_Lifecycle(t *testing.T) {
	d, alloc := newTestNetDevice(t, DeviceConfig{})
	assert.Equal(t, 2, d.Queues())
	assert.Equal(t, 16, d.QueueSize())
	assert.Equal(t, virtio.FeatureVersion1|virtio.FeatureIndirectDescriptors|virtio.FeatureRingEventIndex, d.OfferedFeatures())

	features, err := d.Negotiate(virtio.FeatureRingEventIndex | virtio.FeatureAnyLayout)
	require.NoError(t, err)
	assert.Equal(t, virtio.FeatureRingEventIndex, features)
	assert.Equal(t, features, d.Features())

	_, _, err = d.Doorbells(2)
	assert.ErrorIs(t, err, ErrNoSuchQueue)
	assert.ErrorIs(t, d.ConfigureQueue(-1, 16, 0), ErrNoSuchQueue)
	assert.Equal(t, virtqueue.StateUnconfigured, d.QueueState(7))

	for i := range d.Queues() {
		drv, err := guest.NewDriver(d.mem, alloc, guest.Config{QueueSize: 16, ItemSize: 64, Features: features})
		require.NoError(t, err)
		assert.Equal(t, virtqueue.StateUnconfigured, d.QueueState(i))
		require.NoError(t, d.ConfigureQueue(i, 16, drv.Base()))
		assert.Equal(t, virtqueue.StateReady, d.QueueState(i))
	}

	require.NoError(t, d.start(context.Background()))
	assert.ErrorIs(t, d.start(context.Background()), ErrDeviceRunning)
	assert.ErrorIs(t, d.ConfigureQueue(0, 16, 0), ErrDeviceRunning)
	_, err = d.Negotiate(features)
	assert.ErrorIs(t, err, ErrDeviceRunning)

	require.NoError(t, d.Reset())
	assert.Zero(t, d.Features())
	for i := range d.Queues() {
		assert.Equal(t, virtqueue.StateUnconfigured, d.QueueState(i))
	}

	// A reset device can be negotiated again.
	_, err = d.Negotiate(features)
	assert.NoError(t, err)
}

func TestDevice_BrokenSetup(t *testing.T) {
	d, _ := newTestNetDevice(t, DeviceConfig{})

	_, err := d.Negotiate(d.OfferedFeatures())
	require.NoError(t, err)

	// Past the end of guest memory.
	err = d.ConfigureQueue(0, 16, testMemorySize)
	assert.ErrorIs(t, err, virtqueue.ErrSetup)
	assert.Equal(t, virtqueue.StateBroken, d.QueueState(0))

	// Broken queues are not started.
	require.NoError(t, d.start(context.Background()))
	require.NoError(t, d.Reset())
	assert.Equal(t, virtqueue.StateUnconfigured, d.QueueState(0))
}

func TestDevice_NotifyOnEmpty(t *testing.T) {
	d, _ := newTestNetDevice(t, DeviceConfig{NotifyOnEmpty: true})
	assert.True(t, d.OfferedFeatures().Has(virtio.FeatureNotifyOnEmpty))

	features, err := d.Negotiate(virtio.FeatureNotifyOnEmpty)
	require.NoError(t, err)
	assert.Equal(t, virtio.FeatureNotifyOnEmpty, features)
}

func TestNewDevice_UnknownType(t *testing.T) {
	_, err := newDevice(test.NewLogger(), newTestMemory(t), DeviceConfig{Name: "x", Type: "gpu"})
	assert.EqualError(t, err, `unknown device type "gpu"`)
}
