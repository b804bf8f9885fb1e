package vring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/device/blk"
	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simSectors = 4

func newTestControl(t *testing.T, extra string) *Control {
	t.Helper()
	l := test.NewLogger()

	img := filepath.Join(t.TempDir(), "vda.img")
	require.NoError(t, os.WriteFile(img, make([]byte, simSectors*blk.SectorSize), 0600))

	c := config.NewC(l)
	require.NoError(t, c.LoadString(fmt.Sprintf(`
memory:
  size: 8MiB
devices:
  - name: vda
    type: blk
    path: %s
    serial: vring-test
    queue_size: 16
  - name: eth0
    type: net
    queue_size: 16
%s`, img, extra)))

	ctl, err := Main(c, false, "1.2.3", l)
	require.NoError(t, err)
	require.NotNil(t, ctl)
	return ctl
}

func TestControl_Simulation(t *testing.T) {
	ctl := newTestControl(t, `
sim:
  enabled: true
  requests: 8
  timeout: 10s
`)
	require.NoError(t, ctl.Start())
	defer ctl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	report, err := ctl.WaitSimulation(ctx)
	require.NoError(t, err)

	// vda: get_id, a write and a read for each sector and a flush.
	// eth0: a transmit and a receive for every frame.
	assert.Equal(t, 1+2*simSectors+1+2*8, report.Requests)
	assert.Equal(t, uint64(2*simSectors*blk.SectorSize+2*8*60), report.Bytes)
	assert.Positive(t, report.Duration)

	devices := ctl.Devices()
	require.Len(t, devices, 2)

	assert.Equal(t, "vda", devices[0].Name)
	assert.Equal(t, "blk", devices[0].Type)
	assert.Equal(t, []string{"indirect_desc", "event_idx"}, devices[0].Features)
	assert.Equal(t, []QueueInfo{{Index: 0, State: "ready"}}, devices[0].Queues)

	assert.Equal(t, "eth0", devices[1].Name)
	assert.Equal(t, "net", devices[1].Type)
	assert.Equal(t, []string{"indirect_desc", "event_idx", "version_1"}, devices[1].Features)
	assert.Equal(t, []QueueInfo{{Index: 0, State: "ready"}, {Index: 1, State: "ready"}}, devices[1].Queues)
}

func TestControl_ResetDevice(t *testing.T) {
	ctl := newTestControl(t, `
sim:
  enabled: true
  requests: 2
`)
	require.NoError(t, ctl.Start())
	defer ctl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := ctl.WaitSimulation(ctx)
	require.NoError(t, err)

	require.NoError(t, ctl.ResetDevice("vda"))
	d := ctl.device("vda")
	require.NotNil(t, d)
	assert.Equal(t, "ready", d.QueueState(0).String())
	assert.NotZero(t, d.Features())

	// The simulated guest keeps using its rings after the reset.
	c, err := ctl.sim.transact(ctx, ctl.drivers["vda"][0], false, [][]byte{blkHeader(blk.RequestTypeIn, 1)}, []int{blk.SectorSize, 1})
	require.NoError(t, err)
	st, err := blkStatus(c)
	require.NoError(t, err)
	assert.Equal(t, blk.StatusOK, st)

	assert.EqualError(t, ctl.ResetDevice("nope"), "no device named nope")
}

func TestControl_NoSimulator(t *testing.T) {
	ctl := newTestControl(t, "")
	require.NoError(t, ctl.Start())
	defer ctl.Stop()

	_, err := ctl.WaitSimulation(context.Background())
	assert.ErrorIs(t, err, ErrNoSimulator)

	// Nothing configured the queues, so no workers run.
	for _, d := range ctl.Devices() {
		for _, q := range d.Queues {
			assert.Equal(t, "unconfigured", q.State)
		}
	}

	require.NoError(t, ctl.ResetDevice("eth0"))
}

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
devices:
  - name: eth0
    type: net
`))

	ctl, err := Main(c, true, "1.2.3", l)
	require.NoError(t, err)
	assert.Nil(t, ctl)
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  string
	}{
		{"bad logger", "logging:\n  level: loud\n", "Failed to configure the logger"},
		{"zero memory", "memory:\n  size: 0\n", "memory.size must not be zero"},
		{"devices not a list", "devices: 1\n", "Failed to read the devices list"},
		{"bad device", "devices:\n  - type: net\n", "Failed to parse devices"},
		{"bad driver features", "driver:\n  features: [turbo]\n", "Failed to parse the simulator config"},
		{"bad stats", "stats:\n  type: carrier-pigeon\n  interval: 1s\n", "stats.type was not understood: carrier-pigeon"},
		{"missing image", "devices:\n  - name: vda\n    type: blk\n    path: /nonexistent/vda.img\n", "Failed to create device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			ctl, err := Main(c, false, "1.2.3", l)
			require.Error(t, err)
			assert.Nil(t, ctl)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}
