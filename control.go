package vring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/guest"
	"github.com/slackhq/vring/guestmem"
)

// ErrNoSimulator is returned when simulation results are requested while the
// simulator is disabled.
var ErrNoSimulator = errors.New("simulator is not enabled")

// Every interaction here must go through Device and guest.Driver methods, never touch queues directly. The queue
// workers own them while the devices run.

type Control struct {
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	mem        *guestmem.Memory
	devices    []*Device
	statsStart func()

	sim       *simulator
	drivers   map[string][]*guest.Driver
	simDone   chan struct{}
	simReport SimulationReport
	simErr    error
}

// DeviceInfo describes a device for Control.Devices.
type DeviceInfo struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Features []string    `json:"features"`
	Queues   []QueueInfo `json:"queues"`
}

type QueueInfo struct {
	Index int    `json:"index"`
	State string `json:"state"`
}

// Start runs the devices, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if c.statsStart != nil {
		go c.statsStart()
	}

	if c.sim != nil {
		c.drivers = make(map[string][]*guest.Driver, len(c.devices))
		for _, d := range c.devices {
			drivers, err := c.sim.attach(d)
			if err != nil {
				return fmt.Errorf("attach simulated guest to %s: %w", d.Name(), err)
			}
			c.drivers[d.Name()] = drivers
		}
	}

	for _, d := range c.devices {
		if err := d.start(c.ctx); err != nil {
			return fmt.Errorf("start %s: %w", d.Name(), err)
		}
	}

	if c.sim != nil {
		c.simDone = make(chan struct{})
		go func() {
			defer close(c.simDone)
			c.simReport, c.simErr = c.sim.run(c.ctx, c.devices, c.drivers)
			if c.simErr != nil {
				c.l.WithError(c.simErr).Error("Simulation failed")
			}
		}()
	}

	c.l.WithField("devices", len(c.devices)).Info("Devices started")
	return nil
}

// Stop signals every device to stop, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.simDone != nil {
		<-c.simDone
	}

	for _, d := range c.devices {
		if err := d.Close(); err != nil {
			c.l.WithError(err).WithField("device", d.Name()).Error("Close device failed")
		}
	}
	for name, drivers := range c.drivers {
		for _, drv := range drivers {
			if err := drv.Close(); err != nil {
				c.l.WithError(err).WithField("device", name).Error("Close simulated driver failed")
			}
		}
	}
	if c.mem != nil {
		if err := c.mem.Close(); err != nil {
			c.l.WithError(err).Error("Unmap guest memory failed")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// WaitSimulation blocks until the simulator finished and returns its report.
func (c *Control) WaitSimulation(ctx context.Context) (SimulationReport, error) {
	if c.simDone == nil {
		return SimulationReport{}, ErrNoSimulator
	}

	select {
	case <-c.simDone:
		return c.simReport, c.simErr
	case <-ctx.Done():
		return SimulationReport{}, ctx.Err()
	}
}

// ResetDevice stops a device and tears its queues down. When the simulator drives the device it sets the queues up
// again on the same rings and the device is restarted.
func (c *Control) ResetDevice(name string) error {
	d := c.device(name)
	if d == nil {
		return fmt.Errorf("no device named %s", name)
	}

	if err := d.Reset(); err != nil {
		return err
	}

	drivers, ok := c.drivers[name]
	if !ok {
		return nil
	}
	if err := c.sim.reattach(d, drivers); err != nil {
		return fmt.Errorf("reattach simulated guest to %s: %w", name, err)
	}
	return d.start(c.ctx)
}

// Devices returns details about every device
func (c *Control) Devices() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(c.devices))
	for _, d := range c.devices {
		info := DeviceInfo{
			Name:     d.Name(),
			Type:     d.Type(),
			Features: d.Features().Names(),
			Queues:   make([]QueueInfo, d.Queues()),
		}
		for i := range info.Queues {
			info.Queues[i] = QueueInfo{Index: i, State: d.QueueState(i).String()}
		}
		out = append(out, info)
	}
	return out
}

func (c *Control) device(name string) *Device {
	for _, d := range c.devices {
		if d.Name() == name {
			return d
		}
	}
	return nil
}
