package vring

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/guest"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util"
	"go.yaml.in/yaml/v3"
)

const defaultMemorySize = 64 * humanize.MiByte

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	memSize := c.GetByteSize("memory.size", defaultMemorySize)
	memBase := c.GetUint64("memory.base", 0)
	if memSize == 0 {
		return nil, util.NewContextualError("memory.size must not be zero", nil, nil)
	}

	raw, err := c.GetMapSlice("devices")
	if err != nil {
		return nil, util.NewContextualError("Failed to read the devices list", nil, err)
	}
	deviceConfigs, err := parseDeviceConfigs(raw)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse devices", nil, err)
	}
	if len(deviceConfigs) == 0 {
		l.Warn("No devices configured")
	}

	simCfg, err := parseSimConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse the simulator config", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	c.CatchHUP(ctx)

	mem := guestmem.New()
	if _, err := mem.MapAnonymous(memBase, memSize, false); err != nil {
		return nil, util.NewContextualError(
			"Failed to map guest memory",
			map[string]any{"base": fmt.Sprintf("%#x", memBase), "size": humanize.IBytes(memSize)},
			err,
		)
	}
	l.WithField("layout", mem.Layout()).Info("Guest memory mapped")

	devices := make([]*Device, 0, len(deviceConfigs))
	closeAll := func() error {
		errs := make([]error, 0, len(devices)+1)
		for _, d := range devices {
			errs = append(errs, d.Close())
		}
		return errors.Join(append(errs, mem.Close())...)
	}

	for _, dc := range deviceConfigs {
		d, err := newDevice(l, mem, dc)
		if err != nil {
			return nil, util.NewContextualError(
				"Failed to create device",
				map[string]any{"device": dc.Name, "type": dc.Type},
				errors.Join(err, closeAll()),
			)
		}
		devices = append(devices, d)
		l.WithField("device", dc.Name).
			WithField("type", dc.Type).
			WithField("queues", d.Queues()).
			WithField("offered", d.OfferedFeatures().Names()).
			Info("Device created")
	}

	var sim *simulator
	if simCfg.enabled {
		sim = newSimulator(l, simCfg, mem, guest.NewAllocator(memBase, memSize))
	}

	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		mem:        mem,
		devices:    devices,
		statsStart: statsStart,
		sim:        sim,
	}, nil
}
