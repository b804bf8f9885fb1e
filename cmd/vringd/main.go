package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	simExit := flag.Bool("sim-exit", false, "Exit once the simulated guest is done. Non zero exit indicates a failed simulation")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctrl, err := vring.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	if err := ctrl.Start(); err != nil {
		util.LogWithContextIfNeeded("Failed to start devices", err, l)
		ctrl.Stop()
		os.Exit(1)
	}
	notify(l, sdNotifyReady)

	if *simExit {
		os.Exit(waitSimulation(l, ctrl))
	}

	ctrl.ShutdownBlock()
	os.Exit(0)
}

// waitSimulation stops the devices once the simulated guest is done and
// returns the exit code.
func waitSimulation(l *logrus.Logger, ctrl *vring.Control) int {
	report, err := ctrl.WaitSimulation(context.Background())
	notify(l, sdNotifyStopping)
	ctrl.Stop()

	switch {
	case errors.Is(err, vring.ErrNoSimulator):
		l.Error("-sim-exit needs sim.enabled in the config")
		return 1
	case err != nil:
		return 2
	}

	l.WithField("requests", report.Requests).Info("Simulated guest is done")
	return 0
}
