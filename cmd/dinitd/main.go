// dinitd is a service supervisor: it brings up, monitors and tears down a
// set of services whose relationships form a dependency graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mstuehn/dinit/pkg/config"
	"github.com/mstuehn/dinit/pkg/control"
	"github.com/mstuehn/dinit/pkg/eventloop"
	"github.com/mstuehn/dinit/pkg/logging"
	"github.com/mstuehn/dinit/pkg/process"
	"github.com/mstuehn/dinit/pkg/service"
)

const (
	version = "0.1.0"

	defaultSystemServiceDir = "/etc/dinit.d"
	defaultUserServiceDir   = ".config/dinit.d"
	defaultBootService      = "boot"
	defaultSystemSocket     = "/run/dinitctl"
	defaultUserSocket       = ".dinitctl"
)

func main() {
	var (
		serviceDirs string
		socketPath  string
		systemMode  bool
		bootService string
		showVersion bool
		logLevel    string
	)

	flag.StringVar(&serviceDirs, "services-dir", "", "service description directory (comma-separated for multiple)")
	flag.StringVar(&socketPath, "socket-path", "", "control socket path")
	flag.BoolVar(&systemMode, "system", false, "run as system service manager")
	flag.StringVar(&bootService, "boot-service", defaultBootService, "name of the boot service to start")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, notice, warn, error)")

	flag.Parse()

	if showVersion {
		fmt.Printf("dinitd version %s\n", version)
		os.Exit(0)
	}

	logger := logging.New(logging.ParseLevel(logLevel), os.Stderr)

	dirs := splitDirs(serviceDirs)
	if len(dirs) == 0 {
		if systemMode {
			dirs = []string{defaultSystemServiceDir}
		} else {
			home, _ := os.UserHomeDir()
			dirs = []string{filepath.Join(home, defaultUserServiceDir)}
		}
	}

	if socketPath == "" {
		if systemMode {
			socketPath = defaultSystemSocket
		} else {
			home, _ := os.UserHomeDir()
			socketPath = filepath.Join(home, defaultUserSocket)
		}
	}

	// Wire the engine: loop first, then the collaborators that deliver
	// their events through it, then the set they serve.
	loop := eventloop.New(logger)
	clock := eventloop.NewTimerSource(loop)
	agent := process.NewSystemAgent(loop.Post)
	services := service.NewServiceSet(logger, clock, agent)
	loop.SetServices(services)

	loader := config.NewLoader(services, dirs)
	services.SetLoader(loader)

	server := control.NewServer(services, loop, socketPath, logger)
	server.ShutdownFunc = func(t service.ShutdownType) {
		loop.InitiateShutdown(t)
	}

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		logger.Error("Cannot start control socket: %v", err)
		os.Exit(1)
	}
	defer server.Stop()

	loop.Post(func() {
		svc, err := services.LoadService(bootService)
		if err != nil {
			logger.Error("Cannot load boot service '%s': %v", bootService, err)
			return
		}
		services.StartService(svc, true)
	})

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Event loop error: %v", err)
		os.Exit(1)
	}

	logger.Notice("dinitd exiting (%v)", loop.GetShutdownType())
}

func splitDirs(s string) []string {
	if s == "" {
		return nil
	}
	var dirs []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
