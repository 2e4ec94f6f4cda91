// Package eventloop implements the central event dispatcher for dinit.
// External inputs - control commands, process events, timer expiries, OS
// signals - are delivered as discrete events and executed serially; after
// each event the service set's work queues are drained to a fixed point.
package eventloop

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/mstuehn/dinit/pkg/logging"
	"github.com/mstuehn/dinit/pkg/service"
)

// Default emergency shutdown timeout.
const defaultEmergencyTimeout = 90 * time.Second

// Loop is the serial event dispatcher. All service state mutation happens on
// the goroutine running Run; other goroutines submit work via Post or Call.
type Loop struct {
	services *service.ServiceSet
	logger   *logging.Logger
	events   chan func()
	sigCh    chan os.Signal

	shutdownInitiated bool
	shutdownType      service.ShutdownType

	// Channel for forcing event loop exit (emergency timeout)
	forceExitCh chan struct{}

	// Callback for when all services have stopped during shutdown
	OnAllStopped func()
}

// New creates a new Loop. The service set is attached afterwards with
// SetServices (the set's collaborators need the loop first).
func New(logger *logging.Logger) *Loop {
	return &Loop{
		logger:      logger,
		events:      make(chan func(), 128),
		forceExitCh: make(chan struct{}, 1),
	}
}

// SetServices attaches the service set the loop drives.
func (l *Loop) SetServices(services *service.ServiceSet) {
	l.services = services
}

// Post submits an event for serial execution on the loop.
func (l *Loop) Post(fn func()) {
	l.events <- fn
}

// Call submits an event and blocks until it has run. Used by the control
// connections to execute commands synchronously.
func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.events <- func() {
		fn()
		close(done)
	}
	<-done
}

// Run executes events until the context is cancelled, or a shutdown has been
// initiated and all services have stopped, or the emergency timeout forces
// an exit.
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = SetupSignals()
	defer StopSignals(l.sigCh)

	l.logger.Info("event loop started (PID %d)", os.Getpid())

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Context cancelled, shutting down")
			return ctx.Err()

		case <-l.forceExitCh:
			l.logger.Error("Emergency shutdown timeout reached, forcing exit")
			return nil

		case sig := <-l.sigCh:
			l.handleSignal(sig)

		case fn := <-l.events:
			fn()
		}

		l.services.ProcessQueues()

		if l.shutdownInitiated && l.services.CountActiveServices() == 0 {
			l.logger.Info("All services stopped, exiting")
			if l.OnAllStopped != nil {
				l.OnAllStopped()
			}
			return nil
		}
	}
}

// GetShutdownType returns the shutdown type that was requested.
func (l *Loop) GetShutdownType() service.ShutdownType {
	return l.shutdownType
}

// handleSignal processes an OS signal.
func (l *Loop) handleSignal(sig os.Signal) {
	sysSignal, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch sysSignal {
	case syscall.SIGTERM:
		l.logger.Notice("Received SIGTERM, initiating shutdown")
		l.initiateShutdown(service.ShutdownHalt)

	case syscall.SIGINT:
		l.logger.Notice("Received SIGINT, initiating shutdown")
		l.initiateShutdown(service.ShutdownHalt)

	case syscall.SIGQUIT:
		l.logger.Notice("Received SIGQUIT, initiating poweroff")
		l.initiateShutdown(service.ShutdownPoweroff)

	case syscall.SIGHUP:
		l.logger.Notice("Received SIGHUP")
	}
}

// InitiateShutdown triggers a shutdown from outside the loop goroutine
// (e.g. the control socket).
func (l *Loop) InitiateShutdown(shutdownType service.ShutdownType) {
	l.Post(func() {
		l.initiateShutdown(shutdownType)
	})
}

func (l *Loop) initiateShutdown(shutdownType service.ShutdownType) {
	if l.shutdownInitiated {
		return
	}
	l.shutdownInitiated = true
	l.shutdownType = shutdownType
	l.services.StopAllServices(shutdownType)

	go func() {
		time.Sleep(defaultEmergencyTimeout)
		select {
		case l.forceExitCh <- struct{}{}:
		default:
		}
	}()
}
