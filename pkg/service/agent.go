package service

import (
	"syscall"

	"github.com/mstuehn/dinit/pkg/process"
)

// ProcessAgent launches and signals child processes on behalf of service
// records. Launch outcomes (exec result, readiness notification, process
// exit) are reported asynchronously through the per-launch process.Watcher;
// the production agent posts those callbacks through the event dispatcher,
// test agents invoke them directly.
type ProcessAgent interface {
	// Launch starts a child process. It returns the PID on success. The exec
	// outcome and eventual termination are delivered via w.
	Launch(params process.ExecParams, w process.Watcher) (int, error)

	// Signal sends a signal to a process, or its process group if
	// processOnly is false.
	Signal(pid int, sig syscall.Signal, processOnly bool) error

	// WatchDaemon begins watching a self-backgrounded daemon process that is
	// not a direct child. Termination is reported via w.Exited (with no wait
	// status). The pidFile path is used to detect removal by the daemon.
	WatchDaemon(pid int, pidFile string, w process.Watcher) (process.DaemonWatch, error)
}
