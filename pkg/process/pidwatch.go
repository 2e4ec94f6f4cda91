package process

import (
	"context"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"
)

// How often daemon liveness is re-checked when no filesystem event arrives.
// Daemons are not our children, so there is no SIGCHLD to rely on; the PID
// file watch catches well-behaved daemons that remove their file, the
// fallback check catches the rest.
const daemonRecheckInterval = 5 * time.Second

type daemonWatch struct {
	sctx *stopper.Context
}

func (dw *daemonWatch) Stop() {
	dw.sctx.Stop(100 * time.Millisecond)
	_ = dw.sctx.Wait()
}

// WatchDaemon watches a self-backgrounded daemon process. Removal or change
// of the daemon's PID file triggers an immediate liveness check; a periodic
// fallback check covers daemons that never touch their PID file again.
// Termination is reported via w.Exited with an empty wait status.
func (a *SystemAgent) WatchDaemon(pid int, pidFile string, w Watcher) (DaemonWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the containing directory: the daemon may remove and recreate
	// the file, and a watch on the file itself would be lost on removal.
	if err := watcher.Add(filepath.Dir(pidFile)); err != nil {
		watcher.Close()
		return nil, err
	}

	sctx := stopper.WithContext(context.Background())
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	sctx.Go(func(ctx *stopper.Context) error {
		ticker := time.NewTicker(daemonRecheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Stopping():
				return nil

			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Name != pidFile {
					continue
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				continue

			case <-ticker.C:
			}

			if err := unix.Kill(pid, 0); err == unix.ESRCH {
				a.post(func() { w.Exited(pid, syscall.WaitStatus(0)) })
				return nil
			}
		}
	})

	return &daemonWatch{sctx: sctx}, nil
}
