package service

import (
	"syscall"
	"testing"
	"time"
)

func newTestProcess(h *testHarness, name string) *ProcessService {
	svc := NewProcessService(h.set, name)
	svc.SetCommand([]string{"/usr/bin/daemon"})
	svc.SetStartTimeout(0)
	h.set.AddService(svc)
	return svc
}

func TestProcessPlainStart(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")

	h.set.StartService(p, true)

	if p.State() != StateStarting {
		t.Fatalf("expected STARTING before exec result, got %v", p.State())
	}

	h.agent.lastLaunch(t).execOK()

	if p.State() != StateStarted {
		t.Errorf("expected STARTED, got %v", p.State())
	}
	if p.RequiredBy() != 1 {
		t.Errorf("expected requiredBy 1, got %d", p.RequiredBy())
	}
	if h.clock.Armed() != 0 {
		t.Errorf("expected no timers armed, got %d", h.clock.Armed())
	}
	if p.PID() != h.agent.lastLaunch(t).pid {
		t.Errorf("PID mismatch: %d", p.PID())
	}
	checkInvariants(t, h.set)
}

func TestProcessUnexpectedExit(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	h.agent.lastLaunch(t).exit(0)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonTerminated {
		t.Errorf("expected reason terminated, got %v", p.StopReason())
	}
	if p.RequiredBy() != 0 {
		t.Errorf("expected requiredBy 0, got %d", p.RequiredBy())
	}
	checkInvariants(t, h.set)
}

func TestProcessAutoRestart(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetAutoRestart(true)
	p.SetRestartDelay(200 * time.Millisecond)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	h.agent.lastLaunch(t).exit(0)

	if p.State() != StateStarting {
		t.Fatalf("expected STARTING (restart pending), got %v", p.State())
	}
	if h.clock.Armed() != 1 {
		t.Fatalf("expected exactly one timer armed, got %d", h.clock.Armed())
	}
	checkInvariants(t, h.set)

	h.clock.Advance(200 * time.Millisecond)

	if len(h.agent.launches) != 2 {
		t.Fatalf("expected relaunch after restart delay, launches=%d", len(h.agent.launches))
	}

	h.agent.lastLaunch(t).execOK()

	if p.State() != StateStarted {
		t.Errorf("expected STARTED after restart, got %v", p.State())
	}
	if h.clock.Armed() != 0 {
		t.Errorf("expected no timers armed, got %d", h.clock.Armed())
	}
	checkInvariants(t, h.set)
}

func TestProcessStopTimeoutEscalatesToKill(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetStopTimeout(10 * time.Second)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()
	pid := p.PID()

	h.set.StopService(p, true)

	if p.State() != StateStopping {
		t.Fatalf("expected STOPPING, got %v", p.State())
	}
	sig := h.agent.lastSignal(t)
	if sig.pid != pid || sig.sig != syscall.SIGTERM {
		t.Errorf("expected SIGTERM to %d, got %v to %d", pid, sig.sig, sig.pid)
	}

	h.clock.Advance(10 * time.Second)

	sig = h.agent.lastSignal(t)
	if sig.sig != syscall.SIGKILL {
		t.Errorf("expected SIGKILL after stop timeout, got %v", sig.sig)
	}
	if p.State() != StateStopping {
		t.Errorf("still expected STOPPING until exit, got %v", p.State())
	}

	h.agent.lastLaunch(t).exit(0)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonNormal {
		t.Errorf("expected reason normal, got %v", p.StopReason())
	}
	checkInvariants(t, h.set)
}

func TestProcessStartTimeout(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetStartTimeout(5 * time.Second)
	p.SetNotify(true)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	if p.State() != StateStarting {
		t.Fatalf("expected STARTING while waiting for readiness, got %v", p.State())
	}

	h.clock.Advance(5 * time.Second)

	// Timeout initiates a stop: the child is interrupted.
	sig := h.agent.lastSignal(t)
	if sig.sig != syscall.SIGINT {
		t.Errorf("expected SIGINT on start timeout, got %v", sig.sig)
	}

	h.agent.lastLaunch(t).exit(1)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonTimedOut {
		t.Errorf("expected reason timed-out, got %v", p.StopReason())
	}
	if !p.Record().DidStartFail() {
		t.Error("start should be recorded as failed")
	}
	checkInvariants(t, h.set)
}

func TestProcessReadinessNotification(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetNotify(true)

	h.set.StartService(p, true)
	launch := h.agent.lastLaunch(t)
	launch.execOK()

	if p.State() != StateStarting {
		t.Fatalf("expected STARTING until readiness line, got %v", p.State())
	}
	if !launch.params.Notify {
		t.Error("launch should request a readiness pipe")
	}

	launch.ready("READY=1", true)

	if p.State() != StateStarted {
		t.Errorf("expected STARTED after readiness line, got %v", p.State())
	}
	checkInvariants(t, h.set)
}

func TestProcessReadinessEOFIsStartFailure(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetNotify(true)

	h.set.StartService(p, true)
	launch := h.agent.lastLaunch(t)
	launch.execOK()

	launch.ready("", false)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if !p.Record().DidStartFail() {
		t.Error("EOF before readiness should be a start failure")
	}
	checkInvariants(t, h.set)
}

func TestProcessExecFailure(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execFail(syscall.ENOENT)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonExecFailed {
		t.Errorf("expected reason exec-failed, got %v", p.StopReason())
	}
	if !p.Record().DidStartFail() {
		t.Error("exec failure should be a start failure")
	}
	checkInvariants(t, h.set)
}

func TestProcessExitDuringStartupFails(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetNotify(true)

	h.set.StartService(p, true)
	launch := h.agent.lastLaunch(t)
	launch.execOK()
	launch.exit(1)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonFailed {
		t.Errorf("expected reason failed, got %v", p.StopReason())
	}
	checkInvariants(t, h.set)
}

func TestSmoothRecoveryImmediateRelaunch(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetSmoothRecovery(true)
	p.SetRestartDelay(0)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	listener := &testListener{}
	p.AddListener(listener)

	h.agent.lastLaunch(t).exit(1)

	// Smooth recovery: the service never left STARTED and no timer is armed.
	if p.State() != StateStarted {
		t.Errorf("expected STARTED during smooth recovery, got %v", p.State())
	}
	if h.clock.Armed() != 0 {
		t.Errorf("restart_delay=0 should relaunch without a timer, got %d armed", h.clock.Armed())
	}
	if len(h.agent.launches) != 2 {
		t.Fatalf("expected immediate relaunch, launches=%d", len(h.agent.launches))
	}
	if len(listener.events) != 0 {
		t.Errorf("smooth recovery should not notify listeners, got %v", listener.events)
	}

	h.agent.lastLaunch(t).execOK()
	if p.State() != StateStarted {
		t.Errorf("expected STARTED, got %v", p.State())
	}
	checkInvariants(t, h.set)
}

func TestSmoothRecoveryDelayedRelaunch(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetSmoothRecovery(true)
	p.SetRestartDelay(200 * time.Millisecond)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	h.clock.Advance(50 * time.Millisecond)
	h.agent.lastLaunch(t).exit(1)

	if p.State() != StateStarted {
		t.Errorf("expected STARTED during smooth recovery, got %v", p.State())
	}
	if h.clock.Armed() != 1 {
		t.Fatalf("expected restart-delay timer armed, got %d", h.clock.Armed())
	}
	if len(h.agent.launches) != 1 {
		t.Fatalf("no relaunch before the delay, launches=%d", len(h.agent.launches))
	}

	h.clock.Advance(150 * time.Millisecond)

	if len(h.agent.launches) != 2 {
		t.Fatalf("expected relaunch after delay, launches=%d", len(h.agent.launches))
	}
	h.agent.lastLaunch(t).execOK()
	if p.State() != StateStarted {
		t.Errorf("expected STARTED, got %v", p.State())
	}
	checkInvariants(t, h.set)
}

func TestRestartRateLimit(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetAutoRestart(true)
	p.SetRestartDelay(0)
	p.SetRestartInterval(10*time.Second, 3)

	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()

	// Three crashes within the window restart...
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		h.agent.lastLaunch(t).exit(1)
		if p.State() != StateStarting && p.State() != StateStarted {
			t.Fatalf("crash %d: expected restart, got %v", i+1, p.State())
		}
		h.agent.lastLaunch(t).execOK()
	}

	// ...the fourth within the same window does not.
	h.clock.Advance(time.Second)
	h.agent.lastLaunch(t).exit(1)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED after exceeding restart limit, got %v", p.State())
	}
	if p.StopReason() != ReasonTerminated {
		t.Errorf("expected reason terminated, got %v", p.StopReason())
	}
	checkInvariants(t, h.set)
}

func TestStopCancelledByStart(t *testing.T) {
	h := newHarness()
	t1 := NewInternalService(h.set, "t")
	h.set.AddService(t1)
	p := newTestProcess(h, "p")
	p.SetRestartDelay(0)
	t1.Record().AddDep(p, DepWaitsFor)

	// p started; stop issued (SIGTERM sent, waiting for exit).
	h.set.StartService(p, true)
	h.agent.lastLaunch(t).execOK()
	h.set.StopService(p, true)
	if p.State() != StateStopping {
		t.Fatalf("expected STOPPING, got %v", p.State())
	}

	// t starts and waits for p; p is re-required mid-stop.
	h.set.StartService(t1, true)
	if t1.State() != StateStarting {
		t.Fatalf("expected t STARTING, got %v", t1.State())
	}
	if p.RequiredBy() != 1 {
		t.Fatalf("expected p re-required, got %d", p.RequiredBy())
	}

	// p's exit completes the stop and immediately restarts it.
	h.agent.launches[0].exit(0)

	if p.State() != StateStarting {
		t.Fatalf("expected p STARTING (restarting), got %v", p.State())
	}

	h.agent.lastLaunch(t).execOK()

	if p.State() != StateStarted {
		t.Errorf("expected p STARTED, got %v", p.State())
	}
	if t1.State() != StateStarted {
		t.Errorf("expected t STARTED, got %v", t1.State())
	}
	checkInvariants(t, h.set)
}

func TestStopInterruptsStartingProcess(t *testing.T) {
	h := newHarness()
	p := newTestProcess(h, "p")
	p.SetNotify(true)

	h.set.StartService(p, true)
	launch := h.agent.lastLaunch(t)
	launch.execOK()

	// Stop while the bring-up is in flight; the process start is
	// interrupted with SIGINT.
	h.set.StopService(p, true)

	sig := h.agent.lastSignal(t)
	if sig.sig != syscall.SIGINT {
		t.Errorf("expected SIGINT to interrupt start, got %v", sig.sig)
	}
	if p.State() != StateStarting {
		t.Fatalf("expected STARTING until the process exits, got %v", p.State())
	}

	launch.exit(130)

	if p.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", p.State())
	}
	if p.Record().DidStartFail() {
		t.Error("an interrupted start is a cancellation, not a failure")
	}
	checkInvariants(t, h.set)
}
