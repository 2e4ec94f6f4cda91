package service

import (
	"syscall"
	"testing"
	"time"
)

func newTestScripted(h *testHarness, name string) *ScriptedService {
	svc := NewScriptedService(h.set, name)
	svc.SetStartCommand([]string{"/etc/init.d/thing", "start"})
	svc.SetStopCommand([]string{"/etc/init.d/thing", "stop"})
	svc.SetStartTimeout(0)
	h.set.AddService(svc)
	return svc
}

func TestScriptedStartStop(t *testing.T) {
	h := newHarness()
	s := newTestScripted(h, "script")

	h.set.StartService(s, true)

	if s.State() != StateStarting {
		t.Fatalf("expected STARTING while start command runs, got %v", s.State())
	}

	// Start command exits 0: service is started.
	h.agent.lastLaunch(t).exit(0)

	if s.State() != StateStarted {
		t.Errorf("expected STARTED, got %v", s.State())
	}

	h.set.StopService(s, true)

	if s.State() != StateStopping {
		t.Fatalf("expected STOPPING while stop command runs, got %v", s.State())
	}
	if len(h.agent.launches) != 2 {
		t.Fatalf("expected the stop command to run, launches=%d", len(h.agent.launches))
	}

	h.agent.lastLaunch(t).exit(0)

	if s.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", s.State())
	}
	if s.StopReason() != ReasonNormal {
		t.Errorf("expected reason normal, got %v", s.StopReason())
	}
	checkInvariants(t, h.set)
}

func TestScriptedStartFailure(t *testing.T) {
	h := newHarness()
	s := newTestScripted(h, "script")

	h.set.StartService(s, true)
	h.agent.lastLaunch(t).exit(7)

	if s.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", s.State())
	}
	if s.StopReason() != ReasonFailed {
		t.Errorf("expected reason failed, got %v", s.StopReason())
	}
	if !s.Record().DidStartFail() {
		t.Error("expected start failure to be recorded")
	}
	checkInvariants(t, h.set)
}

func TestScriptedSkippable(t *testing.T) {
	h := newHarness()
	s := newTestScripted(h, "script")
	s.Record().SetFlags(ServiceFlags{Skippable: true})

	dependent := NewInternalService(h.set, "dependent")
	h.set.AddService(dependent)
	dependent.Record().AddDep(s, DepRegular)

	h.set.StartService(dependent, true)

	// SIGINT on a skippable start command counts as started-with-skip.
	h.agent.lastLaunch(t).exitSignal(syscall.SIGINT)

	if s.State() != StateStarted {
		t.Errorf("expected STARTED (skipped), got %v", s.State())
	}
	if !s.Record().WasStartSkipped() {
		t.Error("expected start_skipped to be set")
	}
	if dependent.State() != StateStarted {
		t.Errorf("dependent should proceed, got %v", dependent.State())
	}
	checkInvariants(t, h.set)
}

func TestScriptedStopTimeoutKills(t *testing.T) {
	h := newHarness()
	s := newTestScripted(h, "script")
	s.SetStopTimeout(10 * time.Second)

	h.set.StartService(s, true)
	h.agent.lastLaunch(t).exit(0)
	h.set.StopService(s, true)

	stopCmd := h.agent.lastLaunch(t)

	h.clock.Advance(10 * time.Second)

	sig := h.agent.lastSignal(t)
	if sig.pid != stopCmd.pid || sig.sig != syscall.SIGKILL {
		t.Errorf("expected SIGKILL to stop command %d, got %v to %d",
			stopCmd.pid, sig.sig, sig.pid)
	}
	if s.State() != StateStopping {
		t.Errorf("still STOPPING until the stop command exits, got %v", s.State())
	}

	stopCmd.exitSignal(syscall.SIGKILL)

	if s.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", s.State())
	}
	checkInvariants(t, h.set)
}

func TestScriptedNoStopCommand(t *testing.T) {
	h := newHarness()
	s := NewScriptedService(h.set, "oneshot")
	s.SetStartCommand([]string{"/bin/setup"})
	s.SetStartTimeout(0)
	h.set.AddService(s)

	h.set.StartService(s, true)
	h.agent.lastLaunch(t).exit(0)

	h.set.StopService(s, true)

	if s.State() != StateStopped {
		t.Errorf("no stop command: expected immediate STOPPED, got %v", s.State())
	}
	checkInvariants(t, h.set)
}

func TestScriptedInterruptibleStart(t *testing.T) {
	h := newHarness()
	s := newTestScripted(h, "script")
	s.Record().SetFlags(ServiceFlags{StartInterruptible: true})

	h.set.StartService(s, true)
	startCmd := h.agent.lastLaunch(t)

	h.set.StopService(s, true)

	sig := h.agent.lastSignal(t)
	if sig.sig != syscall.SIGINT {
		t.Errorf("expected SIGINT to interrupt the start command, got %v", sig.sig)
	}
	if s.State() != StateStarting {
		t.Fatalf("expected STARTING until the command dies, got %v", s.State())
	}

	startCmd.exitSignal(syscall.SIGINT)

	if s.State() != StateStopped {
		t.Errorf("expected STOPPED, got %v", s.State())
	}
	if s.Record().DidStartFail() {
		t.Error("an interrupted start is a cancellation, not a failure")
	}
	checkInvariants(t, h.set)
}
