package service

import (
	"testing"
)

// Dependency failure cascade: s3 -> s2 -> p (regular links). The process
// has readiness notification, so it is still starting when it dies.
func TestDependencyFailureCascade(t *testing.T) {
	h := newHarness()

	p := newTestProcess(h, "p")
	p.SetNotify(true)

	s2 := NewInternalService(h.set, "s2")
	s3 := NewInternalService(h.set, "s3")
	h.set.AddService(s2)
	h.set.AddService(s3)

	s3.Record().AddDep(s2, DepRegular)
	s2.Record().AddDep(p, DepRegular)

	h.set.StartService(s3, true)

	if p.State() != StateStarting {
		t.Fatalf("p should be STARTING, got %v", p.State())
	}

	launch := h.agent.lastLaunch(t)
	launch.execOK()

	// Still starting: readiness has not arrived.
	if p.State() != StateStarting {
		t.Fatalf("p should still be STARTING, got %v", p.State())
	}

	launch.exit(1)

	if p.State() != StateStopped {
		t.Errorf("p should be STOPPED, got %v", p.State())
	}
	if p.StopReason() != ReasonFailed {
		t.Errorf("p stop reason should be failed, got %v", p.StopReason())
	}
	if s2.State() != StateStopped || s2.StopReason() != ReasonDepFailed {
		t.Errorf("s2 should be STOPPED (dependency-failed), got %v (%v)",
			s2.State(), s2.StopReason())
	}
	if s3.State() != StateStopped || s3.StopReason() != ReasonDepFailed {
		t.Errorf("s3 should be STOPPED (dependency-failed), got %v (%v)",
			s3.State(), s3.StopReason())
	}
	if h.set.CountActiveServices() != 0 {
		t.Errorf("expected 0 active services, got %d", h.set.CountActiveServices())
	}
	checkInvariants(t, h.set)
}

// A started hard dependency's unexpected death takes its dependents down.
func TestTerminationForcesDependentsDown(t *testing.T) {
	h := newHarness()

	p := newTestProcess(h, "p")
	s2 := NewInternalService(h.set, "s2")
	h.set.AddService(s2)
	s2.Record().AddDep(p, DepRegular)

	h.set.StartService(s2, true)
	h.agent.lastLaunch(t).execOK()

	if s2.State() != StateStarted {
		t.Fatalf("s2 should be STARTED, got %v", s2.State())
	}

	h.agent.lastLaunch(t).exit(1)

	if p.State() != StateStopped || p.StopReason() != ReasonTerminated {
		t.Errorf("p should be STOPPED (terminated), got %v (%v)", p.State(), p.StopReason())
	}
	if s2.State() != StateStopped {
		t.Errorf("s2 should be STOPPED, got %v", s2.State())
	}
	if h.set.CountActiveServices() != 0 {
		t.Errorf("expected 0 active services, got %d", h.set.CountActiveServices())
	}
	checkInvariants(t, h.set)
}

func TestConsoleArbitration(t *testing.T) {
	set, _ := newTestSet()

	a := NewInternalService(set, "con-a")
	b := NewInternalService(set, "con-b")
	set.AddService(a)
	set.AddService(b)
	a.Record().SetFlags(ServiceFlags{StartsOnConsole: true, RunsOnConsole: true})
	b.Record().SetFlags(ServiceFlags{StartsOnConsole: true})

	set.StartService(a, true)

	if a.State() != StateStarted {
		t.Fatalf("a should be STARTED, got %v", a.State())
	}
	if !a.Record().HasConsole() {
		t.Fatal("a should hold the console (runs-on-console)")
	}

	// b queues behind a.
	set.StartService(b, true)

	if b.State() != StateStarting || !b.Record().WaitingForConsole() {
		t.Fatalf("b should be waiting for the console, got %v", b.State())
	}

	// Stopping a releases the console; b completes its start and, not
	// running on the console, releases it again.
	set.StopService(a, true)

	if b.State() != StateStarted {
		t.Errorf("b should be STARTED after console handover, got %v", b.State())
	}
	if b.Record().HasConsole() {
		t.Error("b should have released the console after starting")
	}
	checkInvariants(t, set)
}

func TestTriggeredService(t *testing.T) {
	set, _ := newTestSet()

	svc := NewTriggeredService(set, "trig")
	set.AddService(svc)

	set.StartService(svc, true)

	if svc.State() != StateStarting {
		t.Fatalf("triggered service should wait in STARTING, got %v", svc.State())
	}

	svc.SetTrigger(true)

	if svc.State() != StateStarted {
		t.Errorf("expected STARTED after trigger, got %v", svc.State())
	}
	checkInvariants(t, set)
}
