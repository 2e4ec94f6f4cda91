package service

import (
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/mstuehn/dinit/pkg/process"
)

// --- fake clock ---

type fakeTimer struct {
	clock    *fakeClock
	at       time.Time
	seq      int
	fire     func()
	fired    bool
	disarmed bool
}

func (t *fakeTimer) Disarm() bool {
	if t.fired || t.disarmed {
		return false
	}
	t.disarmed = true
	return true
}

// fakeClock is a deterministic Clock: timers fire synchronously, in order,
// when the test advances time.
type fakeClock struct {
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Arm(d time.Duration, fire func()) Timer {
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, fire: fire}
	c.timers = append(c.timers, t)
	return t
}

// Armed returns the number of pending timers.
func (c *fakeClock) Armed() int {
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.disarmed {
			n++
		}
	}
	return n
}

// Advance moves time forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.disarmed || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) ||
				(t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		next.fire()
	}
	c.now = target

	// Compact the fired/disarmed entries.
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.disarmed {
			live = append(live, t)
		}
	}
	c.timers = live
}

// --- fake process agent ---

type launchRecord struct {
	pid     int
	params  process.ExecParams
	watcher process.Watcher
}

func (l *launchRecord) execOK() {
	l.watcher.ExecResult(l.pid, nil)
}

func (l *launchRecord) execFail(err error) {
	l.watcher.ExecResult(l.pid, &process.ExecError{Stage: process.StageDoExec, Err: err})
}

func (l *launchRecord) exit(code int) {
	l.watcher.Exited(l.pid, wsExit(code))
}

func (l *launchRecord) exitSignal(sig syscall.Signal) {
	l.watcher.Exited(l.pid, wsSignal(sig))
}

func (l *launchRecord) ready(line string, ok bool) {
	l.watcher.ReadyNotify(l.pid, line, ok)
}

type signalRecord struct {
	pid         int
	sig         syscall.Signal
	processOnly bool
}

type daemonWatchRecord struct {
	pid     int
	pidFile string
	watcher process.Watcher
	stopped bool
}

func (w *daemonWatchRecord) Stop() { w.stopped = true }

// terminate reports the watched daemon as gone.
func (w *daemonWatchRecord) terminate() {
	w.watcher.Exited(w.pid, 0)
}

// fakeAgent is a scriptable ProcessAgent: launches are recorded, and the
// test fires exec results, readiness lines and exits explicitly.
type fakeAgent struct {
	nextPID   int
	launches  []*launchRecord
	signals   []signalRecord
	watches   []*daemonWatchRecord
	launchErr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{nextPID: 100}
}

func (a *fakeAgent) Launch(params process.ExecParams, w process.Watcher) (int, error) {
	if a.launchErr != nil {
		err := a.launchErr
		a.launchErr = nil
		return 0, err
	}
	a.nextPID++
	l := &launchRecord{pid: a.nextPID, params: params, watcher: w}
	a.launches = append(a.launches, l)
	return l.pid, nil
}

func (a *fakeAgent) Signal(pid int, sig syscall.Signal, processOnly bool) error {
	a.signals = append(a.signals, signalRecord{pid: pid, sig: sig, processOnly: processOnly})
	return nil
}

func (a *fakeAgent) WatchDaemon(pid int, pidFile string, w process.Watcher) (process.DaemonWatch, error) {
	rec := &daemonWatchRecord{pid: pid, pidFile: pidFile, watcher: w}
	a.watches = append(a.watches, rec)
	return rec, nil
}

func (a *fakeAgent) lastLaunch(t *testing.T) *launchRecord {
	t.Helper()
	if len(a.launches) == 0 {
		t.Fatal("no process was launched")
	}
	return a.launches[len(a.launches)-1]
}

func (a *fakeAgent) lastSignal(t *testing.T) signalRecord {
	t.Helper()
	if len(a.signals) == 0 {
		t.Fatal("no signal was sent")
	}
	return a.signals[len(a.signals)-1]
}

// Exit status encodings (wait(2) layout).
func wsExit(code int) syscall.WaitStatus {
	return syscall.WaitStatus(code << 8)
}

func wsSignal(sig syscall.Signal) syscall.WaitStatus {
	return syscall.WaitStatus(sig)
}

// --- logger / listener ---

type testLogger struct {
	started []string
	stopped []string
	failed  []string
	errors  []string
}

func (l *testLogger) ServiceStarted(name string)        { l.started = append(l.started, name) }
func (l *testLogger) ServiceStopped(name string)        { l.stopped = append(l.stopped, name) }
func (l *testLogger) ServiceFailed(name string, _ bool) { l.failed = append(l.failed, name) }
func (l *testLogger) Error(format string, args ...interface{}) {
	l.errors = append(l.errors, format)
}
func (l *testLogger) Info(format string, args ...interface{}) {}

type testListener struct {
	events []ServiceEvent
}

func (l *testListener) ServiceEvent(_ Service, event ServiceEvent) {
	l.events = append(l.events, event)
}

// --- set construction ---

type testHarness struct {
	set    *ServiceSet
	clock  *fakeClock
	agent  *fakeAgent
	logger *testLogger
}

func newHarness() *testHarness {
	h := &testHarness{
		clock:  newFakeClock(),
		agent:  newFakeAgent(),
		logger: &testLogger{},
	}
	h.set = NewServiceSet(h.logger, h.clock, h.agent)
	return h
}

func newTestSet() (*ServiceSet, *testLogger) {
	h := newHarness()
	return h.set, h.logger
}

// checkInvariants verifies the quantified engine invariants that must hold
// whenever the queues are quiescent.
func checkInvariants(t *testing.T, set *ServiceSet) {
	t.Helper()

	services := set.ListServices()
	sort.Slice(services, func(i, j int) bool { return services[i].Name() < services[j].Name() })

	active := 0
	for _, svc := range services {
		rec := svc.Record()

		held := 0
		for _, dept := range rec.dependents {
			if dept.HoldingAcq {
				held++
			}
		}
		explicit := 0
		if rec.startExplicit {
			explicit = 1
		}
		if rec.requiredBy != held+explicit {
			t.Errorf("service %s: requiredBy=%d but held=%d explicit=%d",
				svc.Name(), rec.requiredBy, held, explicit)
		}

		if rec.startExplicit && rec.requiredBy < 1 {
			t.Errorf("service %s: startExplicit with requiredBy=%d", svc.Name(), rec.requiredBy)
		}

		if rec.pinnedStarted && rec.pinnedStopped {
			t.Errorf("service %s: pinned both started and stopped", svc.Name())
		}

		for _, dep := range rec.dependsOn {
			if dep.IsHard() && dep.HoldingAcq &&
				(rec.state == StateStarting || rec.state == StateStarted) {
				toState := dep.To.State()
				if toState != StateStarting && toState != StateStarted {
					t.Errorf("service %s: hard dep %s held but in state %v",
						svc.Name(), dep.To.Name(), toState)
				}
			}
		}

		if rec.requiredBy > 0 {
			active++
		}
	}

	if set.CountActiveServices() != active {
		t.Errorf("active_services=%d but %d records have requiredBy>0",
			set.CountActiveServices(), active)
	}
}
