package service

import (
	"syscall"
)

// Service is the core interface that all service kinds implement. The state
// machine in ServiceRecord drives concrete kinds through the lifecycle
// hooks (BringUp, BringDown, the interrupt/proceed predicates); kinds embed
// ServiceRecord and override what they need.
type Service interface {
	// Identity
	Name() string
	Type() ServiceType

	// State
	State() ServiceState
	TargetState() ServiceState
	StopReason() StoppedReason

	// Lifecycle hooks - called by the state machine
	BringUp() bool // start the service; returns false on failure
	BringDown()    // stop the service
	CanInterruptStart() bool
	InterruptStart() bool
	CanProceedToStart() bool
	BecomingInactive()
	CheckRestart() bool

	// Process info (for process-based services; defaults return -1/{})
	PID() int
	GetExitStatus() ExitStatus

	// Dependency management
	Dependencies() []*ServiceDep
	Dependents() []*ServiceDep
	RequiredBy() int

	// State machine operations
	Start(activate bool)
	Stop(bringDown bool)
	Restart() bool
	Wake() bool
	ForcedStop()

	// Pinning
	PinStart()
	PinStop()
	Unpin()

	// Listeners
	AddListener(ServiceListener)
	RemoveListener(ServiceListener)

	// Log buffer access (for the catlog command)
	GetLogBuffer() *LogBuffer
	GetLogType() LogType

	// Internal access to the record (for state machine operations)
	Record() *ServiceRecord
}

// ServiceListener is notified of service state changes.
type ServiceListener interface {
	ServiceEvent(svc Service, event ServiceEvent)
}

// ServiceRecord holds the shared state for all service kinds.
// Service implementations embed this struct.
type ServiceRecord struct {
	self        Service // pointer back to the implementing Service
	serviceName string
	recordType  ServiceType

	// State
	state   ServiceState
	desired ServiceState

	// Flags
	autoRestart    bool
	smoothRecovery bool

	// Pins
	pinnedStopped     bool
	pinnedStarted     bool
	deptPinnedStarted bool

	// Waiting flags
	waitingForDeps    bool
	waitingForConsole bool
	haveConsole       bool
	startExplicit     bool

	// Propagation flags
	propRequire bool
	propRelease bool
	propFailure bool
	propStart   bool
	propStop    bool
	propPinDpt  bool

	// Start status
	startFailed  bool
	startSkipped bool

	// Set while a stop is in progress whose purpose is a restart
	restarting bool

	// Force stop flag
	forceStop bool

	// Reference counting
	requiredBy int

	// Dependencies
	dependsOn  []*ServiceDep // services this one depends on
	dependents []*ServiceDep // services depending on this one

	// The set this service belongs to
	services *ServiceSet

	// Listeners
	listeners []ServiceListener

	// Process settings (shared across service kinds)
	termSignal syscall.Signal
	stopReason StoppedReason
	chainTo    string // service to start when this one completes

	// Queue membership flags
	InPropQueue       bool
	InTransitionQueue bool

	// On-start flags
	Flags ServiceFlags
}

// NewServiceRecord creates a new ServiceRecord with default values.
func NewServiceRecord(self Service, set *ServiceSet, name string, recordType ServiceType) *ServiceRecord {
	return &ServiceRecord{
		self:        self,
		serviceName: name,
		recordType:  recordType,
		state:       StateStopped,
		desired:     StateStopped,
		termSignal:  syscall.SIGTERM,
		services:    set,
	}
}

// --- Interface implementation methods ---

func (sr *ServiceRecord) Name() string                { return sr.serviceName }
func (sr *ServiceRecord) Type() ServiceType           { return sr.recordType }
func (sr *ServiceRecord) State() ServiceState         { return sr.state }
func (sr *ServiceRecord) TargetState() ServiceState   { return sr.desired }
func (sr *ServiceRecord) StopReason() StoppedReason   { return sr.stopReason }
func (sr *ServiceRecord) RequiredBy() int             { return sr.requiredBy }
func (sr *ServiceRecord) Dependencies() []*ServiceDep { return sr.dependsOn }
func (sr *ServiceRecord) Dependents() []*ServiceDep   { return sr.dependents }
func (sr *ServiceRecord) Record() *ServiceRecord      { return sr }
func (sr *ServiceRecord) PID() int                    { return -1 }
func (sr *ServiceRecord) GetExitStatus() ExitStatus   { return ExitStatus{} }
func (sr *ServiceRecord) BecomingInactive()           {}
func (sr *ServiceRecord) CheckRestart() bool          { return true }
func (sr *ServiceRecord) CanProceedToStart() bool     { return true }

func (sr *ServiceRecord) AddListener(l ServiceListener) {
	sr.listeners = append(sr.listeners, l)
}

func (sr *ServiceRecord) RemoveListener(l ServiceListener) {
	for i, existing := range sr.listeners {
		if existing == l {
			sr.listeners = append(sr.listeners[:i], sr.listeners[i+1:]...)
			return
		}
	}
}

// --- Setters ---

func (sr *ServiceRecord) SetAutoRestart(v bool)            { sr.autoRestart = v }
func (sr *ServiceRecord) SetSmoothRecovery(v bool)         { sr.smoothRecovery = v }
func (sr *ServiceRecord) SetChainTo(name string)           { sr.chainTo = name }
func (sr *ServiceRecord) SetTermSignal(sig syscall.Signal) { sr.termSignal = sig }
func (sr *ServiceRecord) SetFlags(flags ServiceFlags)      { sr.Flags = flags }

func (sr *ServiceRecord) IsMarkedActive() bool    { return sr.startExplicit }
func (sr *ServiceRecord) IsStartPinned() bool     { return sr.pinnedStarted || sr.deptPinnedStarted }
func (sr *ServiceRecord) IsStopPinned() bool      { return sr.pinnedStopped }
func (sr *ServiceRecord) DidStartFail() bool      { return sr.startFailed }
func (sr *ServiceRecord) WasStartSkipped() bool   { return sr.startSkipped }
func (sr *ServiceRecord) HasConsole() bool        { return sr.haveConsole }
func (sr *ServiceRecord) WaitingForConsole() bool { return sr.waitingForConsole }

// Default log buffer implementations (overridden by process-based services)
func (sr *ServiceRecord) GetLogBuffer() *LogBuffer { return nil }
func (sr *ServiceRecord) GetLogType() LogType      { return LogNone }

// IsFundamentallyStopped returns true if the service is effectively stopped:
// either in STOPPED state, or STARTING but still waiting for deps.
func (sr *ServiceRecord) IsFundamentallyStopped() bool {
	return sr.state == StateStopped ||
		(sr.state == StateStarting && sr.waitingForDeps)
}

// CanInterruptStop returns true if a STOPPING service can immediately go back
// to STARTING.
func (sr *ServiceRecord) CanInterruptStop() bool {
	return sr.waitingForDeps && !sr.forceStop
}

// CanInterruptStart: by default a start that has not reached the bring-up
// stage can always be abandoned.
func (sr *ServiceRecord) CanInterruptStart() bool { return true }

// InterruptStart cancels an in-progress bring-up. Returning true means the
// start is cancelled immediately; false means the caller must wait for the
// startup to actually end.
func (sr *ServiceRecord) InterruptStart() bool { return true }

// --- State machine entry points ---

// Start requests that the service be started. If activate is true, one unit
// of explicit activation is added (held until a Stop or Release).
func (sr *ServiceRecord) Start(activate bool) {
	if activate && !sr.startExplicit {
		sr.Require()
		sr.startExplicit = true
	}

	sr.doStart()
}

// Stop removes explicit activation and optionally brings the service down.
// A service with no remaining activations is always brought down.
func (sr *ServiceRecord) Stop(bringDown bool) {
	if sr.startExplicit {
		sr.startExplicit = false
		sr.requiredBy--
	}

	// A service nothing requires any more is treated as a full manual stop;
	// this covers a service kept running only by auto-restart.
	if bringDown || sr.requiredBy == 0 {
		sr.desired = StateStopped
	}

	if sr.IsStartPinned() {
		return
	}

	if sr.requiredBy == 0 {
		bringDown = true
		sr.propRelease = !sr.propRequire
		sr.propRequire = false
		if sr.propRelease {
			sr.services.AddPropQueue(sr.self)
		}
	}

	if bringDown && sr.state != StateStopped {
		sr.stopReason = ReasonNormal
		sr.doStop(false)
	}
}

// Restart restarts the service without affecting dependency links or
// activation. Returns true if the restart was issued.
func (sr *ServiceRecord) Restart() bool {
	if sr.state != StateStarted {
		return false
	}
	sr.restarting = true
	sr.stopReason = ReasonNormal
	sr.doStop(true)
	return true
}

// Wake starts the service without marking it explicitly activated. It
// succeeds only if the service is (or becomes, by re-attaching live
// dependents) required by something.
func (sr *ServiceRecord) Wake() bool {
	if sr.state == StateStarted || sr.state == StateStarting {
		return true
	}

	for _, dept := range sr.dependents {
		if !dept.HoldingAcq && !dept.IsOnlyOrdering() {
			st := dept.From.State()
			if st == StateStarted || st == StateStarting {
				dept.HoldingAcq = true
				sr.requiredBy++
			}
		}
	}

	if sr.requiredBy == 0 {
		return false
	}

	sr.doStart()
	return true
}

// ForcedStop marks this service and all dependents for forced stop.
func (sr *ServiceRecord) ForcedStop() {
	if sr.state != StateStopped {
		sr.forceStop = true
		if !sr.IsStartPinned() {
			sr.propStop = true
			sr.services.AddPropQueue(sr.self)
		}
	}
}

// Require increments the required_by count and triggers start if needed.
func (sr *ServiceRecord) Require() {
	sr.requiredBy++
	if sr.requiredBy == 1 {
		if sr.state != StateStarting && sr.state != StateStarted {
			sr.propStart = true
			sr.services.AddPropQueue(sr.self)
		}
	}
}

// Release decrements the required_by count; on reaching zero the desired
// state becomes stopped and, if issueStop is set, a stop is initiated.
func (sr *ServiceRecord) Release(issueStop bool) {
	sr.requiredBy--
	if sr.requiredBy != 0 {
		return
	}

	if sr.state == StateStopping && sr.desired == StateStarted && !sr.IsStartPinned() {
		// A pending restart has been abandoned.
		sr.notifyListeners(EventStartCancelled)
	}
	sr.desired = StateStopped

	if sr.IsStartPinned() {
		return
	}

	if sr.state != StateStopped && sr.state != StateStopping {
		sr.propRelease = !sr.propRequire
		sr.propRequire = false
		if sr.propRelease {
			sr.services.AddPropQueue(sr.self)
		}
	}

	if sr.state == StateStopped {
		sr.services.ServiceInactive(sr.self)
	} else if issueStop && sr.state != StateStopping {
		sr.stopReason = ReasonNormal
		sr.doStop(false)
	}
}

// ReleaseDependencies releases all held dependency acquisitions.
func (sr *ServiceRecord) ReleaseDependencies() {
	for _, dep := range sr.dependsOn {
		if dep.HoldingAcq {
			// Clear before releasing: the dependency may inspect this link
			// while deciding to stop.
			dep.HoldingAcq = false
			dep.To.Record().Release(true)
		}
	}
}

// --- Pinning ---

// PinStart pins the service in the started state. The pin propagates to
// hard dependencies, which must not stop underneath a pinned service.
// A service cannot be pinned in both directions: whichever pin is set first
// wins, and the other is ignored.
func (sr *ServiceRecord) PinStart() {
	if sr.pinnedStopped {
		return
	}
	if !sr.pinnedStarted {
		if !sr.deptPinnedStarted {
			for _, dep := range sr.dependsOn {
				if dep.IsHard() {
					toRec := dep.To.Record()
					if !toRec.deptPinnedStarted {
						toRec.propPinDpt = true
						sr.services.AddPropQueue(dep.To)
					}
				}
			}
		}
		sr.pinnedStarted = true
	}
}

// PinStop pins the service in the stopped state.
func (sr *ServiceRecord) PinStop() {
	if sr.pinnedStarted {
		return
	}
	sr.pinnedStopped = true
}

// Unpin removes both start and stop pins and re-runs the action the pin was
// holding back.
func (sr *ServiceRecord) Unpin() {
	if sr.pinnedStarted {
		sr.pinnedStarted = false

		if !sr.deptPinnedStarted {
			for _, dep := range sr.dependsOn {
				if dep.IsHard() {
					toRec := dep.To.Record()
					if toRec.deptPinnedStarted {
						toRec.propPinDpt = true
						sr.services.AddPropQueue(dep.To)
					}
				}
			}

			if sr.state == StateStarted {
				if sr.requiredBy == 0 {
					sr.propRelease = true
					sr.services.AddPropQueue(sr.self)
				}
				if sr.desired == StateStopped || sr.forceStop {
					sr.doStop(false)
					sr.services.ProcessQueues()
				}
			}
		}
	}
	if sr.pinnedStopped {
		sr.pinnedStopped = false
		if sr.desired == StateStarted {
			sr.doStart()
			sr.services.ProcessQueues()
		}
	}
}

// --- Propagation ---

// DoPropagation processes pending propagation flags.
func (sr *ServiceRecord) DoPropagation() {
	if sr.propRequire {
		for _, dep := range sr.dependsOn {
			if !dep.IsOnlyOrdering() && !dep.HoldingAcq {
				dep.To.Record().Require()
				dep.HoldingAcq = true
			}
		}
		sr.propRequire = false
	}

	if sr.propRelease {
		sr.ReleaseDependencies()
		sr.propRelease = false
	}

	if sr.propFailure {
		sr.propFailure = false
		sr.stopReason = ReasonDepFailed
		sr.failedToStart(true, true)
	}

	if sr.propStart {
		sr.propStart = false
		sr.doStart()
	}

	if sr.propStop {
		sr.propStop = false
		sr.doStop(sr.restarting)
	}

	if sr.propPinDpt {
		sr.propPinDpt = false
		deptPin := false
		for _, dept := range sr.dependents {
			if dept.IsHard() && dept.From.Record().IsStartPinned() {
				deptPin = true
				break
			}
		}
		if deptPin != sr.deptPinnedStarted {
			sr.deptPinnedStarted = deptPin
			for _, dep := range sr.dependsOn {
				if dep.IsHard() {
					toRec := dep.To.Record()
					if toRec.deptPinnedStarted != deptPin {
						toRec.propPinDpt = true
						sr.services.AddPropQueue(dep.To)
					}
				}
			}

			if !sr.deptPinnedStarted && !sr.pinnedStarted {
				if (sr.desired == StateStopped || sr.forceStop) && sr.state == StateStarted {
					sr.doStop(false)
				}
			}
		}
	}
}

// ExecuteTransition makes whatever progress the current state allows. Run
// once per queue drain for each record on the transition queue.
func (sr *ServiceRecord) ExecuteTransition() {
	// STARTED with restarting set means a smooth recovery is under way.
	if sr.state == StateStarting || (sr.state == StateStarted && sr.restarting) {
		if sr.checkDepsStarted() {
			sr.allDepsStarted()
		}
	} else if sr.state == StateStopping {
		if sr.stopCheckDependents() {
			sr.waitingForDeps = false

			// The service did stop: its explicit activation is released now,
			// unless it is going to restart.
			if sr.startExplicit && !sr.autoRestart && !sr.restarting {
				sr.startExplicit = false
				sr.Release(false)
			}

			sr.self.BringDown()
		}
	}
}

// --- Internal state machine helpers ---

func (sr *ServiceRecord) notifyListeners(event ServiceEvent) {
	for _, l := range sr.listeners {
		l.ServiceEvent(sr.self, event)
	}
}

func (sr *ServiceRecord) doStart() {
	sr.propStart = false

	wasActive := sr.state != StateStopped || sr.desired != StateStopped

	sr.desired = StateStarted

	// Re-attach soft dependents when starting again
	if sr.state == StateStopped {
		for _, dept := range sr.dependents {
			if !dept.IsHard() && !dept.IsOnlyOrdering() {
				deptState := dept.From.Record().state
				if !dept.HoldingAcq &&
					(deptState == StateStarted || deptState == StateStarting) {
					dept.HoldingAcq = true
					sr.requiredBy++
				}
			}
		}
	}

	if sr.state != StateStopped {
		// Already starting/started, or stopping.
		if sr.state != StateStopping {
			return
		}
		if !sr.CanInterruptStop() {
			// The stop is past the point of no return; restart once it
			// completes.
			sr.restarting = true
			return
		}
		sr.notifyListeners(EventStopCancelled)
	} else if !wasActive {
		sr.services.ServiceActive(sr.self)
		sr.propRequire = !sr.propRelease
		sr.propRelease = false
		if sr.propRequire {
			sr.services.AddPropQueue(sr.self)
		}
	}

	if sr.pinnedStopped {
		// The pin gates the exit from stopped; the start remains latched
		// in the desired state and is applied on unpin. Propagation (and
		// so dependency acquisition) is not blocked.
		return
	}

	sr.initiateStart()
}

func (sr *ServiceRecord) initiateStart() {
	sr.startFailed = false
	sr.startSkipped = false
	sr.state = StateStarting
	sr.waitingForDeps = true

	if sr.startCheckDependencies() {
		sr.services.AddTransitionQueue(sr.self)
	}
}

func (sr *ServiceRecord) startCheckDependencies() bool {
	allStarted := true

	for _, dep := range sr.dependsOn {
		to := dep.To
		if dep.IsOnlyOrdering() {
			// Ordering constraints only matter against a concurrent start.
			if to.State() == StateStarting && dep.DepType == DepAfter {
				dep.WaitingOn = true
				allStarted = false
			}
			continue
		}
		if dep.DepType == DepSoft {
			// Soft dependencies start in parallel; they are not waited for.
			continue
		}
		if to.State() != StateStarted {
			dep.WaitingOn = true
			allStarted = false
		}
	}

	// A BEFORE link is held in the other service's dependsOn; mark ourselves
	// as waiting on any such link whose source is currently starting.
	for _, dept := range sr.dependents {
		if dept.DepType == DepBefore && !dept.WaitingOn {
			if dept.From.State() == StateStarting {
				dept.WaitingOn = true
				allStarted = false
			}
		}
	}

	return allStarted
}

func (sr *ServiceRecord) checkDepsStarted() bool {
	for _, dep := range sr.dependsOn {
		if dep.WaitingOn && dep.DepType != DepBefore {
			return false
		}
	}
	// BEFORE links whose source has not finished its start attempt:
	for _, dept := range sr.dependents {
		if dept.DepType == DepBefore && dept.WaitingOn {
			return false
		}
	}
	return true
}

func (sr *ServiceRecord) allDepsStarted() {
	if sr.waitingForConsole {
		// Already queued; acquiredConsole re-enters here.
		return
	}
	if sr.Flags.StartsOnConsole && !sr.haveConsole {
		sr.queueForConsole()
		return
	}

	sr.waitingForDeps = false

	if !sr.self.CanProceedToStart() {
		// Not yet; a later event (restart timer, unpin) re-queues us.
		sr.waitingForDeps = true
		return
	}

	ok := sr.self.BringUp()
	sr.restarting = false
	if !ok {
		sr.failedToStart(false, true)
	}
}

// Started is called when the service has successfully started.
func (sr *ServiceRecord) Started() {
	if sr.haveConsole && !sr.Flags.RunsOnConsole {
		sr.releaseConsole()
	}

	sr.services.logger.ServiceStarted(sr.serviceName)
	sr.state = StateStarted
	sr.notifyListeners(EventStarted)

	if sr.forceStop || sr.desired == StateStopped {
		sr.doStop(false)
		return
	}

	// Notify dependents waiting on us
	for _, dept := range sr.dependents {
		if dept.WaitingOn && dept.DepType != DepBefore {
			dept.WaitingOn = false
			dept.From.Record().dependencyStarted()
		}
	}
	// Release services ordered after us
	for _, dep := range sr.dependsOn {
		if dep.DepType == DepBefore && dep.WaitingOn {
			dep.WaitingOn = false
			dep.To.Record().dependencyStarted()
		}
	}
}

// Stopped is called when the service has actually stopped.
func (sr *ServiceRecord) Stopped() {
	if sr.haveConsole {
		sr.releaseConsole()
	}

	sr.forceStop = false

	if sr.autoRestart && !sr.services.IsShuttingDown() {
		sr.restarting = true
	}
	willRestart := sr.restarting && sr.requiredBy > 0
	if willRestart && !sr.self.CheckRestart() {
		willRestart = false
	}
	if sr.restarting && !willRestart {
		sr.notifyListeners(EventStartCancelled)
	}
	sr.restarting = false

	// If we won't restart, break soft dependencies and release anything
	// ordered after us now.
	if !willRestart {
		for _, dept := range sr.dependents {
			if dept.IsOnlyOrdering() {
				if dept.DepType == DepAfter && dept.WaitingOn {
					dept.WaitingOn = false
					dept.From.Record().dependencyStarted()
				}
				continue
			}
			if !dept.IsHard() {
				if dept.WaitingOn {
					dept.WaitingOn = false
					dept.From.Record().dependencyStarted()
				}
				if dept.HoldingAcq {
					dept.HoldingAcq = false
					sr.Release(false)
				}
			}
		}
	}

	// An abandoned start attempt releases anything ordered after us
	for _, dep := range sr.dependsOn {
		if dep.DepType == DepBefore && dep.WaitingOn {
			dep.WaitingOn = false
			dep.To.Record().dependencyStarted()
		}
	}

	// Signal dependencies in case they are waiting for us to stop
	for _, dep := range sr.dependsOn {
		if !dep.IsOnlyOrdering() {
			dep.To.Record().dependentStopped()
		}
	}

	sr.state = StateStopped

	if willRestart {
		sr.restarting = true
		sr.Start(false)
	} else {
		sr.self.BecomingInactive()

		if sr.startExplicit {
			sr.startExplicit = false
			sr.Release(false)
		} else if sr.requiredBy == 0 {
			sr.propRelease = !sr.propRequire
			sr.propRequire = false
			if sr.propRelease {
				sr.services.AddPropQueue(sr.self)
			}
			sr.services.ServiceInactive(sr.self)
		}
	}

	// Start failure was logged already; only log a stop for other reasons.
	if !sr.startFailed {
		sr.services.logger.ServiceStopped(sr.serviceName)

		if sr.chainTo != "" && !willRestart && !sr.services.IsShuttingDown() {
			shouldChain := sr.Flags.AlwaysChain ||
				(sr.stopReason.DidFinish() && sr.self.GetExitStatus().Exited() &&
					sr.self.GetExitStatus().ExitCode() == 0)
			if shouldChain {
				chainSvc, err := sr.services.LoadService(sr.chainTo)
				if err != nil {
					sr.services.logger.Error("Couldn't chain to service %s: %v", sr.chainTo, err)
				} else {
					chainSvc.Start(false)
				}
			}
		}
	}
	sr.notifyListeners(EventStopped)
}

// failedToStart handles start failure: dependents are cancelled or notified,
// held activations are returned, and (optionally) the service is stopped
// immediately.
func (sr *ServiceRecord) failedToStart(depFailed bool, immediateStop bool) {
	if sr.waitingForConsole {
		sr.services.UnqueueConsole(sr.self)
		sr.waitingForConsole = false
	}

	if sr.startExplicit {
		sr.startExplicit = false
		sr.Release(false)
	}

	// Cancel start of dependents
	for _, dept := range sr.dependents {
		switch dept.DepType {
		case DepRegular, DepMilestone:
			if dept.From.State() == StateStarting {
				dept.From.Record().propFailure = true
				sr.services.AddPropQueue(dept.From)
			}
		case DepWaitsFor, DepSoft, DepAfter:
			if dept.WaitingOn {
				dept.WaitingOn = false
				dept.From.Record().dependencyStarted()
			}
		}

		// Release now, so that our desired state is STOPPED before stopped()
		// runs; otherwise it may decide to restart us.
		if dept.HoldingAcq {
			dept.HoldingAcq = false
			sr.Release(false)
		}
	}

	// Release services ordered after us
	for _, dep := range sr.dependsOn {
		if dep.DepType == DepBefore && dep.WaitingOn {
			dep.WaitingOn = false
			dep.To.Record().dependencyStarted()
		}
	}

	sr.startFailed = true
	sr.restarting = false
	sr.services.logger.ServiceFailed(sr.serviceName, depFailed)
	sr.notifyListeners(EventFailedStart)
	sr.pinnedStarted = false

	if immediateStop {
		sr.Stopped()
	}
}

// doStop initiates the stop sequence. withRestart propagates a restart (not
// a plain stop) to hard dependents and preserves soft links.
func (sr *ServiceRecord) doStop(withRestart bool) {
	if sr.IsStartPinned() {
		return
	}

	allDepsStopped := sr.stopDependents(withRestart)

	if sr.state != StateStarted {
		if sr.state == StateStarting {
			if !sr.waitingForDeps && !sr.waitingForConsole {
				if !sr.self.CanInterruptStart() {
					// We have to continue starting; desired is already
					// latched to stopped, so we stop on reaching started.
					return
				}
				if !sr.self.InterruptStart() {
					// Wait for the startup to actually end.
					sr.notifyListeners(EventStartCancelled)
					return
				}
			} else if sr.waitingForConsole {
				sr.services.UnqueueConsole(sr.self)
				sr.waitingForConsole = false
			}

			sr.notifyListeners(EventStartCancelled)
		} else {
			// Already stopped or stopping.
			return
		}
	}

	sr.state = StateStopping
	sr.waitingForDeps = true
	if allDepsStopped {
		sr.services.AddTransitionQueue(sr.self)
	}
}

func (sr *ServiceRecord) dependencyStarted() {
	// STARTED is checked too: a smooth recovery may be waiting on deps.
	if (sr.state == StateStarting || sr.state == StateStarted) && sr.waitingForDeps {
		sr.services.AddTransitionQueue(sr.self)
	}
}

func (sr *ServiceRecord) dependentStopped() {
	if sr.state == StateStopping && sr.waitingForDeps {
		sr.services.AddTransitionQueue(sr.self)
	}
}

func (sr *ServiceRecord) stopCheckDependents() bool {
	for _, dept := range sr.dependents {
		if dept.IsHard() && dept.HoldingAcq && !dept.From.Record().IsFundamentallyStopped() {
			return false
		}
	}
	return true
}

func (sr *ServiceRecord) stopDependents(forRestart bool) bool {
	allStopped := true

	for _, dept := range sr.dependents {
		if dept.IsHard() {
			depFrom := dept.From.Record()

			if !depFrom.IsFundamentallyStopped() {
				allStopped = false
			}

			if sr.forceStop {
				if sr.desired == StateStopped {
					depFrom.stopReason = ReasonDepFailed
					depFrom.desired = StateStopped
				}
				depFrom.ForcedStop()
			}

			if dept.From.State() != StateStopped {
				if sr.desired == StateStopped {
					if depFrom.desired != StateStopped {
						depFrom.desired = StateStopped
						if depFrom.startExplicit {
							depFrom.startExplicit = false
							depFrom.Release(true)
						}
						depFrom.propStop = true
						sr.services.AddPropQueue(dept.From)
					}
				} else if forRestart && dept.From.State() != StateStopping {
					depFrom.stopReason = ReasonDepRestart
					depFrom.restarting = true
					depFrom.propStop = true
					sr.services.AddPropQueue(dept.From)
				}
			}
		} else if !forRestart && !dept.IsOnlyOrdering() {
			// Soft dependency: break the link
			if dept.WaitingOn {
				dept.WaitingOn = false
				dept.From.Record().dependencyStarted()
			}
			if dept.HoldingAcq {
				dept.HoldingAcq = false
				sr.Release(false)
			}
		}
	}

	return allStopped
}

// --- Console ---

func (sr *ServiceRecord) queueForConsole() {
	sr.waitingForConsole = true
	sr.services.AppendConsoleQueue(sr.self)
}

func (sr *ServiceRecord) releaseConsole() {
	sr.haveConsole = false
	sr.services.PullConsoleQueue()
}

// AcquiredConsole is called when the console becomes available.
func (sr *ServiceRecord) AcquiredConsole() {
	sr.waitingForConsole = false
	sr.haveConsole = true

	if sr.state != StateStarting {
		// We got the console but no longer want it.
		sr.releaseConsole()
	} else if sr.checkDepsStarted() {
		sr.allDepsStarted()
	} else {
		// Can't use it yet.
		sr.releaseConsole()
	}
}

// --- Dependency management ---

// AddDep adds a dependency to the service. If this service is starting or
// started, a regular dependency is acquired (and so started) right away;
// other non-ordering kinds are acquired only if their target is already
// starting or started.
func (sr *ServiceRecord) AddDep(to Service, depType DependencyType) *ServiceDep {
	dep := NewServiceDep(sr.self, to, depType)
	sr.dependsOn = append(sr.dependsOn, dep)
	toRec := to.Record()
	toRec.dependents = append(toRec.dependents, dep)

	if depType != DepBefore && depType != DepAfter {
		if depType == DepRegular ||
			to.State() == StateStarted ||
			to.State() == StateStarting {
			if sr.state == StateStarting || sr.state == StateStarted {
				toRec.Require()
				dep.HoldingAcq = true
			}
		}
	}

	return dep
}

// RmDep removes a dependency of the given type to the given service.
func (sr *ServiceRecord) RmDep(to Service, depType DependencyType) bool {
	for i, dep := range sr.dependsOn {
		if dep.To == to && dep.DepType == depType {
			sr.rmDepByIndex(i)
			return true
		}
	}
	return false
}

func (sr *ServiceRecord) rmDepByIndex(i int) {
	dep := sr.dependsOn[i]
	toRec := dep.To.Record()

	for j, d := range toRec.dependents {
		if d == dep {
			toRec.dependents = append(toRec.dependents[:j], toRec.dependents[j+1:]...)
			break
		}
	}

	if dep.HoldingAcq {
		toRec.Release(true)
	}

	sr.dependsOn = append(sr.dependsOn[:i], sr.dependsOn[i+1:]...)
}
