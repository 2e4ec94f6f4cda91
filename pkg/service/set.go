package service

import (
	"fmt"
)

// ServiceLogger is the interface for logging service events.
type ServiceLogger interface {
	ServiceStarted(name string)
	ServiceStopped(name string)
	ServiceFailed(name string, depFailed bool)
	Error(format string, args ...interface{})
	Info(format string, args ...interface{})
}

// ServiceLoader is the interface for loading service descriptions.
type ServiceLoader interface {
	LoadService(name string) (Service, error)
	ServiceDirs() []string
}

// ServiceNotFound is returned when a requested service cannot be found.
type ServiceNotFound struct {
	Name string
}

func (e *ServiceNotFound) Error() string {
	return fmt.Sprintf("service not found: %s", e.Name)
}

// ServiceSet owns the collection of service records and drives the three
// work queues (propagation, transition, console). It is the single entry
// point for commands and the single dispatcher of graph-wide passes.
//
// The set has no locking: all access must happen on the dispatcher thread
// (see pkg/eventloop), and the queues are drained to a fixed point after
// every externally delivered event.
type ServiceSet struct {
	records        map[string]Service
	activeServices int
	restartEnabled bool
	shutdownType   ShutdownType

	// Processing queues
	propQueue       []Service
	transitionQueue []Service
	consoleQueue    []Service

	loader ServiceLoader

	// Collaborators
	logger ServiceLogger
	clock  Clock
	agent  ProcessAgent
}

// NewServiceSet creates a new ServiceSet with the given collaborators. The
// clock and agent may be test fakes; nothing in the engine reaches the OS
// except through them.
func NewServiceSet(logger ServiceLogger, clock Clock, agent ProcessAgent) *ServiceSet {
	return &ServiceSet{
		records:        make(map[string]Service),
		restartEnabled: true,
		logger:         logger,
		clock:          clock,
		agent:          agent,
	}
}

// SetLoader sets the service loader for this set.
func (ss *ServiceSet) SetLoader(loader ServiceLoader) {
	ss.loader = loader
}

// Clock returns the set's time source.
func (ss *ServiceSet) Clock() Clock { return ss.clock }

// Agent returns the set's process agent.
func (ss *ServiceSet) Agent() ProcessAgent { return ss.agent }

// FindService locates an existing service by name, or nil.
func (ss *ServiceSet) FindService(name string) Service {
	return ss.records[name]
}

// LoadService returns the named service, loading it if necessary.
func (ss *ServiceSet) LoadService(name string) (Service, error) {
	if svc := ss.FindService(name); svc != nil {
		return svc, nil
	}
	if ss.loader != nil {
		return ss.loader.LoadService(name)
	}
	return nil, &ServiceNotFound{Name: name}
}

// AddService registers a service. Registration is idempotent by name: an
// already-registered name keeps its existing record.
func (ss *ServiceSet) AddService(svc Service) Service {
	if existing, ok := ss.records[svc.Name()]; ok {
		return existing
	}
	ss.records[svc.Name()] = svc
	return svc
}

// RemoveService removes a service from the set without checks. Most callers
// want UnloadService.
func (ss *ServiceSet) RemoveService(svc Service) {
	delete(ss.records, svc.Name())
}

// UnloadService unregisters a service. The service must be fully stopped,
// inactive, and have no incoming dependency links.
func (ss *ServiceSet) UnloadService(svc Service) error {
	rec := svc.Record()
	if svc.State() != StateStopped || rec.requiredBy != 0 {
		return fmt.Errorf("service %s: cannot unload: not stopped", svc.Name())
	}
	if len(rec.dependents) != 0 {
		return fmt.Errorf("service %s: cannot unload: has dependents", svc.Name())
	}
	for len(rec.dependsOn) > 0 {
		rec.rmDepByIndex(0)
	}
	delete(ss.records, svc.Name())
	ss.ProcessQueues()
	return nil
}

// ListServices returns all loaded services.
func (ss *ServiceSet) ListServices() []Service {
	result := make([]Service, 0, len(ss.records))
	for _, svc := range ss.records {
		result = append(result, svc)
	}
	return result
}

// --- Command entry points ---

// StartService starts a service and processes queues.
func (ss *ServiceSet) StartService(svc Service, activate bool) {
	svc.Start(activate)
	ss.ProcessQueues()
}

// StopService stops a service and processes queues.
func (ss *ServiceSet) StopService(svc Service, bringDown bool) {
	svc.Stop(bringDown)
	ss.ProcessQueues()
}

// RestartService restarts a started service. Returns false if the service
// was not in a restartable state.
func (ss *ServiceSet) RestartService(svc Service) bool {
	ok := svc.Restart()
	ss.ProcessQueues()
	return ok
}

// WakeService starts a service without explicit activation.
func (ss *ServiceSet) WakeService(svc Service) bool {
	ok := svc.Wake()
	ss.ProcessQueues()
	return ok
}

// ReleaseService removes the explicit activation from a service.
func (ss *ServiceSet) ReleaseService(svc Service) {
	rec := svc.Record()
	if rec.startExplicit {
		rec.startExplicit = false
		rec.Release(true)
	}
	ss.ProcessQueues()
}

// UnpinService clears pins and applies any pending state change.
func (ss *ServiceSet) UnpinService(svc Service) {
	svc.Unpin()
	ss.ProcessQueues()
}

// AddDependency creates a dependency link between two loaded services. Hard
// links that would close a dependency cycle are refused.
func (ss *ServiceSet) AddDependency(from, to Service, depType DependencyType) (*ServiceDep, error) {
	if from == to {
		return nil, fmt.Errorf("service %s: dependency on itself", from.Name())
	}
	if (depType == DepRegular || depType == DepMilestone) && ss.wouldCreateCycle(from, to) {
		return nil, fmt.Errorf("dependency %s -> %s would create a cycle",
			from.Name(), to.Name())
	}
	dep := from.Record().AddDep(to, depType)
	ss.ProcessQueues()
	return dep, nil
}

// RmDependency removes a dependency link. Returns false if no such link.
func (ss *ServiceSet) RmDependency(from, to Service, depType DependencyType) bool {
	ok := from.Record().RmDep(to, depType)
	ss.ProcessQueues()
	return ok
}

// wouldCreateCycle reports whether to can already reach from via hard
// (regular or milestone) links.
func (ss *ServiceSet) wouldCreateCycle(from, to Service) bool {
	seen := make(map[Service]bool)
	var walk func(svc Service) bool
	walk = func(svc Service) bool {
		if svc == from {
			return true
		}
		if seen[svc] {
			return false
		}
		seen[svc] = true
		for _, dep := range svc.Dependencies() {
			if dep.DepType != DepRegular && dep.DepType != DepMilestone {
				continue
			}
			if walk(dep.To) {
				return true
			}
		}
		return false
	}
	return walk(to)
}

// StopAllServices stops all services (for shutdown). Automatic restart is
// disabled first so nothing comes back up.
func (ss *ServiceSet) StopAllServices(shutdownType ShutdownType) {
	ss.restartEnabled = false
	ss.shutdownType = shutdownType
	for _, svc := range ss.records {
		svc.Stop(false)
		svc.Unpin()
	}
	ss.ProcessQueues()
}

// --- Queue management ---

// AddPropQueue adds a service to the propagation queue.
func (ss *ServiceSet) AddPropQueue(svc Service) {
	rec := svc.Record()
	if !rec.InPropQueue {
		rec.InPropQueue = true
		ss.propQueue = append(ss.propQueue, svc)
	}
}

// AddTransitionQueue adds a service to the transition queue.
func (ss *ServiceSet) AddTransitionQueue(svc Service) {
	rec := svc.Record()
	if !rec.InTransitionQueue {
		rec.InTransitionQueue = true
		ss.transitionQueue = append(ss.transitionQueue, svc)
	}
}

// ProcessQueues drains the propagation and transition queues until both are
// empty: the propagation queue fully, then one transition pass, repeated to
// the fixed point. Require/release counts therefore always reflect reality
// before state-machine decisions are taken.
func (ss *ServiceSet) ProcessQueues() {
	for len(ss.propQueue) > 0 || len(ss.transitionQueue) > 0 {
		for len(ss.propQueue) > 0 {
			svc := ss.propQueue[0]
			ss.propQueue = ss.propQueue[1:]
			svc.Record().InPropQueue = false
			svc.Record().DoPropagation()
		}
		if len(ss.transitionQueue) > 0 {
			svc := ss.transitionQueue[0]
			ss.transitionQueue = ss.transitionQueue[1:]
			svc.Record().InTransitionQueue = false
			svc.Record().ExecuteTransition()
		}
	}
}

// --- Console queue ---

// AppendConsoleQueue adds a service to the console wait queue. The head of
// the queue owns the console.
func (ss *ServiceSet) AppendConsoleQueue(svc Service) {
	ss.consoleQueue = append(ss.consoleQueue, svc)
	if len(ss.consoleQueue) == 1 {
		svc.Record().AcquiredConsole()
	}
}

// PullConsoleQueue grants the console to the next waiting service.
func (ss *ServiceSet) PullConsoleQueue() {
	if len(ss.consoleQueue) == 0 {
		return
	}
	ss.consoleQueue = ss.consoleQueue[1:]
	if len(ss.consoleQueue) > 0 {
		ss.consoleQueue[0].Record().AcquiredConsole()
	}
}

// UnqueueConsole removes a service from the console queue.
func (ss *ServiceSet) UnqueueConsole(svc Service) {
	for i, s := range ss.consoleQueue {
		if s == svc {
			ss.consoleQueue = append(ss.consoleQueue[:i], ss.consoleQueue[i+1:]...)
			return
		}
	}
}

// --- Active service tracking ---

// ServiceActive increments the active service count.
func (ss *ServiceSet) ServiceActive(svc Service) {
	ss.activeServices++
}

// ServiceInactive decrements the active service count.
func (ss *ServiceSet) ServiceInactive(svc Service) {
	ss.activeServices--
}

// CountActiveServices returns the number of active services.
func (ss *ServiceSet) CountActiveServices() int {
	return ss.activeServices
}

// IsShuttingDown returns true if automatic restart is disabled (shutdown in
// progress).
func (ss *ServiceSet) IsShuttingDown() bool {
	return !ss.restartEnabled
}

// GetShutdownType returns the current shutdown type.
func (ss *ServiceSet) GetShutdownType() ShutdownType {
	return ss.shutdownType
}
