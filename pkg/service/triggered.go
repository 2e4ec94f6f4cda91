package service

// TriggeredService is a service that waits for an external trigger before
// completing startup. Like InternalService, it has no external process.
// The trigger is set via SetTrigger, typically from the control socket.
type TriggeredService struct {
	ServiceRecord
	isTriggered bool
}

// NewTriggeredService creates a new triggered service.
func NewTriggeredService(set *ServiceSet, name string) *TriggeredService {
	svc := &TriggeredService{}
	svc.ServiceRecord = *NewServiceRecord(svc, set, name, TypeTriggered)
	return svc
}

// BringUp starts the triggered service. If already triggered, transitions to
// STARTED immediately. Otherwise, stays in STARTING state until triggered.
func (s *TriggeredService) BringUp() bool {
	if s.isTriggered {
		s.Started()
	}
	return true
}

// BringDown stops the triggered service immediately.
func (s *TriggeredService) BringDown() {
	s.Stopped()
}

// SetTrigger sets or clears the trigger. When set to true and the service
// is in STARTING state with deps satisfied, the service transitions to STARTED.
func (s *TriggeredService) SetTrigger(triggered bool) {
	s.isTriggered = triggered
	if s.isTriggered && s.State() == StateStarting && !s.waitingForDeps {
		s.Started()
		s.services.ProcessQueues()
	}
}

// IsTriggered returns the current trigger state.
func (s *TriggeredService) IsTriggered() bool {
	return s.isTriggered
}
