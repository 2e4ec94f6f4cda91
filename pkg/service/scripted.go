package service

import (
	"syscall"
	"time"

	"github.com/mstuehn/dinit/pkg/process"
)

type scriptedTimerPurpose uint8

const (
	scriptedTimerNone scriptedTimerPurpose = iota
	scriptedTimerStartTimeout
	scriptedTimerStopTimeout
)

// ScriptedService is a service controlled by external start/stop commands.
// The service is considered started when the start command exits with code 0,
// and stopped when the stop command exits.
type ScriptedService struct {
	ServiceRecord

	// Commands
	startCommand []string
	stopCommand  []string
	workingDir   string
	envFile      string

	// Credentials
	runAsUID uint32
	runAsGID uint32

	// Process tracking
	startPID int
	stopPID  int

	// Timeouts
	startTimeout time.Duration
	stopTimeout  time.Duration

	// Timer
	timer        Timer
	timerSeq     uint64
	timerPurpose scriptedTimerPurpose

	interruptingStart bool
	startTimedOut     bool
	exitStatus        ExitStatus
}

// NewScriptedService creates a new scripted service.
func NewScriptedService(set *ServiceSet, name string) *ScriptedService {
	svc := &ScriptedService{
		startTimeout: defaultStartTimeout,
		stopTimeout:  defaultStopTimeout,
	}
	svc.ServiceRecord = *NewServiceRecord(svc, set, name, TypeScripted)
	return svc
}

// SetStartCommand sets the start command.
func (s *ScriptedService) SetStartCommand(cmd []string) { s.startCommand = cmd }

// SetStopCommand sets the stop command.
func (s *ScriptedService) SetStopCommand(cmd []string) { s.stopCommand = cmd }

// SetWorkingDir sets the working directory.
func (s *ScriptedService) SetWorkingDir(dir string) { s.workingDir = dir }

// SetEnvFile sets the environment file path.
func (s *ScriptedService) SetEnvFile(path string) { s.envFile = path }

// SetRunAs sets the UID and GID to run commands as.
func (s *ScriptedService) SetRunAs(uid, gid uint32) {
	s.runAsUID = uid
	s.runAsGID = gid
}

// SetStartTimeout sets the start command timeout (0 disables).
func (s *ScriptedService) SetStartTimeout(d time.Duration) { s.startTimeout = d }

// SetStopTimeout sets the stop command timeout (0 disables).
func (s *ScriptedService) SetStopTimeout(d time.Duration) { s.stopTimeout = d }

// PID returns the PID of the currently running command (start or stop).
func (s *ScriptedService) PID() int {
	if s.startPID > 0 {
		return s.startPID
	}
	return s.stopPID
}

// GetExitStatus returns the exit status of the last command.
func (s *ScriptedService) GetExitStatus() ExitStatus { return s.exitStatus }

func (s *ScriptedService) execParams(cmd []string) process.ExecParams {
	return process.ExecParams{
		Command:    cmd,
		WorkingDir: s.workingDir,
		EnvFile:    s.envFile,
		RunAsUID:   s.runAsUID,
		RunAsGID:   s.runAsGID,
	}
}

// BringUp runs the start command.
func (s *ScriptedService) BringUp() bool {
	if len(s.startCommand) == 0 {
		// No start command = started immediately (like internal)
		s.Started()
		return true
	}

	s.interruptingStart = false
	s.startTimedOut = false
	s.exitStatus = ExitStatus{}

	pid, err := s.services.agent.Launch(s.execParams(s.startCommand), s)
	if err != nil {
		s.services.logger.Error("Service '%s': failed to run start command: %v",
			s.serviceName, err)
		s.stopReason = ReasonExecFailed
		return false
	}

	s.startPID = pid

	if s.startTimeout > 0 {
		s.armTimer(s.startTimeout, scriptedTimerStartTimeout)
	}

	return true
}

// BringDown runs the stop command, if there is one.
func (s *ScriptedService) BringDown() {
	if len(s.stopCommand) == 0 {
		// No stop command = stopped immediately
		s.Stopped()
		return
	}

	pid, err := s.services.agent.Launch(s.execParams(s.stopCommand), s)
	if err != nil {
		s.services.logger.Error("Service '%s': failed to run stop command: %v",
			s.serviceName, err)
		// Stop anyway
		s.Stopped()
		return
	}

	s.stopPID = pid

	if s.stopTimeout > 0 {
		s.armTimer(s.stopTimeout, scriptedTimerStopTimeout)
	}
}

// CanInterruptStart returns true if the start command can be interrupted.
func (s *ScriptedService) CanInterruptStart() bool {
	if s.waitingForDeps {
		return true
	}
	return s.Flags.StartInterruptible
}

// InterruptStart sends SIGINT to the start command.
func (s *ScriptedService) InterruptStart() bool {
	if s.waitingForDeps {
		return true
	}

	if s.startPID > 0 && s.Flags.StartInterruptible {
		s.services.agent.Signal(s.startPID, syscall.SIGINT, false)
		s.interruptingStart = true
		return false // wait for it to die
	}

	return s.startPID <= 0
}

// --- process.Watcher callbacks ---

// ExecResult reports the exec outcome of the start or stop command.
func (s *ScriptedService) ExecResult(pid int, execErr *process.ExecError) {
	if execErr == nil {
		// Commands complete via their exit status.
		return
	}

	switch pid {
	case s.startPID:
		s.startPID = 0
		s.cancelTimer()
		s.services.logger.Error("Service '%s': start command exec failed: %v",
			s.serviceName, execErr)
		s.stopReason = ReasonExecFailed
		s.failedToStart(false, true)
		s.services.ProcessQueues()

	case s.stopPID:
		s.stopPID = 0
		s.cancelTimer()
		s.services.logger.Error("Service '%s': stop command exec failed: %v",
			s.serviceName, execErr)
		s.Stopped()
		s.services.ProcessQueues()
	}
}

// ReadyNotify is unused for scripted services.
func (s *ScriptedService) ReadyNotify(pid int, line string, ok bool) {}

// Exited reports termination of the start or stop command.
func (s *ScriptedService) Exited(pid int, status syscall.WaitStatus) {
	switch pid {
	case s.startPID:
		s.handleStartExit(status)
	case s.stopPID:
		s.handleStopExit(status)
	}
}

func (s *ScriptedService) handleStartExit(status syscall.WaitStatus) {
	s.startPID = 0
	s.exitStatus = ExitStatus{WaitStatus: status, HasStatus: true}
	s.cancelTimer()

	if s.interruptingStart {
		// The start was aborted by a stop request.
		s.interruptingStart = false
		if s.startTimedOut {
			s.failedToStart(false, true)
		} else {
			s.state = StateStopping
			s.Stopped()
		}
		s.services.ProcessQueues()
		return
	}

	switch {
	case s.exitStatus.Exited() && s.exitStatus.ExitCode() == 0:
		s.Started()

	case s.exitStatus.Signaled() && s.exitStatus.Signal() == syscall.SIGINT && s.Flags.Skippable:
		// Start skipped; dependents may proceed.
		s.startSkipped = true
		s.Started()

	case s.startTimedOut:
		s.stopReason = ReasonTimedOut
		s.failedToStart(false, true)

	default:
		s.services.logger.Error("Service '%s': start command failed (status: %v)",
			s.serviceName, status)
		s.stopReason = ReasonFailed
		s.failedToStart(false, true)
	}
	s.services.ProcessQueues()
}

func (s *ScriptedService) handleStopExit(status syscall.WaitStatus) {
	s.stopPID = 0
	s.exitStatus = ExitStatus{WaitStatus: status, HasStatus: true}
	s.cancelTimer()

	if !(s.exitStatus.Exited() && s.exitStatus.ExitCode() == 0) {
		s.services.logger.Error("Service '%s': stop command failed (status: %v)",
			s.serviceName, status)
	}

	// Whether or not the stop command succeeded, the service is stopped.
	s.Stopped()
	s.services.ProcessQueues()
}

func (s *ScriptedService) handleTimerExpiry(purpose scriptedTimerPurpose) {
	switch purpose {
	case scriptedTimerStartTimeout:
		if s.startPID > 0 {
			s.services.logger.Error("Service '%s': start command timeout, sending SIGKILL",
				s.serviceName)
			s.stopReason = ReasonTimedOut
			s.startTimedOut = true
			s.services.agent.Signal(s.startPID, syscall.SIGKILL, false)
		}

	case scriptedTimerStopTimeout:
		if s.stopPID > 0 {
			s.services.logger.Error("Service '%s': stop command timeout, sending SIGKILL",
				s.serviceName)
			s.services.agent.Signal(s.stopPID, syscall.SIGKILL, false)
		}
	}
}

// --- Timer helpers ---

func (s *ScriptedService) armTimer(d time.Duration, purpose scriptedTimerPurpose) {
	s.cancelTimer()
	s.timerPurpose = purpose
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.services.clock.Arm(d, func() {
		if seq != s.timerSeq || s.timerPurpose != purpose {
			return
		}
		s.timer = nil
		s.timerPurpose = scriptedTimerNone
		s.handleTimerExpiry(purpose)
	})
}

func (s *ScriptedService) cancelTimer() {
	if s.timer != nil {
		s.timer.Disarm()
		s.timer = nil
	}
	s.timerPurpose = scriptedTimerNone
}
