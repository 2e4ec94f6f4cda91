package service

import (
	"syscall"
	"time"

	"github.com/mstuehn/dinit/pkg/process"
)

const (
	defaultStopTimeout     = 10 * time.Second
	defaultStartTimeout    = 60 * time.Second
	defaultRestartDelay    = 200 * time.Millisecond
	defaultRestartInterval = 10 * time.Second
	defaultMaxRestarts     = 3
)

type timerPurpose uint8

const (
	timerNone timerPurpose = iota
	timerStartTimeout
	timerStopTimeout
	timerRestartDelay
)

// ProcessService manages a long-running daemon process. It remains in
// STARTING until the exec result arrives and, if readiness notification is
// configured, until the first line arrives on the notification pipe.
type ProcessService struct {
	ServiceRecord

	// Command configuration
	command    []string
	workingDir string
	envFile    string
	extraEnv   []string
	notify     bool

	// Credentials
	runAsUID uint32
	runAsGID uint32

	// Process state
	pid        int
	exitStatus ExitStatus

	// At most one start/stop/restart timer is armed at a time.
	timer        Timer
	timerSeq     uint64
	timerPurpose timerPurpose

	// Timeout configuration
	startTimeout time.Duration
	stopTimeout  time.Duration
	restartDelay time.Duration

	// Restart rate limiting: a ring of the most recent start timestamps.
	restartInterval time.Duration
	maxRestartCount int
	restartTimes    []time.Time
	restartPos      int
	lastStartTime   time.Time

	// State tracking
	stopIssued        bool
	interruptingStart bool
	waitingForReady   bool
	doingSmoothRecov  bool

	// Output capture
	logType   LogType
	logBufMax int
	logBuf    *LogBuffer
}

// NewProcessService creates a new process service.
func NewProcessService(set *ServiceSet, name string) *ProcessService {
	svc := &ProcessService{
		stopTimeout:     defaultStopTimeout,
		startTimeout:    defaultStartTimeout,
		restartDelay:    defaultRestartDelay,
		restartInterval: defaultRestartInterval,
		maxRestartCount: defaultMaxRestarts,
	}
	svc.ServiceRecord = *NewServiceRecord(svc, set, name, TypeProcess)
	return svc
}

// SetCommand sets the startup command.
func (s *ProcessService) SetCommand(cmd []string) { s.command = cmd }

// SetWorkingDir sets the working directory.
func (s *ProcessService) SetWorkingDir(dir string) { s.workingDir = dir }

// SetEnvFile sets the environment file path.
func (s *ProcessService) SetEnvFile(path string) { s.envFile = path }

// SetExtraEnv sets additional KEY=VALUE environment entries.
func (s *ProcessService) SetExtraEnv(env []string) { s.extraEnv = env }

// SetNotify enables readiness notification: the service is not considered
// started until the child writes a line on the notification pipe.
func (s *ProcessService) SetNotify(v bool) { s.notify = v }

// SetRunAs sets the UID and GID to run the process as.
func (s *ProcessService) SetRunAs(uid, gid uint32) {
	s.runAsUID = uid
	s.runAsGID = gid
}

// SetStartTimeout sets the start timeout (0 disables).
func (s *ProcessService) SetStartTimeout(d time.Duration) { s.startTimeout = d }

// SetStopTimeout sets the stop timeout before SIGKILL escalation (0 disables).
func (s *ProcessService) SetStopTimeout(d time.Duration) { s.stopTimeout = d }

// SetRestartDelay sets the minimum delay between restarts.
func (s *ProcessService) SetRestartDelay(d time.Duration) { s.restartDelay = d }

// SetRestartInterval sets the restart rate limit: at most maxCount restarts
// within any trailing window of the given length.
func (s *ProcessService) SetRestartInterval(interval time.Duration, maxCount int) {
	s.restartInterval = interval
	s.maxRestartCount = maxCount
	s.restartTimes = nil
	s.restartPos = 0
}

// SetLogType sets how process output is handled.
func (s *ProcessService) SetLogType(lt LogType) { s.logType = lt }

// SetLogBufMax sets the maximum output buffer size.
func (s *ProcessService) SetLogBufMax(n int) { s.logBufMax = n }

// GetLogBuffer returns the output buffer (overrides ServiceRecord default).
func (s *ProcessService) GetLogBuffer() *LogBuffer { return s.logBuf }

// GetLogType returns the log type (overrides ServiceRecord default).
func (s *ProcessService) GetLogType() LogType { return s.logType }

// PID returns the process ID of the running service.
func (s *ProcessService) PID() int { return s.pid }

// GetExitStatus returns the exit status of the last process.
func (s *ProcessService) GetExitStatus() ExitStatus { return s.exitStatus }

// BringUp launches the service process.
func (s *ProcessService) BringUp() bool {
	if len(s.command) == 0 {
		s.services.logger.Error("Service '%s': no command specified", s.serviceName)
		return false
	}
	return s.launch()
}

// BringDown stops the service process: send the termination signal, arm the
// stop timeout for SIGKILL escalation, and wait for the exit to arrive.
func (s *ProcessService) BringDown() {
	if s.pid <= 0 {
		// Process already dead
		s.cancelTimer()
		s.Stopped()
		return
	}

	if s.stopIssued {
		return
	}

	sig := s.termSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	s.services.logger.Info("Service '%s': sending %v to process %d",
		s.serviceName, sig, s.pid)

	err := s.services.agent.Signal(s.pid, sig, s.Flags.SignalProcessOnly)
	if err != nil {
		s.services.logger.Error("Service '%s': failed to signal process: %v",
			s.serviceName, err)
	}

	s.stopIssued = true

	if s.stopTimeout > 0 {
		s.armTimer(s.stopTimeout, timerStopTimeout)
	}
}

// CanInterruptStart returns true if the starting process can be interrupted.
func (s *ProcessService) CanInterruptStart() bool {
	if s.waitingForDeps {
		return true
	}
	return s.pid > 0
}

// InterruptStart cancels the start by sending SIGINT to the process. The
// cancellation completes when the process exit is observed.
func (s *ProcessService) InterruptStart() bool {
	if s.waitingForDeps {
		return true
	}

	if s.pid > 0 {
		s.services.logger.Info("Service '%s': interrupting start (SIGINT to %d)",
			s.serviceName, s.pid)
		s.services.agent.Signal(s.pid, syscall.SIGINT, s.Flags.SignalProcessOnly)
		s.interruptingStart = true
		return false
	}

	return true
}

// CanProceedToStart gates the bring-up on the restart delay: a relaunch
// within the delay window arms the restart timer and waits.
func (s *ProcessService) CanProceedToStart() bool {
	if s.restartDelay <= 0 || s.lastStartTime.IsZero() {
		return true
	}
	elapsed := s.services.clock.Now().Sub(s.lastStartTime)
	if elapsed >= s.restartDelay {
		return true
	}
	if s.timerPurpose != timerRestartDelay {
		s.armTimer(s.restartDelay-elapsed, timerRestartDelay)
	}
	return false
}

// CheckRestart applies the restart rate limit: at most maxRestartCount
// restarts within any trailing restartInterval. A permitted restart is
// recorded in the ring.
func (s *ProcessService) CheckRestart() bool {
	if s.maxRestartCount <= 0 || s.restartInterval <= 0 {
		return true
	}

	now := s.services.clock.Now()

	if len(s.restartTimes) < s.maxRestartCount {
		s.restartTimes = append(s.restartTimes, now)
		return true
	}

	oldest := s.restartTimes[s.restartPos]
	if now.Sub(oldest) < s.restartInterval {
		s.services.logger.Error("Service '%s': restarting too quickly, stopping",
			s.serviceName)
		return false
	}

	s.restartTimes[s.restartPos] = now
	s.restartPos = (s.restartPos + 1) % s.maxRestartCount
	return true
}

// launch asks the agent to start the child process.
func (s *ProcessService) launch() bool {
	s.lastStartTime = s.services.clock.Now()
	s.stopIssued = false
	s.interruptingStart = false
	s.waitingForReady = false
	s.exitStatus = ExitStatus{}

	params := process.ExecParams{
		Command:           s.command,
		WorkingDir:        s.workingDir,
		Env:               s.extraEnv,
		EnvFile:           s.envFile,
		TermSignal:        s.termSignal,
		OnConsole:         s.Flags.RunsOnConsole || s.Flags.StartsOnConsole,
		SignalProcessOnly: s.Flags.SignalProcessOnly,
		RunAsUID:          s.runAsUID,
		RunAsGID:          s.runAsGID,
		Notify:            s.notify,
	}

	if s.logType == LogToBuffer && !params.OnConsole {
		if s.logBuf == nil {
			s.logBuf = NewLogBuffer(s.logBufMax)
		} else {
			s.logBuf.AppendRestartMarker()
		}
		pipe, err := s.logBuf.CreatePipe()
		if err != nil {
			s.services.logger.Error("Service '%s': failed to create log pipe: %v",
				s.serviceName, err)
		} else {
			params.OutputPipe = pipe
		}
	}

	pid, err := s.services.agent.Launch(params, s)
	if params.OutputPipe != nil {
		s.logBuf.CloseWriteEnd()
	}
	if err != nil {
		s.services.logger.Error("Service '%s': failed to start: %v", s.serviceName, err)
		s.stopReason = ReasonExecFailed
		return false
	}
	if params.OutputPipe != nil {
		s.logBuf.StartReader()
	}

	s.pid = pid

	if s.startTimeout > 0 && s.state == StateStarting {
		s.armTimer(s.startTimeout, timerStartTimeout)
	}

	return true
}

// --- process.Watcher callbacks ---

// ExecResult reports the exec outcome for a launched child.
func (s *ProcessService) ExecResult(pid int, execErr *process.ExecError) {
	if pid != s.pid {
		return
	}

	if execErr != nil {
		s.services.logger.Error("Service '%s': exec failed: %v", s.serviceName, execErr)
		s.pid = 0
		s.cancelTimer()
		s.stopReason = ReasonExecFailed
		if s.state == StateStarting {
			s.failedToStart(false, true)
		} else if s.doingSmoothRecov {
			s.doingSmoothRecov = false
			s.unexpectedTermination(ReasonExecFailed)
		}
		s.services.ProcessQueues()
		return
	}

	if s.state == StateStarting {
		if s.notify {
			// Remain starting until the first readiness line.
			s.waitingForReady = true
			return
		}
		s.cancelTimer()
		s.Started()
		s.services.ProcessQueues()
	} else if s.doingSmoothRecov {
		s.doingSmoothRecov = false
	}
}

// ReadyNotify reports the first line received on the readiness pipe. EOF
// before any data is a start failure.
func (s *ProcessService) ReadyNotify(pid int, line string, ok bool) {
	if pid != s.pid || !s.waitingForReady {
		return
	}
	s.waitingForReady = false

	if s.state != StateStarting {
		return
	}

	if !ok {
		s.services.logger.Error("Service '%s': readiness pipe closed before notification",
			s.serviceName)
		s.stopReason = ReasonFailed
		s.cancelTimer()
		s.failedToStart(false, true)
		s.services.ProcessQueues()
		return
	}

	s.cancelTimer()
	s.Started()
	s.services.ProcessQueues()
}

// Exited reports termination of the child process.
func (s *ProcessService) Exited(pid int, status syscall.WaitStatus) {
	if pid != s.pid {
		return
	}

	s.exitStatus = ExitStatus{WaitStatus: status, HasStatus: true}
	s.pid = 0
	s.waitingForReady = false
	s.cancelTimer()

	switch s.state {
	case StateStarting:
		if s.interruptingStart {
			s.interruptingStart = false
			if s.stopReason == ReasonTimedOut {
				s.failedToStart(false, true)
			} else {
				// Start cancelled by a stop request.
				s.state = StateStopping
				s.Stopped()
			}
			s.services.ProcessQueues()
			return
		}

		s.services.logger.Error("Service '%s': process exited during startup (status: %v)",
			s.serviceName, status)
		if s.stopReason != ReasonExecFailed && s.stopReason != ReasonTimedOut {
			s.stopReason = ReasonFailed
		}
		s.failedToStart(false, true)
		s.services.ProcessQueues()

	case StateStopping:
		// Expected - we asked it to stop.
		s.stopIssued = false
		s.Stopped()
		s.services.ProcessQueues()

	case StateStarted:
		if s.exitStatus.Exited() {
			s.services.logger.Error("Service '%s': process exited with code %d",
				s.serviceName, s.exitStatus.ExitCode())
		} else if s.exitStatus.Signaled() {
			s.services.logger.Error("Service '%s': process killed by signal %v",
				s.serviceName, s.exitStatus.Signal())
		}

		if s.smoothRecovery && !s.services.IsShuttingDown() && s.CheckRestart() {
			// Smooth recovery: relaunch without leaving STARTED.
			s.doingSmoothRecov = true
			s.doSmoothRecovery()
		} else {
			s.unexpectedTermination(ReasonTerminated)
		}
		s.services.ProcessQueues()
	}
}

// unexpectedTermination handles a started process dying without a stop
// having been requested (and smooth recovery not applying).
func (s *ProcessService) unexpectedTermination(reason StoppedReason) {
	s.stopReason = reason
	s.forceStop = true
	s.doStop(false)
}

// doSmoothRecovery relaunches the process without affecting dependents.
func (s *ProcessService) doSmoothRecovery() {
	s.services.logger.Info("Service '%s': smooth recovery - restarting process",
		s.serviceName)

	elapsed := s.services.clock.Now().Sub(s.lastStartTime)

	if s.restartDelay > 0 && elapsed < s.restartDelay {
		s.armTimer(s.restartDelay-elapsed, timerRestartDelay)
		return
	}

	if !s.launch() {
		s.doingSmoothRecov = false
		s.unexpectedTermination(ReasonTerminated)
	}
}

// handleTimerExpiry processes the expiry of the service's timer.
func (s *ProcessService) handleTimerExpiry(purpose timerPurpose) {
	switch purpose {
	case timerStartTimeout:
		if s.pid > 0 && s.state == StateStarting {
			s.services.logger.Error("Service '%s': start timeout exceeded",
				s.serviceName)
			s.stopReason = ReasonTimedOut
			s.doStop(false)
			s.services.ProcessQueues()
		}

	case timerStopTimeout:
		if s.pid > 0 && s.state == StateStopping {
			s.services.logger.Error("Service '%s': stop timeout exceeded, sending SIGKILL",
				s.serviceName)
			s.services.agent.Signal(s.pid, syscall.SIGKILL, false)
		}

	case timerRestartDelay:
		if s.doingSmoothRecov {
			if !s.launch() {
				s.doingSmoothRecov = false
				s.unexpectedTermination(ReasonTerminated)
				s.services.ProcessQueues()
			}
		} else if s.state == StateStarting && s.waitingForDeps {
			// Restart delay has passed; re-run the transition check.
			s.services.AddTransitionQueue(s.self)
			s.services.ProcessQueues()
		}
	}
}

// --- Timer helpers ---

func (s *ProcessService) armTimer(d time.Duration, purpose timerPurpose) {
	s.cancelTimer()
	s.timerPurpose = purpose
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.services.clock.Arm(d, func() {
		if seq != s.timerSeq || s.timerPurpose != purpose {
			return
		}
		s.timer = nil
		s.timerPurpose = timerNone
		s.handleTimerExpiry(purpose)
	})
}

func (s *ProcessService) cancelTimer() {
	if s.timer != nil {
		s.timer.Disarm()
		s.timer = nil
	}
	s.timerPurpose = timerNone
}
