package service

import (
	"syscall"
	"time"

	"github.com/mstuehn/dinit/pkg/process"
)

type bgTimerPurpose uint8

const (
	bgTimerNone bgTimerPurpose = iota
	bgTimerStartTimeout
	bgTimerStopTimeout
	bgTimerRestartDelay
)

// BGProcessService manages a self-backgrounding daemon process.
// The lifecycle is: launch command → launcher forks and exits → read PID file
// to discover the daemon PID → watch the daemon until it disappears.
type BGProcessService struct {
	ServiceRecord

	// Command configuration
	command    []string
	workingDir string
	envFile    string

	// PID file path (required)
	pidFile string

	// Credentials
	runAsUID uint32
	runAsGID uint32

	// Process state
	launcherPID int
	daemonPID   int
	exitStatus  ExitStatus
	daemonWatch process.DaemonWatch

	// Timer
	timer        Timer
	timerSeq     uint64
	timerPurpose bgTimerPurpose

	// Timeout configuration
	startTimeout time.Duration
	stopTimeout  time.Duration
	restartDelay time.Duration

	// Restart rate limiting
	restartInterval time.Duration
	maxRestartCount int
	restartTimes    []time.Time
	restartPos      int
	lastStartTime   time.Time

	// State tracking
	stopIssued        bool
	interruptingStart bool
	doingSmoothRecov  bool

	// Output capture
	logType   LogType
	logBufMax int
	logBuf    *LogBuffer

	// Overridable for tests; defaults to process.ReadPIDFile.
	readPIDFile func(path string) (int, process.PIDResult, error)
}

// NewBGProcessService creates a new background process service.
func NewBGProcessService(set *ServiceSet, name string) *BGProcessService {
	svc := &BGProcessService{
		stopTimeout:     defaultStopTimeout,
		startTimeout:    defaultStartTimeout,
		restartDelay:    defaultRestartDelay,
		restartInterval: defaultRestartInterval,
		maxRestartCount: defaultMaxRestarts,
		readPIDFile:     process.ReadPIDFile,
	}
	svc.ServiceRecord = *NewServiceRecord(svc, set, name, TypeBGProcess)
	return svc
}

// Setters

func (s *BGProcessService) SetCommand(cmd []string)         { s.command = cmd }
func (s *BGProcessService) SetWorkingDir(dir string)        { s.workingDir = dir }
func (s *BGProcessService) SetEnvFile(path string)          { s.envFile = path }
func (s *BGProcessService) SetPIDFile(path string)          { s.pidFile = path }
func (s *BGProcessService) SetRunAs(uid, gid uint32)        { s.runAsUID = uid; s.runAsGID = gid }
func (s *BGProcessService) SetStartTimeout(d time.Duration) { s.startTimeout = d }
func (s *BGProcessService) SetStopTimeout(d time.Duration)  { s.stopTimeout = d }
func (s *BGProcessService) SetRestartDelay(d time.Duration) { s.restartDelay = d }

// SetRestartInterval sets the restart rate limiting parameters.
func (s *BGProcessService) SetRestartInterval(interval time.Duration, maxCount int) {
	s.restartInterval = interval
	s.maxRestartCount = maxCount
	s.restartTimes = nil
	s.restartPos = 0
}

// SetLogType sets the log output type.
func (s *BGProcessService) SetLogType(lt LogType) { s.logType = lt }

// SetLogBufMax sets the maximum log buffer size.
func (s *BGProcessService) SetLogBufMax(n int) { s.logBufMax = n }

// GetLogBuffer returns the log buffer (overrides ServiceRecord default).
func (s *BGProcessService) GetLogBuffer() *LogBuffer { return s.logBuf }

// GetLogType returns the log type (overrides ServiceRecord default).
func (s *BGProcessService) GetLogType() LogType { return s.logType }

// PID returns the daemon PID if known, otherwise the launcher PID.
func (s *BGProcessService) PID() int {
	if s.daemonPID > 0 {
		return s.daemonPID
	}
	return s.launcherPID
}

// GetExitStatus returns the exit status of the last process.
func (s *BGProcessService) GetExitStatus() ExitStatus { return s.exitStatus }

// BringUp launches the background process command. The service does not
// reach STARTED until the launcher exits and the PID file names a live
// daemon.
func (s *BGProcessService) BringUp() bool {
	if len(s.command) == 0 {
		s.services.logger.Error("Service '%s': no command specified", s.serviceName)
		return false
	}
	if s.pidFile == "" {
		s.services.logger.Error("Service '%s': no pid-file specified for bgprocess", s.serviceName)
		return false
	}
	return s.launch()
}

func (s *BGProcessService) launch() bool {
	s.lastStartTime = s.services.clock.Now()
	s.stopIssued = false
	s.interruptingStart = false
	s.exitStatus = ExitStatus{}
	s.daemonPID = 0

	params := process.ExecParams{
		Command:           s.command,
		WorkingDir:        s.workingDir,
		EnvFile:           s.envFile,
		TermSignal:        s.termSignal,
		SignalProcessOnly: s.Flags.SignalProcessOnly,
		RunAsUID:          s.runAsUID,
		RunAsGID:          s.runAsGID,
	}

	if s.logType == LogToBuffer {
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
		s.services.logger.Error("Service '%s': failed to start launcher: %v",
			s.serviceName, err)
		s.stopReason = ReasonExecFailed
		return false
	}
	if params.OutputPipe != nil {
		s.logBuf.StartReader()
	}

	s.launcherPID = pid

	if s.startTimeout > 0 && s.state == StateStarting {
		s.armTimer(s.startTimeout, bgTimerStartTimeout)
	}

	return true
}

// BringDown stops the daemon process.
func (s *BGProcessService) BringDown() {
	pid := s.daemonPID
	if pid <= 0 {
		pid = s.launcherPID
	}
	if pid <= 0 {
		s.cancelTimer()
		s.stopDaemonWatch()
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
		s.serviceName, sig, pid)

	// The daemon is not in our process group; signal it alone.
	err := s.services.agent.Signal(pid, sig, true)
	if err != nil {
		s.services.logger.Error("Service '%s': failed to signal process: %v",
			s.serviceName, err)
	}

	s.stopIssued = true

	if s.stopTimeout > 0 {
		s.armTimer(s.stopTimeout, bgTimerStopTimeout)
	}
}

// CanInterruptStart returns true if the starting launcher can be interrupted.
func (s *BGProcessService) CanInterruptStart() bool {
	if s.waitingForDeps {
		return true
	}
	return s.launcherPID > 0
}

// InterruptStart cancels the start by sending SIGINT to the launcher.
func (s *BGProcessService) InterruptStart() bool {
	if s.waitingForDeps {
		return true
	}
	if s.launcherPID > 0 {
		s.services.agent.Signal(s.launcherPID, syscall.SIGINT, false)
		s.interruptingStart = true
		return false
	}
	return true
}

// CanProceedToStart gates bring-up on the restart delay.
func (s *BGProcessService) CanProceedToStart() bool {
	if s.restartDelay <= 0 || s.lastStartTime.IsZero() {
		return true
	}
	elapsed := s.services.clock.Now().Sub(s.lastStartTime)
	if elapsed >= s.restartDelay {
		return true
	}
	if s.timerPurpose != bgTimerRestartDelay {
		s.armTimer(s.restartDelay-elapsed, bgTimerRestartDelay)
	}
	return false
}

// CheckRestart applies the restart rate limit (ring of start timestamps).
func (s *BGProcessService) CheckRestart() bool {
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

// --- process.Watcher callbacks ---

// ExecResult reports the launcher's exec outcome.
func (s *BGProcessService) ExecResult(pid int, execErr *process.ExecError) {
	if pid != s.launcherPID || execErr == nil {
		return
	}

	s.services.logger.Error("Service '%s': launcher exec failed: %v",
		s.serviceName, execErr)
	s.launcherPID = 0
	s.cancelTimer()
	s.stopReason = ReasonExecFailed
	s.failedToStart(false, true)
	s.services.ProcessQueues()
}

// ReadyNotify is unused for bgprocess services.
func (s *BGProcessService) ReadyNotify(pid int, line string, ok bool) {}

// Exited reports termination of the launcher, or of the watched daemon.
func (s *BGProcessService) Exited(pid int, status syscall.WaitStatus) {
	switch pid {
	case s.launcherPID:
		s.handleLauncherExit(status)
	case s.daemonPID:
		s.handleDaemonTermination()
	}
}

// handleLauncherExit processes the launcher process termination: on clean
// exit the PID file is consulted to find the daemon.
func (s *BGProcessService) handleLauncherExit(status syscall.WaitStatus) {
	s.launcherPID = 0
	s.exitStatus = ExitStatus{WaitStatus: status, HasStatus: true}

	if s.interruptingStart {
		// The start was aborted by a stop request.
		s.interruptingStart = false
		s.cancelTimer()
		if s.stopReason == ReasonTimedOut {
			s.failedToStart(false, true)
		} else {
			s.state = StateStopping
			s.Stopped()
		}
		s.services.ProcessQueues()
		return
	}

	if s.state == StateStopping {
		s.cancelTimer()
		s.stopIssued = false
		s.Stopped()
		s.services.ProcessQueues()
		return
	}

	if !(s.exitStatus.Exited() && s.exitStatus.ExitCode() == 0) {
		s.services.logger.Error("Service '%s': launcher exited with status %v",
			s.serviceName, status)
		s.cancelTimer()
		s.stopReason = ReasonFailed
		s.failedToStart(false, true)
		s.services.ProcessQueues()
		return
	}

	// Launcher exited cleanly - read the PID file to find the daemon.
	pid, result, err := s.readPIDFile(s.pidFile)
	if result == process.PIDResultFailed {
		s.services.logger.Error("Service '%s': failed to read PID file '%s': %v",
			s.serviceName, s.pidFile, err)
		s.cancelTimer()
		s.stopReason = ReasonFailed
		s.failedToStart(false, true)
		s.services.ProcessQueues()
		return
	}

	if result == process.PIDResultTerminated {
		s.services.logger.Error("Service '%s': daemon (PID %d) already terminated",
			s.serviceName, pid)
		s.cancelTimer()
		s.stopReason = ReasonFailed
		s.failedToStart(false, true)
		s.services.ProcessQueues()
		return
	}

	s.daemonPID = pid
	s.cancelTimer()

	watch, werr := s.services.agent.WatchDaemon(pid, s.pidFile, s)
	if werr != nil {
		s.services.logger.Error("Service '%s': cannot watch daemon %d: %v",
			s.serviceName, pid, werr)
	} else {
		s.daemonWatch = watch
	}

	if s.state == StateStarting {
		s.Started()
	}
	s.services.ProcessQueues()
}

// handleDaemonTermination handles the watched daemon disappearing.
func (s *BGProcessService) handleDaemonTermination() {
	s.services.logger.Error("Service '%s': daemon process %d terminated",
		s.serviceName, s.daemonPID)

	s.daemonPID = 0
	s.exitStatus = ExitStatus{}
	s.cancelTimer()
	s.stopDaemonWatch()

	switch s.state {
	case StateStopping:
		s.stopIssued = false
		s.Stopped()
		s.services.ProcessQueues()

	case StateStarted:
		if s.smoothRecovery && !s.services.IsShuttingDown() && s.CheckRestart() {
			s.doingSmoothRecov = true
			s.doSmoothRecovery()
		} else {
			s.unexpectedTermination()
		}
		s.services.ProcessQueues()
	}
}

// unexpectedTermination handles a started daemon dying unexpectedly.
func (s *BGProcessService) unexpectedTermination() {
	s.stopReason = ReasonTerminated
	s.forceStop = true
	s.doStop(false)
}

// doSmoothRecovery relaunches the daemon without affecting dependents.
func (s *BGProcessService) doSmoothRecovery() {
	s.services.logger.Info("Service '%s': smooth recovery - restarting bgprocess",
		s.serviceName)

	elapsed := s.services.clock.Now().Sub(s.lastStartTime)

	if s.restartDelay > 0 && elapsed < s.restartDelay {
		s.armTimer(s.restartDelay-elapsed, bgTimerRestartDelay)
		return
	}

	if !s.launch() {
		s.doingSmoothRecov = false
		s.unexpectedTermination()
	} else {
		s.doingSmoothRecov = false
	}
}

func (s *BGProcessService) stopDaemonWatch() {
	if s.daemonWatch != nil {
		s.daemonWatch.Stop()
		s.daemonWatch = nil
	}
}

// BecomingInactive releases the daemon watch once the service settles.
func (s *BGProcessService) BecomingInactive() {
	s.stopDaemonWatch()
}

// handleTimerExpiry processes a timer expiration.
func (s *BGProcessService) handleTimerExpiry(purpose bgTimerPurpose) {
	switch purpose {
	case bgTimerStartTimeout:
		pid := s.launcherPID
		if pid <= 0 {
			pid = s.daemonPID
		}
		if pid > 0 && s.state == StateStarting {
			s.services.logger.Error("Service '%s': start timeout exceeded",
				s.serviceName)
			s.stopReason = ReasonTimedOut
			s.doStop(false)
			s.services.ProcessQueues()
		}

	case bgTimerStopTimeout:
		pid := s.daemonPID
		if pid <= 0 {
			pid = s.launcherPID
		}
		if pid > 0 && s.state == StateStopping {
			s.services.logger.Error("Service '%s': stop timeout exceeded, sending SIGKILL",
				s.serviceName)
			s.services.agent.Signal(pid, syscall.SIGKILL, true)
		}

	case bgTimerRestartDelay:
		if s.doingSmoothRecov {
			if !s.launch() {
				s.doingSmoothRecov = false
				s.unexpectedTermination()
				s.services.ProcessQueues()
			} else {
				s.doingSmoothRecov = false
			}
		} else if s.state == StateStarting && s.waitingForDeps {
			s.services.AddTransitionQueue(s.self)
			s.services.ProcessQueues()
		}
	}
}

// --- Timer helpers ---

func (s *BGProcessService) armTimer(d time.Duration, purpose bgTimerPurpose) {
	s.cancelTimer()
	s.timerPurpose = purpose
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.services.clock.Arm(d, func() {
		if seq != s.timerSeq || s.timerPurpose != purpose {
			return
		}
		s.timer = nil
		s.timerPurpose = bgTimerNone
		s.handleTimerExpiry(purpose)
	})
}

func (s *BGProcessService) cancelTimer() {
	if s.timer != nil {
		s.timer.Disarm()
		s.timer = nil
	}
	s.timerPurpose = bgTimerNone
}
