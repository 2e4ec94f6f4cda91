package config

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mstuehn/dinit/internal/util"
	"github.com/mstuehn/dinit/pkg/service"
)

// LoadError describes a failure to load a named service.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading service %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader finds service descriptions in a list of directories and registers
// the loaded records with a ServiceSet. It implements service.ServiceLoader.
type Loader struct {
	dirs []string
	set  *service.ServiceSet

	// Names currently being loaded, guarding against re-entrant loads.
	loading map[string]bool
}

// NewLoader creates a loader searching the given directories in order.
func NewLoader(set *service.ServiceSet, dirs []string) *Loader {
	return &Loader{
		dirs:    dirs,
		set:     set,
		loading: make(map[string]bool),
	}
}

// ServiceDirs returns the service description search path.
func (l *Loader) ServiceDirs() []string { return l.dirs }

// LoadService loads the named service and, recursively, its dependencies.
// The loaded record is registered with the set.
func (l *Loader) LoadService(name string) (service.Service, error) {
	if svc := l.set.FindService(name); svc != nil {
		return svc, nil
	}

	if l.loading[name] {
		return nil, &LoadError{Name: name, Err: fmt.Errorf("dependency cycle")}
	}
	l.loading[name] = true
	defer delete(l.loading, name)

	desc, dir, err := l.findDescription(name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	svc, err := l.buildService(name, desc, dir)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	l.set.AddService(svc)

	// Resolve dependencies after registration; a hard link that would close
	// a cycle of hard links is refused by the set's AddDependency.
	depGroups := []struct {
		names []string
		dt    service.DependencyType
	}{
		{desc.DependsOn, service.DepRegular},
		{desc.DependsMS, service.DepMilestone},
		{desc.WaitsFor, service.DepWaitsFor},
		{desc.SoftDeps, service.DepSoft},
		{desc.Before, service.DepBefore},
		{desc.After, service.DepAfter},
	}
	for _, group := range depGroups {
		for _, depName := range group.names {
			depSvc, derr := l.LoadService(depName)
			if derr != nil {
				l.set.RemoveService(svc)
				return nil, &LoadError{Name: name, Err: derr}
			}
			if _, aerr := l.set.AddDependency(svc, depSvc, group.dt); aerr != nil {
				l.set.RemoveService(svc)
				return nil, &LoadError{Name: name, Err: aerr}
			}
		}
	}

	return svc, nil
}

// findDescription locates and parses the YAML description for name.
func (l *Loader) findDescription(name string) (*ServiceDescription, string, error) {
	for _, dir := range l.dirs {
		path := filepath.Join(dir, name+".yaml")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		var desc ServiceDescription
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, "", fmt.Errorf("parsing %s: %w", path, err)
		}
		return &desc, dir, nil
	}
	return nil, "", &service.ServiceNotFound{Name: name}
}

// buildService constructs the service record for a description.
func (l *Loader) buildService(name string, desc *ServiceDescription, dir string) (service.Service, error) {
	flags, err := parseOptions(desc.Options)
	if err != nil {
		return nil, err
	}

	termSignal := syscall.SIGTERM
	if desc.TermSignal != "" {
		sig, serr := util.ParseSignal(desc.TermSignal)
		if serr != nil {
			return nil, serr
		}
		termSignal = sig
	}

	workingDir := desc.WorkingDir
	if workingDir != "" {
		workingDir = util.CombinePaths(dir, workingDir)
	}

	command, err := splitIfSet(desc.Command)
	if err != nil {
		return nil, err
	}
	stopCommand, err := splitIfSet(desc.StopCommand)
	if err != nil {
		return nil, err
	}

	logType := service.LogNone
	switch desc.LogType {
	case "", "none":
	case "buffer":
		logType = service.LogToBuffer
	default:
		return nil, fmt.Errorf("unknown log-type: %s", desc.LogType)
	}

	var svc service.Service

	switch desc.Type {
	case "internal":
		svc = service.NewInternalService(l.set, name)

	case "triggered":
		svc = service.NewTriggeredService(l.set, name)

	case "process":
		ps := service.NewProcessService(l.set, name)
		if len(command) == 0 {
			return nil, fmt.Errorf("process service requires a command")
		}
		ps.SetCommand(command)
		ps.SetWorkingDir(workingDir)
		ps.SetEnvFile(desc.EnvFile)
		ps.SetNotify(desc.ReadyNotification)
		ps.SetRunAs(desc.RunAsUID, desc.RunAsGID)
		applyTimeout(desc.StartTimeout, ps.SetStartTimeout)
		applyTimeout(desc.StopTimeout, ps.SetStopTimeout)
		applyTimeout(desc.RestartDelay, ps.SetRestartDelay)
		if desc.RestartLimitInterval != nil && desc.RestartLimitCount != nil {
			ps.SetRestartInterval(secs(*desc.RestartLimitInterval), *desc.RestartLimitCount)
		}
		ps.SetLogType(logType)
		ps.SetLogBufMax(desc.LogBufferSize)
		svc = ps

	case "bgprocess":
		bs := service.NewBGProcessService(l.set, name)
		if len(command) == 0 {
			return nil, fmt.Errorf("bgprocess service requires a command")
		}
		if desc.PIDFile == "" {
			return nil, fmt.Errorf("bgprocess service requires a pid-file")
		}
		bs.SetCommand(command)
		bs.SetWorkingDir(workingDir)
		bs.SetEnvFile(desc.EnvFile)
		bs.SetPIDFile(util.CombinePaths(dir, desc.PIDFile))
		bs.SetRunAs(desc.RunAsUID, desc.RunAsGID)
		applyTimeout(desc.StartTimeout, bs.SetStartTimeout)
		applyTimeout(desc.StopTimeout, bs.SetStopTimeout)
		applyTimeout(desc.RestartDelay, bs.SetRestartDelay)
		if desc.RestartLimitInterval != nil && desc.RestartLimitCount != nil {
			bs.SetRestartInterval(secs(*desc.RestartLimitInterval), *desc.RestartLimitCount)
		}
		bs.SetLogType(logType)
		bs.SetLogBufMax(desc.LogBufferSize)
		svc = bs

	case "scripted":
		sc := service.NewScriptedService(l.set, name)
		sc.SetStartCommand(command)
		sc.SetStopCommand(stopCommand)
		sc.SetWorkingDir(workingDir)
		sc.SetEnvFile(desc.EnvFile)
		sc.SetRunAs(desc.RunAsUID, desc.RunAsGID)
		applyTimeout(desc.StartTimeout, sc.SetStartTimeout)
		applyTimeout(desc.StopTimeout, sc.SetStopTimeout)
		svc = sc

	default:
		return nil, fmt.Errorf("unknown service type: %q", desc.Type)
	}

	rec := svc.Record()
	rec.SetFlags(flags)
	rec.SetAutoRestart(desc.Restart)
	rec.SetSmoothRecovery(desc.SmoothRecovery)
	rec.SetTermSignal(termSignal)
	rec.SetChainTo(desc.ChainTo)

	return svc, nil
}

func parseOptions(opts []string) (service.ServiceFlags, error) {
	var flags service.ServiceFlags
	for _, opt := range opts {
		switch opt {
		case "runs-on-console":
			flags.RunsOnConsole = true
		case "starts-on-console":
			flags.StartsOnConsole = true
		case "start-interruptible":
			flags.StartInterruptible = true
		case "skippable":
			flags.Skippable = true
		case "signal-process-only":
			flags.SignalProcessOnly = true
		case "always-chain":
			flags.AlwaysChain = true
		default:
			return flags, fmt.Errorf("unknown option: %s", opt)
		}
	}
	return flags, nil
}

func splitIfSet(cmdline string) ([]string, error) {
	if cmdline == "" {
		return nil, nil
	}
	return util.SplitCommand(cmdline)
}

func applyTimeout(v *float64, set func(time.Duration)) {
	if v != nil {
		set(secs(*v))
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
