// Package config loads service descriptions and builds service records.
// Each service is described by a YAML document named <service>.yaml in one
// of the configured service directories.
package config

// ServiceDescription is the on-disk YAML schema of a service.
type ServiceDescription struct {
	Type        string `yaml:"type"` // internal, process, bgprocess, scripted, triggered
	Description string `yaml:"description"`

	Command     string `yaml:"command"`
	StopCommand string `yaml:"stop-command"`
	WorkingDir  string `yaml:"working-dir"`
	EnvFile     string `yaml:"env-file"`

	DependsOn []string `yaml:"depends-on"`
	DependsMS []string `yaml:"depends-ms"`
	WaitsFor  []string `yaml:"waits-for"`
	SoftDeps  []string `yaml:"soft-depends"`
	Before    []string `yaml:"before"`
	After     []string `yaml:"after"`

	Restart        bool `yaml:"restart"`
	SmoothRecovery bool `yaml:"smooth-recovery"`

	// Timeouts and delays, in (decimal) seconds. A nil pointer keeps the
	// built-in default; an explicit 0 disables the timeout.
	StartTimeout *float64 `yaml:"start-timeout"`
	StopTimeout  *float64 `yaml:"stop-timeout"`
	RestartDelay *float64 `yaml:"restart-delay"`

	RestartLimitInterval *float64 `yaml:"restart-limit-interval"`
	RestartLimitCount    *int     `yaml:"restart-limit-count"`

	TermSignal        string `yaml:"term-signal"`
	PIDFile           string `yaml:"pid-file"`
	ReadyNotification bool   `yaml:"ready-notification"`

	RunAsUID uint32 `yaml:"run-as-uid"`
	RunAsGID uint32 `yaml:"run-as-gid"`

	ChainTo string `yaml:"chain-to"`

	LogType       string `yaml:"log-type"` // none, buffer
	LogBufferSize int    `yaml:"log-buffer-size"`

	// Flag options: runs-on-console, starts-on-console, start-interruptible,
	// skippable, signal-process-only, always-chain
	Options []string `yaml:"options"`
}
