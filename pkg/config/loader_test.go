package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstuehn/dinit/pkg/process"
	"github.com/mstuehn/dinit/pkg/service"
)

type nullLogger struct{}

func (nullLogger) ServiceStarted(string)        {}
func (nullLogger) ServiceStopped(string)        {}
func (nullLogger) ServiceFailed(string, bool)   {}
func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})  {}

type nullClock struct{}

func (nullClock) Now() time.Time                              { return time.Time{} }
func (nullClock) Arm(_ time.Duration, _ func()) service.Timer { return nil }

type nullAgent struct{}

func (nullAgent) Launch(process.ExecParams, process.Watcher) (int, error) { return 0, nil }
func (nullAgent) Signal(int, syscall.Signal, bool) error                  { return nil }
func (nullAgent) WatchDaemon(int, string, process.Watcher) (process.DaemonWatch, error) {
	return nil, nil
}

func writeService(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644))
}

func newLoaderFixture(t *testing.T) (*Loader, *service.ServiceSet, string) {
	t.Helper()
	dir := t.TempDir()
	set := service.NewServiceSet(nullLogger{}, nullClock{}, nullAgent{})
	loader := NewLoader(set, []string{dir})
	set.SetLoader(loader)
	return loader, set, dir
}

func TestLoadProcessService(t *testing.T) {
	loader, _, dir := newLoaderFixture(t)

	writeService(t, dir, "sshd", `
type: process
command: /usr/sbin/sshd -D
restart: true
smooth-recovery: true
stop-timeout: 5
restart-delay: 0.2
term-signal: SIGTERM
ready-notification: true
options:
  - signal-process-only
`)

	svc, err := loader.LoadService("sshd")
	require.NoError(t, err)
	assert.Equal(t, service.TypeProcess, svc.Type())
	assert.Equal(t, "sshd", svc.Name())
	assert.True(t, svc.Record().Flags.SignalProcessOnly)
	assert.Equal(t, service.StateStopped, svc.State())
}

func TestLoadResolvesDependencies(t *testing.T) {
	loader, set, dir := newLoaderFixture(t)

	writeService(t, dir, "net", `
type: internal
`)
	writeService(t, dir, "web", `
type: scripted
command: /etc/init.d/web start
stop-command: /etc/init.d/web stop
depends-on:
  - net
waits-for:
  - logger
`)
	writeService(t, dir, "logger", `
type: internal
`)

	svc, err := loader.LoadService("web")
	require.NoError(t, err)

	deps := svc.Record().Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, service.DepRegular, deps[0].DepType)
	assert.Equal(t, "net", deps[0].To.Name())
	assert.Equal(t, service.DepWaitsFor, deps[1].DepType)
	assert.Equal(t, "logger", deps[1].To.Name())

	assert.NotNil(t, set.FindService("net"))
	assert.NotNil(t, set.FindService("logger"))
}

func TestLoadRejectsDependencyCycle(t *testing.T) {
	loader, _, dir := newLoaderFixture(t)

	writeService(t, dir, "a", `
type: internal
depends-on:
  - b
`)
	writeService(t, dir, "b", `
type: internal
depends-on:
  - a
`)

	_, err := loader.LoadService("a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadUnknownService(t *testing.T) {
	loader, _, _ := newLoaderFixture(t)

	_, err := loader.LoadService("ghost")
	require.Error(t, err)

	var notFound *service.ServiceNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestLoadRejectsBadDescriptions(t *testing.T) {
	loader, _, dir := newLoaderFixture(t)

	writeService(t, dir, "no-type", `
command: /bin/true
`)
	writeService(t, dir, "no-cmd", `
type: process
`)
	writeService(t, dir, "bad-opt", `
type: internal
options:
  - no-such-option
`)

	for _, name := range []string{"no-type", "no-cmd", "bad-opt"} {
		_, err := loader.LoadService(name)
		assert.Error(t, err, "service %s should fail to load", name)
	}
}
