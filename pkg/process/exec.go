package process

import (
	"bufio"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// The fd number the readiness pipe appears on in the child. Fd 3 is the
// first ExtraFiles slot.
const notifyFDNum = 3

// SystemAgent launches real processes via fork/exec. Watcher callbacks are
// delivered through the post function, which must execute them serially on
// the dispatcher thread.
type SystemAgent struct {
	post func(func())
}

// NewSystemAgent creates a SystemAgent delivering callbacks via post.
func NewSystemAgent(post func(func())) *SystemAgent {
	return &SystemAgent{post: post}
}

// Launch starts a child process with the given parameters. The exec result,
// readiness notification (if requested) and termination are reported via w.
func (a *SystemAgent) Launch(params ExecParams, w Watcher) (int, error) {
	if len(params.Command) == 0 {
		return 0, &ExecError{Stage: StageDoExec, Err: os.ErrInvalid}
	}

	env := os.Environ()
	if params.EnvFile != "" {
		fileEnv, err := readEnvFile(params.EnvFile)
		if err != nil {
			return 0, &ExecError{Stage: StageReadEnvFile, Err: err}
		}
		env = append(env, fileEnv...)
	}
	env = append(env, params.Env...)

	cmd := exec.Command(params.Command[0], params.Command[1:]...)
	cmd.Dir = params.WorkingDir
	cmd.Env = env

	// Own process group, so the group can be signalled later.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if params.RunAsUID != 0 || params.RunAsGID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: params.RunAsUID,
			Gid: params.RunAsGID,
		}
	}

	if params.OnConsole {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else if params.OutputPipe != nil {
		cmd.Stdout = params.OutputPipe
		cmd.Stderr = params.OutputPipe
	}

	var notifyRead *os.File
	if params.Notify {
		r, nw, err := os.Pipe()
		if err != nil {
			return 0, &ExecError{Stage: StageArrangeFDs, Err: err}
		}
		notifyRead = r
		cmd.ExtraFiles = []*os.File{nw}
		cmd.Env = append(cmd.Env, "NOTIFY_FD="+strconv.Itoa(notifyFDNum))
		defer nw.Close()
	}

	if err := cmd.Start(); err != nil {
		if notifyRead != nil {
			notifyRead.Close()
		}
		return 0, &ExecError{Stage: StageDoExec, Err: err}
	}

	pid := cmd.Process.Pid

	// os/exec reports exec failure synchronously from Start, so reaching
	// this point means the exec succeeded.
	a.post(func() { w.ExecResult(pid, nil) })

	if notifyRead != nil {
		go a.readNotifyPipe(notifyRead, pid, w)
	}

	go func() {
		err := cmd.Wait()

		var status syscall.WaitStatus
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status = exitErr.Sys().(syscall.WaitStatus)
			}
		}

		a.post(func() { w.Exited(pid, status) })
	}()

	return pid, nil
}

// readNotifyPipe reads the readiness pipe until the first line or EOF.
func (a *SystemAgent) readNotifyPipe(r *os.File, pid int, w Watcher) {
	defer r.Close()

	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	line = strings.TrimRight(line, "\n")
	if err != nil && line == "" {
		// EOF before any data
		a.post(func() { w.ReadyNotify(pid, "", false) })
		return
	}
	a.post(func() { w.ReadyNotify(pid, line, true) })
}

// Signal sends a signal to a process, or to its process group when
// processOnly is false.
func (a *SystemAgent) Signal(pid int, sig syscall.Signal, processOnly bool) error {
	if pid <= 0 {
		return nil
	}
	if processOnly {
		return unix.Kill(pid, sig)
	}
	return unix.Kill(-pid, sig)
}

// readEnvFile reads KEY=VALUE lines from a file. Blank lines and lines
// beginning with '#' are skipped.
func readEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.ContainsRune(line, '=') {
			env = append(env, line)
		}
	}
	return env, nil
}
