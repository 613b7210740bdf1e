package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExitStatus describes how a started process ended.
type ExitStatus struct {
	Code   *int   // nil when terminated by a signal
	Signal string // signal name when terminated by a signal
	Err    error  // set when the process could not be waited for
	At     time.Time
}

// Handle is one OS-level launch of a Spec. It owns the child and both pipes.
type Handle struct {
	cmd *exec.Cmd

	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	mu       sync.Mutex
	pid      int
	startErr error
	exit     ExitStatus

	started chan struct{}
	exited  chan struct{}
}

// Prepare builds the command for spec with the given environment and opens the
// stdout and stderr pipes. Nothing is started yet.
func Prepare(spec Spec, environ []string) (*Handle, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	// #nosec G204 -- script and args are validated and allowlisted by the caller
	cmd := exec.Command(spec.Script, spec.Args...)
	cmd.Dir = spec.Cwd
	if environ != nil {
		cmd.Env = environ
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	return &Handle{
		cmd:     cmd,
		stdoutR: outR,
		stdoutW: outW,
		stderrR: errR,
		stderrW: errW,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}, nil
}

// Stdout is the read end of the child's stdout pipe.
func (h *Handle) Stdout() io.ReadCloser { return h.stdoutR }

// Stderr is the read end of the child's stderr pipe.
func (h *Handle) Stderr() io.ReadCloser { return h.stderrR }

// Start launches the process. The parent's copies of the pipe write ends are
// closed either way so readers see EOF once the child (and its descendants)
// release them. On success a waiter goroutine reports the exit via Exited.
func (h *Handle) Start() error {
	err := h.cmd.Start()
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()

	h.mu.Lock()
	if err != nil {
		h.startErr = err
		h.exit = ExitStatus{Err: err, At: time.Now()}
		h.mu.Unlock()
		close(h.started)
		close(h.exited)
		return err
	}
	h.pid = h.cmd.Process.Pid
	h.mu.Unlock()
	close(h.started)

	go h.wait()
	return nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	st := ExitStatus{At: time.Now()}
	ps := h.cmd.ProcessState
	var exitErr *exec.ExitError
	switch {
	case ps != nil:
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = signalName(ws.Signal())
		} else {
			code := ps.ExitCode()
			st.Code = &code
		}
	case err != nil && !errors.As(err, &exitErr):
		st.Err = err
	}
	h.mu.Lock()
	h.exit = st
	h.mu.Unlock()
	close(h.exited)
}

// Started is closed once Start returned.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Exited is closed once the process was reaped, or immediately after a failed Start.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// PID is zero until the process started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// StartErr is the launch error, if any.
func (h *Handle) StartErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}

// ExitStatus is meaningful after Exited is closed.
func (h *Handle) ExitStatus() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Abort releases the pipes of a handle that will never be started.
func (h *Handle) Abort() {
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	_ = h.stdoutR.Close()
	_ = h.stderrR.Close()
}

// Signal sends sig to the whole process tree of a started handle.
func (h *Handle) Signal(sig syscall.Signal) error {
	pid := h.PID()
	if pid <= 0 {
		return nil
	}
	return SignalTree(pid, sig)
}

func signalName(s syscall.Signal) string {
	switch s {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	default:
		return s.String()
	}
}
