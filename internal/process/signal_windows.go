//go:build windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// SignalTree terminates pid and every descendant. Windows has no graceful
// signal for arbitrary processes, so every signal is delivered as a hard stop.
func SignalTree(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	var errs []error
	for _, d := range descendants(int32(pid)) {
		if err := killProcess(int(d), sig); err != nil {
			errs = append(errs, fmt.Errorf("terminate %d: %w", d, err))
		}
	}
	if err := killProcess(pid, sig); err != nil {
		errs = append(errs, fmt.Errorf("terminate %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

// killProcess terminates a Windows process by PID
func killProcess(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if signal == 0 {
		return checkProcessExists(pid)
	}

	handle, err := openProcess(PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// the process is already gone
		return nil
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// checkProcessExists checks if a process exists (equivalent to kill(pid, 0) on Unix)
func checkProcessExists(pid int) error {
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer closeHandle(handle)
	return nil
}

// openProcess opens a process handle
func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}

	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)

	if ret == 0 {
		return 0, err
	}

	return syscall.Handle(ret), nil
}

// closeHandle closes a Windows handle
func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	return checkProcessExists(pid) == nil
}
