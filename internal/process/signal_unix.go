//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// SignalTree sends sig to every descendant of pid, then to its process group and
// to pid itself. Descendants are collected before anything is signalled so that
// children reparented by a dying parent are not missed. Processes that are
// already gone are not an error.
func SignalTree(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	var errs []error
	for _, d := range descendants(int32(pid)) {
		if err := killProcess(int(d), sig); err != nil {
			errs = append(errs, fmt.Errorf("signal %d: %w", d, err))
		}
	}
	// children started with Setpgid lead their own group
	if err := killProcess(-pid, sig); err != nil {
		errs = append(errs, fmt.Errorf("signal group %d: %w", pid, err))
	}
	if err := killProcess(pid, sig); err != nil {
		errs = append(errs, fmt.Errorf("signal %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

// killProcess sends a signal to a Unix process; a vanished target is ignored.
func killProcess(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// processExists checks if a process exists
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
