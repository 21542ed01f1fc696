package supervisor

import (
	"errors"
	"syscall"
	"time"
)

const livenessPollInterval = 200 * time.Millisecond

// StopPID stops a worker process: SIGTERM to its process group, a bounded
// wait for exit, then SIGKILL if it is still alive at the deadline. Workers
// are launched as session leaders, so the group signal reaches any children
// they forked. If the group signal cannot be delivered the pid is signaled
// directly. A process that is already gone counts as success at every step.
func StopPID(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(livenessPollInterval)
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return nil
}

// signalGroup delivers sig to the whole process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// processAlive reports whether pid still exists, using the null signal.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
