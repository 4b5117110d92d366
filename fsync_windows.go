//go:build windows

package leafdb

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}

// flock emulates the unix advisory lock with LockFileEx over the whole
// file, retrying until timeout like the unix implementation so callers
// don't need a platform switch of their own.
func flock(file *os.File, exclusive bool, timeout time.Duration) error {
	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	flags |= windows.LOCKFILE_FAIL_IMMEDIATELY

	var overlapped windows.Overlapped
	deadline := time.Now().Add(timeout)
	for {
		err := windows.LockFileEx(windows.Handle(file.Fd()), flags, 0, 1, 0, &overlapped)
		if err == nil {
			return nil
		}
		if timeout != 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(flockRetryInterval)
	}
}

func funlock(file *os.File) error {
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(file.Fd()), 0, 1, 0, &overlapped)
}

const flockRetryInterval = 50 * time.Millisecond
