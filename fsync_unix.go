//go:build !windows

package leafdb

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const flockRetryInterval = 50 * time.Millisecond

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fsync(int(file.Fd()))
}

func flock(file *os.File, exclusive bool, timeout time.Duration) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return err
		}
		if timeout != 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(flockRetryInterval)
	}
}

func funlock(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
