package journal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory lock shared by every process using the same
// journal directory.
type fileLock struct {
	f *os.File
}

func openLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(l.f.Fd()), how)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", l.f.Name(), err)
		}
		return nil
	}
}

func (l *fileLock) unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.f.Name(), err)
	}
	return nil
}

func (l *fileLock) close() error {
	return l.f.Close()
}
