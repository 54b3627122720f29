package sbits

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockTimeout bounds waiting for another process to release the store.
const lockTimeout = DefaultLockTimeoutMS * time.Millisecond

// storeLock is an exclusive flock on the store directory's lock file.
// The engine assumes exclusive device access; the lock turns a second
// opener into [ErrLocked] instead of silent corruption.
type storeLock struct {
	file *os.File
}

// acquireStoreLock takes the lock at path, retrying until lockTimeout.
func acquireStoreLock(path string) (*storeLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sbits: open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)

	const retryInterval = 10 * time.Millisecond

	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &storeLock{file: file}, nil
		}

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}

		time.Sleep(retryInterval)
	}
}

// release drops the lock and closes the lock file. The file itself is
// left in place.
func (l *storeLock) release() error {
	if l.file == nil {
		return nil
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)

	err := l.file.Close()
	l.file = nil

	return err
}
