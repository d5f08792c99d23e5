//go:build unix

package db

import (
	"os"
	"syscall"
)

// tryLock takes a non-blocking flock on the lock file.
func (l *writeLocker) tryLock() error {
	return syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func (l *writeLocker) unlock() {
	if l.lockFile == nil {
		return
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
}

// isProcessAlive probes pid with signal 0.
func isProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
