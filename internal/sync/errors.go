package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnection is returned when the device reports no connectivity.
	ErrNoConnection = errors.New("no connection")
	// ErrSyncInProgress is returned when a sync is requested while one is running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// RemoteError wraps a pull or push failure reported by the transport or the remote.
type RemoteError struct {
	Op  string // "pull" or "push"
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
