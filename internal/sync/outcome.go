package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/models"
)

// Kind classifies a sync outcome.
type Kind string

const (
	KindOK           Kind = "ok"
	KindNoConnection Kind = "no_connection"
	KindInProgress   Kind = "in_progress"
	KindRemoteError  Kind = "remote_error"
	KindLocalError   Kind = "local_error"
)

// Outcome is the result of one sync attempt. It is returned to every caller;
// the engine never returns a bare error.
type Outcome struct {
	Success    bool
	Message    string
	Err        error
	Kind       Kind
	Pulled     models.Counts
	Pushed     models.Counts
	Conflicts  int
	StartedAt  time.Time
	FinishedAt time.Time
	Cursor     models.Cursor // committed cursor, zero unless Success
	Full       bool
}

// Duration returns how long the attempt took.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// classify fills Kind, Message and Err from the error that ended a cycle.
func (o *Outcome) classify(err error) {
	if err == nil {
		o.Success = true
		o.Kind = KindOK
		o.Message = fmt.Sprintf("pulled %d, pushed %d", o.Pulled.Total(), o.Pushed.Total())
		return
	}

	o.Success = false
	o.Err = err

	var re *RemoteError
	switch {
	case errors.Is(err, ErrNoConnection):
		o.Kind = KindNoConnection
		o.Message = ErrNoConnection.Error()
	case errors.Is(err, ErrSyncInProgress):
		o.Kind = KindInProgress
		o.Message = ErrSyncInProgress.Error()
	case errors.As(err, &re):
		o.Kind = KindRemoteError
		o.Message = fmt.Sprintf("remote rejected the %s request: %v", re.Op, re.Err)
	default:
		o.Kind = KindLocalError
		o.Message = "local error: " + err.Error()
	}
}
