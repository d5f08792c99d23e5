package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcus/tandem/internal/models"
)

// Remote is the transport to the sync backend.
type Remote interface {
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	Push(ctx context.Context, req PushRequest) error
}

// PullRequest asks the remote for every change after LastPulledAt that did
// not originate from DeviceID.
type PullRequest struct {
	LastPulledAt  int64           `json:"lastPulledAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Migration     json.RawMessage `json:"migration"`
	DeviceID      string          `json:"deviceId"`
}

// PullResponse carries raw per-table change lists keyed by table name and the
// remote clock at the time the pull was served.
type PullResponse struct {
	Changes   map[string]json.RawMessage `json:"changes"`
	Timestamp int64                      `json:"timestamp"`
}

// PushRequest sends local changes based on the LastPulledAt snapshot.
type PushRequest struct {
	Changes      models.ChangeSet `json:"changes"`
	LastPulledAt int64            `json:"lastPulledAt"`
	DeviceID     string           `json:"deviceId"`
}

// PullCursor is what the engine knows when it starts a pull.
type PullCursor struct {
	LastPulledAt  int64
	SchemaVersion int
	Migration     json.RawMessage
}

// PullResult is the decoded pull response.
type PullResult struct {
	Changes   models.ChangeSet
	Timestamp int64
	Skipped   []string // unknown table keys
}

// ApplyResult summarises the outcome of applying a remote change-set.
type ApplyResult struct {
	Applied   models.Counts
	Conflicts []ConflictRecord
}

// ConflictRecord captures a pending local row that met a remote version.
type ConflictRecord struct {
	Table      models.Table
	ID         string
	LocalData  json.RawMessage
	RemoteData json.RawMessage
	KeptLocal  bool
	At         time.Time
}

// PendingRow is one local row captured for push. The row is only marked
// synced at commit if it still carries UpdatedAt.
type PendingRow struct {
	ID        string
	UpdatedAt int64
	Tombstone bool
	// Unsent tombstones were never seen by the remote; commit just drops them.
	Unsent bool
}

// Snapshot records which local rows a push covered.
type Snapshot map[models.Table][]PendingRow

// Len returns the number of captured rows.
func (s Snapshot) Len() int {
	n := 0
	for _, rows := range s {
		n += len(rows)
	}
	return n
}
