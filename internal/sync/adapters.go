package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/marcus/tandem/internal/models"
)

// Puller fetches remote changes and maps them into a typed change-set.
type Puller struct {
	remote Remote
	logger *slog.Logger
}

// NewPuller returns a Puller over remote. A nil logger uses slog.Default.
func NewPuller(remote Remote, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{remote: remote, logger: logger}
}

// Pull requests every change after cursor.LastPulledAt. Transport and remote
// failures are returned as *RemoteError. Unknown table keys are logged and
// listed in Skipped. The local-only table is passed through untouched; the
// engine scrubs it.
func (p *Puller) Pull(ctx context.Context, cursor PullCursor, deviceID string) (*PullResult, error) {
	resp, err := p.remote.Pull(ctx, PullRequest{
		LastPulledAt:  cursor.LastPulledAt,
		SchemaVersion: cursor.SchemaVersion,
		Migration:     cursor.Migration,
		DeviceID:      deviceID,
	})
	if err != nil {
		return nil, &RemoteError{Op: "pull", Err: err}
	}
	if resp == nil {
		return nil, &RemoteError{Op: "pull", Err: fmt.Errorf("empty response")}
	}

	result := &PullResult{Changes: models.ChangeSet{}, Timestamp: resp.Timestamp}

	names := make([]string, 0, len(resp.Changes))
	for name := range resp.Changes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		table, ok := models.ParseTable(name)
		if !ok {
			p.logger.Warn("sync: skipping unknown table in pull", "table", name)
			result.Skipped = append(result.Skipped, name)
			continue
		}
		var tc models.TableChanges
		if err := json.Unmarshal(resp.Changes[name], &tc); err != nil {
			return nil, &RemoteError{Op: "pull", Err: fmt.Errorf("decode %s changes: %w", name, err)}
		}
		result.Changes[table] = tc
	}
	return result, nil
}

// Pusher sends local changes to the remote.
type Pusher struct {
	remote Remote
	logger *slog.Logger
}

// NewPusher returns a Pusher over remote. A nil logger uses slog.Default.
func NewPusher(remote Remote, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{remote: remote, logger: logger}
}

// Push drops local-only tables, then sends the change-set. An empty change-set
// makes no remote call and reports zero counts. Failures are *RemoteError.
func (p *Pusher) Push(ctx context.Context, cs models.ChangeSet, lastPulledAt int64, deviceID string) (models.Counts, error) {
	for table := range cs {
		if table.LocalOnly() {
			p.logger.Warn("sync: dropping local-only table from push", "table", table)
		}
	}
	filtered := cs.WithoutLocalOnly()
	if filtered.IsEmpty() {
		return models.Counts{}, nil
	}

	err := p.remote.Push(ctx, PushRequest{
		Changes:      filtered,
		LastPulledAt: lastPulledAt,
		DeviceID:     deviceID,
	})
	if err != nil {
		return models.Counts{}, &RemoteError{Op: "push", Err: err}
	}
	return filtered.Counts(), nil
}
