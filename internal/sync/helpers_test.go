package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	gosync "sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
)

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	database, err := db.Wrap(conn)
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type fixedDevice string

func (d fixedDevice) DeviceID(context.Context) (string, error) { return string(d), nil }

// fakeRemote records every call and returns canned responses.
type fakeRemote struct {
	mu gosync.Mutex

	changes   map[string]any
	timestamp func() int64
	pullErr   error
	pushErr   error
	onPull    func()
	onPush    func(PushRequest)

	pulls  []PullRequest
	pushes []PushRequest
}

func (f *fakeRemote) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, req)
	onPull, pullErr := f.onPull, f.pullErr
	f.mu.Unlock()

	if onPull != nil {
		onPull()
	}
	if pullErr != nil {
		return nil, pullErr
	}

	resp := &PullResponse{Changes: map[string]json.RawMessage{}}
	for name, v := range f.changes {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		resp.Changes[name] = b
	}
	if f.timestamp != nil {
		resp.Timestamp = f.timestamp()
	}
	return resp, nil
}

func (f *fakeRemote) Push(ctx context.Context, req PushRequest) error {
	// round-trip through JSON so tests see exactly what a transport would send
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var wire struct {
		Changes      map[string]models.TableChanges `json:"changes"`
		LastPulledAt int64                          `json:"lastPulledAt"`
		DeviceID     string                         `json:"deviceId"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	sent := PushRequest{Changes: models.ChangeSet{}, LastPulledAt: wire.LastPulledAt, DeviceID: wire.DeviceID}
	for name, tc := range wire.Changes {
		sent.Changes[models.Table(name)] = tc
	}

	f.mu.Lock()
	f.pushes = append(f.pushes, sent)
	onPush, pushErr := f.onPush, f.pushErr
	f.mu.Unlock()

	if onPush != nil {
		onPush(sent)
	}
	return pushErr
}

func (f *fakeRemote) calls() (pulls, pushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls), len(f.pushes)
}

func remoteRecord(id string, updatedAt int64, fields map[string]any) models.Record {
	return models.Record{ID: id, Fields: fields, CreatedAt: updatedAt, UpdatedAt: updatedAt, DeviceID: "remote-device"}
}

func countRows(t *testing.T, database *db.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := database.Conn().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
