package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/serverdb"
)

const maxPushBatch = 10000

// PullRequest is the JSON body for POST /v1/sync/pull.
type PullRequest struct {
	LastPulledAt  int64           `json:"lastPulledAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Migration     json.RawMessage `json:"migration,omitempty"`
	DeviceID      string          `json:"deviceId"`
}

// PullResponse is the JSON response for a pull request.
type PullResponse struct {
	Changes   models.ChangeSet `json:"changes"`
	Timestamp int64            `json:"timestamp"`
}

// PushRequest is the JSON body for POST /v1/sync/push. Changes stay raw
// until every table name has been validated.
type PushRequest struct {
	Changes      map[string]json.RawMessage `json:"changes"`
	LastPulledAt int64                      `json:"lastPulledAt"`
	DeviceID     string                     `json:"deviceId"`
}

// PushResponse is the JSON response for a push request.
type PushResponse struct {
	Accepted  int   `json:"accepted"`
	Timestamp int64 `json:"timestamp"`
}

// handleSyncPull handles POST /v1/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "deviceId is required")
		return
	}
	if req.LastPulledAt < 0 {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "lastPulledAt must not be negative")
		return
	}
	if !s.allowDevice(w, r, req.DeviceID, "pull", s.config.RateLimitPull) {
		return
	}

	result, err := s.store.Pull(req.DeviceID, req.LastPulledAt)
	if err != nil {
		logFor(r.Context()).Error("pull changes", "device", req.DeviceID, "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to query changes")
		return
	}

	n := result.Changes.Counts().Total()
	s.metrics.RecordPull(int64(n))
	logFor(r.Context()).Debug("pull",
		"device", req.DeviceID,
		"since", req.LastPulledAt,
		"schema", req.SchemaVersion,
		"changes", n,
	)

	writeJSON(w, http.StatusOK, PullResponse{Changes: result.Changes, Timestamp: result.Timestamp})
}

// handleSyncPush handles POST /v1/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "deviceId is required")
		return
	}

	cs, err := decodeChanges(req.Changes)
	if errors.Is(err, serverdb.ErrInvalidTable) {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidTable, err.Error())
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if n := cs.Counts().Total(); n > maxPushBatch {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", n, maxPushBatch))
		return
	}
	if !s.allowDevice(w, r, req.DeviceID, "push", s.config.RateLimitPush) {
		return
	}

	result, err := s.store.Push(req.DeviceID, cs)
	if errors.Is(err, serverdb.ErrInvalidTable) {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidTable, err.Error())
		return
	}
	if err != nil {
		logFor(r.Context()).Error("push changes", "device", req.DeviceID, "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to store changes")
		return
	}

	s.metrics.RecordPush(int64(result.Accepted))
	logFor(r.Context()).Debug("push", "device", req.DeviceID, "accepted", result.Accepted)

	writeJSON(w, http.StatusOK, PushResponse{Accepted: result.Accepted, Timestamp: result.Timestamp})
}

// decodeChanges validates table names before decoding any records.
func decodeChanges(raw map[string]json.RawMessage) (models.ChangeSet, error) {
	cs := make(models.ChangeSet, len(raw))
	for name, body := range raw {
		t, ok := models.ParseTable(name)
		if !ok || t.LocalOnly() {
			return nil, fmt.Errorf("%w: %s", serverdb.ErrInvalidTable, name)
		}
		var tc models.TableChanges
		if err := json.Unmarshal(body, &tc); err != nil {
			return nil, fmt.Errorf("invalid changes for %s: %v", name, err)
		}
		if tc.Len() > 0 {
			cs[t] = tc
		}
	}
	return cs, nil
}
