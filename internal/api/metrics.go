package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	pushChanges   atomic.Int64
	pushRequests  atomic.Int64
	pullRequests  atomic.Int64
	pulledChanges atomic.Int64
	rateLimited   atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	Requests            int64   `json:"requests"`
	ServerErrors        int64   `json:"server_errors"`
	ClientErrors        int64   `json:"client_errors"`
	PushRequests        int64   `json:"push_requests"`
	PushChangesAccepted int64   `json:"push_changes_accepted"`
	PullRequests        int64   `json:"pull_requests"`
	PulledChanges       int64   `json:"pulled_changes"`
	RateLimited         int64   `json:"rate_limited"`

	Records    int64 `json:"records"`
	Tombstones int64 `json:"tombstones"`
	Devices    int64 `json:"devices"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordPush counts one push request carrying n accepted changes.
func (m *Metrics) RecordPush(n int64) {
	m.pushRequests.Add(1)
	m.pushChanges.Add(n)
}

// RecordPull counts one pull request returning n changes.
func (m *Metrics) RecordPull(n int64) {
	m.pullRequests.Add(1)
	m.pulledChanges.Add(n)
}

// RecordRateLimited increments the rejected-by-rate-limit counter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:       time.Since(m.startTime).Seconds(),
		Requests:            m.requests.Load(),
		ServerErrors:        m.serverErrors.Load(),
		ClientErrors:        m.clientErrors.Load(),
		PushRequests:        m.pushRequests.Load(),
		PushChangesAccepted: m.pushChanges.Load(),
		PullRequests:        m.pullRequests.Load(),
		PulledChanges:       m.pulledChanges.Load(),
		RateLimited:         m.rateLimited.Load(),
	}
}
