package netstatus

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Prober is a Monitor that polls the remote's /healthz endpoint.
type Prober struct {
	hub

	url      string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	known     bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewProber returns a Prober against baseURL. interval <= 0 uses 15s.
func NewProber(baseURL string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		url:      strings.TrimRight(baseURL, "/") + "/healthz",
		client:   &http.Client{Timeout: defaultProbeTimeout},
		interval: interval,
		logger:   logger,
	}
}

// Connected probes the remote now and publishes the result.
func (p *Prober) Connected(ctx context.Context) bool {
	ok := p.probe(ctx)
	p.record(ok)
	return ok
}

// Subscribe registers fn for connectivity transitions seen by the polling loop
// or by Connected.
func (p *Prober) Subscribe(fn func(bool)) func() {
	return p.subscribe(fn)
}

// Start begins background polling. Calling Start twice is a no-op.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.Connected(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends background polling and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("netstatus: probe failed", "url", p.url, "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Prober) record(ok bool) {
	p.mu.Lock()
	changed := !p.known || p.connected != ok
	p.connected, p.known = ok, true
	p.mu.Unlock()

	if changed {
		p.logger.Info("netstatus: connectivity changed", "connected", ok)
		p.publish(ok)
	}
}
