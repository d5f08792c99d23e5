package netstatus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStatic_SetNotifiesOnChange(t *testing.T) {
	s := NewStatic(false)

	var mu sync.Mutex
	var got []bool
	cancel := s.Subscribe(func(c bool) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	s.Set(true)
	s.Set(true) // no change, no event
	s.Set(false)

	mu.Lock()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("events = %v, want [true false]", got)
	}
	mu.Unlock()

	cancel()
	cancel() // idempotent
	s.Set(true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("events after cancel = %v", got)
	}
	if !s.Connected(context.Background()) {
		t.Error("Connected should reflect last Set")
	}
}

func TestProber_Connected(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(srv.URL+"/", time.Hour, nil)

	var events []bool
	var mu sync.Mutex
	p.Subscribe(func(c bool) {
		mu.Lock()
		events = append(events, c)
		mu.Unlock()
	})

	ctx := context.Background()
	if !p.Connected(ctx) {
		t.Fatal("expected connected")
	}
	healthy.Store(false)
	if p.Connected(ctx) {
		t.Fatal("expected disconnected on 503")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("events = %v, want [true false]", events)
	}
}

func TestProber_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(url, time.Hour, nil)
	if p.Connected(context.Background()) {
		t.Error("closed server reported as connected")
	}
}

func TestProber_StartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 10*time.Millisecond, nil)
	p.Start(context.Background())
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop()

	if hits.Load() < 2 {
		t.Fatalf("probes = %d, want at least 2", hits.Load())
	}
	after := hits.Load()
	time.Sleep(30 * time.Millisecond)
	if hits.Load() != after {
		t.Error("probing continued after Stop")
	}
}
