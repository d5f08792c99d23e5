package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/tandem/internal/serverdb"
)

// TestHarness runs a started Server on a loopback port with a file-backed store.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.ServerDB
	BaseURL string
	client  *http.Client
}

func newTestHarness(t *testing.T, opts ...func(*Config)) *TestHarness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "server.db")
	cfg.RateLimitPush = 100000
	cfg.RateLimitPull = 100000
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := NewServer(cfg, store)
	if err != nil {
		store.Close()
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		store.Close()
		t.Fatalf("start server: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		store.Close()
	})

	return &TestHarness{
		t:       t,
		Server:  srv,
		Store:   store,
		BaseURL: "http://" + srv.Addr().String(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Do sends body as JSON. The caller closes resp.Body unless it hands the
// response to one of the Assert/Read helpers.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, payload)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// DoJSON is Do plus a decode into out; any 4xx/5xx fails the test.
func (h *TestHarness) DoJSON(method, path, token string, body, out any) *http.Response {
	h.t.Helper()

	resp := h.Do(method, path, token, body)
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp
}

// CreateKey issues a non-expiring API key and returns its token.
func (h *TestHarness) CreateKey(name string) string {
	h.t.Helper()
	token, _, err := h.Store.GenerateAPIKey(name, nil)
	if err != nil {
		h.t.Fatalf("generate api key: %v", err)
	}
	return token
}

func AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode == want {
		return
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body)
}

// AssertErrorResponse checks status and envelope code, then closes the body.
func AssertErrorResponse(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, wantStatus, body)
	}
	var env ErrorResponse
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", body, err)
	}
	if env.Error.Code != wantCode {
		t.Fatalf("error code = %q, want %q (%s)", env.Error.Code, wantCode, env.Error.Message)
	}
	if env.Error.RequestID == "" {
		t.Errorf("error envelope has no request_id")
	}
}

func ReadJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}
