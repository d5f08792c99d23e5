package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const (
	keyIDKey ctxKey = iota
	requestIDKey
	loggerKey
)

// keyID returns the verified API key id, or "" for anonymous requests.
func keyID(ctx context.Context) string {
	id, _ := ctx.Value(keyIDKey).(string)
	return id
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// logFor returns the request-scoped logger.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// validRequestID accepts caller-supplied ids that are short and printable.
func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if c < '!' || c > '~' {
			return false
		}
	}
	return true
}

func newRequestID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// requestContext tags each request with an id (reusing the caller's
// X-Request-ID when it is sane) and a logger carrying it.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, slog.Default().With("rid", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

// observe counts every request by status class and logs one line per request.
func observe(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			m.RecordRequest()
			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			switch {
			case sw.code >= 500:
				m.RecordError()
				level = slog.LevelWarn
			case sw.code >= 400:
				m.RecordClientError()
			}
			logFor(r.Context()).Log(r.Context(), level, "req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code,
				"dur", time.Since(start).Round(time.Microsecond).String(),
			)
		})
	}
}

// recoverPanics turns a handler panic into a 500 envelope.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the Bearer token to an API key. With RequireAuth
// off, anonymous requests and unknown tokens pass through; a valid token is
// still attached so rate limit events carry the key.
func (s *Server) authenticate(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if s.config.RequireAuth {
				writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing authorization header")
				return
			}
			handler(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		ak, err := s.store.VerifyAPIKey(token)
		if err != nil {
			logFor(r.Context()).Error("verify api key", "err", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to verify key")
			return
		}
		if ak == nil {
			if s.config.RequireAuth {
				writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired api key")
				return
			}
			handler(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), keyIDKey, ak.ID)
		ctx = context.WithValue(ctx, loggerKey, logFor(ctx).With("kid", ak.ID))
		handler(w, r.WithContext(ctx))
	}
}

func limitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// chain wraps h so the first middleware is outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
