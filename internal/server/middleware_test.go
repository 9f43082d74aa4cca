package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/threadbox/internal/auth"
	"github.com/ashita-ai/threadbox/internal/ctxutil"
	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/ratelimit"
	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimitMiddleware(t *testing.T) {
	// MemoryLimiter with rate=1 token/sec and burst=2 allows the first 2 rapid
	// requests (initial burst capacity) then rejects until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), false, okHandler)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/threads", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d is within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "burst exhausted")
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
	}
}

func TestRateLimitMiddleware_DifferentIPs(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), false, okHandler)

	send := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/path", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:2000"), "port does not change the key")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "separate bucket per IP")
}

func TestRateLimitMiddleware_KeysBySubject(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), false, okHandler)

	send := func(sub string) int {
		claims := &auth.Claims{Role: model.RoleOperator}
		claims.Subject = sub
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/path", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"), "same IP, different subject")
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
}

type brokenLimiter struct{ ratelimit.NoopLimiter }

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter down")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := rateLimitMiddleware(brokenLimiter{}, quietLogger(), false, okHandler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/path", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "10.1.1.1", clientIP(req, false))
	assert.Equal(t, "203.0.113.7", clientIP(req, true))
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	var seen *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(mgr, inner)

	token, _, err := mgr.IssueToken("ci-bot", model.RoleOperator, 0)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"openapi is public", "/openapi.yaml", "", http.StatusOK},
		{"missing header", "/v1/threads", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/threads", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/v1/threads", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "/v1/threads", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	require.NotNil(t, seen)
	assert.Equal(t, "ci-bot", seen.Subject)
	assert.Equal(t, model.RoleOperator, seen.Role)
}

func TestAuthMiddleware_DisabledRunsAsAnonymousAdmin(t *testing.T) {
	var role model.Role
	var sub string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = ctxutil.Role(r.Context())
		sub = ctxutil.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	authMiddleware(nil, inner).ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/threads/x", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.RoleAdmin, role)
	assert.Equal(t, ctxutil.AnonymousSubject, sub)
}

func TestRequireRole(t *testing.T) {
	handler := requireRole(model.RoleOperator)(okHandler)

	send := func(role model.Role) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		if role != "" {
			req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Role: role}))
		}
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusForbidden, send(model.RoleReader))
	assert.Equal(t, http.StatusOK, send(model.RoleOperator))
	assert.Equal(t, http.StatusOK, send(model.RoleAdmin))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ctxutil.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", got)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Len(t, got, 36, "generated ids are UUIDs")
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string, limit int64) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", strings.NewReader(body))
		var target model.UpdateThreadRequest
		err := decodeJSON(rec, req, &target, limit)
		if err != nil {
			handleDecodeError(rec, req, err)
		}
		return rec, err
	}

	_, err := decode(`{"thread_name":"ok"}`, 1024)
	assert.NoError(t, err)

	rec, err := decode(`{"state":"completed"}`, 1024)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `unknown field \"state\"`)

	rec, err = decode(`{"thread_name":`, 1024)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, err = decode(`{"thread_name":"`+strings.Repeat("x", 200)+`"}`, 64)
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	_, err = decode(``, 1024)
	assert.ErrorIs(t, err, errEmptyBody)
}

func TestWriteServiceError(t *testing.T) {
	h := &Handlers{logger: quietLogger()}
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"not found", fmt.Errorf("x: %w", storage.ErrNotFound), http.StatusNotFound, ""},
		{"already running", threads.ErrAlreadyRunning, http.StatusConflict, ""},
		{"busy", fmt.Errorf("storage: transition thread: %w", storage.ErrBusy), http.StatusServiceUnavailable, "1"},
		{"shutting down", threads.ErrShuttingDown, http.StatusServiceUnavailable, "5"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/threads/x/start", nil)
			w := httptest.NewRecorder()
			h.writeServiceError(w, r, "start thread", tc.err)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantRetry, w.Header().Get("Retry-After"))
		})
	}
}
