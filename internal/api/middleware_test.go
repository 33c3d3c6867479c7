package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "wrong", false},
		{"", "", true},
		{"secret", "", false},
		{"short", "muchlonger", false},
	}
	for _, tc := range cases {
		if got := constantTimeEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("constantTimeEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDebugSecretMiddleware_AcceptsHeader(t *testing.T) {
	mw := DebugSecretMiddleware("topsecret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	req.Header.Set("X-Debug-Secret", "topsecret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDebugSecretMiddleware_AcceptsQueryToken(t *testing.T) {
	mw := DebugSecretMiddleware("topsecret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics?token=topsecret", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDebugSecretMiddleware_RejectsMismatch(t *testing.T) {
	mw := DebugSecretMiddleware("topsecret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	req.Header.Set("X-Debug-Secret", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Fatalf("expected problem+json content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestDebugSecretMiddleware_EmptySecretNeverAuthenticates(t *testing.T) {
	mw := DebugSecretMiddleware("")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	req.Header.Set("X-Debug-Secret", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestLogLevelForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   slog.Level
	}{
		{200, slog.LevelInfo},
		{301, slog.LevelInfo},
		{400, slog.LevelWarn},
		{404, slog.LevelWarn},
		{500, slog.LevelError},
		{503, slog.LevelError},
	}
	for _, tc := range cases {
		if got := logLevelForStatus(tc.status); got != tc.want {
			t.Errorf("logLevelForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestLoggingMiddleware_RecordsStatusAndDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	prev := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(prev)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/webhook/amo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("expected status logged, got %+v", entry)
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatalf("expected duration_ms logged, got %+v", entry)
	}
}

func TestGetRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestGetRequestID_NoContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/webhook/amo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("panic detail leaked into response: %s", rec.Body.String())
	}
}

func TestTokenBucketLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	rl := NewTokenBucketLimiter(2, time.Hour)

	if !rl.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow() {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected third request to be rejected")
	}
}

func TestTokenBucketLimiter_RefillsOverTime(t *testing.T) {
	rl := NewTokenBucketLimiter(1, time.Millisecond)

	if !rl.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected immediate second request to be rejected")
	}

	time.Sleep(5 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("expected request to be allowed after refill window")
	}
}

func TestTokenBucketLimiter_Middleware_WritesRetryAfterHeader(t *testing.T) {
	rl := NewTokenBucketLimiter(0, time.Hour)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/sync/contacts/apply", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
