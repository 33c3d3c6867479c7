package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/contactsync/contactsync/internal/syncerr"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://contactsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://contactsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://contactsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://contactsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://contactsync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusForbidden: {
		typeURI: "https://contactsync.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://contactsync.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://contactsync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblemForbidden writes a 403 Forbidden problem response.
func WriteProblemForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusForbidden, detail)
}

// writeAuthRequired writes the directory-auth-expired shape the dry-run and
// apply routes use in place of a plain Problem: a 401 carrying a redirect
// hint the operator can use to re-authorise, rather than a detail string.
func writeAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":   "Google auth required",
		"auth_url": "/auth/google/start",
	})
}

// writeRateLimited writes the 429 shape the apply route returns when the
// directory client exhausts its retry budget.
func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "rate_limited",
		"rate_limit": map[string]any{
			"retry_after_seconds": retryAfter,
			"reason":              "google_quota",
		},
	})
}

// MapSyncError converts a sync-pipeline error into the appropriate HTTP
// response, the generalisation of the reference store package's
// sentinel-switch MapStoreError to this domain's error kinds (§7).
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var rateLimited *syncerr.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		writeRateLimited(w, int(rateLimited.RetryAfter.Seconds()))
	case errors.Is(err, syncerr.ErrUnauthorised):
		writeAuthRequired(w)
	case errors.Is(err, syncerr.ErrInvalidInput):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncerr.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, syncerr.ErrAuthMissing):
		WriteProblem(w, r, http.StatusBadGateway, "source crm credentials missing")
	case errors.Is(err, syncerr.ErrStorage):
		WriteProblem(w, r, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, syncerr.ErrTransport):
		WriteProblem(w, r, http.StatusBadGateway, err.Error())
	default:
		slog.Error("unmapped sync error", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "internal server error")
	}
}
