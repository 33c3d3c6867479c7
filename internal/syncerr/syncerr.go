// Package syncerr defines the error kinds surfaced at the public contract
// level of the contact sync pipeline (SPEC_FULL.md §7), generalising the
// sentinel-error convention the storage layer uses to the two places this
// domain needs a payload alongside the kind.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput marks malformed MatchKeys, unknown direction, or
	// unparseable request parameters. Surfaced as HTTP 4xx.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorised marks a directory auth failure that survived a
	// forced token refresh. Never dead-lettered.
	ErrUnauthorised = errors.New("directory unauthorised")

	// ErrAuthMissing marks absent source CRM credentials. The worker
	// dead-letters on this kind.
	ErrAuthMissing = errors.New("source crm auth missing")

	// ErrMissingEtag marks a directory record with no etag; merges and
	// updates refuse to proceed without one.
	ErrMissingEtag = errors.New("missing etag")

	// ErrMissingPrimary marks a plan that expected a primary candidate but
	// found none on re-evaluation.
	ErrMissingPrimary = errors.New("missing primary")

	// ErrTransport marks a non-2xx directory/CRM response (other than the
	// kinds above) or a network failure. Logged and rescheduled.
	ErrTransport = errors.New("transport error")

	// ErrStorage marks a database failure. Logged and rescheduled.
	ErrStorage = errors.New("storage error")

	// ErrNotFound marks a missing Link/PendingSync row.
	ErrNotFound = errors.New("not found")
)

// RateLimitedError is raised when the directory client exhausts its retry
// budget against a 429/RESOURCE_EXHAUSTED response. RetryAfter is the
// server-advised or backoff-computed delay before the next attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RecoverableSyncError marks a condition SyncEngine.Apply can resolve by
// re-planning on a fresh view of the world (missing etag, missing primary,
// update_failed:<status>). After the bounded retry loop is exhausted it is
// converted to ErrTransport.
type RecoverableSyncError struct {
	Reason string
}

func (e *RecoverableSyncError) Error() string {
	return fmt.Sprintf("recoverable: %s", e.Reason)
}

// UpdateFailedReason builds the "update_failed:<status>" reason string used
// when a directory update_contact call fails with 404/410/412.
func UpdateFailedReason(status int) string {
	return fmt.Sprintf("update_failed:%d", status)
}
