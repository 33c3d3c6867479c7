// Package store persists the two durable pieces of sync engine state: the
// source-contact-to-directory-resource Link table and the PendingSync retry
// queue, plus the Token table used by the directory auth collaborator.
package store

import (
	"context"
	"time"

	"github.com/contactsync/contactsync/internal/model"
)

// Store defines the persistence operations the sync engine, worker, and
// webhook ingestor depend on.
type Store interface {
	// SaveLink upserts the mapping for sourceID, overwriting any existing
	// directory resource it pointed to.
	SaveLink(ctx context.Context, sourceID, directoryResource string) error

	// GetLink returns the Link for sourceID, or ErrNotFound.
	GetLink(ctx context.Context, sourceID string) (*model.Link, error)

	// RemapLinks repoints every link currently pointing at any of sources
	// onto target, in a single transaction. Used after a merge collapses
	// duplicate directory resources into one.
	RemapLinks(ctx context.Context, target string, sources []string) error

	// Enqueue inserts a pending_sync row for sourceID due immediately. If
	// one is already queued it re-arms it: attempts reset to 0, due now,
	// last_error cleared.
	Enqueue(ctx context.Context, sourceID string) error

	// FetchDue returns up to limit pending_sync rows whose next_attempt_at
	// has passed, ordered oldest-due first.
	FetchDue(ctx context.Context, limit int) ([]model.PendingSync, error)

	// Reschedule bumps row's attempt count and pushes next_attempt_at out
	// by delay, recording errorText.
	Reschedule(ctx context.Context, row model.PendingSync, delay time.Duration, errorText string) error

	// DeadLetter pushes row far into the future and records reason/detail,
	// keeping it queryable without competing for worker attention.
	DeadLetter(ctx context.Context, row model.PendingSync, reason, detail string) error

	// Delete removes row from the queue after a successful apply.
	Delete(ctx context.Context, row model.PendingSync) error

	// GetToken returns the stored Token for system, or ErrNotFound.
	GetToken(ctx context.Context, system string) (*model.Token, error)

	// SaveToken upserts the Token for system.
	SaveToken(ctx context.Context, system string, token model.Token) error

	// QueueDepth returns the number of rows currently in pending_sync,
	// for the debug surface.
	QueueDepth(ctx context.Context) (int, error)

	Close() error
}
