// Package worker drains the pending_sync retry queue: one cooperative
// goroutine that fetches due rows, runs each through the sync engine, and
// reschedules or dead-letters on failure.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/syncerr"
)

const (
	wakeTimeout    = 5 * time.Second
	backoffCapSecs = 1800
)

// Store is the subset of persistence operations the worker needs.
type Store interface {
	FetchDue(ctx context.Context, limit int) ([]model.PendingSync, error)
	Reschedule(ctx context.Context, row model.PendingSync, delay time.Duration, errorText string) error
	DeadLetter(ctx context.Context, row model.PendingSync, reason, detail string) error
	Delete(ctx context.Context, row model.PendingSync) error
	SaveLink(ctx context.Context, sourceID, directoryResource string) error
}

// SourceCRM fetches and decodes a single CRM contact.
type SourceCRM interface {
	GetContact(ctx context.Context, id string) ([]byte, error)
}

// Engine plans and applies a sync for one contact.
type Engine interface {
	Plan(ctx context.Context, contact model.Contact) (model.SyncPlan, error)
	Apply(ctx context.Context, plan model.SyncPlan) (model.SyncResult, error)
}

// ExtractFields turns a raw CRM payload into a normalised Contact. Declared
// as a function value (not an interface method) because it's pure and
// stateless, matching sourcecrm.ExtractFields's shape.
type ExtractFields func(sourceID string, raw []byte) model.Contact

// Worker is the single-threaded cooperative loop draining pending_sync.
type Worker struct {
	store     Store
	crm       SourceCRM
	engine    Engine
	extract   ExtractFields
	batchSize int
	log       *slog.Logger

	mu      sync.Mutex // serialises drains
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New constructs a Worker. batchSize must be positive.
func New(store Store, crm SourceCRM, engine Engine, extract ExtractFields, batchSize int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		store:     store,
		crm:       crm,
		engine:    engine,
		extract:   extract,
		batchSize: batchSize,
		log:       log,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. Safe to call once; a second call is a
// no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish. Safe to call on
// a Worker that was never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	stop, done := w.stop, w.done
	w.started = false
	w.mu.Unlock()

	close(stop)
	<-done
}

// Wake signals the loop to drain immediately instead of waiting out the
// poll timeout. Non-blocking: a pending wake is not lost, but a second one
// before the loop observes the first collapses into it.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.log.Info("worker started", "component", "worker", "batch_size", w.batchSize)

	for {
		processed := w.Drain(ctx, w.batchSize)
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopped", "component", "worker", "reason", "context_cancelled")
			return
		case <-w.stop:
			w.log.Info("worker stopped", "component", "worker", "reason", "stop_requested")
			return
		case <-w.wake:
		case <-time.After(wakeTimeout):
		}
	}
}

// Drain processes up to limit due rows synchronously, returning how many
// were handled. Exported so tests and a manual admin trigger can run a
// batch without the background loop.
func (w *Worker) Drain(ctx context.Context, limit int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.store.FetchDue(ctx, limit)
	if err != nil {
		w.log.Error("fetch due rows failed", "component", "worker", "error", err)
		return 0
	}

	for _, row := range rows {
		w.handle(ctx, row)
	}
	return len(rows)
}

func (w *Worker) handle(ctx context.Context, row model.PendingSync) {
	resource, err := w.process(ctx, row)
	if err == nil {
		if resource != "" {
			if saveErr := w.store.SaveLink(ctx, row.SourceContactID, resource); saveErr != nil {
				w.log.Error("save link failed", "component", "worker", "source_id", row.SourceContactID, "error", saveErr)
				w.reschedule(ctx, row, backoff(row.Attempts+1), saveErr.Error())
				return
			}
		}
		if delErr := w.store.Delete(ctx, row); delErr != nil {
			w.log.Error("delete pending row failed", "component", "worker", "source_id", row.SourceContactID, "error", delErr)
		}
		w.log.Info("sync applied", "component", "worker", "source_id", row.SourceContactID, "resource", resource)
		return
	}

	var rateLimited *syncerr.RateLimitedError
	switch {
	case errors.Is(err, syncerr.ErrAuthMissing):
		w.log.Warn("dead-lettering row", "component", "worker", "source_id", row.SourceContactID, "reason", "amo_auth_missing")
		if dlErr := w.store.DeadLetter(ctx, row, "amo_auth_missing", err.Error()); dlErr != nil {
			w.log.Error("dead letter failed", "component", "worker", "source_id", row.SourceContactID, "error", dlErr)
		}
	case errors.As(err, &rateLimited):
		delay := rateLimited.RetryAfter
		if b := backoff(row.Attempts + 1); b > delay {
			delay = b
		}
		w.reschedule(ctx, row, delay, "google_rate_limit")
	default:
		w.reschedule(ctx, row, backoff(row.Attempts+1), err.Error())
	}
}

func (w *Worker) process(ctx context.Context, row model.PendingSync) (string, error) {
	raw, err := w.crm.GetContact(ctx, row.SourceContactID)
	if err != nil {
		return "", err
	}

	contact := w.extract(row.SourceContactID, raw)

	plan, err := w.engine.Plan(ctx, contact)
	if err != nil {
		return "", err
	}

	result, err := w.engine.Apply(ctx, plan)
	if err != nil {
		return "", err
	}

	return result.Resource, nil
}

func (w *Worker) reschedule(ctx context.Context, row model.PendingSync, delay time.Duration, errorText string) {
	if err := w.store.Reschedule(ctx, row, delay, errorText); err != nil {
		w.log.Error("reschedule failed", "component", "worker", "source_id", row.SourceContactID, "error", err)
	}
}

// backoff implements min(1800, 30 * 2^(n-1)) seconds for attempt count n.
func backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	secs := 30 << (n - 1)
	if secs > backoffCapSecs || secs <= 0 {
		secs = backoffCapSecs
	}
	return time.Duration(secs) * time.Second
}
