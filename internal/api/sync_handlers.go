package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/syncerr"
	"go.uber.org/multierr"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	fastModeLimit     = 20
)

// batchOptions carries the parsed query parameters shared by the dry-run
// and apply routes.
type batchOptions struct {
	Direction    string
	Limit        int
	LimitClamped bool
	SinceDays    int
	SinceMinutes int
	Mode         string
	SourceIDs    []string
	Confirmed    bool
}

// batchItem is one contact's outcome within a batch run.
type batchItem struct {
	Plan   model.SyncPlan
	Result model.SyncResult
	Err    error
}

func parseBatchOptions(r *http.Request) (batchOptions, error) {
	q := r.URL.Query()

	direction := q.Get("direction")
	if direction == "" {
		direction = "amo"
	}
	switch direction {
	case "amo", "google", "both":
	case "to_google":
		direction = "amo"
	default:
		return batchOptions{}, errors.Join(syncerr.ErrInvalidInput, errors.New("direction must be one of amo, google, both"))
	}

	mode := q.Get("mode")
	if mode == "" {
		mode = "full"
	}

	limit := defaultBatchLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return batchOptions{}, errors.Join(syncerr.ErrInvalidInput, errors.New("limit must be a positive integer"))
		}
		limit = n
	}
	if mode == "fast" && limit > fastModeLimit {
		limit = fastModeLimit
	}
	clamped := false
	if limit > maxBatchLimit {
		limit = maxBatchLimit
		clamped = true
	}

	sinceDays, _ := strconv.Atoi(q.Get("since_days"))
	sinceMinutes, _ := strconv.Atoi(q.Get("since_minutes"))

	var ids []string
	if raw := q.Get("amo_ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
	}

	return batchOptions{
		Direction:    direction,
		Limit:        limit,
		LimitClamped: clamped,
		SinceDays:    sinceDays,
		SinceMinutes: sinceMinutes,
		Mode:         mode,
		SourceIDs:    ids,
		Confirmed:    q.Get("confirm") == "1",
	}, nil
}

// loadContacts assembles the candidate contact list for a batch run. The
// amo_ids path fetches each contact individually; otherwise it lists the
// most recently updated contacts from the source CRM.
func (h *Handler) loadContacts(ctx context.Context, opts batchOptions) ([]model.Contact, error) {
	if len(opts.SourceIDs) > 0 {
		contacts := make([]model.Contact, 0, len(opts.SourceIDs))
		for _, id := range opts.SourceIDs {
			raw, err := h.crm.GetContact(ctx, id)
			if err != nil {
				return nil, err
			}
			contacts = append(contacts, h.extract(id, raw))
		}
		return contacts, nil
	}
	return h.crm.ListContacts(ctx, opts.Limit, opts.SinceDays, opts.SinceMinutes)
}

// runBatch plans (and, if apply is true, applies) every contact selected
// by opts. It stops early on a rate-limit or auth error, since both
// indicate the directory collaborator is no longer usable for the rest of
// the batch; any other per-contact error is recorded against that item and
// the batch continues.
func (h *Handler) runBatch(ctx context.Context, opts batchOptions, apply bool) ([]batchItem, error) {
	contacts, err := h.loadContacts(ctx, opts)
	if err != nil {
		return nil, err
	}

	items := make([]batchItem, 0, len(contacts))
	for _, contact := range contacts {
		plan, err := h.engine.Plan(ctx, contact)
		if err != nil {
			if isFatalBatchError(err) {
				return items, err
			}
			items = append(items, batchItem{Plan: model.SyncPlan{Contact: contact}, Err: err})
			continue
		}

		item := batchItem{Plan: plan}
		if apply {
			result, err := h.engine.Apply(ctx, plan)
			if err != nil {
				if isFatalBatchError(err) {
					return items, err
				}
				item.Err = err
			} else {
				item.Result = result
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func isFatalBatchError(err error) bool {
	var rateLimited *syncerr.RateLimitedError
	return errors.As(err, &rateLimited) || errors.Is(err, syncerr.ErrUnauthorised)
}

type sample struct {
	SourceID       string `json:"source_id"`
	Reason         string `json:"reason,omitempty"`
	MappedResource string `json:"mapped_resource,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newSample(item batchItem) sample {
	s := sample{
		SourceID:       item.Plan.Contact.SourceID,
		Reason:         item.Plan.Reason,
		MappedResource: item.Plan.MappedResource,
	}
	if item.Err != nil {
		s.Error = item.Err.Error()
	}
	if item.Result.Resource != "" {
		s.MappedResource = item.Result.Resource
	}
	return s
}

const sampleLimit = 5

// HandleDryRun implements GET /sync/contacts/dry-run: plans a batch
// without applying it, and reports the action each contact would take.
func (h *Handler) HandleDryRun(w http.ResponseWriter, r *http.Request) {
	opts, err := parseBatchOptions(r)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	start := time.Now()
	items, err := h.runBatch(r.Context(), opts, false)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	counts := map[model.SyncAction]int{}
	samples := map[model.SyncAction][]sample{}
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			continue
		}
		counts[item.Plan.Action]++
		if len(samples[item.Plan.Action]) < sampleLimit {
			samples[item.Plan.Action] = append(samples[item.Plan.Action], newSample(item))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"direction":     opts.Direction,
		"mode":          opts.Mode,
		"limit":         opts.Limit,
		"limit_clamped": opts.LimitClamped,
		"summary": map[string]any{
			"total":  len(items),
			"create": counts[model.ActionCreate],
			"update": counts[model.ActionUpdate],
			"merge":  counts[model.ActionMerge],
			"skip":   counts[model.ActionSkip],
			"failed": failed,
		},
		"samples": samples,
		"debug": map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
}

// HandleApply implements POST /sync/contacts/apply: plans and applies a
// batch, one contact at a time, continuing past individual failures. In
// addition to the debug secret the route already sits behind, a live apply
// requires an explicit confirm=1, so that the debug secret alone (shared
// more widely, for read-only debug routes) can never trigger a mutating
// batch by accident.
func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	opts, err := parseBatchOptions(r)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	if !opts.Confirmed {
		MapSyncError(w, r, errors.Join(syncerr.ErrInvalidInput, errors.New("apply requires confirm=1")))
		return
	}
	if opts.Direction != "amo" {
		MapSyncError(w, r, errors.Join(syncerr.ErrInvalidInput, errors.New("apply only supports direction=to_google (or its alias amo)")))
		return
	}
	const maxApplyLimit = 50
	if opts.Limit > maxApplyLimit {
		opts.Limit = maxApplyLimit
	}

	start := time.Now()
	items, err := h.runBatch(r.Context(), opts, true)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	counts := map[model.SyncOutcome]int{}
	samples := map[model.SyncOutcome][]sample{}
	var errs error
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			errs = multierr.Append(errs, item.Err)
			continue
		}
		counts[item.Result.Outcome]++
		if len(samples[item.Result.Outcome]) < sampleLimit {
			samples[item.Result.Outcome] = append(samples[item.Result.Outcome], newSample(item))
		}
	}

	if errs != nil {
		slog.Warn("apply batch completed with errors", "action", "apply", "component", "api", "failed", failed, "errors", errs.Error())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"direction": "to_google",
		"limit":     opts.Limit,
		"counts": map[string]any{
			"created": counts[model.OutcomeCreated],
			"updated": counts[model.OutcomeUpdated],
			"merged":  counts[model.OutcomeMerged],
			"skipped": counts[model.OutcomeSkipped] + counts[model.OutcomeSkippedInvalidPhone],
			"failed":  failed,
		},
		"samples": samples,
		"debug": map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
