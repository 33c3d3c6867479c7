package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/normalize"
	"github.com/contactsync/contactsync/internal/syncerr"
)

// HandleHealth implements GET /health: a liveness probe carrying the
// running build's version.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleDebugMetrics implements GET /debug/metrics: a snapshot of the
// directory client's call/retry/rate-limit counters.
func (h *Handler) HandleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// HandleDebugEvents implements GET /debug/events: the in-memory ring
// buffer of recently ingested webhook events.
func (h *Handler) HandleDebugEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"events": h.webhook.Events(),
	})
}

// HandleDebugGroupCache implements GET /debug/group-cache: the resolved
// group-name-to-resource cache the directory client keeps to avoid
// re-resolving the sync target group on every call.
func (h *Handler) HandleDebugGroupCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": h.directory.GroupCacheSnapshot(),
	})
}

// HandleDebugQueue implements GET /debug/queue: the current retry queue
// depth, for operators checking whether the worker is keeping up.
func (h *Handler) HandleDebugQueue(w http.ResponseWriter, r *http.Request) {
	depth, err := h.store.QueueDepth(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth": depth,
		"checked_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

const defaultDebugConnectionsLimit = 10

// HandleDebugConnections implements GET /debug/directory-connections: a
// small, unfiltered sample of the directory's contacts, in the order the
// connections listing returns them, for operators spot-checking the google side without running a
// full dry-run comparison.
func (h *Handler) HandleDebugConnections(w http.ResponseWriter, r *http.Request) {
	limit := defaultDebugConnectionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	people, err := h.directory.ListConnections(r.Context(), limit, time.Time{})
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	samples := make([]map[string]any, 0, len(people))
	for _, p := range people {
		samples = append(samples, map[string]any{
			"resource_name": p.ResourceName,
			"updated_at":    p.UpdateTime.UTC().Format(time.RFC3339),
			"has_amo_link":  hasAnyExternalID(p),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(samples),
		"connections": samples,
	})
}

// HandleDebugMergeByPhone implements POST /debug/merge/by-phone: folds every
// directory contact matching the given phone number into a single primary,
// independent of any particular source CRM contact. An operator-triggered
// equivalent of the automatic merge Apply performs when a plan detects
// duplicates.
func (h *Handler) HandleDebugMergeByPhone(w http.ResponseWriter, r *http.Request) {
	phone := normalize.Phone(r.URL.Query().Get("phone"))
	if phone == "" {
		MapSyncError(w, r, syncerr.ErrInvalidInput)
		return
	}

	result, err := h.engine.MergeCandidates(r.Context(), model.MatchKeys{Phones: []string{phone}}, "", "")
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"phone":       phone,
		"outcome":     result.Outcome,
		"reason":      result.Reason,
		"resource":    result.Resource,
		"merged_into": result.MergedInto,
		"deleted":     result.Deleted,
	})
}

func hasAnyExternalID(p model.Person) bool {
	return model.MatchCandidate{Person: p}.HasExternalID("")
}
