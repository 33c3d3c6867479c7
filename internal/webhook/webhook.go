// Package webhook handles inbound push notifications from the source CRM:
// authenticating the delivery, extracting the contact IDs it references in
// whichever shape the body happens to be, and enqueueing each for the
// worker to pick up.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const maxEvents = 10

var formIDKey = regexp.MustCompile(`^contacts\[(add|update)\]\[\d+\]\[id\]$`)

// Enqueuer is the store operation the ingestor depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, sourceID string) error
}

// Waker signals the worker to drain without waiting out its poll timeout.
type Waker interface {
	Wake()
}

// Event is a record of one processed delivery, kept for the debug surface.
type Event struct {
	At        time.Time `json:"at"`
	SourceIDs []string  `json:"source_ids"`
	Warning   string    `json:"warning,omitempty"`
}

// Ingestor authenticates and parses inbound webhook deliveries.
type Ingestor struct {
	secret      string
	debugSecret string
	store       Enqueuer
	waker       Waker
	log         *slog.Logger

	mu     sync.Mutex
	events []Event
}

// New constructs an Ingestor. secret is the shared webhook secret
// (accepted via the X-Webhook-Secret header or ?token= query parameter);
// debugSecret is additionally accepted via X-Debug-Secret. Either or both
// may be empty, in which case that credential never authenticates a
// request.
func New(secret, debugSecret string, store Enqueuer, waker Waker, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{secret: secret, debugSecret: debugSecret, store: store, waker: waker, log: log}
}

// Handle is the http.HandlerFunc for the inbound webhook route.
func (in *Ingestor) Handle(w http.ResponseWriter, r *http.Request) {
	if !in.authorised(r) {
		writeUnauthorized(w)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	ids, warning := parseIDs(r.Header.Get("Content-Type"), body)
	unique := dedupeIDs(ids)

	for _, id := range unique {
		sourceID := strconv.FormatInt(id, 10)
		if err := in.store.Enqueue(r.Context(), sourceID); err != nil {
			in.log.Error("enqueue failed", "component", "webhook", "source_id", sourceID, "error", err)
		}
	}

	in.recordEvent(unique, warning)

	if len(unique) > 0 && in.waker != nil {
		in.waker.Wake()
	}

	writeQueued(w, unique, warning)
}

// Events returns a snapshot of the last deliveries processed (≤10), most
// recent last.
func (in *Ingestor) Events() []Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Event, len(in.events))
	copy(out, in.events)
	return out
}

func (in *Ingestor) recordEvent(ids []int64, warning string) {
	sourceIDs := make([]string, len(ids))
	for i, id := range ids {
		sourceIDs[i] = strconv.FormatInt(id, 10)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = append(in.events, Event{At: time.Now().UTC(), SourceIDs: sourceIDs, Warning: warning})
	if len(in.events) > maxEvents {
		in.events = in.events[len(in.events)-maxEvents:]
	}
}

func (in *Ingestor) authorised(r *http.Request) bool {
	if in.secret != "" {
		if constantTimeEqual(r.Header.Get("X-Webhook-Secret"), in.secret) {
			return true
		}
		if constantTimeEqual(r.URL.Query().Get("token"), in.secret) {
			return true
		}
	}
	if in.debugSecret != "" && constantTimeEqual(r.Header.Get("X-Debug-Secret"), in.debugSecret) {
		return true
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":   "Unauthorized",
		"accepted": []string{"X-Webhook-Secret", "X-Debug-Secret", "?token"},
	})
}

type queuedResponse struct {
	Queued  []int64 `json:"queued"`
	Warning string  `json:"warning,omitempty"`
}

func writeQueued(w http.ResponseWriter, ids []int64, warning string) {
	resp := queuedResponse{Queued: ids}
	if len(resp.Queued) == 0 {
		resp.Queued = []int64{}
		if warning == "" {
			warning = "no_contact_ids_parsed"
		}
	}
	resp.Warning = warning

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// parseIDs tries JSON first; if that yields nothing and the body is
// non-empty, falls back to form-encoded parsing. warning is set when the
// body was non-empty but nothing parseable was found.
func parseIDs(contentType string, body []byte) (ids []int64, warning string) {
	if len(body) > 0 {
		if gjson.ValidBytes(body) {
			ids = extractJSONIDs(body)
		}
	}
	if len(ids) == 0 && len(body) > 0 {
		ids = extractFormIDs(body)
	}
	if len(ids) == 0 && len(body) > 0 {
		warning = "no_contact_ids_parsed"
	}
	return ids, warning
}

// extractJSONIDs accepts a flat contact_id, a list contact_ids, and the
// nested contacts.{add,update}[*].id shapes.
func extractJSONIDs(body []byte) []int64 {
	var ids []int64
	root := gjson.ParseBytes(body)

	if v := root.Get("contact_id"); v.Exists() {
		if id, ok := asPositiveInt(v); ok {
			ids = append(ids, id)
		}
	}

	if v := root.Get("contact_ids"); v.IsArray() {
		for _, item := range v.Array() {
			if id, ok := asPositiveInt(item); ok {
				ids = append(ids, id)
			}
		}
	}

	for _, section := range []string{"contacts.add", "contacts.update"} {
		v := root.Get(section)
		if !v.IsArray() {
			continue
		}
		for _, item := range v.Array() {
			idVal := item.Get("id")
			if !idVal.Exists() {
				continue
			}
			if id, ok := asPositiveInt(idVal); ok {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

func asPositiveInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		id := v.Int()
		return id, id > 0
	case gjson.String:
		id, err := strconv.ParseInt(v.String(), 10, 64)
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}

// extractFormIDs parses the body as application/x-www-form-urlencoded,
// recognising keys of the form contacts[add|update][N][id].
func extractFormIDs(body []byte) []int64 {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}

	var ids []int64
	for key, vals := range values {
		if !formIDKey.MatchString(key) {
			continue
		}
		for _, raw := range vals {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
