package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/contactsync/contactsync/internal/metrics"
	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/syncerr"
	"github.com/contactsync/contactsync/internal/webhook"
)

func TestHandleHealth_ReportsVersion(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeCRM{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestHandleDebugMetrics_ReturnsSnapshot(t *testing.T) {
	m := &metrics.Directory{}
	m.IncRequests()
	m.IncRetries()
	h := NewHandler(&fakeEngine{}, &fakeCRM{}, testExtract, &fakeDirectory{}, &fakeQueue{}, m, webhook.New("s", "d", nil, nil, nil), "test")

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugMetrics(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["requests"] != float64(1) || body["retries"] != float64(1) {
		t.Fatalf("unexpected metrics snapshot: %+v", body)
	}
}

func TestHandleDebugGroupCache_ReturnsSnapshot(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeCRM{})

	req := httptest.NewRequest(http.MethodGet, "/debug/group-cache", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugGroupCache(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	groups := body["groups"].(map[string]any)
	if groups["amo_google_sync_group"] != "contactGroups/amo" {
		t.Fatalf("unexpected group cache: %+v", body)
	}
}

func TestHandleDebugQueue_ReturnsDepth(t *testing.T) {
	h := NewHandler(&fakeEngine{}, &fakeCRM{}, testExtract, &fakeDirectory{}, &fakeQueue{depth: 7}, &metrics.Directory{}, webhook.New("s", "d", nil, nil, nil), "test")

	req := httptest.NewRequest(http.MethodGet, "/debug/queue", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugQueue(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["queue_depth"] != float64(7) {
		t.Fatalf("unexpected queue depth: %+v", body)
	}
}

func TestHandleDebugConnections_ReportsLinkedStatus(t *testing.T) {
	dir := &fakeDirectory{connections: []model.Person{
		{ResourceName: "people/1", ExternalIDs: []model.ExternalID{{Type: model.ExternalIDTagCanonical, Value: "42"}}},
		{ResourceName: "people/2"},
	}}
	h := NewHandler(&fakeEngine{}, &fakeCRM{}, testExtract, dir, &fakeQueue{}, &metrics.Directory{}, webhook.New("s", "d", nil, nil, nil), "test")

	req := httptest.NewRequest(http.MethodGet, "/debug/directory-connections", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugConnections(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["count"] != float64(2) {
		t.Fatalf("unexpected count: %+v", body)
	}
	conns := body["connections"].([]any)
	first := conns[0].(map[string]any)
	if first["has_amo_link"] != true {
		t.Fatalf("expected first connection to be linked, got %+v", first)
	}
	second := conns[1].(map[string]any)
	if second["has_amo_link"] != false {
		t.Fatalf("expected second connection to be unlinked, got %+v", second)
	}
}

func TestHandleDebugConnections_PropagatesDirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.Join(syncerr.ErrTransport, errors.New("upstream down"))}
	h := NewHandler(&fakeEngine{}, &fakeCRM{}, testExtract, dir, &fakeQueue{}, &metrics.Directory{}, webhook.New("s", "d", nil, nil, nil), "test")

	req := httptest.NewRequest(http.MethodGet, "/debug/directory-connections", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugConnections(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleDebugMergeByPhone_ReturnsEngineResult(t *testing.T) {
	engine := &fakeEngine{mergeFor: func(keys model.MatchKeys) model.SyncResult {
		if len(keys.Phones) != 1 || keys.Phones[0] != "+15551230000" {
			t.Fatalf("unexpected keys passed to MergeCandidates: %+v", keys)
		}
		return model.SyncResult{Outcome: model.OutcomeMerged, Resource: "people/1", MergedInto: "people/1", Deleted: []string{"people/2"}}
	}}
	h := newTestHandler(engine, &fakeCRM{})

	req := httptest.NewRequest(http.MethodPost, "/debug/merge/by-phone?phone=+1+555+123+0000", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugMergeByPhone(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resource"] != "people/1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleDebugMergeByPhone_RejectsInvalidPhone(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeCRM{})

	req := httptest.NewRequest(http.MethodPost, "/debug/merge/by-phone?phone=not-a-phone", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugMergeByPhone(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDebugQueue_PropagatesStoreError(t *testing.T) {
	h := NewHandler(&fakeEngine{}, &fakeCRM{}, testExtract, &fakeDirectory{},
		&fakeQueue{err: errors.Join(syncerr.ErrStorage, errors.New("db gone"))},
		&metrics.Directory{}, webhook.New("s", "d", nil, nil, nil), "test")

	req := httptest.NewRequest(http.MethodGet, "/debug/queue", nil)
	rec := httptest.NewRecorder()
	h.HandleDebugQueue(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
