package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contactsync/contactsync/internal/metrics"
	"github.com/contactsync/contactsync/internal/syncerr"
)

type stubAuth struct {
	header        string
	refreshCalled atomic.Int64
	failRefresh   bool
}

func (a *stubAuth) Header(ctx context.Context) (string, error) {
	return a.header, nil
}

func (a *stubAuth) ForceRefresh(ctx context.Context) error {
	a.refreshCalled.Add(1)
	if a.failRefresh {
		return fmt.Errorf("refresh failed")
	}
	a.header = "Bearer refreshed"
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.Client(), srv.URL, &stubAuth{header: "Bearer token"}, 1000, &metrics.Directory{})
	return c, srv
}

func TestSearchContacts_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/people:searchContacts" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"results":[{"person":{"resourceName":"people/1","etag":"e1","names":[{"displayName":"Ann"}]}}]}`)
	})

	people, err := c.SearchContacts(context.Background(), "+15551230000", "names,phoneNumbers", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(people) != 1 || people[0].ResourceName != "people/1" {
		t.Fatalf("unexpected result: %+v", people)
	}
}

func TestGetContact_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceName":"people/2","etag":"e2"}`)
	})

	p, err := c.GetContact(context.Background(), "people/2", "names")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ETag != "e2" {
		t.Fatalf("unexpected etag: %q", p.ETag)
	}
}

func TestCreateContact_BuildsBodyFromFields(t *testing.T) {
	var captured map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"resourceName":"people/new","etag":"e3"}`)
	})

	_, err := c.CreateContact(context.Background(), ContactFields{
		DisplayName: "Jane Doe",
		Phones:      []string{"+15551230000"},
		ExternalID:  "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured["names"] == nil || captured["phoneNumbers"] == nil || captured["externalIds"] == nil {
		t.Fatalf("expected names/phoneNumbers/externalIds in body, got %+v", captured)
	}
}

func TestUpdateContact_RequiresEtag(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called without an etag")
	})

	_, err := c.UpdateContact(context.Background(), "people/3", "", ContactFields{DisplayName: "X"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing etag")
	}
}

func TestUpdateContact_RecoverableOn404(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"status":"NOT_FOUND"}}`)
	})

	_, err := c.UpdateContact(context.Background(), "people/3", "e1", ContactFields{DisplayName: "X"}, nil, nil)
	var recoverable *syncerr.RecoverableSyncError
	if err == nil || !strings.Contains(err.Error(), "update_failed:404") {
		t.Fatalf("expected recoverable update_failed:404, got %v (%v)", err, recoverable)
	}
}

func TestDo_RefreshesOnceThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"resourceName":"people/4"}`)
	})

	p, err := c.GetContact(context.Background(), "people/4", "names")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ResourceName != "people/4" {
		t.Fatalf("unexpected person: %+v", p)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDo_SecondUnauthorisedFails(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.GetContact(context.Background(), "people/5", "names")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDo_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"resourceName":"people/6"}`)
	})

	start := time.Now()
	p, err := c.GetContact(context.Background(), "people/6", "names")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ResourceName != "people/6" {
		t.Fatalf("unexpected person: %+v", p)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry took too long: %v", time.Since(start))
	}
}

func TestDo_RateLimitExhaustionReturnsRateLimitedError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetContact(context.Background(), "people/7", "names")
	var rl *syncerr.RateLimitedError
	if err == nil {
		t.Fatal("expected rate limited error")
	}
	if !asRateLimited(err, &rl) {
		t.Fatalf("expected *syncerr.RateLimitedError, got %T: %v", err, err)
	}
}

func asRateLimited(err error, target **syncerr.RateLimitedError) bool {
	if rl, ok := err.(*syncerr.RateLimitedError); ok {
		*target = rl
		return true
	}
	return false
}

func TestBatchDeleteContacts_EmptyIsNoop(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an empty batch")
	})

	if err := c.BatchDeleteContacts(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBatchUpdateContacts_BuildsBodyAndParsesResult(t *testing.T) {
	var captured map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/people:batchUpdateContacts" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"updateResult":{
			"people/1":{"person":{"resourceName":"people/1","etag":"e1-new"},"status":{"code":0}},
			"people/2":{"status":{"code":9,"message":"FAILED_PRECONDITION"}}
		}}`)
	})

	results, err := c.BatchUpdateContacts(context.Background(), map[string]map[string]any{
		"people/1": {"etag": "e1", "names.0.displayName": "Jane"},
		"people/2": {"etag": "e2-stale"},
	}, []string{"names"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contacts, _ := captured["contacts"].(map[string]any)
	if contacts["people/1"] == nil || contacts["people/2"] == nil {
		t.Fatalf("expected both resources in request body, got %+v", captured)
	}
	if captured["updateMask"] != "names" {
		t.Fatalf("unexpected updateMask: %v", captured["updateMask"])
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 successful result, got %d: %+v", len(results), results)
	}
	if results["people/1"].ETag != "e1-new" {
		t.Fatalf("unexpected result for people/1: %+v", results["people/1"])
	}
	if _, failed := results["people/2"]; failed {
		t.Fatalf("expected people/2 to be absent from results after a failed status")
	}
}

func TestBatchUpdateContacts_EmptyIsNoop(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an empty batch")
	})

	results, err := c.BatchUpdateContacts(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result map, got %+v", results)
	}
}

func TestEnsureGroup_CachesAfterFirstLookup(t *testing.T) {
	var groupCalls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		groupCalls.Add(1)
		fmt.Fprint(w, `{"contactGroups":[{"resourceName":"contactGroups/amo","formattedName":"amoCRM"}]}`)
	})

	r1, err := c.EnsureGroup(context.Background(), "amoCRM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := c.EnsureGroup(context.Background(), "amoCRM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1 != "contactGroups/amo" || r2 != r1 {
		t.Fatalf("unexpected group resources: %q %q", r1, r2)
	}
	if groupCalls.Load() != 1 {
		t.Fatalf("expected a single lookup call, got %d", groupCalls.Load())
	}
}

func TestEnsureGroup_CreatesWhenMissing(t *testing.T) {
	var created bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `{"contactGroups":[]}`)
		case r.Method == http.MethodPost:
			created = true
			fmt.Fprint(w, `{"resourceName":"contactGroups/new"}`)
		}
	})

	resource, err := c.EnsureGroup(context.Background(), "newgroup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || resource != "contactGroups/new" {
		t.Fatalf("expected group creation, got resource %q created=%v", resource, created)
	}
}

func TestListConnections_PaginatesUntilLimit(t *testing.T) {
	var pages atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/people/me/connections" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		page := pages.Add(1)
		if page == 1 {
			fmt.Fprint(w, `{"connections":[{"resourceName":"people/1"},{"resourceName":"people/2"}],"nextPageToken":"tok2"}`)
			return
		}
		if r.URL.Query().Get("pageToken") != "tok2" {
			t.Fatalf("expected pageToken tok2, got %q", r.URL.Query().Get("pageToken"))
		}
		fmt.Fprint(w, `{"connections":[{"resourceName":"people/3"}]}`)
	})

	people, err := c.ListConnections(context.Background(), 3, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(people) != 3 {
		t.Fatalf("expected 3 people, got %d", len(people))
	}
	if pages.Load() != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", pages.Load())
	}
}

func TestListConnections_FiltersBySinceTime(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"connections":[
			{"resourceName":"people/old","metadata":{"sources":[{"updateTime":"2020-01-01T00:00:00Z"}]}},
			{"resourceName":"people/new","metadata":{"sources":[{"updateTime":"2030-01-01T00:00:00Z"}]}}
		]}`)
	})

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	people, err := c.ListConnections(context.Background(), 10, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(people) != 1 || people[0].ResourceName != "people/new" {
		t.Fatalf("expected only the recently updated person, got %+v", people)
	}
}

func TestGroupCacheSnapshot_ReturnsCopy(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"contactGroups":[{"name":"amo","resourceName":"contactGroups/amo"}]}`)
	})

	if _, err := c.EnsureGroup(context.Background(), "amo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := c.GroupCacheSnapshot()
	if snapshot["amo"] != "contactGroups/amo" {
		t.Fatalf("expected cached group, got %+v", snapshot)
	}

	snapshot["amo"] = "mutated"
	if cached := c.GroupCacheSnapshot(); cached["amo"] != "contactGroups/amo" {
		t.Fatalf("expected snapshot mutation not to affect cache, got %+v", cached)
	}
}
