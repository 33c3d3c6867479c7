// Package directory implements the rate-limited, retry-aware HTTP client
// that mediates every outbound call to the hosted address book API, plus
// its contact-group cache and request metrics.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/contactsync/contactsync/internal/metrics"
	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/syncerr"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const groupClientDataKey = "amo_google_sync_group"

// Client is the directory API client. A Client is safe for concurrent use;
// the rate limiter and group cache are shared across every call a process
// makes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       AuthProvider
	limiter    *SlidingWindowLimiter
	metrics    *metrics.Directory

	groupMu    sync.Mutex
	groupCache map[string]string
}

// New constructs a Client against baseURL, rate-limited to rateLimitRPM
// requests per 60-second window.
func New(httpClient *http.Client, baseURL string, auth AuthProvider, rateLimitRPM int, m *metrics.Directory) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		auth:       auth,
		limiter:    NewSlidingWindowLimiter(rateLimitRPM, time.Minute),
		metrics:    m,
		groupCache: make(map[string]string),
	}
}

// requestOutcome is what a single HTTP attempt produced, before the retry
// policy decides whether to continue.
type requestOutcome struct {
	status int
	body   []byte
	header http.Header
}

// dynamicBackoff lets the retryable closure hand the next sleep duration
// to go-retry's Do loop, so the server's Retry-After (when present) can
// override the default exponential schedule on a per-attempt basis.
type dynamicBackoff struct {
	attempt int
	max     int
	base    time.Duration
	next    time.Duration
}

func (b *dynamicBackoff) Next() (time.Duration, bool) {
	if b.attempt >= b.max {
		return 0, false
	}
	b.attempt++
	d := b.next
	if d == 0 {
		d = b.base
	}
	b.next = 0
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d, true
}

func (b *dynamicBackoff) setNext(d time.Duration) {
	b.next = d
}

// do issues method against path with the given query and body, applying
// the rate limiter, the 401-then-refresh-then-retry-once rule, and the
// rate-limit backoff-and-retry policy described in the sync specification.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, error) {
	refreshedOnce := false
	attemptNum := 0
	b := &dynamicBackoff{max: 5, base: time.Second}

	var final requestOutcome
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attemptNum++

		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		outcome, err := c.roundTrip(ctx, method, path, query, body, contentType)
		if err != nil {
			return fmt.Errorf("%w: %v", syncerr.ErrTransport, err)
		}
		c.metrics.IncRequests()

		if outcome.status == http.StatusUnauthorized {
			if refreshedOnce {
				return fmt.Errorf("%w: directory rejected refreshed credentials", syncerr.ErrUnauthorised)
			}
			refreshedOnce = true
			if err := c.auth.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("%w: %v", syncerr.ErrUnauthorised, err)
			}
			b.setNext(0)
			c.metrics.IncRetries()
			return retry.RetryableError(fmt.Errorf("unauthorised, retrying after refresh"))
		}

		if outcome.status >= 200 && outcome.status < 300 {
			final = outcome
			return nil
		}

		if isRateLimited(outcome.status, outcome.body) {
			c.metrics.IncRateLimitHits()
			if attemptNum >= b.max {
				final = outcome
				return &syncerr.RateLimitedError{RetryAfter: retryAfterDelay(outcome.header, attemptNum)}
			}
			c.metrics.IncRetries()
			b.setNext(retryAfterDelay(outcome.header, attemptNum))
			return retry.RetryableError(fmt.Errorf("rate limited, status %d", outcome.status))
		}

		final = outcome
		return fmt.Errorf("%w: status %d: %s", syncerr.ErrTransport, outcome.status, snippet(outcome.body))
	})
	if err != nil {
		return nil, err
	}
	return final.body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) (requestOutcome, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return requestOutcome{}, fmt.Errorf("build request: %w", err)
	}

	header, err := c.auth.Header(ctx)
	if err != nil {
		return requestOutcome{}, err
	}
	req.Header.Set("Authorization", header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestOutcome{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return requestOutcome{}, fmt.Errorf("read response body: %w", err)
	}

	return requestOutcome{status: resp.StatusCode, body: respBody, header: resp.Header}, nil
}

// isRateLimited reports whether status/body represent a quota exhaustion
// the retry policy should back off and retry, per the directory client
// contract (429, or 403 with a RESOURCE_EXHAUSTED body status).
func isRateLimited(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status == http.StatusForbidden {
		return gjson.GetBytes(body, "error.status").String() == "RESOURCE_EXHAUSTED"
	}
	return false
}

// retryAfterDelay computes max(server_retry_after, 2^attempt) + jitter[0,1s],
// capped at 60s.
func retryAfterDelay(header http.Header, attempt int) time.Duration {
	serverDelay := time.Duration(0)
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			serverDelay = time.Duration(secs) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	delay := serverDelay
	if backoff > delay {
		delay = backoff
	}

	jitter := time.Duration(jitterMillis(attempt)) * time.Millisecond
	delay += jitter

	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// jitterMillis derives a deterministic, cheap pseudo-jitter in [0, 1000)ms
// from the attempt number; callers don't need true randomness, only some
// spread to avoid thundering-herd retries across processes.
func jitterMillis(attempt int) int64 {
	return int64((attempt * 263) % 1000)
}

func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// --- Contact operations ---

// SearchContacts runs people.searchContacts with the given query, sending
// the sources parameter only when sources is non-empty. It does not retry
// without sources on failure; match.Matcher does that.
func (c *Client) SearchContacts(ctx context.Context, query string, readMask string, sources []string) ([]model.Person, error) {
	q := url.Values{"query": {query}, "readMask": {readMask}}
	if len(sources) > 0 {
		q.Set("sources", strings.Join(sources, ","))
	}
	body, err := c.do(ctx, http.MethodGet, "/people:searchContacts", q, nil, "")
	if err != nil {
		return nil, err
	}
	return parseResults(body), nil
}

// ListConnections pages through people.connections.list for the
// authenticated user's own contacts, stopping once limit records have been
// collected or the last page is read. Contacts updated before sinceTime
// (if non-zero) are skipped; paging continues past them. Used by
// GET /debug/directory-connections, not by the matching/sync pipeline
// itself.
func (c *Client) ListConnections(ctx context.Context, limit int, sinceTime time.Time) ([]model.Person, error) {
	var out []model.Person
	pageToken := ""
	for len(out) < limit {
		q := url.Values{
			"personFields": {"names,phoneNumbers,emailAddresses,memberships,biographies,externalIds,metadata"},
			"pageSize":     {"100"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		body, err := c.do(ctx, http.MethodGet, "/people/me/connections", q, nil, "")
		if err != nil {
			return out, err
		}
		c.metrics.IncPages()

		gjson.GetBytes(body, "connections").ForEach(func(_, conn gjson.Result) bool {
			person := personFromGJSON(conn)
			if !sinceTime.IsZero() && person.UpdateTime.Before(sinceTime) {
				return true
			}
			out = append(out, person)
			return len(out) < limit
		})

		pageToken = gjson.GetBytes(body, "nextPageToken").String()
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

// SearchOtherContacts runs otherContacts.search, the secondary index the
// Matcher treats as best-effort.
func (c *Client) SearchOtherContacts(ctx context.Context, query string, readMask string) ([]model.Person, error) {
	payload, _ := sjson.SetBytes([]byte("{}"), "query", query)
	payload, _ = sjson.SetBytes(payload, "readMask", readMask)
	body, err := c.do(ctx, http.MethodPost, "/otherContacts:search", nil, payload, "application/json")
	if err != nil {
		return nil, err
	}
	return parseResults(body), nil
}

// GetContact retrieves a single person record via people.get.
func (c *Client) GetContact(ctx context.Context, resourceName, personFields string) (model.Person, error) {
	q := url.Values{"personFields": {personFields}}
	body, err := c.do(ctx, http.MethodGet, "/"+resourceName, q, nil, "")
	if err != nil {
		return model.Person{}, err
	}
	return personFromJSON(body), nil
}

// ContactFields is the set of name/phone/email/group/external-id inputs
// shared by CreateContact and UpdateContact.
type ContactFields struct {
	DisplayName   string
	GivenName     string
	FamilyName    string
	Phones        []string
	Emails        []string
	ExternalID    string
	GroupResource string
	Biography     string
}

// CreateContact creates a new person via people.createContact.
func (c *Client) CreateContact(ctx context.Context, fields ContactFields) (model.Person, error) {
	body := contactFieldsBody([]byte("{}"), fields, nil)
	resp, err := c.do(ctx, http.MethodPost, "/people:createContact", nil, body, "application/json")
	if err != nil {
		return model.Person{}, err
	}
	return personFromJSON(resp), nil
}

// UpdateContact updates an existing person via people:updateContact. etag
// must be non-empty; the contract never issues an update without one.
func (c *Client) UpdateContact(ctx context.Context, resourceName, etag string, fields ContactFields, updateMask []string, existingMemberships []model.Membership) (model.Person, error) {
	if etag == "" {
		return model.Person{}, fmt.Errorf("%w: update_contact requires an etag", syncerr.ErrMissingEtag)
	}

	body := []byte("{}")
	body, _ = sjson.SetBytes(body, "resourceName", resourceName)
	body, _ = sjson.SetBytes(body, "etag", etag)
	mask := append([]string{}, updateMask...)
	body = contactFieldsBody(body, fields, &mask)

	q := url.Values{"updatePersonFields": {formatFieldMask(mask)}}
	resp, err := c.do(ctx, http.MethodPatch, "/"+resourceName+":updateContact", q, body, "application/json")
	if err != nil {
		if status, ok := statusFromTransportError(err); ok && (status == 404 || status == 410 || status == 412) {
			return model.Person{}, fmt.Errorf("%w", &syncerr.RecoverableSyncError{Reason: syncerr.UpdateFailedReason(status)})
		}
		return model.Person{}, err
	}
	return personFromJSON(resp), nil
}

// UpdateContactFields performs an update_contact call with an arbitrary,
// already-shaped field payload — the merge pipeline's escape hatch for
// writing back a unioned record (multiple phone/email entries with their
// original type/metadata, merged memberships, merged biographies) that
// the fixed-shape ContactFields can't express. Keys are directory
// personFields names; values are pre-built JSON-able structures.
func (c *Client) UpdateContactFields(ctx context.Context, resourceName, etag string, fields map[string]any, updateMask []string) (model.Person, error) {
	if etag == "" {
		return model.Person{}, fmt.Errorf("%w: update_contact requires an etag", syncerr.ErrMissingEtag)
	}

	body := []byte("{}")
	body, _ = sjson.SetBytes(body, "resourceName", resourceName)
	body, _ = sjson.SetBytes(body, "etag", etag)
	var err error
	for key, value := range fields {
		body, err = sjson.SetBytes(body, key, value)
		if err != nil {
			return model.Person{}, fmt.Errorf("build update body: %w", err)
		}
	}

	q := url.Values{"updatePersonFields": {formatFieldMask(updateMask)}}
	resp, doErr := c.do(ctx, http.MethodPatch, "/"+resourceName+":updateContact", q, body, "application/json")
	if doErr != nil {
		if status, ok := statusFromTransportError(doErr); ok && (status == 404 || status == 410 || status == 412) {
			return model.Person{}, fmt.Errorf("%w", &syncerr.RecoverableSyncError{Reason: syncerr.UpdateFailedReason(status)})
		}
		return model.Person{}, doErr
	}
	return personFromJSON(resp), nil
}

// BatchUpdateContacts performs a single people:batchUpdateContacts call
// across multiple resources. contactsByName maps each resource name to its
// already-shaped field payload (the same pre-built-structure convention
// UpdateContactFields uses); updateMask applies to every contact in the
// batch. The returned map holds the person each resource name resolved to
// after the update; a resource name absent from the result failed and is
// left for the caller to resolve on its own retry path.
func (c *Client) BatchUpdateContacts(ctx context.Context, contactsByName map[string]map[string]any, updateMask []string) (map[string]model.Person, error) {
	if len(contactsByName) == 0 {
		return map[string]model.Person{}, nil
	}

	names := make([]string, 0, len(contactsByName))
	for name := range contactsByName {
		names = append(names, name)
	}
	sort.Strings(names)

	body := []byte("{}")
	var err error
	for _, name := range names {
		for key, value := range contactsByName[name] {
			body, err = sjson.SetBytes(body, fmt.Sprintf("contacts.%s.%s", name, key), value)
			if err != nil {
				return nil, fmt.Errorf("build batch update body: %w", err)
			}
		}
	}
	body, _ = sjson.SetBytes(body, "updateMask", formatFieldMask(updateMask))

	resp, err := c.do(ctx, http.MethodPost, "/people:batchUpdateContacts", nil, body, "application/json")
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Person, len(contactsByName))
	gjson.GetBytes(resp, "updateResult").ForEach(func(resourceName, result gjson.Result) bool {
		if person := result.Get("person"); person.Exists() {
			out[resourceName.String()] = personFromGJSON(person)
		}
		return true
	})
	return out, nil
}

// BatchDeleteContacts deletes every resource in resourceNames. An empty
// slice is a no-op.
func (c *Client) BatchDeleteContacts(ctx context.Context, resourceNames []string) error {
	names := nonEmpty(resourceNames)
	if len(names) == 0 {
		return nil
	}
	body, _ := sjson.SetBytes([]byte("{}"), "resourceNames", names)
	_, err := c.do(ctx, http.MethodPost, "/people:batchDeleteContacts", nil, body, "application/json")
	return err
}

// EnsureGroup returns the resource name of the contact group matching
// name, creating it (with a clientData sentinel) if it does not exist.
// Lookups and creations are serialised per-process via groupMu so only
// one creation happens per name.
func (c *Client) EnsureGroup(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}

	c.groupMu.Lock()
	if cached, ok := c.groupCache[name]; ok {
		c.groupMu.Unlock()
		return cached, nil
	}
	c.groupMu.Unlock()

	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if cached, ok := c.groupCache[name]; ok {
		return cached, nil
	}

	resource, err := c.findGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if resource != "" {
		c.groupCache[name] = resource
		return resource, nil
	}

	resource, err = c.createGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if resource != "" {
		c.groupCache[name] = resource
	}
	return resource, nil
}

// GroupCacheSnapshot returns a copy of the resolved group-name-to-resource
// cache, for the debug surface.
func (c *Client) GroupCacheSnapshot() map[string]string {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	out := make(map[string]string, len(c.groupCache))
	for k, v := range c.groupCache {
		out[k] = v
	}
	return out
}

func (c *Client) findGroup(ctx context.Context, name string) (string, error) {
	pageToken := ""
	for {
		q := url.Values{"pageSize": {"200"}, "groupFields": {"name,clientData,metadata"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		body, err := c.do(ctx, http.MethodGet, "/contactGroups", q, nil, "")
		if err != nil {
			return "", err
		}
		c.metrics.IncPages()

		var found string
		gjson.GetBytes(body, "contactGroups").ForEach(func(_, group gjson.Result) bool {
			if groupMatches(group, name) {
				found = group.Get("resourceName").String()
				return false
			}
			return true
		})
		if found != "" {
			return found, nil
		}

		pageToken = gjson.GetBytes(body, "nextPageToken").String()
		if pageToken == "" {
			return "", nil
		}
	}
}

func groupMatches(group gjson.Result, name string) bool {
	if group.Get("metadata.deleted").Bool() {
		return false
	}
	if group.Get("name").String() == name || group.Get("formattedName").String() == name {
		return true
	}
	matched := false
	group.Get("clientData").ForEach(func(_, entry gjson.Result) bool {
		if entry.Get("key").String() == groupClientDataKey && entry.Get("value").String() == name {
			matched = true
			return false
		}
		return true
	})
	return matched
}

func (c *Client) createGroup(ctx context.Context, name string) (string, error) {
	body := []byte("{}")
	body, _ = sjson.SetBytes(body, "contactGroup.name", name)
	body, _ = sjson.SetBytes(body, "contactGroup.clientData.0.key", groupClientDataKey)
	body, _ = sjson.SetBytes(body, "contactGroup.clientData.0.value", name)

	resp, err := c.do(ctx, http.MethodPost, "/contactGroups", nil, body, "application/json")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(resp, "resourceName").String(), nil
}

// --- JSON shaping helpers ---

func contactFieldsBody(body []byte, f ContactFields, mask *[]string) []byte {
	addMask := func(field string) {
		if mask != nil {
			*mask = append(*mask, field)
		}
	}

	if f.DisplayName != "" || f.GivenName != "" || f.FamilyName != "" {
		body, _ = sjson.SetBytes(body, "names.0.displayName", f.DisplayName)
		body, _ = sjson.SetBytes(body, "names.0.givenName", f.GivenName)
		body, _ = sjson.SetBytes(body, "names.0.familyName", f.FamilyName)
		addMask("names")
	}
	if len(f.Phones) > 0 {
		for i, phone := range f.Phones {
			body, _ = sjson.SetBytes(body, fmt.Sprintf("phoneNumbers.%d.value", i), phone)
		}
		addMask("phoneNumbers")
	}
	if len(f.Emails) > 0 {
		for i, email := range f.Emails {
			body, _ = sjson.SetBytes(body, fmt.Sprintf("emailAddresses.%d.value", i), email)
		}
		addMask("emailAddresses")
	}
	if f.ExternalID != "" {
		body, _ = sjson.SetBytes(body, "externalIds.0.type", model.ExternalIDTagCanonical)
		body, _ = sjson.SetBytes(body, "externalIds.0.value", f.ExternalID)
		body, _ = sjson.SetBytes(body, "clientData.0.key", model.ExternalIDTagCanonical)
		body, _ = sjson.SetBytes(body, "clientData.0.value", f.ExternalID)
		addMask("externalIds")
		addMask("clientData")
	}
	if f.Biography != "" {
		body, _ = sjson.SetBytes(body, "biographies.0.value", f.Biography)
		addMask("biographies")
	}
	if f.GroupResource != "" {
		body, _ = sjson.SetBytes(body, "memberships.0.contactGroupMembership.contactGroupResourceName", f.GroupResource)
		addMask("memberships")
	}
	return body
}

func formatFieldMask(fields []string) string {
	seen := make(map[string]bool, len(fields))
	var unique []string
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		unique = append(unique, f)
	}
	sort.Strings(unique)
	return strings.Join(unique, ",")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseResults(body []byte) []model.Person {
	var people []model.Person
	gjson.GetBytes(body, "results").ForEach(func(_, result gjson.Result) bool {
		people = append(people, personFromGJSON(result.Get("person")))
		return true
	})
	return people
}

func personFromJSON(body []byte) model.Person {
	return personFromGJSON(gjson.ParseBytes(body))
}

func personFromGJSON(p gjson.Result) model.Person {
	person := model.Person{
		ResourceName: p.Get("resourceName").String(),
		ETag:         p.Get("etag").String(),
	}

	p.Get("names").ForEach(func(_, n gjson.Result) bool {
		person.Names = append(person.Names, model.Name{
			DisplayName: n.Get("displayName").String(),
			GivenName:   n.Get("givenName").String(),
			FamilyName:  n.Get("familyName").String(),
		})
		return true
	})
	p.Get("phoneNumbers").ForEach(func(_, ph gjson.Result) bool {
		person.Phones = append(person.Phones, model.Phone{
			Value:      ph.Get("value").String(),
			Type:       ph.Get("type").String(),
			Normalized: ph.Get("canonicalForm").String(),
		})
		return true
	})
	p.Get("emailAddresses").ForEach(func(_, e gjson.Result) bool {
		person.Emails = append(person.Emails, model.Email{
			Value: e.Get("value").String(),
			Type:  e.Get("type").String(),
		})
		return true
	})
	p.Get("memberships").ForEach(func(_, m gjson.Result) bool {
		if res := m.Get("contactGroupMembership.contactGroupResourceName").String(); res != "" {
			person.Memberships = append(person.Memberships, model.Membership{ContactGroupResourceName: res})
		}
		return true
	})
	p.Get("biographies").ForEach(func(_, b gjson.Result) bool {
		person.Biographies = append(person.Biographies, model.Biography{Value: b.Get("value").String()})
		return true
	})
	p.Get("externalIds").ForEach(func(_, id gjson.Result) bool {
		person.ExternalIDs = append(person.ExternalIDs, model.ExternalID{
			Type:  id.Get("type").String(),
			Value: id.Get("value").String(),
		})
		return true
	})

	var latest time.Time
	p.Get("metadata.sources").ForEach(func(_, src gjson.Result) bool {
		if ts := src.Get("updateTime").Time(); ts.After(latest) {
			latest = ts
		}
		return true
	})
	person.UpdateTime = latest

	return person
}

// statusFromTransportError extracts the HTTP status embedded in a
// syncerr.ErrTransport-wrapped error message, used to translate specific
// update_contact failures into RecoverableSyncError.
func statusFromTransportError(err error) (int, bool) {
	msg := err.Error()
	const marker = "status "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len(marker):]
	end := strings.IndexAny(rest, ":")
	if end < 0 {
		end = len(rest)
	}
	status, convErr := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if convErr != nil {
		return 0, false
	}
	return status, true
}
