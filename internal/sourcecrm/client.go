// Package sourcecrm fetches contact records from the source CRM and
// extracts the normalised fields the rest of the sync pipeline matches on.
package sourcecrm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/normalize"
	"github.com/contactsync/contactsync/internal/syncerr"
	"github.com/tidwall/gjson"
)

const (
	requestTimeout      = 10 * time.Second
	listContactsTimeout = 20 * time.Second
)

// Client fetches contacts from the source CRM's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New constructs a Client. apiKey is the bearer credential issued by the
// source CRM; an empty key means the integration has not been configured.
func New(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// GetContact fetches the raw contact JSON for id, under a 10-second
// deadline. Missing credentials surface as syncerr.ErrAuthMissing so the
// worker can dead-letter without retrying.
func (c *Client) GetContact(ctx context.Context, id string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: source crm token missing", syncerr.ErrAuthMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v4/contacts/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", syncerr.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", syncerr.ErrTransport, resp.StatusCode)
	}
	return body, nil
}

// ListContacts fetches up to limit recently-touched contacts via
// GET /api/v4/contacts, optionally filtered to records updated since
// sinceDays or sinceMinutes ago (sinceMinutes wins when both are set).
// Used by the dry-run/apply batch endpoints, not by the per-row worker
// path (which always fetches a single contact by ID).
func (c *Client) ListContacts(ctx context.Context, limit int, sinceDays, sinceMinutes int) ([]model.Contact, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: source crm token missing", syncerr.ErrAuthMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, listContactsTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/api/v4/contacts", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("limit", fmt.Sprintf("%d", limit))
	if since := sinceTimestamp(sinceDays, sinceMinutes); since != "" {
		q.Set("filter[updated_at][from]", since)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", syncerr.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", syncerr.ErrTransport, resp.StatusCode)
	}

	var contacts []model.Contact
	gjson.GetBytes(body, "_embedded.contacts").ForEach(func(_, raw gjson.Result) bool {
		sourceID := raw.Get("id").String()
		contacts = append(contacts, ExtractFields(sourceID, []byte(raw.Raw)))
		return true
	})
	return contacts, nil
}

func sinceTimestamp(sinceDays, sinceMinutes int) string {
	switch {
	case sinceMinutes > 0:
		return time.Now().UTC().Add(-time.Duration(sinceMinutes) * time.Minute).Format(time.RFC3339)
	case sinceDays > 0:
		return time.Now().UTC().AddDate(0, 0, -sinceDays).Format(time.RFC3339)
	default:
		return ""
	}
}

// ExtractFields pulls name/phones/emails out of a raw contact body,
// tolerating missing or malformed fields. Only custom fields tagged PHONE
// or EMAIL are considered; every value is run through the normaliser.
func ExtractFields(sourceID string, raw []byte) model.Contact {
	parsed := gjson.ParseBytes(raw)

	name := parsed.Get("name").String()
	given := parsed.Get("first_name").String()
	family := parsed.Get("last_name").String()
	if name == "" {
		name = joinNonEmpty(given, family)
	}

	var phones, emails []string
	parsed.Get("custom_fields_values").ForEach(func(_, field gjson.Result) bool {
		code := field.Get("field_code").String()
		if code != "PHONE" && code != "EMAIL" {
			return true
		}
		field.Get("values").ForEach(func(_, v gjson.Result) bool {
			value := v.Get("value").String()
			if value == "" {
				return true
			}
			if code == "PHONE" {
				if n := normalize.Phone(value); n != "" {
					phones = append(phones, n)
				}
			} else {
				if n := normalize.Email(value); n != "" {
					emails = append(emails, n)
				}
			}
			return true
		})
		return true
	})

	display, givenOut, familyOut := normalize.DisplayName(name)
	if givenOut == "" {
		givenOut = given
	}
	if familyOut == "" {
		familyOut = family
	}

	return model.Contact{
		SourceID: sourceID,
		Name:     display,
		Given:    givenOut,
		Family:   familyOut,
		Phones:   normalize.Unique(phones),
		Emails:   normalize.Unique(emails),
	}
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}
