// Package match searches the directory for contacts that might already
// represent the source CRM contact being synced, and picks the best single
// candidate to treat as primary.
package match

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/normalize"
)

const (
	// ReadMask is the field set requested on search_contacts/search_other_contacts.
	ReadMask = "names,emailAddresses,phoneNumbers,metadata"
	// PersonFields is the full field set requested when fetching a single
	// candidate by resource name; exported so syncengine's post-create
	// lookups fetch the same shape this package's matching logic expects.
	PersonFields = "names,phoneNumbers,emailAddresses,memberships,biographies,externalIds,metadata"
)

// Searcher is the subset of the directory client the matcher depends on.
type Searcher interface {
	SearchContacts(ctx context.Context, query, readMask string, sources []string) ([]model.Person, error)
	SearchOtherContacts(ctx context.Context, query, readMask string) ([]model.Person, error)
	GetContact(ctx context.Context, resourceName, personFields string) (model.Person, error)
}

// Matcher finds and ranks directory candidates for a set of match keys. A
// Matcher remembers, for the lifetime of the process, whether the
// directory supports the `sources` search parameter and the
// otherContacts index, downgrading permanently the first time either is
// rejected.
type Matcher struct {
	client Searcher
	log    *slog.Logger

	mu                    sync.Mutex
	sourcesSupported      bool
	otherContactsSupported bool
}

// New constructs a Matcher. Both capability flags start optimistic and are
// downgraded on first failure.
func New(client Searcher, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{client: client, log: log, sourcesSupported: true, otherContactsSupported: true}
}

// Context carries the optional hints choose_primary uses to break ties
// between otherwise-equal candidates.
type Context struct {
	SourceContactID string
	GroupResource   string
	MappedResource  string
}

// Search runs every phone/email query in keys against the directory and
// returns one MatchCandidate per distinct resource discovered. mapped, if
// non-empty, is fetched explicitly when the search didn't already surface
// it; a 4xx miss there is tolerated (logged, not an error).
func (m *Matcher) Search(ctx context.Context, keys model.MatchKeys, mapped string) ([]model.MatchCandidate, error) {
	if keys.Empty() {
		return nil, nil
	}

	seen := make(map[string]bool)
	queried := make(map[string]bool)
	queries := buildQueries(keys)
	for _, q := range queries {
		if queried[q] {
			continue
		}
		queried[q] = true
		if err := m.collect(ctx, q, seen); err != nil {
			return nil, err
		}
	}

	if mapped != "" && !seen[mapped] {
		if _, err := m.client.GetContact(ctx, mapped, PersonFields); err == nil {
			seen[mapped] = true
		} else {
			m.log.Debug("match.mapped_resource_miss", "resource", mapped, "error", err)
		}
	}

	candidates := make([]model.MatchCandidate, 0, len(seen))
	for resourceName := range seen {
		person, err := m.client.GetContact(ctx, resourceName, PersonFields)
		if err != nil {
			m.log.Debug("match.get_contact_failed", "resource", resourceName, "error", err)
			continue
		}
		candidates = append(candidates, BuildCandidate(person, keys))
	}
	return candidates, nil
}

// collect merges every resource name discovered for query into seen.
func (m *Matcher) collect(ctx context.Context, query string, seen map[string]bool) error {
	if m.sourcesAllowed() {
		people, err := m.client.SearchContacts(ctx, query, ReadMask, []string{"READ_SOURCE_TYPE_CONTACT", "READ_SOURCE_TYPE_OTHER_CONTACT"})
		if err == nil {
			registerResources(seen, people)
			return nil
		}
		m.downgradeSources()
		m.log.Debug("match.search_contacts_sources_failed", "query", query, "error", err)
	}

	people, err := m.client.SearchContacts(ctx, query, ReadMask, nil)
	if err != nil {
		return err
	}
	registerResources(seen, people)

	if !m.otherContactsAllowed() {
		return nil
	}

	other, err := m.client.SearchOtherContacts(ctx, query, ReadMask)
	if err != nil {
		m.downgradeOtherContacts()
		m.log.Debug("match.search_other_contacts_failed", "query", query, "error", err)
		return nil
	}
	registerResources(seen, other)
	return nil
}

func registerResources(seen map[string]bool, people []model.Person) {
	for _, p := range people {
		if p.ResourceName != "" {
			seen[p.ResourceName] = true
		}
	}
}

func (m *Matcher) sourcesAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourcesSupported
}

func (m *Matcher) downgradeSources() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourcesSupported = false
}

func (m *Matcher) otherContactsAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.otherContactsSupported
}

func (m *Matcher) downgradeOtherContacts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otherContactsSupported = false
}

// buildQueries returns one query per phone/email key, plus the digits-only
// variant of any phone that starts with "+".
func buildQueries(keys model.MatchKeys) []string {
	queries := make([]string, 0, len(keys.Phones)*2+len(keys.Emails))
	for _, phone := range keys.Phones {
		queries = append(queries, phone)
		if strings.HasPrefix(phone, "+") && len(phone) > 1 {
			queries = append(queries, phone[1:])
		}
	}
	queries = append(queries, keys.Emails...)
	return queries
}

// BuildCandidate annotates person with its matched phones/emails against
// keys. Exported so syncengine can build a candidate from a person it
// fetched directly (e.g. a newly created contact) without re-running a
// search.
func BuildCandidate(person model.Person, keys model.MatchKeys) model.MatchCandidate {
	phoneKeys := toSet(keys.Phones)
	emailKeys := toSet(keys.Emails)

	var matchedPhones []string
	for _, p := range person.Phones {
		n := normalize.Phone(p.Value)
		if n != "" && phoneKeys[n] {
			matchedPhones = append(matchedPhones, n)
		}
	}
	var matchedEmails []string
	for _, e := range person.Emails {
		n := normalize.Email(e.Value)
		if n != "" && emailKeys[n] {
			matchedEmails = append(matchedEmails, n)
		}
	}

	return model.MatchCandidate{
		Person:        person,
		MatchedPhones: matchedPhones,
		MatchedEmails: matchedEmails,
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// hasExactPhone reports whether the candidate matched at least one of
// keys.Phones exactly.
func hasExactPhone(c model.MatchCandidate, keys model.MatchKeys) bool {
	if len(c.MatchedPhones) == 0 {
		return false
	}
	wanted := toSet(keys.Phones)
	for _, p := range c.MatchedPhones {
		if wanted[p] {
			return true
		}
	}
	return false
}

// ChoosePrimary applies the filter chain (exact_phone → external_id →
// group → mapping → recency) and returns the selected candidate plus the
// pipe-joined reason trail. Returns (nil, "") when candidates is empty.
func ChoosePrimary(candidates []model.MatchCandidate, keys model.MatchKeys, mctx Context) (*model.MatchCandidate, string) {
	if len(candidates) == 0 {
		return nil, ""
	}

	ordered := candidates
	var reasons []string

	if narrowed := filter(ordered, func(c model.MatchCandidate) bool { return hasExactPhone(c, keys) }); len(narrowed) > 0 {
		ordered = narrowed
		reasons = append(reasons, "exact_phone")
	}

	if narrowed := filter(ordered, func(c model.MatchCandidate) bool { return c.HasExternalID(mctx.SourceContactID) }); len(narrowed) > 0 {
		ordered = narrowed
		reasons = append(reasons, "external_id")
	}

	if mctx.GroupResource != "" {
		if narrowed := filter(ordered, func(c model.MatchCandidate) bool { return c.InGroup(mctx.GroupResource) }); len(narrowed) > 0 {
			ordered = narrowed
			reasons = append(reasons, "group")
		}
	}

	if mctx.MappedResource != "" {
		if narrowed := filter(ordered, func(c model.MatchCandidate) bool { return c.Person.ResourceName == mctx.MappedResource }); len(narrowed) > 0 {
			ordered = narrowed
			reasons = append(reasons, "mapping")
		}
	}

	selected := ordered[0]
	best := recencyScore(selected)
	for _, c := range ordered[1:] {
		if s := recencyScore(c); s.After(best) {
			selected = c
			best = s
		}
	}
	reasons = append(reasons, "recent")

	result := selected
	return &result, strings.Join(reasons, "|")
}

func filter(candidates []model.MatchCandidate, keep func(model.MatchCandidate) bool) []model.MatchCandidate {
	out := make([]model.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// recencyScore treats a naive (zero-location) timestamp as UTC and a
// missing one as the Unix epoch, matching the tiebreak rule.
func recencyScore(c model.MatchCandidate) time.Time {
	if c.Person.UpdateTime.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	if c.Person.UpdateTime.Location() == time.Local {
		return c.Person.UpdateTime.UTC()
	}
	return c.Person.UpdateTime
}
