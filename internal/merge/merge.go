// Package merge folds one or more duplicate directory contacts into a
// single primary record: unioning phones, emails, group memberships,
// biographies, and external IDs, then deleting the duplicates.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/normalize"
	"github.com/contactsync/contactsync/internal/syncerr"
)

// updatePersonFields is the fixed field mask every merge write uses,
// regardless of which fields actually changed.
const updatePersonFields = "names,phoneNumbers,emailAddresses,memberships,biographies,externalIds"

// DirectoryUpdater is the subset of the directory client the merger needs.
type DirectoryUpdater interface {
	UpdateContactFields(ctx context.Context, resourceName, etag string, fields map[string]any, updateMask []string) (model.Person, error)
	BatchDeleteContacts(ctx context.Context, resourceNames []string) error
}

// LinkRemapper repoints stored links from duplicate resources onto the
// surviving primary resource.
type LinkRemapper interface {
	RemapLinks(ctx context.Context, target string, sources []string) error
}

// Merger merges duplicate directory contacts into a chosen primary.
type Merger struct {
	directory DirectoryUpdater
	store     LinkRemapper
}

// New constructs a Merger.
func New(directory DirectoryUpdater, store LinkRemapper) *Merger {
	return &Merger{directory: directory, store: store}
}

// Merge folds duplicates into primary and returns the refreshed primary
// candidate plus the resource names that were deleted. If duplicates is
// empty, primary is returned unchanged and no write happens.
func (m *Merger) Merge(ctx context.Context, primary model.MatchCandidate, duplicates []model.MatchCandidate, keys model.MatchKeys, groupResource string) (model.MatchCandidate, []string, error) {
	filtered := make([]model.MatchCandidate, 0, len(duplicates))
	for _, d := range duplicates {
		if d.Person.ResourceName != primary.Person.ResourceName {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return primary, nil, nil
	}

	others := make([]model.Person, len(filtered))
	duplicateNames := make([]string, len(filtered))
	for i, d := range filtered {
		others[i] = d.Person
		duplicateNames[i] = d.Person.ResourceName
	}

	payload := UnionFields(primary.Person, others, groupResource)

	all := append([]model.Person{primary.Person}, others...)
	if externalIDs := mergeExternalIDs(all); len(externalIDs) > 0 {
		payload["externalIds"] = externalIDs
	}

	if primary.Person.ETag == "" {
		return model.MatchCandidate{}, nil, fmt.Errorf("%w: resource %s", syncerr.ErrMissingEtag, primary.Person.ResourceName)
	}

	updated, err := m.directory.UpdateContactFields(ctx, primary.Person.ResourceName, primary.Person.ETag, payload, strings.Split(updatePersonFields, ","))
	if err != nil {
		return model.MatchCandidate{}, nil, err
	}

	if err := m.directory.BatchDeleteContacts(ctx, duplicateNames); err != nil {
		return model.MatchCandidate{}, nil, err
	}

	if err := m.store.RemapLinks(ctx, primary.Person.ResourceName, duplicateNames); err != nil {
		return model.MatchCandidate{}, nil, err
	}

	refreshed := buildCandidateFromPerson(updated, keys)
	return refreshed, duplicateNames, nil
}

// UnionFields merges primary and others into a single directory field
// payload: deduplicated phones, emails, memberships, biographies, and
// primary's own names carried through unchanged.
func UnionFields(primary model.Person, others []model.Person, ensureGroup string) map[string]any {
	persons := append([]model.Person{primary}, others...)
	payload := make(map[string]any)

	if phones := dedupePhones(persons); len(phones) > 0 {
		payload["phoneNumbers"] = phones
	}
	if emails := dedupeEmails(persons); len(emails) > 0 {
		payload["emailAddresses"] = emails
	}
	if memberships := mergeMemberships(persons, ensureGroup); len(memberships) > 0 {
		payload["memberships"] = memberships
	}
	if biographies := mergeBiographies(primary, others); len(biographies) > 0 {
		payload["biographies"] = biographies
	}
	if len(primary.Names) > 0 {
		payload["names"] = namesToMaps(primary.Names)
	}

	return payload
}

func dedupePhones(persons []model.Person) []map[string]any {
	seen := make(map[string]bool)
	var merged []map[string]any
	for _, p := range persons {
		for _, phone := range p.Phones {
			if phone.Value == "" {
				continue
			}
			n := normalize.Phone(phone.Value)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			entry := map[string]any{"value": n}
			if phone.Type != "" {
				entry["type"] = phone.Type
			}
			merged = append(merged, entry)
		}
	}
	return merged
}

func dedupeEmails(persons []model.Person) []map[string]any {
	seen := make(map[string]bool)
	var merged []map[string]any
	for _, p := range persons {
		for _, email := range p.Emails {
			if email.Value == "" {
				continue
			}
			n := normalize.Email(email.Value)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			entry := map[string]any{"value": email.Value}
			if email.Type != "" {
				entry["type"] = email.Type
			}
			merged = append(merged, entry)
		}
	}
	return merged
}

func mergeMemberships(persons []model.Person, ensureGroup string) []map[string]any {
	seen := make(map[string]bool)
	var merged []map[string]any
	for _, p := range persons {
		for _, m := range p.Memberships {
			if m.ContactGroupResourceName == "" || seen[m.ContactGroupResourceName] {
				continue
			}
			seen[m.ContactGroupResourceName] = true
			merged = append(merged, map[string]any{
				"contactGroupMembership": map[string]any{
					"contactGroupResourceName": m.ContactGroupResourceName,
				},
			})
		}
	}
	if ensureGroup != "" && !seen[ensureGroup] {
		merged = append(merged, map[string]any{
			"contactGroupMembership": map[string]any{
				"contactGroupResourceName": ensureGroup,
			},
		})
	}
	return merged
}

func mergeBiographies(primary model.Person, others []model.Person) []map[string]any {
	seenTexts := make(map[string]bool)
	var merged []map[string]any

	for _, b := range primary.Biographies {
		if b.Value == "" || seenTexts[b.Value] {
			continue
		}
		seenTexts[b.Value] = true
		merged = append(merged, map[string]any{"value": b.Value})
	}

	for _, p := range others {
		var value string
		for _, b := range p.Biographies {
			if b.Value != "" {
				value = b.Value
				break
			}
		}
		if value == "" || seenTexts[value] {
			continue
		}
		seenTexts[value] = true
		resourceName := p.ResourceName
		if resourceName == "" {
			resourceName = "unknown"
		}
		merged = append(merged, map[string]any{"value": fmt.Sprintf("[Merged from %s]\n%s", resourceName, value)})
	}

	return merged
}

func namesToMaps(names []model.Name) []map[string]any {
	out := make([]map[string]any, len(names))
	for i, n := range names {
		out[i] = map[string]any{
			"displayName": n.DisplayName,
			"givenName":   n.GivenName,
			"familyName":  n.FamilyName,
		}
	}
	return out
}

func mergeExternalIDs(persons []model.Person) []map[string]any {
	type key struct{ typ, value string }
	seen := make(map[key]bool)
	var merged []map[string]any
	for _, p := range persons {
		for _, id := range p.ExternalIDs {
			k := key{id.Type, id.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			entry := map[string]any{}
			if id.Type != "" {
				entry["type"] = id.Type
			}
			if id.Value != "" {
				entry["value"] = id.Value
			}
			merged = append(merged, entry)
		}
	}
	return merged
}

// buildCandidateFromPerson re-annotates a refreshed person against keys,
// mirroring match.BuildCandidate; kept local so this package does not
// depend on the match package.
func buildCandidateFromPerson(person model.Person, keys model.MatchKeys) model.MatchCandidate {
	phoneKeys := make(map[string]bool, len(keys.Phones))
	for _, p := range keys.Phones {
		phoneKeys[p] = true
	}
	emailKeys := make(map[string]bool, len(keys.Emails))
	for _, e := range keys.Emails {
		emailKeys[e] = true
	}

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

	return model.MatchCandidate{Person: person, MatchedPhones: matchedPhones, MatchedEmails: matchedEmails}
}
