// Package syncengine decides, for a single source CRM contact, whether to
// create a directory contact, update one, or merge duplicates together,
// and carries that decision out.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/contactsync/contactsync/internal/directory"
	"github.com/contactsync/contactsync/internal/match"
	"github.com/contactsync/contactsync/internal/merge"
	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/normalize"
	"github.com/contactsync/contactsync/internal/syncerr"
)

// maxReplanAttempts bounds how many times Apply will re-plan and retry
// after a RecoverableSyncError before giving up.
const maxReplanAttempts = 3

// DirectoryAPI is the subset of the directory client the engine drives
// directly (search/match is delegated to match.Matcher, merge to
// merge.Merger).
type DirectoryAPI interface {
	match.Searcher
	CreateContact(ctx context.Context, fields directory.ContactFields) (model.Person, error)
	UpdateContactFields(ctx context.Context, resourceName, etag string, fields map[string]any, updateMask []string) (model.Person, error)
	EnsureGroup(ctx context.Context, name string) (string, error)
}

// LinkStore is the subset of Store the engine needs to resolve and persist
// the source-contact-to-directory-resource mapping.
type LinkStore interface {
	GetLink(ctx context.Context, sourceID string) (*model.Link, error)
	SaveLink(ctx context.Context, sourceID, directoryResource string) error
}

// Engine plans and applies one sync decision per source CRM contact.
type Engine struct {
	directory DirectoryAPI
	matcher   *match.Matcher
	merger    *merge.Merger
	store     LinkStore
	groupName string
	autoMerge bool
}

// New constructs an Engine. groupName may be empty, meaning contacts are
// not placed into any directory group.
func New(dir DirectoryAPI, matcher *match.Matcher, merger *merge.Merger, store LinkStore, groupName string, autoMerge bool) *Engine {
	return &Engine{directory: dir, matcher: matcher, merger: merger, store: store, groupName: strings.TrimSpace(groupName), autoMerge: autoMerge}
}

func (e *Engine) ensureGroup(ctx context.Context) (string, error) {
	if e.groupName == "" {
		return "", nil
	}
	return e.directory.EnsureGroup(ctx, e.groupName)
}

// Plan decides the action for contact without writing any contact to the
// directory. When a group name is configured, it resolves the group through
// EnsureGroup, which creates the group if it does not exist yet.
func (e *Engine) Plan(ctx context.Context, contact model.Contact) (model.SyncPlan, error) {
	keys := model.MatchKeys{Phones: contact.Phones, Emails: contact.Emails}
	if keys.Empty() {
		return model.SyncPlan{Action: model.ActionSkip, Reason: "no_valid_keys", Contact: contact, Keys: keys}, nil
	}

	var mappedResource string
	if contact.SourceID != "" {
		link, err := e.store.GetLink(ctx, contact.SourceID)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return model.SyncPlan{}, err
		}
		if link != nil {
			mappedResource = link.DirectoryResourceName
		}
	}

	groupResource, err := e.ensureGroup(ctx)
	if err != nil {
		return model.SyncPlan{}, err
	}

	candidates, err := e.matcher.Search(ctx, keys, mappedResource)
	if err != nil {
		return model.SyncPlan{}, err
	}

	mctx := match.Context{SourceContactID: contact.SourceID, GroupResource: groupResource, MappedResource: mappedResource}
	var primary *model.MatchCandidate
	if len(candidates) > 0 {
		primary, _ = match.ChoosePrimary(candidates, keys, mctx)
	}
	var duplicates []model.MatchCandidate
	if primary != nil {
		for _, c := range candidates {
			if c.Person.ResourceName != primary.Person.ResourceName {
				duplicates = append(duplicates, c)
			}
		}
	}

	preflightBlocked := len(candidates) > 0

	var action model.SyncAction
	var reason string
	switch {
	case primary == nil:
		action = model.ActionCreate
		if len(candidates) == 0 {
			reason = "no_candidates"
		} else {
			reason = "no_primary"
		}
	case len(duplicates) > 0 && e.autoMerge:
		action = model.ActionMerge
		reason = "duplicates_detected"
	default:
		action = model.ActionUpdate
		if len(duplicates) > 0 {
			reason = "duplicates_skip_merge"
		} else {
			reason = "single_candidate"
		}
	}

	return model.SyncPlan{
		Action:                 action,
		Reason:                 reason,
		Contact:                contact,
		Keys:                   keys,
		MappedResource:         mappedResource,
		GroupResource:          groupResource,
		Primary:                primary,
		Duplicates:             duplicates,
		PreflightBlockedCreate: preflightBlocked && action != model.ActionCreate,
	}, nil
}

// Apply carries out plan, re-planning and retrying up to maxReplanAttempts
// times whenever a step raises a RecoverableSyncError (the directory
// contact moved or lost its etag underneath this attempt).
func (e *Engine) Apply(ctx context.Context, plan model.SyncPlan) (model.SyncResult, error) {
	current := plan
	attempt := 0
	for {
		result, err := e.applyOnce(ctx, current)
		if err == nil {
			return result, nil
		}

		var recoverable *syncerr.RecoverableSyncError
		if !errors.As(err, &recoverable) {
			return model.SyncResult{}, err
		}

		attempt++
		if attempt > maxReplanAttempts {
			return model.SyncResult{}, fmt.Errorf("%w: %w", syncerr.ErrTransport, err)
		}

		replanned, planErr := e.Plan(ctx, current.Contact)
		if planErr != nil {
			return model.SyncResult{}, planErr
		}
		current = replanned
	}
}

// MergeCandidates folds every directory contact matching keys into a single
// primary, independent of the normal plan/apply flow a source CRM webhook
// drives. It is the operator-triggered counterpart to the automatic merge
// Apply performs when a plan's action is ActionMerge: same candidate search
// and primary-selection rules, but runnable against an arbitrary MatchKeys
// without a source CRM contact behind it. sourceID and mappedResource may
// both be empty; when sourceID is non-empty the merged primary is linked to
// it the same way a successful Apply would.
func (e *Engine) MergeCandidates(ctx context.Context, keys model.MatchKeys, sourceID, mappedResource string) (model.SyncResult, error) {
	if keys.Empty() {
		return model.SyncResult{Outcome: model.OutcomeSkipped, Reason: "no_valid_keys"}, nil
	}

	groupResource, err := e.ensureGroup(ctx)
	if err != nil {
		return model.SyncResult{}, err
	}

	candidates, err := e.matcher.Search(ctx, keys, mappedResource)
	if err != nil {
		return model.SyncResult{}, err
	}
	if len(candidates) == 0 {
		return model.SyncResult{Outcome: model.OutcomeSkipped, Reason: "no_candidates"}, nil
	}

	mctx := match.Context{SourceContactID: sourceID, GroupResource: groupResource, MappedResource: mappedResource}
	primary, _ := match.ChoosePrimary(candidates, keys, mctx)
	if primary == nil {
		return model.SyncResult{Outcome: model.OutcomeSkipped, Reason: "no_primary"}, nil
	}

	var duplicates []model.MatchCandidate
	for _, c := range candidates {
		if c.Person.ResourceName != primary.Person.ResourceName {
			duplicates = append(duplicates, c)
		}
	}
	if len(duplicates) == 0 {
		return model.SyncResult{Outcome: model.OutcomeSkipped, Resource: primary.Person.ResourceName, Reason: "single_candidate"}, nil
	}

	mergedPrimary, deleted, err := e.merger.Merge(ctx, *primary, duplicates, keys, groupResource)
	if err != nil {
		return model.SyncResult{}, err
	}
	if err := e.saveLink(ctx, sourceID, mergedPrimary.Person.ResourceName); err != nil {
		return model.SyncResult{}, err
	}

	return model.SyncResult{
		Outcome:    model.OutcomeMerged,
		Resource:   mergedPrimary.Person.ResourceName,
		MergedInto: mergedPrimary.Person.ResourceName,
		Deleted:    deleted,
		Reason:     "manual_merge",
	}, nil
}

func (e *Engine) applyOnce(ctx context.Context, plan model.SyncPlan) (model.SyncResult, error) {
	if plan.Action == model.ActionSkip {
		return model.SyncResult{Outcome: model.OutcomeSkipped, Reason: plan.Reason}, nil
	}

	if plan.Action == model.ActionCreate {
		resource, err := e.createContact(ctx, plan)
		if err != nil {
			return model.SyncResult{}, err
		}
		if err := e.saveLink(ctx, plan.Contact.SourceID, resource); err != nil {
			return model.SyncResult{}, err
		}
		return model.SyncResult{Outcome: model.OutcomeCreated, Resource: resource, Reason: plan.Reason}, nil
	}

	if plan.Primary == nil {
		return model.SyncResult{}, &syncerr.RecoverableSyncError{Reason: "missing_primary"}
	}

	if plan.Action == model.ActionMerge && len(plan.Duplicates) > 0 {
		mergedPrimary, deleted, err := e.merger.Merge(ctx, *plan.Primary, plan.Duplicates, plan.Keys, plan.GroupResource)
		if err != nil {
			return model.SyncResult{}, err
		}
		if err := e.saveLink(ctx, plan.Contact.SourceID, mergedPrimary.Person.ResourceName); err != nil {
			return model.SyncResult{}, err
		}
		return model.SyncResult{
			Outcome:    model.OutcomeMerged,
			Resource:   mergedPrimary.Person.ResourceName,
			MergedInto: mergedPrimary.Person.ResourceName,
			Deleted:    deleted,
		}, nil
	}

	updatedResource, err := e.updateContact(ctx, plan, *plan.Primary)
	if err != nil {
		return model.SyncResult{}, err
	}
	if err := e.saveLink(ctx, plan.Contact.SourceID, updatedResource); err != nil {
		return model.SyncResult{}, err
	}
	return model.SyncResult{Outcome: model.OutcomeUpdated, Resource: updatedResource, Reason: plan.Reason}, nil
}

func (e *Engine) saveLink(ctx context.Context, sourceID, resource string) error {
	if sourceID == "" || resource == "" {
		return nil
	}
	return e.store.SaveLink(ctx, sourceID, resource)
}

func (e *Engine) createContact(ctx context.Context, plan model.SyncPlan) (string, error) {
	fields := directory.ContactFields{
		DisplayName:   plan.Contact.Name,
		Phones:        sortedCopy(plan.Keys.Phones),
		Emails:        sortedCopy(plan.Keys.Emails),
		ExternalID:    plan.Contact.SourceID,
		GroupResource: plan.GroupResource,
	}
	created, err := e.directory.CreateContact(ctx, fields)
	if err != nil {
		return "", err
	}
	if created.ResourceName == "" {
		return "", nil
	}
	return e.postCreateMerge(ctx, plan, created.ResourceName)
}

// postCreateMerge handles the race where another sync created a directory
// contact for the same person between this engine's search and its
// create_contact call: it re-searches, and if more than one candidate now
// exists, folds them together before returning the surviving resource.
func (e *Engine) postCreateMerge(ctx context.Context, plan model.SyncPlan, resourceName string) (string, error) {
	candidates, err := e.matcher.Search(ctx, plan.Keys, "")
	if err != nil {
		return resourceName, nil
	}

	candidateMap := make(map[string]model.MatchCandidate, len(candidates)+1)
	for _, c := range candidates {
		candidateMap[c.Person.ResourceName] = c
	}

	if _, ok := candidateMap[resourceName]; !ok {
		if person, err := e.directory.GetContact(ctx, resourceName, match.PersonFields); err == nil {
			candidateMap[resourceName] = match.BuildCandidate(person, plan.Keys)
		}
	}

	if len(candidateMap) <= 1 {
		return resourceName, nil
	}

	primary, ok := candidateMap[resourceName]
	if !ok {
		return resourceName, nil
	}

	// A candidate that already carries the source's external ID is
	// preferred as the merge target over the just-created resource, even
	// if the just-created resource is more recently updated.
	if plan.Contact.SourceID != "" {
		for name, c := range candidateMap {
			if name == resourceName {
				continue
			}
			if c.HasExternalID(plan.Contact.SourceID) {
				primary = c
				break
			}
		}
	}

	var duplicates []model.MatchCandidate
	for name, c := range candidateMap {
		if name != primary.Person.ResourceName {
			duplicates = append(duplicates, c)
		}
	}
	if len(duplicates) == 0 {
		return primary.Person.ResourceName, nil
	}

	mergedPrimary, _, err := e.merger.Merge(ctx, primary, duplicates, plan.Keys, plan.GroupResource)
	if err != nil {
		if errors.Is(err, syncerr.ErrMissingEtag) {
			return primary.Person.ResourceName, nil
		}
		return "", err
	}
	return mergedPrimary.Person.ResourceName, nil
}

// updateContact skips the write when phones, emails, the group membership
// and the display name are all already up to date. Otherwise it writes the
// unioned phones, emails, memberships and biographies, the display name
// only when it changed, and (when the source ID is known) the external-id
// mapping.
func (e *Engine) updateContact(ctx context.Context, plan model.SyncPlan, primary model.MatchCandidate) (string, error) {
	existingEmails := make(map[string]bool, len(primary.Person.Emails))
	for _, em := range primary.Person.Emails {
		if n := normalize.Email(em.Value); n != "" {
			existingEmails[n] = true
		}
	}
	existingPhones := make(map[string]bool, len(primary.Person.Phones))
	for _, ph := range primary.Person.Phones {
		if n := normalize.Phone(ph.Value); n != "" {
			existingPhones[n] = true
		}
	}

	needEmails := anyMissing(plan.Keys.Emails, existingEmails)
	needPhones := anyMissing(plan.Keys.Phones, existingPhones)

	currentName := ""
	if len(primary.Person.Names) > 0 {
		currentName = primary.Person.Names[0].DisplayName
	}
	desiredName := strings.TrimSpace(plan.Contact.Name)
	needName := desiredName != "" && desiredName != currentName
	needGroup := plan.GroupResource != "" && !primary.InGroup(plan.GroupResource)

	if !needEmails && !needPhones && !needName && !needGroup {
		return primary.Person.ResourceName, nil
	}

	var synthetic model.Person
	for _, p := range sortedCopy(plan.Keys.Phones) {
		synthetic.Phones = append(synthetic.Phones, model.Phone{Value: p})
	}
	for _, em := range sortedCopy(plan.Keys.Emails) {
		synthetic.Emails = append(synthetic.Emails, model.Email{Value: em})
	}

	payload := merge.UnionFields(primary.Person, []model.Person{synthetic}, plan.GroupResource)
	updateFields := make(map[string]bool, len(payload)+2)
	for k := range payload {
		updateFields[k] = true
	}

	if needName {
		if entry := buildNameEntry(desiredName); entry != nil {
			payload["names"] = []map[string]any{entry}
			updateFields["names"] = true
		}
	} else {
		delete(payload, "names")
		delete(updateFields, "names")
	}

	if plan.Contact.SourceID != "" {
		payload["externalIds"] = []map[string]any{{"value": plan.Contact.SourceID, "type": model.ExternalIDTagCanonical}}
		payload["clientData"] = []map[string]any{{"key": model.ExternalIDTagCanonical, "value": plan.Contact.SourceID}}
		updateFields["externalIds"] = true
		updateFields["clientData"] = true
	}

	if primary.Person.ETag == "" {
		return "", &syncerr.RecoverableSyncError{Reason: "missing_etag"}
	}

	mask := make([]string, 0, len(updateFields))
	for k := range updateFields {
		mask = append(mask, k)
	}
	sort.Strings(mask)

	updated, err := e.directory.UpdateContactFields(ctx, primary.Person.ResourceName, primary.Person.ETag, payload, mask)
	if err != nil {
		return "", err
	}
	return updated.ResourceName, nil
}

func buildNameEntry(desiredName string) map[string]any {
	display, given, family := normalize.DisplayName(desiredName)
	if display == "" {
		return nil
	}
	entry := map[string]any{
		"metadata":         map[string]any{"primary": true},
		"displayName":      display,
		"unstructuredName": display,
	}
	if given != "" {
		entry["givenName"] = given
	}
	if family != "" {
		entry["familyName"] = family
	}
	return entry
}

func anyMissing(want []string, have map[string]bool) bool {
	for _, w := range want {
		if !have[w] {
			return true
		}
	}
	return false
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
