// Package model holds the domain value types shared across the contact
// sync pipeline: persisted rows (Link, PendingSync, Token) and the
// transient values passed between the Matcher, Merger, and SyncEngine.
package model

import "time"

// ExternalIDTagCanonical and ExternalIDTagLegacy are the tags used on
// directory externalIds entries that carry a source CRM contact ID. Writes
// always emit ExternalIDTagCanonical; reads
// accept either tag (see DESIGN.md "Open Question decisions").
const (
	ExternalIDTagCanonical = "amo_id"
	ExternalIDTagLegacy    = "AMOCRM"
)

// Link is the stable mapping between a source CRM contact and a directory
// resource.
type Link struct {
	ID                     string
	SourceContactID        string
	DirectoryResourceName  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PendingSync is a queue row awaiting (re)processing.
type PendingSync struct {
	ID              string
	SourceContactID string
	Attempts        int
	NextAttemptAt   time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Token is an opaque per-system credential set. The core only reads it;
// refresh/storage lifecycle belongs to the auth collaborator.
type Token struct {
	ID           string
	System       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       string
	AccountID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is the normalised view of a source CRM contact, as produced by
// SourceCRMClient.ExtractFields.
type Contact struct {
	SourceID string
	Name     string
	Given    string
	Family   string
	Phones   []string
	Emails   []string
}

// MatchKeys is the normalised (phones, emails) pair used to search the
// directory for candidates. Empty keys cause the engine to skip.
type MatchKeys struct {
	Phones []string
	Emails []string
}

func (k MatchKeys) Empty() bool {
	return len(k.Phones) == 0 && len(k.Emails) == 0
}

// ExternalID is a (type, value) pair as stored on a directory person's
// externalIds field.
type ExternalID struct {
	Type  string
	Value string
}

// Membership references a contact group by resource name.
type Membership struct {
	ContactGroupResourceName string
}

// Phone is a directory person's phone number entry.
type Phone struct {
	Value      string
	Type       string
	Normalized string
}

// Email is a directory person's email entry.
type Email struct {
	Value      string
	Type       string
	Normalized string
}

// Biography is a directory person's free-text note field.
type Biography struct {
	Value string
}

// Name is a directory person's structured name.
type Name struct {
	DisplayName  string
	GivenName    string
	FamilyName   string
}

// Person is the directory's representation of a contact record.
type Person struct {
	ResourceName string
	ETag         string
	Names        []Name
	Phones       []Phone
	Emails       []Email
	Memberships  []Membership
	Biographies  []Biography
	ExternalIDs  []ExternalID
	UpdateTime   time.Time
}

// MatchCandidate is a directory Person annotated with how it relates to a
// particular MatchKeys/source-ID/group query.
type MatchCandidate struct {
	Person        Person
	MatchedPhones []string
	MatchedEmails []string
}

// HasExternalID reports whether the candidate carries an externalIds entry
// tagged (by either convention) with sourceID. When sourceID is "", it
// reports whether any tagged entry exists at all.
func (c MatchCandidate) HasExternalID(sourceID string) bool {
	for _, id := range c.Person.ExternalIDs {
		if id.Type != ExternalIDTagCanonical && id.Type != ExternalIDTagLegacy {
			continue
		}
		if sourceID == "" {
			return true
		}
		if id.Value == sourceID {
			return true
		}
	}
	return false
}

// InGroup reports whether the candidate has a membership referencing
// groupResource. A blank groupResource never matches.
func (c MatchCandidate) InGroup(groupResource string) bool {
	if groupResource == "" {
		return false
	}
	for _, m := range c.Person.Memberships {
		if m.ContactGroupResourceName == groupResource {
			return true
		}
	}
	return false
}

// SyncAction is the decision made by SyncEngine.Plan.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionMerge  SyncAction = "merge"
	ActionSkip   SyncAction = "skip"
)

// SyncPlan is the output of SyncEngine.Plan: the decided action and the
// context needed to execute it.
type SyncPlan struct {
	Action                SyncAction
	Reason                string
	Contact               Contact
	Keys                  MatchKeys
	MappedResource        string
	GroupResource         string
	Primary               *MatchCandidate
	Duplicates            []MatchCandidate
	PreflightBlockedCreate bool
}

// SyncOutcome is the terminal classification of a SyncResult.
type SyncOutcome string

const (
	OutcomeCreated               SyncOutcome = "created"
	OutcomeUpdated               SyncOutcome = "updated"
	OutcomeMerged                SyncOutcome = "merged"
	OutcomeSkipped               SyncOutcome = "skipped"
	OutcomeSkippedInvalidPhone   SyncOutcome = "skipped_invalid_phone"
)

// SyncResult is the output of SyncEngine.Apply.
type SyncResult struct {
	Outcome      SyncOutcome
	Resource     string
	MergedInto   string
	Deleted      []string
	Reason       string
}
