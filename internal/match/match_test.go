package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contactsync/contactsync/internal/model"
)

type stubSearcher struct {
	searchFn      func(ctx context.Context, query, readMask string, sources []string) ([]model.Person, error)
	otherFn       func(ctx context.Context, query, readMask string) ([]model.Person, error)
	getFn         func(ctx context.Context, resourceName, personFields string) (model.Person, error)
	searchCalls   int
	otherCalls    int
}

func (s *stubSearcher) SearchContacts(ctx context.Context, query, readMask string, sources []string) ([]model.Person, error) {
	s.searchCalls++
	return s.searchFn(ctx, query, readMask, sources)
}

func (s *stubSearcher) SearchOtherContacts(ctx context.Context, query, readMask string) ([]model.Person, error) {
	s.otherCalls++
	return s.otherFn(ctx, query, readMask)
}

func (s *stubSearcher) GetContact(ctx context.Context, resourceName, personFields string) (model.Person, error) {
	return s.getFn(ctx, resourceName, personFields)
}

func TestSearch_EmptyKeysReturnsNil(t *testing.T) {
	m := New(&stubSearcher{}, nil)
	candidates, err := m.Search(context.Background(), model.MatchKeys{}, "")
	if err != nil || candidates != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", candidates, err)
	}
}

func TestSearch_DeduplicatesByResourceName(t *testing.T) {
	people := []model.Person{{ResourceName: "people/1"}}
	s := &stubSearcher{
		searchFn: func(ctx context.Context, query, readMask string, sources []string) ([]model.Person, error) {
			return people, nil
		},
		otherFn: func(ctx context.Context, query, readMask string) ([]model.Person, error) {
			return nil, nil
		},
		getFn: func(ctx context.Context, resourceName, personFields string) (model.Person, error) {
			return model.Person{ResourceName: resourceName}, nil
		},
	}
	m := New(s, nil)
	candidates, err := m.Search(context.Background(), model.MatchKeys{Phones: []string{"+15551230000"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
}

func TestSearch_DowngradesSourcesOnFailure(t *testing.T) {
	s := &stubSearcher{
		searchFn: func(ctx context.Context, query, readMask string, sources []string) ([]model.Person, error) {
			if sources != nil {
				return nil, errors.New("unsupported")
			}
			return []model.Person{{ResourceName: "people/1"}}, nil
		},
		otherFn: func(ctx context.Context, query, readMask string) ([]model.Person, error) {
			return nil, nil
		},
		getFn: func(ctx context.Context, resourceName, personFields string) (model.Person, error) {
			return model.Person{ResourceName: resourceName}, nil
		},
	}
	m := New(s, nil)
	_, err := m.Search(context.Background(), model.MatchKeys{Emails: []string{"ann@example.com"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.sourcesAllowed() {
		t.Fatal("expected sources support to be downgraded")
	}
}

func TestChoosePrimary_NoCandidates(t *testing.T) {
	selected, reason := ChoosePrimary(nil, model.MatchKeys{}, Context{})
	if selected != nil || reason != "" {
		t.Fatalf("expected (nil, \"\"), got (%v, %q)", selected, reason)
	}
}

func TestChoosePrimary_ExactPhonePreferred(t *testing.T) {
	keys := model.MatchKeys{Phones: []string{"+15551230000"}}
	noMatch := model.MatchCandidate{Person: model.Person{ResourceName: "people/1"}}
	exact := model.MatchCandidate{Person: model.Person{ResourceName: "people/2"}, MatchedPhones: []string{"+15551230000"}}

	selected, reason := ChoosePrimary([]model.MatchCandidate{noMatch, exact}, keys, Context{})
	if selected == nil || selected.Person.ResourceName != "people/2" {
		t.Fatalf("expected people/2 selected, got %+v", selected)
	}
	if reason != "exact_phone|recent" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestChoosePrimary_ExternalIDBreaksTie(t *testing.T) {
	keys := model.MatchKeys{Phones: []string{"+15551230000"}}
	a := model.MatchCandidate{
		Person:        model.Person{ResourceName: "people/1", ExternalIDs: []model.ExternalID{{Type: "amo_id", Value: "42"}}},
		MatchedPhones: []string{"+15551230000"},
	}
	b := model.MatchCandidate{
		Person:        model.Person{ResourceName: "people/2"},
		MatchedPhones: []string{"+15551230000"},
	}

	selected, reason := ChoosePrimary([]model.MatchCandidate{b, a}, keys, Context{SourceContactID: "42"})
	if selected == nil || selected.Person.ResourceName != "people/1" {
		t.Fatalf("expected people/1 selected, got %+v", selected)
	}
	if reason != "exact_phone|external_id|recent" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestChoosePrimary_RecencyTiebreak(t *testing.T) {
	older := model.MatchCandidate{Person: model.Person{ResourceName: "people/1", UpdateTime: time.Unix(100, 0).UTC()}}
	newer := model.MatchCandidate{Person: model.Person{ResourceName: "people/2", UpdateTime: time.Unix(200, 0).UTC()}}

	selected, _ := ChoosePrimary([]model.MatchCandidate{older, newer}, model.MatchKeys{}, Context{})
	if selected == nil || selected.Person.ResourceName != "people/2" {
		t.Fatalf("expected the more recently updated candidate, got %+v", selected)
	}
}

func TestChoosePrimary_MissingUpdateTimeTreatedAsEpoch(t *testing.T) {
	missing := model.MatchCandidate{Person: model.Person{ResourceName: "people/1"}}
	dated := model.MatchCandidate{Person: model.Person{ResourceName: "people/2", UpdateTime: time.Unix(1, 0).UTC()}}

	selected, _ := ChoosePrimary([]model.MatchCandidate{missing, dated}, model.MatchKeys{}, Context{})
	if selected == nil || selected.Person.ResourceName != "people/2" {
		t.Fatalf("expected people/2 selected, got %+v", selected)
	}
}
