// Package directory resolves spoken resident references against the tenant
// directory.
//
// The voice channel rarely delivers Spanish names letter-perfect ("García"
// arrives as "garsia", "Núñez" as "nunies"), so lookup runs in two stages:
// an exact substring search against the store first, then a phonetic pass
// that ranks every resident of the tenant with [Matcher]. Results are capped
// so the agent never reads a whole building roster over the intercom.
package directory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/javierd009/agente-portero/internal/store"
)

// defaultMaxResults caps how many candidates a search returns.
const defaultMaxResults = 5

// Match is one directory hit, ranked by confidence. Exact store hits carry
// confidence 1; phonetic hits carry their Jaro-Winkler score.
type Match struct {
	Resident   store.Resident
	Confidence float64
}

// Query narrows a directory search. At least one field must be set.
type Query struct {
	// Name is the visitor's rendering of the resident name.
	Name string

	// Unit restricts the search to one apartment or house number.
	Unit string
}

// Service searches the resident directory of a tenant.
type Service struct {
	store   store.Store
	matcher *Matcher
	max     int
}

// New returns a directory service over st. A nil matcher gets the default
// thresholds.
func New(st store.Store, m *Matcher) *Service {
	if m == nil {
		m = NewMatcher()
	}
	return &Service{store: st, matcher: m, max: defaultMaxResults}
}

// Search returns up to five residents matching q, best first.
//
// A unit-only query is answered from the store alone. A name query first
// tries the store's substring match; when that comes back empty the whole
// tenant directory (narrowed by unit, when given) is ranked phonetically.
func (s *Service) Search(ctx context.Context, tenantID string, q Query) ([]Match, error) {
	name := strings.TrimSpace(q.Name)
	unit := strings.TrimSpace(q.Unit)
	if name == "" && unit == "" {
		return nil, fmt.Errorf("directory: empty query")
	}

	exact, err := s.store.SearchResidents(ctx, tenantID, store.ResidentQuery{
		Name:  name,
		Unit:  unit,
		Limit: s.max,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: search: %w", err)
	}
	if len(exact) > 0 {
		matches := make([]Match, len(exact))
		for i, r := range exact {
			matches[i] = Match{Resident: r, Confidence: 1}
		}
		return matches, nil
	}
	if name == "" {
		return nil, nil
	}

	all, err := s.store.SearchResidents(ctx, tenantID, store.ResidentQuery{Unit: unit})
	if err != nil {
		return nil, fmt.Errorf("directory: search: %w", err)
	}

	matches := make([]Match, 0, len(all))
	for _, r := range all {
		score, ok := s.matcher.Score(name, r.Name)
		if !ok {
			continue
		}
		matches = append(matches, Match{Resident: r, Confidence: score})
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return strings.Compare(a.Resident.Name, b.Resident.Name)
	})
	if len(matches) > s.max {
		matches = matches[:s.max]
	}
	return matches, nil
}
