package results

import (
	"context"
	"iter"
	"sort"
	"strings"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/repo"
)

type Filter string

const (
	FilterAll        Filter = "all"
	FilterHighIntent Filter = "highIntent"
	FilterVerified   Filter = "verified"
)

// ParseFilter accepts the closed filter set; empty means all.
func ParseFilter(in string) (Filter, error) {
	switch f := Filter(strings.TrimSpace(in)); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterHighIntent, FilterVerified:
		return f, nil
	}
	return "", domain.InvalidFilterError{Filter: in}
}

type Sort string

const (
	SortNewest  Sort = "newest"
	SortIntent  Sort = "intent"
	SortClarity Sort = "clarity"
)

func ParseSort(in string) (Sort, error) {
	switch s := Sort(strings.TrimSpace(in)); s {
	case "":
		return SortNewest, nil
	case SortNewest, SortIntent, SortClarity:
		return s, nil
	}
	return "", domain.ValidationError{Field: "sort", Reason: "must be newest, intent or clarity"}
}

// Scope selects one mission's results or a whole org's.
type Scope struct {
	MissionID string
	OrgID     string
}

type Query struct {
	Filter string
	Sort   string
}

type Store interface {
	ListResults(ctx context.Context, scope repo.ResultScope) ([]domain.Result, error)
	ListMissions(ctx context.Context, orgID string, limit int, cursor string) ([]domain.Mission, string, error)
}

type Aggregator struct {
	Store               Store
	HighIntentThreshold int
}

func New(store Store, cfg config.ResultsConfig) Aggregator {
	return Aggregator{Store: store, HighIntentThreshold: cfg.HighIntentThreshold}
}

func (a Aggregator) threshold() int {
	if a.HighIntentThreshold <= 0 {
		return config.Default().Results.HighIntentThreshold
	}
	return a.HighIntentThreshold
}

// ResultsFor validates the query up front and returns a sequence that reads
// the store each time it is ranged over.
func (a Aggregator) ResultsFor(ctx context.Context, scope Scope, q Query) (iter.Seq2[domain.Result, error], error) {
	filter, err := ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	order, err := ParseSort(q.Sort)
	if err != nil {
		return nil, err
	}
	if scope.MissionID == "" && scope.OrgID == "" {
		return nil, domain.ValidationError{Field: "scope", Reason: "mission or org required"}
	}
	return func(yield func(domain.Result, error) bool) {
		rows, err := a.Store.ListResults(ctx, repo.ResultScope{MissionID: scope.MissionID, OrgID: scope.OrgID})
		if err != nil {
			yield(domain.Result{}, err)
			return
		}
		for _, r := range a.Apply(rows, filter, order) {
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// Apply scores, filters and sorts rows without touching the store.
func (a Aggregator) Apply(rows []domain.Result, filter Filter, order Sort) []domain.Result {
	out := make([]domain.Result, 0, len(rows))
	for _, r := range rows {
		r = Scored(r)
		if a.keep(r, filter) {
			out = append(out, r)
		}
	}
	sortResults(out, order)
	return out
}

func (a Aggregator) keep(r domain.Result, filter Filter) bool {
	switch filter {
	case FilterHighIntent:
		return r.Intent() >= a.threshold()
	case FilterVerified:
		return r.Verified
	}
	return true
}

func sortResults(rs []domain.Result, order Sort) {
	key := func(r domain.Result) int { return 0 }
	switch order {
	case SortIntent:
		key = domain.Result.Intent
	case SortClarity:
		key = domain.Result.Clarity
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if ki, kj := key(rs[i]), key(rs[j]); ki != kj {
			return ki > kj
		}
		if rs[i].CreatedAt != rs[j].CreatedAt {
			return rs[i].CreatedAt > rs[j].CreatedAt
		}
		return rs[i].ID < rs[j].ID
	})
}

// Scored fills a missing clarity score from canonical field completeness.
// Worker-supplied scores are kept as is.
func Scored(r domain.Result) domain.Result {
	if r.ClarityScore != nil {
		return r
	}
	c := FallbackClarity(r.Payload)
	r.ClarityScore = &c
	return r
}

// FallbackClarity is the share of non-empty canonical fields, 0..100 rounded down.
func FallbackClarity(p domain.Payload) int {
	fields := domain.CanonicalFields()
	filled := 0
	for _, f := range fields {
		if strings.TrimSpace(p.String(f)) != "" {
			filled++
		}
	}
	return filled * 100 / len(fields)
}

// Collect drains a sequence, stopping at the first error.
func Collect(seq iter.Seq2[domain.Result, error]) ([]domain.Result, error) {
	var out []domain.Result
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
