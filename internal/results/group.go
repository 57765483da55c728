package results

import (
	"context"
	"sort"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

type MissionGroup struct {
	Mission domain.Mission  `json:"mission"`
	Results []domain.Result `json:"results"`
}

const groupPageSize = 200

// GroupByMission returns every mission of the org newest first with its
// filtered results attached; missions without results are included.
func (a Aggregator) GroupByMission(ctx context.Context, orgID string, q Query) ([]MissionGroup, error) {
	filter, err := ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	order, err := ParseSort(q.Sort)
	if err != nil {
		return nil, err
	}
	var missions []domain.Mission
	cursor := ""
	for {
		page, next, err := a.Store.ListMissions(ctx, orgID, groupPageSize, cursor)
		if err != nil {
			return nil, err
		}
		missions = append(missions, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	rows, err := a.Store.ListResults(ctx, repo.ResultScope{OrgID: orgID})
	if err != nil {
		return nil, err
	}
	return Group(missions, a.Apply(rows, filter, order)), nil
}

// Group buckets results under their missions, keeping result order. Results
// of missions not in the list are dropped.
func Group(missions []domain.Mission, results []domain.Result) []MissionGroup {
	ordered := make([]domain.Mission, len(missions))
	copy(ordered, missions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt > ordered[j].CreatedAt
		}
		return ordered[i].ID > ordered[j].ID
	})
	index := make(map[string]int, len(ordered))
	groups := make([]MissionGroup, len(ordered))
	for i, m := range ordered {
		index[m.ID] = i
		groups[i] = MissionGroup{Mission: m, Results: []domain.Result{}}
	}
	for _, r := range results {
		if i, ok := index[r.MissionID]; ok {
			groups[i].Results = append(groups[i].Results, r)
		}
	}
	return groups
}
