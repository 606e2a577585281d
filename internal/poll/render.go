package poll

import (
	"liveroom/pkg/types"
)

// View is a poll as one user sees it. Managers get the results, the
// number of voters and the frozen results of a closed poll; voters get the
// results and their own answer once they voted or the poll closed.
// Individual answers of others are never sent.
type View struct {
	*types.Poll
	Results       map[string]int `json:"results,omitempty"`
	CachedResults map[string]int `json:"cached_results,omitempty"`
	Answers       []string       `json:"answers,omitempty"`
	Voters        *int           `json:"voters,omitempty"`
}

func render(p *types.Poll, votes map[string]string, viewer *types.User, manager bool) *View {
	v := &View{Poll: p}
	own, voted := votes[viewer.ID]
	if voted {
		v.Answers = []string{own}
	}
	if manager {
		n := len(votes)
		v.Voters = &n
		v.CachedResults = p.CachedResults
	}
	if manager || voted || p.State == types.PollClosed {
		v.Results = results(p, votes)
	}
	return v
}

// results counts votes per option. Closed polls report their cached
// results.
func results(p *types.Poll, votes map[string]string) map[string]int {
	if p.State == types.PollClosed && p.CachedResults != nil {
		return p.CachedResults
	}
	counts := make(map[string]int, len(p.Options))
	for _, o := range p.Options {
		counts[o.ID] = 0
	}
	for _, option := range votes {
		if _, ok := counts[option]; ok {
			counts[option]++
		}
	}
	return counts
}
