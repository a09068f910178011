package consensus

import (
	"context"
	"sort"
)

// Quorum supplies the voters for a new proposal.
type Quorum interface {
	Members(ctx context.Context, proposerID, decisionType string) ([]string, error)
}

// StaticQuorum is a fixed membership list. The proposer never votes on its
// own proposal.
type StaticQuorum []string

func (q StaticQuorum) Members(ctx context.Context, proposerID, decisionType string) ([]string, error) {
	out := make([]string, 0, len(q))
	for _, id := range q {
		if id != proposerID {
			out = append(out, id)
		}
	}
	return out, nil
}

// QuorumFunc adapts a function (e.g. a query for peers in range) to Quorum.
type QuorumFunc func(ctx context.Context, proposerID, decisionType string) ([]string, error)

func (f QuorumFunc) Members(ctx context.Context, proposerID, decisionType string) ([]string, error) {
	return f(ctx, proposerID, decisionType)
}

// dedupe returns the sorted distinct non-empty ids.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
