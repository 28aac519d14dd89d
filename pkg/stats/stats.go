// Package stats aggregates membership and invite-link figures for
// admin reporting.
package stats

import (
	"context"

	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Store is the subset of persistence the aggregator reads from.
type Store interface {
	MemberStatusCounts(ctx context.Context) (map[store.MemberStatus]int64, error)
	ListLinks(ctx context.Context) ([]store.InviteLink, error)
}

// LinkUsage is the per-link slice of the report.
type LinkUsage struct {
	Label   string
	Token   string
	Uses    int64
	Revoked bool
}

// Stats is a point-in-time snapshot of the community.
type Stats struct {
	Approved int64
	Pending  int64
	Rejected int64
	Left     int64
	PerLink  []LinkUsage
}

// Total returns every user the bot has ever seen, regardless of status.
func (s Stats) Total() int64 {
	return s.Approved + s.Pending + s.Rejected + s.Left
}

type Aggregator struct {
	store Store
}

func NewAggregator(st Store) *Aggregator {
	return &Aggregator{store: st}
}

// Compute reads current counts. Figures come from two separate reads,
// so they can be a moment apart under concurrent writes.
func (a *Aggregator) Compute(ctx context.Context) (*Stats, error) {
	counts, err := a.store.MemberStatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	links, err := a.store.ListLinks(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Approved: counts[store.MemberApproved],
		Pending:  counts[store.MemberPending],
		Rejected: counts[store.MemberRejected],
		Left:     counts[store.MemberLeft],
	}
	for _, l := range links {
		out.PerLink = append(out.PerLink, LinkUsage{
			Label:   l.Label,
			Token:   l.Token,
			Uses:    l.Uses,
			Revoked: l.Revoked,
		})
	}
	return out, nil
}
