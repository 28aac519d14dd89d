package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

type statsStore struct {
	counts map[store.MemberStatus]int64
	links  []store.InviteLink
	err    error
}

func (s *statsStore) MemberStatusCounts(_ context.Context) (map[store.MemberStatus]int64, error) {
	return s.counts, s.err
}

func (s *statsStore) ListLinks(_ context.Context) ([]store.InviteLink, error) {
	return s.links, s.err
}

func TestCompute(t *testing.T) {
	agg := NewAggregator(&statsStore{
		counts: map[store.MemberStatus]int64{
			store.MemberApproved: 40,
			store.MemberPending:  3,
			store.MemberRejected: 5,
			store.MemberLeft:     2,
		},
		links: []store.InviteLink{
			{Label: "source-a", Token: "AAA", Uses: 30},
			{Label: "source-b", Token: "BBB", Uses: 12, Revoked: true},
		},
	})

	s, err := agg.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if s.Approved != 40 || s.Pending != 3 || s.Rejected != 5 || s.Left != 2 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.Total() != 50 {
		t.Errorf("expected total 50, got %d", s.Total())
	}
	if len(s.PerLink) != 2 {
		t.Fatalf("expected 2 link entries, got %d", len(s.PerLink))
	}
	if s.PerLink[0].Uses != 30 || s.PerLink[1].Revoked != true {
		t.Errorf("unexpected link usage: %+v", s.PerLink)
	}
}

func TestCompute_EmptyCommunity(t *testing.T) {
	agg := NewAggregator(&statsStore{counts: map[store.MemberStatus]int64{}})

	s, err := agg.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if s.Total() != 0 {
		t.Errorf("expected zero total, got %d", s.Total())
	}
	if len(s.PerLink) != 0 {
		t.Errorf("expected no link entries, got %d", len(s.PerLink))
	}
}

func TestCompute_StoreError(t *testing.T) {
	agg := NewAggregator(&statsStore{err: errors.New("mongo down")})
	if _, err := agg.Compute(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
