package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/gatekeeper/pkg/bus"
	"github.com/tinyland-inc/gatekeeper/pkg/gateway"
	"github.com/tinyland-inc/gatekeeper/pkg/links"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// memStore is an in-memory stand-in for the Mongo store with the same
// compare-and-swap transition semantics.
type memStore struct {
	mu      sync.Mutex
	members map[int64]*store.Member
	expired int64
}

func newMemStore() *memStore {
	return &memStore{members: make(map[int64]*store.Member)}
}

func (s *memStore) FindMember(_ context.Context, userID int64) (*store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) UpsertPendingMember(_ context.Context, userID int64, username, firstName, lastName string) (*store.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		if m.Status == store.MemberLeft || m.Status == store.MemberRejected {
			m.Status = store.MemberPending
		}
		cp := *m
		return &cp, false, nil
	}
	m := &store.Member{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		Status:    store.MemberPending,
		CreatedAt: time.Now(),
	}
	s.members[userID] = m
	cp := *m
	return &cp, true, nil
}

func (s *memStore) transition(userID int64, from []store.MemberStatus, to store.MemberStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok {
		return false
	}
	for _, f := range from {
		if m.Status == f {
			m.Status = to
			return true
		}
	}
	return false
}

func (s *memStore) ApproveMember(_ context.Context, userID int64, at time.Time) (bool, error) {
	won := s.transition(userID, []store.MemberStatus{store.MemberPending}, store.MemberApproved)
	if won {
		s.mu.Lock()
		s.members[userID].JoinedAt = at
		s.mu.Unlock()
	}
	return won, nil
}

func (s *memStore) RejectMember(_ context.Context, userID int64) (bool, error) {
	return s.transition(userID, []store.MemberStatus{store.MemberPending}, store.MemberRejected), nil
}

func (s *memStore) MarkMemberLeft(_ context.Context, userID int64, at time.Time) (bool, error) {
	changed := s.transition(userID, []store.MemberStatus{store.MemberApproved}, store.MemberLeft)
	if changed {
		s.mu.Lock()
		s.members[userID].LeftAt = at
		s.mu.Unlock()
	}
	return changed, nil
}

func (s *memStore) SetMemberAttribution(_ context.Context, userID int64, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		m.LinkID = linkID
	}
	return nil
}

func (s *memStore) TouchMemberActivity(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		m.LastActivity = time.Now()
	}
	return nil
}

func (s *memStore) ExpireStalePending(_ context.Context, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.members {
		if m.Status == store.MemberPending {
			m.Status = store.MemberRejected
			n++
		}
	}
	s.expired += n
	return n, nil
}

func (s *memStore) status(userID int64) store.MemberStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		return m.Status
	}
	return ""
}

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu         sync.Mutex
	approves   int
	declines   int
	sent       []string
	approveErr error
}

func (g *fakeGateway) ApproveJoinRequest(_ context.Context, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approves++
	return g.approveErr
}

func (g *fakeGateway) DeclineJoinRequest(_ context.Context, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines++
	return nil
}

func (g *fakeGateway) CreateInviteLink(_ context.Context, _ string, _ time.Time) (gateway.InviteLink, error) {
	return gateway.InviteLink{}, errors.New("not implemented")
}

func (g *fakeGateway) RevokeInviteLink(_ context.Context, _ string) error { return nil }

func (g *fakeGateway) SendMessage(_ context.Context, _ int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, text)
	return nil
}

func (g *fakeGateway) approveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approves
}

// fakeAttributor counts how often an attribution is resolved.
type fakeAttributor struct {
	mu    sync.Mutex
	calls int
	attr  links.Attribution
}

func (a *fakeAttributor) Attribute(_ context.Context, token string) links.Attribution {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token == "" {
		return links.Unattributed
	}
	a.calls++
	return a.attr
}

func (a *fakeAttributor) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestEngine(st Store, gw gateway.Gateway, attr Attributor, cfg Config) *Engine {
	if cfg.ConfirmBackoff == 0 {
		cfg.ConfirmBackoff = time.Millisecond
	}
	return NewEngine(st, attr, gw, bus.NewEventBus(), cfg)
}

func TestHandleJoinRequest_Approve(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	attr := &fakeAttributor{attr: links.Attribution{Attributed: true, LinkID: "link-1", Label: "campaign-a"}}
	engine := newTestEngine(st, gw, attr, Config{WelcomeMessage: "welcome!"})

	ev := bus.Event{Kind: bus.EventJoinRequest, UserID: 100, Username: "alice", InviteToken: "AbC"}
	decision, err := engine.HandleJoinRequest(context.Background(), ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision != DecisionApproved {
		t.Errorf("expected approved, got %s", decision)
	}
	if st.status(100) != store.MemberApproved {
		t.Errorf("expected stored status approved, got %s", st.status(100))
	}
	if gw.approveCalls() != 1 {
		t.Errorf("expected 1 approve call, got %d", gw.approveCalls())
	}
	if attr.callCount() != 1 {
		t.Errorf("expected 1 attribution, got %d", attr.callCount())
	}

	m, _ := st.FindMember(context.Background(), 100)
	if m.LinkID != "link-1" {
		t.Errorf("expected attribution link-1, got %q", m.LinkID)
	}
	if len(gw.sent) != 1 || gw.sent[0] != "welcome!" {
		t.Errorf("expected welcome message, got %v", gw.sent)
	}
}

func TestHandleJoinRequest_DuplicateAbsorbed(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	attr := &fakeAttributor{attr: links.Attribution{Attributed: true, LinkID: "link-1"}}
	engine := newTestEngine(st, gw, attr, Config{})

	ev := bus.Event{Kind: bus.EventJoinRequest, UserID: 100, InviteToken: "AbC"}
	for i := 0; i < 3; i++ {
		if _, err := engine.HandleJoinRequest(context.Background(), ev); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	if gw.approveCalls() != 1 {
		t.Errorf("expected exactly 1 approve call, got %d", gw.approveCalls())
	}
	if attr.callCount() != 1 {
		t.Errorf("duplicate events must not re-attribute, got %d calls", attr.callCount())
	}
}

func TestHandleJoinRequest_DenyList(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(st, gw, &fakeAttributor{}, Config{
		Policy:           DenyListPolicy([]int64{666}),
		RejectionMessage: "no entry",
	})

	decision, err := engine.HandleJoinRequest(context.Background(), bus.Event{Kind: bus.EventJoinRequest, UserID: 666})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision != DecisionRejected {
		t.Errorf("expected rejected, got %s", decision)
	}
	if st.status(666) != store.MemberRejected {
		t.Errorf("expected stored status rejected, got %s", st.status(666))
	}
	if gw.declines != 1 {
		t.Errorf("expected 1 decline call, got %d", gw.declines)
	}
	if len(gw.sent) != 1 || gw.sent[0] != "no entry" {
		t.Errorf("expected rejection notice, got %v", gw.sent)
	}
}

func TestHandleJoinRequest_RejoinAfterLeave(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(st, gw, &fakeAttributor{}, Config{})
	ctx := context.Background()

	ev := bus.Event{Kind: bus.EventJoinRequest, UserID: 7}
	if _, err := engine.HandleJoinRequest(ctx, ev); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := engine.HandleLeave(ctx, bus.Event{Kind: bus.EventLeave, UserID: 7}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if st.status(7) != store.MemberLeft {
		t.Fatalf("expected left, got %s", st.status(7))
	}

	decision, err := engine.HandleJoinRequest(ctx, ev)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if decision != DecisionApproved {
		t.Errorf("expected re-approval, got %s", decision)
	}
	if st.status(7) != store.MemberApproved {
		t.Errorf("expected approved after rejoin, got %s", st.status(7))
	}
}

func TestHandleJoinRequest_RejectedUserRetries(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(st, gw, &fakeAttributor{}, Config{
		Policy: DenyListPolicy([]int64{666}),
	})
	ctx := context.Background()

	ev := bus.Event{Kind: bus.EventJoinRequest, UserID: 666}
	if _, err := engine.HandleJoinRequest(ctx, ev); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if gw.declines != 1 {
		t.Fatalf("expected 1 decline, got %d", gw.declines)
	}

	// A later request is a fresh platform-side request, not a duplicate
	// delivery. It must get its own decline, not silently expire.
	decision, err := engine.HandleJoinRequest(ctx, ev)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if decision != DecisionRejected {
		t.Errorf("expected rejected, got %s", decision)
	}
	if gw.declines != 2 {
		t.Errorf("expected a decline per request, got %d", gw.declines)
	}
}

func TestHandleJoinRequest_RejectedUserReconsidered(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(st, gw, &fakeAttributor{}, Config{})
	ctx := context.Background()

	st.members[666] = &store.Member{UserID: 666, Status: store.MemberRejected}

	// The policy no longer denies this user; a new request is decided
	// on current rules, not the old verdict.
	decision, err := engine.HandleJoinRequest(ctx, bus.Event{Kind: bus.EventJoinRequest, UserID: 666})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision != DecisionApproved {
		t.Errorf("expected approved, got %s", decision)
	}
	if st.status(666) != store.MemberApproved {
		t.Errorf("expected stored status approved, got %s", st.status(666))
	}
	if gw.approveCalls() != 1 {
		t.Errorf("expected 1 approve call, got %d", gw.approveCalls())
	}
}

func TestConfirmExhaustionPublishesNotice(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{approveErr: errors.New("telegram down")}
	eb := bus.NewEventBus()
	engine := NewEngine(st, &fakeAttributor{}, gw, eb, Config{
		ConfirmRetries: 2,
		ConfirmBackoff: time.Millisecond,
	})

	decision, err := engine.HandleJoinRequest(context.Background(), bus.Event{Kind: bus.EventJoinRequest, UserID: 5})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision != DecisionApproved {
		t.Errorf("stored decision must win even when confirmation fails, got %s", decision)
	}
	if gw.approveCalls() != 2 {
		t.Errorf("expected 2 confirmation attempts, got %d", gw.approveCalls())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, ok := eb.ConsumeNotice(ctx)
	if !ok {
		t.Fatal("expected an admin notice")
	}
	if n.Text == "" {
		t.Error("notice text is empty")
	}
}

func TestConcurrentJoinsAttributeOnce(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	attr := &fakeAttributor{attr: links.Attribution{Attributed: true, LinkID: "link-1"}}
	engine := newTestEngine(st, gw, attr, Config{})

	ev := bus.Event{Kind: bus.EventJoinRequest, UserID: 42, InviteToken: "AbC"}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.HandleJoinRequest(context.Background(), ev)
		}()
	}
	wg.Wait()

	if attr.callCount() != 1 {
		t.Errorf("expected exactly 1 attribution under concurrency, got %d", attr.callCount())
	}
	if st.status(42) != store.MemberApproved {
		t.Errorf("expected approved, got %s", st.status(42))
	}
}

func TestRun_ConsumesBusEvents(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{}
	eb := bus.NewEventBus()
	engine := NewEngine(st, &fakeAttributor{}, gw, eb, Config{Workers: 4, ConfirmBackoff: time.Millisecond})

	done := make(chan struct{})
	go func() {
		engine.Run(context.Background())
		close(done)
	}()

	ctx := context.Background()
	for _, id := range []int64{1, 2, 3, 1} {
		if err := eb.PublishEvent(ctx, bus.Event{Kind: bus.EventJoinRequest, UserID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if st.status(1) == store.MemberApproved &&
			st.status(2) == store.MemberApproved &&
			st.status(3) == store.MemberApproved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("events were not processed in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eb.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	for _, id := range []int64{1, 2, 3} {
		if st.status(id) != store.MemberApproved {
			t.Errorf("user %d: expected approved, got %s", id, st.status(id))
		}
	}
	if gw.approveCalls() != 3 {
		t.Errorf("duplicate event must not re-approve, got %d calls", gw.approveCalls())
	}
}

func TestExpireStalePending(t *testing.T) {
	st := newMemStore()
	engine := newTestEngine(st, &fakeGateway{}, &fakeAttributor{}, Config{
		Policy:     func(Request) Verdict { return Reject },
		PendingTTL: time.Hour,
	})
	_, _, _ = st.UpsertPendingMember(context.Background(), 9, "", "", "")

	n, err := engine.ExpireStalePending(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if st.status(9) != store.MemberRejected {
		t.Errorf("expected rejected, got %s", st.status(9))
	}
}
