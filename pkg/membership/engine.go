// Package membership implements the join-request state machine: it
// decides approve/reject, records the member, triggers attribution and
// confirms the decision back to the platform.
//
// Handling runs concurrently across different members but is serialized
// per member: events are routed to shard workers by user-id hash, so a
// join followed immediately by a leave for the same id applies in order.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/gatekeeper/pkg/bus"
	"github.com/tinyland-inc/gatekeeper/pkg/gateway"
	"github.com/tinyland-inc/gatekeeper/pkg/links"
	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Decision is the externally visible outcome of handling a join request.
type Decision string

const (
	DecisionApproved        Decision = "approved"
	DecisionRejected        Decision = "rejected"
	DecisionAlreadyApproved Decision = "already_approved"
)

// Store is the persistence surface the engine needs. The Mongo store
// implements it; tests use an in-memory fake.
type Store interface {
	FindMember(ctx context.Context, userID int64) (*store.Member, error)
	UpsertPendingMember(ctx context.Context, userID int64, username, firstName, lastName string) (*store.Member, bool, error)
	ApproveMember(ctx context.Context, userID int64, at time.Time) (bool, error)
	RejectMember(ctx context.Context, userID int64) (bool, error)
	MarkMemberLeft(ctx context.Context, userID int64, at time.Time) (bool, error)
	SetMemberAttribution(ctx context.Context, userID int64, linkID string) error
	TouchMemberActivity(ctx context.Context, userID int64) error
	ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Attributor maps an invite token to its link, recording usage.
type Attributor interface {
	Attribute(ctx context.Context, inviteToken string) links.Attribution
}

type Config struct {
	Policy           Policy
	ConfirmRetries   int           // attempts for the outbound confirmation call
	ConfirmBackoff   time.Duration // initial backoff, doubles per attempt
	Workers          int           // shard worker count
	PendingTTL       time.Duration // pending requests older than this get rejected
	WelcomeMessage   string
	RejectionMessage string
}

type Engine struct {
	store    Store
	resolver Attributor
	gateway  gateway.Gateway
	bus      *bus.EventBus
	cfg      Config

	shards []chan bus.Event
	wg     sync.WaitGroup
}

func NewEngine(s Store, resolver Attributor, gw gateway.Gateway, eb *bus.EventBus, cfg Config) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = ApproveAll
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ConfirmRetries <= 0 {
		cfg.ConfirmRetries = 1
	}
	if cfg.ConfirmBackoff <= 0 {
		cfg.ConfirmBackoff = 500 * time.Millisecond
	}
	return &Engine{
		store:    s,
		resolver: resolver,
		gateway:  gw,
		bus:      eb,
		cfg:      cfg,
	}
}

// Run consumes gateway events from the bus until the context is done or
// the bus closes. It blocks; callers run it in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.shards = make([]chan bus.Event, e.cfg.Workers)
	for i := range e.shards {
		e.shards[i] = make(chan bus.Event, 16)
		e.wg.Add(1)
		go e.worker(ctx, e.shards[i])
	}

	for {
		ev, ok := e.bus.ConsumeEvent(ctx)
		if !ok {
			break
		}
		// Same-identity events always land on the same shard, which
		// serializes them in arrival order.
		shard := e.shards[uint64(ev.UserID)%uint64(len(e.shards))]
		select {
		case shard <- ev:
		case <-ctx.Done():
		}
	}

	for _, ch := range e.shards {
		close(ch)
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, events <-chan bus.Event) {
	defer e.wg.Done()
	for ev := range events {
		switch ev.Kind {
		case bus.EventJoinRequest:
			if _, err := e.HandleJoinRequest(ctx, ev); err != nil {
				logger.ErrorCF("membership", "Join request failed", map[string]any{
					"user_id": ev.UserID,
					"error":   err.Error(),
				})
			}
		case bus.EventLeave:
			if err := e.HandleLeave(ctx, ev); err != nil {
				logger.ErrorCF("membership", "Leave event failed", map[string]any{
					"user_id": ev.UserID,
					"error":   err.Error(),
				})
			}
		}
	}
}

// HandleJoinRequest applies the state machine to one join-request event.
// Duplicate deliveries are absorbed: an already-approved member yields
// DecisionAlreadyApproved with no further side effects. A left or
// rejected member re-enters at pending and is decided afresh, so every
// live platform request receives its own confirmation call.
func (e *Engine) HandleJoinRequest(ctx context.Context, ev bus.Event) (Decision, error) {
	existing, err := e.store.FindMember(ctx, ev.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if existing != nil && existing.Status == store.MemberApproved {
		_ = e.store.TouchMemberActivity(ctx, ev.UserID)
		return DecisionAlreadyApproved, nil
	}

	if _, _, err := e.store.UpsertPendingMember(ctx, ev.UserID, ev.Username, ev.FirstName, ev.LastName); err != nil {
		return "", err
	}

	verdict := e.cfg.Policy(Request{
		UserID:    ev.UserID,
		Username:  ev.Username,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
	})
	if verdict == Reject {
		return e.reject(ctx, ev)
	}
	return e.approve(ctx, ev)
}

func (e *Engine) approve(ctx context.Context, ev bus.Event) (Decision, error) {
	now := time.Now().UTC()

	// The CAS decides the winner; only the winner attributes, so a
	// duplicate event can never double-increment a usage counter.
	won, err := e.store.ApproveMember(ctx, ev.UserID, now)
	if err != nil {
		return "", err
	}
	if !won {
		return DecisionAlreadyApproved, nil
	}

	attr := e.resolver.Attribute(ctx, ev.InviteToken)
	if attr.Attributed {
		if err := e.store.SetMemberAttribution(ctx, ev.UserID, attr.LinkID); err != nil {
			logger.WarnCF("membership", "Attribution write failed", map[string]any{
				"user_id": ev.UserID,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoCF("membership", "Join request approved", map[string]any{
		"user_id": ev.UserID,
		"source":  attr.Label,
	})

	// Member state is durable; the outbound confirmation is a
	// retryable side effect, never rolled back.
	e.confirm(ctx, ev.UserID, "approve", func(c context.Context) error {
		return e.gateway.ApproveJoinRequest(c, ev.UserID)
	})

	if e.cfg.WelcomeMessage != "" {
		if err := e.gateway.SendMessage(ctx, ev.UserID, e.cfg.WelcomeMessage); err != nil {
			logger.DebugCF("membership", "Welcome message not delivered", map[string]any{
				"user_id": ev.UserID,
				"error":   err.Error(),
			})
		}
	}

	return DecisionApproved, nil
}

func (e *Engine) reject(ctx context.Context, ev bus.Event) (Decision, error) {
	won, err := e.store.RejectMember(ctx, ev.UserID)
	if err != nil {
		return "", err
	}
	if !won {
		// Someone else already settled this request.
		current, err := e.store.FindMember(ctx, ev.UserID)
		if err == nil && current.Status == store.MemberApproved {
			return DecisionAlreadyApproved, nil
		}
		return DecisionRejected, nil
	}

	logger.InfoCF("membership", "Join request rejected", map[string]any{"user_id": ev.UserID})

	e.confirm(ctx, ev.UserID, "decline", func(c context.Context) error {
		return e.gateway.DeclineJoinRequest(c, ev.UserID)
	})

	if e.cfg.RejectionMessage != "" {
		if err := e.gateway.SendMessage(ctx, ev.UserID, e.cfg.RejectionMessage); err != nil {
			logger.DebugCF("membership", "Rejection notice not delivered", map[string]any{
				"user_id": ev.UserID,
				"error":   err.Error(),
			})
		}
	}

	return DecisionRejected, nil
}

// HandleLeave archives an approved member. No counter effects.
func (e *Engine) HandleLeave(ctx context.Context, ev bus.Event) error {
	changed, err := e.store.MarkMemberLeft(ctx, ev.UserID, time.Now().UTC())
	if err != nil {
		return err
	}
	if changed {
		logger.InfoCF("membership", "Member left", map[string]any{"user_id": ev.UserID})
	}
	return nil
}

// confirm issues the outbound confirmation call with exponential
// backoff. Exhaustion is surfaced as a delivery warning to admins; the
// stored decision is the source of truth, not the platform ack.
func (e *Engine) confirm(ctx context.Context, userID int64, action string, call func(context.Context) error) {
	backoff := e.cfg.ConfirmBackoff
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ConfirmRetries; attempt++ {
		lastErr = call(ctx)
		if lastErr == nil {
			return
		}
		if attempt == e.cfg.ConfirmRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	logger.WarnCF("membership", "Confirmation call exhausted retries", map[string]any{
		"user_id": userID,
		"action":  action,
		"error":   lastErr.Error(),
	})
	_ = e.bus.PublishNotice(ctx, bus.Notice{
		Text: fmt.Sprintf("⚠ could not %s join request for user %d: %v", action, userID, lastErr),
	})
}

// ExpireStalePending rejects requests that sat unanswered longer than
// the configured TTL. Intended to run on a daily ticker.
func (e *Engine) ExpireStalePending(ctx context.Context) (int64, error) {
	if e.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	n, err := e.store.ExpireStalePending(ctx, time.Now().UTC().Add(-e.cfg.PendingTTL))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoCF("membership", "Expired stale pending requests", map[string]any{"count": n})
	}
	return n, nil
}
