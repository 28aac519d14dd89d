// Package gateway defines the chat-platform capabilities the engine
// consumes, and the error taxonomy used to classify platform failures.
//
// The platform is treated as an unreliable, rate-limited, at-least-once
// event source and a fallible send sink. Implementations live in
// pkg/telegram; tests use in-memory fakes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a transient platform failure: the call may be
// retried with backoff and never corrupts local state.
var ErrUnavailable = errors.New("gateway unavailable")

// ErrRecipientUnreachable marks a permanent per-recipient failure
// (blocked the bot, deleted account, never started a chat). It is
// terminal for that recipient and never retried.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// RateLimitedError is a transient failure carrying the platform's
// rate-limit hint. Callers reschedule after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InviteLink is the platform's view of a created invite link.
type InviteLink struct {
	Token  string
	Expiry time.Time
}

// Gateway is the outbound capability surface of the chat platform.
type Gateway interface {
	ApproveJoinRequest(ctx context.Context, userID int64) error
	DeclineJoinRequest(ctx context.Context, userID int64) error
	CreateInviteLink(ctx context.Context, label string, expiry time.Time) (InviteLink, error)
	RevokeInviteLink(ctx context.Context, token string) error
	// SendMessage returns nil, ErrRecipientUnreachable, *RateLimitedError
	// or ErrUnavailable (possibly wrapped).
	SendMessage(ctx context.Context, userID int64, text string) error
}
