// Package admin parses and dispatches the operator command surface.
// Commands arrive as private messages; anything from a non-admin gets
// the public funnel text instead.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/stats"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// LinkService is the invite-link surface the handler drives.
type LinkService interface {
	Create(ctx context.Context, label string, creatorID int64, expiry time.Time) (*store.InviteLink, error)
	Revoke(ctx context.Context, linkID string) error
	ResolveByToken(ctx context.Context, token string) (*store.InviteLink, error)
	List(ctx context.Context) ([]store.InviteLink, error)
}

// BroadcastService is the delivery surface the handler drives.
type BroadcastService interface {
	Start(ctx context.Context, payload string, createdBy int64) (*store.BroadcastRun, error)
	Schedule(ctx context.Context, payload string, at time.Time, createdBy int64) (*store.BroadcastRun, error)
	ScheduleCron(ctx context.Context, payload, expr string, createdBy int64) (*store.BroadcastRun, error)
	Status(ctx context.Context, runID string) (*store.BroadcastRun, error)
	Cancel(ctx context.Context, runID string) error
}

// StatsService computes the community snapshot for /stats.
type StatsService interface {
	Compute(ctx context.Context) (*stats.Stats, error)
}

type Handler struct {
	links     LinkService
	broadcast BroadcastService
	stats     StatsService
	admins    []int64
}

func NewHandler(links LinkService, bc BroadcastService, st StatsService, admins []int64) *Handler {
	return &Handler{links: links, broadcast: bc, stats: st, admins: admins}
}

func (h *Handler) isAdmin(userID int64) bool {
	for _, id := range h.admins {
		if id == userID {
			return true
		}
	}
	return false
}

const funnelText = "This bot manages access to a private community. " +
	"Request to join through one of the official invite links and an " +
	"administrator will review your request."

// Handle processes one inbound message and returns the reply text.
func (h *Handler) Handle(ctx context.Context, userID int64, text string) string {
	if !h.isAdmin(userID) {
		return funnelText
	}

	cmd, args := splitCommand(text)
	logger.DebugCF("admin", "Command received", map[string]any{
		"user_id": userID,
		"command": cmd,
	})

	switch cmd {
	case "/newlink":
		return h.newLink(ctx, userID, args)
	case "/links":
		return h.listLinks(ctx)
	case "/revoke":
		return h.revoke(ctx, args)
	case "/broadcast":
		return h.startBroadcast(ctx, userID, args)
	case "/schedule":
		return h.schedule(ctx, userID, args)
	case "/cron":
		return h.cron(ctx, userID, args)
	case "/progress":
		return h.progress(ctx, args)
	case "/cancel":
		return h.cancel(ctx, args)
	case "/stats":
		return h.showStats(ctx)
	case "/help", "/start":
		return helpText
	default:
		return "Unknown command. Send /help for the list."
	}
}

// splitCommand separates the leading /command from its argument tail.
// Telegram appends @botname to commands in some clients, so that
// suffix is stripped.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

const helpText = `Commands:
/newlink <label> [ttl]  - create an invite link (ttl like 72h, optional)
/links                  - list invite links and usage
/revoke <token>         - revoke an invite link
/broadcast <text>       - send to all approved members now
/schedule <RFC3339> :: <text> - send once at the given time
/cron <expr> :: <text>  - send on a recurring cron schedule
/progress <run-id>      - show delivery progress for a run
/cancel <run-id>        - cancel a run
/stats                  - community and link statistics`

func (h *Handler) newLink(ctx context.Context, userID int64, args string) string {
	if args == "" {
		return "Usage: /newlink <label> [ttl]"
	}

	label := args
	var expiry time.Time
	if i := strings.LastIndex(args, " "); i > 0 {
		if ttl, err := time.ParseDuration(args[i+1:]); err == nil {
			label = strings.TrimSpace(args[:i])
			expiry = time.Now().Add(ttl)
		}
	}

	link, err := h.links.Create(ctx, label, userID, expiry)
	if err != nil {
		return "Could not create link: " + err.Error()
	}
	reply := fmt.Sprintf("Link %q created:\nhttps://t.me/+%s", link.Label, link.Token)
	if !link.ExpiresAt.IsZero() {
		reply += "\nExpires " + link.ExpiresAt.Format(time.RFC3339)
	}
	return reply
}

func (h *Handler) listLinks(ctx context.Context) string {
	all, err := h.links.List(ctx)
	if err != nil {
		return "Could not list links: " + err.Error()
	}
	if len(all) == 0 {
		return "No invite links yet. Create one with /newlink."
	}

	var b strings.Builder
	b.WriteString("Invite links:\n")
	for _, l := range all {
		state := "active"
		if l.Revoked {
			state = "revoked"
		} else if !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(time.Now()) {
			state = "expired"
		}
		fmt.Fprintf(&b, "%s  +%s  %d joins  [%s]\n", l.Label, l.Token, l.Uses, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) revoke(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /revoke <token>"
	}
	token := strings.TrimPrefix(strings.TrimSpace(args), "+")

	link, err := h.links.ResolveByToken(ctx, token)
	if err != nil {
		return "Unknown link token."
	}
	if err := h.links.Revoke(ctx, link.ID); err != nil {
		return "Could not revoke link: " + err.Error()
	}
	return fmt.Sprintf("Link %q revoked. New joins through it will not be attributed.", link.Label)
}

func (h *Handler) startBroadcast(ctx context.Context, userID int64, args string) string {
	if args == "" {
		return "Usage: /broadcast <text>"
	}
	run, err := h.broadcast.Start(ctx, args, userID)
	if err != nil {
		return "Could not start broadcast: " + err.Error()
	}
	return fmt.Sprintf("Broadcast %s started for %d recipients.", run.ID, run.Total)
}

func (h *Handler) schedule(ctx context.Context, userID int64, args string) string {
	when, payload, ok := strings.Cut(args, "::")
	if !ok {
		return "Usage: /schedule <RFC3339 time> :: <text>"
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(when))
	if err != nil {
		return "Time must be RFC3339, e.g. 2026-09-01T18:00:00Z"
	}
	run, err := h.broadcast.Schedule(ctx, strings.TrimSpace(payload), at, userID)
	if err != nil {
		return "Could not schedule broadcast: " + err.Error()
	}
	return fmt.Sprintf("Broadcast %s scheduled for %s.", run.ID, at.Format(time.RFC3339))
}

func (h *Handler) cron(ctx context.Context, userID int64, args string) string {
	expr, payload, ok := strings.Cut(args, "::")
	if !ok {
		return "Usage: /cron <cron expression> :: <text>"
	}
	run, err := h.broadcast.ScheduleCron(ctx, strings.TrimSpace(payload), strings.TrimSpace(expr), userID)
	if err != nil {
		return "Could not schedule recurring broadcast: " + err.Error()
	}
	return fmt.Sprintf("Recurring broadcast %s scheduled, next run %s.",
		run.ID, run.ScheduledAt.Format(time.RFC3339))
}

func (h *Handler) progress(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /progress <run-id>"
	}
	run, err := h.broadcast.Status(ctx, strings.TrimSpace(args))
	if err != nil {
		return "Unknown run id."
	}
	p := run.Progress()
	return fmt.Sprintf("Run %s [%s]\nsent %d / %d\npending %d, retryable %d, failed %d, skipped %d",
		run.ID, run.Status, p.Sent, run.Total, p.Pending, p.Retryable, p.Permanent, p.Skipped)
}

func (h *Handler) cancel(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /cancel <run-id>"
	}
	if err := h.broadcast.Cancel(ctx, strings.TrimSpace(args)); err != nil {
		return "Could not cancel run: " + err.Error()
	}
	return "Run cancelled. Undelivered recipients were marked skipped."
}

func (h *Handler) showStats(ctx context.Context) string {
	s, err := h.stats.Compute(ctx)
	if err != nil {
		return "Could not compute statistics: " + err.Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Members: %d total\n", s.Total())
	fmt.Fprintf(&b, "approved %d, pending %d, rejected %d, left %d\n",
		s.Approved, s.Pending, s.Rejected, s.Left)
	if len(s.PerLink) > 0 {
		b.WriteString("\nLink usage:\n")
		for _, l := range s.PerLink {
			marker := ""
			if l.Revoked {
				marker = " (revoked)"
			}
			fmt.Fprintf(&b, "%s: %d joins%s\n", l.Label, l.Uses, marker)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
