// Package telegram is the Bot API binding: it implements the outbound
// gateway surface and runs the long-polling loop that turns updates
// into bus events and admin commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"

	"github.com/tinyland-inc/gatekeeper/pkg/bus"
	"github.com/tinyland-inc/gatekeeper/pkg/config"
	"github.com/tinyland-inc/gatekeeper/pkg/gateway"
	"github.com/tinyland-inc/gatekeeper/pkg/logger"
)

// CommandHandler processes one admin message and returns the reply.
type CommandHandler interface {
	Handle(ctx context.Context, userID int64, text string) string
}

type Channel struct {
	bot     *telego.Bot
	config  config.TelegramConfig
	bus     *bus.EventBus
	handler CommandHandler
	running atomic.Bool
}

func NewChannel(cfg config.TelegramConfig, eb *bus.EventBus, handler CommandHandler) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:     bot,
		config:  cfg,
		bus:     eb,
		handler: handler,
	}, nil
}

// SetHandler installs the admin command handler. The handler depends
// on services that in turn need the channel, so it is attached after
// construction and before Start.
func (c *Channel) SetHandler(h CommandHandler) {
	c.handler = h
}

func (c *Channel) Name() string {
	return "telegram"
}

func (c *Channel) IsRunning() bool {
	return c.running.Load()
}

// Start verifies the token, then consumes updates until ctx is done.
// It blocks; run it in its own goroutine.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	logger.InfoCF("telegram", "Bot authorized", map[string]any{
		"username": me.Username,
		"bot_id":   me.ID,
	})

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{"message", "chat_join_request", "chat_member"},
	})
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}

	c.running.Store(true)
	defer c.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			c.dispatch(ctx, upd)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, upd telego.Update) {
	switch {
	case upd.ChatJoinRequest != nil:
		c.onJoinRequest(ctx, upd.ChatJoinRequest)
	case upd.ChatMember != nil:
		c.onChatMember(ctx, upd.ChatMember)
	case upd.Message != nil:
		c.onMessage(ctx, upd.Message)
	}
}

func (c *Channel) onJoinRequest(ctx context.Context, req *telego.ChatJoinRequest) {
	if req.Chat.ID != c.config.ChannelID {
		return
	}

	ev := bus.Event{
		Kind:      bus.EventJoinRequest,
		UserID:    req.From.ID,
		Username:  req.From.Username,
		FirstName: req.From.FirstName,
		LastName:  req.From.LastName,
	}
	if req.InviteLink != nil {
		ev.InviteToken = tokenFromURL(req.InviteLink.InviteLink)
	}

	logger.DebugCF("telegram", "Join request received", map[string]any{
		"user_id": ev.UserID,
		"token":   ev.InviteToken,
	})
	if err := c.bus.PublishEvent(ctx, ev); err != nil {
		logger.ErrorCF("telegram", "Join request dropped", map[string]any{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}
}

func (c *Channel) onChatMember(ctx context.Context, upd *telego.ChatMemberUpdated) {
	if upd.Chat.ID != c.config.ChannelID {
		return
	}

	status := upd.NewChatMember.MemberStatus()
	if status != telego.MemberStatusLeft && status != telego.MemberStatusBanned {
		return
	}

	user := upd.NewChatMember.MemberUser()
	ev := bus.Event{
		Kind:     bus.EventLeave,
		UserID:   user.ID,
		Username: user.Username,
	}
	if err := c.bus.PublishEvent(ctx, ev); err != nil {
		logger.ErrorCF("telegram", "Leave event dropped", map[string]any{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}
}

func (c *Channel) onMessage(ctx context.Context, msg *telego.Message) {
	if msg.Chat.Type != telego.ChatTypePrivate || msg.From == nil || msg.Text == "" {
		return
	}
	if c.handler == nil {
		return
	}

	reply := c.handler.Handle(ctx, msg.From.ID, msg.Text)
	if reply == "" {
		return
	}
	if err := c.SendMessage(ctx, msg.From.ID, reply); err != nil {
		logger.WarnCF("telegram", "Command reply failed", map[string]any{
			"user_id": msg.From.ID,
			"error":   err.Error(),
		})
	}
}

// NoticePump forwards operational notices to every configured admin.
// It blocks until ctx is done or the bus closes.
func (c *Channel) NoticePump(ctx context.Context) {
	for {
		n, ok := c.bus.ConsumeNotice(ctx)
		if !ok {
			return
		}
		for _, adminID := range c.config.AdminIDs {
			if err := c.SendMessage(ctx, adminID, n.Text); err != nil {
				logger.WarnCF("telegram", "Notice delivery failed", map[string]any{
					"admin_id": adminID,
					"error":    err.Error(),
				})
			}
		}
	}
}

func (c *Channel) ApproveJoinRequest(ctx context.Context, userID int64) error {
	err := c.bot.ApproveChatJoinRequest(ctx, &telego.ApproveChatJoinRequestParams{
		ChatID: telego.ChatID{ID: c.config.ChannelID},
		UserID: userID,
	})
	return classify(err)
}

func (c *Channel) DeclineJoinRequest(ctx context.Context, userID int64) error {
	err := c.bot.DeclineChatJoinRequest(ctx, &telego.DeclineChatJoinRequestParams{
		ChatID: telego.ChatID{ID: c.config.ChannelID},
		UserID: userID,
	})
	return classify(err)
}

// CreateInviteLink always creates join-request links: members enter
// the approval flow instead of joining directly.
func (c *Channel) CreateInviteLink(ctx context.Context, label string, expiry time.Time) (gateway.InviteLink, error) {
	params := &telego.CreateChatInviteLinkParams{
		ChatID:             telego.ChatID{ID: c.config.ChannelID},
		Name:               label,
		CreatesJoinRequest: true,
	}
	if !expiry.IsZero() {
		params.ExpireDate = expiry.Unix()
	}

	link, err := c.bot.CreateChatInviteLink(ctx, params)
	if err != nil {
		return gateway.InviteLink{}, classify(err)
	}

	out := gateway.InviteLink{Token: tokenFromURL(link.InviteLink)}
	if link.ExpireDate > 0 {
		out.Expiry = time.Unix(link.ExpireDate, 0).UTC()
	}
	return out, nil
}

func (c *Channel) RevokeInviteLink(ctx context.Context, token string) error {
	_, err := c.bot.RevokeChatInviteLink(ctx, &telego.RevokeChatInviteLinkParams{
		ChatID:     telego.ChatID{ID: c.config.ChannelID},
		InviteLink: "https://t.me/+" + token,
	})
	return classify(err)
}

func (c *Channel) SendMessage(ctx context.Context, userID int64, text string) error {
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: userID},
		Text:   text,
	})
	return classify(err)
}

// tokenFromURL extracts the bare token from an invite URL like
// https://t.me/+AbCdEf123.
func tokenFromURL(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	return strings.TrimPrefix(url, "+")
}

// classify maps Bot API failures onto the gateway error taxonomy.
// 403 means the recipient is gone for good; 429 carries the server's
// retry hint; everything else is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case 403:
			return fmt.Errorf("%w: %s", gateway.ErrRecipientUnreachable, apiErr.Description)
		case 429:
			retry := 5 * time.Second
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				retry = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &gateway.RateLimitedError{RetryAfter: retry}
		case 400:
			if strings.Contains(apiErr.Description, "chat not found") {
				return fmt.Errorf("%w: %s", gateway.ErrRecipientUnreachable, apiErr.Description)
			}
		}
		return fmt.Errorf("%w: %s", gateway.ErrUnavailable, apiErr.Description)
	}
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}
