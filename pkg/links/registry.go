// Package links owns the invite-link registry and the attribution of
// join events to the link (and acquisition source) that produced them.
package links

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/gatekeeper/pkg/gateway"
	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Store is the persistence surface the registry needs.
type Store interface {
	InsertLink(ctx context.Context, link store.InviteLink) error
	FindLinkByID(ctx context.Context, id string) (*store.InviteLink, error)
	FindLinkByToken(ctx context.Context, token string) (*store.InviteLink, error)
	IncrementLinkUsage(ctx context.Context, id string) (int64, error)
	RevokeLink(ctx context.Context, id string) error
	ListLinks(ctx context.Context) ([]store.InviteLink, error)
}

// Registry creates, revokes and resolves invite links and keeps their
// usage counters. It exclusively owns InviteLink documents.
type Registry struct {
	store   Store
	gateway gateway.Gateway
}

func NewRegistry(s Store, gw gateway.Gateway) *Registry {
	return &Registry{store: s, gateway: gw}
}

// Create requests a new shareable link from the platform and persists
// it with a zero usage counter. The record is only written after the
// platform confirmed the token, so a failed platform call leaves no
// partial state behind.
func (r *Registry) Create(ctx context.Context, label string, creatorID int64, expiry time.Time) (*store.InviteLink, error) {
	if label == "" {
		return nil, fmt.Errorf("link label is required")
	}

	created, err := r.gateway.CreateInviteLink(ctx, label, expiry)
	if err != nil {
		return nil, fmt.Errorf("create invite link %q: %w", label, err)
	}

	link := store.InviteLink{
		ID:        uuid.New().String(),
		Token:     created.Token,
		Label:     label,
		CreatedBy: creatorID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiry,
	}
	if err := r.store.InsertLink(ctx, link); err != nil {
		return nil, err
	}

	logger.InfoCF("links", "Invite link created", map[string]any{
		"link_id": link.ID,
		"label":   label,
	})
	return &link, nil
}

// Revoke marks the link revoked. Historical attribution is unaffected.
// The platform-side revocation is best-effort: the store is the source
// of truth and a platform failure only produces a warning.
func (r *Registry) Revoke(ctx context.Context, linkID string) error {
	link, err := r.store.FindLinkByID(ctx, linkID)
	if err != nil {
		return err
	}

	if err := r.store.RevokeLink(ctx, linkID); err != nil {
		return err
	}

	if err := r.gateway.RevokeInviteLink(ctx, link.Token); err != nil {
		logger.WarnCF("links", "Platform revoke failed, link revoked locally", map[string]any{
			"link_id": linkID,
			"error":   err.Error(),
		})
	}
	return nil
}

// RecordUsage atomically increments the link's usage counter and
// returns the new count.
func (r *Registry) RecordUsage(ctx context.Context, linkID string) (int64, error) {
	return r.store.IncrementLinkUsage(ctx, linkID)
}

// ResolveByToken finds the link a join event's invite token refers to.
func (r *Registry) ResolveByToken(ctx context.Context, token string) (*store.InviteLink, error) {
	return r.store.FindLinkByToken(ctx, token)
}

// List returns all known links, newest first.
func (r *Registry) List(ctx context.Context) ([]store.InviteLink, error) {
	return r.store.ListLinks(ctx)
}
