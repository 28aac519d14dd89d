package links

import (
	"context"
	"errors"

	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Attribution is the result of mapping a join event to its invite link.
// The zero value means unattributed; downstream code never has to guess
// what an empty link id means.
type Attribution struct {
	Attributed bool
	LinkID     string
	Label      string
}

// Unattributed is the explicit no-source result.
var Unattributed = Attribution{}

// Resolver maps an incoming join event to the link that produced it
// and records the usage on success.
type Resolver struct {
	registry *Registry
}

func NewResolver(r *Registry) *Resolver {
	return &Resolver{registry: r}
}

// Attribute resolves the invite token carried by a join event, if any.
// Attribution is a soft concern: revoked links, unknown tokens and
// missing tokens all yield Unattributed and never an error, so a
// failed attribution can never block an approval.
func (r *Resolver) Attribute(ctx context.Context, inviteToken string) Attribution {
	if inviteToken == "" {
		return Unattributed
	}

	link, err := r.registry.ResolveByToken(ctx, inviteToken)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.WarnCF("links", "Attribution lookup failed", map[string]any{"error": err.Error()})
		}
		return Unattributed
	}
	if link.Revoked {
		return Unattributed
	}

	if _, err := r.registry.RecordUsage(ctx, link.ID); err != nil {
		// The member still gets attributed; only the counter update failed.
		logger.WarnCF("links", "Usage counter update failed", map[string]any{
			"link_id": link.ID,
			"error":   err.Error(),
		})
	}

	return Attribution{Attributed: true, LinkID: link.ID, Label: link.Label}
}
