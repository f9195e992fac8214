package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/retry"
	"github.com/lsm/usersync/internal/store"
	"go.opentelemetry.io/otel/trace"
)

// ShadowStore is the persistence used by ShadowProjector. *store.DB
// implements it.
type ShadowStore interface {
	FindShadowUser(ctx context.Context, referenceID int64) (*store.ShadowUser, error)
	CreateShadowUser(ctx context.Context, u *store.ShadowUser) error
	UpdateShadowUser(ctx context.Context, u *store.ShadowUser) error
}

// ShadowProjector maintains the local shadow_users table. Rows are keyed
// by the reference id; email changes over time and is not an identity.
type ShadowProjector struct {
	base
	store ShadowStore
}

func NewShadowProjector(s ShadowStore, opts ...Option) *ShadowProjector {
	return &ShadowProjector{
		base:  newBase("shadow", opts),
		store: s,
	}
}

// Apply updates the row for the event's reference id in place, or creates
// it on first sight.
func (p *ShadowProjector) Apply(ctx context.Context, evt events.UserModified) error {
	ctx, span, logger := p.start(ctx, evt)

	// No amount of retrying fixes a malformed event.
	if err := evt.Validate(); err != nil {
		return p.finish(span, "", retry.Permanent(fmt.Errorf("shadow projection: %w", err)))
	}
	refID, _ := evt.ReferenceID()

	row := &store.ShadowUser{
		ReferenceID: refID,
		Name:        evt.Name,
		Email:       evt.Email,
		HashedRT:    evt.HashedRT,
		Status:      string(evt.Status),
		UpdatedAt:   evt.UpdatedAt.Time,
	}

	existing, err := p.store.FindShadowUser(ctx, refID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.create(ctx, span, row, logger)
	case err != nil:
		return p.finish(span, "", fmt.Errorf("shadow projection: %w", err))
	}

	row.ID = existing.ID
	err = p.store.UpdateShadowUser(ctx, row)
	if errors.Is(err, store.ErrNotFound) {
		return p.create(ctx, span, row, logger)
	}
	if err != nil {
		return p.finish(span, "", fmt.Errorf("shadow projection: %w", err))
	}
	logger.Info("shadow user updated", "reference_id", refID, "email", row.Email)
	return p.finish(span, "update", nil)
}

func (p *ShadowProjector) create(ctx context.Context, span trace.Span, row *store.ShadowUser, logger *slog.Logger) error {
	if err := p.store.CreateShadowUser(ctx, row); err != nil {
		return p.finish(span, "", fmt.Errorf("shadow projection: %w", err))
	}
	logger.Info("shadow user created", "reference_id", row.ReferenceID, "id", row.ID, "email", row.Email)
	return p.finish(span, "create", nil)
}

// Binding subscribes Apply to UserModified under group.
func (p *ShadowProjector) Binding(group string) bus.Binding[events.UserModified] {
	return bind(p.Apply, group)
}
