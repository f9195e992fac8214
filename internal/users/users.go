// Package users publishes the current state of a user after every
// authoritative change made by the auth service.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/store"
)

// ErrUnknownUser is returned when the source has no record for the id.
var ErrUnknownUser = errors.New("unknown user")

// Mutation names the change that triggered a notification. It is only used
// for logs.
type Mutation string

const (
	MutationSignup  Mutation = "signup"
	MutationSignin  Mutation = "signin"
	MutationLogout  Mutation = "logout"
	MutationUpdate  Mutation = "update"
	MutationRefresh Mutation = "refresh"
)

// User is the authoritative user record as seen by the notifier.
type User struct {
	ID        int64
	Name      string
	Email     string
	HashedRT  *string
	Status    events.UserStatus
	UpdatedAt time.Time
}

// ToEvent converts u into a full-state event.
func (u User) ToEvent() events.UserModified {
	status := u.Status
	if status == "" {
		status = events.StatusActive
	}
	return events.UserModified{
		ID:        strconv.FormatInt(u.ID, 10),
		Name:      u.Name,
		Email:     u.Email,
		HashedRT:  u.HashedRT,
		Status:    status,
		UpdatedAt: events.NewTimestamp(u.UpdatedAt),
	}
}

// Source loads the current user record. Implementations return
// ErrUnknownUser when id does not exist.
type Source interface {
	User(ctx context.Context, id int64) (User, error)
}

// StoreSource reads users from the users table.
type StoreSource struct {
	DB interface {
		FindUser(ctx context.Context, id int64) (*store.User, error)
	}
}

func (s StoreSource) User(ctx context.Context, id int64) (User, error) {
	u, err := s.DB.FindUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrUnknownUser)
	}
	if err != nil {
		return User{}, err
	}
	return User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		HashedRT:  u.HashedRT,
		Status:    events.UserStatus(u.Status),
		UpdatedAt: u.UpdatedAt,
	}, nil
}

// Notifier re-publishes a user after a mutation. Publishing happens after
// the mutation has been persisted and is best effort: a failure is never
// rolled back into the mutation.
type Notifier struct {
	source   Source
	producer bus.Producer[events.UserModified]
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewNotifier(source Source, producer bus.Producer[events.UserModified], logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{source: source, producer: producer, logger: logger}
}

// UserModified loads user id and publishes its full current state.
func (n *Notifier) UserModified(ctx context.Context, id int64, mutation Mutation) error {
	u, err := n.source.User(ctx, id)
	if err != nil {
		return fmt.Errorf("load user %d: %w", id, err)
	}
	if err := n.producer.Publish(ctx, u.ToEvent()); err != nil {
		return fmt.Errorf("publish %s for user %d: %w", mutation, id, err)
	}
	n.logger.Debug("user change published", "user_id", id, "mutation", string(mutation))
	return nil
}

// NotifyAsync publishes in the background and logs failures. ctx
// cancellation of the caller does not abort the publish.
func (n *Notifier) NotifyAsync(ctx context.Context, id int64, mutation Mutation) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.UserModified(ctx, id, mutation); err != nil {
			n.logger.Error("user change not published", "user_id", id, "mutation", string(mutation), "error", err)
		}
	}()
}

// Wait blocks until every NotifyAsync call has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
