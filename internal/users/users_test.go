package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/store"
)

type mapSource map[int64]User

func (m mapSource) User(_ context.Context, id int64) (User, error) {
	u, ok := m[id]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

func TestToEvent(t *testing.T) {
	rt := "hash"
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := User{ID: 42, Name: "Ada", Email: "ada@example.com", HashedRT: &rt, UpdatedAt: at}.ToEvent()

	if evt.ID != "42" {
		t.Errorf("ID = %q", evt.ID)
	}
	if evt.Status != events.StatusActive {
		t.Errorf("Status = %q, want ACTIVE default", evt.Status)
	}
	if evt.HashedRT == nil || *evt.HashedRT != "hash" {
		t.Errorf("HashedRT = %v", evt.HashedRT)
	}
	if !evt.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v", evt.UpdatedAt)
	}
	if err := evt.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNotifier_UserModified(t *testing.T) {
	prod := &events.RecordingProducer{}
	n := NewNotifier(mapSource{1: {ID: 1, Name: "Ada", Email: "a@x", Status: events.StatusInactive}}, prod, nil)

	if err := n.UserModified(context.Background(), 1, MutationLogout); err != nil {
		t.Fatalf("UserModified: %v", err)
	}
	got := prod.Events()
	if len(got) != 1 || got[0].ID != "1" || got[0].Status != events.StatusInactive {
		t.Fatalf("published = %+v", got)
	}
}

func TestNotifier_UnknownUser(t *testing.T) {
	prod := &events.RecordingProducer{}
	n := NewNotifier(mapSource{}, prod, nil)

	err := n.UserModified(context.Background(), 9, MutationUpdate)
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
	if len(prod.Events()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestNotifier_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	prod := &events.RecordingProducer{Err: boom}
	n := NewNotifier(mapSource{1: {ID: 1}}, prod, nil)

	if err := n.UserModified(context.Background(), 1, MutationSignin); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestNotifier_NotifyAsync(t *testing.T) {
	prod := &events.RecordingProducer{}
	n := NewNotifier(mapSource{1: {ID: 1}, 2: {ID: 2}}, prod, nil)

	ctx, cancel := context.WithCancel(context.Background())
	n.NotifyAsync(ctx, 1, MutationSignup)
	n.NotifyAsync(ctx, 2, MutationRefresh)
	n.NotifyAsync(ctx, 3, MutationUpdate) // unknown, logged only
	cancel()
	n.Wait()

	if got := len(prod.Events()); got != 2 {
		t.Fatalf("published %d events, want 2", got)
	}
}

func TestStoreSource(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	u := &store.User{Name: "Ada", Email: "ada@example.com", Status: "ACTIVE"}
	if err := db.SaveUser(ctx, u, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}

	src := StoreSource{DB: db}
	got, err := src.User(ctx, u.ID)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if got.Email != "ada@example.com" || got.Status != events.StatusActive {
		t.Errorf("got %+v", got)
	}

	if _, err := src.User(ctx, u.ID+100); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
}
