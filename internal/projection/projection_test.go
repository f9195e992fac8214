package projection

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/cache"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/retry"
	"github.com/lsm/usersync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func strPtr(s string) *string { return &s }

func sampleEvent() events.UserModified {
	return events.UserModified{
		ID:        "42",
		Name:      "Ada",
		Email:     "ada@example.com",
		HashedRT:  strPtr("rt"),
		Status:    events.StatusActive,
		UpdatedAt: events.NewTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
}

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "shadow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("42"); got != "USER_42" {
		t.Errorf("CacheKey = %q", got)
	}
}

func TestCacheProjector_WritesSnapshotWithSevenDayTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := NewCacheProjector(cache.NewService(cache.NewRedisStore(client, "")), WithMetrics(metrics))

	evt := sampleEvent()
	if err := p.Apply(context.Background(), evt); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := mr.TTL("USER_42"); got != 604800*time.Second {
		t.Errorf("ttl = %v, want 604800s", got)
	}
	raw, _ := mr.Get("USER_42")
	want, _ := json.Marshal(evt)
	if raw != string(want) {
		t.Errorf("cached = %s\nwant   %s", raw, want)
	}

	mr.FastForward(7 * 24 * time.Hour)
	if mr.Exists("USER_42") {
		t.Error("entry should expire after seven days")
	}
	if got := testutil.ToFloat64(metrics.ProjectedTotal.WithLabelValues("cache", "cache")); got != 1 {
		t.Errorf("projected = %v, want 1", got)
	}
}

func TestCacheProjector_OverwritesWholesale(t *testing.T) {
	svc := cache.NewService(cache.NewMemoryStore(nil))
	p := NewCacheProjector(svc)
	ctx := context.Background()

	first := sampleEvent()
	second := sampleEvent()
	second.Email = "ada@new.example.com"
	second.HashedRT = nil

	_ = p.Apply(ctx, first)
	if err := p.Apply(ctx, second); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var got events.UserModified
	if err := svc.Get(ctx, "USER_42", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "ada@new.example.com" || got.HashedRT != nil {
		t.Errorf("cached = %+v", got)
	}
}

func TestCacheProjector_CachesDeliveredPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	p := NewCacheProjector(cache.NewService(cache.NewRedisStore(client, "")))

	payload := `{"id":"42","name":"Ada","email":"ada@example.com","status":"ACTIVE","updatedAt":1709287200000}`
	var evt events.UserModified
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx := bus.ContextWithMessage(context.Background(), bus.Message{Topic: events.TopicUserModified, Value: []byte(payload)})
	if err := p.Apply(ctx, evt); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if raw, _ := mr.Get("USER_42"); raw != payload {
		t.Errorf("cached = %s\nwant   %s", raw, payload)
	}
}

func TestProjectors_InvalidEventIsPermanent(t *testing.T) {
	missingID := sampleEvent()
	missingID.ID = ""
	unknownStatus := sampleEvent()
	unknownStatus.Status = "BANNED"
	noEmail := sampleEvent()
	noEmail.Email = ""

	for name, evt := range map[string]events.UserModified{
		"missing id":     missingID,
		"unknown status": unknownStatus,
		"missing email":  noEmail,
	} {
		t.Run(name, func(t *testing.T) {
			svc := cache.NewService(cache.NewMemoryStore(nil))
			if err := NewCacheProjector(svc).Apply(context.Background(), evt); !retry.IsPermanent(err) {
				t.Errorf("cache err = %v, want permanent", err)
			}
			if _, err := svc.Store().Get(context.Background(), CacheKey(evt.ID)); !errors.Is(err, cache.ErrMiss) {
				t.Errorf("cache written for invalid event: %v", err)
			}

			db := openStore(t)
			if err := NewShadowProjector(db).Apply(context.Background(), evt); !retry.IsPermanent(err) {
				t.Errorf("shadow err = %v, want permanent", err)
			}
			if n, _ := db.CountShadowUsers(context.Background()); n != 0 {
				t.Errorf("shadow rows = %d, want 0", n)
			}
		})
	}
}

func TestShadowProjector_IdempotentUnderRedelivery(t *testing.T) {
	db := openStore(t)
	p := NewShadowProjector(db)
	ctx := context.Background()
	evt := sampleEvent()

	if err := p.Apply(ctx, evt); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, err := db.FindShadowUser(ctx, 42)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := p.Apply(ctx, evt); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second, _ := db.FindShadowUser(ctx, 42)

	if n, _ := db.CountShadowUsers(ctx); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	if first.ID != second.ID || first.Email != second.Email || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("state changed on redelivery: %+v vs %+v", first, second)
	}
	if second.Name != "Ada" || second.Status != "ACTIVE" || second.HashedRT == nil || *second.HashedRT != "rt" {
		t.Errorf("row = %+v", second)
	}
}

func TestShadowProjector_EmailChangeUpdatesSameRow(t *testing.T) {
	db := openStore(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := NewShadowProjector(db, WithMetrics(metrics))
	ctx := context.Background()

	evt := sampleEvent()
	_ = p.Apply(ctx, evt)
	before, _ := db.FindShadowUser(ctx, 42)

	evt.Email = "ada@elsewhere.example.com"
	evt.Status = events.StatusInactive
	evt.HashedRT = nil
	if err := p.Apply(ctx, evt); err != nil {
		t.Fatalf("apply: %v", err)
	}

	after, _ := db.FindShadowUser(ctx, 42)
	if after.ID != before.ID {
		t.Errorf("row id changed from %d to %d", before.ID, after.ID)
	}
	if after.Email != "ada@elsewhere.example.com" || after.Status != "INACTIVE" || after.HashedRT != nil {
		t.Errorf("row = %+v", after)
	}
	if n, _ := db.CountShadowUsers(ctx); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if got := testutil.ToFloat64(metrics.ProjectedTotal.WithLabelValues("shadow", "create")); got != 1 {
		t.Errorf("creates = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ProjectedTotal.WithLabelValues("shadow", "update")); got != 1 {
		t.Errorf("updates = %v", got)
	}
}

func TestShadowProjector_BadReferenceIDIsPermanent(t *testing.T) {
	p := NewShadowProjector(openStore(t))
	evt := sampleEvent()
	evt.ID = "not-a-number"

	if err := p.Apply(context.Background(), evt); !retry.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

// fakeShadowStore scripts failures of the underlying store.
type fakeShadowStore struct {
	findErr   error
	updateErr error
	found     *store.ShadowUser
	created   []*store.ShadowUser
}

func (f *fakeShadowStore) FindShadowUser(context.Context, int64) (*store.ShadowUser, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.found, nil
}

func (f *fakeShadowStore) CreateShadowUser(_ context.Context, u *store.ShadowUser) error {
	f.created = append(f.created, u)
	return nil
}

func (f *fakeShadowStore) UpdateShadowUser(context.Context, *store.ShadowUser) error {
	return f.updateErr
}

func TestShadowProjector_StoreErrorIsRetryable(t *testing.T) {
	f := &fakeShadowStore{findErr: errors.New("connection reset")}
	err := NewShadowProjector(f).Apply(context.Background(), sampleEvent())
	if err == nil || retry.IsPermanent(err) {
		t.Errorf("err = %v, want retryable error", err)
	}
}

func TestShadowProjector_RowVanishedBetweenFindAndUpdate(t *testing.T) {
	f := &fakeShadowStore{found: &store.ShadowUser{ID: 1, ReferenceID: 42}, updateErr: store.ErrNotFound}
	if err := NewShadowProjector(f).Apply(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(f.created) != 1 || f.created[0].ReferenceID != 42 {
		t.Errorf("created = %+v", f.created)
	}
}

func TestBindings(t *testing.T) {
	c := NewCacheProjector(cache.NewService(cache.NewMemoryStore(nil))).Binding("auth")
	s := NewShadowProjector(&fakeShadowStore{}).Binding("products")

	if c.Topic() != events.TopicUserModified || c.Group() != "auth" {
		t.Errorf("cache binding = %s/%s", c.Topic(), c.Group())
	}
	if s.Topic() != events.TopicUserModified || s.Group() != "products" {
		t.Errorf("shadow binding = %s/%s", s.Topic(), s.Group())
	}
}
