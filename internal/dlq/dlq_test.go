package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/correlation"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kgo"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "dlq.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// mockProducer records sends; err fails every send.
type mockProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rs...)
	return kgo.ProduceResults{{Record: rs[0], Err: m.err}}
}

func (m *mockProducer) Ping(context.Context) error { return nil }

func (m *mockProducer) Close() {}

type producers struct {
	p      *mockProducer
	topics []string
}

func (s *producers) Get(_ context.Context, topic string) (kafka.ProducerClient, error) {
	s.topics = append(s.topics, topic)
	return s.p, nil
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantValue string
		wantRaw   bool
		wantB64   bool
	}{
		{"json object", `{"id":"1"}`, `{"id":"1"}`, false, false},
		{"json number", `42`, `42`, false, false},
		{"plain text", `hello`, `"hello"`, true, false},
		{"truncated json", `{"id":`, `"{\"id\":"`, true, false},
		{"empty", ``, `""`, true, false},
		{"invalid utf-8", "\xffa\xfe", `"/2H+"`, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := bus.Message{Topic: "UserModified", Partition: 2, Offset: 11, Value: []byte(tt.value)}
			rec := NewRecord(msg, errors.New("boom"), fixedNow)

			if string(rec.Value) != tt.wantValue || rec.Raw != tt.wantRaw || rec.Base64 != tt.wantB64 {
				t.Errorf("value = %s raw = %v base64 = %v, want %s raw = %v base64 = %v",
					rec.Value, rec.Raw, rec.Base64, tt.wantValue, tt.wantRaw, tt.wantB64)
			}
			if !json.Valid(rec.Value) {
				t.Error("stored value must be valid JSON")
			}
			payload, err := rec.Payload()
			if err != nil || string(payload) != tt.value {
				t.Errorf("payload = %q, %v, want %q", payload, err, tt.value)
			}
			if rec.Topic != "UserModified" || rec.Partition != 2 || rec.Offset != 11 || rec.Error != "boom" {
				t.Errorf("record = %+v", rec)
			}
			if len(rec.ID) != 36 || !rec.CreatedAt.Equal(fixedNow) {
				t.Errorf("id = %q created = %v", rec.ID, rec.CreatedAt)
			}
		})
	}
}

func TestHandler_RecordPersistsToStore(t *testing.T) {
	db := openStore(t)
	h := NewHandler(NewStoreWriter(db), WithClock(func() time.Time { return fixedNow }))

	msg := bus.Message{Topic: "UserModified", Partition: 0, Offset: 3, Value: []byte("not json")}
	if err := h.Record(context.Background(), msg, errors.New("handler exploded")); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := db.ListDeadLetters(context.Background(), "UserModified", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := FromRow(rows[0])
	if got.Topic != "UserModified" || string(got.Value) != `"not json"` || !got.Raw || got.Error != "handler exploded" || got.Offset != 3 {
		t.Errorf("row = %+v", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, Record, bus.Message) error {
	return errors.New("disk full")
}

func TestHandler_RecordReturnsWriteError(t *testing.T) {
	h := NewHandler(failingWriter{})
	err := h.Record(context.Background(), bus.Message{Topic: "t"}, errors.New("x"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTopicWriter_Headers(t *testing.T) {
	mp := &mockProducer{}
	src := &producers{p: mp}
	h := NewHandler(NewTopicWriter(src), WithClock(func() time.Time { return fixedNow }))

	msg := bus.Message{
		Topic:     "UserModified",
		Partition: 1,
		Offset:    77,
		Key:       []byte("42"),
		Value:     []byte(`{"id":"42"}`),
		Headers:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
	if err := h.Record(context.Background(), msg, errors.New("db timeout")); err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(src.topics) != 1 || src.topics[0] != "UserModified.dlq" {
		t.Errorf("topics = %v", src.topics)
	}
	rec := mp.records[0]
	if string(rec.Key) != "42" || string(rec.Value) != `{"id":"42"}` {
		t.Errorf("record key=%q value=%q", rec.Key, rec.Value)
	}
	checks := map[string]string{
		HeaderOriginalTopic: "UserModified",
		HeaderPartition:     "1",
		HeaderOffset:        "77",
		HeaderError:         "db timeout",
		HeaderFailedAt:      "2024-06-01T12:00:00Z",
		"traceparent":       msg.Headers["traceparent"],
	}
	for k, want := range checks {
		if got := header(rec, k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}
	if got := header(rec, correlation.HeaderCorrelationID); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation id = %q, want trace id", got)
	}
	if header(rec, HeaderID) == "" {
		t.Error("missing dlq id header")
	}
}

func TestTopicWriter_CustomTopicAndError(t *testing.T) {
	mp := &mockProducer{err: errors.New("broker down")}
	src := &producers{p: mp}
	w := NewTopicWriter(src, WithTopicFunc(func(string) string { return "parking-lot" }))

	err := w.Write(context.Background(), Record{ID: "x"}, bus.Message{Topic: "UserModified"})
	if err == nil {
		t.Fatal("expected error")
	}
	if src.topics[0] != "parking-lot" {
		t.Errorf("topic = %q", src.topics[0])
	}
}

func TestReplayer(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	h := NewHandler(NewStoreWriter(db))

	_ = h.Record(ctx, bus.Message{Topic: "UserModified", Offset: 1, Value: []byte(`{"id":"1"}`)}, errors.New("a"))
	_ = h.Record(ctx, bus.Message{Topic: "UserModified", Offset: 2, Value: []byte(`oops`)}, errors.New("b"))
	_ = h.Record(ctx, bus.Message{Topic: "Other", Offset: 3, Value: []byte(`{}`)}, errors.New("c"))

	mp := &mockProducer{}
	r := NewReplayer(db, &producers{p: mp}, 0, nil)

	res, err := r.Replay(ctx, "UserModified", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Replayed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}

	values := map[string]bool{}
	for _, rec := range mp.records {
		if rec.Topic != "UserModified" {
			t.Errorf("replayed to %q", rec.Topic)
		}
		values[string(rec.Value)] = true
	}
	if !values[`{"id":"1"}`] || !values[`oops`] {
		t.Errorf("replayed values = %v", values)
	}

	left, _ := db.ListDeadLetters(ctx, "", 0)
	if len(left) != 1 || left[0].Topic != "Other" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestReplayer_FailureKeepsRecord(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	_ = NewHandler(NewStoreWriter(db)).Record(ctx, bus.Message{Topic: "t", Value: []byte(`{}`)}, errors.New("x"))

	r := NewReplayer(db, &producers{p: &mockProducer{err: errors.New("broker down")}}, 100, nil)
	res, err := r.Replay(ctx, "", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Failed != 1 || res.Replayed != 0 {
		t.Errorf("result = %+v", res)
	}
	if left, _ := db.ListDeadLetters(ctx, "", 0); len(left) != 1 {
		t.Errorf("record must stay after failed replay, have %d", len(left))
	}
}

func TestReplayer_ContextCancelled(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = NewHandler(NewStoreWriter(db)).Record(ctx, bus.Message{Topic: "t", Offset: int64(i), Value: []byte(`{}`)}, errors.New("x"))
	}

	// One token per hour: the first record goes through, the second waits.
	r := NewReplayer(db, &producers{p: &mockProducer{}}, 1.0/3600, nil)
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	res, err := r.Replay(cctx, "t", 0)
	if err == nil {
		t.Fatal("expected context error")
	}
	if res.Replayed != 1 {
		t.Errorf("replayed = %d, want 1", res.Replayed)
	}
}

type writerFunc func(ctx context.Context, rec Record, msg bus.Message) error

func (f writerFunc) Write(ctx context.Context, rec Record, msg bus.Message) error {
	return f(ctx, rec, msg)
}

func TestHandler_ForwardsAfterStoring(t *testing.T) {
	var order []string
	stored := writerFunc(func(context.Context, Record, bus.Message) error {
		order = append(order, "store")
		return nil
	})
	forward := writerFunc(func(context.Context, Record, bus.Message) error {
		order = append(order, "forward")
		return nil
	})

	h := NewHandler(stored, WithForward(forward))
	if err := h.Record(context.Background(), bus.Message{Topic: "t"}, errors.New("x")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(order) != 2 || order[0] != "store" || order[1] != "forward" {
		t.Errorf("order = %v", order)
	}
}

func TestHandler_StoreFailureSkipsForward(t *testing.T) {
	forwarded := false
	forward := writerFunc(func(context.Context, Record, bus.Message) error {
		forwarded = true
		return nil
	})

	h := NewHandler(failingWriter{}, WithForward(forward))
	if err := h.Record(context.Background(), bus.Message{Topic: "t"}, errors.New("x")); err == nil {
		t.Fatal("expected store error")
	}
	if forwarded {
		t.Error("forwarded a record that was not stored")
	}
}

func TestHandler_ForwardFailureKeepsOneRow(t *testing.T) {
	db := openStore(t)
	src := &producers{p: &mockProducer{err: errors.New("UNKNOWN_TOPIC_OR_PARTITION")}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := NewHandler(NewStoreWriter(db), WithForward(NewTopicWriter(src)), WithMetrics(metrics))

	// A failed Record rewinds the consumer, so an error here would park the
	// same offset again on every redelivery.
	msg := bus.Message{Topic: "UserModified", Partition: 0, Offset: 3, Value: []byte("garbage")}
	if err := h.Record(context.Background(), msg, errors.New("bad payload")); err != nil {
		t.Fatalf("record with failing forward: %v", err)
	}

	rows, err := db.ListDeadLetters(context.Background(), "UserModified", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
	if got := testutil.ToFloat64(metrics.DeadLetterForwardErrors.WithLabelValues("UserModified")); got != 1 {
		t.Errorf("forward errors = %v, want 1", got)
	}
	if len(src.topics) != 1 || src.topics[0] != "UserModified.dlq" {
		t.Errorf("forward topics = %v", src.topics)
	}
}
