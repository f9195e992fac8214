package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/kafka"
)

type idleConsumer struct{}

func (idleConsumer) Ping(context.Context) error { return nil }

func (idleConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	<-ctx.Done()
	return kgo.Fetches{}
}

func (idleConsumer) CommitRecords(context.Context, ...*kgo.Record) error { return nil }

func (idleConsumer) SetOffsets(map[string]map[int32]kgo.EpochOffset) {}

func (idleConsumer) Close() {}

type nopProducer struct{}

func (nopProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		out = append(out, kgo.ProduceResult{Record: r})
	}
	return out
}

func (nopProducer) Ping(context.Context) error { return nil }

func (nopProducer) Close() {}

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.Defaults()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.ClientID = "test"
	cfg.Consumer.GroupID = "test"
	cfg.Consumer.ReconnectDelay = 10 * time.Millisecond
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(t.TempDir(), "daemon.db")
	cfg.DLQ.Forward = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	d, err := New("test", &cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDialers(
			func(context.Context, string) (kafka.ProducerClient, error) { return nopProducer{}, nil },
			func(context.Context, kafka.Subscription) (kafka.ConsumerClient, error) { return idleConsumer{}, nil },
		),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestDaemon_ServeAndShutdown(t *testing.T) {
	d := testDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	db, err := d.OpenStore(ctx)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	m := d.Consumers(d.DeadLetters(db))
	c, err := m.Consume(ctx, "UserModified", "", func(context.Context, bus.Message) error { return nil })
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	var order []string
	d.OnShutdown("first", func(context.Context) error { order = append(order, "first"); return nil })
	d.OnShutdown("second", func(context.Context) error { order = append(order, "second"); return nil })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("service never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code, body := get(t, base+"/metrics"); code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Errorf("/metrics = %d", code)
	}
	if code, _ := get(t, base+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(ShutdownTimeout):
		t.Fatal("Serve did not return")
	}

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("shutdown order = %v", order)
	}
	if c.State() != bus.StateStopped {
		t.Errorf("consumer state = %v, want stopped", c.State())
	}
	if err := db.PingContext(context.Background()); err == nil {
		t.Error("database should be closed after shutdown")
	}
}

func TestDaemon_ShutdownJoinsErrors(t *testing.T) {
	d := testDaemon(t)
	boom := errors.New("boom")
	ran := false
	d.OnShutdown("ok", func(context.Context) error { ran = true; return nil })
	d.OnShutdown("bad", func(context.Context) error { return boom })

	err := d.shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if !ran {
		t.Error("a failing step must not stop the others")
	}
}

func TestDaemon_ProducersIsShared(t *testing.T) {
	d := testDaemon(t)
	if d.Producers() != d.Producers() {
		t.Fatal("Producers must return one registry per process")
	}
	if len(d.closers) != 1 {
		t.Errorf("closers = %d, want 1", len(d.closers))
	}
}
