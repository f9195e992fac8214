package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lsm/usersync/internal/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeConsumer serves scripted fetches, then blocks until the poll context
// ends, like an idle broker. When redeliver is set every rewind queues that
// fetch again, the way a broker hands back a rewound partition.
type fakeConsumer struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	committed map[int32][]int64
	rewinds   []kgo.EpochOffset
	rewoundAt []time.Time
	redeliver kgo.Fetches
	closed    bool
}

func newFakeConsumer(batches ...kgo.Fetches) *fakeConsumer {
	return &fakeConsumer{batches: batches, committed: map[int32][]int64{}}
}

func (f *fakeConsumer) Ping(context.Context) error { return nil }

func (f *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

// CommitRecords mirrors kgo: the committed cursor is the offset after the record.
func (f *fakeConsumer) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		f.committed[r.Partition] = append(f.committed[r.Partition], r.Offset+1)
	}
	return nil
}

func (f *fakeConsumer) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, parts := range offsets {
		for _, eo := range parts {
			f.rewinds = append(f.rewinds, eo)
			f.rewoundAt = append(f.rewoundAt, time.Now())
		}
	}
	if f.redeliver != nil {
		f.batches = append(f.batches, f.redeliver)
	}
}

func (f *fakeConsumer) rewindTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.rewoundAt...)
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConsumer) commits(partition int32) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed[partition]...)
}

func (f *fakeConsumer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func dialerFor(c kafka.ConsumerClient) kafka.ConsumerDialer {
	return func(context.Context, kafka.Subscription) (kafka.ConsumerClient, error) {
		return c, nil
	}
}

func fetch(topic string, partition int32, values map[int64]string) kgo.Fetches {
	offsets := make([]int64, 0, len(values))
	for o := range values {
		offsets = append(offsets, o)
	}
	slices.Sort(offsets)
	records := make([]*kgo.Record, 0, len(values))
	for _, o := range offsets {
		records = append(records, &kgo.Record{
			Topic:       topic,
			Partition:   partition,
			Offset:      o,
			LeaderEpoch: 2,
			Value:       []byte(values[o]),
		})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: records}},
	}}}}
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	records []Message
	causes  []error
	err     error
}

func (f *fakeDeadLetter) Record(_ context.Context, msg Message, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, msg)
	f.causes = append(f.causes, cause)
	return nil
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stop(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}
