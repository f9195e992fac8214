package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// PartitionLag is the distance between a group's committed cursor and the
// partition end.
type PartitionLag struct {
	Topic     string
	Partition int32
	Committed int64 // -1 when the group has not committed yet
	End       int64
	Lag       int64
}

// Admin inspects the cluster: reachability and consumer group cursors.
type Admin struct {
	raw    *kgo.Client
	client *kadm.Client
}

// NewAdmin creates an admin client for cfg.
func NewAdmin(cfg *ClusterConfig) (*Admin, error) {
	opts, err := ClientOptions(cfg, "admin")
	if err != nil {
		return nil, err
	}
	raw, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka admin client: %w", err)
	}
	return &Admin{raw: raw, client: kadm.NewClient(raw)}, nil
}

// Ping checks that at least one broker answers.
func (a *Admin) Ping(ctx context.Context) error {
	return a.raw.Ping(ctx)
}

// GroupLag returns per-partition lag of group on topic, sorted by partition.
func (a *Admin) GroupLag(ctx context.Context, group, topic string) ([]PartitionLag, error) {
	committed, err := a.client.FetchOffsets(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("fetch offsets for group %s: %w", group, err)
	}
	ends, err := a.client.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets for %s: %w", topic, err)
	}

	var lags []PartitionLag
	for partition, end := range ends[topic] {
		if end.Err != nil {
			return nil, fmt.Errorf("end offset %s/%d: %w", topic, partition, end.Err)
		}
		lag := PartitionLag{
			Topic:     topic,
			Partition: partition,
			Committed: -1,
			End:       end.Offset,
			Lag:       end.Offset,
		}
		if resp, ok := committed[topic][partition]; ok && resp.Err == nil && resp.At >= 0 {
			lag.Committed = resp.At
			lag.Lag = end.Offset - resp.At
		}
		lags = append(lags, lag)
	}
	sort.Slice(lags, func(i, j int) bool { return lags[i].Partition < lags[j].Partition })
	return lags, nil
}

// Close releases the admin connection.
func (a *Admin) Close() {
	a.raw.Close()
}
