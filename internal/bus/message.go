// Package bus publishes typed events to Kafka topics and consumes them
// through consumer groups with retry, dead-lettering and explicit commits.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lsm/usersync/internal/retry"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record delivered to a consumer.
type Message struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Headers     map[string]string
	Timestamp   time.Time
}

func messageFromRecord(r *kgo.Record) Message {
	msg := Message{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
		Key:         r.Key,
		Value:       r.Value,
		Headers:     make(map[string]string, len(r.Headers)),
		Timestamp:   r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

type messageKey struct{}

// ContextWithMessage returns ctx carrying msg for MessageFromContext.
func ContextWithMessage(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

// MessageFromContext returns the message being handled, if any.
func MessageFromContext(ctx context.Context) (Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(Message)
	return msg, ok
}

// Decode unmarshals the message value as JSON. Malformed payloads cannot
// succeed on retry, so the error is permanent.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		return v, retry.Permanent(fmt.Errorf("decode %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
	}
	return v, nil
}
