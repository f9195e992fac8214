package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/correlation"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	HeaderID            = "usersync-dlq-id"
	HeaderOriginalTopic = "usersync-original-topic"
	HeaderPartition     = "usersync-original-partition"
	HeaderOffset        = "usersync-original-offset"
	HeaderError         = "usersync-error-message"
	HeaderFailedAt      = "usersync-failed-at"
)

// TopicWriter forwards the original message to a dead letter topic with
// failure headers. Headers of the original message are kept.
type TopicWriter struct {
	producers bus.ProducerSource
	topicFn   func(topic string) string
}

// TopicOption configures a TopicWriter.
type TopicOption func(*TopicWriter)

// WithTopicFunc overrides the default "<topic>.dlq" naming.
func WithTopicFunc(fn func(topic string) string) TopicOption {
	return func(w *TopicWriter) { w.topicFn = fn }
}

func NewTopicWriter(producers bus.ProducerSource, opts ...TopicOption) *TopicWriter {
	w := &TopicWriter{
		producers: producers,
		topicFn:   func(topic string) string { return topic + ".dlq" },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *TopicWriter) Write(ctx context.Context, rec Record, msg bus.Message) error {
	topic := w.topicFn(msg.Topic)
	client, err := w.producers.Get(ctx, topic)
	if err != nil {
		return fmt.Errorf("dlq producer for %s: %w", topic, err)
	}

	headers := make(map[string]string, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderID] = rec.ID
	headers[HeaderOriginalTopic] = msg.Topic
	headers[HeaderPartition] = strconv.FormatInt(int64(msg.Partition), 10)
	headers[HeaderOffset] = strconv.FormatInt(msg.Offset, 10)
	headers[HeaderError] = rec.Error
	headers[HeaderFailedAt] = rec.CreatedAt.Format(time.RFC3339)
	if _, ok := headers[correlation.HeaderCorrelationID]; !ok {
		headers = correlation.AddToHeaders(headers, correlation.ExtractOrGenerate(msg.Headers))
	}

	record := &kgo.Record{Topic: topic, Key: msg.Key, Value: msg.Value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}
