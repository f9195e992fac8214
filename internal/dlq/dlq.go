// Package dlq parks messages whose handlers kept failing, and replays them.
package dlq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/observability"
)

// Record is one dead-lettered message. Value is always valid JSON: the
// original payload when it parsed, otherwise the raw bytes as a JSON string.
// Bytes that are not valid UTF-8 are base64 encoded first so Payload can
// restore them exactly.
type Record struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Value     json.RawMessage `json:"value"`
	Raw       bool            `json:"raw"`
	Base64    bool            `json:"base64,omitempty"`
	Error     string          `json:"error"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewRecord builds a record for msg failing with cause.
func NewRecord(msg bus.Message, cause error, now time.Time) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		CreatedAt: now.UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	switch {
	case json.Valid(msg.Value):
		rec.Value = append(json.RawMessage(nil), msg.Value...)
	case utf8.Valid(msg.Value):
		rec.Value, _ = json.Marshal(string(msg.Value))
		rec.Raw = true
	default:
		rec.Value, _ = json.Marshal(base64.StdEncoding.EncodeToString(msg.Value))
		rec.Raw = true
		rec.Base64 = true
	}
	return rec
}

// Payload returns the bytes originally carried by the message.
func (r Record) Payload() ([]byte, error) {
	if !r.Raw {
		return r.Value, nil
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err != nil {
		return nil, fmt.Errorf("decode raw payload of %s: %w", r.ID, err)
	}
	if r.Base64 {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 payload of %s: %w", r.ID, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

// Writer persists a record. msg is the message it was built from.
type Writer interface {
	Write(ctx context.Context, rec Record, msg bus.Message) error
}

// Handler is the consumer's dead letter sink. The writer is the durable
// tier; the forward writer, when set, only mirrors it.
type Handler struct {
	writer  Writer
	forward Writer
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithForward mirrors every parked record to w after the durable write.
// Forward failures are logged and counted but never fail Record, so a
// redelivered message cannot be parked twice.
func WithForward(w Writer) Option {
	return func(h *Handler) { h.forward = w }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(w Writer, opts ...Option) *Handler {
	h := &Handler{
		writer: w,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record writes msg synchronously. A returned error means the message is
// not safely parked.
func (h *Handler) Record(ctx context.Context, msg bus.Message, cause error) error {
	rec := NewRecord(msg, cause, h.now())
	if err := h.writer.Write(ctx, rec, msg); err != nil {
		return fmt.Errorf("dead letter %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	if h.forward != nil {
		if err := h.forward.Write(ctx, rec, msg); err != nil {
			if h.metrics != nil {
				h.metrics.DeadLetterForwardErrors.WithLabelValues(msg.Topic).Inc()
			}
			h.logger.Error("dead letter forward failed",
				"dlq_id", rec.ID, "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
	h.logger.Warn("message dead-lettered",
		"dlq_id", rec.ID,
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"raw", rec.Raw,
		"error", rec.Error,
	)
	return nil
}

var _ bus.DeadLetter = (*Handler)(nil)
