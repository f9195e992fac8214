package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrCorrelationID  = "usersync.correlation_id"
	AttrEntityID       = "usersync.entity_id"
	AttrProjection     = "usersync.projection"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaGroup     = "messaging.kafka.consumer.group"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
)

const (
	SpanKafkaPublish    = "kafka.publish"
	SpanKafkaConsume    = "kafka.consume"
	SpanProjectionApply = "projection.apply"
	SpanDeadLetter      = "dlq.record"
)

// StartSpan starts a span on tracer. A nil tracer yields the span already
// in ctx, which is a no-op span when none is present.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func EntityAttr(id string) attribute.KeyValue {
	return attribute.String(AttrEntityID, id)
}

func ProjectionAttr(name string) attribute.KeyValue {
	return attribute.String(AttrProjection, name)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaGroupAttr(group string) attribute.KeyValue {
	return attribute.String(AttrKafkaGroup, group)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// IsTraced reports whether ctx carries a valid recording span.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
