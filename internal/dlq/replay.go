package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/correlation"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

// ReplayResult counts the outcome of a replay run.
type ReplayResult struct {
	Replayed int
	Failed   int
}

// Replayer re-publishes stored dead letters to their original topic and
// deletes each one once the broker acknowledged it.
type Replayer struct {
	store     Store
	producers bus.ProducerSource
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewReplayer creates a replayer sending at most perSecond records per
// second. perSecond <= 0 disables throttling.
func NewReplayer(s Store, producers bus.ProducerSource, perSecond float64, logger *slog.Logger) *Replayer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		store:     s,
		producers: producers,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Replay sends up to limit records of topic (all topics when empty). A
// failing record is counted and left in place; the run continues.
func (r *Replayer) Replay(ctx context.Context, topic string, limit int) (ReplayResult, error) {
	rows, err := r.store.ListDeadLetters(ctx, topic, limit)
	if err != nil {
		return ReplayResult{}, err
	}

	var res ReplayResult
	var errs []error
	for _, row := range rows {
		if err := r.limiter.Wait(ctx); err != nil {
			return res, errors.Join(append(errs, err)...)
		}
		rec := FromRow(row)
		if err := r.replayOne(ctx, rec); err != nil {
			res.Failed++
			errs = append(errs, err)
			r.logger.Error("replay failed", "dlq_id", rec.ID, "topic", rec.Topic, "error", err)
			continue
		}
		res.Replayed++
		r.logger.Info("replayed dead letter", "dlq_id", rec.ID, "topic", rec.Topic, "offset", rec.Offset)
	}
	return res, errors.Join(errs...)
}

func (r *Replayer) replayOne(ctx context.Context, rec Record) error {
	payload, err := rec.Payload()
	if err != nil {
		return err
	}
	client, err := r.producers.Get(ctx, rec.Topic)
	if err != nil {
		return fmt.Errorf("producer for %s: %w", rec.Topic, err)
	}

	record := &kgo.Record{
		Topic: rec.Topic,
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderID, Value: []byte(rec.ID)},
			{Key: correlation.HeaderCorrelationID, Value: []byte(correlation.ExtractOrGenerate(nil).Value)},
		},
	}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("republish %s: %w", rec.ID, err)
	}
	if err := r.store.DeleteDeadLetter(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete replayed %s: %w", rec.ID, err)
	}
	return nil
}
