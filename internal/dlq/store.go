package dlq

import (
	"context"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/store"
)

// Store is the persistence used by StoreWriter and Replayer.
// *store.DB implements it.
type Store interface {
	InsertDeadLetter(ctx context.Context, d store.DeadLetter) error
	ListDeadLetters(ctx context.Context, topic string, limit int) ([]store.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// StoreWriter writes records to the dlq table.
type StoreWriter struct {
	store Store
}

func NewStoreWriter(s Store) *StoreWriter {
	return &StoreWriter{store: s}
}

func (w *StoreWriter) Write(ctx context.Context, rec Record, _ bus.Message) error {
	return w.store.InsertDeadLetter(ctx, toRow(rec))
}

func toRow(rec Record) store.DeadLetter {
	return store.DeadLetter{
		ID:        rec.ID,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Value:     string(rec.Value),
		Raw:       rec.Raw,
		Base64:    rec.Base64,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
	}
}

// FromRow converts a stored row back to a Record.
func FromRow(d store.DeadLetter) Record {
	return Record{
		ID:        d.ID,
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
		Value:     []byte(d.Value),
		Raw:       d.Raw,
		Base64:    d.Base64,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
	}
}
