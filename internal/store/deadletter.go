package store

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is a message parked after its handler kept failing. Value
// holds JSON text; Raw marks a payload that was not JSON and was stored as
// a JSON string, base64 encoded when Base64 is set.
type DeadLetter struct {
	ID        string
	Topic     string
	Partition int32
	Offset    int64
	Value     string
	Raw       bool
	Base64    bool
	Error     string
	CreatedAt time.Time
}

func (db *DB) InsertDeadLetter(ctx context.Context, d DeadLetter) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO dlq (id, topic, kafka_partition, kafka_offset, value, raw, base64, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.Topic, d.Partition, d.Offset, d.Value, d.Raw, d.Base64, d.Error, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the oldest records first. An empty topic matches
// every topic; limit <= 0 means no limit.
func (db *DB) ListDeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error) {
	query := `SELECT id, topic, kafka_partition, kafka_offset, value, raw, base64, error, created_at FROM dlq`
	var args []any
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d         DeadLetter
			createdAt sqlTime
		)
		if err := rows.Scan(&d.ID, &d.Topic, &d.Partition, &d.Offset, &d.Value, &d.Raw, &d.Base64, &d.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		d.CreatedAt = createdAt.Time
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, db.rebind(`DELETE FROM dlq WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
