package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a row of the authoritative users table owned by the auth service.
type User struct {
	ID        int64
	Name      string
	Email     string
	HashedRT  *string
	Status    string
	UpdatedAt time.Time
}

func (db *DB) FindUser(ctx context.Context, id int64) (*User, error) {
	var (
		u         User
		hashedRT  sql.NullString
		updatedAt sqlTime
	)
	err := db.QueryRowContext(ctx,
		db.rebind(`SELECT id, name, email, hashed_rt, status, updated_at FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Name, &u.Email, &hashedRT, &u.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", id, err)
	}
	if hashedRT.Valid {
		u.HashedRT = &hashedRT.String
	}
	u.UpdatedAt = updatedAt.Time
	return &u, nil
}

// SaveUser inserts u when u.ID is zero and updates it otherwise. UpdatedAt
// is stamped with now.
func (db *DB) SaveUser(ctx context.Context, u *User, now time.Time) error {
	u.UpdatedAt = now.UTC()
	if u.Status == "" {
		u.Status = "ACTIVE"
	}
	if u.ID == 0 {
		err := db.QueryRowContext(ctx, db.rebind(`
			INSERT INTO users (name, email, hashed_rt, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			u.Name, u.Email, nullString(u.HashedRT), u.Status, u.UpdatedAt,
		).Scan(&u.ID)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	}

	res, err := db.ExecContext(ctx, db.rebind(`
		UPDATE users SET name = ?, email = ?, hashed_rt = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		u.Name, u.Email, nullString(u.HashedRT), u.Status, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
