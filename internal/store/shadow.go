package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ShadowUser is the product service's local copy of a user, keyed by the
// id the user has in the authoritative store.
type ShadowUser struct {
	ID          int64
	ReferenceID int64
	Name        string
	Email       string
	HashedRT    *string
	Status      string
	UpdatedAt   time.Time
}

const shadowColumns = `id, reference_id, name, email, hashed_rt, status, updated_at`

func scanShadow(row interface{ Scan(...any) error }) (*ShadowUser, error) {
	var (
		u         ShadowUser
		hashedRT  sql.NullString
		updatedAt sqlTime
	)
	if err := row.Scan(&u.ID, &u.ReferenceID, &u.Name, &u.Email, &hashedRT, &u.Status, &updatedAt); err != nil {
		return nil, err
	}
	if hashedRT.Valid {
		u.HashedRT = &hashedRT.String
	}
	u.UpdatedAt = updatedAt.Time
	return &u, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FindShadowUser returns ErrNotFound when no row has referenceID.
func (db *DB) FindShadowUser(ctx context.Context, referenceID int64) (*ShadowUser, error) {
	row := db.QueryRowContext(ctx,
		db.rebind(`SELECT `+shadowColumns+` FROM shadow_users WHERE reference_id = ?`), referenceID)
	u, err := scanShadow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find shadow user %d: %w", referenceID, err)
	}
	return u, nil
}

// CreateShadowUser inserts u and sets u.ID. If another writer inserted the
// same reference id first, that row is overwritten instead.
func (db *DB) CreateShadowUser(ctx context.Context, u *ShadowUser) error {
	err := db.QueryRowContext(ctx, db.rebind(`
		INSERT INTO shadow_users (reference_id, name, email, hashed_rt, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			hashed_rt = excluded.hashed_rt,
			status = excluded.status,
			updated_at = excluded.updated_at
		RETURNING id`),
		u.ReferenceID, u.Name, u.Email, nullString(u.HashedRT), u.Status, u.UpdatedAt.UTC(),
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create shadow user %d: %w", u.ReferenceID, err)
	}
	return nil
}

// UpdateShadowUser overwrites every column of the row with u.ReferenceID.
func (db *DB) UpdateShadowUser(ctx context.Context, u *ShadowUser) error {
	res, err := db.ExecContext(ctx, db.rebind(`
		UPDATE shadow_users
		SET name = ?, email = ?, hashed_rt = ?, status = ?, updated_at = ?
		WHERE reference_id = ?`),
		u.Name, u.Email, nullString(u.HashedRT), u.Status, u.UpdatedAt.UTC(), u.ReferenceID,
	)
	if err != nil {
		return fmt.Errorf("update shadow user %d: %w", u.ReferenceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update shadow user %d: %w", u.ReferenceID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListShadowUsers(ctx context.Context) ([]ShadowUser, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+shadowColumns+` FROM shadow_users ORDER BY reference_id`)
	if err != nil {
		return nil, fmt.Errorf("list shadow users: %w", err)
	}
	defer rows.Close()

	var users []ShadowUser
	for rows.Next() {
		u, err := scanShadow(rows)
		if err != nil {
			return nil, fmt.Errorf("list shadow users: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (db *DB) CountShadowUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shadow_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count shadow users: %w", err)
	}
	return n, nil
}
