package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/argus-nvr/argus/internal/database"
)

// UserRepo persists user accounts.
type UserRepo struct {
	db *database.DB
}

// Create inserts a new user. Returns ErrConflict when the email is taken.
func (r *UserRepo) Create(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, tokens_valid_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, strings.ToLower(user.Email), user.PasswordHash, user.DisplayName,
		user.TokensValidFrom.Unix(), user.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Get retrieves a user by id.
func (r *UserRepo) Get(ctx context.Context, id string) (*User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, tokens_valid_from, created_at
		FROM users WHERE id = ?
	`, id))
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, tokens_valid_from, created_at
		FROM users WHERE email = ?
	`, strings.ToLower(email)))
}

// UpdateDisplayName updates the display name.
func (r *UserRepo) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET display_name = ? WHERE id = ?", displayName, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdatePassword replaces the password hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// BumpTokensValidFrom revokes every session issued before now by moving
// the user's validity cutoff forward.
func (r *UserRepo) BumpTokensValidFrom(ctx context.Context, id string, t time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET tokens_valid_from = ? WHERE id = ?", t.Unix(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes the user. Cameras, segments, events and sessions cascade.
func (r *UserRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *UserRepo) scanOne(row *sql.Row) (*User, error) {
	user := &User{}
	var tokensValidFrom, createdAt int64

	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName,
		&tokensValidFrom, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.TokensValidFrom = time.Unix(tokensValidFrom, 0).UTC()
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return user, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
