package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/argus-nvr/argus/internal/database"
)

// SessionRepo persists refresh-token sessions.
type SessionRepo struct {
	db *database.DB
}

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (jti, user_id, created_at, expires_at, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.JTI, s.UserID, s.CreatedAt.Unix(), s.ExpiresAt.Unix(), s.IP, s.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by JTI.
func (r *SessionRepo) Get(ctx context.Context, jti string) (*Session, error) {
	s := &Session{}
	var createdAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT jti, user_id, created_at, expires_at, ip, user_agent
		FROM sessions WHERE jti = ?
	`, jti).Scan(&s.JTI, &s.UserID, &createdAt, &expiresAt, &s.IP, &s.UserAgent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return s, nil
}

// Validate reports whether the session identified by jti is valid at now:
// the row exists, has not expired, and was created at or after the owner's
// tokens_valid_from cutoff.
func (r *SessionRepo) Validate(ctx context.Context, jti string, now time.Time) (bool, error) {
	var ok int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.jti = ?
		  AND s.expires_at > ?
		  AND u.tokens_valid_from <= s.created_at
	`, jti, now.Unix()).Scan(&ok)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rotate atomically replaces an old session with a new one. Used on
// refresh-token rotation so a stolen old token dies with the rotation.
func (r *SessionRepo) Rotate(ctx context.Context, oldJTI string, s *Session) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE jti = ?", oldJTI)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (jti, user_id, created_at, expires_at, ip, user_agent)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.JTI, s.UserID, s.CreatedAt.Unix(), s.ExpiresAt.Unix(), s.IP, s.UserAgent)
		return err
	})
}

// Delete removes a single session.
func (r *SessionRepo) Delete(ctx context.Context, jti string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE jti = ?", jti)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteExpired removes sessions past their expiry. Returns the count.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
