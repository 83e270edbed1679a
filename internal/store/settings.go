package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/argus-nvr/argus/internal/database"
)

// SettingsRepo persists the system-settings singleton row.
type SettingsRepo struct {
	db *database.DB
}

// Get returns the current settings. The row always exists.
func (r *SettingsRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	var floor sql.NullFloat64

	err := r.db.QueryRowContext(ctx,
		"SELECT retention_days, disk_floor_percent FROM settings WHERE id = 1").
		Scan(&s.RetentionDays, &floor)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if floor.Valid {
		s.DiskFloorPercent = &floor.Float64
	}
	return s, nil
}

// Update replaces the settings. RetentionDays must be at least 1; the
// schema CHECK enforces it and we surface that as ErrConflict.
func (r *SettingsRepo) Update(ctx context.Context, s *Settings) error {
	var floor sql.NullFloat64
	if s.DiskFloorPercent != nil {
		floor = sql.NullFloat64{Float64: *s.DiskFloorPercent, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		"UPDATE settings SET retention_days = ?, disk_floor_percent = ? WHERE id = 1",
		s.RetentionDays, floor)
	if err != nil {
		if isCheckViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
