package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// GetSettings reads the settings row. Returns pgx.ErrNoRows when the row has
// never been written.
func (s *Queries) GetSettings(ctx context.Context) (*Settings, error) {
	var payload []byte
	err := s.q.QueryRow(ctx, `SELECT payload FROM settings WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(payload, &settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if settings.migrate() {
		slog.Info("migrated stored settings to current version", "version", settings.Version)
		if err := s.UpdateSettings(ctx, &settings); err != nil {
			return nil, err
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateSettings validates and writes the single settings row.
func (s *Queries) UpdateSettings(ctx context.Context, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO settings (id, payload, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// InitSettings loads the settings row, reinitializing defaults when it is
// missing or no longer parses. The reinitialization is logged once.
func (s *Queries) InitSettings(ctx context.Context) (*Settings, error) {
	settings, err := s.GetSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, ErrInvalidSettings) {
		return nil, err
	}

	slog.Warn("settings row missing or invalid, writing defaults", "error", err)
	defaults := DefaultSettings()
	if err := s.UpdateSettings(ctx, &defaults); err != nil {
		return nil, err
	}
	return &defaults, nil
}
