package db

import (
	"context"
	"sync"
)

// SettingsCache provides thread-safe access to the channel settings. The
// command engine and the HTTP surface read from it on every request; writes
// go through the store first so the cache never holds unpersisted state.
type SettingsCache struct {
	mu       sync.RWMutex
	settings Settings
	dbc      *DatabaseConnection
}

// NewSettingsCache loads the settings row (initializing defaults when absent)
// and returns a cache seeded with it.
func NewSettingsCache(ctx context.Context, dbc *DatabaseConnection) (*SettingsCache, error) {
	settings, err := dbc.Queries(ctx).InitSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &SettingsCache{
		settings: *settings,
		dbc:      dbc,
	}, nil
}

// Get returns a copy of the current settings. Safe for concurrent reads.
func (c *SettingsCache) Get() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Update validates and persists new settings, then swaps the cached copy.
func (c *SettingsCache) Update(ctx context.Context, settings Settings) error {
	if err := c.dbc.Queries(ctx).UpdateSettings(ctx, &settings); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return nil
}

// Mutate applies fn to a copy of the current settings under the write lock,
// persists the result, and keeps the old value when persistence fails.
func (c *SettingsCache) Mutate(ctx context.Context, fn func(*Settings)) (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.settings
	fn(&next)
	if err := c.dbc.Queries(ctx).UpdateSettings(ctx, &next); err != nil {
		return c.settings, err
	}
	c.settings = next
	return next, nil
}
