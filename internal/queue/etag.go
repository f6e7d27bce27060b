package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"thirdcoast.systems/clipqueue/internal/db"
)

// etagCell caches the state fingerprint. Mutations flag it dirty via an
// atomic so they never take the cell lock while holding the manager lock.
type etagCell struct {
	mu    sync.Mutex
	value string
	dirty atomic.Bool
}

func (c *etagCell) invalidate() {
	c.dirty.Store(true)
}

type clipDigest struct {
	ID         string `json:"id"`
	Submitters int    `json:"submitters"`
}

type historyDigest struct {
	LogID    int64  `json:"logId"`
	ClipID   string `json:"clipId"`
	PlayedAt string `json:"playedAt"`
}

type stateDigest struct {
	Current  *clipDigest     `json:"current"`
	Queue    []clipDigest    `json:"queue"`
	History  []historyDigest `json:"history"`
	IsOpen   bool            `json:"isOpen"`
	Settings db.Settings     `json:"settings"`
}

// Fingerprint returns the SHA-256 hex digest of the visible state. The value
// is cached until the next mutation; settings changes must invalidate through
// InvalidateETag since settings are an input, not manager state.
func (m *Manager) Fingerprint(settings db.Settings) (string, error) {
	m.etag.mu.Lock()
	defer m.etag.mu.Unlock()

	if !m.etag.dirty.Load() && m.etag.value != "" {
		return m.etag.value, nil
	}
	// Clear before snapshotting: a mutation racing the snapshot re-flags and
	// the next read recomputes.
	m.etag.dirty.Store(false)

	snap := m.Snapshot()
	digest := stateDigest{
		Queue:    make([]clipDigest, 0, len(snap.Upcoming)),
		History:  make([]historyDigest, 0, len(snap.PlayHistory)),
		IsOpen:   snap.IsOpen,
		Settings: settings,
	}
	if snap.Current != nil {
		digest.Current = &clipDigest{ID: snap.Current.ID, Submitters: len(snap.Current.Submitters)}
	}
	for _, c := range snap.Upcoming {
		digest.Queue = append(digest.Queue, clipDigest{ID: c.ID, Submitters: len(c.Submitters)})
	}
	for _, e := range snap.PlayHistory {
		digest.History = append(digest.History, historyDigest{
			LogID:    e.ID,
			ClipID:   e.ClipID,
			PlayedAt: e.PlayedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	payload, err := json.Marshal(digest)
	if err != nil {
		return "", fmt.Errorf("failed to encode state digest: %w", err)
	}
	sum := sha256.Sum256(payload)
	m.etag.value = hex.EncodeToString(sum[:])
	return m.etag.value, nil
}

// InvalidateETag forces the next Fingerprint call to recompute. Called by the
// command engine after settings mutations.
func (m *Manager) InvalidateETag() {
	m.etag.invalidate()
}
