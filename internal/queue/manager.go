// Package queue owns the volatile queue state: the popularity-ordered queue
// of approved clips, the currently playing clip, and the bounded play-history
// ring with its replay cursor. Every transition persists through the store
// before the in-memory state changes, so a failed write leaves the observable
// state untouched.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"thirdcoast.systems/clipqueue/internal/db"
)

// HistoryCap bounds the in-memory play-history ring.
const HistoryCap = 100

// LiveCursor is the history position while the queue plays normally; any
// value >= 0 indexes into the ring during replay navigation.
const LiveCursor = -1

var (
	ErrClipNotInQueue   = errors.New("clip not in queue")
	ErrClipNotInHistory = errors.New("clip not in history")
)

// Store is the slice of the clip store the queue model persists through.
// *db.DatabaseConnection satisfies it.
type Store interface {
	PlayTransition(ctx context.Context, newCurrentID string, displacedLogID int64) (int64, error)
	RequeueClip(ctx context.Context, id string) error
	ClearQueueClips(ctx context.Context) ([]string, error)
	ClearPlayHistory(ctx context.Context) error
}

type queued struct {
	clip *db.Clip
	seq  int64
}

// Manager is the single mutator of volatile queue state. Its mutex is the
// queue-operation mutex: one transition runs at a time, store write included.
type Manager struct {
	mu    sync.Mutex
	store Store

	current      *db.Clip
	currentLogID int64 // open play_log row for the live current; 0 otherwise
	queue        []queued
	nextSeq      int64
	history      []*db.PlayLogEntry
	historyPos   int
	open         bool

	etag etagCell
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:      store,
		historyPos: LiveCursor,
		open:       true,
	}
}

// Load seeds the model from the store at startup: approved clips in
// submission order, recent play-log entries oldest first.
func (m *Manager) Load(approved []*db.Clip, history []*db.PlayLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = m.queue[:0]
	for _, c := range approved {
		m.queue = append(m.queue, queued{clip: c, seq: m.nextSeq})
		m.nextSeq++
	}
	m.sortQueueLocked()

	if len(history) > HistoryCap {
		history = history[len(history)-HistoryCap:]
	}
	m.history = append(m.history[:0], history...)
	m.historyPos = LiveCursor
	m.etag.invalidate()
}

// popularity order: submitter count descending, insertion sequence on ties.
func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		si, sj := len(m.queue[i].clip.Submitters), len(m.queue[j].clip.Submitters)
		if si != sj {
			return si > sj
		}
		return m.queue[i].seq < m.queue[j].seq
	})
}

func (m *Manager) indexOfLocked(id string) int {
	for i, q := range m.queue {
		if q.clip.ID == id {
			return i
		}
	}
	return -1
}

// Includes reports whether the queue holds the clip, by UUID.
func (m *Manager) Includes(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexOfLocked(id) != -1
}

// Enqueue inserts or replaces the clip and re-sorts. A clip already present
// (same UUID) keeps its insertion sequence so a popularity tie cannot demote
// it.
func (m *Manager) Enqueue(clip *db.Clip) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexOfLocked(clip.ID); i != -1 {
		m.queue[i].clip = clip
	} else {
		m.queue = append(m.queue, queued{clip: clip, seq: m.nextSeq})
		m.nextSeq++
	}
	m.sortQueueLocked()
	m.etag.invalidate()
}

// RemoveFromQueue drops the clip from the in-memory queue, by UUID.
func (m *Manager) RemoveFromQueue(id string) (*db.Clip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOfLocked(id)
	if i == -1 {
		return nil, false
	}
	clip := m.queue[i].clip
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
	m.etag.invalidate()
	return clip, true
}

// Size returns the queue length, current excluded.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Current returns the clip being shown, or nil.
func (m *Manager) Current() *db.Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsOpen reports whether submissions are accepted.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// SetOpen toggles intake. Idempotent.
func (m *Manager) SetOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == open {
		return
	}
	m.open = open
	m.etag.invalidate()
}

// appendHistoryLocked pushes an entry onto the ring, evicting the oldest
// beyond capacity.
func (m *Manager) appendHistoryLocked(e *db.PlayLogEntry) {
	m.history = append(m.history, e)
	if len(m.history) > HistoryCap {
		m.history = m.history[len(m.history)-HistoryCap:]
	}
}

// displaceCurrentLocked builds the ring entry for the live current and
// appends it. Replayed currents are already in the ring and are not
// re-appended.
func (m *Manager) displaceCurrentLocked(completedAt time.Time) {
	if m.current == nil || m.historyPos != LiveCursor || m.currentLogID == 0 {
		return
	}
	playedAt := completedAt
	if m.current.PlayedAt != nil {
		playedAt = *m.current.PlayedAt
	}
	playedFor := completedAt.Sub(playedAt).Seconds()
	m.appendHistoryLocked(&db.PlayLogEntry{
		ID:          m.currentLogID,
		ClipID:      m.current.ID,
		Clip:        m.current,
		PlayedAt:    playedAt,
		PlayedFor:   &playedFor,
		CompletedAt: &completedAt,
	})
}

// Advance moves the queue head into current. The displaced live current is
// completed and appended to the ring; with an empty queue current becomes nil
// and no play record is written. Always returns to the live cursor.
func (m *Manager) Advance(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *db.Clip
	if len(m.queue) > 0 {
		next = m.queue[0].clip
	}
	return m.playLocked(ctx, next)
}

// Play moves an arbitrary queued clip into current.
func (m *Manager) Play(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOfLocked(id)
	if i == -1 {
		return ErrClipNotInQueue
	}
	return m.playLocked(ctx, m.queue[i].clip)
}

func (m *Manager) playLocked(ctx context.Context, next *db.Clip) error {
	nextID := ""
	if next != nil {
		nextID = next.ID
	}

	displacedLog := int64(0)
	if m.current != nil && m.historyPos == LiveCursor {
		displacedLog = m.currentLogID
	}

	logID, err := m.store.PlayTransition(ctx, nextID, displacedLog)
	if err != nil {
		return err
	}

	now := time.Now()
	m.displaceCurrentLocked(now)
	if next != nil {
		if i := m.indexOfLocked(next.ID); i != -1 {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
		}
		next.Status = db.StatusPlayed
		next.PlayedAt = &now
	}
	m.current = next
	m.currentLogID = logID
	m.historyPos = LiveCursor
	m.etag.invalidate()
	return nil
}

// Previous pops the newest ring entry back into current and returns the
// displaced current to the front of the queue as approved. No play record is
// written or completed. Empty ring: no-op.
func (m *Manager) Previous(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return nil
	}

	if m.current != nil {
		if err := m.store.RequeueClip(ctx, m.current.ID); err != nil {
			return err
		}
	}

	last := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]

	if m.current != nil {
		m.current.Status = db.StatusApproved
		m.queue = append([]queued{{clip: m.current, seq: m.nextSeq}}, m.queue...)
		m.nextSeq++
	}
	m.current = last.Clip
	m.currentLogID = last.ID
	m.etag.invalidate()
	return nil
}

// JumpToHistoryClip replays a clip from the ring without a new play record.
// A live current is completed and appended to the ring first; the cursor
// moves to the replayed entry.
func (m *Manager) JumpToHistoryClip(ctx context.Context, clipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ClipID == clipID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrClipNotInHistory
	}
	entry := m.history[idx]

	displacedLog := int64(0)
	if m.current != nil && m.historyPos == LiveCursor {
		displacedLog = m.currentLogID
	}
	if displacedLog > 0 {
		if _, err := m.store.PlayTransition(ctx, "", displacedLog); err != nil {
			return err
		}
	}

	m.displaceCurrentLocked(time.Now())
	m.current = entry.Clip
	m.currentLogID = entry.ID
	m.historyPos = idx
	m.etag.invalidate()
	return nil
}

// RemoveHistoryEntries drops every ring entry for the clip, fixing up the
// cursor. Returns the number removed.
func (m *Manager) RemoveHistoryEntries(clipID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.history[:0]
	removed := 0
	pos := m.historyPos
	for i, e := range m.history {
		if e.ClipID == clipID {
			removed++
			switch {
			case pos == LiveCursor:
			case i == m.historyPos:
				// The replayed entry itself is gone: back to live.
				pos = LiveCursor
			case i < m.historyPos && pos > 0:
				pos--
			}
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}
	m.history = kept
	m.historyPos = pos
	m.etag.invalidate()
	return removed
}

// ClearQueue rejects-and-deletes every approved clip in the store and empties
// the in-memory queue. Current is preserved.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.ClearQueueClips(ctx); err != nil {
		return err
	}
	m.queue = m.queue[:0]
	m.etag.invalidate()
	return nil
}

// ClearHistory empties the ring and deletes played clips with their play
// records. The in-memory current survives even when its row is dropped.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearPlayHistory(ctx); err != nil {
		return err
	}
	m.history = m.history[:0]
	m.historyPos = LiveCursor
	m.currentLogID = 0
	m.etag.invalidate()
	return nil
}

// Snapshot is the consistent view served to clients.
type Snapshot struct {
	Current         *db.Clip           `json:"current"`
	Upcoming        []*db.Clip         `json:"upcoming"`
	PlayHistory     []*db.PlayLogEntry `json:"playHistory"`
	HistoryPosition int                `json:"historyPosition"`
	IsOpen          bool               `json:"isOpen"`
}

// Snapshot captures the full visible state under one lock acquisition.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	upcoming := make([]*db.Clip, len(m.queue))
	for i, q := range m.queue {
		upcoming[i] = q.clip
	}
	history := make([]*db.PlayLogEntry, len(m.history))
	copy(history, m.history)

	return Snapshot{
		Current:         m.current,
		Upcoming:        upcoming,
		PlayHistory:     history,
		HistoryPosition: m.historyPos,
		IsOpen:          m.open,
	}
}
