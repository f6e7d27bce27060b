package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipqueue/internal/db"
)

type fakeStore struct {
	nextLog   int64
	played    []string
	completed []int64
	requeued  []string
	failWith  error
}

func (f *fakeStore) PlayTransition(_ context.Context, newCurrentID string, displacedLogID int64) (int64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	if displacedLogID > 0 {
		f.completed = append(f.completed, displacedLogID)
	}
	if newCurrentID == "" {
		return 0, nil
	}
	f.played = append(f.played, newCurrentID)
	f.nextLog++
	return f.nextLog, nil
}

func (f *fakeStore) RequeueClip(_ context.Context, id string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeStore) ClearQueueClips(context.Context) ([]string, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return nil, nil
}

func (f *fakeStore) ClearPlayHistory(context.Context) error {
	return f.failWith
}

func clip(id string, submitters ...string) *db.Clip {
	return &db.Clip{
		ID:         id,
		Status:     db.StatusApproved,
		Submitters: submitters,
	}
}

func queueIDs(m *Manager) []string {
	snap := m.Snapshot()
	ids := make([]string, len(snap.Upcoming))
	for i, c := range snap.Upcoming {
		ids[i] = c.ID
	}
	return ids
}

func TestPopularityOrder(t *testing.T) {
	m := NewManager(&fakeStore{})

	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2", "u3"))
	require.Equal(t, []string{"twitch:b", "twitch:a"}, queueIDs(m))

	// A gains a submitter: two-way tie, A was inserted first.
	m.Enqueue(clip("twitch:a", "u1", "u4"))
	require.Equal(t, []string{"twitch:a", "twitch:b"}, queueIDs(m))

	m.Enqueue(clip("twitch:c", "u5", "u6", "u7"))
	require.Equal(t, []string{"twitch:c", "twitch:a", "twitch:b"}, queueIDs(m))

	// Invariant: counts never increase down the queue.
	snap := m.Snapshot()
	for i := 1; i < len(snap.Upcoming); i++ {
		require.GreaterOrEqual(t,
			len(snap.Upcoming[i-1].Submitters),
			len(snap.Upcoming[i].Submitters))
	}
}

func TestIncludesAndRemove(t *testing.T) {
	m := NewManager(&fakeStore{})
	m.Enqueue(clip("kick:x", "u1"))

	require.True(t, m.Includes("kick:x"))
	require.False(t, m.Includes("kick:y"))

	removed, ok := m.RemoveFromQueue("kick:x")
	require.True(t, ok)
	require.Equal(t, "kick:x", removed.ID)
	require.False(t, m.Includes("kick:x"))

	_, ok = m.RemoveFromQueue("kick:x")
	require.False(t, ok)
}

func TestAdvance(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))

	require.NoError(t, m.Advance(context.Background()))
	snap := m.Snapshot()
	require.Equal(t, "twitch:a", snap.Current.ID)
	require.Equal(t, db.StatusPlayed, snap.Current.Status)
	require.Equal(t, []string{"twitch:b"}, queueIDs(m))
	require.Empty(t, snap.PlayHistory)
	require.Equal(t, []string{"twitch:a"}, store.played)

	// Second advance displaces A into the ring and completes its record.
	require.NoError(t, m.Advance(context.Background()))
	snap = m.Snapshot()
	require.Equal(t, "twitch:b", snap.Current.ID)
	require.Len(t, snap.PlayHistory, 1)
	require.Equal(t, "twitch:a", snap.PlayHistory[0].ClipID)
	require.NotNil(t, snap.PlayHistory[0].CompletedAt)
	require.Equal(t, []int64{1}, store.completed)
}

func TestAdvanceEmptyQueue(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))

	require.NoError(t, m.Advance(context.Background()))
	require.NoError(t, m.Advance(context.Background()))

	snap := m.Snapshot()
	require.Nil(t, snap.Current)
	require.Len(t, snap.PlayHistory, 1)
	// Only one play record was ever written.
	require.Equal(t, []string{"twitch:a"}, store.played)
}

func TestAdvanceThenPrevious(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))

	require.NoError(t, m.Advance(context.Background())) // current=a
	require.NoError(t, m.Advance(context.Background())) // current=b, ring=[a]

	require.NoError(t, m.Previous(context.Background()))
	snap := m.Snapshot()
	require.Equal(t, "twitch:a", snap.Current.ID)
	require.Empty(t, snap.PlayHistory)
	// B went back to the front of the queue as approved.
	require.Equal(t, []string{"twitch:b"}, queueIDs(m))
	require.Equal(t, db.StatusApproved, snap.Upcoming[0].Status)
	require.Equal(t, []string{"twitch:b"}, store.requeued)
	// Previous never writes a new play record.
	require.Equal(t, []string{"twitch:a", "twitch:b"}, store.played)
}

func TestPreviousEmptyHistoryNoop(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	require.NoError(t, m.Advance(context.Background()))

	require.NoError(t, m.Previous(context.Background()))
	require.Equal(t, "twitch:a", m.Current().ID)
	require.Empty(t, store.requeued)
}

func TestPlaySpecificClip(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))
	m.Enqueue(clip("twitch:c", "u3"))

	require.NoError(t, m.Play(context.Background(), "twitch:b"))
	snap := m.Snapshot()
	require.Equal(t, "twitch:b", snap.Current.ID)
	require.Equal(t, []string{"twitch:a", "twitch:c"}, queueIDs(m))

	require.ErrorIs(t, m.Play(context.Background(), "twitch:zzz"), ErrClipNotInQueue)
}

func TestJumpToHistoryClip(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))
	m.Enqueue(clip("twitch:c", "u3"))

	require.NoError(t, m.Advance(context.Background())) // a
	require.NoError(t, m.Advance(context.Background())) // b, ring=[a]
	require.NoError(t, m.Advance(context.Background())) // c, ring=[a,b]

	playedBefore := len(store.played)
	require.NoError(t, m.JumpToHistoryClip(context.Background(), "twitch:a"))

	snap := m.Snapshot()
	require.Equal(t, "twitch:a", snap.Current.ID)
	require.Equal(t, 0, snap.HistoryPosition)
	// The live current (c) was displaced into the ring, a stayed in place.
	require.Len(t, snap.PlayHistory, 3)
	require.Equal(t, "twitch:c", snap.PlayHistory[2].ClipID)
	// Replay writes no new play record.
	require.Equal(t, playedBefore, len(store.played))

	// Advancing from replay mode does not re-append the replayed entry.
	require.NoError(t, m.Advance(context.Background()))
	snap = m.Snapshot()
	require.Nil(t, snap.Current)
	require.Len(t, snap.PlayHistory, 3)
	require.Equal(t, LiveCursor, snap.HistoryPosition)

	require.ErrorIs(t, m.JumpToHistoryClip(context.Background(), "twitch:zzz"), ErrClipNotInHistory)
}

func TestRemoveHistoryEntries(t *testing.T) {
	m := NewManager(&fakeStore{})
	m.Load(nil, []*db.PlayLogEntry{
		{ID: 1, ClipID: "twitch:a", Clip: clip("twitch:a", "u1"), PlayedAt: time.Now()},
		{ID: 2, ClipID: "twitch:b", Clip: clip("twitch:b", "u2"), PlayedAt: time.Now()},
		{ID: 3, ClipID: "twitch:a", Clip: clip("twitch:a", "u1"), PlayedAt: time.Now()},
	})

	require.Equal(t, 2, m.RemoveHistoryEntries("twitch:a"))
	snap := m.Snapshot()
	require.Len(t, snap.PlayHistory, 1)
	require.Equal(t, "twitch:b", snap.PlayHistory[0].ClipID)

	require.Equal(t, 0, m.RemoveHistoryEntries("twitch:zzz"))
}

func TestClearQueuePreservesCurrent(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))
	require.NoError(t, m.Advance(context.Background()))

	require.NoError(t, m.ClearQueue(context.Background()))
	snap := m.Snapshot()
	require.NotNil(t, snap.Current)
	require.Empty(t, snap.Upcoming)
}

func TestClearHistory(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))
	m.Enqueue(clip("twitch:b", "u2"))
	require.NoError(t, m.Advance(context.Background()))
	require.NoError(t, m.Advance(context.Background()))

	require.NoError(t, m.ClearHistory(context.Background()))
	snap := m.Snapshot()
	require.Empty(t, snap.PlayHistory)
	require.Equal(t, LiveCursor, snap.HistoryPosition)
	require.NotNil(t, snap.Current)
}

func TestHistoryRingCapped(t *testing.T) {
	entries := make([]*db.PlayLogEntry, HistoryCap+20)
	for i := range entries {
		entries[i] = &db.PlayLogEntry{ID: int64(i + 1), ClipID: "twitch:x", Clip: clip("twitch:x"), PlayedAt: time.Now()}
	}
	m := NewManager(&fakeStore{})
	m.Load(nil, entries)

	snap := m.Snapshot()
	require.Len(t, snap.PlayHistory, HistoryCap)
	// Oldest entries were evicted.
	require.Equal(t, int64(21), snap.PlayHistory[0].ID)
}

func TestOpenCloseIdempotent(t *testing.T) {
	m := NewManager(&fakeStore{})
	require.True(t, m.IsOpen())

	settings := db.DefaultSettings()
	m.SetOpen(false)
	closed, err := m.Fingerprint(settings)
	require.NoError(t, err)

	m.SetOpen(false)
	again, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.Equal(t, closed, again)

	m.SetOpen(true)
	open, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.NotEqual(t, closed, open)
}

func TestStoreFailureLeavesStateUntouched(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store)
	m.Enqueue(clip("twitch:a", "u1"))

	before := m.Snapshot()
	store.failWith = errors.New("connection lost")

	require.Error(t, m.Advance(context.Background()))
	after := m.Snapshot()
	require.Equal(t, before.Current, after.Current)
	require.Equal(t, len(before.Upcoming), len(after.Upcoming))

	store.failWith = nil
	require.NoError(t, m.Advance(context.Background()))
	require.Equal(t, "twitch:a", m.Current().ID)
}
