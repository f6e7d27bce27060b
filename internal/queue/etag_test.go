package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipqueue/internal/db"
)

func TestFingerprintStableWithoutMutation(t *testing.T) {
	m := NewManager(&fakeStore{})
	m.Enqueue(clip("twitch:a", "u1"))
	settings := db.DefaultSettings()

	first, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.Len(t, first, 64)

	second, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFingerprintChangesOnMutation(t *testing.T) {
	m := NewManager(&fakeStore{})
	settings := db.DefaultSettings()

	empty, err := m.Fingerprint(settings)
	require.NoError(t, err)

	m.Enqueue(clip("twitch:a", "u1"))
	withClip, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.NotEqual(t, empty, withClip)

	// Same queue shape, one more submitter.
	m.Enqueue(clip("twitch:a", "u1", "u2"))
	moreSubmitters, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.NotEqual(t, withClip, moreSubmitters)

	require.NoError(t, m.Advance(context.Background()))
	advanced, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.NotEqual(t, moreSubmitters, advanced)
}

func TestFingerprintCoversSettings(t *testing.T) {
	m := NewManager(&fakeStore{})
	settings := db.DefaultSettings()

	before, err := m.Fingerprint(settings)
	require.NoError(t, err)

	settings.Queue.AutoModerationEnabled = true
	m.InvalidateETag()
	after, err := m.Fingerprint(settings)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}
