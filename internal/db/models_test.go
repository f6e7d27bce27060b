package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validClip() *Clip {
	return &Clip{
		ID:          "twitch:awkwardcoolotter-1",
		Platform:    PlatformTwitch,
		ClipID:      "AwkwardCoolOtter-1",
		URL:         "https://clips.twitch.tv/AwkwardCoolOtter-1",
		EmbedURL:    "https://clips.twitch.tv/embed?clip=AwkwardCoolOtter-1",
		Title:       "T",
		Channel:     "c",
		Status:      StatusApproved,
		SubmittedAt: time.Now(),
		Submitters:  []string{"alice"},
	}
}

func TestClipValidate(t *testing.T) {
	t.Run("valid clip passes", func(t *testing.T) {
		require.NoError(t, validClip().Validate())
	})

	t.Run("id must match platform and clip id", func(t *testing.T) {
		c := validClip()
		c.ID = "twitch:some-other-id"
		require.ErrorIs(t, c.Validate(), ErrInvalidClip)
	})

	t.Run("unknown platform rejected", func(t *testing.T) {
		c := validClip()
		c.Platform = "youtube"
		c.ID = ClipUUID(c.Platform, c.ClipID)
		require.ErrorIs(t, c.Validate(), ErrInvalidClip)
	})

	t.Run("missing title rejected", func(t *testing.T) {
		c := validClip()
		c.Title = ""
		require.ErrorIs(t, c.Validate(), ErrInvalidClip)
	})

	t.Run("malformed url rejected", func(t *testing.T) {
		c := validClip()
		c.URL = "not a url"
		require.ErrorIs(t, c.Validate(), ErrInvalidClip)
	})
}

func TestClipUUID(t *testing.T) {
	require.Equal(t, "twitch:awkwardcoolotter-1", ClipUUID(PlatformTwitch, "AwkwardCoolOtter-1"))
	require.Equal(t, "kick:abc123", ClipUUID(PlatformKick, "abc123"))
}

func TestHasSubmitter(t *testing.T) {
	c := validClip()
	require.True(t, c.HasSubmitter("alice"))
	require.True(t, c.HasSubmitter("ALICE"))
	require.False(t, c.HasSubmitter("bob"))
}

func TestSettingsValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		s := DefaultSettings()
		require.NoError(t, s.Validate())
	})

	t.Run("prefix length capped at 8", func(t *testing.T) {
		s := DefaultSettings()
		s.CommandPrefix = "!toolongprefix"
		require.ErrorIs(t, s.Validate(), ErrInvalidSettings)
	})

	t.Run("prefix must not contain whitespace", func(t *testing.T) {
		s := DefaultSettings()
		s.CommandPrefix = "! q"
		require.ErrorIs(t, s.Validate(), ErrInvalidSettings)
	})

	t.Run("queue limit must be positive", func(t *testing.T) {
		s := DefaultSettings()
		zero := 0
		s.Queue.Limit = &zero
		require.ErrorIs(t, s.Validate(), ErrInvalidSettings)

		one := 1
		s.Queue.Limit = &one
		require.NoError(t, s.Validate())
	})

	t.Run("unknown platform rejected", func(t *testing.T) {
		s := DefaultSettings()
		s.Queue.Platforms = append(s.Queue.Platforms, "vimeo")
		require.ErrorIs(t, s.Validate(), ErrInvalidSettings)
	})

	t.Run("unknown logger level rejected", func(t *testing.T) {
		s := DefaultSettings()
		s.Logger.Level = "verbose"
		require.ErrorIs(t, s.Validate(), ErrInvalidSettings)
	})
}

func TestSettingsMigrate(t *testing.T) {
	s := Settings{
		Version:         1,
		CommandPrefix:   "!cq",
		AllowedCommands: []string{"open"},
		Queue:           QueueSettings{Platforms: AllPlatforms()},
	}
	require.True(t, s.migrate())
	require.Equal(t, SettingsVersion, s.Version)
	require.Equal(t, "info", s.Logger.Level)
	require.NoError(t, s.Validate())

	// Already current: nothing to do.
	require.False(t, s.migrate())
}

func TestSettingsHelpers(t *testing.T) {
	s := DefaultSettings()
	require.True(t, s.PlatformEnabled(PlatformKick))
	s.Queue.Platforms = []Platform{PlatformTwitch}
	require.False(t, s.PlatformEnabled(PlatformKick))

	require.True(t, s.CommandAllowed("next"))
	require.False(t, s.CommandAllowed("selfdestruct"))
}

func TestPlayLogCursorRoundTrip(t *testing.T) {
	for _, id := range []int64{1, 42, 1 << 40} {
		decoded, err := decodeCursor(encodeCursor(id))
		require.NoError(t, err)
		require.Equal(t, id, decoded)
	}

	_, err := decodeCursor("!!not-base64!!")
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = decodeCursor("bm90LWEtbnVtYmVy")
	require.ErrorIs(t, err, ErrInvalidCursor)
}
