package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

// TokenSource supplies the bot token for Helix metadata calls.
type TokenSource interface {
	AccessToken() string
}

var twitchSlugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// TwitchResolver resolves clips.twitch.tv and twitch.tv clip URLs via Helix.
type TwitchResolver struct {
	client *twitch.Client
	tokens TokenSource
}

func NewTwitchResolver(client *twitch.Client, tokens TokenSource) *TwitchResolver {
	return &TwitchResolver{client: client, tokens: tokens}
}

func (r *TwitchResolver) Name() db.Platform {
	return db.PlatformTwitch
}

// DetectID matches clips.twitch.tv/{slug} and twitch.tv/{channel}/clip/{slug}.
func (r *TwitchResolver) DetectID(rawURL string) (string, bool) {
	u, ok := parseClipURL(rawURL)
	if !ok {
		return "", false
	}
	segs := pathSegments(u.Path)

	switch canonicalHost(u.Host) {
	case "clips.twitch.tv":
		if len(segs) == 1 && twitchSlugPattern.MatchString(segs[0]) && segs[0] != "embed" {
			return segs[0], true
		}
	case "twitch.tv":
		if len(segs) == 3 && segs[1] == "clip" && twitchSlugPattern.MatchString(segs[2]) {
			return segs[2], true
		}
	}
	return "", false
}

// thumbnail assets end in "-preview-{W}x{H}.jpg"; the mp4 lives at the same
// asset path.
var twitchPreviewSuffix = regexp.MustCompile(`-preview-\d+x\d+\.jpe?g$`)

func twitchVideoURL(thumbnailURL string) string {
	if m := twitchPreviewSuffix.FindStringIndex(thumbnailURL); m != nil {
		return thumbnailURL[:m[0]] + ".mp4"
	}
	return ""
}

func (r *TwitchResolver) Resolve(ctx context.Context, rawURL string) (*db.Clip, error) {
	slug, ok := r.DetectID(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: not a twitch clip url", ErrNonRecoverable)
	}

	token := r.tokens.AccessToken()
	helixClip, err := r.client.GetClip(ctx, token, slug)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}
	if helixClip == nil {
		return nil, fmt.Errorf("%w: clip %s not found upstream", ErrNonRecoverable, slug)
	}

	category := ""
	if game, err := r.client.GetGame(ctx, token, helixClip.GameID); err != nil {
		// Category is cosmetic; a failed lookup must not sink the clip.
		slog.Warn("failed to resolve clip category", "game_id", helixClip.GameID, "error", err)
	} else if game != nil {
		category = game.Name
	}

	var createdAt *time.Time
	if t, err := time.Parse(time.RFC3339, helixClip.CreatedAt); err == nil {
		createdAt = &t
	}

	clip := &db.Clip{
		ID:           db.ClipUUID(db.PlatformTwitch, slug),
		Platform:     db.PlatformTwitch,
		ClipID:       strings.ToLower(slug),
		URL:          helixClip.URL,
		EmbedURL:     "https://clips.twitch.tv/embed?clip=" + slug,
		VideoURL:     twitchVideoURL(helixClip.ThumbnailURL),
		ThumbnailURL: helixClip.ThumbnailURL,
		Title:        sanitizeText(helixClip.Title),
		Channel:      sanitizeText(helixClip.BroadcasterName),
		Creator:      sanitizeText(helixClip.CreatorName),
		Category:     sanitizeText(category),
		Duration:     helixClip.Duration,
		CreatedAt:    createdAt,
	}
	return clip, nil
}

// classifyUpstreamError marks 4xx answers (429 excepted) as non-recoverable
// so the retry ladder gives up on them.
func classifyUpstreamError(err error) error {
	var apiErr *twitch.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrNonRecoverable, err)
		}
	}
	return err
}
