package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/metrics"
)

var kickClipIDPattern = regexp.MustCompile(`^clip_[A-Za-z0-9]+$`)

// KickResolver resolves kick.com clip URLs via the public clips API.
type KickResolver struct {
	apiURL string
	http   *http.Client
}

func NewKickResolver(apiURL string) *KickResolver {
	return &KickResolver{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{},
	}
}

func (r *KickResolver) Name() db.Platform {
	return db.PlatformKick
}

// DetectID matches kick.com/{channel}/clips/{id} and the ?clip={id} query
// form used by share links.
func (r *KickResolver) DetectID(rawURL string) (string, bool) {
	u, ok := parseClipURL(rawURL)
	if !ok || canonicalHost(u.Host) != "kick.com" {
		return "", false
	}

	if id := u.Query().Get("clip"); kickClipIDPattern.MatchString(id) {
		return id, true
	}

	segs := pathSegments(u.Path)
	if len(segs) == 3 && segs[1] == "clips" && kickClipIDPattern.MatchString(segs[2]) {
		return segs[2], true
	}
	return "", false
}

type kickClipResponse struct {
	Clip struct {
		ID        string  `json:"id"`
		Title     string  `json:"title"`
		ClipURL   string  `json:"clip_url"`
		Thumbnail string  `json:"thumbnail_url"`
		Duration  float64 `json:"duration"`
		CreatedAt string  `json:"created_at"`
		Channel   struct {
			Username string `json:"username"`
		} `json:"channel"`
		Creator struct {
			Username string `json:"username"`
		} `json:"creator"`
		Category struct {
			Name string `json:"name"`
		} `json:"category"`
	} `json:"clip"`
}

func (r *KickResolver) Resolve(ctx context.Context, rawURL string) (*db.Clip, error) {
	id, ok := r.DetectID(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: not a kick clip url", ErrNonRecoverable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiURL+"/clips/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("kick", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("kick", strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("kick: status %d for clip %s", resp.StatusCode, id)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("%w: kick status %d: %s", ErrNonRecoverable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out kickClipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kick: decode clip %s: %w", id, err)
	}

	canonical := "https://kick.com/" + out.Clip.Channel.Username + "/clips/" + id
	var createdAt *time.Time
	if t, err := time.Parse(time.RFC3339, out.Clip.CreatedAt); err == nil {
		createdAt = &t
	}

	clip := &db.Clip{
		ID:           db.ClipUUID(db.PlatformKick, id),
		Platform:     db.PlatformKick,
		ClipID:       strings.ToLower(id),
		URL:          canonical,
		EmbedURL:     canonical,
		VideoURL:     out.Clip.ClipURL,
		ThumbnailURL: out.Clip.Thumbnail,
		Title:        sanitizeText(out.Clip.Title),
		Channel:      sanitizeText(out.Clip.Channel.Username),
		Creator:      sanitizeText(out.Clip.Creator.Username),
		Category:     sanitizeText(out.Clip.Category.Name),
		Duration:     out.Clip.Duration,
		CreatedAt:    createdAt,
	}
	return clip, nil
}
