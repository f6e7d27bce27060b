package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/metrics"
)

var soraIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SoraResolver resolves sora.chatgpt.com share links. There is no metadata
// API: the share page's OpenGraph tags carry title, poster, and video.
type SoraResolver struct {
	http *http.Client
}

func NewSoraResolver() *SoraResolver {
	return &SoraResolver{http: &http.Client{}}
}

func (r *SoraResolver) Name() db.Platform {
	return db.PlatformSora
}

// DetectID matches sora.chatgpt.com/p/{id} (and the sora.com alias).
func (r *SoraResolver) DetectID(rawURL string) (string, bool) {
	u, ok := parseClipURL(rawURL)
	if !ok || canonicalHost(u.Host) != "sora.chatgpt.com" {
		return "", false
	}
	segs := pathSegments(u.Path)
	if len(segs) == 2 && segs[0] == "p" && soraIDPattern.MatchString(segs[1]) {
		return segs[1], true
	}
	return "", false
}

func (r *SoraResolver) Resolve(ctx context.Context, rawURL string) (*db.Clip, error) {
	id, ok := r.DetectID(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: not a sora share url", ErrNonRecoverable)
	}
	canonical := "https://sora.chatgpt.com/p/" + id

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := r.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("sora", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("sora", strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("sora: status %d for %s", resp.StatusCode, id)
	default:
		return nil, fmt.Errorf("%w: sora status %d", ErrNonRecoverable, resp.StatusCode)
	}

	og, err := parseOpenGraph(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("sora: parse share page for %s: %w", id, err)
	}
	if og["video"] == "" {
		return nil, fmt.Errorf("%w: sora page for %s has no video", ErrNonRecoverable, id)
	}

	title := sanitizeText(og["title"])
	if title == "" {
		title = "Sora clip"
	}

	clip := &db.Clip{
		ID:           db.ClipUUID(db.PlatformSora, id),
		Platform:     db.PlatformSora,
		ClipID:       strings.ToLower(id),
		URL:          canonical,
		EmbedURL:     canonical,
		VideoURL:     og["video"],
		ThumbnailURL: og["image"],
		Title:        title,
		Channel:      "sora",
		Creator:      sanitizeText(og["creator"]),
	}
	return clip, nil
}

// parseOpenGraph walks the document head and collects og:* meta properties,
// keyed without the prefix.
func parseOpenGraph(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	og := map[string]string{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var property, content string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "property", "name":
					property = attr.Val
				case "content":
					content = attr.Val
				}
			}
			if key, ok := strings.CutPrefix(property, "og:"); ok && content != "" {
				if _, seen := og[key]; !seen {
					og[key] = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return og, nil
}
