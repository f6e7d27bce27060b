// Package platform turns submitted URLs into normalized clips. Each upstream
// has a resolver pairing a structural URL classifier with a metadata fetch;
// the registry tries them in a fixed order and wraps fetches in a bounded
// retry ladder.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"thirdcoast.systems/clipqueue/internal/db"
)

var (
	// ErrNoResolver means no upstream recognizes the URL.
	ErrNoResolver = errors.New("no resolver matches url")
	// ErrNonRecoverable marks failures a retry cannot fix: malformed URLs
	// and upstream 4xx answers other than 429.
	ErrNonRecoverable = errors.New("non-recoverable resolve failure")
)

// Resolver detects and fetches clips for one upstream platform.
type Resolver interface {
	Name() db.Platform
	// DetectID classifies the URL structurally and extracts the platform
	// clip id. Pure; no network.
	DetectID(rawURL string) (string, bool)
	// Resolve fetches metadata and returns a normalized clip without
	// submitters or status.
	Resolve(ctx context.Context, rawURL string) (*db.Clip, error)
}

// Per-attempt budget and spacing of the fetch ladder.
var (
	attemptTimeouts = []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	attemptBackoffs = []time.Duration{0, 1 * time.Second, 2 * time.Second}
)

// Registry dispatches across resolvers in registration order.
type Registry struct {
	resolvers []Resolver
}

func NewRegistry(resolvers ...Resolver) *Registry {
	return &Registry{resolvers: resolvers}
}

// Detect returns the first resolver claiming the URL and the extracted clip
// id.
func (r *Registry) Detect(rawURL string) (Resolver, string, bool) {
	for _, res := range r.resolvers {
		if id, ok := res.DetectID(rawURL); ok {
			return res, id, true
		}
	}
	return nil, "", false
}

// DetectPlatform returns just the platform tag claiming the URL.
func (r *Registry) DetectPlatform(rawURL string) (db.Platform, bool) {
	res, _, ok := r.Detect(rawURL)
	if !ok {
		return "", false
	}
	return res.Name(), true
}

// Resolve detects the platform and fetches the clip with retries: up to
// three attempts under growing per-attempt timeouts, short backoff between
// them. Non-recoverable failures abort immediately.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (*db.Clip, error) {
	res, _, ok := r.Detect(rawURL)
	if !ok {
		return nil, ErrNoResolver
	}

	var lastErr error
	for attempt := 0; attempt < len(attemptTimeouts); attempt++ {
		if backoff := attemptBackoffs[attempt]; backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeouts[attempt])
		clip, err := res.Resolve(attemptCtx, rawURL)
		cancel()
		if err == nil {
			return clip, nil
		}
		if errors.Is(err, ErrNonRecoverable) {
			return nil, err
		}
		lastErr = err
		slog.Warn("clip resolve attempt failed",
			"platform", res.Name(), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("resolve failed after %d attempts: %w", len(attemptTimeouts), lastErr)
}

// Strict policy: upstream titles and names are plain text, everything else
// is stripped.
var sanitizePolicy = bluemonday.StrictPolicy()

func sanitizeText(s string) string {
	return strings.TrimSpace(sanitizePolicy.Sanitize(s))
}
