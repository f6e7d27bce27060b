package platform

import (
	"net/url"
	"strings"
)

// Well-known host aliases. Key: input host. Value: canonical domain.
//
// Kept intentionally conservative: only hosts that are truly the same site
// from a viewer's perspective are aliased.
var canonicalDomainByHost = map[string]string{
	"twitch.tv":     "twitch.tv",
	"www.twitch.tv": "twitch.tv",
	"m.twitch.tv":   "twitch.tv",

	"clips.twitch.tv": "clips.twitch.tv",

	"kick.com":     "kick.com",
	"www.kick.com": "kick.com",

	"sora.chatgpt.com": "sora.chatgpt.com",
	"sora.com":         "sora.chatgpt.com",
	"www.sora.com":     "sora.chatgpt.com",
}

// canonicalHost lowercases, strips the port and trailing dot, and resolves
// known aliases. Unknown hosts come back normalized but unaliased.
func canonicalHost(hostport string) string {
	h := strings.TrimSpace(strings.ToLower(hostport))
	if h == "" {
		return ""
	}
	if strings.Contains(h, ":") {
		if parsed, err := url.Parse("//" + h); err == nil && parsed.Hostname() != "" {
			h = parsed.Hostname()
		}
	}
	h = strings.TrimSuffix(h, ".")
	if c, ok := canonicalDomainByHost[h]; ok {
		return c
	}
	return h
}

// parseClipURL parses a submission URL structurally. Scheme-less input is
// treated as https; anything that is not http(s) with a host fails.
func parseClipURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return nil, false
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, false
	}
	u.Fragment = ""
	u.User = nil
	return u, true
}

func pathSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
