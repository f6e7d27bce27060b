// Package command executes queue commands and the clip submission pipeline.
// Chat messages and REST handlers converge here: both paths run the same
// engine methods under the same mutex discipline, so a submission or command
// behaves identically regardless of where it came from.
package command

import (
	"net/url"
	"strings"
)

// Role is the privilege level of whoever issued a command or submission.
type Role int

const (
	RoleViewer Role = iota
	RoleModerator
	RoleBroadcaster
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleModerator:
		return "moderator"
	default:
		return "viewer"
	}
}

// AtLeastModerator reports whether the role may run queue commands.
func (r Role) AtLeastModerator() bool {
	return r >= RoleModerator
}

// parseCommand splits a chat message into a command invocation when it starts
// with the configured prefix. The command token is lowercased; the remaining
// whitespace-separated fields become arguments.
func parseCommand(prefix, text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(text[len(prefix):])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// extractURL finds the first token of a chat message that parses as an
// http(s) URL. Tokens starting with "www." are accepted with https assumed.
func extractURL(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		candidate := tok
		if strings.HasPrefix(tok, "www.") {
			candidate = "https://" + tok
		}
		if !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://") {
			continue
		}
		if u, err := url.Parse(candidate); err == nil && u.Host != "" {
			return candidate, true
		}
	}
	return "", false
}
