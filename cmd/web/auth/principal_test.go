package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

// fakeUpstream plays both the OAuth validate endpoint and the Helix user /
// moderator surface.
type fakeUpstream struct {
	validTokens map[string]string // token -> user id
	users       map[string]twitch.HelixUser
	moderators  map[string]bool // user id -> is moderator

	validateCalls atomic.Int64
	modCalls      atomic.Int64
}

func (f *fakeUpstream) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		f.validateCalls.Add(1)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		userID, ok := f.validTokens[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"client_id": "testclientid",
			"login":     f.users[userID].Login,
			"user_id":   userID,
		})
	})

	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		var user twitch.HelixUser
		var found bool
		if login := r.URL.Query().Get("login"); login != "" {
			for _, u := range f.users {
				if u.Login == login {
					user, found = u, true
					break
				}
			}
		} else if id, ok := f.validTokens[token]; ok {
			user, found = f.users[id], true
		}
		if !found {
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []twitch.HelixUser{user}})
	})

	mux.HandleFunc("/moderation/moderators", func(w http.ResponseWriter, r *http.Request) {
		f.modCalls.Add(1)
		userID := r.URL.Query().Get("user_id")
		if f.moderators[userID] {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"user_id": userID}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T) (*Service, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{
		validTokens: map[string]string{
			"streamer-token": "1",
			"mod-token":      "2",
			"viewer-token":   "3",
			"bot-token":      "4",
		},
		users: map[string]twitch.HelixUser{
			"1": {ID: "1", Login: "streamer", DisplayName: "Streamer", ProfileImageURL: "https://cdn/1.png"},
			"2": {ID: "2", Login: "modesty", DisplayName: "Modesty"},
			"3": {ID: "3", Login: "lurker", DisplayName: "Lurker"},
			"4": {ID: "4", Login: "clipbot", DisplayName: "ClipBot"},
		},
		moderators: map[string]bool{"2": true},
	}
	srv := up.server(t)

	api := twitch.NewClient(srv.URL, srv.URL, "testclientid")
	svc := NewService(api, staticToken("bot-token"), "streamer")
	t.Cleanup(svc.Close)
	return svc, up
}

func TestServiceResolveRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Resolve(ctx, "streamer-token")
	require.NoError(t, err)
	require.Equal(t, "1", p.UserID)
	require.Equal(t, "streamer", p.Username)
	require.Equal(t, "Streamer", p.DisplayName)
	require.Equal(t, "https://cdn/1.png", p.AvatarURL)
	require.Equal(t, command.RoleBroadcaster, p.Role)

	p, err = svc.Resolve(ctx, "mod-token")
	require.NoError(t, err)
	require.Equal(t, command.RoleModerator, p.Role)

	p, err = svc.Resolve(ctx, "viewer-token")
	require.NoError(t, err)
	require.Equal(t, command.RoleViewer, p.Role)
}

func TestServiceResolveInvalidToken(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestServiceResolveCaches(t *testing.T) {
	svc, up := newTestService(t)
	ctx := context.Background()

	for range 3 {
		_, err := svc.Resolve(ctx, "mod-token")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), up.validateCalls.Load())
	require.Equal(t, int64(1), up.modCalls.Load())

	stats := svc.CacheStats()
	require.Equal(t, 1, stats["tokens"].Size)
	require.Equal(t, 1, stats["roles"].Size)
}

func TestServiceClearToken(t *testing.T) {
	svc, up := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "mod-token")
	require.NoError(t, err)

	svc.ClearToken("mod-token")
	_, err = svc.Resolve(ctx, "mod-token")
	require.NoError(t, err)

	// Principal reloaded; role still cached.
	require.Equal(t, int64(2), up.validateCalls.Load())
	require.Equal(t, int64(1), up.modCalls.Load())
}

func TestServiceClearAll(t *testing.T) {
	svc, up := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "viewer-token")
	require.NoError(t, err)

	svc.ClearAll()
	require.Equal(t, 0, svc.CacheStats()["tokens"].Size)

	_, err = svc.Resolve(ctx, "viewer-token")
	require.NoError(t, err)
	require.Equal(t, int64(2), up.validateCalls.Load())
	require.Equal(t, int64(2), up.modCalls.Load())
}

func TestServiceUnknownChannel(t *testing.T) {
	svc, up := newTestService(t)
	delete(up.users, "1")

	_, err := svc.Resolve(context.Background(), "viewer-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "streamer")
}
