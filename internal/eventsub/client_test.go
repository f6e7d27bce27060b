package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipqueue/internal/twitch"
)

type fakeTokens struct {
	token     string
	refreshed int
}

func (f *fakeTokens) AccessToken() string { return f.token }

func (f *fakeTokens) Refresh(context.Context) error {
	f.refreshed++
	f.token = "rotated-token"
	return nil
}

// fakeHelix serves the user lookups and the subscription endpoint. subStatus
// is consumed one status per subscribe call, sticking on the last entry.
type fakeHelix struct {
	srv        *httptest.Server
	subStatus  []int
	subs       atomic.Int32
	lastTokens []string
}

func newFakeHelix(t *testing.T, subStatus ...int) *fakeHelix {
	if len(subStatus) == 0 {
		subStatus = []int{http.StatusAccepted}
	}
	h := &fakeHelix{subStatus: subStatus}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			if login := r.URL.Query().Get("login"); login != "" {
				fmt.Fprintf(w, `{"data":[{"id":"100","login":%q}]}`, login)
				return
			}
			fmt.Fprint(w, `{"data":[{"id":"200","login":"clipbot"}]}`)
		case "/eventsub/subscriptions":
			n := int(h.subs.Add(1)) - 1
			if n >= len(h.subStatus) {
				n = len(h.subStatus) - 1
			}
			h.lastTokens = append(h.lastTokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			w.WriteHeader(h.subStatus[n])
			fmt.Fprint(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

// wsServer upgrades one connection and hands it to script.
func wsServer(t *testing.T, script func(*websocket.Conn)) *httptest.Server {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(t *testing.T, conn *websocket.Conn, messageID, messageType, subscriptionType, payload string) {
	raw := fmt.Sprintf(`{
		"metadata": {"message_id": %q, "message_type": %q, "subscription_type": %q},
		"payload": %s
	}`, messageID, messageType, subscriptionType, payload)
	require.True(t, json.Valid([]byte(raw)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func welcomePayload(sessionID string) string {
	return fmt.Sprintf(`{"session": {"id": %q, "keepalive_timeout_seconds": 10}}`, sessionID)
}

func chatPayload(user, text string) string {
	return fmt.Sprintf(`{"event": {"chatter_user_login": %q, "message": {"text": %q}}}`, user, text)
}

func newTestClient(helix *fakeHelix, url string, tokens *fakeTokens, got chan ChatMessage) *Client {
	return NewClient(Config{
		URL:     url,
		Channel: "somechannel",
		API:     twitch.NewClient(helix.srv.URL, helix.srv.URL, "cid"),
		Tokens:  tokens,
		Handler: func(m ChatMessage) { got <- m },
	})
}

func TestSessionDeliversChatMessages(t *testing.T) {
	done := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w1", typeWelcome, "", welcomePayload("sess-1"))
		sendFrame(t, conn, "n1", typeNotification, "channel.chat.message", chatPayload("alice", "!clip url"))
		// Redelivery of n1 must be swallowed by the dedupe cache.
		sendFrame(t, conn, "n1", typeNotification, "channel.chat.message", chatPayload("alice", "!clip url"))
		sendFrame(t, conn, "k1", typeKeepalive, "", `{}`)
		sendFrame(t, conn, "n2", typeNotification, "channel.chat.message", chatPayload("bob", "hello"))
		<-done
	})

	helix := newFakeHelix(t)
	got := make(chan ChatMessage, 4)
	c := newTestClient(helix, wsURL(srv), &fakeTokens{token: "bot-token"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.session(ctx) }()

	first := <-got
	require.Equal(t, "alice", first.Username)
	require.Equal(t, "!clip url", first.Text)
	second := <-got
	require.Equal(t, "bob", second.Username)
	require.Empty(t, got)

	require.True(t, c.Status().Connected)
	require.NotNil(t, c.Status().LastMessageAt)

	close(done)
	require.Error(t, <-errc) // socket closed by the server

	require.Equal(t, int32(1), helix.subs.Load())
	require.Equal(t, []string{"bot-token"}, helix.lastTokens)
}

func TestSessionFollowsReconnect(t *testing.T) {
	done := make(chan struct{})
	next := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w2", typeWelcome, "", welcomePayload("sess-2"))
		sendFrame(t, conn, "n2", typeNotification, "channel.chat.message", chatPayload("carol", "after move"))
		<-done
	})
	first := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w1", typeWelcome, "", welcomePayload("sess-1"))
		sendFrame(t, conn, "r1", typeReconnect, "",
			fmt.Sprintf(`{"session": {"id": "sess-1", "reconnect_url": %q}}`, wsURL(next)))
		<-done
	})

	helix := newFakeHelix(t)
	got := make(chan ChatMessage, 1)
	c := newTestClient(helix, wsURL(first), &fakeTokens{token: "bot-token"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.session(ctx) }()

	msg := <-got
	require.Equal(t, "carol", msg.Username)

	close(done)
	<-errc

	// The subscription carries over to the new session: one subscribe only.
	require.Equal(t, int32(1), helix.subs.Load())
}

func TestSessionClosesReplacementConnection(t *testing.T) {
	readErr := make(chan error, 1)
	next := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w2", typeWelcome, "", welcomePayload("sess-2"))
		sendFrame(t, conn, "x1", typeRevocation, "channel.chat.message", `{}`)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		readErr <- err
	})
	done := make(chan struct{})
	first := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w1", typeWelcome, "", welcomePayload("sess-1"))
		sendFrame(t, conn, "r1", typeReconnect, "",
			fmt.Sprintf(`{"session": {"id": "sess-1", "reconnect_url": %q}}`, wsURL(next)))
		<-done
	})
	defer close(done)

	helix := newFakeHelix(t)
	c := newTestClient(helix, wsURL(first), &fakeTokens{token: "bot-token"}, make(chan ChatMessage, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.session(ctx)
	require.ErrorContains(t, err, "revoked")

	// The socket handed over by the reconnect, not the first one, must be
	// closed when the session ends: the server sees an abrupt close, never
	// its read deadline.
	err = <-readErr
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "replacement connection left open after session exit")
	}
}

func TestSubscribeRefreshesTokenOn401(t *testing.T) {
	done := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w1", typeWelcome, "", welcomePayload("sess-1"))
		<-done
	})
	defer close(done)

	helix := newFakeHelix(t, http.StatusUnauthorized, http.StatusAccepted)
	tokens := &fakeTokens{token: "stale-token"}
	c := newTestClient(helix, wsURL(srv), tokens, make(chan ChatMessage, 1))

	require.NoError(t, c.resolveIDs(context.Background()))
	require.NoError(t, c.subscribe(context.Background(), "sess-1"))

	require.Equal(t, 1, tokens.refreshed)
	require.Equal(t, []string{"stale-token", "rotated-token"}, helix.lastTokens)
}

func TestSessionRevocation(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "w1", typeWelcome, "", welcomePayload("sess-1"))
		sendFrame(t, conn, "x1", typeRevocation, "channel.chat.message", `{}`)
	})

	helix := newFakeHelix(t)
	c := newTestClient(helix, wsURL(srv), &fakeTokens{token: "bot-token"}, make(chan ChatMessage, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.session(ctx)
	require.ErrorContains(t, err, "revoked")
}

func TestResolveIDsUnknownChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{
		Channel: "ghost",
		API:     twitch.NewClient(srv.URL, srv.URL, "cid"),
		Tokens:  &fakeTokens{token: "bot-token"},
	})
	err := c.resolveIDs(context.Background())
	require.ErrorContains(t, err, "does not exist")
}
