// Package eventsub maintains the long-lived chat subscription: one websocket
// to the upstream push API, a channel.chat.message subscription for the
// configured channel, and reconnect handling that survives session moves,
// token rotation, and outages.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"thirdcoast.systems/clipqueue/internal/metrics"
	"thirdcoast.systems/clipqueue/internal/ttlcache"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

const (
	handshakeTimeout = 10 * time.Second
	welcomeTimeout   = 15 * time.Second
	maxFrameBytes    = 512 * 1024
	dedupeTTL        = 10 * time.Minute

	backoffBase      = 1 * time.Second
	backoffRateLimit = 60 * time.Second
	backoffCap       = 5 * time.Minute
)

// TokenSource supplies the bot token and rotates it on upstream 401s.
// *twitch.TokenManager satisfies it.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// Handler receives every valid chat message, in socket order.
type Handler func(ChatMessage)

type Config struct {
	// URL of the push websocket endpoint.
	URL string
	// Channel is the broadcaster login whose chat is subscribed.
	Channel string
	API     *twitch.Client
	Tokens  TokenSource
	Handler Handler
}

// Status is the health view exposed on /api/health.
type Status struct {
	Connected     bool       `json:"connected"`
	ConnectedAt   *time.Time `json:"connectedAt"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
}

// Client consumes the chat subscription with a single reader goroutine.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	seen   *ttlcache.Cache[struct{}]

	mu            sync.RWMutex
	connected     bool
	sessionActive bool
	connectedAt   time.Time
	lastMessageAt time.Time

	broadcasterID string
	botUserID     string
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		seen: ttlcache.New[struct{}](dedupeTTL, time.Minute),
	}
}

// Status reports connection health for the health endpoint.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{Connected: c.connected}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		s.ConnectedAt = &t
	}
	if !c.lastMessageAt.IsZero() {
		t := c.lastMessageAt
		s.LastMessageAt = &t
	}
	return s
}

// Run consumes the subscription until ctx is canceled, reconnecting with
// exponential backoff and jitter. The attempt counter resets after every
// successful session.
func (c *Client) Run(ctx context.Context) {
	defer c.seen.Close()

	attempt := 0
	for {
		err := c.session(ctx)
		// A session that reached active resets the ladder.
		if c.takeSessionActive() {
			attempt = 0
		}
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		base := backoffBase
		if twitch.IsStatus(err, http.StatusTooManyRequests) {
			base = backoffRateLimit
		}
		delay := reconnectDelay(base, attempt)
		attempt++
		metrics.ChatReconnects.Inc()
		slog.Warn("chat subscription lost, reconnecting",
			"attempt", attempt, "backoff", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// reconnectDelay doubles base per attempt, caps at five minutes, and spreads
// herds with ±25% jitter.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(delay) * jitter)
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasUp := c.connected
	c.connected = up
	if up && !wasUp {
		c.connectedAt = time.Now()
		c.sessionActive = true
	}
}

// takeSessionActive reads and clears the active flag of the last session.
func (c *Client) takeSessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := c.sessionActive
	c.sessionActive = false
	return active
}

func (c *Client) touchMessage() {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
}

// resolveIDs looks up the broadcaster and bot user ids once per process.
func (c *Client) resolveIDs(ctx context.Context) error {
	c.mu.RLock()
	done := c.broadcasterID != "" && c.botUserID != ""
	c.mu.RUnlock()
	if done {
		return nil
	}

	token := c.cfg.Tokens.AccessToken()
	user, err := c.cfg.API.GetUserByLogin(ctx, token, c.cfg.Channel)
	if err != nil {
		return fmt.Errorf("failed to resolve channel %q: %w", c.cfg.Channel, err)
	}
	if user == nil {
		return fmt.Errorf("channel %q does not exist", c.cfg.Channel)
	}
	self, err := c.cfg.API.GetSelf(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to resolve bot user: %w", err)
	}
	if self == nil {
		return errors.New("bot token resolves to no user")
	}

	c.mu.Lock()
	c.broadcasterID = user.ID
	c.botUserID = self.ID
	c.mu.Unlock()
	return nil
}

// subscribe registers the chat subscription on the session, rotating the
// token once on 401.
func (c *Client) subscribe(ctx context.Context, sessionID string) error {
	c.mu.RLock()
	broadcasterID, botUserID := c.broadcasterID, c.botUserID
	c.mu.RUnlock()

	token := c.cfg.Tokens.AccessToken()
	err := c.cfg.API.CreateChatSubscription(ctx, token, sessionID, broadcasterID, botUserID)
	if err == nil {
		return nil
	}
	if !twitch.IsStatus(err, http.StatusUnauthorized) {
		return err
	}

	slog.Info("bot token expired during subscribe, refreshing")
	if refreshErr := c.cfg.Tokens.Refresh(ctx); refreshErr != nil {
		return fmt.Errorf("subscribe unauthorized and refresh failed: %w", errors.Join(err, refreshErr))
	}
	return c.cfg.API.CreateChatSubscription(ctx, c.cfg.Tokens.AccessToken(), sessionID, broadcasterID, botUserID)
}

// session runs one connect → subscribe → consume cycle. It returns when the
// socket dies or ctx is canceled; graceful session moves are handled inside
// without surfacing.
func (c *Client) session(ctx context.Context) error {
	if err := c.resolveIDs(ctx); err != nil {
		return err
	}

	conn, welcome, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return err
	}
	// Closure, not a method value: a session reconnect swaps conn and the
	// replacement must be the one closed on exit.
	defer func() { conn.Close() }()

	if err := c.subscribe(ctx, welcome.Session.ID); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.setConnected(true)
	slog.Info("chat subscription active", "channel", c.cfg.Channel)

	keepalive := welcome.Session.KeepaliveTimeoutSeconds
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(keepaliveDeadline(time.Now(), keepalive))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("socket read failed: %w", err)
		}

		f, err := parseFrame(raw)
		if err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			continue
		}
		if c.seen.Contains(f.Metadata.MessageID) {
			continue
		}
		c.seen.Set(f.Metadata.MessageID, struct{}{})
		c.touchMessage()

		switch f.Metadata.MessageType {
		case typeKeepalive:
			// Deadline already refreshed above.
		case typeNotification:
			c.handleNotification(f)
		case typeReconnect:
			newConn, newWelcome, err := c.followReconnect(ctx, f)
			if err != nil {
				return err
			}
			conn.Close()
			conn = newConn
			keepalive = newWelcome.Session.KeepaliveTimeoutSeconds
			slog.Info("followed session reconnect")
		case typeRevocation:
			return errors.New("subscription revoked")
		case typeWelcome:
			// Duplicate welcome on an active session; ignore.
		default:
			slog.Warn("dropping frame with unknown type", "type", f.Metadata.MessageType)
		}
	}
}

func (c *Client) handleNotification(f *frame) {
	if f.Metadata.SubscriptionType != "channel.chat.message" {
		return
	}
	msg, err := parseChatMessage(f)
	if err != nil {
		slog.Warn("dropping malformed chat notification", "error", err)
		return
	}
	metrics.ChatMessages.Inc()
	c.cfg.Handler(*msg)
}

// followReconnect dials the hinted URL and waits for its welcome before the
// old socket is dropped; the subscription carries over, no resubscribe.
func (c *Client) followReconnect(ctx context.Context, f *frame) (*websocket.Conn, *sessionPayload, error) {
	session, err := parseSession(f)
	if err != nil {
		return nil, nil, err
	}
	conn, welcome, err := c.dial(ctx, session.Session.ReconnectURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to follow reconnect: %w", err)
	}
	return conn, welcome, nil
}

// dial connects and blocks until the welcome frame arrives.
func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, *sessionPayload, error) {
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, &twitch.APIError{Status: resp.StatusCode, Body: "websocket dial rejected"}
		}
		return nil, nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("no welcome frame: %w", err)
	}
	f, err := parseFrame(raw)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if f.Metadata.MessageType != typeWelcome {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: expected welcome, got %s", errMalformedFrame, f.Metadata.MessageType)
	}
	session, err := parseSession(f)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, session, nil
}
