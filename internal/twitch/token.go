package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrNoRefreshToken means the bot credential cannot be rotated; the
	// operator has to mint a fresh one with the setup tool.
	ErrNoRefreshToken = errors.New("no refresh token configured, re-run setup to mint a new bot credential")
	// ErrRefreshRejected means the upstream refused the refresh grant.
	ErrRefreshRejected = errors.New("token refresh rejected")
)

const (
	monitorInterval  = 24 * time.Hour
	refreshThreshold = 2 * time.Hour
)

// TokenManager owns the bot's access and refresh tokens. It validates them
// periodically, refreshes proactively near expiry, persists rotated tokens to
// the env file, and notifies consumers so they can swap credentials
// mid-flight.
type TokenManager struct {
	client       *Client
	clientSecret string
	envFile      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	callbacks    []func(string)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewTokenManager(client *Client, clientSecret, accessToken, refreshToken, envFile string) *TokenManager {
	return &TokenManager{
		client:       client,
		clientSecret: clientSecret,
		envFile:      envFile,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// AccessToken returns the current bot access token.
func (tm *TokenManager) AccessToken() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.accessToken
}

// OnRefresh registers a callback fired with the new access token after every
// successful refresh. Register before Start.
func (tm *TokenManager) OnRefresh(cb func(string)) {
	tm.mu.Lock()
	tm.callbacks = append(tm.callbacks, cb)
	tm.mu.Unlock()
}

// Validate checks the current token against the upstream. Returns nil when
// the token is no longer valid.
func (tm *TokenManager) Validate(ctx context.Context) (*Validation, error) {
	return tm.client.ValidateToken(ctx, tm.AccessToken())
}

// Start runs the monitor loop: an immediate validation, then one per day,
// refreshing whenever the token is invalid or expires within two hours.
func (tm *TokenManager) Start(ctx context.Context) {
	go func() {
		defer close(tm.done)

		tm.check(ctx)
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tm.stop:
				return
			case <-ticker.C:
				tm.check(ctx)
			}
		}
	}()
}

// Stop ends the monitor loop and waits for it to exit.
func (tm *TokenManager) Stop() {
	tm.stopOnce.Do(func() { close(tm.stop) })
	<-tm.done
}

func (tm *TokenManager) check(ctx context.Context) {
	v, err := tm.Validate(ctx)
	if err != nil {
		slog.Warn("bot token validation failed", "error", err)
		return
	}
	if v == nil {
		slog.Warn("bot token is invalid, refreshing")
		if err := tm.Refresh(ctx); err != nil {
			slog.Error("bot token refresh failed", "error", err)
		}
		return
	}

	expiresIn := time.Duration(v.ExpiresIn) * time.Second
	slog.Info("bot token validated", "login", v.Login, "expires_in", expiresIn)
	if expiresIn > 0 && expiresIn < refreshThreshold {
		slog.Info("bot token expires soon, refreshing proactively", "expires_in", expiresIn)
		if err := tm.Refresh(ctx); err != nil {
			slog.Error("bot token refresh failed", "error", err)
		}
	}
}

// Refresh exchanges the refresh token for a new pair, persists both to the
// env file, and fires the refresh callbacks.
func (tm *TokenManager) Refresh(ctx context.Context) error {
	tm.mu.Lock()
	refreshToken := tm.refreshToken
	tm.mu.Unlock()

	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	resp, err := tm.client.RefreshGrant(ctx, tm.clientSecret, refreshToken)
	if err != nil {
		if IsStatus(err, 400) {
			return fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return fmt.Errorf("token refresh request failed: %w", err)
	}

	tm.mu.Lock()
	tm.accessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		tm.refreshToken = resp.RefreshToken
	}
	access, refresh := tm.accessToken, tm.refreshToken
	callbacks := append([]func(string){}, tm.callbacks...)
	tm.mu.Unlock()

	if err := tm.persist(access, refresh); err != nil {
		// The in-memory pair is already rotated; losing the file write only
		// costs the next restart a refresh.
		slog.Error("failed to persist rotated bot tokens", "file", tm.envFile, "error", err)
	}

	slog.Info("bot token refreshed", "expires_in", time.Duration(resp.ExpiresIn)*time.Second)
	for _, cb := range callbacks {
		cb(access)
	}
	return nil
}

func (tm *TokenManager) persist(access, refresh string) error {
	if tm.envFile == "" {
		return nil
	}
	env, err := godotenv.Read(tm.envFile)
	if err != nil {
		env = map[string]string{}
	}
	env["TWITCH_BOT_ACCESS_TOKEN"] = access
	env["TWITCH_BOT_REFRESH_TOKEN"] = refresh
	return godotenv.Write(env, tm.envFile)
}
