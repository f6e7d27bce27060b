// Package twitch holds the Helix/OAuth API client and the bot token
// lifecycle. Every call goes out with the caller-supplied bearer token; the
// TokenManager keeps the bot's token fresh.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"thirdcoast.systems/clipqueue/internal/metrics"
)

// APIError carries the upstream HTTP status so callers can distinguish
// expired tokens (401) and rate limits (429) from hard failures.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch: unexpected status %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	helixURL string
	oauthURL string
	clientID string
	http     *http.Client
}

func NewClient(helixURL, oauthURL, clientID string) *Client {
	return &Client{
		helixURL: strings.TrimRight(helixURL, "/"),
		oauthURL: strings.TrimRight(oauthURL, "/"),
		clientID: clientID,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ClientID returns the application client id, needed for the OAuth redirect.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) helixGet(ctx context.Context, token, path string, query url.Values, out any) error {
	u := c.helixURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("helix", "error").Inc()
		return err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("helix", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type HelixClip struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	EmbedURL        string  `json:"embed_url"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatorName     string  `json:"creator_name"`
	GameID          string  `json:"game_id"`
	Title           string  `json:"title"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	Duration        float64 `json:"duration"`
	CreatedAt       string  `json:"created_at"`
}

// GetClip fetches clip metadata by slug. Returns nil when the clip is
// unknown upstream.
func (c *Client) GetClip(ctx context.Context, token, clipID string) (*HelixClip, error) {
	var out struct {
		Data []HelixClip `json:"data"`
	}
	q := url.Values{"id": {clipID}}
	if err := c.helixGet(ctx, token, "/clips", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

type HelixGame struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetGame resolves a game id to its display name. Best effort: an empty id
// yields nil without a request.
func (c *Client) GetGame(ctx context.Context, token, gameID string) (*HelixGame, error) {
	if gameID == "" {
		return nil, nil
	}
	var out struct {
		Data []HelixGame `json:"data"`
	}
	if err := c.helixGet(ctx, token, "/games", url.Values{"id": {gameID}}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

type HelixUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUserByLogin looks up a user record. Returns nil when the login does not
// exist.
func (c *Client) GetUserByLogin(ctx context.Context, token, login string) (*HelixUser, error) {
	var out struct {
		Data []HelixUser `json:"data"`
	}
	if err := c.helixGet(ctx, token, "/users", url.Values{"login": {login}}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// GetSelf returns the user record of the token's owner.
func (c *Client) GetSelf(ctx context.Context, token string) (*HelixUser, error) {
	var out struct {
		Data []HelixUser `json:"data"`
	}
	if err := c.helixGet(ctx, token, "/users", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// IsModerator checks whether userID moderates the broadcaster's channel. The
// token must belong to the broadcaster or a user with moderation read scope.
func (c *Client) IsModerator(ctx context.Context, token, broadcasterID, userID string) (bool, error) {
	var out struct {
		Data []struct {
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	q := url.Values{
		"broadcaster_id": {broadcasterID},
		"user_id":        {userID},
	}
	if err := c.helixGet(ctx, token, "/moderation/moderators", q, &out); err != nil {
		return false, err
	}
	return len(out.Data) > 0, nil
}

// CreateChatSubscription registers a channel.chat.message EventSub
// subscription bound to the given websocket session.
func (c *Client) CreateChatSubscription(ctx context.Context, token, sessionID, broadcasterID, botUserID string) error {
	payload := map[string]any{
		"type":    "channel.chat.message",
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
			"user_id":             botUserID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.helixURL+"/eventsub/subscriptions", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("eventsub", "error").Inc()
		return err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("eventsub", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

// Validation is the upstream's answer about a token's health.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks a token against the OAuth validate endpoint. A 401
// comes back as (nil, nil): the token is simply invalid, not an error.
func (c *Client) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oauthURL+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("oauth", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("oauth", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// TokenResponse is the OAuth token endpoint's grant result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("oauth", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("oauth", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshGrant exchanges a refresh token for a new token pair.
func (c *Client) RefreshGrant(ctx context.Context, clientSecret, refreshToken string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {clientSecret},
	})
}

// CodeGrant exchanges an authorization code minted by the login flow.
func (c *Client) CodeGrant(ctx context.Context, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {clientSecret},
	})
}

// AuthorizeURL builds the browser redirect for the viewer login flow.
func (c *Client) AuthorizeURL(redirectURI, state string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}
	return c.oauthURL + "/authorize?" + q.Encode()
}
