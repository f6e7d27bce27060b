// Package auth resolves who is calling: the session cookie carries the
// viewer's platform token, and the principal/role caches keep upstream
// validation off the hot path.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	SessionName       = "clipqueue_session"
	TokenKey          = "access_token"
	OAuthStateKey     = "oauth_state"
	SessionCreatedKey = "created_at"
)

var ErrNotAuthenticated = errors.New("not authenticated")

type SessionManager struct {
	store *sessions.CookieStore
}

func NewSessionManager(secret string) *SessionManager {
	if secret == "" {
		secret = generateSecret()
	}
	return &SessionManager{
		store: sessions.NewCookieStore([]byte(secret)),
	}
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func (sm *SessionManager) options(r *http.Request) *sessions.Options {
	// Secure only when the request actually arrived over HTTPS.
	isHTTPS := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	return &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS,
	}
}

// SaveToken stores the viewer's platform access token in the cookie.
func (sm *SessionManager) SaveToken(w http.ResponseWriter, r *http.Request, token string) error {
	session, _ := sm.store.Get(r, SessionName)
	session.Values[TokenKey] = token
	session.Values[SessionCreatedKey] = time.Now().Unix()
	delete(session.Values, OAuthStateKey)
	session.Options = sm.options(r)
	return session.Save(r, w)
}

// Token returns the platform token from the cookie.
func (sm *SessionManager) Token(r *http.Request) (string, error) {
	session, err := sm.store.Get(r, SessionName)
	if err != nil {
		return "", err
	}
	val, ok := session.Values[TokenKey]
	if !ok {
		return "", ErrNotAuthenticated
	}
	token, ok := val.(string)
	if !ok || token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// SaveOAuthState stores the login flow's anti-forgery state.
func (sm *SessionManager) SaveOAuthState(w http.ResponseWriter, r *http.Request, state string) error {
	session, _ := sm.store.Get(r, SessionName)
	session.Values[OAuthStateKey] = state
	session.Options = sm.options(r)
	return session.Save(r, w)
}

// TakeOAuthState returns and clears the stored login state.
func (sm *SessionManager) TakeOAuthState(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := sm.store.Get(r, SessionName)
	if err != nil {
		return "", err
	}
	val, ok := session.Values[OAuthStateKey]
	if !ok {
		return "", ErrNotAuthenticated
	}
	state, ok := val.(string)
	if !ok || state == "" {
		return "", ErrNotAuthenticated
	}
	delete(session.Values, OAuthStateKey)
	session.Options = sm.options(r)
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return state, nil
}

// SessionCreatedAt returns when the cookie was minted, or zero.
func (sm *SessionManager) SessionCreatedAt(r *http.Request) time.Time {
	session, err := sm.store.Get(r, SessionName)
	if err != nil {
		return time.Time{}
	}
	val, ok := session.Values[SessionCreatedKey]
	if !ok {
		return time.Time{}
	}
	unix, ok := val.(int64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (sm *SessionManager) ClearSession(w http.ResponseWriter, r *http.Request) error {
	session, _ := sm.store.Get(r, SessionName)
	session.Options = sm.options(r)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
