package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/ttlcache"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

const (
	tokenTTL = 5 * time.Minute
	roleTTL  = 2 * time.Minute
)

// Principal is a validated caller.
type Principal struct {
	UserID      string       `json:"id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"displayName"`
	AvatarURL   string       `json:"avatarUrl"`
	Role        command.Role `json:"-"`
}

// TokenSource supplies the bot token used for the moderator-list lookup.
type TokenSource interface {
	AccessToken() string
}

// Service resolves session tokens into principals. Principals cache for five
// minutes per token, roles for two minutes per user, both behind
// single-flight loads.
type Service struct {
	api     *twitch.Client
	bot     TokenSource
	channel string

	mu            sync.Mutex
	broadcasterID string

	tokens *ttlcache.Cache[*Principal]
	roles  *ttlcache.Cache[command.Role]
}

func NewService(api *twitch.Client, bot TokenSource, channel string) *Service {
	return &Service{
		api:     api,
		bot:     bot,
		channel: channel,
		tokens:  ttlcache.New[*Principal](tokenTTL, time.Minute),
		roles:   ttlcache.New[command.Role](roleTTL, time.Minute),
	}
}

// Close stops the cache sweepers.
func (s *Service) Close() {
	s.tokens.Close()
	s.roles.Close()
}

// Resolve validates a session token and returns the caller with their role.
// An invalid or expired token yields ErrNotAuthenticated.
func (s *Service) Resolve(ctx context.Context, token string) (*Principal, error) {
	return s.tokens.GetOrLoad(ctx, token, func(ctx context.Context) (*Principal, error) {
		validation, err := s.api.ValidateToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to validate token: %w", err)
		}
		if validation == nil {
			return nil, ErrNotAuthenticated
		}

		user, err := s.api.GetSelf(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user: %w", err)
		}
		if user == nil {
			return nil, ErrNotAuthenticated
		}

		role, err := s.role(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &Principal{
			UserID:      user.ID,
			Username:    user.Login,
			DisplayName: user.DisplayName,
			AvatarURL:   user.ProfileImageURL,
			Role:        role,
		}, nil
	})
}

// role determines the caller's standing in the configured channel, cached per
// (user, channel).
func (s *Service) role(ctx context.Context, userID string) (command.Role, error) {
	return s.roles.GetOrLoad(ctx, userID+"@"+s.channel, func(ctx context.Context) (command.Role, error) {
		broadcasterID, err := s.resolveBroadcasterID(ctx)
		if err != nil {
			return command.RoleViewer, err
		}
		if userID == broadcasterID {
			return command.RoleBroadcaster, nil
		}
		isMod, err := s.api.IsModerator(ctx, s.bot.AccessToken(), broadcasterID, userID)
		if err != nil {
			return command.RoleViewer, fmt.Errorf("failed to check moderator list: %w", err)
		}
		if isMod {
			return command.RoleModerator, nil
		}
		return command.RoleViewer, nil
	})
}

func (s *Service) resolveBroadcasterID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcasterID != "" {
		return s.broadcasterID, nil
	}
	user, err := s.api.GetUserByLogin(ctx, s.bot.AccessToken(), s.channel)
	if err != nil {
		return "", fmt.Errorf("failed to resolve channel %q: %w", s.channel, err)
	}
	if user == nil {
		return "", fmt.Errorf("channel %q does not exist", s.channel)
	}
	s.broadcasterID = user.ID
	return s.broadcasterID, nil
}

// CacheStats reports both caches for the admin endpoint.
func (s *Service) CacheStats() map[string]ttlcache.Stats {
	return map[string]ttlcache.Stats{
		"tokens": s.tokens.Stats(),
		"roles":  s.roles.Stats(),
	}
}

// ClearToken drops one cached principal.
func (s *Service) ClearToken(token string) {
	s.tokens.Delete(token)
}

// ClearRole drops one cached role.
func (s *Service) ClearRole(userID string) {
	s.roles.Delete(userID + "@" + s.channel)
}

// ClearAll drops both caches.
func (s *Service) ClearAll() {
	s.tokens.Purge()
	s.roles.Purge()
}
