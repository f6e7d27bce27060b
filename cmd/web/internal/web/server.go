// Package web is the HTTP surface: the queue API, the viewer login flow, and
// the admin endpoints, all JSON over echo.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"thirdcoast.systems/clipqueue/cmd/web/auth"
	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/config"
	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/eventsub"
	"thirdcoast.systems/clipqueue/internal/queue"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

// ChatStatus is the slice of the chat client the health endpoint reads.
type ChatStatus interface {
	Status() eventsub.Status
}

// StoreReader covers the direct store reads the handlers perform; everything
// else goes through the command engine. *db.DatabaseConnection satisfies it.
type StoreReader interface {
	GetClipsByStatus(ctx context.Context, status db.ClipStatus, limit int) ([]*db.Clip, error)
	ListPlayLogs(ctx context.Context, opts db.PlayLogQuery) (*db.PlayLogPage, error)
}

type Webserver struct {
	*echo.Echo
	cfg      *config.Config
	store    StoreReader
	engine   *command.Engine
	queue    *queue.Manager
	settings command.SettingsView
	authsvc  *auth.Service
	sessions *auth.SessionManager
	api      *twitch.Client
	chat     ChatStatus
	limits   *rateLimits
	started  time.Time
}

type Deps struct {
	Config   *config.Config
	Store    StoreReader
	Engine   *command.Engine
	Queue    *queue.Manager
	Settings command.SettingsView
	Auth     *auth.Service
	Sessions *auth.SessionManager
	Twitch   *twitch.Client
	Chat     ChatStatus
}

func NewWebserver(deps Deps) *Webserver {
	s := &Webserver{
		Echo:     echo.New(),
		cfg:      deps.Config,
		store:    deps.Store,
		engine:   deps.Engine,
		queue:    deps.Queue,
		settings: deps.Settings,
		authsvc:  deps.Auth,
		sessions: deps.Sessions,
		api:      deps.Twitch,
		chat:     deps.Chat,
		limits:   newRateLimits(),
		started:  time.Now(),
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

// Close releases the rate-limit caches. The echo listener is shut down by the
// caller.
func (s *Webserver) Close() {
	s.limits.Close()
}

func (s *Webserver) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.HTTPErrorHandler = s.errorHandler

	s.Use(middleware.BodyLimit("1M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
	}))
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			switch c.Path() {
			case "/api/health", "/metrics":
				return true
			default:
				return false
			}
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("request", fields...)
			return nil
		},
	}))

	secure := middleware.SecureConfig{
		XFrameOptions:      "DENY",
		ContentTypeNosniff: "nosniff",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
	if s.cfg.IsProduction() {
		secure.HSTSMaxAge = 31536000
	}
	s.Use(middleware.SecureWithConfig(secure))

	s.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc:  s.allowOrigin,
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.OPTIONS},
		AllowHeaders:     []string{echo.HeaderContentType, "If-None-Match"},
		AllowCredentials: true,
	}))
}

// allowOrigin implements the CORS policy: production allows only the
// configured frontend; development additionally admits localhost and private
// network hosts so a dashboard on the LAN can poll.
func (s *Webserver) allowOrigin(origin string) (bool, error) {
	if s.cfg.FrontendURL != "" && strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(s.cfg.FrontendURL, "/")) {
		return true, nil
	}
	if s.cfg.IsProduction() {
		return false, nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false, nil
	}
	return isLocalOrPrivateHost(u.Hostname()), nil
}

func isLocalOrPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

const principalKey = "principal"

func principalFrom(c echo.Context) *auth.Principal {
	p, _ := c.Get(principalKey).(*auth.Principal)
	return p
}

// loadPrincipal resolves the session cookie into a principal and stores it in
// the request context. Requests without a valid session are rejected here.
func (s *Webserver) loadPrincipal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := s.sessions.Token(c.Request())
		if err != nil {
			return notAuthenticated()
		}
		principal, err := s.authsvc.Resolve(c.Request().Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrNotAuthenticated) {
				_ = s.sessions.ClearSession(c.Response().Writer, c.Request())
				return notAuthenticated()
			}
			return err
		}
		c.Set(principalKey, principal)
		return next(c)
	}
}

// requireRole gates a route on the caller's standing. loadPrincipal must run
// first.
func (s *Webserver) requireRole(min command.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := principalFrom(c)
			if p == nil {
				return notAuthenticated()
			}
			if p.Role < min {
				return forbidden(min)
			}
			return next(c)
		}
	}
}

func (s *Webserver) registerRoutes() {
	api := s.Group("/api")

	// Public reads.
	api.GET("/health", s.handleHealth, s.publicRateLimit)
	api.GET("/queue", s.handleQueueState, s.publicRateLimit)
	api.GET("/history", s.handleHistory, s.publicRateLimit)

	modChain := []echo.MiddlewareFunc{
		s.authFailureRateLimit,
		s.loadPrincipal,
		s.requireRole(command.RoleModerator),
		s.authedRateLimit,
	}
	bcChain := []echo.MiddlewareFunc{
		s.authFailureRateLimit,
		s.loadPrincipal,
		s.requireRole(command.RoleBroadcaster),
		s.authedRateLimit,
	}

	// Moderator queue operations.
	api.POST("/queue/submit", s.handleSubmit, modChain...)
	api.POST("/queue/advance", s.handleAdvance, modChain...)
	api.POST("/queue/previous", s.handlePrevious, modChain...)
	api.POST("/queue/play", s.handlePlay, modChain...)
	api.POST("/queue/remove", s.handleRemove, modChain...)
	api.POST("/queue/approve", s.handleApprove, modChain...)
	api.POST("/queue/reject", s.handleReject, modChain...)
	api.GET("/queue/pending", s.handlePending, modChain...)
	api.GET("/queue/rejected", s.handleRejected, modChain...)
	api.POST("/queue/rejected/:clipId/restore", s.handleRestore, modChain...)
	api.POST("/queue/history/:clipId/replay", s.handleReplay, modChain...)
	api.DELETE("/queue/history/:clipId", s.handleHistoryDelete, modChain...)
	api.POST("/queue/batch/remove", s.handleBatchRemove, modChain...)
	api.POST("/queue/batch/approve", s.handleBatchApprove, modChain...)
	api.POST("/queue/batch/reject", s.handleBatchReject, modChain...)

	// Broadcaster administration.
	api.DELETE("/queue", s.handleClearQueue, bcChain...)
	api.DELETE("/queue/history", s.handleClearHistory, bcChain...)
	api.POST("/queue/open", s.handleOpen, bcChain...)
	api.POST("/queue/close", s.handleClose, bcChain...)
	api.GET("/settings", s.handleGetSettings, bcChain...)
	api.PUT("/settings", s.handlePutSettings, bcChain...)
	api.GET("/auth/cache/stats", s.handleAuthCacheStats, bcChain...)
	api.POST("/auth/cache/clear", s.handleAuthCacheClear, bcChain...)

	// Session endpoints.
	api.GET("/auth/me", s.handleAuthMe, s.authFailureRateLimit, s.loadPrincipal)
	api.GET("/auth/validate", s.handleAuthValidate, s.authFailureRateLimit)
	api.POST("/auth/logout", s.handleAuthLogout, s.authFailureRateLimit)

	// Viewer login flow.
	api.GET("/oauth/login", s.handleOAuthLogin, s.authFailureRateLimit)
	api.GET("/oauth/callback", s.handleOAuthCallback, s.authFailureRateLimit)

	s.GET("/metrics", s.handleMetrics)
}
