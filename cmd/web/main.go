package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"thirdcoast.systems/clipqueue/cmd/web/auth"
	"thirdcoast.systems/clipqueue/cmd/web/internal/web"
	"thirdcoast.systems/clipqueue/internal/application"
	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/config"
	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/eventsub"
	"thirdcoast.systems/clipqueue/internal/platform"
	"thirdcoast.systems/clipqueue/internal/queue"
	"thirdcoast.systems/clipqueue/internal/twitch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local development keeps credentials in a .env file; in production the
	// environment is set by the supervisor and this is a no-op.
	_ = godotenv.Load()

	slog.Info("Starting clip queue service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		slog.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}
	defer dbc.Close()

	if err := dbc.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	settingsCache, err := db.NewSettingsCache(ctx, dbc)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	queueMgr := queue.NewManager(dbc)
	approved, err := dbc.GetClipsByStatus(ctx, db.StatusApproved, 0)
	if err != nil {
		slog.Error("failed to load approved clips", "error", err)
		os.Exit(1)
	}
	recent, err := dbc.RecentPlayLogs(ctx, queue.HistoryCap)
	if err != nil {
		slog.Error("failed to load play history", "error", err)
		os.Exit(1)
	}
	queueMgr.Load(approved, recent)
	slog.Info("queue state restored", "queued", len(approved), "history", len(recent))

	twitchClient := twitch.NewClient(conf.TwitchHelixURL, conf.TwitchOAuthURL, conf.TwitchClientID)
	tokens := twitch.NewTokenManager(twitchClient, conf.TwitchClientSecret, conf.TwitchBotAccessToken, conf.TwitchBotRefreshToken, conf.EnvFile)
	if _, err := tokens.Validate(ctx); err != nil {
		slog.Warn("bot token validation failed at startup", "error", err)
	}
	tokens.Start(ctx)
	defer tokens.Stop()

	registry := platform.NewRegistry(
		platform.NewKickResolver(conf.KickAPIURL),
		platform.NewSoraResolver(),
		platform.NewTwitchResolver(twitchClient, tokens),
	)

	engine := command.NewEngine(dbc, queueMgr, settingsCache, registry)
	defer engine.Close()

	sessionMgr := auth.NewSessionManager(conf.SessionSecret)
	authsvc := auth.NewService(twitchClient, tokens, conf.TwitchChannel)
	defer authsvc.Close()
	engine.OnPurgeCache(authsvc.ClearAll)

	chat := eventsub.NewClient(eventsub.Config{
		URL:     conf.TwitchEventSubURL,
		Channel: conf.TwitchChannel,
		API:     twitchClient,
		Tokens:  tokens,
		Handler: func(msg eventsub.ChatMessage) {
			role := command.RoleViewer
			switch {
			case msg.IsBroadcaster:
				role = command.RoleBroadcaster
			case msg.IsModerator:
				role = command.RoleModerator
			}
			engine.HandleChat(ctx, msg.Username, msg.Text, role)
		},
	})
	go chat.Run(ctx)

	e := web.NewWebserver(web.Deps{
		Config:   conf,
		Store:    dbc,
		Engine:   engine,
		Queue:    queueMgr,
		Settings: settingsCache,
		Auth:     authsvc,
		Sessions: sessionMgr,
		Twitch:   twitchClient,
		Chat:     chat,
	})
	defer e.Close()

	addr := ":" + strconv.Itoa(conf.WebServerPort)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("Listening", "addr", addr)
	if err := e.Start(addr); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Echo returns an error on Shutdown; treat it as normal if context is done.
		if ctx.Err() != nil {
			return
		}
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
