package command

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/metrics"
)

// HandleChat routes one chat message: prefix messages run as commands, plain
// messages containing a clip URL go through the submission pipeline. Drops
// are silent toward chat; they only leave a log entry.
func (e *Engine) HandleChat(ctx context.Context, username, text string, role Role) {
	settings := e.settings.Get()

	if name, args, ok := parseCommand(settings.CommandPrefix, text); ok {
		e.runChatCommand(ctx, name, args, username, role, &settings)
		return
	}

	rawURL, ok := extractURL(text)
	if !ok {
		return
	}
	outcome, err := e.Submit(ctx, rawURL, username, role)
	if err != nil {
		slog.Error("chat submission failed", "user", username, "url", rawURL, "error", err)
		return
	}
	slog.Info("chat submission processed", "user", username, "outcome", outcome)
}

func (e *Engine) runChatCommand(ctx context.Context, name string, args []string, username string, role Role, settings *db.Settings) {
	if !role.AtLeastModerator() {
		slog.Info("dropping chat command from viewer", "command", name, "user", username)
		return
	}
	if !settings.CommandAllowed(name) {
		slog.Info("dropping disallowed chat command", "command", name, "user", username)
		return
	}

	known, err := e.dispatchChatCommand(ctx, name, args)
	if !known {
		slog.Info("ignoring unknown chat command", "command", name, "user", username)
		return
	}
	metrics.Commands.WithLabelValues(name, "chat").Inc()
	if err != nil {
		slog.Error("chat command failed", "command", name, "user", username, "error", err)
		return
	}
	slog.Info("chat command executed", "command", name, "user", username)
}

func (e *Engine) dispatchChatCommand(ctx context.Context, name string, args []string) (bool, error) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	switch name {
	case "open":
		e.SetOpen(true)
	case "close":
		e.SetOpen(false)
	case "clear":
		return true, e.ClearQueue(ctx)
	case "setlimit":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			slog.Info("dropping setlimit with invalid argument", "arg", arg)
			return true, nil
		}
		return true, e.SetLimit(ctx, n)
	case "removelimit":
		return true, e.RemoveLimit(ctx)
	case "next":
		return true, e.Advance(ctx)
	case "prev", "previous":
		return true, e.Previous(ctx)
	case "removebysubmitter":
		if arg == "" {
			return true, nil
		}
		_, err := e.RemoveBySubmitter(ctx, arg)
		return true, err
	case "removebyplatform":
		p := db.Platform(strings.ToLower(arg))
		if !p.Valid() {
			slog.Info("dropping removebyplatform with unknown platform", "arg", arg)
			return true, nil
		}
		_, err := e.RemoveByPlatform(ctx, p)
		return true, err
	case "enableplatform", "disableplatform":
		p := db.Platform(strings.ToLower(arg))
		if !p.Valid() {
			slog.Info("dropping platform toggle with unknown platform", "command", name, "arg", arg)
			return true, nil
		}
		return true, e.SetPlatformEnabled(ctx, p, name == "enableplatform")
	case "enableautomod":
		return true, e.SetAutoModeration(ctx, true)
	case "disableautomod":
		return true, e.SetAutoModeration(ctx, false)
	case "purgecache":
		e.PurgeCaches()
	case "purgehistory":
		return true, e.ClearHistory(ctx)
	default:
		return false, nil
	}
	return true, nil
}
