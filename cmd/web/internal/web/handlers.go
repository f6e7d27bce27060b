package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"thirdcoast.systems/clipqueue/cmd/web/auth"
	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/metrics"
)

var validate = validator.New()

// QueueState is the full client-visible state, served on /api/queue and
// echoed back by every mutation.
type QueueState struct {
	Current         *db.Clip           `json:"current"`
	Upcoming        []*db.Clip         `json:"upcoming"`
	PlayHistory     []*db.PlayLogEntry `json:"playHistory"`
	HistoryPosition int                `json:"historyPosition"`
	IsOpen          bool               `json:"isOpen"`
	Settings        db.Settings        `json:"settings"`
}

type mutationResponse struct {
	Success bool       `json:"success"`
	Outcome string     `json:"outcome,omitempty"`
	State   QueueState `json:"state"`
}

func (s *Webserver) state() QueueState {
	snap := s.queue.Snapshot()
	return QueueState{
		Current:         snap.Current,
		Upcoming:        snap.Upcoming,
		PlayHistory:     snap.PlayHistory,
		HistoryPosition: snap.HistoryPosition,
		IsOpen:          snap.IsOpen,
		Settings:        s.settings.Get(),
	}
}

func (s *Webserver) mutated(c echo.Context, name string) error {
	metrics.Commands.WithLabelValues(name, "rest").Inc()
	return c.JSON(http.StatusOK, mutationResponse{Success: true, State: s.state()})
}

// --- public reads ---

func (s *Webserver) handleHealth(c echo.Context) error {
	status := s.chat.Status()
	es := map[string]any{
		"connected":     status.Connected,
		"connectedAt":   status.ConnectedAt,
		"lastMessageAt": status.LastMessageAt,
	}
	if status.Connected && status.ConnectedAt != nil {
		es["uptimeMs"] = time.Since(*status.ConnectedAt).Milliseconds()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"eventsub":  es,
		"queueSize": s.queue.Size(),
		"uptime":    humanize.Time(s.started),
	})
}

func (s *Webserver) handleQueueState(c echo.Context) error {
	fingerprint, err := s.queue.Fingerprint(s.settings.Get())
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("ETag", `"`+fingerprint+`"`)
	if match := c.Request().Header.Get("If-None-Match"); match != "" {
		if unquoteETag(match) == fingerprint {
			return c.NoContent(http.StatusNotModified)
		}
	}
	return c.JSON(http.StatusOK, s.state())
}

func unquoteETag(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

func (s *Webserver) handleHistory(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return badRequest("limit must be an integer between 1 and 100", nil)
		}
		limit = n
	}
	page, err := s.store.ListPlayLogs(c.Request().Context(), db.PlayLogQuery{
		Limit:    limit,
		Cursor:   c.QueryParam("cursor"),
		Paginate: true,
	})
	if err != nil {
		return mapError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries":    page.Entries,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"count":      len(page.Entries),
	})
}

// --- queue mutations ---

type submitRequest struct {
	URL       string `json:"url" validate:"required,max=500"`
	Submitter string `json:"submitter" validate:"required,min=1,max=100"`
}

func (s *Webserver) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	outcome, err := s.engine.Submit(c.Request().Context(), req.URL, req.Submitter, principalFrom(c).Role)
	if err != nil {
		return err
	}
	metrics.Commands.WithLabelValues("submit", "rest").Inc()
	return c.JSON(http.StatusOK, mutationResponse{
		Success: true,
		Outcome: string(outcome),
		State:   s.state(),
	})
}

func (s *Webserver) handleAdvance(c echo.Context) error {
	if err := s.engine.Advance(c.Request().Context()); err != nil {
		return mapError(err, "")
	}
	return s.mutated(c, "advance")
}

func (s *Webserver) handlePrevious(c echo.Context) error {
	if err := s.engine.Previous(c.Request().Context()); err != nil {
		return mapError(err, "")
	}
	return s.mutated(c, "previous")
}

type clipIDRequest struct {
	ClipID string `json:"clipId" validate:"required,min=1,max=200"`
}

func (s *Webserver) clipOp(c echo.Context, name string, op func(ctx echo.Context, clipID string) error) error {
	var req clipIDRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := op(c, req.ClipID); err != nil {
		return mapError(err, req.ClipID)
	}
	return s.mutated(c, name)
}

func (s *Webserver) handlePlay(c echo.Context) error {
	return s.clipOp(c, "play", func(c echo.Context, id string) error {
		return s.engine.Play(c.Request().Context(), id)
	})
}

func (s *Webserver) handleRemove(c echo.Context) error {
	return s.clipOp(c, "remove", func(c echo.Context, id string) error {
		return s.engine.Remove(c.Request().Context(), id)
	})
}

func (s *Webserver) handleApprove(c echo.Context) error {
	return s.clipOp(c, "approve", func(c echo.Context, id string) error {
		return s.engine.Approve(c.Request().Context(), id)
	})
}

func (s *Webserver) handleReject(c echo.Context) error {
	return s.clipOp(c, "reject", func(c echo.Context, id string) error {
		return s.engine.Reject(c.Request().Context(), id)
	})
}

func clipIDParam(c echo.Context) (string, error) {
	id := c.Param("clipId")
	if id == "" || len(id) > 200 {
		return "", badRequest("clipId must be 1-200 characters", nil)
	}
	return id, nil
}

func (s *Webserver) handleRestore(c echo.Context) error {
	id, err := clipIDParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.Restore(c.Request().Context(), id); err != nil {
		return mapError(err, id)
	}
	return s.mutated(c, "restore")
}

func (s *Webserver) handleReplay(c echo.Context) error {
	id, err := clipIDParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.Replay(c.Request().Context(), id); err != nil {
		return mapError(err, id)
	}
	return s.mutated(c, "replay")
}

func (s *Webserver) handleHistoryDelete(c echo.Context) error {
	id, err := clipIDParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.RemoveFromHistory(c.Request().Context(), id); err != nil {
		return mapError(err, id)
	}
	return s.mutated(c, "history_delete")
}

func (s *Webserver) handlePending(c echo.Context) error {
	return s.listByStatus(c, db.StatusPending)
}

func (s *Webserver) handleRejected(c echo.Context) error {
	return s.listByStatus(c, db.StatusRejected)
}

func (s *Webserver) listByStatus(c echo.Context, status db.ClipStatus) error {
	clips, err := s.store.GetClipsByStatus(c.Request().Context(), status, 0)
	if err != nil {
		return mapError(err, "")
	}
	if clips == nil {
		clips = []*db.Clip{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"clips": clips,
		"count": len(clips),
	})
}

// --- batch operations ---

type batchRequest struct {
	ClipIDs []string `json:"clipIds" validate:"required,min=1,max=100,dive,min=1,max=200"`
}

func (s *Webserver) batchOp(c echo.Context, name, resultKey string, op func(ctx echo.Context, ids []string) command.BatchResult) error {
	var req batchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res := op(c, req.ClipIDs)
	metrics.Commands.WithLabelValues(name, "rest").Inc()
	return c.JSON(http.StatusOK, map[string]any{
		resultKey:  res.Succeeded,
		"failed":   res.Failed,
		"notFound": res.NotFound,
		"state":    s.state(),
	})
}

func (s *Webserver) handleBatchRemove(c echo.Context) error {
	return s.batchOp(c, "batch_remove", "removed", func(c echo.Context, ids []string) command.BatchResult {
		return s.engine.BatchRemove(c.Request().Context(), ids)
	})
}

func (s *Webserver) handleBatchApprove(c echo.Context) error {
	return s.batchOp(c, "batch_approve", "approved", func(c echo.Context, ids []string) command.BatchResult {
		return s.engine.BatchApprove(c.Request().Context(), ids)
	})
}

func (s *Webserver) handleBatchReject(c echo.Context) error {
	return s.batchOp(c, "batch_reject", "rejected", func(c echo.Context, ids []string) command.BatchResult {
		return s.engine.BatchReject(c.Request().Context(), ids)
	})
}

// --- broadcaster administration ---

func (s *Webserver) handleClearQueue(c echo.Context) error {
	if err := s.engine.ClearQueue(c.Request().Context()); err != nil {
		return mapError(err, "")
	}
	return s.mutated(c, "clear_queue")
}

func (s *Webserver) handleClearHistory(c echo.Context) error {
	if err := s.engine.ClearHistory(c.Request().Context()); err != nil {
		return mapError(err, "")
	}
	return s.mutated(c, "clear_history")
}

func (s *Webserver) handleOpen(c echo.Context) error {
	s.engine.SetOpen(true)
	return s.mutated(c, "open")
}

func (s *Webserver) handleClose(c echo.Context) error {
	s.engine.SetOpen(false)
	return s.mutated(c, "close")
}

func (s *Webserver) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.settings.Get())
}

func (s *Webserver) handlePutSettings(c echo.Context) error {
	var settings db.Settings
	if err := c.Bind(&settings); err != nil {
		return badRequest("invalid request body", nil)
	}
	if err := s.engine.UpdateSettings(c.Request().Context(), settings); err != nil {
		return mapError(err, "")
	}
	metrics.Commands.WithLabelValues("update_settings", "rest").Inc()
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"settings": s.settings.Get(),
	})
}

func (s *Webserver) handleAuthCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.authsvc.CacheStats())
}

type cacheClearRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func (s *Webserver) handleAuthCacheClear(c echo.Context) error {
	var req cacheClearRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", nil)
	}
	switch {
	case req.Token != "":
		s.authsvc.ClearToken(req.Token)
	case req.UserID != "":
		s.authsvc.ClearRole(req.UserID)
	default:
		s.authsvc.ClearAll()
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// --- session endpoints ---

type principalView struct {
	UserID      string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Role        string `json:"role"`
}

func viewPrincipal(p *auth.Principal) principalView {
	return principalView{
		UserID:      p.UserID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Role:        p.Role.String(),
	}
}

func (s *Webserver) handleAuthMe(c echo.Context) error {
	p := principalFrom(c)
	if p == nil {
		return notAuthenticated()
	}
	return c.JSON(http.StatusOK, viewPrincipal(p))
}

func (s *Webserver) handleAuthValidate(c echo.Context) error {
	token, err := s.sessions.Token(c.Request())
	if err != nil {
		return notAuthenticated()
	}
	p, err := s.authsvc.Resolve(c.Request().Context(), token)
	if err != nil {
		return mapError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid": true,
		"user":  viewPrincipal(p),
	})
}

func (s *Webserver) handleAuthLogout(c echo.Context) error {
	if token, err := s.sessions.Token(c.Request()); err == nil {
		s.authsvc.ClearToken(token)
	}
	if err := s.sessions.ClearSession(c.Response().Writer, c.Request()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// --- viewer login flow ---

func (s *Webserver) oauthRedirectURI() string {
	return s.cfg.APIURL + "/api/oauth/callback"
}

func (s *Webserver) handleOAuthLogin(c echo.Context) error {
	state := uuid.NewString()
	if err := s.sessions.SaveOAuthState(c.Response().Writer, c.Request(), state); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, s.api.AuthorizeURL(s.oauthRedirectURI(), state))
}

func (s *Webserver) handleOAuthCallback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return badRequest("code and state are required", nil)
	}

	saved, err := s.sessions.TakeOAuthState(c.Response().Writer, c.Request())
	if err != nil || subtle.ConstantTimeCompare([]byte(saved), []byte(state)) != 1 {
		return &apiError{Status: http.StatusForbidden, Code: CodeForbidden, Message: "login state mismatch"}
	}

	grant, err := s.api.CodeGrant(c.Request().Context(), s.cfg.TwitchClientSecret, code, s.oauthRedirectURI())
	if err != nil {
		slog.Warn("authorization code exchange failed", "error", err)
		return notAuthenticated()
	}
	if err := s.sessions.SaveToken(c.Response().Writer, c.Request(), grant.AccessToken); err != nil {
		return err
	}

	target := s.cfg.FrontendURL
	if target == "" {
		target = "/"
	}
	return c.Redirect(http.StatusFound, target)
}

func (s *Webserver) handleMetrics(c echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// bindAndValidate decodes the JSON body and schema-checks it, surfacing field
// issues in the error details.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return badRequest("invalid request body", nil)
	}
	if err := validate.Struct(req); err != nil {
		var details []string
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				details = append(details, fe.Field()+" failed "+fe.Tag())
			}
		}
		return badRequest("validation failed", details)
	}
	return nil
}
