package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/clipqueue/cmd/web/auth"
	"thirdcoast.systems/clipqueue/internal/command"
	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/queue"
)

// Machine-readable error codes. Clients branch on these, not on message text.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeNotAuthenticated     = "NOT_AUTHENTICATED"
	CodeForbidden            = "FORBIDDEN"
	CodeClipNotFound         = "CLIP_NOT_FOUND"
	CodeClipNotInQueue       = "CLIP_NOT_IN_QUEUE"
	CodeClipNotInHistory     = "CLIP_NOT_IN_HISTORY"
	CodePendingClipNotFound  = "PENDING_CLIP_NOT_FOUND"
	CodeRejectedClipNotFound = "REJECTED_CLIP_NOT_FOUND"
	CodeClipNotRejected      = "CLIP_NOT_REJECTED"
	CodeInvalidSettings      = "INVALID_SETTINGS"
	CodeRateLimited          = "RATE_LIMITED"
	CodeDomainNotAllowed     = "DOMAIN_NOT_ALLOWED"
	CodeInternal             = "INTERNAL_SERVER_ERROR"
)

type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func badRequest(message string, details any) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeInvalidInput, Message: message, Details: details}
}

func notAuthenticated() *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: CodeNotAuthenticated, Message: "authentication required"}
}

func forbidden(role command.Role) *apiError {
	return &apiError{Status: http.StatusForbidden, Code: CodeForbidden, Message: "requires " + role.String() + " role"}
}

func notFound(code, id string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: code, Message: id}
}

// mapError translates domain sentinels into API errors. Anything unmatched
// surfaces as a 500 and is logged by the responder.
func mapError(err error, clipID string) *apiError {
	switch {
	case errors.Is(err, queue.ErrClipNotInQueue):
		return notFound(CodeClipNotInQueue, clipID)
	case errors.Is(err, queue.ErrClipNotInHistory):
		return notFound(CodeClipNotInHistory, clipID)
	case errors.Is(err, command.ErrPendingClipNotFound):
		return notFound(CodePendingClipNotFound, clipID)
	case errors.Is(err, command.ErrRejectedClipNotFound):
		return notFound(CodeRejectedClipNotFound, clipID)
	case errors.Is(err, command.ErrClipNotFound):
		return notFound(CodeClipNotFound, clipID)
	case errors.Is(err, command.ErrClipNotRejected):
		return &apiError{Status: http.StatusConflict, Code: CodeClipNotRejected, Message: clipID}
	case errors.Is(err, db.ErrInvalidSettings):
		return &apiError{Status: http.StatusBadRequest, Code: CodeInvalidSettings, Message: err.Error()}
	case errors.Is(err, db.ErrInvalidCursor):
		return badRequest("invalid cursor", nil)
	case errors.Is(err, auth.ErrNotAuthenticated):
		return notAuthenticated()
	default:
		return &apiError{Status: http.StatusInternalServerError, Code: CodeInternal}
	}
}

// errorHandler is the echo HTTPErrorHandler: every failure leaves the process
// as a JSON body with a machine code. Internals never leak in production.
func (s *Webserver) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			apiErr = &apiError{Status: httpErr.Code}
			switch httpErr.Code {
			case http.StatusNotFound:
				apiErr.Code = CodeClipNotFound
				apiErr.Message = "not found"
			case http.StatusMethodNotAllowed:
				apiErr.Code = CodeInvalidInput
				apiErr.Message = "method not allowed"
			case http.StatusRequestEntityTooLarge:
				apiErr.Code = CodeInvalidInput
				apiErr.Message = "request body too large"
			case http.StatusUnauthorized:
				apiErr.Code = CodeNotAuthenticated
			case http.StatusForbidden:
				apiErr.Code = CodeForbidden
			default:
				apiErr.Code = CodeInternal
			}
		} else {
			apiErr = mapError(err, "")
		}
	}

	if apiErr.Status >= 500 {
		slog.Error("request failed",
			"method", c.Request().Method,
			"uri", c.Request().RequestURI,
			"error", err,
		)
		if !s.cfg.IsProduction() {
			apiErr.Message = err.Error()
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(apiErr.Status)
		return
	}
	_ = c.JSON(apiErr.Status, apiErr)
}
