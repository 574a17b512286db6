package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentflow/pkg/schema"
)

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Step    *int           `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) (int, errorBody) {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return statusFor(fe.Code), errorBody{Error: fe.Message, Code: fe.Code, Step: fe.StepIndex, Details: fe.Details}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := schema.ErrCodeInternal
		switch he.Code {
		case http.StatusBadRequest, http.StatusUnsupportedMediaType:
			code = schema.ErrCodeValidation
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = schema.ErrCodeNotFound
		}
		return he.Code, errorBody{Error: fmt.Sprint(he.Message), Code: code}
	}

	return http.StatusInternalServerError, errorBody{Error: "internal error", Code: schema.ErrCodeInternal}
}

// handleError writes every handler error as a JSON body.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.deps.Logger.Error("write error response", slog.String("error", err.Error()))
	}
}

func badRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}

func invalidBody(err error) error {
	return schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err)
}
