package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/haatos/runsync/internal/jenkins"
	"github.com/haatos/runsync/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// NewErrorHandler renders every handler error as a JSON body. Internal
// errors are logged and never leaked to the client.
func NewErrorHandler(logger *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(
				http.StatusInternalServerError,
				"something went terribly wrong",
			).WithInternal(err)
		}
		if he.Code >= http.StatusInternalServerError {
			logger.Errorw("handler internal error",
				"path", c.Request().URL.Path,
				"status", he.Code,
				"error", he.Internal,
			)
		} else if he.Internal != nil {
			logger.Debugw("handler error",
				"path", c.Request().URL.Path,
				"status", he.Code,
				"error", he.Internal,
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, Response{Message: fmt.Sprint(he.Message)})
		}
		if err != nil {
			logger.Errorw("err returning json", "error", err)
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

// serviceError maps the service layer's errors onto HTTP statuses.
func serviceError(err error, message string) error {
	var invalid service.InvalidCallbackError
	switch {
	case errors.As(err, &invalid):
		return newError(err, http.StatusBadRequest, invalid.Message)
	case errors.Is(err, service.ErrRunNotFound):
		return newError(err, http.StatusNotFound, "execution not found")
	case errors.Is(err, service.ErrNoExternalReference):
		return newError(err, http.StatusConflict, "execution has no jenkins build attached")
	case errors.Is(err, jenkins.ErrBuildNotFound):
		return newError(err, http.StatusNotFound, "jenkins build not found")
	}
	var httpErr *jenkins.HTTPError
	if errors.As(err, &httpErr) {
		return newError(err, http.StatusBadGateway, "jenkins request failed")
	}
	return newError(err, http.StatusInternalServerError, message)
}
