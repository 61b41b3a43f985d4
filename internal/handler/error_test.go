package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/haatos/runsync/internal/jenkins"
	"github.com/haatos/runsync/internal/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"run not found", service.ErrRunNotFound, http.StatusNotFound},
		{"wrapped build not found", fmt.Errorf("sync: %w", jenkins.ErrBuildNotFound), http.StatusNotFound},
		{"no external reference", &service.SyncError{RunID: 1, Err: service.ErrNoExternalReference}, http.StatusConflict},
		{"invalid callback", service.InvalidCallbackError{Message: "bad"}, http.StatusBadRequest},
		{"jenkins http error", &jenkins.HTTPError{StatusCode: http.StatusBadGateway}, http.StatusBadGateway},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run("success - "+tt.name, func(t *testing.T) {
			// act
			err := serviceError(tt.err, "failed")

			// assert
			he := requireHTTPError(t, err, tt.code)
			assert.ErrorIs(t, he.Internal, tt.err)
		})
	}
}

func TestNewErrorHandler(t *testing.T) {
	t.Run("success - http error rendered as json", func(t *testing.T) {
		// arrange
		c, rec := newJSONContext(http.MethodGet, "/api/executions/1", "")
		handler := NewErrorHandler(zap.NewNop().Sugar())

		// act
		handler(newError(service.ErrRunNotFound, http.StatusNotFound, "execution not found"), c)

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"success":false,"message":"execution not found"}`, rec.Body.String())
	})
	t.Run("success - plain error hidden behind a generic message", func(t *testing.T) {
		// arrange
		c, rec := newJSONContext(http.MethodGet, "/api/executions/1", "")
		handler := NewErrorHandler(zap.NewNop().Sugar())

		// act
		handler(errors.New("disk I/O error"), c)

		// assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk")
	})
}
