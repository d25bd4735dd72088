package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("bad login"), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("bad init data"), TypeUnauthorized, http.StatusUnauthorized},
		{"not found", NotFoundError("no such subscription"), TypeNotFound, http.StatusNotFound},
		{"conflict", ConflictError("exists"), TypeConflict, http.StatusConflict},
		{"rate limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
		{"internal", InternalError("store failed", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("twitch failed", cause), TypeExternal, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := InternalError("failed to save subscription", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithField_Chains(t *testing.T) {
	err := ValidationError("invalid streamer login").WithField("streamer", "bad name").WithField("recipient_id", 7)

	assert.Equal(t, "bad name", err.Context["streamer"])
	assert.Equal(t, 7, err.Context["recipient_id"])
}

func TestToResponse_HidesInternalContext(t *testing.T) {
	internal := InternalError("failed", errors.New("secret detail")).WithField("query", "SELECT")
	resp := internal.ToResponse()
	assert.Equal(t, "failed", resp.Error)
	assert.Nil(t, resp.Context)

	validation := ValidationError("bad").WithField("streamer", "x y")
	assert.Equal(t, "x y", validation.ToResponse().Context["streamer"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("missing")
	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("plain")
	structured := AsStructuredError(plain)
	require.NotNil(t, structured)
	assert.Equal(t, TypeInternal, structured.Type)
	assert.ErrorIs(t, structured, plain)
}
