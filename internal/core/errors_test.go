package core_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/core"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want core.Code
	}{
		{"coded", core.NewError(core.CodeConflict, "duplicate signer"), core.CodeConflict},
		{"wrapped", fmt.Errorf("approve: %w", core.NewError(core.CodeExpired, "past deadline")), core.CodeExpired},
		{"plain", errors.New("disk full"), core.CodeFatal},
		{"nil", nil, core.Code("")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, core.Classify(tc.err))
		})
	}
}

func TestRetriable(t *testing.T) {
	t.Parallel()

	assert.True(t, core.Retriable(core.NewError(core.CodeRetryable, "503 upstream")))
	assert.True(t, core.Retriable(core.NewError(core.CodeRateLimited, "tenant throttled")))
	assert.False(t, core.Retriable(core.NewError(core.CodeValidation, "bad dag")))
	assert.False(t, core.Retriable(errors.New("plain")))
}

func TestWrapErrorPreservesChain(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := core.WrapError(core.CodeRetryable, cause, "")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "connection reset", err.Message)
	assert.True(t, core.IsCode(err, core.CodeRetryable))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, core.HTTPStatus(core.CodeValidation))
	assert.Equal(t, http.StatusForbidden, core.HTTPStatus(core.CodeUnauthorized))
	assert.Equal(t, http.StatusConflict, core.HTTPStatus(core.CodeConflict))
	assert.Equal(t, http.StatusGone, core.HTTPStatus(core.CodeExpired))
	assert.Equal(t, http.StatusTooManyRequests, core.HTTPStatus(core.CodeRateLimited))
	assert.Equal(t, http.StatusInternalServerError, core.HTTPStatus(core.CodeFatal))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, core.ExitCode(nil))
	assert.Equal(t, 2, core.ExitCode(core.NewError(core.CodeUnauthorized, "role too low")))
	assert.Equal(t, 1, core.ExitCode(errors.New("boom")))
}

func TestErrorList(t *testing.T) {
	t.Parallel()

	var list core.ErrorList
	list.Add(nil)
	assert.False(t, list.HasErrors())

	first := errors.New("first")
	list.Add(first)
	list.Add(errors.New("second"))

	assert.True(t, list.HasErrors())
	assert.Equal(t, "first; second", list.Error())
	assert.ErrorIs(t, list, first)
	assert.Len(t, list.ToStringList(), 2)
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	cause := errors.New("must be positive")
	err := core.NewValidationError("retries", -1, cause)

	assert.Contains(t, err.Error(), "field 'retries'")
	assert.Contains(t, err.Error(), "-1")
	assert.ErrorIs(t, err, cause)
}
