package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := NotFound("cannot find version summary for 'a/b/c'")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)

	wrapped := fmt.Errorf("fetch summary: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
}

func TestErrorIsDoesNotMatchDifferentReasons(t *testing.T) {
	a := Validation("one")
	b := Validation("two")
	assert.False(t, errors.Is(a, b))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("no token"), http.StatusUnauthorized},
		{"forbidden", Forbidden("nope"), http.StatusForbidden},
		{"lock conflict", Conflict(http.StatusForbidden, "locked"), http.StatusForbidden},
		{"version conflict", Conflict(http.StatusConflict, "exists"), http.StatusConflict},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"quota", QuotaExceeded("too big"), http.StatusBadRequest},
		{"integrity", Integrity(http.StatusInternalServerError, "bug"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", NotFound("x")), http.StatusNotFound},
		{"foreign", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestFieldError(t *testing.T) {
	err := Field("files[2].md5sum", "should be a non-empty string")
	assert.Equal(t, "invalid 'files[2].md5sum': should be a non-empty string", err.Error())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestInternalWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "failed to read manifest")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to read manifest: connection reset", err.Error())
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
}
