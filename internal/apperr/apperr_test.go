package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_TaggedErrorReturnsItsKind(t *testing.T) {
	err := New(KindValidation, "bad input")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestKindOf_UntaggedErrorDefaultsToInfrastructure(t *testing.T) {
	assert.Equal(t, KindInfrastructure, KindOf(errors.New("boom")))
}

func TestKindStatus_MapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindAuthentication:    http.StatusUnauthorized,
		KindAuthorization:     http.StatusForbidden,
		KindValidation:        http.StatusBadRequest,
		KindConflict:          http.StatusBadRequest,
		KindNotFound:          http.StatusNotFound,
		KindGone:              http.StatusGone,
		KindInfrastructure:    http.StatusInternalServerError,
		KindReplicationFailed: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Status())
	}
}

func TestWrap_ErrorIncludesUnderlyingMessage(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := Wrap(KindInfrastructure, "failed to persist", inner)
	assert.Contains(t, wrapped.Error(), "failed to persist")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.Equal(t, inner, wrapped.Unwrap())
}

func TestAs_FindsWrappedAppError(t *testing.T) {
	appErr := New(KindNotFound, "missing")
	wrapped := errors.New("context: " + appErr.Error())
	_, ok := As(wrapped)
	assert.False(t, ok, "a plain string-wrapped error is not a tagged *Error")

	found, ok := As(fmt.Errorf("context: %w", appErr))
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, found.Kind)
}
