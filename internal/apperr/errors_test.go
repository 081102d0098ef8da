package apperr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := errors.Wrap(InactiveMatch("match %s ended", "m1"), "send message")

	assert.ErrorIs(t, err, ErrInactiveMatch)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindInactiveMatch, KindOf(err))
	assert.Equal(t, "match m1 ended", Message(err))
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := fmt.Errorf("boom")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal", Code(err))
	assert.Equal(t, "internal error", Message(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{InvalidTarget("x"), http.StatusBadRequest},
		{Unauthenticated(fmt.Errorf("expired")), http.StatusUnauthorized},
		{Unauthorized("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{InactiveMatch("x"), http.StatusConflict},
		{RateLimited("x"), http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(Code(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestUnauthenticatedKeepsCause(t *testing.T) {
	cause := fmt.Errorf("token expired")
	err := Unauthenticated(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, "session is not valid", Message(err))
}
