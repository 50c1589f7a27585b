package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("conversation not found"))
	assert.Equal(t, CodeNotFound, CodeOf(err))

	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(Storage("insert message", errors.New("broken pipe"))))
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Storage("insert message", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert message")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Unauthorized("bad token"), http.StatusUnauthorized},
		{NotFound("gone"), http.StatusNotFound},
		{Invalid("bad input"), http.StatusBadRequest},
		{Transport("topic", errors.New("down")), http.StatusServiceUnavailable},
		{Internal("boom"), http.StatusInternalServerError},
		{errors.New("foreign"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), "error: %v", c.err)
	}
}
