package uecho

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"epoll":      BackendEpoll,
		"readiness":  BackendEpoll,
		"":           BackendEpoll,
		"io_uring":   BackendUring,
		"URING":      BackendUring,
		"completion": BackendUring,
	}
	for in, want := range cases {
		got, err := ParseBackend(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseBackend("kqueue")
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestBackend_String(t *testing.T) {
	assert.Equal(t, "epoll", BackendEpoll.String())
	assert.Equal(t, "io_uring", BackendUring.String())
	assert.Equal(t, "Backend(7)", Backend(7).String())
}
