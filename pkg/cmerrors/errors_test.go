package cmerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionScopedKinds(t *testing.T) {
	assert.True(t, AuthFailed.ConnectionScoped())
	assert.True(t, NetworkError.ConnectionScoped())
	assert.False(t, InvalidHandle.ConnectionScoped())
	assert.False(t, RemotePeerError.ConnectionScoped())
	assert.False(t, LocalTimeout.ConnectionScoped())
	assert.False(t, MediaUnsupported.ConnectionScoped())
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(NetworkError, "register failed", cause)
	assert.ErrorIs(t, err, cause)

	var asErr *Error
	require := assert.New(t)
	require.True(errors.As(err, &asErr))
	require.Equal(NetworkError, asErr.Kind)
}

func TestNewRemotePeerErrorCarriesStatus(t *testing.T) {
	err := NewRemotePeerError(486, "Busy Here")
	assert.Equal(t, RemotePeerError, err.Kind)
	assert.Contains(t, err.Error(), "486")
	assert.Contains(t, err.Error(), "Busy Here")
}

func TestErrorStringWithoutCauseOrStatus(t *testing.T) {
	err := New(InvalidArgument, "bad request")
	assert.Equal(t, "InvalidArgument: bad request", err.Error())
}
