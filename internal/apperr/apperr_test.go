package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSocketSetupErrorUnwraps(t *testing.T) {
	cause := errors.New("bind: address already in use")
	err := &SocketSetupError{Which: "ssdp-listener", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ssdp-listener")
}

func TestRemoteUnreachableUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &RemoteUnreachable{URL: "http://10.0.0.1:8200/desc.xml", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.1")
}

func TestConfigErrorWithoutCause(t *testing.T) {
	err := &ConfigError{Detail: "description-url is required"}
	assert.Equal(t, "config error: description-url is required", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestProtocolErrorUnwraps(t *testing.T) {
	cause := errors.New("empty datagram")
	err := &ProtocolError{Context: "ssdp datagram", Cause: cause}

	assert.ErrorIs(t, err, cause)
}

func TestIoTimeoutUnwraps(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := &IoTimeout{Op: "read", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "read")
}
