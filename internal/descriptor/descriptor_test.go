package descriptor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

const sampleDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <UDN>uuid:4d696e69-444c-4e41-9d41-000102030405</UDN>
  </device>
</root>`

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "TestServer/1.0")
		w.Write([]byte(sampleDescription))
	}))
	defer srv.Close()

	p, err := Fetch(context.Background(), srv.URL+"/desc.xml", 2*time.Second, 42)
	require.NoError(t, err)
	assert.Equal(t, "urn:schemas-upnp-org:device:MediaServer:1", p.DeviceType)
	assert.Equal(t, "uuid:4d696e69-444c-4e41-9d41-000102030405::urn:schemas-upnp-org:device:MediaServer:1", p.USN)
	assert.Equal(t, "TestServer/1.0", p.ServerString)
	assert.Equal(t, 42, p.BootID)
	assert.Equal(t, 1, p.ConfigID)
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, 2*time.Second, 1)
	require.Error(t, err)
	var unreachable *apperr.RemoteUnreachable
	assert.True(t, errors.As(err, &unreachable))
}

func TestFetchMalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not xml at all"))
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, 2*time.Second, 1)
	require.Error(t, err)
}
