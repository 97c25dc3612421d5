package ssdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMSearch(t *testing.T) {
	raw := []byte("M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nMAN: \"ssdp:discover\"\r\nMX: 2\r\nST: ssdp:all\r\n\r\n")

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, msg.IsMSearch())
	assert.Equal(t, "ssdp:all", msg.Header("st"))
	assert.Equal(t, "2", msg.Header("MX"))
}

func TestParseHeaderNamesCaseInsensitive(t *testing.T) {
	raw := []byte("M-SEARCH * HTTP/1.1\r\nst: upnp:rootdevice\r\n\r\n")

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "upnp:rootdevice", msg.Header("ST"))
}

func TestParseEmptyDatagram(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
}

func TestBuildAliveContainsRequiredHeaders(t *testing.T) {
	datagram := BuildAlive(AliveParams{
		MaxAge:      1800,
		LocationURL: "http://192.168.1.50:8200/desc.xml",
		NT:          "upnp:rootdevice",
		Server:      "dlna-proxy/1.0",
		USN:         "uuid:abc::upnp:rootdevice",
		BootID:      1,
		ConfigID:    1,
	})
	s := string(datagram)

	assert.Contains(t, s, "NOTIFY * HTTP/1.1\r\n")
	assert.Contains(t, s, "NTS: ssdp:alive\r\n")
	assert.Contains(t, s, "LOCATION: http://192.168.1.50:8200/desc.xml\r\n")
	assert.Contains(t, s, "BOOTID.UPNP.ORG: 1\r\n")
	assert.Contains(t, s, "CONFIGID.UPNP.ORG: 1\r\n")
}

func TestBuildByebyeOmitsLocation(t *testing.T) {
	datagram := BuildByebye(ByebyeParams{
		NT:     "upnp:rootdevice",
		USN:    "uuid:abc::upnp:rootdevice",
		BootID: 1,
	})
	s := string(datagram)

	assert.Contains(t, s, "NTS: ssdp:byebye\r\n")
	assert.NotContains(t, s, "LOCATION:")
}

func TestBuildSearchResponseEchoesST(t *testing.T) {
	datagram := BuildSearchResponse(SearchResponseParams{
		MaxAge:      1800,
		LocationURL: "http://192.168.1.50:8200/desc.xml",
		Server:      "dlna-proxy/1.0",
		ST:          "ssdp:all",
		USN:         "uuid:abc::ssdp:all",
		BootID:      1,
		ConfigID:    1,
		Now:         time.Unix(0, 0),
	})
	s := string(datagram)

	assert.Contains(t, s, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, s, "ST: ssdp:all\r\n")
}

func TestBuildSearchResponseDateUsesGMTNotUTC(t *testing.T) {
	datagram := BuildSearchResponse(SearchResponseParams{
		MaxAge:      1800,
		LocationURL: "http://192.168.1.50:8200/desc.xml",
		Server:      "dlna-proxy/1.0",
		ST:          "ssdp:all",
		USN:         "uuid:abc::ssdp:all",
		BootID:      1,
		ConfigID:    1,
		Now:         time.Unix(0, 0),
	})
	s := string(datagram)

	assert.Contains(t, s, "DATE: Thu, 01 Jan 1970 00:00:00 GMT\r\n")
	assert.NotContains(t, s, "UTC")
}

func TestMatchesSearchTarget(t *testing.T) {
	deviceType := "urn:schemas-upnp-org:device:MediaServer:1"
	usn := "uuid:abc::" + deviceType

	assert.True(t, MatchesSearchTarget("ssdp:all", deviceType, usn))
	assert.True(t, MatchesSearchTarget("upnp:rootdevice", deviceType, usn))
	assert.True(t, MatchesSearchTarget(deviceType, deviceType, usn))
	assert.True(t, MatchesSearchTarget(usn, deviceType, usn))
	assert.False(t, MatchesSearchTarget("urn:schemas-upnp-org:service:ConnectionManager:1", deviceType, usn))
}
