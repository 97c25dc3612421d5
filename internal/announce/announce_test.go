package announce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fenio/dlna-proxy/internal/descriptor"
)

func sampleProfile() *descriptor.Profile {
	return &descriptor.Profile{
		USN:          "uuid:abc::urn:schemas-upnp-org:device:MediaServer:1",
		DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
		LocationURL:  "http://192.168.1.50:8200/desc.xml",
		OriginHost:   "10.0.0.1",
		OriginPort:   "8200",
		ServerString: "dlna-proxy/1.0",
		BootID:       7,
		ConfigID:     1,
	}
}

func TestTargetSetOrder(t *testing.T) {
	p := sampleProfile()
	nts := targetSet(p)
	assert.Equal(t, []string{"upnp:rootdevice", p.DeviceType, p.USN}, nts)
}

func TestUsnForRootDeviceAndDeviceType(t *testing.T) {
	p := sampleProfile()
	assert.Equal(t, p.USN+"::upnp:rootdevice", usnFor(p, "upnp:rootdevice"))
	assert.Equal(t, p.USN+"::"+p.DeviceType, usnFor(p, p.DeviceType))
}

func TestUsnForUSNTargetItself(t *testing.T) {
	p := sampleProfile()
	assert.Equal(t, p.USN, usnFor(p, p.USN))
}

func TestParseMX(t *testing.T) {
	assert.Equal(t, 2, parseMX("2"))
	assert.Equal(t, 0, parseMX(""))
	assert.Equal(t, 0, parseMX("not-a-number"))
}

func TestJitterBounded(t *testing.T) {
	for _, mx := range []int{0, 1, 2, 3, 10} {
		d := jitter(mx)
		assert.True(t, d >= 0)
		assert.True(t, d <= 3_000_000_000) // 3 seconds in ns, the spec's cap
	}
}

func TestSharedProfileRoundTrip(t *testing.T) {
	var s Shared
	assert.Nil(t, s.Load())

	p := sampleProfile()
	s.Store(p)
	assert.Same(t, p, s.Load())
}
