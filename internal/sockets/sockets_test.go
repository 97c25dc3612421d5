package sockets

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInterfaceAutodetect(t *testing.T) {
	iface, ip, err := ResolveInterface("")
	if err != nil {
		// No usable non-loopback IPv4 interface in this sandbox; not a
		// failure of the resolution logic itself.
		t.Skipf("no usable interface available in test environment: %v", err)
	}
	require.NotNil(t, iface)
	assert.NotNil(t, ip)
	assert.True(t, ip.To4() != nil)
}

func TestResolveInterfaceUnknownName(t *testing.T) {
	_, _, err := ResolveInterface("definitely-not-a-real-interface-0")
	assert.Error(t, err)
}

func TestIpv4OnInterfaceRejectsLoopback(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 {
			continue
		}
		_, err := ipv4OnInterface(&iface)
		assert.Error(t, err, "loopback interface must not satisfy ipv4OnInterface")
		return
	}
	t.Skip("no loopback interface found in test environment")
}
