// Package sockets builds the three listening sockets the rest of the
// process depends on: the SSDP multicast listener, the SSDP unicast
// broadcaster used for ssdp:alive/byebye, and the TCP proxy listener.
//
// Interface resolution is adapted from 3mrgnc3-goSSDPkit's
// getIPFromInterface / getIPFromInterfaceStruct (cmd/goSSDPkit/main.go):
// exact name match first, generalized here to return an error instead of
// calling os.Exit so callers can decide how fatal a bad --iface is.
// Multicast group join is adapted from pkg/ssdp/listener.go's NewListener,
// which already used golang.org/x/net/ipv4.PacketConn.JoinGroup — kept,
// but SO_REUSEADDR is now set for real via net.ListenConfig.Control
// (the teacher's version called conn.SetReadBuffer and mislabeled it as
// enabling SO_REUSEADDR in a comment; that never actually sets the
// socket option, so real concurrent binds would have failed).
package sockets

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

const ssdpPort = 1900

// ResolveInterface finds the network interface and its first usable IPv4
// address. An empty name picks the first non-loopback interface with an
// IPv4 address, which is what a bare "listen on whatever's up" invocation
// needs.
func ResolveInterface(name string) (*net.Interface, net.IP, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, nil, fmt.Errorf("interface %q not found: %w", name, err)
		}
		ip, err := ipv4OnInterface(iface)
		if err != nil {
			return nil, nil, err
		}
		return iface, ip, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, err := ipv4OnInterface(&iface); err == nil {
			return &iface, ip, nil
		}
	}
	return nil, nil, fmt.Errorf("no usable non-loopback IPv4 interface found")
}

func ipv4OnInterface(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addresses for interface %s: %w", iface.Name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address on interface %s", iface.Name)
}

// reuseAddrControl is passed to net.ListenConfig.Control so every socket
// this package opens sets SO_REUSEADDR before bind, matching the teacher's
// intent (stated, if not actually implemented, in pkg/ssdp/listener.go).
func reuseAddrControl(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// bindToDeviceControl additionally binds the socket to a named interface
// via SO_BINDTODEVICE. This requires CAP_NET_RAW (or root) on Linux; an
// unprivileged process will get EPERM, which callers
// should treat as a SocketSetupError rather than silently falling back,
// since a silent fallback could leak multicast traffic onto the wrong
// interface.
func bindToDeviceControl(iface string) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if err := reuseAddrControl(network, address, c); err != nil {
			return err
		}
		if iface == "" {
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// SSDPListener is the multicast receive socket the Discovery Responder
// reads M-SEARCH datagrams from. It is bound to :1900 (not ephemeral,
// since the multicast group expects traffic there) and joins the SSDP
// group with loopback enabled, per spec: loopback lets a process on the
// same host exercise its own Discovery Responder during development.
type SSDPListener struct {
	*net.UDPConn
	PacketConn *ipv4.PacketConn
	Iface      *net.Interface
}

// MulticastGroupAddr is the SSDP multicast group/port.
const MulticastGroupAddr = "239.255.255.250:1900"

// BuildSSDPListener opens the SSDP multicast receive socket: binds
// 0.0.0.0:1900, then joins the 239.255.255.250 group on the named
// interface, or on the autodetected first non-loopback IPv4 interface
// if ifaceName is empty (see ResolveInterface).
func BuildSSDPListener(ifaceName string) (*SSDPListener, net.IP, error) {
	iface, ip, err := ResolveInterface(ifaceName)
	if err != nil {
		return nil, nil, &apperr.SocketSetupError{Which: "ssdp-listener", Cause: err}
	}

	lc := net.ListenConfig{Control: bindToDeviceControl(ifaceName)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", ssdpPort))
	if err != nil {
		return nil, nil, &apperr.SocketSetupError{Which: "ssdp-listener", Cause: err}
	}
	conn := pc.(*net.UDPConn)

	mcastAddr, err := net.ResolveUDPAddr("udp4", MulticastGroupAddr)
	if err != nil {
		conn.Close()
		return nil, nil, &apperr.SocketSetupError{Which: "ssdp-listener", Cause: err}
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, mcastAddr); err != nil {
		conn.Close()
		return nil, nil, &apperr.SocketSetupError{
			Which: "ssdp-listener",
			Cause: fmt.Errorf("joining multicast group on %s: %w", iface.Name, err),
		}
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, nil, &apperr.SocketSetupError{Which: "ssdp-listener", Cause: err}
	}

	return &SSDPListener{UDPConn: conn, PacketConn: pconn, Iface: iface}, ip, nil
}

// SSDPBroadcaster is the socket the Announcer sends NOTIFY from and the
// Discovery Responder sends unicast replies from. It is bound to an
// ephemeral port — never 1900, since some control points drop a NOTIFY
// whose source port is the well-known SSDP port.
type SSDPBroadcaster struct {
	*net.UDPConn
	PacketConn *ipv4.PacketConn
}

// BuildSSDPBroadcaster opens the outbound SSDP socket on an ephemeral
// port with outbound multicast TTL 4, optionally bound to a named
// interface for its outbound multicast interface selection.
func BuildSSDPBroadcaster(ifaceName string) (*SSDPBroadcaster, error) {
	lc := net.ListenConfig{Control: bindToDeviceControl(ifaceName)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, &apperr.SocketSetupError{Which: "ssdp-broadcaster", Cause: err}
	}
	conn := pc.(*net.UDPConn)

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(4); err != nil {
		conn.Close()
		return nil, &apperr.SocketSetupError{Which: "ssdp-broadcaster", Cause: err}
	}

	if ifaceName != "" {
		if iface, err := net.InterfaceByName(ifaceName); err == nil {
			if err := pconn.SetMulticastInterface(iface); err != nil {
				conn.Close()
				return nil, &apperr.SocketSetupError{Which: "ssdp-broadcaster", Cause: err}
			}
		}
	}

	return &SSDPBroadcaster{UDPConn: conn, PacketConn: pconn}, nil
}

// BuildProxyListener opens the TCP listener the intercepting proxy accepts
// connections on.
func BuildProxyListener(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &apperr.SocketSetupError{Which: "proxy-listener", Cause: err}
	}
	return ln, nil
}
