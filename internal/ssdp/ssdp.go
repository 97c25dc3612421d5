// Package ssdp implements the SSDP message codec: parsing M-SEARCH
// requests and synthesizing ssdp:alive / ssdp:byebye NOTIFY datagrams
// and M-SEARCH responses.
//
// SSDP is HTTP/1.1-ish line syntax over UDP, not HTTP over TCP, and
// origin devices are known to send malformed encodings — so parsing
// operates on raw bytes rather than requiring valid UTF-8, the same
// stance 3mrgnc3-goSSDPkit's listener takes (regexp over the raw
// received []byte, never assuming a charset).
package ssdp

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

const (
	// MulticastAddr is the SSDP multicast group and port.
	MulticastAddr = "239.255.255.250:1900"
	multicastHost = "239.255.255.250:1900"
)

// Message is a parsed SSDP datagram: a request/status line plus headers.
// Header lookups are case-insensitive, matching HTTP semantics, but the
// original header bytes are preserved for anything that gets echoed back
// (e.g. ST in a search response).
type Message struct {
	StartLine string
	Headers   map[string]string // lower-cased keys
}

// Header returns the value for the given header name, case-insensitively.
func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}

// IsMSearch reports whether the message is an M-SEARCH request.
func (m *Message) IsMSearch() bool {
	return strings.HasPrefix(m.StartLine, "M-SEARCH")
}

// Parse decodes raw SSDP datagram bytes into a Message. It never errors on
// bad byte sequences (there is no UTF-8 validation); a datagram that
// doesn't even have a start line is reported so the caller can log and
// drop it per spec.
func Parse(data []byte) (*Message, error) {
	lines := bytes.Split(data, []byte("\r\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return nil, &apperr.ProtocolError{Context: "ssdp datagram", Cause: fmt.Errorf("empty datagram")}
	}

	msg := &Message{
		StartLine: string(lines[0]),
		Headers:   make(map[string]string, len(lines)-1),
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := asciiLower(string(line[:idx]))
		val := strings.TrimSpace(string(line[idx+1:]))
		msg.Headers[key] = val
	}

	return msg, nil
}

// asciiLower folds only bytes 'A'-'Z' to lowercase, leaving everything
// else (including non-ASCII bytes from malformed encodings) untouched —
// header *names* are always ASCII per RFC 7230, so this avoids pulling in
// a UTF-8-aware case fold for bytes that were never meant to be decoded.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// AliveParams carries the values substituted into an ssdp:alive NOTIFY.
type AliveParams struct {
	MaxAge      int
	LocationURL string
	NT          string
	Server      string
	USN         string
	BootID      int
	ConfigID    int
}

// BuildAlive synthesizes an ssdp:alive NOTIFY datagram.
func BuildAlive(p AliveParams) []byte {
	var b bytes.Buffer
	b.WriteString("NOTIFY * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", multicastHost)
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", p.MaxAge)
	fmt.Fprintf(&b, "LOCATION: %s\r\n", p.LocationURL)
	fmt.Fprintf(&b, "NT: %s\r\n", p.NT)
	b.WriteString("NTS: ssdp:alive\r\n")
	fmt.Fprintf(&b, "SERVER: %s\r\n", p.Server)
	fmt.Fprintf(&b, "USN: %s\r\n", p.USN)
	fmt.Fprintf(&b, "BOOTID.UPNP.ORG: %d\r\n", p.BootID)
	fmt.Fprintf(&b, "CONFIGID.UPNP.ORG: %d\r\n", p.ConfigID)
	b.WriteString("\r\n")
	return b.Bytes()
}

// ByebyeParams carries the values substituted into an ssdp:byebye NOTIFY.
type ByebyeParams struct {
	NT     string
	USN    string
	BootID int
}

// BuildByebye synthesizes an ssdp:byebye NOTIFY datagram. It carries no
// LOCATION header, per spec.
func BuildByebye(p ByebyeParams) []byte {
	var b bytes.Buffer
	b.WriteString("NOTIFY * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", multicastHost)
	fmt.Fprintf(&b, "NT: %s\r\n", p.NT)
	b.WriteString("NTS: ssdp:byebye\r\n")
	fmt.Fprintf(&b, "USN: %s\r\n", p.USN)
	fmt.Fprintf(&b, "BOOTID.UPNP.ORG: %d\r\n", p.BootID)
	b.WriteString("\r\n")
	return b.Bytes()
}

// SearchResponseParams carries the values substituted into an M-SEARCH
// 200 OK response.
type SearchResponseParams struct {
	MaxAge      int
	LocationURL string
	Server      string
	ST          string
	USN         string
	BootID      int
	ConfigID    int
	Now         time.Time
}

// BuildSearchResponse synthesizes the unicast 200 OK reply to an
// M-SEARCH, with p.ST as its ST header (the Discovery Responder passes
// the matched target, which for ssdp:all is not the requester's ST).
func BuildSearchResponse(p SearchResponseParams) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", p.MaxAge)
	// http.TimeFormat is RFC1123 with a literal "GMT" zone, the form
	// HTTP/UPnP DATE headers require; time.RFC1123 would render "UTC".
	fmt.Fprintf(&b, "DATE: %s\r\n", p.Now.UTC().Format(http.TimeFormat))
	b.WriteString("EXT:\r\n")
	fmt.Fprintf(&b, "LOCATION: %s\r\n", p.LocationURL)
	fmt.Fprintf(&b, "SERVER: %s\r\n", p.Server)
	fmt.Fprintf(&b, "ST: %s\r\n", p.ST)
	fmt.Fprintf(&b, "USN: %s\r\n", p.USN)
	fmt.Fprintf(&b, "BOOTID.UPNP.ORG: %d\r\n", p.BootID)
	fmt.Fprintf(&b, "CONFIGID.UPNP.ORG: %d\r\n", p.ConfigID)
	b.WriteString("\r\n")
	return b.Bytes()
}

// MatchesSearchTarget reports whether st (the incoming M-SEARCH's ST
// header) is one this device should answer, per spec.md §4.E: ssdp:all,
// upnp:rootdevice, the device's own device type, or its own USN.
func MatchesSearchTarget(st, deviceType, usn string) bool {
	switch st {
	case "ssdp:all", "upnp:rootdevice":
		return true
	case deviceType, usn:
		return true
	default:
		return false
	}
}
