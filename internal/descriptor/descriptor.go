// Package descriptor fetches and parses a remote UPnP device description
// document, producing the DeviceProfile the rest of the process
// advertises on the LAN's behalf.
//
// Grounded on 3mrgnc3-goSSDPkit's stdlib-only net/http use (the teacher
// never wires an HTTP client library beyond net/http, and neither does
// any other pack example for simple GET-and-parse work) plus
// encoding/xml for the description document, matching spec.md's framing
// of descriptor parsing as a mostly-opaque function: only UDN and the
// outermost deviceType are extracted.
package descriptor

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

// Profile is the result of a successful fetch: everything the Announcer,
// Discovery Responder and Proxy need to advertise and rewrite for this
// remote device.
type Profile struct {
	USN            string
	DeviceType     string
	LocationURL    string
	OriginHost     string
	OriginPort     string
	ServerString   string
	BootID         int
	ConfigID       int
}

type descriptionDoc struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		UDN        string `xml:"UDN"`
		DeviceType string `xml:"deviceType"`
	} `xml:"device"`
}

// Fetch performs one descriptor GET against descriptionURL. connectTimeout
// bounds the dial and, separately, the wait for response headers; a 5s
// deadline bounds the whole request including the body read, per
// spec.md §4.C's defaults (2s / 5s). bootID is carried through
// unchanged — it is assigned once at process start, not by the fetcher.
func Fetch(ctx context.Context, descriptionURL string, connectTimeout time.Duration, bootID int) (*Profile, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: connectTimeout,
		},
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, descriptionURL, nil)
	if err != nil {
		return nil, &apperr.Malformed{URL: descriptionURL, Cause: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &apperr.RemoteUnreachable{URL: descriptionURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperr.RemoteUnreachable{
			URL:   descriptionURL,
			Cause: fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.RemoteUnreachable{URL: descriptionURL, Cause: err}
	}

	var doc descriptionDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &apperr.Malformed{URL: descriptionURL, Cause: err}
	}
	if doc.Device.UDN == "" || doc.Device.DeviceType == "" {
		return nil, &apperr.Malformed{
			URL:   descriptionURL,
			Cause: fmt.Errorf("description missing UDN or deviceType"),
		}
	}

	host, port, err := originHostPort(descriptionURL)
	if err != nil {
		return nil, &apperr.Malformed{URL: descriptionURL, Cause: err}
	}

	udn := strings.TrimPrefix(doc.Device.UDN, "uuid:")

	return &Profile{
		USN:          fmt.Sprintf("uuid:%s::%s", udn, doc.Device.DeviceType),
		DeviceType:   doc.Device.DeviceType,
		LocationURL:  descriptionURL,
		OriginHost:   host,
		OriginPort:   port,
		ServerString: resp.Header.Get("Server"),
		BootID:       bootID,
		ConfigID:     1,
	}, nil
}

func originHostPort(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing description URL: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("description URL has no host")
	}
	return host, port, nil
}
