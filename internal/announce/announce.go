// Package announce implements the Announcer (periodic ssdp:alive /
// shutdown ssdp:byebye) and the Discovery Responder (M-SEARCH replies),
// sharing the multicast listener the way 3mrgnc3-goSSDPkit's single
// Listener type served both directions.
//
// DeviceProfile sharing between the two tasks uses atomic.Pointer, the
// single-writer/many-reader swap spec.md §9 calls for; no lock is ever
// held across the descriptor's network call.
package announce

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fenio/dlna-proxy/internal/descriptor"
	"github.com/fenio/dlna-proxy/internal/logging"
	"github.com/fenio/dlna-proxy/internal/ssdp"
)

// Config bundles the values the Announcer and Discovery Responder need
// that aren't carried on DeviceProfile itself.
type Config struct {
	DescriptionURL string
	Interval       time.Duration
	ConnectTimeout time.Duration
	Wait           bool
	WaitSeconds    time.Duration
	BootID         int
}

// byebyeBudget is the total (not per-write) time budget for the shutdown
// NOTIFY phase, per spec.md §4.D regression 0.4.7.
const byebyeBudget = 2 * time.Second

// Shared holds the atomically-swapped DeviceProfile the Announcer writes
// and the Discovery Responder reads.
type Shared struct {
	profile atomic.Pointer[descriptor.Profile]
}

func (s *Shared) Load() *descriptor.Profile  { return s.profile.Load() }
func (s *Shared) Store(p *descriptor.Profile) { s.profile.Store(p) }

// Announcer runs the periodic ssdp:alive tick and the shutdown byebye.
type Announcer struct {
	cfg    Config
	shared *Shared
	sock   *net.UDPConn
	log    *zap.SugaredLogger
	warn   *logging.Throttled
}

// NewAnnouncer builds an Announcer. sock is the broadcaster socket
// (ephemeral port, never 1900).
func NewAnnouncer(cfg Config, shared *Shared, sock *net.UDPConn, log *zap.SugaredLogger) *Announcer {
	return &Announcer{
		cfg:    cfg,
		shared: shared,
		sock:   sock,
		log:    log,
		warn:   logging.NewThrottled(log, time.Second, cfg.Interval),
	}
}

// InitialFetch performs the startup descriptor fetch. If it fails and
// wait mode is off, the error is returned as-is (an
// *apperr.RemoteUnreachable or *apperr.Malformed) for the caller to treat
// as fatal. If wait
// mode is on, InitialFetch retries every cfg.WaitSeconds until ctx is
// canceled or a fetch succeeds.
func (a *Announcer) InitialFetch(ctx context.Context) error {
	p, err := descriptor.Fetch(ctx, a.cfg.DescriptionURL, a.cfg.ConnectTimeout, a.cfg.BootID)
	if err == nil {
		a.shared.Store(p)
		return nil
	}
	if !a.cfg.Wait {
		return err
	}

	a.log.Warnf("initial descriptor fetch failed, retrying every %s: %v", a.cfg.WaitSeconds, err)
	ticker := time.NewTicker(a.cfg.WaitSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p, err := descriptor.Fetch(ctx, a.cfg.DescriptionURL, a.cfg.ConnectTimeout, a.cfg.BootID)
			if err != nil {
				a.log.Warnf("descriptor still unreachable: %v", err)
				continue
			}
			a.shared.Store(p)
			return nil
		}
	}
}

// Run executes the steady-state tick loop until ctx is canceled, then
// emits the byebye phase and returns.
func (a *Announcer) Run(ctx context.Context) error {
	maxAge := int(a.cfg.Interval.Seconds() * 1.5)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.byebye()
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx, maxAge)
		}
	}
}

func (a *Announcer) tick(ctx context.Context, maxAge int) {
	p, err := descriptor.Fetch(ctx, a.cfg.DescriptionURL, a.cfg.ConnectTimeout, a.cfg.BootID)
	if err != nil {
		// A refresh failure leaves the cached profile untouched and this
		// tick announces from it; the tick is skipped only when no
		// fetch has ever succeeded.
		a.warn.Warnf("descriptor refresh failed: %v", err)
		p = a.shared.Load()
		if p == nil {
			return
		}
	} else {
		a.warn.Reset()
		a.shared.Store(p)
	}

	for _, nt := range targetSet(p) {
		datagram := ssdp.BuildAlive(ssdp.AliveParams{
			MaxAge:      maxAge,
			LocationURL: p.LocationURL,
			NT:          nt,
			Server:      p.ServerString,
			USN:         usnFor(p, nt),
			BootID:      p.BootID,
			ConfigID:    p.ConfigID,
		})
		a.send(datagram)
	}
}

// byebye emits the shutdown byebye NOTIFYs, bounded by a single
// 2-second total budget across every write (spec.md §4.D regression
// 0.4.7) — not per write. No byebye is sent at startup.
func (a *Announcer) byebye() {
	p := a.shared.Load()
	if p == nil {
		return
	}
	deadline := time.Now().Add(byebyeBudget)
	for _, nt := range targetSet(p) {
		if time.Now().After(deadline) {
			return
		}
		datagram := ssdp.BuildByebye(ssdp.ByebyeParams{
			NT:     nt,
			USN:    usnFor(p, nt),
			BootID: p.BootID,
		})
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		a.sock.SetWriteDeadline(time.Now().Add(remaining))
		a.send(datagram)
	}
}

func (a *Announcer) send(datagram []byte) {
	dst, err := net.ResolveUDPAddr("udp4", ssdp.MulticastAddr)
	if err != nil {
		a.log.Errorf("resolving multicast address: %v", err)
		return
	}
	if _, err := a.sock.WriteToUDP(datagram, dst); err != nil {
		a.warn.Warnf("sending NOTIFY: %v", err)
	}
}

// targetSet returns the three NT values the Announcer advertises for,
// in the fixed order spec.md §5 requires within a single tick:
// upnp:rootdevice, the device type, then the UDN-based USN.
func targetSet(p *descriptor.Profile) []string {
	return []string{"upnp:rootdevice", p.DeviceType, p.USN}
}

// usnFor derives the USN header value for a given NT target: for
// upnp:rootdevice and the device type, USN is "<usn>::<nt>"; for the
// USN target itself, it's just the USN.
func usnFor(p *descriptor.Profile, nt string) string {
	if nt == p.USN {
		return p.USN
	}
	return p.USN + "::" + nt
}

// Responder is the Discovery Responder: it reads M-SEARCH datagrams from
// the shared multicast listener and replies from the broadcast socket.
type Responder struct {
	shared     *Shared
	listenSock *net.UDPConn
	replySock  *net.UDPConn
	log        *zap.SugaredLogger
}

// NewResponder builds a Responder. listenSock is the multicast listener
// (bound :1900); replySock is the broadcaster (never port 1900), since
// replies must never originate from 1900 per spec.md §4.E regression 0.4.0.
func NewResponder(shared *Shared, listenSock, replySock *net.UDPConn, log *zap.SugaredLogger) *Responder {
	return &Responder{shared: shared, listenSock: listenSock, replySock: replySock, log: log}
}

// Run reads datagrams until ctx is canceled or the listener socket closes.
func (r *Responder) Run(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.listenSock.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := r.listenSock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		r.handle(buf[:n], addr)
	}
}

func (r *Responder) handle(data []byte, addr *net.UDPAddr) {
	msg, err := ssdp.Parse(data)
	if err != nil {
		r.log.Debugf("dropping SSDP datagram from %s: %v", addr, err)
		return
	}
	if !msg.IsMSearch() {
		return
	}

	st := msg.Header("st")
	p := r.shared.Load()
	if p == nil {
		return
	}
	if !ssdp.MatchesSearchTarget(st, p.DeviceType, p.USN) {
		return
	}

	mx := parseMX(msg.Header("mx"))
	delay := jitter(mx)

	// ssdp:all matches every target set this device advertises, so it
	// gets one reply per set (spec.md §8 scenario S5); a specific ST
	// matches exactly one.
	var nts []string
	if st == "ssdp:all" {
		nts = targetSet(p)
	} else {
		nts = []string{st}
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		for _, nt := range nts {
			// Each response's ST echoes the matched target itself (the
			// NT), not the literal "ssdp:all" that was searched for —
			// that's how a real control point tells the three replies
			// apart.
			r.reply(nt, p, addr)
		}
	}()
}

func (r *Responder) reply(nt string, p *descriptor.Profile, addr *net.UDPAddr) {
	resp := ssdp.BuildSearchResponse(ssdp.SearchResponseParams{
		MaxAge:      1800,
		LocationURL: p.LocationURL,
		Server:      p.ServerString,
		ST:          nt,
		USN:         usnFor(p, nt),
		BootID:      p.BootID,
		ConfigID:    p.ConfigID,
		Now:         time.Now(),
	})
	if _, err := r.replySock.WriteToUDP(resp, addr); err != nil {
		r.log.Warnf("replying to M-SEARCH from %s: %v", addr, err)
	}
}

func parseMX(raw string) int {
	var mx int
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		mx = mx*10 + int(c-'0')
	}
	return mx
}

// jitter returns a uniform random delay in [0, min(mx, 3)] seconds, per
// spec.md §4.E.
func jitter(mx int) time.Duration {
	if mx <= 0 {
		return 0
	}
	if mx > 3 {
		mx = 3
	}
	return time.Duration(rand.Int63n(int64(mx)+1)) * time.Second
}
