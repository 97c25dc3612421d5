// Package proxy implements the HTTP-aware intercepting TCP proxy: it
// accepts LAN client connections, dials the remote origin, pipelines
// HTTP/1.x request/response exchanges, and rewrites origin host:port
// occurrences inside text/XML response bodies so LAN clients receive
// reachable URLs.
//
// The accept loop (listen goroutine spawning one goroutine per
// connection, gated on ctx.Done()) follows the shape of the HDHomeRun
// app-proxy's runTunerProxyMode/handleTunerProxyConnection split found
// in the retrieval pack. Raw-byte header scanning uses net/textproto,
// the stdlib's line-oriented MIME header reader — no pack example wires
// a third-party HTTP/1.x parser for this (see DESIGN.md).
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

// rewriteBodyLimit bounds how large a rewrite-candidate body may be
// before Rewrite mode falls back to pass-through, per spec.md §9's open
// question (the original does not fix this; 1 MiB is this project's
// choice, recorded in DESIGN.md).
const rewriteBodyLimit = 1 << 20

// maxLogSnippet bounds the diagnostic logged for unparsable peer bytes.
const maxLogSnippet = 200

// Config carries the values the proxy needs per accepted connection.
type Config struct {
	OriginAddr    string // host:port to dial
	FromToken     string // "<origin_host>:<origin_port>"
	ToToken       string // "<local_host>:<local_port>"
	DialTimeout   time.Duration
	StreamTimeout time.Duration
}

// idleConn wraps a net.Conn so every Read and Write refreshes a fixed
// idle deadline, instead of one deadline set per protocol phase. A large
// media transfer (the product's whole purpose) can run well past
// stream_timeout as long as it keeps making progress; only a stall
// between successful reads/writes should time it out.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	n, err := c.Conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, &apperr.IoTimeout{Op: "read", Cause: err}
		}
	}
	return n, err
}

func (c *idleConn) Write(p []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.idle))
	n, err := c.Conn.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, &apperr.IoTimeout{Op: "write", Cause: err}
		}
	}
	return n, err
}

// Proxy owns the listening socket and dispatches accepted connections.
type Proxy struct {
	cfg Config
	ln  net.Listener
	log *zap.SugaredLogger
}

// New builds a Proxy around an already-bound listener (built by
// internal/sockets.BuildProxyListener).
func New(cfg Config, ln net.Listener, log *zap.SugaredLogger) *Proxy {
	return &Proxy{cfg: cfg, ln: ln, log: log}
}

// Run accepts connections until ctx is canceled, at which point the
// listener is closed and Run returns. Each accepted connection runs in
// its own goroutine and is never waited on by Run — per-connection
// tasks are allowed to finish in-flight work up to the stream timeout.
func (p *Proxy) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.ln.Close()
	}()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go p.handleConn(ctx, conn)
	}
}

func (p *Proxy) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	origin, err := dialer.DialContext(ctx, "tcp", p.cfg.OriginAddr)
	if err != nil {
		writeBadGateway(client)
		return
	}
	defer origin.Close()

	client = &idleConn{Conn: client, idle: p.cfg.StreamTimeout}
	origin = &idleConn{Conn: origin, idle: p.cfg.StreamTimeout}

	clientR := bufio.NewReader(client)
	originR := bufio.NewReader(origin)

	for {
		keepAlive, err := p.pipeOnce(client, clientR, origin, originR)
		if err != nil {
			return
		}
		if !keepAlive {
			return
		}
	}
}

// pipeOnce runs one ReadRequestHead -> ForwardRequest -> ReadResponseHead
// -> DispatchBody -> ClientWrite cycle. It returns whether the connection
// should loop for another request.
func (p *Proxy) pipeOnce(client net.Conn, clientR *bufio.Reader, origin net.Conn, originR *bufio.Reader) (bool, error) {
	reqHead, err := readHead(clientR)
	if err != nil {
		return false, err
	}
	if len(reqHead) == 0 {
		return false, io.EOF
	}

	_, reqHeaders, err := parseHead(reqHead)
	if err != nil {
		p.logSnippet("malformed request head", reqHead)
		return false, &apperr.ProtocolError{Context: "request head", Cause: err}
	}

	if _, err := origin.Write(reqHead); err != nil {
		return false, err
	}
	if err := p.forwardRequestBody(client, clientR, origin, reqHeaders); err != nil {
		return false, err
	}

	respHead, err := readHead(originR)
	if err != nil {
		return false, err
	}
	if len(respHead) == 0 {
		return false, io.EOF
	}

	_, respHeaders, err := parseHead(respHead)
	if err != nil {
		p.logSnippet("malformed response head", respHead)
		return false, &apperr.ProtocolError{Context: "response head", Cause: err}
	}

	disposition := classify(respHeaders)

	switch disposition {
	case dispositionRewrite:
		if err := p.rewriteAndForward(client, originR, respHead, respHeaders); err != nil {
			return false, err
		}
		return isKeepAlive(reqHeaders), nil
	case dispositionLengthFramed:
		if _, err := client.Write(respHead); err != nil {
			return false, err
		}
		n, _ := strconv.Atoi(respHeaders.Get("Content-Length"))
		if err := copyN(client, originR, int64(n)); err != nil {
			return false, err
		}
		return isKeepAlive(reqHeaders), nil
	case dispositionChunked:
		if _, err := client.Write(respHead); err != nil {
			return false, err
		}
		if err := p.asProtocolError(copyChunked(client, originR)); err != nil {
			return false, err
		}
		return isKeepAlive(reqHeaders), nil
	default: // dispositionStreamToClose
		if _, err := client.Write(respHead); err != nil {
			return false, err
		}
		io.Copy(client, originR)
		return false, io.EOF
	}
}

func (p *Proxy) forwardRequestBody(client net.Conn, clientR *bufio.Reader, origin net.Conn, headers textproto.MIMEHeader) error {
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return fmt.Errorf("bad request Content-Length: %w", err)
		}
		return copyN(origin, clientR, int64(n))
	}
	if strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked") {
		return p.asProtocolError(copyChunked(origin, clientR))
	}
	return nil
}

// asProtocolError logs an ASCII-sanitized diagnostic of the offending
// chunk-size line (spec.md §8 scenario S4) and wraps the error as an
// *apperr.ProtocolError. Any other error (I/O failure, EOF) passes
// through unwrapped, since only malformed peer input is a protocol error.
func (p *Proxy) asProtocolError(err error) error {
	if err == nil {
		return nil
	}
	var bad *malformedChunkSize
	if errors.As(err, &bad) {
		p.logSnippet("malformed chunk size", bad.line)
		return &apperr.ProtocolError{Context: "chunked transfer encoding", Cause: err}
	}
	return err
}

// rewriteAndForward buffers a text/XML response body (bounded by
// rewriteBodyLimit), substitutes cfg.FromToken for cfg.ToToken, and
// forwards a recomputed Content-Length plus the rewritten body. If the
// declared length exceeds the limit, it falls back to a length-framed
// pass-through of the original bytes instead. A body with neither
// Content-Length nor chunked framing is streamed unmodified until the
// origin closes, and io.EOF is returned so the connection is closed.
func (p *Proxy) rewriteAndForward(client net.Conn, originR *bufio.Reader, respHead []byte, headers textproto.MIMEHeader) error {
	cl := headers.Get("Content-Length")
	if cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return fmt.Errorf("bad response Content-Length: %w", err)
		}
		if n > rewriteBodyLimit {
			if _, err := client.Write(respHead); err != nil {
				return err
			}
			return copyN(client, originR, int64(n))
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(originR, body); err != nil {
			return err
		}
		return p.writeRewritten(client, respHead, body)
	}

	if strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked") {
		var buf bytes.Buffer
		overflow, err := dechunkInto(&buf, originR, rewriteBodyLimit)
		if err != nil {
			return p.asProtocolError(err)
		}
		if overflow != nil {
			// Body exceeds the rewrite limit: forward the chunks already
			// consumed verbatim (original framing, never decoded away),
			// then resume a raw pass-through for the rest of the stream.
			if _, err := client.Write(respHead); err != nil {
				return err
			}
			if _, err := client.Write(overflow.rawPrefix); err != nil {
				return err
			}
			if _, err := client.Write(overflow.sizeLine); err != nil {
				return err
			}
			if err := copyN(client, originR, overflow.chunkSize); err != nil {
				return err
			}
			trailer := make([]byte, 2)
			if _, err := io.ReadFull(originR, trailer); err != nil {
				return err
			}
			if _, err := client.Write(trailer); err != nil {
				return err
			}
			return p.asProtocolError(copyChunked(client, originR))
		}
		return p.writeRewritten(client, respHead, buf.Bytes())
	}

	// Neither Content-Length nor chunked: stream-to-close, no rewrite
	// possible since the total size is unknown up front. io.EOF tells the
	// caller to close the client connection instead of looping.
	if _, err := client.Write(respHead); err != nil {
		return err
	}
	if _, err := io.Copy(client, originR); err != nil {
		return err
	}
	return io.EOF
}

func (p *Proxy) writeRewritten(client net.Conn, respHead, body []byte) error {
	rewritten := bytes.ReplaceAll(body, []byte(p.cfg.FromToken), []byte(p.cfg.ToToken))
	newHead := replaceContentLength(respHead, len(rewritten))
	if _, err := client.Write(newHead); err != nil {
		return err
	}
	_, err := client.Write(rewritten)
	return err
}

// replaceContentLength rewrites (or inserts) the Content-Length header
// line in a raw response head to match the new body length.
func replaceContentLength(head []byte, newLen int) []byte {
	lines := bytes.Split(head, []byte("\r\n"))
	found := false
	for i, line := range lines {
		if i == 0 {
			continue
		}
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := asciiLower(string(line[:idx]))
		if name == "content-length" {
			lines[i] = []byte(fmt.Sprintf("Content-Length: %d", newLen))
			found = true
		}
	}
	if !found {
		// Insert just before the trailing blank line.
		// A head ending in "\r\n\r\n" splits into two trailing empty
		// elements; inserting before the first keeps the header above
		// the blank line.
		insertAt := len(lines) - 2
		tail := append([][]byte{[]byte(fmt.Sprintf("Content-Length: %d", newLen))}, lines[insertAt:]...)
		lines = append(lines[:insertAt], tail...)
	}
	return bytes.Join(lines, []byte("\r\n"))
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

type disposition int

const (
	dispositionRewrite disposition = iota
	dispositionLengthFramed
	dispositionChunked
	dispositionStreamToClose
)

// classify implements spec.md §4.F's decision table. A missing
// Content-Type is treated as "not text/XML" (regression 0.4.5).
func classify(headers textproto.MIMEHeader) disposition {
	ct := headers.Get("Content-Type")
	isText := ct != "" && isTextOrXML(ct)
	hasLength := headers.Get("Content-Length") != ""
	isChunked := strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked")

	switch {
	case isText:
		return dispositionRewrite
	case hasLength:
		return dispositionLengthFramed
	case isChunked:
		return dispositionChunked
	default:
		return dispositionStreamToClose
	}
}

func isTextOrXML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "xml")
}

func isKeepAlive(headers textproto.MIMEHeader) bool {
	conn := strings.ToLower(headers.Get("Connection"))
	return conn != "close"
}

// readHead reads raw bytes up to and including the terminating \r\n\r\n.
func readHead(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if head.Len() == 0 && err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		head.Write(line)
		if bytes.HasSuffix(head.Bytes(), []byte("\r\n\r\n")) {
			return head.Bytes(), nil
		}
		if head.Len() > 64<<10 {
			return nil, fmt.Errorf("request/response head too large")
		}
	}
}

// parseHead splits a raw head into its start line and parsed headers
// using net/textproto for the header section, after the HTTP/1.1-style
// start line is split off.
func parseHead(head []byte) (string, textproto.MIMEHeader, error) {
	idx := bytes.Index(head, []byte("\r\n"))
	if idx < 0 {
		return "", nil, fmt.Errorf("no start line")
	}
	startLine := string(head[:idx])
	rest := head[idx+2:]

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(rest)))
	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", nil, fmt.Errorf("parsing headers: %w", err)
	}
	if headers == nil {
		headers = textproto.MIMEHeader{}
	}
	return startLine, headers, nil
}

func copyN(dst io.Writer, src io.Reader, n int64) error {
	_, err := io.CopyN(dst, src, n)
	return err
}

// malformedChunkSize wraps a chunk-size parse failure together with the
// raw offending line, so callers can log an ASCII-sanitized diagnostic
// per spec.md §8 scenario S4 without re-reading already-consumed bytes.
type malformedChunkSize struct {
	line []byte
	err  error
}

func (e *malformedChunkSize) Error() string { return fmt.Sprintf("malformed chunk size: %v", e.err) }
func (e *malformedChunkSize) Unwrap() error  { return e.err }

// dechunkOverflow carries everything needed to resume a verbatim chunked
// pass-through after dechunkInto gives up on a body too large to buffer
// for rewriting. rawPrefix holds every chunk already fully consumed,
// byte-for-byte as it appeared on the wire (size line, data, trailing
// CRLF); sizeLine and chunkSize describe the chunk that tipped over the
// limit, whose size line has been read but whose data has not.
type dechunkOverflow struct {
	rawPrefix []byte
	sizeLine  []byte
	chunkSize int64
}

// dechunkInto decodes chunked transfer encoding into buf, raw-byte
// parsed per spec.md §6. If the decoded size would exceed limit, it
// returns a non-nil *dechunkOverflow instead of an error: the original
// framing for every chunk read so far, plus the boundary chunk's size
// line, so the caller can forward the exact original bytes rather than
// re-deriving chunk framing from already-decoded payload.
func dechunkInto(buf *bytes.Buffer, r *bufio.Reader, limit int) (*dechunkOverflow, error) {
	var raw bytes.Buffer
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(trimmed, ';'); semi >= 0 {
			trimmed = trimmed[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(trimmed), 16, 64)
		if err != nil {
			return nil, &malformedChunkSize{line: []byte(trimmed), err: err}
		}
		if size == 0 {
			raw.WriteString(sizeLine)
			// Consume the trailing CRLF (and any trailer headers) up to
			// the terminating blank line.
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return nil, err
				}
				if line == "\r\n" || line == "\n" {
					return nil, nil
				}
			}
		}
		if buf.Len()+int(size) > limit {
			return &dechunkOverflow{
				rawPrefix: append([]byte(nil), raw.Bytes()...),
				sizeLine:  []byte(sizeLine),
				chunkSize: size,
			}, nil
		}
		raw.WriteString(sizeLine)
		if _, err := io.CopyN(io.MultiWriter(buf, &raw), r, size); err != nil {
			return nil, err
		}
		// Trailing CRLF after each chunk's data.
		trailer := make([]byte, 2)
		if _, err := io.ReadFull(r, trailer); err != nil {
			return nil, err
		}
		raw.Write(trailer)
	}
}

// copyChunked passes a chunked-encoded body through byte-for-byte
// without decoding the payload, only parsing size lines to know where
// the stream ends.
func copyChunked(dst io.Writer, r *bufio.Reader) error {
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, sizeLine); err != nil {
			return err
		}
		trimmed := strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(trimmed, ';'); semi >= 0 {
			trimmed = trimmed[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(trimmed), 16, 64)
		if err != nil {
			return &malformedChunkSize{line: []byte(trimmed), err: err}
		}
		if size == 0 {
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return err
				}
				if _, err := io.WriteString(dst, line); err != nil {
					return err
				}
				if line == "\r\n" || line == "\n" {
					return nil
				}
			}
		}
		if _, err := io.CopyN(dst, r, size); err != nil {
			return err
		}
		trailer := make([]byte, 2)
		if _, err := io.ReadFull(r, trailer); err != nil {
			return err
		}
		if _, err := dst.Write(trailer); err != nil {
			return err
		}
	}
}

func writeBadGateway(client net.Conn) {
	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
}

// logSnippet sanitizes raw, possibly non-UTF-8 peer bytes to ASCII
// printable characters and a bounded length before logging, per
// spec.md §9: bytes outside 0x20-0x7E become '.', truncated to
// maxLogSnippet bytes with a trailing "..." marker.
func (p *Proxy) logSnippet(context string, raw []byte) {
	p.log.Warnf("%s: %s", context, sanitize(raw))
}

func sanitize(raw []byte) string {
	n := len(raw)
	truncated := false
	if n > maxLogSnippet {
		n = maxLogSnippet
		truncated = true
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		c := raw[i]
		if c >= 0x20 && c <= 0x7e {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	if truncated {
		return string(out) + "..."
	}
	return string(out)
}
