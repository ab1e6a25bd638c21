package http2

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/valyala/fasthttp"
)

// ErrNoHTTP2 is returned by Handshake when the peer declined HTTP/2 by
// every available path: ALPN negotiated a different protocol, or a
// plaintext upgrade attempt was rejected and prior knowledge was not
// configured. Dialer.Dial closes the connection when Handshake returns it.
var ErrNoHTTP2 = errors.New("http2: peer does not support HTTP/2")

// Handshake picks between the three ways a client can arrive at an
// HTTP/2 connection and drives whichever one applies, returning a
// transport on which the first byte written/read is already HTTP/2
// framing. Grounded on Http2ClientFilter's three entry points
// (TLS-ALPN negotiation, the cleartext upgrade request/101 exchange,
// and prior-knowledge direct write of the client preface).
//
//   - tlsConfig != nil: ALPN path. Performs the TLS handshake over conn
//     and inspects NegotiatedProtocol. req is unused.
//   - tlsConfig == nil && cfg.PriorKnowledge: returns conn unchanged, no
//     negotiation; Session.Run writes the preface as its first bytes.
//     req is unused.
//   - tlsConfig == nil && !cfg.PriorKnowledge && !cfg.NeverForceUpgrade:
//     serializes req itself as the HTTP/1.1 Upgrade request and waits for
//     101. The returned upgraded flag tells the caller req was consumed
//     this way and its eventual response will arrive over stream 1 rather
//     than needing a fresh RoundTrip.
//   - otherwise: ErrNoHTTP2.
func Handshake(conn net.Conn, addr string, tlsConfig *tls.Config, cfg *Config, req *fasthttp.Request) (transport net.Conn, upgraded bool, err error) {
	if tlsConfig != nil {
		transport, err = handshakeALPN(conn, addr, tlsConfig)
		return transport, false, err
	}
	if cfg.PriorKnowledge {
		return conn, false, nil
	}
	if cfg.NeverForceUpgrade {
		return nil, false, ErrNoHTTP2
	}
	transport, err = handshakeUpgrade(conn, addr, cfg, req)
	return transport, err == nil, err
}

// handshakeALPN wraps conn in TLS (cloning tlsConfig to inject "h2" into
// NextProtos if the caller didn't already) and requires the server to
// have selected "h2" during the handshake.
func handshakeALPN(conn net.Conn, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	cfg := tlsConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		} else {
			cfg.ServerName = addr
		}
	}
	if !containsProto(cfg.NextProtos, "h2") {
		cfg.NextProtos = append(cfg.NextProtos, "h2")
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		return nil, ErrNoHTTP2
	}
	return tlsConn, nil
}

func containsProto(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// handshakeUpgrade performs the cleartext HTTP/1.1 Upgrade dance of
// RFC 7540 section 3.2: req itself goes out as the HTTP/1.1 request,
// with Upgrade: h2c, Connection: Upgrade, HTTP2-Settings and our initial
// SETTINGS payload (base64url-encoded without its frame header) injected
// into its headers first. A 101 response means the server switched
// protocols; the caller (Handshake, then Dialer.Dial) attaches req to the
// implicit stream 1, since the upgrade request itself stood in for that
// stream's HEADERS, and the client writes its preface immediately after.
func handshakeUpgrade(conn net.Conn, addr string, cfg *Config, req *fasthttp.Request) (net.Conn, error) {
	settings := cfg.buildLocalSettings()
	payload := marshalSettingsPayload(settings)
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	if len(req.Header.Host()) == 0 {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		req.Header.SetHost(host)
	}
	// The request line carries the origin-form target ("/path?query"),
	// not an absolute URI the caller may have passed to SetRequestURI.
	req.Header.SetRequestURIBytes(req.URI().RequestURI())
	req.Header.Set("Connection", "Upgrade, HTTP2-Settings")
	req.Header.Set("Upgrade", "h2c")
	req.Header.Set("HTTP2-Settings", encoded)

	bw := bufio.NewWriter(conn)
	if err := req.Write(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	var statusCode int
	if _, err := fmt.Sscanf(statusLine, "HTTP/1.1 %d", &statusCode); err != nil {
		return nil, fmt.Errorf("http2: malformed upgrade response status line: %q", statusLine)
	}
	respHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	// The request line/headers that negotiated the upgrade must not leak
	// into the implicit stream 1 request the caller attaches to the
	// session: those three headers are connection-specific and forbidden
	// on an HTTP/2 wire (requestHeaderFields already strips them, but
	// Upgrade/HTTP2-Settings are ours alone to clean up).
	req.Header.Del("Connection")
	req.Header.Del("Upgrade")
	req.Header.Del("HTTP2-Settings")

	if statusCode != 101 {
		// Server declined the upgrade and will answer the GET over
		// HTTP/1.1 instead; that response is now buffered in br and
		// lost to us, since this package speaks only HTTP/2.
		return nil, ErrNoHTTP2
	}
	if !strings.EqualFold(respHeader.Get("Upgrade"), "h2c") {
		return nil, fmt.Errorf("http2: 101 response switched to %q, not h2c", respHeader.Get("Upgrade"))
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// marshalSettingsPayload serializes just the SETTINGS entries (no frame
// header) for the HTTP2-Settings upgrade header, per RFC 7540 section
// 3.2.1.
func marshalSettingsPayload(st *Settings) []byte {
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	st.Serialize(fr)
	payload := make([]byte, len(fr.payload))
	copy(payload, fr.payload)
	ReleaseFrameHeader(fr)
	return payload
}

// bufferedConn lets a net.Conn keep serving reads from a bufio.Reader
// that already consumed some of the socket (the tail of the 101
// response's header block can share a read with the start of the
// server's first HTTP/2 frame).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
