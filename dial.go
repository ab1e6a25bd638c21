package http2

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/valyala/fasthttp"
)

// Dialer opens one HTTP/2-negotiated connection at a time. It is the
// building block Client uses to keep a small pool of live Sessions
// toward one address, the same Dialer/Client split fasthttp.HostClient
// uses to keep a pool of live connections.
type Dialer struct {
	// Addr is the "host:port" to dial.
	Addr string

	// TLSConfig, if non-nil, selects the ALPN handshake path. Leave nil
	// for a cleartext connection (prior-knowledge or Upgrade, per cfg).
	TLSConfig *tls.Config

	// Config is the session configuration applied to every connection
	// this dialer produces. A nil Config uses every default.
	Config *Config

	// NetDial overrides how the raw transport is obtained. Defaults to
	// net.Dial("tcp", Addr).
	NetDial func(addr string) (net.Conn, error)
}

func (d *Dialer) dial() (net.Conn, error) {
	if d.NetDial != nil {
		return d.NetDial(d.Addr)
	}
	return net.Dial("tcp", d.Addr)
}

// Dial opens a transport, drives it through Handshake, and returns a
// running Session. req is the first request this connection will carry:
// on the Upgrade path it is consumed as the handshake's own HTTP/1.1
// request and its response is delivered over the implicit stream 1
// before Dial returns (consumed reports this so the caller skips a
// redundant RoundTrip); on the ALPN or prior-knowledge paths it is
// unused and consumed is always false. The caller owns the Session's
// lifetime; Close it (or let a fatal transport error end Run on its own)
// to release resources.
func (d *Dialer) Dial(req *fasthttp.Request, resp *fasthttp.Response) (sess *Session, consumed bool, err error) {
	cfg := d.Config
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.sanitize()

	conn, err := d.dial()
	if err != nil {
		return nil, false, err
	}

	negotiated, upgraded, err := Handshake(conn, d.Addr, d.TLSConfig, cfg, req)
	if err != nil {
		_ = conn.Close()
		return nil, false, err
	}

	var upgrade *UpgradeStream
	if upgraded {
		upgrade = &UpgradeStream{Req: req, Resp: resp}
	}

	sess = NewSession(negotiated, cfg, upgrade)
	go func() {
		_ = sess.Run()
	}()

	if upgraded {
		if err := sess.awaitUpgradeResponse(); err != nil {
			return sess, true, err
		}
	}
	return sess, upgraded, nil
}

// Client pools Sessions toward one Dialer's address, opening additional
// connections on demand and retiring ones a peer has GOAWAY'd or that
// failed outright, replacing a retired Session lazily on the next
// RoundTrip rather than eagerly reconnecting in the background.
type Client struct {
	d *Dialer

	mu    sync.Mutex
	conns []*Session
}

// NewClient builds a Client around the given Dialer.
func NewClient(d *Dialer) *Client {
	return &Client{d: d}
}

// RoundTrip satisfies fasthttp's RoundTripper shape so a Client can be
// installed directly as a fasthttp.HostClient's transport, falling back
// (retry=true) to the caller's next RoundTripper when this connection
// pool cannot serve the request at all (e.g. every dial attempt failed).
func (c *Client) RoundTrip(_ *fasthttp.HostClient, req *fasthttp.Request, resp *fasthttp.Response) (retry bool, err error) {
	sess, consumed, err := c.acquire(req, resp)
	if err != nil {
		return true, err
	}

	if !consumed {
		err = sess.RoundTrip(req, resp)
	}
	if isConnectionError(err) {
		c.evict(sess)
	}
	return false, err
}

// acquire returns a live Session for req, dialing one if the pool is
// empty. consumed is true only when the dial itself was a fresh Upgrade
// handshake that already carried req as its stream 1 request and
// populated resp; the caller must not RoundTrip it again.
func (c *Client) acquire(req *fasthttp.Request, resp *fasthttp.Response) (sess *Session, consumed bool, err error) {
	c.mu.Lock()
	for _, s := range c.conns {
		if !s.closing.Load() && !s.goAway.Load() {
			c.mu.Unlock()
			return s, false, nil
		}
	}
	c.mu.Unlock()

	sess, consumed, err = c.d.Dial(req, resp)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.conns = append(c.conns, sess)
	c.mu.Unlock()
	return sess, consumed, nil
}

func (c *Client) evict(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.conns {
		if s == sess {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			return
		}
	}
}

// Close shuts down every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, s := range conns {
		_ = s.Close()
	}
	return nil
}
