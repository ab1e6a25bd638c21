package http2

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// fakePeer stands in for the remote end of the connection: it reads
// whatever the Session under test writes over a net.Pipe and lets the
// caller script specific replies.
type fakePeer struct {
	br *bufio.Reader
	bw *bufio.Writer
}

func newFakePeer(c net.Conn) *fakePeer {
	return &fakePeer{br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (p *fakePeer) readPreface(t *testing.T) {
	t.Helper()
	buf := make([]byte, len(ClientPreface))
	_, err := io.ReadFull(p.br, buf)
	require.NoError(t, err)
	require.Equal(t, ClientPreface, string(buf))
}

func (p *fakePeer) readFrame(t *testing.T) *FrameHeader {
	t.Helper()
	fr, err := ReadFrameFromWithSize(p.br, maxFrameSizeLimit)
	require.NoError(t, err)
	return fr
}

func (p *fakePeer) send(t *testing.T, streamID uint32, body Frame) {
	t.Helper()
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)
	fr.SetBody(body)
	_, err := fr.WriteTo(p.bw)
	require.NoError(t, err)
	require.NoError(t, p.bw.Flush())
	ReleaseFrameHeader(fr)
}

func newTestSession() (*Session, *fakePeer, net.Conn) {
	clientConn, serverConn := net.Pipe()
	cfg := &Config{MaxResponseTime: 2 * time.Second}
	sess := NewSession(clientConn, cfg, nil)
	return sess, newFakePeer(serverConn), serverConn
}

// handshakeAsPeer drains the client's preface + initial SETTINGS, replies
// with our own SETTINGS and an ACK, and waits for the client's ACK of
// ours, leaving the connection ready for application traffic.
func handshakeAsPeer(t *testing.T, p *fakePeer) {
	t.Helper()
	p.readPreface(t)

	clientSettings := p.readFrame(t)
	require.Equal(t, FrameSettings, clientSettings.Type())
	ReleaseFrameHeader(clientSettings)

	ack := &Settings{}
	ack.SetAck(true)
	p.send(t, 0, ack)

	ours := &Settings{}
	ours.SetMaxWindowSize(defaultWindowSize)
	p.send(t, 0, ours)

	oursAck := p.readFrame(t)
	require.Equal(t, FrameSettings, oursAck.Type())
	require.True(t, oursAck.Body().(*Settings).IsAck())
	ReleaseFrameHeader(oursAck)
}

func TestSessionRoundTripHappyPath(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/hello")

	go func() {
		done <- sess.RoundTrip(req, resp)
	}()

	h := peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	require.True(t, h.Body().(*Headers).EndStream())
	ReleaseFrameHeader(h)

	respHeaders := &Headers{}
	enc := NewHPACK()
	block, err := enc.Encode([]HeaderField{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	respHeaders.SetHeader(block)
	respHeaders.SetEndHeaders(true)
	respHeaders.SetEndStream(true)
	peer.send(t, 1, respHeaders)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not complete")
	}

	require.Equal(t, 200, resp.StatusCode())
	_ = sess.Close()
}

// TestSessionInterleavedHeadersRejected covers scenario 6: a frame for any
// stream arriving while a HEADERS block still awaits its END_HEADERS is a
// connection error, since the HPACK decoder state would otherwise desync.
func TestSessionInterleavedHeadersRejected(t *testing.T) {
	sess, peer, _ := newTestSession()
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	handshakeAsPeer(t, peer)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/interleave")

	roundTripDone := make(chan error, 1)
	go func() { roundTripDone <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	partial := &Headers{}
	partial.SetHeader([]byte{0x00})
	partial.SetEndHeaders(false)
	peer.send(t, 1, partial)

	data := &Data{}
	data.SetData([]byte("unexpected"))
	peer.send(t, 1, data)

	select {
	case err := <-runDone:
		require.Error(t, err)
		gae, ok := err.(*GoAwayError)
		require.True(t, ok)
		require.Equal(t, ProtocolError, gae.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on interleaved frame")
	}

	<-roundTripDone
}

// TestSessionPushPromiseRefusedWhenDisabled covers scenario 5: a
// PUSH_PROMISE received while push is disabled locally is a connection
// error, not merely a stream-level refusal.
func TestSessionPushPromiseRefusedWhenDisabled(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cfg := &Config{MaxResponseTime: 2 * time.Second, DisablePush: true}
	sess := NewSession(clientConn, cfg, nil)
	peer := newFakePeer(serverConn)

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	handshakeAsPeer(t, peer)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/no-push")

	roundTripDone := make(chan error, 1)
	go func() { roundTripDone <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	pp := &PushPromise{}
	pp.SetStream(2)
	pp.SetHeader([]byte{0x00})
	pp.SetEndHeaders(true)
	peer.send(t, 1, pp)

	select {
	case err := <-runDone:
		require.Error(t, err)
		gae, ok := err.(*GoAwayError)
		require.True(t, ok)
		require.Equal(t, ProtocolError, gae.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on disabled push promise")
	}

	<-roundTripDone
}

func TestSessionGoAwayFailsOpenStreams(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/never-answered")

	go func() {
		done <- sess.RoundTrip(req, resp)
	}()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	ga := &GoAway{}
	ga.SetLastStreamID(0)
	ga.SetCode(NoError)
	peer.send(t, 0, ga)

	select {
	case err := <-done:
		require.Error(t, err)
		rse, ok := err.(*ResetStreamError)
		require.True(t, ok)
		require.True(t, rse.Retryable(), "a stream cut off by GOAWAY before being processed must be retryable")
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not observe the GOAWAY")
	}
}

// TestSessionFlowControlSplitsDataAcrossWindowUpdate covers scenario 4: once
// the peer narrows our per-stream send window to 10 bytes, a 25-byte body
// must go out as one 10-byte DATA frame, suspend, and only continue once a
// WINDOW_UPDATE reopens the window.
func TestSessionFlowControlSplitsDataAcrossWindowUpdate(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	narrow := &Settings{}
	narrow.SetMaxWindowSize(10)
	peer.send(t, 0, narrow)

	ack := peer.readFrame(t)
	require.Equal(t, FrameSettings, ack.Type())
	require.True(t, ack.Body().(*Settings).IsAck())
	ReleaseFrameHeader(ack)

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/big-body")
	req.SetBody(make([]byte, 25))

	go func() { done <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	require.False(t, h.Body().(*Headers).EndStream())
	ReleaseFrameHeader(h)

	first := peer.readFrame(t)
	require.Equal(t, FrameData, first.Type())
	require.Equal(t, 10, len(first.Body().(*Data).Data()))
	require.False(t, first.Body().(*Data).EndStream())
	ReleaseFrameHeader(first)

	wu := &WindowUpdate{}
	wu.SetIncrement(15)
	peer.send(t, 1, wu)

	second := peer.readFrame(t)
	require.Equal(t, FrameData, second.Type())
	require.Equal(t, 15, len(second.Body().(*Data).Data()))
	require.True(t, second.Body().(*Data).EndStream())
	ReleaseFrameHeader(second)

	respHeaders := &Headers{}
	enc := NewHPACK()
	block, err := enc.Encode([]HeaderField{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	respHeaders.SetHeader(block)
	respHeaders.SetEndHeaders(true)
	respHeaders.SetEndStream(true)
	peer.send(t, 1, respHeaders)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not complete")
	}
}

// A second header block on a stream must carry END_STREAM (trailers) and
// land in the stream's trailer container rather than overwriting the
// leading response fields.
func TestSessionTrailersDeliveredAfterData(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/with-trailers")

	go func() { done <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	ReleaseFrameHeader(h)

	enc := NewHPACK()

	leading := &Headers{}
	block, err := enc.Encode([]HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	})
	require.NoError(t, err)
	leading.SetHeader(block)
	leading.SetEndHeaders(true)
	peer.send(t, 1, leading)

	body := &Data{}
	body.SetData([]byte("abc"))
	peer.send(t, 1, body)

	trailers := &Headers{}
	block, err = enc.Encode([]HeaderField{{Name: "x-checksum", Value: "900150983cd24fb0"}})
	require.NoError(t, err)
	trailers.SetHeader(block)
	trailers.SetEndHeaders(true)
	trailers.SetEndStream(true)
	peer.send(t, 1, trailers)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not complete")
	}

	require.Equal(t, 200, resp.StatusCode())
	require.Equal(t, []byte("abc"), resp.Body())
	require.Equal(t, "900150983cd24fb0", string(resp.Header.Peek("x-checksum")))
	_ = sess.Close()
}

// A trailing header block without END_STREAM is not trailers; it is a
// protocol violation fatal to the connection.
func TestSessionSecondHeaderBlockWithoutEndStreamRejected(t *testing.T) {
	sess, peer, _ := newTestSession()
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	handshakeAsPeer(t, peer)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/bad-trailers")

	roundTripDone := make(chan error, 1)
	go func() { roundTripDone <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	enc := NewHPACK()

	leading := &Headers{}
	block, err := enc.Encode([]HeaderField{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	leading.SetHeader(block)
	leading.SetEndHeaders(true)
	peer.send(t, 1, leading)

	second := &Headers{}
	block, err = enc.Encode([]HeaderField{{Name: "x-late", Value: "nope"}})
	require.NoError(t, err)
	second.SetHeader(block)
	second.SetEndHeaders(true)
	peer.send(t, 1, second)

	select {
	case err := <-runDone:
		gae, ok := err.(*GoAwayError)
		require.True(t, ok)
		require.Equal(t, ProtocolError, gae.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on trailers without END_STREAM")
	}

	<-roundTripDone
}

// A zero-increment WINDOW_UPDATE on a stream is a stream-level protocol
// error: that stream is reset, the session survives.
func TestSessionZeroWindowUpdateResetsStream(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/zero-window")

	go func() { done <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	wu := &WindowUpdate{}
	wu.SetIncrement(0)
	peer.send(t, 1, wu)

	rst := peer.readFrame(t)
	require.Equal(t, FrameResetStream, rst.Type())
	require.Equal(t, ProtocolError, rst.Body().(*RstStream).Code())
	ReleaseFrameHeader(rst)

	select {
	case err := <-done:
		rse, ok := err.(*ResetStreamError)
		require.True(t, ok)
		require.Equal(t, ProtocolError, rse.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not observe the stream reset")
	}
	_ = sess.Close()
}

// Server-initiated (promised) stream ids must be even and strictly
// increasing; an odd promised id is a connection error.
func TestSessionPushPromiseOddStreamIDRejected(t *testing.T) {
	sess, peer, _ := newTestSession()
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	handshakeAsPeer(t, peer)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/odd-push")

	roundTripDone := make(chan error, 1)
	go func() { roundTripDone <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	ReleaseFrameHeader(h)

	pp := &PushPromise{}
	pp.SetStream(3)
	pp.SetHeader([]byte{})
	pp.SetEndHeaders(true)
	peer.send(t, 1, pp)

	select {
	case err := <-runDone:
		gae, ok := err.(*GoAwayError)
		require.True(t, ok)
		require.Equal(t, ProtocolError, gae.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on odd promised stream id")
	}

	<-roundTripDone
}

// While the h2c upgrade's implicit stream 1 is unresolved the connection's
// protocol is ambiguous, so a second request fails fast instead of being
// pipelined into the unknown.
func TestSessionRejectsPipelinedRequestDuringUpgrade(t *testing.T) {
	clientConn, _ := net.Pipe()
	defer clientConn.Close()

	upgradeReq := fasthttp.AcquireRequest()
	upgradeResp := fasthttp.AcquireResponse()
	upgradeReq.SetRequestURI("http://example.com/first")

	cfg := &Config{MaxResponseTime: time.Second}
	sess := NewSession(clientConn, cfg, &UpgradeStream{Req: upgradeReq, Resp: upgradeResp})

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("http://example.com/second")

	err := sess.RoundTrip(req, resp)
	require.Error(t, err)
	require.IsType(t, &localError{}, err)
}

func (p *fakePeer) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	_, err := p.bw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, p.bw.Flush())
}

// A header block for a stream that no longer exists must still pass
// through the decoder: the peer's encoder already committed its
// dynamic-table changes, and a later block may reference them.
func TestSessionDiscardedHeaderBlockKeepsDecoderInSync(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	req1 := fasthttp.AcquireRequest()
	resp1 := fasthttp.AcquireResponse()
	req1.SetRequestURI("https://example.com/reset-me")

	firstDone := make(chan error, 1)
	go func() { firstDone <- sess.RoundTrip(req1, resp1) }()

	h := peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	ReleaseFrameHeader(h)

	rst := &RstStream{}
	rst.SetCode(StreamCanceled)
	peer.send(t, 1, rst)

	select {
	case err := <-firstDone:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not observe the reset")
	}

	// The late response for the dead stream inserts x-session into the
	// peer encoder's dynamic table.
	enc := NewHPACK()
	fields := []HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-session", Value: "abc123"},
	}
	block, err := enc.Encode(fields)
	require.NoError(t, err)

	late := &Headers{}
	late.SetHeader(block)
	late.SetEndHeaders(true)
	late.SetEndStream(true)
	peer.send(t, 1, late)

	req2 := fasthttp.AcquireRequest()
	resp2 := fasthttp.AcquireResponse()
	req2.SetRequestURI("https://example.com/after-reset")

	secondDone := make(chan error, 1)
	go func() { secondDone <- sess.RoundTrip(req2, resp2) }()

	h = peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	require.Equal(t, uint32(3), h.Stream())
	ReleaseFrameHeader(h)

	// Same fields again: the encoder now emits dynamic-table references
	// that only decode if the discarded block was processed too.
	block, err = enc.Encode(fields)
	require.NoError(t, err)

	answer := &Headers{}
	answer.SetHeader(block)
	answer.SetEndHeaders(true)
	answer.SetEndStream(true)
	peer.send(t, 3, answer)

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second RoundTrip did not complete")
	}

	require.Equal(t, 200, resp2.StatusCode())
	require.Equal(t, "abc123", string(resp2.Header.Peek("x-session")))
	_ = sess.Close()
}

// A frame of an unrecognized type is ignored, not treated as fatal; the
// session keeps serving requests afterwards (RFC 7540 section 4.1).
func TestSessionIgnoresUnknownFrameTypes(t *testing.T) {
	sess, peer, _ := newTestSession()
	go func() { _ = sess.Run() }()

	handshakeAsPeer(t, peer)

	peer.sendRaw(t, []byte{
		0x00, 0x00, 0x03, // length 3
		0xbb,                   // unknown type
		0x00,                   // flags
		0x00, 0x00, 0x00, 0x00, // stream 0
		0x01, 0x02, 0x03, // payload
	})

	done := make(chan error, 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("https://example.com/still-alive")

	go func() { done <- sess.RoundTrip(req, resp) }()

	h := peer.readFrame(t)
	require.Equal(t, FrameHeaders, h.Type())
	ReleaseFrameHeader(h)

	respHeaders := &Headers{}
	enc := NewHPACK()
	block, err := enc.Encode([]HeaderField{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	respHeaders.SetHeader(block)
	respHeaders.SetEndHeaders(true)
	respHeaders.SetEndStream(true)
	peer.send(t, 1, respHeaders)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not complete after unknown frame")
	}
	require.Equal(t, 200, resp.StatusCode())
	_ = sess.Close()
}

// A frame whose declared length exceeds our advertised MAX_FRAME_SIZE is
// answered with GOAWAY(FRAME_SIZE_ERROR) before the transport closes, not
// a bare disconnect.
func TestSessionOversizedFrameProducesGoAway(t *testing.T) {
	sess, peer, _ := newTestSession()
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	handshakeAsPeer(t, peer)

	oversize := defaultDataFrameSize + 1
	raw := make([]byte, 9+oversize)
	raw[0] = byte(oversize >> 16)
	raw[1] = byte(oversize >> 8)
	raw[2] = byte(oversize)
	raw[3] = byte(FrameData)
	raw[8] = 1 // stream 1
	peer.sendRaw(t, raw)

	ga := peer.readFrame(t)
	require.Equal(t, FrameGoAway, ga.Type())
	require.Equal(t, FrameSizeError, ga.Body().(*GoAway).Code())
	ReleaseFrameHeader(ga)

	select {
	case err := <-runDone:
		gae, ok := err.(*GoAwayError)
		require.True(t, ok)
		require.Equal(t, FrameSizeError, gae.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on oversized frame")
	}
}
