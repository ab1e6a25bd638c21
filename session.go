package http2

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fastrand"
)

// Session is the per-connection state machine: one per dialed HTTP/2
// transport. It owns the stream table, the two HPACK directions, the
// session-level flow-control window, and the same three-goroutine
// concurrency shape (reader, dispatcher, writer) serverConn.go uses on
// the server side. Where serverConn demuxes inbound requests to a
// fasthttp.RequestHandler, Session runs the client role: it demuxes
// inbound responses (and pushes) back to whichever RoundTrip call is
// waiting on that stream.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	cfg *Config

	hpackMu  sync.Mutex
	enc      *HPACK
	dec      *HPACK

	settingsMu sync.Mutex
	local      Settings
	remote     Settings

	fc *flowControl // session-level window

	streamsMu sync.Mutex
	streams   map[uint32]*Stream
	nextID    uint32

	peerMaxFrameSize atomic.Uint32

	// continuationStream is the stream ID of an in-flight HEADERS or
	// PUSH_PROMISE block awaiting END_HEADERS, or 0 between blocks. Only
	// the dispatch goroutine touches it, but it is an atomic so the write
	// side (which never touches it) never needs to take streamsMu to read
	// it for diagnostics.
	continuationStream atomic.Uint32

	// continuationTarget is the Stream whose previousHeaderBytes a
	// trailing CONTINUATION accumulates into. For a HEADERS-initiated
	// block this is the frame's own stream; for a PUSH_PROMISE it is the
	// newly reserved promised stream, since RFC 7540 section 6.10 carries
	// the CONTINUATION on the PUSH_PROMISE's originating stream ID, not
	// the promised one. Touched only by the dispatch goroutine.
	continuationTarget *Stream

	// continuationIsPushPromise distinguishes a pending continuationTarget
	// block that is a PUSH_PROMISE's synthesized request (decoded into the
	// promised stream's request via finishHeaderBlockFor) from one that is real
	// HEADERS/trailers on the same stream (decoded via finishHeaderBlock).
	continuationIsPushPromise bool

	// discardHeaderBytes accumulates a header block whose stream is gone
	// (reset, refused, or never tracked). The block still has to reach the
	// decoder once complete: the peer's encoder already committed its
	// dynamic-table changes, and skipping the block would desync every
	// later block on the connection. Touched only by the dispatch
	// goroutine.
	discardHeaderBytes []byte

	writer       chan *FrameHeader
	writerMu     sync.RWMutex
	writerClosed atomic.Bool
	writerOnce   sync.Once
	writerDone    chan struct{}
	writerStarted atomic.Bool
	writerFailed  atomic.Bool

	closer     chan struct{}
	closerOnce sync.Once
	connErr    atomic.Bool
	closing    atomic.Bool

	goAway       atomic.Bool
	lastPeerID   uint32
	settingsAcks chan struct{}

	// lastPeerInitiated is the highest even (server-pushed) stream ID
	// accepted so far. PUSH_PROMISE ids must rise strictly past it, and it
	// is the last-stream-id our own GOAWAY advertises.
	lastPeerInitiated atomic.Uint32

	// prefaceSettled is cleared until the peer's first frame has been
	// accepted. Section 3.5 of RFC 7540 requires that frame to be SETTINGS;
	// anything else before it is a connection error. Touched only by the
	// dispatch goroutine.
	prefaceSettled bool

	pingTimer Timer

	// upgrading is set while an h2c Upgrade's implicit stream 1 is still
	// awaiting its response; until it resolves, the connection's protocol
	// is ambiguous and no second request may be pipelined onto it.
	upgrading atomic.Bool

	closeErr error
	closeMu  sync.Mutex
}

const writeQueueDepth = 64

// UpgradeStream carries the HTTP/1.1 request that negotiated a successful
// RFC 7540 section 3.2 Upgrade, so NewSession can attach it to the
// implicit stream 1 the server's response arrives on instead of dropping
// it for want of a registered stream.
type UpgradeStream struct {
	Req  *fasthttp.Request
	Resp *fasthttp.Response
}

// NewSession wraps an already-negotiated HTTP/2 transport (the handshake
// driver decides which of ALPN / prior-knowledge / Upgrade got us here;
// by the time NewSession is called conn is known to speak HTTP/2 from the
// first byte). upgrade is non-nil only when Handshake drove a successful
// cleartext Upgrade: the request it carries already served as stream 1's
// HEADERS, so that stream is seeded directly into half_closed(local)
// rather than being sent again, and the client's own next stream ID
// starts at 3.
func NewSession(conn net.Conn, cfg *Config, upgrade *UpgradeStream) *Session {
	cfg.sanitize()

	s := &Session{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 16*1024),
		bw:           bufio.NewWriterSize(conn, 16*1024),
		cfg:          cfg,
		enc:          NewHPACK(),
		dec:          NewHPACK(),
		fc:           newFlowControl(defaultWindowSize),
		streams:      make(map[uint32]*Stream),
		nextID:       1,
		writer:       make(chan *FrameHeader, writeQueueDepth),
		writerDone:   make(chan struct{}),
		closer:       make(chan struct{}),
		settingsAcks: make(chan struct{}, 1),
	}
	s.peerMaxFrameSize.Store(defaultDataFrameSize)
	s.remote.SetMaxWindowSize(defaultWindowSize)
	s.remote.SetMaxFrameSize(defaultDataFrameSize)

	if upgrade != nil {
		s.nextID = 3
		s.upgrading.Store(true)
		s.openUpgradeStream(upgrade)
	}

	return s
}

// openUpgradeStream seeds stream 1 as already half_closed(local): the
// Upgrade request was sent as plain HTTP/1.1 bytes before this Session
// existed, so there is no HEADERS frame to emit, only a response to wait
// for. resp is given a synthetic 200 placeholder, mirroring
// Http2ClientFilter.tryHttpUpgrade's dummy response object, until the
// real HEADERS frame on stream 1 overwrites it via finishHeaderBlock.
func (s *Session) openUpgradeStream(upgrade *UpgradeStream) {
	strm := NewStream(1, int64(s.cfg.InitialWindowSize), defaultWindowSize)
	strm.SetRequest(upgrade.Req)
	strm.SetResponse(upgrade.Resp)
	strm.setState(StreamHalfClosedLocal)
	upgrade.Resp.SetStatusCode(fasthttp.StatusOK)
	s.streams[1] = strm
}

// Run performs the preface/SETTINGS exchange and then blocks, running the
// dispatch loop in the calling goroutine while the reader and writer run
// in their own. It returns when the session terminates, with the error
// that caused the teardown (nil on a clean local Close).
func (s *Session) Run() error {
	if err := s.writePreface(); err != nil {
		return err
	}

	s.writerStarted.Store(true)
	go s.writeLoop()

	frames := make(chan *FrameHeader, writeQueueDepth)
	go s.readLoop(frames)

	if s.cfg.PingInterval > 0 {
		s.pingTimer = s.cfg.Clock.AfterFunc(s.cfg.PingInterval, s.sendHealthCheckPing)
	}

	s.dispatchLoop(frames)

	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}

	s.closeMu.Lock()
	err := s.closeErr
	s.closeMu.Unlock()
	return err
}

// writePreface sends the 24-byte client connection preface immediately
// followed by our initial SETTINGS frame, per RFC 7540 section 3.5.
func (s *Session) writePreface() error {
	if _, err := s.bw.WriteString(ClientPreface); err != nil {
		return err
	}

	local := s.cfg.buildLocalSettings()
	s.settingsMu.Lock()
	local.CopyTo(&s.local)
	s.settingsMu.Unlock()

	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(local)
	if _, err := fr.WriteTo(s.bw); err != nil {
		ReleaseFrameHeader(fr)
		return err
	}
	ReleaseFrameHeader(fr)

	select {
	case s.settingsAcks <- struct{}{}:
	default:
	}
	return s.bw.Flush()
}

// readLoop parses frames off the wire and forwards them to the dispatcher.
// It is the only goroutine that touches s.br, mirroring serverConn.readLoop.
// A frame of an unrecognized type is still forwarded: RFC 7540 section 4.1
// says to ignore it, and the dispatcher has to see it first to verify it
// doesn't interleave an open header block.
func (s *Session) readLoop(out chan<- *FrameHeader) {
	defer close(out)
	for {
		fr, err := ReadFrameFromWithSize(s.br, s.cfg.MaxFrameSize)
		if err != nil && err != ErrUnknownFrameType {
			if fr != nil {
				// The frame header parsed, so this is a peer protocol
				// violation rather than a transport loss; promote it so
				// teardown answers with GOAWAY before closing.
				ReleaseFrameHeader(fr)
				err = promoteCodecError(err)
			}
			s.teardown(err)
			return
		}
		select {
		case out <- fr:
		case <-s.closer:
			ReleaseFrameHeader(fr)
			return
		}
	}
}

// promoteCodecError maps a frame-codec failure onto the connection error
// code RFC 7540 assigns it: oversized or short frames are FRAME_SIZE_ERROR
// (section 4.2), an error that already carries a connection error code
// (such as an out-of-range SETTINGS value) keeps it, and everything else
// that parsed far enough to be attributable is PROTOCOL_ERROR.
func promoteCodecError(err error) error {
	var gae *GoAwayError
	if errors.As(err, &gae) {
		return gae
	}
	switch {
	case errors.Is(err, ErrPayloadExceeds),
		errors.Is(err, ErrMissingBytes),
		errors.Is(err, ErrSettingsFrameSize):
		return NewGoAwayError(FrameSizeError, err.Error())
	default:
		return NewGoAwayError(ProtocolError, err.Error())
	}
}

// dispatchLoop is the single goroutine that processes inbound frames,
// matching serverConn.handleStreams's role as the sole frame-processing
// loop. RoundTrip callers also add streams to the table under streamsMu
// and use the encoder under hpackMu.
func (s *Session) dispatchLoop(in <-chan *FrameHeader) {
	for fr := range in {
		if s.cfg.Trace != nil {
			s.cfg.Trace(DirectionRX, fr.Stream(), fr.Type())
		}
		err := s.handleFrame(fr)
		ReleaseFrameHeader(fr)
		if err != nil {
			s.teardown(err)
			return
		}
		if s.closing.Load() {
			return
		}
	}
}

// writeLoop is the single writer goroutine: every outbound frame,
// regardless of which RoundTrip call produced it, funnels through here so
// the wire never sees interleaved writes. Mirrors serverConn.writeLoop.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for fr := range s.writer {
		if s.cfg.Trace != nil {
			s.cfg.Trace(DirectionTX, fr.Stream(), fr.Type())
		}
		_, err := fr.WriteTo(s.bw)
		ReleaseFrameHeader(fr)
		if err != nil {
			s.writerFailed.Store(true)
			s.teardown(err)
			continue
		}
		if len(s.writer) == 0 {
			_ = s.bw.Flush()
		}
	}
}

// enqueue hands fr to the writer goroutine. It never blocks indefinitely:
// a session already tearing down drops the frame instead of deadlocking a
// caller against a writer that will never drain.
func (s *Session) enqueue(fr *FrameHeader) {
	s.writerMu.RLock()
	defer s.writerMu.RUnlock()
	if s.writerClosed.Load() {
		ReleaseFrameHeader(fr)
		return
	}
	select {
	case s.writer <- fr:
	case <-s.closer:
		ReleaseFrameHeader(fr)
	}
}

func (s *Session) closeWriter() {
	s.writerOnce.Do(func() {
		s.writerMu.Lock()
		s.writerClosed.Store(true)
		close(s.writer)
		s.writerMu.Unlock()
	})
}

// teardown promotes err into the session's terminal state: every open
// stream is failed, GOAWAY is sent if the failure originated locally or
// from a frame-level protocol violation, and the transport is closed.
func (s *Session) teardown(err error) {
	if !s.connErr.CompareAndSwap(false, true) {
		return
	}

	s.closeMu.Lock()
	s.closeErr = err
	s.closeMu.Unlock()

	if err != nil {
		s.cfg.Logger.Printf("http2: session closing: %v", err)
	}

	if gae, ok := err.(*GoAwayError); ok {
		s.writeGoAway(gae.Code, gae.Message)
	}

	s.streamsMu.Lock()
	for id, strm := range s.streams {
		strm.close(err)
		delete(s.streams, id)
	}
	s.streamsMu.Unlock()

	s.closing.Store(true)
	s.closerOnce.Do(func() { close(s.closer) })

	// Give the writer a bounded chance to drain the queue (the GOAWAY
	// above in particular) onto the wire before the transport drops. If
	// the writer itself is what failed, there is nothing left to wait for.
	_ = s.conn.SetWriteDeadline(time.Now().Add(goAwayFlushTimeout))
	s.closeWriter()
	if s.writerStarted.Load() && !s.writerFailed.Load() {
		<-s.writerDone
	}

	_ = s.conn.SetReadDeadline(time.Now())
	_ = s.conn.Close()
}

// Close tears the session down cleanly from the application side,
// announcing NO_ERROR to the peer.
func (s *Session) Close() error {
	s.writeGoAway(NoError, "")
	s.teardown(nil)
	return nil
}

// --- stream table -----------------------------------------------------

// activeStreamCount reports how many streams count against
// MAX_CONCURRENT_STREAMS per RFC 7540 section 5.1.2: open or either
// half_closed state. Reserved and idle streams don't count. Caller must
// hold streamsMu.
func (s *Session) activeStreamCount() uint32 {
	var n uint32
	for _, strm := range s.streams {
		switch strm.State() {
		case StreamOpen, StreamHalfClosedLocal, StreamHalfClosedRemote:
			n++
		}
	}
	return n
}

// allocateStream reserves the next outbound stream ID, refusing to do so
// once the peer's advertised MAX_CONCURRENT_STREAMS is already saturated
// (RFC 7540 section 5.1.2 / section 6.5.2). REFUSED_STREAM is retryable,
// so a caller blocked on the cap can safely retry on another connection
// instead of this one.
func (s *Session) allocateStream() (*Stream, error) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	s.settingsMu.Lock()
	limit := s.remote.MaxConcurrentStreams()
	hasLimit := s.remote.HasMaxConcurrentStreams()
	recvWindow := int64(s.cfg.InitialWindowSize)
	sendWindow := int64(s.remote.MaxWindowSize())
	if !s.remote.HasMaxWindowSize() {
		sendWindow = defaultWindowSize
	}
	s.settingsMu.Unlock()

	if hasLimit && s.activeStreamCount() >= limit {
		return nil, NewResetStreamError(RefusedStreamError, "peer's MAX_CONCURRENT_STREAMS reached")
	}

	id := s.nextID
	s.nextID += 2

	strm := NewStream(id, recvWindow, sendWindow)
	s.streams[id] = strm
	return strm, nil
}

func (s *Session) getStream(id uint32) (*Stream, bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	strm, ok := s.streams[id]
	return strm, ok
}

// dropStream removes id from the table without returning the Stream to
// its pool: whoever is waiting on the stream still holds it and reads its
// terminal error after Done fires, so the waiter owns the pool release.
func (s *Session) dropStream(id uint32) {
	s.streamsMu.Lock()
	delete(s.streams, id)
	s.streamsMu.Unlock()
}

// resetStream signals a stream error on the wire (RST_STREAM) and locally,
// leaving the rest of the session running.
func (s *Session) resetStream(strm *Stream, code ErrorCode, msg string) {
	rst := &RstStream{}
	rst.SetCode(code)
	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())
	fr.SetBody(rst)
	s.enqueue(fr)

	// Table removal comes first: the moment close wakes the waiter it may
	// return the Stream to the pool.
	s.dropStream(strm.ID())
	strm.close(NewResetStreamError(code, msg))
}

// --- frame handling -----------------------------------------------------

// checkContinuationInvariant enforces RFC 7540 section 4.3: while a HEADERS
// or PUSH_PROMISE block is open (continuationStream != 0), only a
// CONTINUATION frame on that exact stream may follow; anything else - even
// a frame for a different, otherwise-legal stream - would corrupt the
// shared HPACK decoder state and is a connection error.
func (s *Session) checkContinuationInvariant(fr *FrameHeader) error {
	expected := s.continuationStream.Load()
	if expected == 0 {
		return nil
	}
	if fr.Type() == FrameContinuation && fr.Stream() == expected {
		return nil
	}
	return NewGoAwayError(ProtocolError, "expected CONTINUATION for the stream with an open header block")
}

// checkPrefaceSettled enforces RFC 7540 section 3.5/4.5: the very first
// frame the peer sends must be SETTINGS. Anything else before that
// establishes the connection is a PROTOCOL_ERROR, since the client has no
// baseline for the peer's frame size, flow-control window, or push policy
// yet.
func (s *Session) checkPrefaceSettled(fr *FrameHeader) error {
	if s.prefaceSettled {
		return nil
	}
	if fr.Type() != FrameSettings {
		return NewGoAwayError(ProtocolError, "first frame from peer was not SETTINGS")
	}
	s.prefaceSettled = true
	return nil
}

func (s *Session) handleFrame(fr *FrameHeader) error {
	if err := s.checkPrefaceSettled(fr); err != nil {
		return err
	}
	if err := s.checkContinuationInvariant(fr); err != nil {
		return err
	}

	switch fr.Type() {
	case FrameSettings:
		return s.handleSettings(fr.Body().(*Settings))
	case FramePing:
		return s.handlePing(fr.Body().(*Ping))
	case FrameGoAway:
		return s.handleGoAway(fr.Body().(*GoAway))
	case FrameWindowUpdate:
		return s.handleWindowUpdate(fr)
	case FrameHeaders:
		return s.handleHeaders(fr)
	case FrameContinuation:
		return s.handleContinuation(fr)
	case FramePushPromise:
		return s.handlePushPromise(fr)
	case FrameData:
		return s.handleData(fr)
	case FrameResetStream:
		return s.handleRstStream(fr)
	case FramePriority:
		return s.handlePriority(fr)
	default:
		// Unknown frame types are ignored per RFC 7540 section 4.1,
		// provided they carry no pending header block.
		return nil
	}
}

func (s *Session) handleSettings(st *Settings) error {
	if st.IsAck() {
		select {
		case <-s.settingsAcks:
		default:
		}
		return nil
	}

	s.settingsMu.Lock()
	oldWindow := s.remote.MaxWindowSize()
	if !s.remote.HasMaxWindowSize() {
		oldWindow = defaultWindowSize
	}
	st.CopyTo(&s.remote)
	newWindow := int64(s.remote.MaxWindowSize())
	if st.HasMaxFrameSize() {
		s.peerMaxFrameSize.Store(st.MaxFrameSize())
	}
	s.settingsMu.Unlock()

	if st.HasHeaderTableSize() {
		s.hpackMu.Lock()
		s.enc.SetMaxTableSize(st.HeaderTableSize())
		s.hpackMu.Unlock()
	}

	if st.HasMaxWindowSize() {
		s.streamsMu.Lock()
		for _, strm := range s.streams {
			if err := strm.fc.adjustSendLimit(int64(oldWindow), newWindow); err != nil {
				s.streamsMu.Unlock()
				return err
			}
		}
		s.streamsMu.Unlock()
	}

	ack := &Settings{}
	ack.SetAck(true)
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(ack)
	s.enqueue(fr)
	return nil
}

// handlePing answers a non-ACK PING by queueing the ACK on the writer
// channel. The channel is FIFO, so the ACK goes out behind any frames
// already queued, DATA included; it does not jump ahead of them.
func (s *Session) handlePing(p *Ping) error {
	if p.IsAck() {
		return nil
	}
	pong := &Ping{}
	pong.SetData(p.Data())
	pong.SetAck(true)
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(pong)
	s.enqueue(fr)
	return nil
}

func (s *Session) sendHealthCheckPing() {
	if s.closing.Load() {
		return
	}
	ping := &Ping{}
	var payload [8]byte
	binary.LittleEndian.PutUint32(payload[0:4], fastrand.Uint32n(1<<32-1))
	binary.LittleEndian.PutUint32(payload[4:8], fastrand.Uint32n(1<<32-1))
	ping.SetData(payload)
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(ping)
	s.enqueue(fr)
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.cfg.PingInterval)
	}
}

func (s *Session) handleGoAway(g *GoAway) error {
	s.goAway.Store(true)
	s.lastPeerID = g.LastStreamID()
	s.cfg.Logger.Printf("http2: GOAWAY from peer: last_stream=%d code=%s", g.LastStreamID(), g.Code())

	s.streamsMu.Lock()
	for id, strm := range s.streams {
		if id > s.lastPeerID {
			strm.close(NewResetStreamError(RefusedStreamError, "connection is going away"))
			delete(s.streams, id)
		}
	}
	s.streamsMu.Unlock()

	if g.Code() != NoError {
		return NewGoAwayError(g.Code(), "peer sent GOAWAY: "+g.Code().String())
	}
	return nil
}

func (s *Session) writeGoAway(code ErrorCode, msg string) {
	ga := &GoAway{}
	ga.SetLastStreamID(s.lastPeerInitiated.Load())
	ga.SetCode(code)
	if msg != "" {
		ga.SetData([]byte(msg))
	}
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(ga)
	s.enqueue(fr)
}

func (s *Session) handleWindowUpdate(fr *FrameHeader) error {
	wu := fr.Body().(*WindowUpdate)
	if fr.Stream() == 0 {
		return s.fc.grantSend(int64(wu.Increment()))
	}

	strm, ok := s.getStream(fr.Stream())
	if !ok {
		return nil // window update for a stream we already closed; ignore
	}
	if wu.Increment() == 0 {
		// A zero increment on a stream window is a stream-level
		// PROTOCOL_ERROR, not a connection error (RFC 7540 section 6.9).
		s.resetStream(strm, ProtocolError, "WINDOW_UPDATE with zero increment")
		return nil
	}
	if err := strm.fc.grantSend(int64(wu.Increment())); err != nil {
		return err
	}
	s.flushPending(strm)
	return nil
}

func (s *Session) handleRstStream(fr *FrameHeader) error {
	rs := fr.Body().(*RstStream)
	strm, ok := s.getStream(fr.Stream())
	if !ok {
		return nil
	}
	strm.close(NewResetStreamError(rs.Code(), "stream reset by peer"))
	s.dropStream(fr.Stream())
	return nil
}

func (s *Session) handlePriority(fr *FrameHeader) error {
	pr := fr.Body().(*Priority)
	if strm, ok := s.getStream(fr.Stream()); ok {
		strm.SetPriority(pr.Stream(), pr.Weight(), pr.Exclusive())
	}
	return nil
}

// handleHeaders decodes (or begins decoding, if more CONTINUATION frames
// follow) a HEADERS block into the waiting stream's response, distinguishing
// a response's leading header block from trailers by headersFinished.
func (s *Session) handleHeaders(fr *FrameHeader) error {
	h := fr.Body().(*Headers)
	strm, ok := s.getStream(fr.Stream())
	if !ok {
		// The stream is gone (reset or already finalized) but its header
		// block still has to pass through the shared decoder.
		return s.beginDiscardedHeaderBlock(fr.Stream(), h.Headers(), h.EndHeaders())
	}

	if !strm.frameAllowed(FrameHeaders, true) {
		return NewGoAwayError(ProtocolError, "HEADERS on a stream that cannot receive one")
	}

	if strm.headersFinished && !h.EndStream() {
		// A second header block is only legal as trailers, and trailers
		// must end the stream (RFC 7540 section 8.1).
		return NewGoAwayError(ProtocolError, "trailing header block without END_STREAM")
	}

	switch strm.State() {
	case StreamIdle:
		strm.openLocal()
	case StreamReservedRemote:
		// A pushed response's HEADERS moves the promised stream to
		// half_closed(local), per RFC 7540 section 5.1.
		strm.setState(StreamHalfClosedLocal)
	}

	strm.previousHeaderBytes = append(strm.previousHeaderBytes[:0], h.Headers()...)
	if !h.EndHeaders() {
		s.continuationStream.Store(fr.Stream())
		s.continuationTarget = strm
		s.continuationIsPushPromise = false
		// END_STREAM takes effect only once the block completes; acting
		// on it now could finalize the stream the pending CONTINUATIONs
		// still accumulate into.
		strm.endStreamPending = h.EndStream()
		return nil
	}

	if err := s.finishHeaderBlock(strm); err != nil {
		return err
	}
	if h.EndStream() {
		strm.halfCloseRemote()
		if strm.State() == StreamClosed {
			s.finalizeStream(strm, nil)
		}
	}
	return nil
}

func (s *Session) handleContinuation(fr *FrameHeader) error {
	c := fr.Body().(*Continuation)
	if s.continuationStream.Load() == 0 {
		return NewGoAwayError(ProtocolError, "CONTINUATION without an open header block")
	}
	if c.EndHeaders() {
		s.continuationStream.Store(0)
	}

	strm := s.continuationTarget
	if strm == nil {
		// Continuing a block whose stream is gone; keep accumulating so
		// the complete block can be decoded and discarded.
		s.discardHeaderBytes = append(s.discardHeaderBytes, c.Headers()...)
		if !c.EndHeaders() {
			return nil
		}
		block := s.discardHeaderBytes
		s.discardHeaderBytes = s.discardHeaderBytes[:0]
		return s.discardHeaderBlock(block)
	}
	strm.previousHeaderBytes = append(strm.previousHeaderBytes, c.Headers()...)
	if c.EndHeaders() {
		s.continuationTarget = nil
		isPushPromise := s.continuationIsPushPromise
		s.continuationIsPushPromise = false
		if isPushPromise {
			if err := s.finishHeaderBlockFor(strm); err != nil {
				return err
			}
			s.deliverPush(strm)
			return nil
		}
		if err := s.finishHeaderBlock(strm); err != nil {
			return err
		}
		if strm.endStreamPending {
			strm.endStreamPending = false
			strm.halfCloseRemote()
			if strm.State() == StreamClosed {
				s.finalizeStream(strm, nil)
			}
		}
		return nil
	}
	return nil
}

// beginDiscardedHeaderBlock routes a header block with no live stream into
// the decoder anyway: complete blocks are decoded and dropped immediately,
// partial ones accumulate in discardHeaderBytes until their terminating
// CONTINUATION. The peer's encoder has already committed any dynamic-table
// changes the block carries, so skipping it would desync every later block
// on the connection.
func (s *Session) beginDiscardedHeaderBlock(streamID uint32, fragment []byte, endHeaders bool) error {
	if endHeaders {
		return s.discardHeaderBlock(fragment)
	}
	s.continuationStream.Store(streamID)
	s.continuationTarget = nil
	s.continuationIsPushPromise = false
	s.discardHeaderBytes = append(s.discardHeaderBytes[:0], fragment...)
	return nil
}

// discardHeaderBlock runs a complete header block through the decoder
// purely for its side effect on the shared dynamic table.
func (s *Session) discardHeaderBlock(block []byte) error {
	s.hpackMu.Lock()
	defer s.hpackMu.Unlock()

	if err := s.dec.Decode(block, func(HeaderField) {}); err != nil {
		return err
	}
	return s.dec.Close()
}

func (s *Session) finishHeaderBlock(strm *Stream) error {
	s.hpackMu.Lock()
	defer s.hpackMu.Unlock()

	block := strm.previousHeaderBytes
	isTrailer := strm.headerBlockNum > 0
	strm.headerBlockNum++

	target := strm.resp
	var listSize uint32
	onField := func(f HeaderField) {
		listSize += uint32(len(f.Name)+len(f.Value)) + 32
		if isTrailer {
			strm.trailerFields = append(strm.trailerFields, f)
			if target != nil {
				_ = target.Header.AddTrailer(f.Name)
				target.Header.Add(f.Name, f.Value)
			}
			return
		}
		if target == nil {
			return
		}
		if f.Name == ":status" {
			var code int
			for _, c := range f.Value {
				code = code*10 + int(c-'0')
			}
			target.SetStatusCode(code)
			return
		}
		target.Header.Add(f.Name, f.Value)
	}

	if err := s.dec.Decode(block, onField); err != nil {
		return err
	}
	if err := s.dec.Close(); err != nil {
		return err
	}
	if limit := s.cfg.MaxHeaderListSize; limit > 0 && listSize > limit {
		return NewGoAwayError(ProtocolError, "header list exceeds SETTINGS_MAX_HEADER_LIST_SIZE")
	}
	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	if isTrailer {
		strm.trailer = true
	} else {
		strm.headersFinished = true
	}
	return nil
}

func (s *Session) handlePushPromise(fr *FrameHeader) error {
	pp := fr.Body().(*PushPromise)
	if _, ok := s.getStream(fr.Stream()); !ok {
		// Promise on a stream we no longer track; the promised request's
		// header block still has to keep the decoder in sync.
		return s.beginDiscardedHeaderBlock(fr.Stream(), pp.Headers(), pp.EndHeaders())
	}

	if s.cfg.DisablePush {
		// RFC 7540 section 6.6: a PUSH_PROMISE received while
		// SETTINGS_ENABLE_PUSH is 0 locally corrupts the shared HPACK
		// decoder state (the promise's header block must still be
		// decoded to keep the dynamic table in sync) and is therefore
		// promoted to a connection error rather than a stream one.
		return NewGoAwayError(ProtocolError, "PUSH_PROMISE received with push disabled")
	}

	if s.goAway.Load() || s.closing.Load() {
		rst := &RstStream{}
		rst.SetCode(RefusedStreamError)
		out := AcquireFrameHeader()
		out.SetStream(pp.Stream())
		out.SetBody(rst)
		s.enqueue(out)
		// Refused, but the promise's header block was still encoded
		// against the shared dynamic table.
		return s.beginDiscardedHeaderBlock(fr.Stream(), pp.Headers(), pp.EndHeaders())
	}

	if pp.Stream()%2 != 0 || pp.Stream() <= s.lastPeerInitiated.Load() {
		// Server-initiated stream ids are even and strictly increasing; a
		// regression implies the peer lost track of its own id space.
		return NewGoAwayError(ProtocolError, "promised stream id must be even and strictly increasing")
	}
	s.lastPeerInitiated.Store(pp.Stream())

	promised := NewStream(pp.Stream(), int64(s.cfg.InitialWindowSize), defaultWindowSize)
	promised.reserveRemote()
	promised.req = fasthttp.AcquireRequest()
	promised.resp = fasthttp.AcquireResponse()

	s.streamsMu.Lock()
	s.streams[pp.Stream()] = promised
	s.streamsMu.Unlock()

	promised.previousHeaderBytes = append(promised.previousHeaderBytes[:0], pp.Headers()...)
	if !pp.EndHeaders() {
		s.continuationStream.Store(fr.Stream())
		s.continuationTarget = promised
		s.continuationIsPushPromise = true
		return nil
	}

	if err := s.finishHeaderBlockFor(promised); err != nil {
		return err
	}
	s.deliverPush(promised)
	return nil
}

// deliverPush hands a fully decoded PUSH_PROMISE's synthesized request to
// PushHandler, the same request finishHeaderBlockFor just populated from
// the promise's header block, mirroring Http2ClientFilter.java forwarding
// the promised request upstream rather than discarding it.
func (s *Session) deliverPush(strm *Stream) {
	if s.cfg.SendPushRequestUpstream && s.cfg.PushHandler != nil {
		s.cfg.PushHandler(strm.req)
	}
}

// finishHeaderBlockFor decodes a PUSH_PROMISE's header block into the
// promised stream's synthesized request, mirroring finishHeaderBlock's
// handling of a response's :status pseudo-header but for a request's
// :method/:scheme/:authority/:path.
func (s *Session) finishHeaderBlockFor(strm *Stream) error {
	s.hpackMu.Lock()
	defer s.hpackMu.Unlock()

	block := strm.previousHeaderBytes
	req := strm.req
	var scheme, authority, path string

	onField := func(f HeaderField) {
		if req == nil {
			return
		}
		switch f.Name {
		case ":method":
			req.Header.SetMethod(f.Value)
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		case ":path":
			path = f.Value
		default:
			req.Header.Add(f.Name, f.Value)
		}
	}

	if err := s.dec.Decode(block, onField); err != nil {
		return err
	}
	if err := s.dec.Close(); err != nil {
		return err
	}

	if req != nil {
		if scheme == "" {
			scheme = "https"
		}
		req.SetRequestURI(scheme + "://" + authority + path)
	}

	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	return nil
}

func (s *Session) handleData(fr *FrameHeader) error {
	d := fr.Body().(*Data)
	n := len(d.Data())

	if err := s.fc.consumeRecv(n, func(msg string) error {
		return NewGoAwayError(FlowControlError, msg)
	}); err != nil {
		return err
	}

	strm, ok := s.getStream(fr.Stream())
	if !ok {
		s.queueSessionWindowUpdate()
		return nil
	}

	if !strm.frameAllowed(FrameData, true) {
		return NewGoAwayError(ProtocolError, "DATA on a stream that cannot receive it")
	}

	if err := strm.fc.consumeRecv(n, func(msg string) error {
		return NewResetStreamError(FlowControlError, msg)
	}); err != nil {
		s.resetStream(strm, FlowControlError, "peer violated our flow control window")
		return nil
	}

	if strm.resp != nil {
		strm.resp.AppendBody(d.Data())
	}

	s.queueSessionWindowUpdate()
	s.queueStreamWindowUpdate(strm)

	if d.EndStream() {
		strm.halfCloseRemote()
		if strm.State() == StreamClosed {
			s.finalizeStream(strm, nil)
		}
	}
	return nil
}

func (s *Session) queueSessionWindowUpdate() {
	inc, ok := s.fc.pendingIncrement()
	if !ok {
		return
	}
	s.fc.applyIncrement(inc)
	wu := &WindowUpdate{}
	wu.SetIncrement(uint32(inc))
	fr := AcquireFrameHeader()
	fr.SetStream(0)
	fr.SetBody(wu)
	s.enqueue(fr)
}

func (s *Session) queueStreamWindowUpdate(strm *Stream) {
	inc, ok := strm.fc.pendingIncrement()
	if !ok {
		return
	}
	strm.fc.applyIncrement(inc)
	wu := &WindowUpdate{}
	wu.SetIncrement(uint32(inc))
	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())
	fr.SetBody(wu)
	s.enqueue(fr)
}

// finalizeStream removes strm from the table and then wakes whatever
// RoundTrip call is waiting on it; in that order, since the waiter may
// return the Stream to the pool as soon as it wakes.
func (s *Session) finalizeStream(strm *Stream, err error) {
	s.dropStream(strm.ID())
	strm.close(err)
}

// flushPending re-attempts any DATA this stream owed but couldn't send
// because its send window was exhausted, now that a WINDOW_UPDATE arrived.
// Mirrors serverConn.flushPendingData.
func (s *Session) flushPending(strm *Stream) {
	strm.pendingMu.Lock()
	hasPending := len(strm.pendingData) > 0 || strm.pendingDataEndStream
	data := append([]byte(nil), strm.pendingData...)
	endStream := strm.pendingDataEndStream
	strm.pendingData = strm.pendingData[:0]
	strm.pendingDataEndStream = false
	strm.pendingMu.Unlock()

	if !hasPending {
		return
	}
	if err := s.sendData(strm, data, endStream); err != nil {
		s.dropStream(strm.ID())
		strm.close(err)
	}
}
