package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is one of the seven states a stream passes through per
// RFC 7540 section 5.1, widened from the collapsed five-state enum a
// server-only implementation gets away with: reserved(local), which only
// the sender of a PUSH_PROMISE enters and this client never does, is kept
// apart from reserved(remote), which arrived as a PUSH_PROMISE, and
// likewise half_closed(local) from half_closed(remote).
type StreamState int8

const (
	StreamIdle StreamState = iota
	StreamReservedLocal
	StreamReservedRemote
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamIdle:
		return "idle"
	case StreamReservedLocal:
		return "reserved_local"
	case StreamReservedRemote:
		return "reserved_remote"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half_closed_local"
	case StreamHalfClosedRemote:
		return "half_closed_remote"
	case StreamClosed:
		return "closed"
	}
	return "unknown"
}

// Stream is one HTTP/2 stream: a single request/response exchange
// multiplexed onto the shared connection. Its sync.Pool-backed lifecycle
// follows serverConn.go's Stream, generalized to the full seven-state
// machine of RFC 7540 section 5.1 (rather than a collapsed subset), with
// windows expressed through the shared flowControl type and
// fasthttp.Request/Response carried directly since a client drives a
// request out and a response back rather than serving an inbound ctx.
type Stream struct {
	id    uint32
	fc    *flowControl
	stMu  sync.Mutex
	state StreamState

	weight     uint8
	dependency uint32
	exclusive  bool

	req  *fasthttp.Request
	resp *fasthttp.Response

	pushPromised bool // reached StreamReservedRemote via a PUSH_PROMISE

	pendingData          []byte
	pendingDataEndStream bool
	pendingMu            sync.Mutex

	headerBlockNum      int
	endStreamPending    bool // END_STREAM seen on a HEADERS still awaiting CONTINUATION
	previousHeaderBytes []byte
	headersFinished     bool
	trailer             bool
	trailerFields       []HeaderField

	startedAt time.Time
	finished  bool
	err       error
	done      chan struct{}
}

var streamPool = sync.Pool{
	New: func() any {
		return &Stream{done: make(chan struct{}, 1)}
	},
}

// NewStream pulls a Stream from the pool and resets it to StreamIdle with
// fresh flow-control windows sized from the currently negotiated settings.
func NewStream(id uint32, recvWindow, sendWindow int64) *Stream {
	s := streamPool.Get().(*Stream)
	s.id = id
	s.fc = newFlowControl(recvWindow)
	s.fc.send = sendWindow
	s.state = StreamIdle
	s.weight = 16
	s.dependency = 0
	s.exclusive = false
	s.req = nil
	s.resp = nil
	s.pushPromised = false
	s.pendingData = s.pendingData[:0]
	s.pendingDataEndStream = false
	s.headerBlockNum = 0
	s.endStreamPending = false
	s.previousHeaderBytes = s.previousHeaderBytes[:0]
	s.headersFinished = false
	s.trailer = false
	s.trailerFields = s.trailerFields[:0]
	s.startedAt = time.Time{}
	s.finished = false
	s.err = nil
	select {
	case <-s.done:
	default:
	}
	return s
}

// ReleaseStream returns a Stream to the pool once it has reached
// StreamClosed and nothing else can reference it.
func ReleaseStream(s *Stream) {
	streamPool.Put(s)
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.state
}

// setState forces the state without validating the transition; used where
// the session decides the state itself rather than from a frame check:
// seeding the h2c upgrade's stream 1 in half_closed(local), and moving a
// pushed stream from reserved(remote) to half_closed(local) when its
// response HEADERS arrive.
func (s *Stream) setState(state StreamState) {
	s.stMu.Lock()
	s.state = state
	s.stMu.Unlock()
}

// frameAllowed reports whether ft may legally be processed in the stream's
// current state, per the transition diagram in RFC 7540 section 5.1.
func (s *Stream) frameAllowed(ft FrameType, recv bool) bool {
	s.stMu.Lock()
	defer s.stMu.Unlock()

	switch s.state {
	case StreamIdle:
		return ft == FrameHeaders || ft == FramePriority
	case StreamReservedLocal:
		if recv {
			return ft == FrameResetStream || ft == FramePriority || ft == FrameWindowUpdate
		}
		return ft == FrameHeaders || ft == FrameResetStream || ft == FramePriority
	case StreamReservedRemote:
		if recv {
			return ft == FrameHeaders || ft == FrameResetStream || ft == FramePriority
		}
		return ft == FrameResetStream || ft == FramePriority || ft == FrameWindowUpdate
	case StreamOpen:
		return true
	case StreamHalfClosedLocal:
		return true
	case StreamHalfClosedRemote:
		if recv {
			return ft == FrameResetStream || ft == FramePriority || ft == FrameWindowUpdate
		}
		return true
	case StreamClosed:
		return ft == FramePriority || ft == FrameResetStream || ft == FrameWindowUpdate
	}
	return false
}

// openLocal moves idle -> open on sending HEADERS that opens the stream
// (the common client-initiated request path).
func (s *Stream) openLocal() {
	s.stMu.Lock()
	if s.state == StreamIdle {
		s.state = StreamOpen
	}
	s.stMu.Unlock()
}

// reserveRemote moves idle -> reserved(remote) on receiving PUSH_PROMISE.
func (s *Stream) reserveRemote() {
	s.stMu.Lock()
	s.state = StreamReservedRemote
	s.pushPromised = true
	s.stMu.Unlock()
}

// halfCloseLocal records sending END_STREAM: open moves to
// half_closed(local); reserved(local) and half_closed(remote) move to
// closed.
func (s *Stream) halfCloseLocal() {
	s.stMu.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedLocal
	case StreamReservedLocal, StreamHalfClosedRemote:
		s.state = StreamClosed
	}
	s.stMu.Unlock()
}

// halfCloseRemote moves open -> half_closed(remote), or
// reserved(remote) -> half_closed(remote), after receiving END_STREAM.
func (s *Stream) halfCloseRemote() {
	s.stMu.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedRemote
	case StreamReservedRemote, StreamHalfClosedLocal:
		s.state = StreamClosed
	}
	s.stMu.Unlock()
}

// close forces the stream to StreamClosed and wakes the waiter, exactly
// once. The finished flag is tracked separately from the state because a
// stream may reach StreamClosed through its ordinary half-close
// transitions before anyone calls close, and the waiter still needs its
// wakeup.
func (s *Stream) close(err error) {
	s.stMu.Lock()
	s.state = StreamClosed
	finished := s.finished
	s.finished = true
	s.stMu.Unlock()

	if finished {
		return
	}
	s.err = err
	select {
	case s.done <- struct{}{}:
	default:
	}
}

// Done returns a channel that receives once when the stream reaches
// StreamClosed, for a RoundTrip call waiting on the final response.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error { return s.err }

func (s *Stream) Request() *fasthttp.Request   { return s.req }
func (s *Stream) Response() *fasthttp.Response { return s.resp }

func (s *Stream) SetRequest(req *fasthttp.Request)   { s.req = req }
func (s *Stream) SetResponse(resp *fasthttp.Response) { s.resp = resp }

func (s *Stream) PushPromised() bool { return s.pushPromised }

// Trailers returns the fields decoded from the stream's second header
// block, kept apart from the response's leading header fields.
func (s *Stream) Trailers() []HeaderField { return s.trailerFields }

func (s *Stream) SetPriority(dependency uint32, weight uint8, exclusive bool) {
	s.stMu.Lock()
	s.dependency = dependency
	s.weight = weight
	s.exclusive = exclusive
	s.stMu.Unlock()
}
