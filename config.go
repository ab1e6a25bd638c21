package http2

import (
	"time"

	"github.com/valyala/fasthttp"
)

// Config holds every client-tunable knob: connection negotiation,
// per-session SETTINGS, push handling, and health-check pacing. It
// follows fasthttp's plain-struct-sanitized-once-at-construction
// pattern rather than a functional-options chain.
type Config struct {
	// MaxConcurrentStreams caps how many streams we allow the peer to
	// have active toward us via PUSH_PROMISE; it is sent as our
	// SETTINGS_MAX_CONCURRENT_STREAMS.
	MaxConcurrentStreams uint32

	// InitialWindowSize is the per-stream receive window we advertise,
	// sent as SETTINGS_INITIAL_WINDOW_SIZE.
	InitialWindowSize uint32

	// MaxFrameSize is the largest frame payload we accept, sent as
	// SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSize uint32

	// MaxHeaderListSize bounds the uncompressed header list we accept,
	// sent as SETTINGS_MAX_HEADER_LIST_SIZE. Zero means unbounded.
	MaxHeaderListSize uint32

	// DisablePush advertises SETTINGS_ENABLE_PUSH=0; any PUSH_PROMISE
	// received is then a connection error (GOAWAY with PROTOCOL_ERROR). Server
	// push defaults to enabled, matching RFC 7540's own default, so the
	// zero Config behaves like a fully negotiating client.
	DisablePush bool

	// SendPushRequestUpstream, when true and push is not disabled, passes
	// each accepted push promise's decoded request to PushHandler. When
	// false the promise is still accepted, but the application is not
	// told about it. The handler only observes the request; it cannot
	// refuse the push.
	SendPushRequestUpstream bool

	// PushHandler, when non-nil and SendPushRequestUpstream is true, is
	// invoked with the promised request for every accepted PUSH_PROMISE.
	PushHandler func(req *fasthttp.Request)

	// PriorKnowledge skips protocol negotiation entirely and writes the
	// client preface immediately, for a transport already known to speak
	// HTTP/2 (e.g. an h2c-only upstream).
	PriorKnowledge bool

	// NeverForceUpgrade disables the HTTP/1.1 Upgrade path over
	// plaintext connections; a plaintext dial that cannot use prior
	// knowledge then never attempts HTTP/2.
	NeverForceUpgrade bool

	// PingInterval is how often an idle connection is health-checked
	// with a PING frame. Zero selects the default (10s); a negative
	// value disables the health-check ping.
	PingInterval time.Duration

	// MaxResponseTime bounds how long RoundTrip waits for a complete
	// response before failing the stream locally.
	MaxResponseTime time.Duration

	// Logger receives Printf lines in fasthttp.Logger's own style: one
	// when a GOAWAY arrives from the peer and one when the session closes
	// with an error. No other protocol events are logged.
	Logger Logger

	// Trace, if non-nil, is called once per frame read from the wire and
	// once per frame the writer goroutine sends; the initial SETTINGS
	// frame written with the preface is not traced. It runs synchronously
	// on the dispatch and writer goroutines, so frame processing waits
	// for it to return. The session never alters behavior based on what
	// it does.
	Trace func(dir Direction, stream uint32, ft FrameType)

	// Clock abstracts time for tests; nil means the real wall clock.
	Clock Clock
}

// Direction marks which way a traced frame crossed the wire.
type Direction int

const (
	DirectionRX Direction = iota
	DirectionTX
)

func (d Direction) String() string {
	if d == DirectionTX {
		return "TX"
	}
	return "RX"
}

// Logger is the same minimal Printf-style logging seam fasthttp.Logger
// takes: any *log.Logger satisfies it, and tests can substitute a
// recording logger without pulling in fasthttp's own logging stack.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// sanitize fills in every zero-valued field with its RFC 7540 or
// package-level default, the way fasthttp.HostClient normalizes a
// Config before first use.
func (c *Config) sanitize() {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = defaultWindowSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultDataFrameSize
	}
	if c.MaxFrameSize < minFrameSize {
		c.MaxFrameSize = minFrameSize
	}
	if c.MaxFrameSize > maxFrameSizeLimit {
		c.MaxFrameSize = maxFrameSizeLimit
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxResponseTime == 0 {
		c.MaxResponseTime = defaultMaxResponseTime
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
}

// buildLocalSettings produces the SETTINGS frame payload this
// configuration advertises to the peer on connection setup.
func (c *Config) buildLocalSettings() *Settings {
	st := &Settings{}
	st.SetMaxConcurrentStreams(c.MaxConcurrentStreams)
	st.SetMaxWindowSize(c.InitialWindowSize)
	st.SetMaxFrameSize(c.MaxFrameSize)
	st.SetPush(!c.DisablePush)
	if c.MaxHeaderListSize > 0 {
		st.SetMaxHeaderListSize(c.MaxHeaderListSize)
	}
	return st
}
