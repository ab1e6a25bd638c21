package http2

import "time"

// Protocol defaults (RFC 7540 section 6.5.2).
const (
	defaultWindowSize           = 65535
	defaultDataFrameSize        = 1 << 14 // 16384, RFC 7540 6.5.2 default MAX_FRAME_SIZE
	minFrameSize                = 1 << 14
	maxFrameSizeLimit           = 1<<24 - 1
	defaultHeaderTableSize      = 4096
	defaultMaxConcurrentStreams = 100

	maxWindowIncrement = 1<<31 - 1
	maxWindowSize      = maxWindowIncrement
)

// ClientPreface is the 24-byte connection preface every HTTP/2 connection
// opens with, client side.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	defaultPingInterval    = 10 * time.Second
	defaultMaxResponseTime = time.Minute

	// goAwayFlushTimeout bounds how long teardown lets the writer drain a
	// parting GOAWAY before the transport is closed out from under it.
	goAwayFlushTimeout = time.Second
)
