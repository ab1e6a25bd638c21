package http2

import "fmt"

// ErrorCode is one of the RFC 7540 section 7 error codes, carried on
// RST_STREAM and GOAWAY frames.
type ErrorCode uint32

const (
	NoError            ErrorCode = 0x0
	ProtocolError      ErrorCode = 0x1
	InternalError      ErrorCode = 0x2
	FlowControlError   ErrorCode = 0x3
	SettingsTimeout    ErrorCode = 0x4
	StreamClosedError  ErrorCode = 0x5
	FrameSizeError     ErrorCode = 0x6
	RefusedStreamError ErrorCode = 0x7
	StreamCanceled     ErrorCode = 0x8
	CompressionError   ErrorCode = 0x9
	ConnectError       ErrorCode = 0xa
	EnhanceYourCalm    ErrorCode = 0xb
	InadequateSecurity ErrorCode = 0xc
	Http11Required     ErrorCode = 0xd
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case SettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case StreamClosedError:
		return "STREAM_CLOSED"
	case FrameSizeError:
		return "FRAME_SIZE_ERROR"
	case RefusedStreamError:
		return "REFUSED_STREAM"
	case StreamCanceled:
		return "CANCEL"
	case CompressionError:
		return "COMPRESSION_ERROR"
	case ConnectError:
		return "CONNECT_ERROR"
	case EnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case InadequateSecurity:
		return "INADEQUATE_SECURITY"
	case Http11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(e))
	}
}

// Retryable reports whether a stream that failed with this code is safe to
// retry, unmodified, on a different connection. RFC 7540 section 8.1.4
// guarantees this only for REFUSED_STREAM, since the peer promises it did
// not act on the request before refusing it.
func (e ErrorCode) Retryable() bool {
	return e == RefusedStreamError
}

// GoAwayError is a connection-level error: it is fatal to the whole
// session. Session code that returns one must send GOAWAY(lastStreamID,
// Code, Message) and close the transport.
type GoAwayError struct {
	Code    ErrorCode
	Message string
}

func NewGoAwayError(code ErrorCode, message string) *GoAwayError {
	return &GoAwayError{Code: code, Message: message}
}

func (e *GoAwayError) Error() string {
	if e.Message == "" {
		return "http2: connection error: " + e.Code.String()
	}
	return fmt.Sprintf("http2: connection error: %s: %s", e.Code, e.Message)
}

// ResetStreamError is a stream-level error: only the stream that produced
// it is affected. It is signaled on the wire with RST_STREAM(Code) and
// surfaced locally to that stream's pending read/write.
type ResetStreamError struct {
	StreamID uint32
	Code     ErrorCode
	Message  string
}

func NewResetStreamError(code ErrorCode, message string) *ResetStreamError {
	return &ResetStreamError{Code: code, Message: message}
}

func (e *ResetStreamError) Error() string {
	if e.Message == "" {
		return "http2: stream error: " + e.Code.String()
	}
	return fmt.Sprintf("http2: stream error: %s: %s", e.Code, e.Message)
}

func (e *ResetStreamError) Retryable() bool {
	return e.Code.Retryable()
}

// isConnectionError reports whether err must be promoted to a connection
// error (GOAWAY + transport close) rather than handled as a single-stream
// failure. Codec-level violations (GoAwayError) always qualify; so do a
// handful of stream errors whose codes corrupt shared framing/HPACK state.
func isConnectionError(err error) bool {
	switch e := err.(type) {
	case *GoAwayError:
		return true
	case *ResetStreamError:
		switch e.Code {
		case CompressionError, FlowControlError:
			return true
		}
	}
	return false
}

// localError is a client-local failure that never reaches the wire: user
// cancellation, a transport disconnect before the preface, or a
// configuration violation.
type localError struct {
	msg string
}

func newLocalError(msg string) *localError { return &localError{msg: msg} }

func (e *localError) Error() string { return "http2: " + e.msg }
