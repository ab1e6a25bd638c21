package http2

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/nomadflux/h2client/http2utils"
)

// FrameType identifies one of the nine HTTP/2 frame types (RFC 7540
// section 6) plus CONTINUATION.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameResetStream  FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9

	numFrameTypes = 0xa
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameResetStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return "UNKNOWN"
	}
}

// Flags is the one-octet flags field of a frame header. The meaning of
// each bit is frame-type-specific.
type Flags uint8

const (
	FlagAck        Flags = 0x1 // SETTINGS, PING
	FlagEndStream  Flags = 0x1 // DATA, HEADERS
	FlagEndHeaders Flags = 0x4 // HEADERS, PUSH_PROMISE, CONTINUATION
	FlagPadded     Flags = 0x8 // DATA, HEADERS, PUSH_PROMISE
	FlagPriority   Flags = 0x20
)

func (f Flags) Has(flag Flags) bool  { return f&flag == flag }
func (f Flags) Add(flag Flags) Flags { return f | flag }
func (f Flags) Del(flag Flags) Flags { return f &^ flag }

// Frame is implemented by every frame payload type (Data, Headers, ...).
// Serialize/Deserialize exchange their wire bytes through the owning
// FrameHeader's payload buffer, the way pushpromise.go's PushPromise does.
type Frame interface {
	Type() FrameType
	Reset()
	Serialize(fr *FrameHeader)
	Deserialize(fr *FrameHeader) error
}

// FrameWithHeaders is implemented by the three frame types that carry (a
// fragment of) an HPACK header block: HEADERS, PUSH_PROMISE, CONTINUATION.
type FrameWithHeaders interface {
	Frame
	Headers() []byte
	EndHeaders() bool
}

var (
	ErrMissingBytes     = errors.New("http2: missing bytes to decode frame")
	ErrUnexpectedSize   = errors.New("http2: unexpected header block size")
	ErrUnknownFrameType = errors.New("http2: unknown frame type")
	ErrPayloadExceeds   = errors.New("http2: frame payload exceeds the negotiated maximum frame size")
)

const frameHeaderLen = 9

// FrameHeader is the 9-byte envelope {length, type, flags, stream_id} plus
// the decoded/encoded Frame body.
type FrameHeader struct {
	length  uint32
	typ     FrameType
	flags   Flags
	stream  uint32
	payload []byte
	body    Frame
}

func (fr *FrameHeader) Type() FrameType  { return fr.typ }
func (fr *FrameHeader) Len() int         { return int(fr.length) }
func (fr *FrameHeader) Flags() Flags     { return fr.flags }
func (fr *FrameHeader) Stream() uint32   { return fr.stream }
func (fr *FrameHeader) Body() Frame      { return fr.body }

func (fr *FrameHeader) SetFlags(f Flags)   { fr.flags = f }
func (fr *FrameHeader) SetStream(id uint32) { fr.stream = id & (1<<31 - 1) }

func (fr *FrameHeader) SetBody(b Frame) {
	fr.body = b
	fr.typ = b.Type()
}

func (fr *FrameHeader) reset() {
	fr.length = 0
	fr.typ = 0
	fr.flags = 0
	fr.stream = 0
	fr.payload = fr.payload[:0]
	fr.body = nil
}

var frameHeaderPool = sync.Pool{
	New: func() any { return &FrameHeader{} },
}

func AcquireFrameHeader() *FrameHeader {
	return frameHeaderPool.Get().(*FrameHeader)
}

// ReleaseFrameHeader returns fr and its body to their pools. Callers must
// not touch fr after calling this.
func ReleaseFrameHeader(fr *FrameHeader) {
	if fr == nil {
		return
	}
	if fr.body != nil {
		ReleaseFrame(fr.body)
	}
	fr.reset()
	frameHeaderPool.Put(fr)
}

var framePools [numFrameTypes]sync.Pool

func init() {
	framePools[FrameData] = sync.Pool{New: func() any { return &Data{} }}
	framePools[FrameHeaders] = sync.Pool{New: func() any { return &Headers{} }}
	framePools[FramePriority] = sync.Pool{New: func() any { return &Priority{} }}
	framePools[FrameResetStream] = sync.Pool{New: func() any { return &RstStream{} }}
	framePools[FrameSettings] = sync.Pool{New: func() any { return &Settings{} }}
	framePools[FramePushPromise] = sync.Pool{New: func() any { return &PushPromise{} }}
	framePools[FramePing] = sync.Pool{New: func() any { return &Ping{} }}
	framePools[FrameGoAway] = sync.Pool{New: func() any { return &GoAway{} }}
	framePools[FrameWindowUpdate] = sync.Pool{New: func() any { return &WindowUpdate{} }}
	framePools[FrameContinuation] = sync.Pool{New: func() any { return &Continuation{} }}
}

// AcquireFrame returns a pooled, reset Frame body for t.
func AcquireFrame(t FrameType) Frame {
	if int(t) >= numFrameTypes {
		return nil
	}
	f := framePools[t].Get().(Frame)
	f.Reset()
	return f
}

// ReleaseFrame returns f to its type's pool.
func ReleaseFrame(f Frame) {
	if f == nil {
		return
	}
	t := f.Type()
	if int(t) >= numFrameTypes {
		return
	}
	framePools[t].Put(f)
}

// ReadFrameFromWithSize parses one whole frame from br. maxFrameSize is the
// locally-advertised SETTINGS_MAX_FRAME_SIZE: a declared length above it is
// a connection error (ErrPayloadExceeds), per RFC 7540 section 4.2. An
// unrecognized frame type is reported as ErrUnknownFrameType with fr still
// populated (so the caller can verify it carries no pending header block
// before silently skipping it, per RFC 7540 section 4.1).
func ReadFrameFromWithSize(br *bufio.Reader, maxFrameSize uint32) (*FrameHeader, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}

	fr := AcquireFrameHeader()
	fr.length = http2utils.BytesToUint24(hdr[0:3])
	fr.typ = FrameType(hdr[3])
	fr.flags = Flags(hdr[4])
	fr.stream = http2utils.BytesToUint32(hdr[5:9]) & (1<<31 - 1)

	if fr.length > maxFrameSize {
		// Drain the declared payload so the stream stays framed for the next
		// read, then report the error.
		if _, err := io.CopyN(io.Discard, br, int64(fr.length)); err != nil {
			ReleaseFrameHeader(fr)
			return nil, err
		}
		return fr, ErrPayloadExceeds
	}

	fr.payload = http2utils.Resize(fr.payload, int(fr.length))
	if fr.length > 0 {
		if _, err := io.ReadFull(br, fr.payload); err != nil {
			ReleaseFrameHeader(fr)
			return nil, err
		}
	}

	if int(fr.typ) >= numFrameTypes {
		return fr, ErrUnknownFrameType
	}

	body := AcquireFrame(fr.typ)
	if err := body.Deserialize(fr); err != nil {
		ReleaseFrame(body)
		return fr, err
	}
	fr.body = body

	return fr, nil
}

// WriteTo serializes fr (header + body) onto w.
func (fr *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	if fr.body != nil {
		fr.body.Serialize(fr)
	}

	var hdr [frameHeaderLen]byte
	http2utils.Uint24ToBytes(hdr[0:3], uint32(len(fr.payload)))
	hdr[3] = byte(fr.typ)
	hdr[4] = byte(fr.flags)
	http2utils.Uint32ToBytes(hdr[5:9], fr.stream&(1<<31-1))

	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	if len(fr.payload) == 0 {
		return int64(n), nil
	}
	m, err := w.Write(fr.payload)
	return int64(n + m), err
}
