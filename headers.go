package http2

import "github.com/nomadflux/h2client/http2utils"

var (
	_ Frame            = (*Headers)(nil)
	_ FrameWithHeaders = (*Headers)(nil)
)

// Headers opens a stream (or carries trailers) and carries a fragment of
// the HPACK-compressed header block.
// https://tools.ietf.org/html/rfc7540#section-6.2
type Headers struct {
	pad       bool
	endStream bool
	ended     bool // END_HEADERS

	hasPriority bool
	exclusive   bool
	streamDep   uint32
	weight      uint8

	header []byte
}

func (h *Headers) Type() FrameType { return FrameHeaders }

func (h *Headers) Reset() {
	h.pad = false
	h.endStream = false
	h.ended = false
	h.hasPriority = false
	h.exclusive = false
	h.streamDep = 0
	h.weight = 0
	h.header = h.header[:0]
}

func (h *Headers) Headers() []byte { return h.header }

func (h *Headers) SetHeader(b []byte) { h.header = append(h.header[:0], b...) }

func (h *Headers) Write(b []byte) (int, error) {
	h.header = append(h.header, b...)
	return len(b), nil
}

func (h *Headers) EndStream() bool { return h.endStream }

func (h *Headers) SetEndStream(v bool) { h.endStream = v }

func (h *Headers) EndHeaders() bool { return h.ended }

func (h *Headers) SetEndHeaders(v bool) { h.ended = v }

func (h *Headers) Padding() bool { return h.pad }

func (h *Headers) SetPadding(v bool) { h.pad = v }

// Priority returns the stream-dependency fields carried on this frame, if
// the PRIORITY flag was set. The scheduler parses and stores these but
// does not reorder output based on them; a client has no competing
// streams to arbitrate the way an origin server's write scheduler does.
func (h *Headers) Priority() (exclusive bool, streamDep uint32, weight uint8, ok bool) {
	return h.exclusive, h.streamDep, h.weight, h.hasPriority
}

func (h *Headers) SetPriority(exclusive bool, streamDep uint32, weight uint8) {
	h.hasPriority = true
	h.exclusive = exclusive
	h.streamDep = streamDep
	h.weight = weight
}

func (h *Headers) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		h.pad = true
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	if fr.Flags().Has(FlagPriority) {
		if len(payload) < 5 {
			return ErrMissingBytes
		}
		dep := http2utils.BytesToUint32(payload)
		h.hasPriority = true
		h.exclusive = dep&0x80000000 != 0
		h.streamDep = dep & (1<<31 - 1)
		h.weight = payload[4]
		payload = payload[5:]
	}

	h.SetHeader(payload)
	h.endStream = fr.Flags().Has(FlagEndStream)
	h.ended = fr.Flags().Has(FlagEndHeaders)

	return nil
}

func (h *Headers) Serialize(fr *FrameHeader) {
	payload := fr.payload[:0]

	if h.hasPriority {
		dep := h.streamDep & (1<<31 - 1)
		if h.exclusive {
			dep |= 0x80000000
		}
		payload = http2utils.AppendUint32Bytes(payload, dep)
		payload = append(payload, h.weight)
	}

	payload = append(payload, h.header...)

	if h.pad {
		fr.SetFlags(fr.Flags().Add(FlagPadded))
		payload = http2utils.AddPadding(payload)
	}

	if h.hasPriority {
		fr.SetFlags(fr.Flags().Add(FlagPriority))
	}
	if h.endStream {
		fr.SetFlags(fr.Flags().Add(FlagEndStream))
	}
	if h.ended {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}

	fr.payload = payload
}
