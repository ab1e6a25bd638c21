package http2

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// HeaderField re-exports the wire-level (name, value, sensitive) triple so
// callers outside this package don't need to import x/net/http2/hpack
// themselves.
type HeaderField = hpack.HeaderField

// HPACK is a thin adapter over header compression: it treats
// golang.org/x/net/http2/hpack's Encoder/Decoder as an opaque header-block
// compressor and exposes exactly the two operations the session needs,
// plus the dynamic-table-size hook so the session can honor an incoming
// HEADER_TABLE_SIZE setting.
type HPACK struct {
	encBuf bytes.Buffer
	enc    *hpack.Encoder
	dec    *hpack.Decoder
}

// NewHPACK builds a codec adapter with one encoder (our outbound dynamic
// table) and one decoder (the peer's dynamic table, mirrored locally).
func NewHPACK() *HPACK {
	h := &HPACK{}
	h.enc = hpack.NewEncoder(&h.encBuf)
	h.dec = hpack.NewDecoder(defaultHeaderTableSize, nil)
	return h
}

// Reset clears both directions' dynamic tables and pending encoder state,
// for pooled reuse across connections.
func (h *HPACK) Reset() {
	h.encBuf.Reset()
	h.enc = hpack.NewEncoder(&h.encBuf)
	h.dec = hpack.NewDecoder(defaultHeaderTableSize, nil)
}

// SetMaxTableSize constrains the encoder's dynamic table to at most size
// bytes. Per RFC 7541 section 4.2, the next call to Encode will carry a
// Dynamic Table Size Update referencing the new limit; x/net/http2/hpack's
// Encoder does this automatically.
func (h *HPACK) SetMaxTableSize(size uint32) {
	h.enc.SetMaxDynamicTableSize(size)
}

// SetMaxDecoderTableSize bounds how large a dynamic table the *peer* may
// instruct our decoder to keep, independent of what we advertise to them.
func (h *HPACK) SetMaxDecoderTableSize(size uint32) {
	h.dec.SetMaxDynamicTableSize(size)
}

// Encode serializes fields into one HPACK block.
func (h *HPACK) Encode(fields []HeaderField) ([]byte, error) {
	h.encBuf.Reset()
	for _, f := range fields {
		if err := h.enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, h.encBuf.Len())
	copy(out, h.encBuf.Bytes())
	return out, nil
}

// Decode feeds one header-block fragment to the decoder, invoking onField
// for every header field it completes. It is safe to call repeatedly with
// successive HEADERS/CONTINUATION fragments of the same block: the
// underlying decoder carries partial field state across calls. Decode
// failures are always connection errors (COMPRESSION_ERROR), because a
// malformed block desynchronizes the shared dynamic table.
func (h *HPACK) Decode(block []byte, onField func(HeaderField)) error {
	h.dec.SetEmitFunc(onField)
	if _, err := h.dec.Write(block); err != nil {
		return NewGoAwayError(CompressionError, err.Error())
	}
	return nil
}

// Close finalizes decoding of a complete header block (called once
// END_HEADERS has been seen), surfacing any trailing truncated-field
// error as a connection error.
func (h *HPACK) Close() error {
	if err := h.dec.Close(); err != nil {
		return NewGoAwayError(CompressionError, err.Error())
	}
	return nil
}
