package http2

import "github.com/nomadflux/h2client/http2utils"

var _ Frame = (*RstStream)(nil)

// RstStream aborts a single stream immediately.
// https://tools.ietf.org/html/rfc7540#section-6.4
type RstStream struct {
	code ErrorCode
}

func (r *RstStream) Type() FrameType { return FrameResetStream }

func (r *RstStream) Reset() { r.code = NoError }

func (r *RstStream) Code() ErrorCode { return r.code }

func (r *RstStream) SetCode(c ErrorCode) { r.code = c }

func (r *RstStream) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < 4 {
		return ErrMissingBytes
	}
	r.code = ErrorCode(http2utils.BytesToUint32(fr.payload))
	return nil
}

func (r *RstStream) Serialize(fr *FrameHeader) {
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], uint32(r.code))
}
