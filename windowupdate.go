package http2

import "github.com/nomadflux/h2client/http2utils"

var _ Frame = (*WindowUpdate)(nil)

// WindowUpdate increases the sender's flow-control window, either for a
// single stream or (stream id 0) for the whole session.
// https://tools.ietf.org/html/rfc7540#section-6.9
type WindowUpdate struct {
	increment uint32
}

func (w *WindowUpdate) Type() FrameType { return FrameWindowUpdate }

func (w *WindowUpdate) Reset() { w.increment = 0 }

func (w *WindowUpdate) Increment() uint32 { return w.increment }

func (w *WindowUpdate) SetIncrement(v uint32) { w.increment = v & (1<<31 - 1) }

func (w *WindowUpdate) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) != 4 {
		return ErrMissingBytes
	}
	w.increment = http2utils.BytesToUint32(fr.payload) & (1<<31 - 1)
	return nil
}

func (w *WindowUpdate) Serialize(fr *FrameHeader) {
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], w.increment&(1<<31-1))
}
