package http2

import "github.com/nomadflux/h2client/http2utils"

var _ Frame = (*Priority)(nil)

// Priority carries the (deprecated, RFC 9113) stream-dependency weighting.
// The scheduler parses and stores it but never acts on it.
// https://tools.ietf.org/html/rfc7540#section-6.3
type Priority struct {
	exclusive bool
	streamDep uint32
	weight    uint8
}

func (p *Priority) Type() FrameType { return FramePriority }

func (p *Priority) Reset() {
	p.exclusive = false
	p.streamDep = 0
	p.weight = 0
}

// Stream returns the stream this frame's PRIORITY payload depends on (not
// to be confused with the owning FrameHeader's stream id).
func (p *Priority) Stream() uint32 { return p.streamDep }

func (p *Priority) SetStream(id uint32) { p.streamDep = id & (1<<31 - 1) }

func (p *Priority) Exclusive() bool { return p.exclusive }

func (p *Priority) SetExclusive(v bool) { p.exclusive = v }

func (p *Priority) Weight() uint8 { return p.weight }

func (p *Priority) SetWeight(w uint8) { p.weight = w }

func (p *Priority) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < 5 {
		return ErrMissingBytes
	}

	dep := http2utils.BytesToUint32(fr.payload)
	p.exclusive = dep&0x80000000 != 0
	p.streamDep = dep & (1<<31 - 1)
	p.weight = fr.payload[4]

	return nil
}

func (p *Priority) Serialize(fr *FrameHeader) {
	dep := p.streamDep & (1<<31 - 1)
	if p.exclusive {
		dep |= 0x80000000
	}

	payload := http2utils.AppendUint32Bytes(fr.payload[:0], dep)
	payload = append(payload, p.weight)

	fr.payload = payload
}
