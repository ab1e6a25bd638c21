package http2

import "github.com/nomadflux/h2client/http2utils"

var _ Frame = (*GoAway)(nil)

// GoAway announces graceful (or fatal) session shutdown and the last
// stream id the sender will process.
// https://tools.ietf.org/html/rfc7540#section-6.8
type GoAway struct {
	lastStreamID uint32
	code         ErrorCode
	debugData    []byte
}

func (g *GoAway) Type() FrameType { return FrameGoAway }

func (g *GoAway) Reset() {
	g.lastStreamID = 0
	g.code = NoError
	g.debugData = g.debugData[:0]
}

func (g *GoAway) LastStreamID() uint32 { return g.lastStreamID }

func (g *GoAway) SetLastStreamID(id uint32) { g.lastStreamID = id & (1<<31 - 1) }

func (g *GoAway) Code() ErrorCode { return g.code }

func (g *GoAway) SetCode(c ErrorCode) { g.code = c }

func (g *GoAway) Data() []byte { return g.debugData }

func (g *GoAway) SetData(b []byte) { g.debugData = append(g.debugData[:0], b...) }

func (g *GoAway) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < 8 {
		return ErrMissingBytes
	}
	g.lastStreamID = http2utils.BytesToUint32(fr.payload[0:4]) & (1<<31 - 1)
	g.code = ErrorCode(http2utils.BytesToUint32(fr.payload[4:8]))
	g.SetData(fr.payload[8:])
	return nil
}

func (g *GoAway) Serialize(fr *FrameHeader) {
	payload := http2utils.AppendUint32Bytes(fr.payload[:0], g.lastStreamID&(1<<31-1))
	payload = http2utils.AppendUint32Bytes(payload, uint32(g.code))
	payload = append(payload, g.debugData...)
	fr.payload = payload
}
