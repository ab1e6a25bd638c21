package http2

var _ Frame = (*Ping)(nil)

// Ping carries an 8-byte opaque payload the peer must echo back with ACK
// set. https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (p *Ping) Type() FrameType { return FramePing }

func (p *Ping) Reset() {
	p.ack = false
	p.data = [8]byte{}
}

func (p *Ping) IsAck() bool    { return p.ack }
func (p *Ping) SetAck(v bool) { p.ack = v }

func (p *Ping) Data() [8]byte { return p.data }

func (p *Ping) SetData(b [8]byte) { p.data = b }

func (p *Ping) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) != 8 {
		return ErrMissingBytes
	}
	copy(p.data[:], fr.payload)
	p.ack = fr.Flags().Has(FlagAck)
	return nil
}

func (p *Ping) Serialize(fr *FrameHeader) {
	fr.payload = append(fr.payload[:0], p.data[:]...)
	if p.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}
}
