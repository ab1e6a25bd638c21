package http2

var (
	_ Frame            = (*Continuation)(nil)
	_ FrameWithHeaders = (*Continuation)(nil)
)

// Continuation carries the remainder of a header block too large for a
// single HEADERS or PUSH_PROMISE frame.
// https://tools.ietf.org/html/rfc7540#section-6.10
type Continuation struct {
	ended  bool
	header []byte
}

func (c *Continuation) Type() FrameType { return FrameContinuation }

func (c *Continuation) Reset() {
	c.ended = false
	c.header = c.header[:0]
}

func (c *Continuation) Headers() []byte { return c.header }

func (c *Continuation) SetHeader(b []byte) { c.header = append(c.header[:0], b...) }

func (c *Continuation) Write(b []byte) (int, error) {
	c.header = append(c.header, b...)
	return len(b), nil
}

func (c *Continuation) EndHeaders() bool { return c.ended }

func (c *Continuation) SetEndHeaders(v bool) { c.ended = v }

func (c *Continuation) Deserialize(fr *FrameHeader) error {
	c.SetHeader(fr.payload)
	c.ended = fr.Flags().Has(FlagEndHeaders)
	return nil
}

func (c *Continuation) Serialize(fr *FrameHeader) {
	fr.payload = append(fr.payload[:0], c.header...)
	if c.ended {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}
}
