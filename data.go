package http2

import "github.com/nomadflux/h2client/http2utils"

var _ Frame = (*Data)(nil)

// Data carries an application payload fragment for a stream.
// https://tools.ietf.org/html/rfc7540#section-6.1
type Data struct {
	pad       bool
	endStream bool
	data      []byte
}

func (d *Data) Type() FrameType { return FrameData }

func (d *Data) Reset() {
	d.pad = false
	d.endStream = false
	d.data = d.data[:0]
}

func (d *Data) Data() []byte { return d.data }

func (d *Data) SetData(b []byte) {
	d.data = append(d.data[:0], b...)
}

func (d *Data) EndStream() bool { return d.endStream }

func (d *Data) SetEndStream(v bool) { d.endStream = v }

func (d *Data) Padding() bool { return d.pad }

func (d *Data) SetPadding(v bool) { d.pad = v }

func (d *Data) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		d.pad = true
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	d.SetData(payload)
	d.endStream = fr.Flags().Has(FlagEndStream)

	return nil
}

func (d *Data) Serialize(fr *FrameHeader) {
	payload := append(fr.payload[:0], d.data...)

	if d.pad {
		fr.SetFlags(fr.Flags().Add(FlagPadded))
		payload = http2utils.AddPadding(payload)
	}

	if d.endStream {
		fr.SetFlags(fr.Flags().Add(FlagEndStream))
	}

	fr.payload = payload
}
