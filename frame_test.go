package http2

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, streamID uint32, body Frame) *FrameHeader {
	t.Helper()

	fr := AcquireFrameHeader()
	fr.SetStream(streamID)
	fr.SetBody(body)

	var buf bytes.Buffer
	_, err := fr.WriteTo(&buf)
	require.NoError(t, err)
	ReleaseFrameHeader(fr)

	out, err := ReadFrameFromWithSize(bufio.NewReader(&buf), maxFrameSizeLimit)
	require.NoError(t, err)
	return out
}

func TestDataFrameRoundTrip(t *testing.T) {
	d := &Data{}
	d.SetData([]byte("hello world"))
	d.SetEndStream(true)

	fr := roundTrip(t, 3, d)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Data)
	require.Equal(t, []byte("hello world"), got.Data())
	require.True(t, got.EndStream())
	require.False(t, got.Padding())
}

func TestDataFrameRoundTripWithPadding(t *testing.T) {
	d := &Data{}
	d.SetData([]byte("payload"))
	d.SetPadding(true)

	fr := roundTrip(t, 3, d)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Data)
	require.Equal(t, []byte("payload"), got.Data())
	require.True(t, got.Padding())
}

func TestHeadersFrameRoundTripWithPriority(t *testing.T) {
	h := &Headers{}
	h.SetHeader([]byte("fake-hpack-block"))
	h.SetEndStream(true)
	h.SetEndHeaders(true)
	h.SetPriority(true, 5, 200)

	fr := roundTrip(t, 1, h)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Headers)
	require.Equal(t, []byte("fake-hpack-block"), got.Headers())
	require.True(t, got.EndStream())
	require.True(t, got.EndHeaders())

	excl, dep, weight, ok := got.Priority()
	require.True(t, ok)
	require.True(t, excl)
	require.Equal(t, uint32(5), dep)
	require.Equal(t, uint8(200), weight)
}

func TestContinuationFrameRoundTrip(t *testing.T) {
	c := &Continuation{}
	c.SetHeader([]byte("more-hpack"))
	c.SetEndHeaders(true)

	fr := roundTrip(t, 1, c)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Continuation)
	require.Equal(t, []byte("more-hpack"), got.Headers())
	require.True(t, got.EndHeaders())
}

func TestPushPromiseFrameRoundTrip(t *testing.T) {
	pp := &PushPromise{}
	pp.SetStream(4)
	pp.SetHeader([]byte("promised-hpack"))
	pp.SetEndHeaders(true)

	fr := roundTrip(t, 1, pp)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*PushPromise)
	require.Equal(t, uint32(4), got.Stream())
	require.Equal(t, []byte("promised-hpack"), got.Headers())
	require.True(t, got.EndHeaders())
}

func TestPingFrameRoundTrip(t *testing.T) {
	p := &Ping{}
	p.SetData([8]byte{1, 2, 3, 4, 5, 6, 7, 8})

	fr := roundTrip(t, 0, p)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Ping)
	require.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, got.Data())
	require.False(t, got.IsAck())
}

func TestGoAwayFrameRoundTrip(t *testing.T) {
	g := &GoAway{}
	g.SetLastStreamID(41)
	g.SetCode(ProtocolError)
	g.SetData([]byte("bye"))

	fr := roundTrip(t, 0, g)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*GoAway)
	require.Equal(t, uint32(41), got.LastStreamID())
	require.Equal(t, ProtocolError, got.Code())
	require.Equal(t, []byte("bye"), got.Data())
}

func TestRstStreamFrameRoundTrip(t *testing.T) {
	r := &RstStream{}
	r.SetCode(CompressionError)

	fr := roundTrip(t, 7, r)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*RstStream)
	require.Equal(t, CompressionError, got.Code())
}

func TestWindowUpdateFrameRoundTrip(t *testing.T) {
	w := &WindowUpdate{}
	w.SetIncrement(1 << 20)

	fr := roundTrip(t, 9, w)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*WindowUpdate)
	require.Equal(t, uint32(1<<20), got.Increment())
}

func TestPriorityFrameRoundTrip(t *testing.T) {
	p := &Priority{}
	p.SetStream(11)
	p.SetWeight(42)
	p.SetExclusive(true)

	fr := roundTrip(t, 13, p)
	defer ReleaseFrameHeader(fr)

	got := fr.Body().(*Priority)
	require.Equal(t, uint32(11), got.Stream())
	require.Equal(t, uint8(42), got.Weight())
	require.True(t, got.Exclusive())
}

func TestReadFrameFromWithSizeRejectsOversizedFrame(t *testing.T) {
	d := &Data{}
	d.SetData(bytes.Repeat([]byte{'a'}, 100))

	fr := AcquireFrameHeader()
	fr.SetStream(1)
	fr.SetBody(d)

	var buf bytes.Buffer
	_, err := fr.WriteTo(&buf)
	require.NoError(t, err)
	ReleaseFrameHeader(fr)

	oversized, err := ReadFrameFromWithSize(bufio.NewReader(&buf), 16)
	require.Equal(t, ErrPayloadExceeds, err)
	ReleaseFrameHeader(oversized)
}

func TestUnknownFrameTypeIsReported(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0xff, 0, 0, 0, 0, 1})

	unknown, err := ReadFrameFromWithSize(bufio.NewReader(&buf), maxFrameSizeLimit)
	require.Equal(t, ErrUnknownFrameType, err)
	ReleaseFrameHeader(unknown)
}
