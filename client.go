package http2

import (
	"strconv"

	"github.com/valyala/fasthttp"
)

// RoundTrip sends req over a freshly allocated stream and blocks until a
// complete response (or a terminal error) is available in resp. This is
// the single-connection primitive; Client (dial.go) pools these across
// several Sessions the way fasthttp.HostClient pools its connections.
func (s *Session) RoundTrip(req *fasthttp.Request, resp *fasthttp.Response) error {
	if s.upgrading.Load() {
		return newLocalError("h2c upgrade still pending; a second request cannot be pipelined")
	}

	strm, err := s.allocateStream()
	if err != nil {
		return err
	}
	strm.SetRequest(req)
	strm.SetResponse(resp)

	if err := s.sendHeaders(strm, req); err != nil {
		s.dropStream(strm.ID())
		return err
	}

	if body := req.Body(); len(body) > 0 {
		if err := s.sendData(strm, body, true); err != nil {
			s.dropStream(strm.ID())
			return err
		}
	}

	timer := s.cfg.Clock.NewTimer(s.cfg.MaxResponseTime)
	defer timer.Stop()

	select {
	case <-strm.Done():
		err = strm.Err()
		ReleaseStream(strm)
		return err
	case <-timer.C():
		// The deadline is a local cancellation: RST_STREAM(CANCEL) tells
		// the peer to stop spending effort on this stream. The stream is
		// not returned to the pool here since the dispatcher may still
		// hold it for a frame already in flight.
		s.resetStream(strm, StreamCanceled, "timed out waiting for response")
		return strm.Err()
	}
}

// awaitUpgradeResponse blocks until the implicit stream 1 seeded by
// openUpgradeStream reaches its response, mirroring RoundTrip's own wait
// but with no HEADERS/DATA to send: the Upgrade request that created this
// stream already went out as plain HTTP/1.1 bytes before the Session
// existed.
func (s *Session) awaitUpgradeResponse() error {
	defer s.upgrading.Store(false)

	strm, ok := s.getStream(1)
	if !ok {
		return nil
	}

	timer := s.cfg.Clock.NewTimer(s.cfg.MaxResponseTime)
	defer timer.Stop()

	select {
	case <-strm.Done():
		err := strm.Err()
		ReleaseStream(strm)
		return err
	case <-timer.C():
		s.resetStream(strm, StreamCanceled, "timed out waiting for upgrade response")
		return strm.Err()
	}
}

// sendHeaders encodes req's pseudo-headers and fields into one HPACK
// block and fragments it across HEADERS + CONTINUATION frames no larger
// than the peer's advertised MAX_FRAME_SIZE, queuing them together so
// nothing else is interleaved between a HEADERS frame and its
// CONTINUATIONs, per RFC 7540 section 6.2.
func (s *Session) sendHeaders(strm *Stream, req *fasthttp.Request) error {
	fields := requestHeaderFields(req)

	s.hpackMu.Lock()
	block, err := s.enc.Encode(fields)
	s.hpackMu.Unlock()
	if err != nil {
		return err
	}

	maxFrame := int(s.peerMaxFrameSize.Load())
	endStream := len(req.Body()) == 0

	strm.openLocal()

	frames := make([]*FrameHeader, 0, 1+len(block)/maxFrame)

	first := min(len(block), maxFrame)
	h := &Headers{}
	h.SetHeader(block[:first])
	h.SetEndStream(endStream)
	h.SetEndHeaders(len(block) <= maxFrame)
	hf := AcquireFrameHeader()
	hf.SetStream(strm.ID())
	hf.SetBody(h)
	frames = append(frames, hf)

	rest := block[first:]
	for len(rest) > 0 {
		n := min(len(rest), maxFrame)
		c := &Continuation{}
		c.SetHeader(rest[:n])
		c.SetEndHeaders(n == len(rest))
		cf := AcquireFrameHeader()
		cf.SetStream(strm.ID())
		cf.SetBody(c)
		frames = append(frames, cf)
		rest = rest[n:]
	}

	for _, fr := range frames {
		s.enqueue(fr)
	}

	if endStream {
		strm.halfCloseLocal()
	}
	return nil
}

// requestHeaderFields builds the ordered HPACK field list RFC 7540
// section 8.1.2.3 requires: pseudo-headers first, then regular fields
// lower-cased, with connection-specific fields stripped since they are
// forbidden on an HTTP/2 wire.
func requestHeaderFields(req *fasthttp.Request) []HeaderField {
	uri := req.URI()
	scheme := "https"
	if len(uri.Scheme()) > 0 {
		scheme = string(uri.Scheme())
	}

	fields := make([]HeaderField, 0, 8+req.Header.Len())
	fields = append(fields,
		HeaderField{Name: ":method", Value: string(req.Header.Method())},
		HeaderField{Name: ":scheme", Value: scheme},
		HeaderField{Name: ":authority", Value: string(uri.Host())},
		HeaderField{Name: ":path", Value: string(uri.RequestURI())},
	)

	req.Header.VisitAll(func(k, v []byte) {
		switch string(k) {
		case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Host":
			return
		}
		fields = append(fields, HeaderField{Name: lowerASCII(string(k)), Value: string(v)})
	})

	if cl := req.Header.ContentLength(); cl > 0 {
		fields = append(fields, HeaderField{Name: "content-length", Value: strconv.Itoa(cl)})
	}

	return fields
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// sendData fragments data across DATA frames bounded by both the
// session's and the stream's send windows and the peer's MAX_FRAME_SIZE,
// queuing whatever can't be sent yet as pending and relying on a later
// WINDOW_UPDATE to flush it. Mirrors serverConn.go's queueData /
// appendPendingData / flushPendingData trio, generalized to the
// flowControl type instead of raw atomics on serverConn/Stream fields.
func (s *Session) sendData(strm *Stream, data []byte, endStream bool) error {
	if len(data) == 0 {
		if endStream {
			s.queueDataFrame(strm, nil, true)
			strm.halfCloseLocal()
		}
		return nil
	}

	maxFrame := int(s.peerMaxFrameSize.Load())
	if maxFrame <= 0 {
		maxFrame = defaultDataFrameSize
	}

	for len(data) > 0 {
		streamWin := strm.fc.available()
		connWin := s.fc.available()

		if streamWin <= 0 || connWin <= 0 {
			s.appendPending(strm, data, endStream)
			return nil
		}

		toSend := min(len(data), maxFrame, int(streamWin), int(connWin))
		if toSend <= 0 {
			s.appendPending(strm, data, endStream)
			return nil
		}

		if err := strm.fc.consumeSend(toSend, func(msg string) error {
			return NewResetStreamError(FlowControlError, msg)
		}); err != nil {
			return err
		}
		if err := s.fc.consumeSend(toSend, func(msg string) error {
			return NewGoAwayError(FlowControlError, msg)
		}); err != nil {
			return err
		}

		chunk := data[:toSend]
		data = data[toSend:]
		isLast := endStream && len(data) == 0

		s.queueDataFrame(strm, chunk, isLast)
		if isLast {
			strm.halfCloseLocal()
		}
	}
	return nil
}

func (s *Session) queueDataFrame(strm *Stream, data []byte, endStream bool) {
	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())
	payload := AcquireFrame(FrameData).(*Data)
	payload.SetEndStream(endStream)
	payload.SetData(data)
	fr.SetBody(payload)
	s.enqueue(fr)
}

func (s *Session) appendPending(strm *Stream, data []byte, endStream bool) {
	strm.pendingMu.Lock()
	strm.pendingData = append(strm.pendingData, data...)
	if endStream {
		strm.pendingDataEndStream = true
	}
	strm.pendingMu.Unlock()
}
