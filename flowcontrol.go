package http2

import (
	"sync/atomic"
)

// flowControl tracks both directions of one HTTP/2 flow-control window: the
// session-wide pair (stream 0, fixed at defaultWindowSize and only ever
// moved by WINDOW_UPDATE) and, embedded the same way inside every Stream,
// the per-stream pair (seeded from the negotiated INITIAL_WINDOW_SIZE and
// shifted whenever that setting changes).
//
// Modeled on serverConn's currentWindow/maxWindow bookkeeping and Stream's
// window/recvWindowSize fields in serverConn.go's consumeConnectionWindow,
// consumeStreamWindow, queueWindowUpdate and windowIncrement, generalized so
// the same type serves the client's send side (peer's receive window, as
// server.go's code only had to track) and its receive side (our own window,
// which a server never needed to advertise back to itself).
type flowControl struct {
	send int64 // bytes we are still permitted to send to the peer
	recv int64 // bytes of our advertised receive window not yet reclaimed

	recvLimit int64 // the receive window size we advertise once fully open
	delivered bool  // at least one DATA frame consumed since last WINDOW_UPDATE
}

func newFlowControl(limit int64) *flowControl {
	return &flowControl{
		send:      defaultWindowSize,
		recv:      limit,
		recvLimit: limit,
	}
}

// validateWindowIncrement rejects a WINDOW_UPDATE increment outside
// RFC 7540 section 6.9's 1..2^31-1 range.
func validateWindowIncrement(inc int64) error {
	if inc <= 0 {
		return NewGoAwayError(ProtocolError, "window increment must be positive")
	}
	if inc > maxWindowIncrement {
		return NewGoAwayError(ProtocolError, "window increment too large")
	}
	return nil
}

// addAndClampWindow atomically adds inc to *window, failing with
// FLOW_CONTROL_ERROR if the result would overflow the signed 31-bit space
// RFC 7540 section 6.9.1 bounds a flow-control window to.
func addAndClampWindow(window *int64, inc int64) error {
	for {
		cur := atomic.LoadInt64(window)
		next := cur + inc
		if next > maxWindowSize {
			return NewGoAwayError(FlowControlError, "flow control window overflow")
		}
		if atomic.CompareAndSwapInt64(window, cur, next) {
			return nil
		}
	}
}

// consumeSend debits n bytes from the send side ahead of emitting a DATA
// frame of that size; newErr builds the error to return if the peer's
// window can't cover it (a stream error for per-stream windows, a
// connection error for the session window), mirroring how
// consumeConnectionWindow and consumeStreamWindow diverge only in which
// error type they promote.
func (fc *flowControl) consumeSend(n int, newErr func(string) error) error {
	if n == 0 {
		return nil
	}
	if n < 0 {
		return newErr("invalid DATA size")
	}
	for {
		cur := atomic.LoadInt64(&fc.send)
		if int64(n) > cur {
			return newErr("flow control window exceeded")
		}
		if atomic.CompareAndSwapInt64(&fc.send, cur, cur-int64(n)) {
			return nil
		}
	}
}

// available reports how many bytes may currently be sent without blocking.
func (fc *flowControl) available() int64 {
	return atomic.LoadInt64(&fc.send)
}

// grantSend applies an incoming WINDOW_UPDATE to the send side.
func (fc *flowControl) grantSend(inc int64) error {
	if err := validateWindowIncrement(inc); err != nil {
		return err
	}
	return addAndClampWindow(&fc.send, inc)
}

// consumeRecv debits n bytes from our own receive window as a DATA frame of
// that size is delivered to the application, and records that at least one
// byte has been delivered since the window was last replenished. newErr
// follows the same stream-vs-connection split as consumeSend.
func (fc *flowControl) consumeRecv(n int, newErr func(string) error) error {
	if n == 0 {
		return nil
	}
	if n < 0 {
		return newErr("invalid DATA size")
	}
	cur := atomic.LoadInt64(&fc.recv)
	if int64(n) > cur {
		return newErr("peer violated our flow control window")
	}
	atomic.AddInt64(&fc.recv, -int64(n))
	fc.delivered = true
	return nil
}

// windowIncrement computes how much of the up-to-n bytes just reclaimed by
// the application can be folded into one WINDOW_UPDATE right now, capped so
// fc.recv never exceeds limit. Ported from serverConn.windowIncrement.
func windowIncrement(limit, current int64, n int) int64 {
	if n <= 0 || current >= limit {
		return 0
	}
	remaining := limit - current
	if int64(n) > remaining {
		return remaining
	}
	return int64(n)
}

// pendingIncrement returns the increment to advertise for this window, or
// ok=false if nothing should be sent yet. It implements the same emission
// policy as serverConn.queueWindowUpdate: only once some DATA has actually
// been delivered, and only once the window has drained past its half-open
// point, so a trickle of small reads doesn't produce a WINDOW_UPDATE storm.
func (fc *flowControl) pendingIncrement() (int64, bool) {
	if !fc.delivered {
		return 0, false
	}
	cur := atomic.LoadInt64(&fc.recv)
	if cur*2 >= fc.recvLimit {
		return 0, false
	}
	inc := windowIncrement(fc.recvLimit, cur, int(fc.recvLimit-cur))
	if inc <= 0 {
		return 0, false
	}
	return inc, true
}

// applyIncrement folds inc into the receive window and clears the delivery
// flag, called once the WINDOW_UPDATE frame computed by pendingIncrement has
// actually been queued for write.
func (fc *flowControl) applyIncrement(inc int64) {
	atomic.AddInt64(&fc.recv, inc)
	fc.delivered = false
}

// adjustRecvLimit implements the RFC 7540 section 6.9.2 rule for a changed
// SETTINGS_INITIAL_WINDOW_SIZE: every already-open stream's window moves by
// the same signed delta (newLimit - oldLimit), which can make it negative
// but never overflow past maxWindowSize on the way up. Grounded on the
// per-stream delta loop inside serverConn.handleSettings.
func (fc *flowControl) adjustRecvLimit(newLimit int64) error {
	delta := newLimit - fc.recvLimit
	fc.recvLimit = newLimit
	if delta == 0 {
		return nil
	}
	for {
		cur := atomic.LoadInt64(&fc.recv)
		next := cur + delta
		if next > maxWindowSize {
			return NewGoAwayError(FlowControlError, "flow control window overflow")
		}
		if atomic.CompareAndSwapInt64(&fc.recv, cur, next) {
			return nil
		}
	}
}

// adjustSendLimit applies the section 6.9.2 delta rule to the send side: it
// runs when we receive a SETTINGS frame changing the peer's advertised
// INITIAL_WINDOW_SIZE, shifting every open stream's send window by the same
// signed amount.
func (fc *flowControl) adjustSendLimit(oldLimit, newLimit int64) error {
	delta := newLimit - oldLimit
	if delta == 0 {
		return nil
	}
	for {
		cur := atomic.LoadInt64(&fc.send)
		next := cur + delta
		if next > maxWindowSize {
			return NewGoAwayError(FlowControlError, "flow control window overflow")
		}
		if atomic.CompareAndSwapInt64(&fc.send, cur, next) {
			return nil
		}
	}
}
