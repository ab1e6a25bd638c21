package http2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowControlConsumeSendBlocksPastWindow(t *testing.T) {
	fc := newFlowControl(1000)
	fc.send = 100

	newErr := func(msg string) error { return NewResetStreamError(FlowControlError, msg) }

	require.NoError(t, fc.consumeSend(60, newErr))
	require.Equal(t, int64(40), fc.available())

	err := fc.consumeSend(50, newErr)
	require.Error(t, err)
	require.Equal(t, int64(40), fc.available(), "a rejected consume must not touch the window")
}

func TestFlowControlGrantSendValidatesIncrement(t *testing.T) {
	fc := newFlowControl(1000)
	fc.send = 0

	require.Error(t, fc.grantSend(0))
	require.Error(t, fc.grantSend(-1))
	require.NoError(t, fc.grantSend(100))
	require.Equal(t, int64(100), fc.available())
}

func TestFlowControlGrantSendRejectsOverflow(t *testing.T) {
	fc := newFlowControl(1000)
	fc.send = maxWindowSize - 1

	err := fc.grantSend(10)
	require.Error(t, err)
}

// WINDOW_UPDATE generation must wait until some DATA has actually been
// delivered, and then only once the window has drained past half open.
func TestFlowControlPendingIncrementPolicy(t *testing.T) {
	fc := newFlowControl(100)

	_, ok := fc.pendingIncrement()
	require.False(t, ok, "no increment before any DATA has been delivered")

	newErr := func(msg string) error { return NewResetStreamError(FlowControlError, msg) }
	require.NoError(t, fc.consumeRecv(10, newErr))

	_, ok = fc.pendingIncrement()
	require.False(t, ok, "window has only drained 10%, below the half-open threshold")

	require.NoError(t, fc.consumeRecv(45, newErr))
	inc, ok := fc.pendingIncrement()
	require.True(t, ok)
	require.Equal(t, int64(55), inc)

	fc.applyIncrement(inc)
	require.Equal(t, int64(100), fc.recv)
	require.False(t, fc.delivered)
}

func TestFlowControlAdjustRecvLimitShiftsOpenWindow(t *testing.T) {
	fc := newFlowControl(65535)
	require.NoError(t, fc.adjustRecvLimit(65535+1000))
	require.Equal(t, int64(65535+1000), fc.recv)

	require.NoError(t, fc.adjustRecvLimit(1000))
	require.Equal(t, int64(1000), fc.recv)
}

func TestFlowControlAdjustSendLimitCanGoNegative(t *testing.T) {
	fc := newFlowControl(65535)
	fc.send = 100

	require.NoError(t, fc.adjustSendLimit(65535, 0))
	require.Equal(t, int64(100-65535), fc.send)
}

func TestValidateWindowIncrementBounds(t *testing.T) {
	require.NoError(t, validateWindowIncrement(1))
	require.NoError(t, validateWindowIncrement(maxWindowIncrement))
	require.Error(t, validateWindowIncrement(0))
	require.Error(t, validateWindowIncrement(maxWindowIncrement+1))
}
