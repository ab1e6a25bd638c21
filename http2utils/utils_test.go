package http2utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUintConversions(t *testing.T) {
	b := make([]byte, 3)
	Uint24ToBytes(b, 0x010203)
	got := BytesToUint24(b)
	require.Equal(t, uint32(0x010203), got, "unexpected uint24")

	b4 := make([]byte, 4)
	Uint32ToBytes(b4, 0x11223344)
	got = BytesToUint32(b4)
	require.Equal(t, uint32(0x11223344), got, "unexpected uint32")
}

func TestEqualsFoldAndResize(t *testing.T) {
	require.True(t, EqualsFold([]byte("GoLang"), []byte("golang")), "expected equals fold")
	require.False(t, EqualsFold([]byte("Go"), []byte("lang")), "unexpected equals fold match")

	resized := Resize(make([]byte, 0, 1), 4)
	require.Len(t, resized, 4)

	reused := Resize(make([]byte, 0, 8), 4)
	require.Equal(t, 8, cap(reused), "Resize should reuse capacity when it's enough")
}

func TestPaddingHelpers(t *testing.T) {
	src := []byte("data")
	padded := AddPadding(src)
	require.Greater(t, len(padded), len(src)+1, "expected extra padding bytes")

	trimmed, err := CutPadding(padded, len(padded))
	require.NoError(t, err)
	require.True(t, bytes.Equal(trimmed, src), "unexpected trimmed payload: %q", trimmed)
}

func TestCutPaddingRejectsOversizedPadLength(t *testing.T) {
	_, err := CutPadding([]byte{200, 1, 2}, 3)
	require.ErrorIs(t, err, ErrPadding)
}

func TestAppendUint32Bytes(t *testing.T) {
	start := []byte{0xFF}
	result := AppendUint32Bytes(start, 0x01020304)
	require.Equal(t, []byte{0xFF, 0x01, 0x02, 0x03, 0x04}, result)
}
