package http2

import (
	"errors"

	"github.com/nomadflux/h2client/http2utils"
)

// Recognized SETTINGS identifiers (RFC 7540 section 6.5.2). Any other
// identifier is ignored on decode, per RFC 7540 section 6.5.2.
const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
)

const (
	hasHeaderTableSize = 1 << iota
	hasEnablePush
	hasMaxConcurrentStreams
	hasInitialWindowSize
	hasMaxFrameSize
	hasMaxHeaderListSize
)

const settingEntrySize = 6 // 2-byte id + 4-byte value

var ErrSettingsFrameSize = errors.New("http2: SETTINGS payload length is not a multiple of 6, or ACK carries a payload")

var _ Frame = (*Settings)(nil)

// Settings is a mapping from 16-bit identifier to 32-bit value. Fields not
// present on the wire leave the corresponding "has" bit clear, so CopyTo
// can implement delta-compose semantics: applying Δ1 then Δ2 behaves the
// same as composing them, with the later value winning on overlap.
type Settings struct {
	ack bool
	has uint8

	headerTableSize   uint32
	enablePush        uint32
	maxStreams        uint32
	windowSize        uint32
	maxFrameSize      uint32
	maxHeaderListSize uint32
}

func (s *Settings) Type() FrameType { return FrameSettings }

func (s *Settings) Reset() {
	*s = Settings{}
}

func (s *Settings) IsAck() bool    { return s.ack }
func (s *Settings) SetAck(v bool) { s.ack = v }

func (s *Settings) HasHeaderTableSize() bool { return s.has&hasHeaderTableSize != 0 }
func (s *Settings) HeaderTableSize() uint32   { return s.headerTableSize }
func (s *Settings) SetHeaderTableSize(v uint32) {
	s.headerTableSize = v
	s.has |= hasHeaderTableSize
}

func (s *Settings) HasEnablePush() bool { return s.has&hasEnablePush != 0 }
func (s *Settings) Push() bool          { return s.enablePush != 0 }
func (s *Settings) SetPush(v bool) {
	if v {
		s.enablePush = 1
	} else {
		s.enablePush = 0
	}
	s.has |= hasEnablePush
}

func (s *Settings) HasMaxConcurrentStreams() bool { return s.has&hasMaxConcurrentStreams != 0 }
func (s *Settings) MaxConcurrentStreams() uint32  { return s.maxStreams }
func (s *Settings) SetMaxConcurrentStreams(v uint32) {
	s.maxStreams = v
	s.has |= hasMaxConcurrentStreams
}

func (s *Settings) HasMaxWindowSize() bool { return s.has&hasInitialWindowSize != 0 }
func (s *Settings) MaxWindowSize() uint32  { return s.windowSize }
func (s *Settings) SetMaxWindowSize(v uint32) {
	s.windowSize = v
	s.has |= hasInitialWindowSize
}

func (s *Settings) HasMaxFrameSize() bool { return s.has&hasMaxFrameSize != 0 }
func (s *Settings) MaxFrameSize() uint32  { return s.maxFrameSize }
func (s *Settings) SetMaxFrameSize(v uint32) {
	s.maxFrameSize = v
	s.has |= hasMaxFrameSize
}

func (s *Settings) HasMaxHeaderListSize() bool { return s.has&hasMaxHeaderListSize != 0 }
func (s *Settings) MaxHeaderListSize() uint32  { return s.maxHeaderListSize }
func (s *Settings) SetMaxHeaderListSize(v uint32) {
	s.maxHeaderListSize = v
	s.has |= hasMaxHeaderListSize
}

// CopyTo overwrites, in dst, every field explicitly present in s, leaving
// everything else in dst untouched.
func (s *Settings) CopyTo(dst *Settings) {
	if s.HasHeaderTableSize() {
		dst.SetHeaderTableSize(s.headerTableSize)
	}
	if s.HasEnablePush() {
		dst.SetPush(s.Push())
	}
	if s.HasMaxConcurrentStreams() {
		dst.SetMaxConcurrentStreams(s.maxStreams)
	}
	if s.HasMaxWindowSize() {
		dst.SetMaxWindowSize(s.windowSize)
	}
	if s.HasMaxFrameSize() {
		dst.SetMaxFrameSize(s.maxFrameSize)
	}
	if s.HasMaxHeaderListSize() {
		dst.SetMaxHeaderListSize(s.maxHeaderListSize)
	}
}

// validate checks the bounds RFC 7540 section 6.5.2 places on recognized
// settings values that were explicitly set.
func (s *Settings) validate() error {
	if s.HasEnablePush() && s.enablePush > 1 {
		return NewGoAwayError(ProtocolError, "SETTINGS_ENABLE_PUSH must be 0 or 1")
	}
	if s.HasMaxWindowSize() && s.windowSize > 1<<31-1 {
		return NewGoAwayError(FlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE exceeds 2^31-1")
	}
	if s.HasMaxFrameSize() && (s.maxFrameSize < 1<<14 || s.maxFrameSize > 1<<24-1) {
		return NewGoAwayError(ProtocolError, "SETTINGS_MAX_FRAME_SIZE out of range")
	}
	return nil
}

func (s *Settings) Deserialize(fr *FrameHeader) error {
	s.ack = fr.Flags().Has(FlagAck)

	if s.ack {
		if len(fr.payload) != 0 {
			return ErrSettingsFrameSize
		}
		return nil
	}

	if len(fr.payload)%settingEntrySize != 0 {
		return ErrSettingsFrameSize
	}

	b := fr.payload
	for len(b) > 0 {
		id := uint16(b[0])<<8 | uint16(b[1])
		val := http2utils.BytesToUint32(b[2:6])
		b = b[settingEntrySize:]

		switch id {
		case SettingHeaderTableSize:
			s.SetHeaderTableSize(val)
		case SettingEnablePush:
			// Kept as sent so validate can reject values other than 0 and 1.
			s.enablePush = val
			s.has |= hasEnablePush
		case SettingMaxConcurrentStreams:
			s.SetMaxConcurrentStreams(val)
		case SettingInitialWindowSize:
			s.SetMaxWindowSize(val)
		case SettingMaxFrameSize:
			s.SetMaxFrameSize(val)
		case SettingMaxHeaderListSize:
			s.SetMaxHeaderListSize(val)
		default:
			// unknown identifiers are ignored
		}
	}

	return s.validate()
}

func (s *Settings) Serialize(fr *FrameHeader) {
	if s.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.payload = fr.payload[:0]
		return
	}

	payload := fr.payload[:0]
	appendEntry := func(id uint16, val uint32) {
		payload = append(payload, byte(id>>8), byte(id))
		payload = http2utils.AppendUint32Bytes(payload, val)
	}

	if s.HasHeaderTableSize() {
		appendEntry(SettingHeaderTableSize, s.headerTableSize)
	}
	if s.HasEnablePush() {
		appendEntry(SettingEnablePush, s.enablePush)
	}
	if s.HasMaxConcurrentStreams() {
		appendEntry(SettingMaxConcurrentStreams, s.maxStreams)
	}
	if s.HasMaxWindowSize() {
		appendEntry(SettingInitialWindowSize, s.windowSize)
	}
	if s.HasMaxFrameSize() {
		appendEntry(SettingMaxFrameSize, s.maxFrameSize)
	}
	if s.HasMaxHeaderListSize() {
		appendEntry(SettingMaxHeaderListSize, s.maxHeaderListSize)
	}

	fr.payload = payload
}
