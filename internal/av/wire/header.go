// Package wire implements the fixed 80-byte frame header and the lossless
// control side-channel codec shared by every frame that crosses the
// friend-to-friend transport.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed on-wire size of a Header, in bytes.
const HeaderSize = 80

// Flag bits within Header.Flags.
const (
	FlagLargeFrame        uint64 = 1 << 0 // offset/length carried in the 32-bit fields
	FlagKeyFrame          uint64 = 1 << 1
	FlagHasRecordTS       uint64 = 1 << 2
	FlagEncoderIsH264     uint64 = 1 << 3
	FlagRotationBit0      uint64 = 1 << 4
	FlagRotationBit1      uint64 = 1 << 5
	flagReservedMask             = ^(FlagLargeFrame | FlagKeyFrame | FlagHasRecordTS | FlagEncoderIsH264 | FlagRotationBit0 | FlagRotationBit1)
)

// Rotation encodes one of the four permitted capture rotations via the two
// ROT_BIT flags in Header.Flags.
type Rotation uint8

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// PayloadType identifies the logical stream carried by a frame (distinct
// from the transport packet id in byte 0 of the datagram; see
// transport.PacketID). The wire header only carries the low 7 bits
// (Pack/Unpack mask accordingly); PayloadTypeAudio/PayloadTypeVideo are
// kept at their full historical values (192/193) so callers compare
// against them the same way the wire format does: modulo 128.
type PayloadType uint8

const (
	PayloadTypeAudio PayloadType = 192
	PayloadTypeVideo PayloadType = 193
)

// Matches reports whether a header's masked 7-bit payload type field
// corresponds to this logical type (spec §4.5: "reject if
// header.payload_type % 128 ≠ expected").
func (p PayloadType) Matches(fieldValue PayloadType) bool {
	return uint8(fieldValue) == uint8(p)%128
}

// Header is the in-memory, widened representation of the 80-byte wire
// header described by spec §3/§6.1. Field order here need not match wire
// order; Pack/Unpack fix the wire layout.
type Header struct {
	Version     uint8 // 2 bits
	Padding     bool
	Extension   bool
	CSRCCount   uint8 // 4 bits
	Marker      bool
	PayloadType PayloadType // 7 bits

	Sequnum   uint16
	Timestamp uint32 // legacy 32-bit timestamp
	SSRC      uint32 // unused, preserved for wire compatibility

	Flags uint64

	OffsetFull         uint32
	LengthFull         uint32
	ReceivedLengthFull uint32 // receiver-populated; zero on send

	RecordTimestamp uint64 // sender wall-clock of capture, ms

	FragmentNum   uint32
	RealFrameNum  uint32 // reserved by the original protocol
	EncoderBitrate uint32
	CaptureDelayMS uint32

	OffsetLegacy uint16
	LengthLegacy uint16
}

// IsLargeFrame reports whether the 32-bit offset/length fields carry truth
// (modern senders) as opposed to the 16-bit legacy pair.
func (h *Header) IsLargeFrame() bool { return h.Flags&FlagLargeFrame != 0 }

// IsKeyFrame reports the KEY_FRAME flag.
func (h *Header) IsKeyFrame() bool { return h.Flags&FlagKeyFrame != 0 }

// IsH264 reports the ENCODER_IS_H264 flag.
func (h *Header) IsH264() bool { return h.Flags&FlagEncoderIsH264 != 0 }

// HasRecordTimestamp reports the HAS_RECORD_TIMESTAMP flag.
func (h *Header) HasRecordTimestamp() bool { return h.Flags&FlagHasRecordTS != 0 }

// RotationAngle decodes the two rotation bits into a Rotation value.
func (h *Header) RotationAngle() Rotation {
	r := Rotation(0)
	if h.Flags&FlagRotationBit0 != 0 {
		r |= 1
	}
	if h.Flags&FlagRotationBit1 != 0 {
		r |= 2
	}
	return r
}

// SetRotation overwrites the two rotation bits, leaving all others untouched.
func (h *Header) SetRotation(r Rotation) {
	h.Flags &^= FlagRotationBit0 | FlagRotationBit1
	if r&1 != 0 {
		h.Flags |= FlagRotationBit0
	}
	if r&2 != 0 {
		h.Flags |= FlagRotationBit1
	}
}

// Pack writes the header's 80-byte wire representation. Reserved padding is
// zeroed, matching spec §4.1.
func Pack(h *Header) [HeaderSize]byte {
	var buf [HeaderSize]byte

	buf[0] = (h.Version&0x3)<<6 | boolBit(h.Padding)<<5 | boolBit(h.Extension)<<4 | h.CSRCCount&0xF
	buf[1] = boolBit(h.Marker)<<7 | uint8(h.PayloadType)&0x7F

	binary.BigEndian.PutUint16(buf[2:4], h.Sequnum)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	binary.BigEndian.PutUint64(buf[12:20], h.Flags&^flagReservedMask) // reserved bits forced to zero on send
	binary.BigEndian.PutUint32(buf[20:24], h.OffsetFull)
	binary.BigEndian.PutUint32(buf[24:28], h.LengthFull)
	binary.BigEndian.PutUint32(buf[28:32], h.ReceivedLengthFull)
	binary.BigEndian.PutUint64(buf[32:40], h.RecordTimestamp)
	binary.BigEndian.PutUint32(buf[40:44], h.FragmentNum)
	binary.BigEndian.PutUint32(buf[44:48], h.RealFrameNum)
	binary.BigEndian.PutUint32(buf[48:52], h.EncoderBitrate)
	binary.BigEndian.PutUint32(buf[52:56], h.CaptureDelayMS)
	// bytes 56..75: five reserved u32 words, left zero.
	binary.BigEndian.PutUint16(buf[76:78], h.OffsetLegacy)
	binary.BigEndian.PutUint16(buf[78:80], h.LengthLegacy)

	return buf
}

// Unpack parses an 80-byte header. It rejects inputs shorter than
// HeaderSize; excess trailing bytes (the payload) are ignored.
func Unpack(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("wire: short header: got %d bytes, need %d", len(b), HeaderSize)
	}

	h.Version = b[0] >> 6 & 0x3
	h.Padding = b[0]&0x20 != 0
	h.Extension = b[0]&0x10 != 0
	h.CSRCCount = b[0] & 0xF
	h.Marker = b[1]&0x80 != 0
	h.PayloadType = PayloadType(b[1] & 0x7F)

	h.Sequnum = binary.BigEndian.Uint16(b[2:4])
	h.Timestamp = binary.BigEndian.Uint32(b[4:8])
	h.SSRC = binary.BigEndian.Uint32(b[8:12])
	h.Flags = binary.BigEndian.Uint64(b[12:20])
	h.OffsetFull = binary.BigEndian.Uint32(b[20:24])
	h.LengthFull = binary.BigEndian.Uint32(b[24:28])
	h.ReceivedLengthFull = binary.BigEndian.Uint32(b[28:32])
	h.RecordTimestamp = binary.BigEndian.Uint64(b[32:40])
	h.FragmentNum = binary.BigEndian.Uint32(b[40:44])
	h.RealFrameNum = binary.BigEndian.Uint32(b[44:48])
	h.EncoderBitrate = binary.BigEndian.Uint32(b[48:52])
	h.CaptureDelayMS = binary.BigEndian.Uint32(b[52:56])
	h.OffsetLegacy = binary.BigEndian.Uint16(b[76:78])
	h.LengthLegacy = binary.BigEndian.Uint16(b[78:80])

	return h, nil
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
