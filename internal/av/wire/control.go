package wire

import (
	"encoding/binary"
	"fmt"
)

// ControlSubtype identifies the payload carried by a comm-channel packet
// (spec §4.10/§6.1). Comm-channel packets are lossless and carry no RTP
// header; the subtype byte follows the transport packet id directly.
type ControlSubtype uint8

const (
	ControlRequestKeyframe ControlSubtype = 1
	ControlHaveH264Video   ControlSubtype = 2
	ControlLessVideoFPS    ControlSubtype = 3
	ControlClockRequest    ControlSubtype = 4
	ControlClockAnswer     ControlSubtype = 5
	ControlCapChangeAck    ControlSubtype = 6
)

// Capability bit positions within a CapChangeAck payload byte (spec §4.9's
// {SendA, RecvA, SendV, RecvV} 4-bit set).
const (
	capBitSendA = 1 << 0
	capBitRecvA = 1 << 1
	capBitSendV = 1 << 2
	capBitRecvV = 1 << 3
)

// ControlMessage is the parsed form of a comm-channel packet, excluding the
// leading transport packet id byte (that belongs to the transport layer).
type ControlMessage struct {
	Subtype ControlSubtype

	// LessVideoFPS payload.
	FPSDivisor uint8 // n in "drop 1-of-n", valid range (1,10)

	// Clock request/answer payload (all values are local millisecond clocks
	// truncated to 32 bits, per spec §4.2).
	EchoT0  uint32
	RemoteT1 uint32
	RemoteT2 uint32

	// CapChangeAck payload: the peer's own capability bits, echoed back
	// (SPEC_FULL.md §3 item 5).
	CapSendA, CapRecvA, CapSendV, CapRecvV bool
}

// EncodeControl serializes a control message body (subtype byte + payload).
// The caller prepends the transport packet id for the comm-channel.
func EncodeControl(m ControlMessage) ([]byte, error) {
	switch m.Subtype {
	case ControlRequestKeyframe, ControlHaveH264Video:
		return []byte{byte(m.Subtype)}, nil
	case ControlLessVideoFPS:
		if m.FPSDivisor <= 1 || m.FPSDivisor >= 10 {
			return nil, fmt.Errorf("wire: LESS_VIDEO_FPS divisor %d out of range (1,10)", m.FPSDivisor)
		}
		return []byte{byte(m.Subtype), m.FPSDivisor}, nil
	case ControlClockRequest:
		buf := make([]byte, 5)
		buf[0] = byte(m.Subtype)
		binary.BigEndian.PutUint32(buf[1:5], m.EchoT0)
		return buf, nil
	case ControlClockAnswer:
		buf := make([]byte, 13)
		buf[0] = byte(m.Subtype)
		binary.BigEndian.PutUint32(buf[1:5], m.EchoT0)
		binary.BigEndian.PutUint32(buf[5:9], m.RemoteT1)
		binary.BigEndian.PutUint32(buf[9:13], m.RemoteT2)
		return buf, nil
	case ControlCapChangeAck:
		return []byte{byte(m.Subtype), packCapBits(m.CapSendA, m.CapRecvA, m.CapSendV, m.CapRecvV)}, nil
	default:
		return nil, fmt.Errorf("wire: unknown control subtype %d", m.Subtype)
	}
}

func packCapBits(sendA, recvA, sendV, recvV bool) byte {
	var b byte
	if sendA {
		b |= capBitSendA
	}
	if recvA {
		b |= capBitRecvA
	}
	if sendV {
		b |= capBitSendV
	}
	if recvV {
		b |= capBitRecvV
	}
	return b
}

// DecodeControl parses a control message body (subtype byte + payload,
// without the leading transport packet id).
func DecodeControl(b []byte) (ControlMessage, error) {
	if len(b) < 1 {
		return ControlMessage{}, fmt.Errorf("wire: empty control message")
	}
	m := ControlMessage{Subtype: ControlSubtype(b[0])}
	switch m.Subtype {
	case ControlRequestKeyframe, ControlHaveH264Video:
		return m, nil
	case ControlLessVideoFPS:
		if len(b) < 2 {
			return ControlMessage{}, fmt.Errorf("wire: LESS_VIDEO_FPS missing payload")
		}
		m.FPSDivisor = b[1]
		return m, nil
	case ControlClockRequest:
		if len(b) < 5 {
			return ControlMessage{}, fmt.Errorf("wire: CLOCK_REQUEST short payload")
		}
		m.EchoT0 = binary.BigEndian.Uint32(b[1:5])
		return m, nil
	case ControlClockAnswer:
		if len(b) < 13 {
			return ControlMessage{}, fmt.Errorf("wire: CLOCK_ANSWER short payload")
		}
		m.EchoT0 = binary.BigEndian.Uint32(b[1:5])
		m.RemoteT1 = binary.BigEndian.Uint32(b[5:9])
		m.RemoteT2 = binary.BigEndian.Uint32(b[9:13])
		return m, nil
	case ControlCapChangeAck:
		if len(b) < 2 {
			return ControlMessage{}, fmt.Errorf("wire: CAP_CHANGE_ACK missing payload")
		}
		m.CapSendA = b[1]&capBitSendA != 0
		m.CapRecvA = b[1]&capBitRecvA != 0
		m.CapSendV = b[1]&capBitSendV != 0
		m.CapRecvV = b[1]&capBitRecvV != 0
		return m, nil
	default:
		return ControlMessage{}, fmt.Errorf("wire: unknown control subtype %d", m.Subtype)
	}
}

// MakeBroadcastHeader produces a minimal frame header used for MSI
// signaling (distinct from RTP media headers — it carries only identity
// and timing, never a payload offset/length pair).
func MakeBroadcastHeader(payloadType PayloadType, nowMS uint32, bcType uint8) Header {
	return Header{
		Version:     0,
		PayloadType: payloadType,
		Timestamp:   nowMS,
		CaptureDelayMS: uint32(bcType), // reuses the capture-delay slot to carry the broadcast subtype
	}
}
