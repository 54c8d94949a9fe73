// Package sidechannel dispatches the lossless capability/control messages
// defined by internal/av/wire (C10): keyframe requests, H.264 capability
// advertisement, FPS throttling, and the clock request/answer pair,
// following the same decode-then-switch-then-invoke-handler shape as the
// command dispatcher, here keyed by wire.ControlSubtype instead of an AMF0
// command name.
package sidechannel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"

	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/av/wire"
	"github.com/alxayo/toxav-go/internal/logger"
)

// keyframeRetryBudget bounds how many consecutive outgoing frames keep the
// force-keyframe flag set after a REQUEST_KEYFRAME arrives (SPEC_FULL.md §3
// item 4: guards against a request landing mid encoder-reconfiguration).
const keyframeRetryBudget = 5

// lessFPSRateLimit is the minimum spacing between outgoing LESS_VIDEO_FPS
// requests (spec §4.10).
const lessFPSRateLimit = 10 * time.Second

// Handlers are the side effects a received control message triggers; all
// optional.
type Handlers struct {
	OnHaveH264Video func()
	OnLessVideoFPS  func(divisor uint8)
	OnClockRequest  func(echoT0 uint32)
	OnClockAnswer   func(echoT0, remoteT1, remoteT2 uint32)
	OnCapChangeAck  func(sendA, recvA, sendV, recvV bool)
}

// Channel drives one friend's comm-channel traffic: decoding inbound
// packets into handler calls, and rate-limiting/retry-tracking the
// keyframe-request side of the protocol in both directions.
type Channel struct {
	mu sync.Mutex

	friendID  uint32
	log       *slog.Logger
	transport transport.FriendTransport
	handlers  Handlers

	// pendingKeyframeRetries tracks the receive side: how many more
	// outgoing frames should carry the force-keyframe flag.
	pendingKeyframeRetries int

	lastLessFPSSentAt time.Time
}

// New constructs a comm-channel driver for one friend.
func New(friendID uint32, tr transport.FriendTransport, handlers Handlers) *Channel {
	return &Channel{
		friendID:  friendID,
		log:       logger.WithFriend(logger.Logger(), friendID),
		transport: tr,
		handlers:  handlers,
	}
}

// RequestKeyframe sends a REQUEST_KEYFRAME packet, encoded as an RTCP
// Picture Loss Indication (the wire reuses rtcp's PLI marshaling rather
// than inventing a bespoke keyframe-request format).
func (c *Channel) RequestKeyframe() error {
	pli := &rtcp.PictureLossIndication{MediaSSRC: c.friendID}
	body, err := pli.Marshal()
	if err != nil {
		return averrors.NewProtocolError("sidechannel.requestKeyframe", err)
	}
	return c.sendSubtype(wire.ControlRequestKeyframe, body)
}

// RequestFullIntraRequest sends a stronger keyframe request (RTCP FIR)
// under the same REQUEST_KEYFRAME subtype as RequestKeyframe.
func (c *Channel) RequestFullIntraRequest(sequenceNumber uint8) error {
	fir := &rtcp.FullIntraRequest{
		SenderSSRC: 0,
		FIR: []rtcp.FIREntry{{SSRC: c.friendID, SequenceNumber: sequenceNumber}},
	}
	body, err := fir.Marshal()
	if err != nil {
		return averrors.NewProtocolError("sidechannel.requestFIR", err)
	}
	return c.sendSubtype(wire.ControlRequestKeyframe, body)
}

// AdvertiseH264 sends HAVE_H264_VIDEO.
func (c *Channel) AdvertiseH264() error {
	return c.sendSubtype(wire.ControlHaveH264Video, nil)
}

// RequestLessVideoFPS sends LESS_VIDEO_FPS{n=divisor} if at least
// lessFPSRateLimit has elapsed since the last such request (spec §4.10).
func (c *Channel) RequestLessVideoFPS(divisor uint8) error {
	c.mu.Lock()
	if time.Since(c.lastLessFPSSentAt) < lessFPSRateLimit {
		c.mu.Unlock()
		return nil
	}
	c.lastLessFPSSentAt = time.Now()
	c.mu.Unlock()

	payload, err := wire.EncodeControl(wire.ControlMessage{Subtype: wire.ControlLessVideoFPS, FPSDivisor: divisor})
	if err != nil {
		return averrors.NewProtocolError("sidechannel.lessVideoFPS", err)
	}
	return c.send(payload)
}

// SendClockRequest sends CLOCK_REQUEST{t0}.
func (c *Channel) SendClockRequest(t0 uint32) error {
	payload, err := wire.EncodeControl(wire.ControlMessage{Subtype: wire.ControlClockRequest, EchoT0: t0})
	if err != nil {
		return averrors.NewProtocolError("sidechannel.clockRequest", err)
	}
	return c.send(payload)
}

// SendClockAnswer sends CLOCK_ANSWER{echo_t0, remote_t1, remote_t2}.
func (c *Channel) SendClockAnswer(echoT0, remoteT1, remoteT2 uint32) error {
	payload, err := wire.EncodeControl(wire.ControlMessage{Subtype: wire.ControlClockAnswer, EchoT0: echoT0, RemoteT1: remoteT1, RemoteT2: remoteT2})
	if err != nil {
		return averrors.NewProtocolError("sidechannel.clockAnswer", err)
	}
	return c.send(payload)
}

// SendCapChangeAck echoes the peer's own just-applied capability bits back
// to them (SPEC_FULL.md §3 item 5: "the original re-sends the peer's own
// capability bits back as an acknowledgement alongside applying the
// change").
func (c *Channel) SendCapChangeAck(sendA, recvA, sendV, recvV bool) error {
	payload, err := wire.EncodeControl(wire.ControlMessage{
		Subtype:  wire.ControlCapChangeAck,
		CapSendA: sendA, CapRecvA: recvA, CapSendV: sendV, CapRecvV: recvV,
	})
	if err != nil {
		return averrors.NewProtocolError("sidechannel.capChangeAck", err)
	}
	return c.send(payload)
}

func (c *Channel) sendSubtype(subtype wire.ControlSubtype, rtcpBody []byte) error {
	buf := make([]byte, 1+len(rtcpBody))
	buf[0] = byte(subtype)
	copy(buf[1:], rtcpBody)
	return c.send(buf)
}

func (c *Channel) send(payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(transport.PacketComm)
	copy(buf[1:], payload)
	if err := c.transport.Send(c.friendID, true, buf); err != nil {
		return averrors.NewTransportError("sidechannel.send", err)
	}
	return nil
}

// OnPacket handles an inbound comm-channel datagram (packet id already
// stripped by the caller's routing, payload starting at the subtype byte).
func (c *Channel) OnPacket(payload []byte) error {
	if len(payload) < 1 {
		return averrors.NewProtocolError("sidechannel.onPacket", nil)
	}
	subtype := wire.ControlSubtype(payload[0])

	switch subtype {
	case wire.ControlRequestKeyframe:
		c.mu.Lock()
		c.pendingKeyframeRetries = keyframeRetryBudget
		c.mu.Unlock()
		return nil
	case wire.ControlHaveH264Video:
		if c.handlers.OnHaveH264Video != nil {
			c.handlers.OnHaveH264Video()
		}
		return nil
	case wire.ControlLessVideoFPS, wire.ControlClockRequest, wire.ControlClockAnswer, wire.ControlCapChangeAck:
		m, err := wire.DecodeControl(payload)
		if err != nil {
			return averrors.NewProtocolError("sidechannel.onPacket", err)
		}
		return c.dispatch(m)
	default:
		return averrors.NewProtocolError("sidechannel.onPacket", nil)
	}
}

func (c *Channel) dispatch(m wire.ControlMessage) error {
	switch m.Subtype {
	case wire.ControlLessVideoFPS:
		if c.handlers.OnLessVideoFPS != nil {
			c.handlers.OnLessVideoFPS(m.FPSDivisor)
		}
	case wire.ControlClockRequest:
		if c.handlers.OnClockRequest != nil {
			c.handlers.OnClockRequest(m.EchoT0)
		}
	case wire.ControlClockAnswer:
		if c.handlers.OnClockAnswer != nil {
			c.handlers.OnClockAnswer(m.EchoT0, m.RemoteT1, m.RemoteT2)
		}
	case wire.ControlCapChangeAck:
		if c.handlers.OnCapChangeAck != nil {
			c.handlers.OnCapChangeAck(m.CapSendA, m.CapRecvA, m.CapSendV, m.CapRecvV)
		}
	}
	return nil
}

// ConsumeKeyframeRetry reports whether the outgoing encoder should force a
// keyframe on the frame about to be sent, decrementing the retry budget
// (SPEC_FULL.md §3 item 4).
func (c *Channel) ConsumeKeyframeRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingKeyframeRetries <= 0 {
		return false
	}
	c.pendingKeyframeRetries--
	return true
}
