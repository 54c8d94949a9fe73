// Package rtp drives the outbound fragmentation and inbound reassembly of
// media frames across the transport oracle: it applies the wire header,
// splits oversized payloads into MTU-sized pieces, and feeds completed
// frames to the audio jitter buffer or video work buffer (spec §4.5).
package rtp

import (
	"sync"
	"sync/atomic"

	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/av/audio"
	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/av/video"
	"github.com/alxayo/toxav-go/internal/av/wire"
	"github.com/alxayo/toxav-go/internal/bufpool"
	"github.com/alxayo/toxav-go/internal/logger"
)

// MaxWirePacket bounds a single outgoing datagram (approximates
// MAX_CRYPTO minus the transport's own framing overhead).
const MaxWirePacket = 1400

// maxPayloadPerFragment is the largest payload slice that fits alongside
// the transport packet id byte and the 80-byte header in one datagram.
const maxPayloadPerFragment = MaxWirePacket - wire.HeaderSize - 1

// AudioReceiveFunc and VideoReceiveFunc deliver reassembled frames upward.
type AudioReceiveFunc func(payload []byte, seqnum uint16, recordTS uint64)
type VideoReceiveFunc func(frame video.Frame)

// BWCHooks feeds the per-friend bandwidth controller from the RTP layer's
// own receive path (spec §4.6): NoteReceived accounts bytes that arrived
// intact, NoteLost accounts bytes inferred lost from a sequence gap or an
// evicted partial frame. Both are optional.
type BWCHooks struct {
	NoteReceived func(n uint32)
	NoteLost     func(n uint32)
}

func (h BWCHooks) noteReceived(n uint32) {
	if h.NoteReceived != nil {
		h.NoteReceived(n)
	}
}

func (h BWCHooks) noteLost(n uint32) {
	if h.NoteLost != nil {
		h.NoteLost(n)
	}
}

// Session drives one friend's RTP traffic: fragmentation on send, and
// reassembly via the audio/video buffers on receive.
type Session struct {
	mu sync.Mutex

	friendID  uint32
	transport transport.FriendTransport

	nextSeq uint32 // wraps to uint16 on send

	jitter *audio.JitterBuffer
	work   *video.WorkBuffer

	lossless atomic.Bool // send video over the lossless transport variant

	// single-slot legacy (16-bit) fragment holder, keyed implicitly by the
	// fact that only one legacy multi-part reassembly can be in flight per
	// session (spec §4.5: "a one-slot holder field per session").
	legacyHolder *legacyAssembly

	lastAudioSeq    uint16
	haveLastAudioSeq bool

	onAudio AudioReceiveFunc
	onVideo VideoReceiveFunc
	bwc     BWCHooks
}

type legacyAssembly struct {
	sequnum   uint16
	timestamp uint32
	buf       []byte
	received  uint16
	total     uint16
	isVideo   bool
}

// NewSession creates an RTP driver for one friend.
func NewSession(friendID uint32, tr transport.FriendTransport, jitter *audio.JitterBuffer, work *video.WorkBuffer, onAudio AudioReceiveFunc, onVideo VideoReceiveFunc, bwc BWCHooks) *Session {
	return &Session{
		friendID:  friendID,
		transport: tr,
		jitter:    jitter,
		work:      work,
		onAudio:   onAudio,
		onVideo:   onVideo,
		bwc:       bwc,
	}
}

// SetLossless toggles whether outgoing video uses the lossless transport
// packet id (spec §4.5 step 4).
func (s *Session) SetLossless(enabled bool) { s.lossless.Store(enabled) }

// SendParams bundles send_data's arguments (spec §4.5).
type SendParams struct {
	Payload        []byte
	IsVideo        bool
	IsKeyframe     bool
	RecordTS       uint64
	IsH264         bool
	Bitrate        uint32
	CaptureDelayMS uint32
	Rotation       wire.Rotation
}

// Send fragments and transmits a frame per spec §4.5's outbound path.
func (s *Session) Send(p SendParams) error {
	seq := uint16(atomic.AddUint32(&s.nextSeq, 1))

	packetID := transport.PacketAudioLossy
	if p.IsVideo {
		packetID = transport.PacketVideoLossy
		if s.lossless.Load() {
			packetID = transport.PacketVideoLossless
		}
	}

	length := uint32(len(p.Payload))
	base := wire.Header{
		Marker:         true,
		PayloadType:    payloadTypeFor(p.IsVideo),
		Sequnum:        seq,
		SSRC:           0,
		Flags:          frameFlags(p),
		LengthFull:     length,
		RecordTimestamp: p.RecordTS,
		EncoderBitrate: p.Bitrate,
		CaptureDelayMS: p.CaptureDelayMS,
	}

	if int(1+wire.HeaderSize)+len(p.Payload) <= MaxWirePacket {
		base.OffsetFull = 0
		if err := s.emit(packetID, base, p.Payload); err != nil {
			return err
		}
		return nil
	}

	for off := 0; off < len(p.Payload); off += maxPayloadPerFragment {
		end := off + maxPayloadPerFragment
		if end > len(p.Payload) {
			end = len(p.Payload)
		}
		h := base
		h.OffsetFull = uint32(off)
		h.FragmentNum = uint32(off / maxPayloadPerFragment)
		if err := s.emit(packetID, h, p.Payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func payloadTypeFor(isVideo bool) wire.PayloadType {
	if isVideo {
		return wire.PayloadTypeVideo
	}
	return wire.PayloadTypeAudio
}

func frameFlags(p SendParams) uint64 {
	var f uint64
	if p.IsVideo {
		f |= wire.FlagLargeFrame
		if p.IsKeyframe {
			f |= wire.FlagKeyFrame
		}
		if p.IsH264 {
			f |= wire.FlagEncoderIsH264
		}
	}
	if p.RecordTS != 0 {
		f |= wire.FlagHasRecordTS
	}
	rotBits := uint64(p.Rotation) & 0x3
	f |= rotBits << 4
	return f
}

func (s *Session) emit(packetID transport.PacketID, h wire.Header, payload []byte) error {
	packed := wire.Pack(&h)
	size := 1 + len(packed) + len(payload)
	buf := bufpool.Get(size)
	defer bufpool.Put(buf)
	buf[0] = byte(packetID)
	copy(buf[1:], packed[:])
	copy(buf[1+len(packed):], payload)

	if err := s.transport.Send(s.friendID, packetID.Lossless(), buf); err != nil {
		return averrors.NewTransportError("rtp.send", err)
	}
	return nil
}

// OnPacket handles an inbound datagram, per spec §4.5's inbound path.
func (s *Session) OnPacket(raw []byte) error {
	if len(raw) < 1 {
		return averrors.NewProtocolError("rtp.onPacket", nil)
	}
	packetID := transport.PacketID(raw[0])
	if packetID == transport.PacketComm {
		return averrors.NewProtocolError("rtp.onPacket", nil) // comm-channel handled by sidechannel package
	}

	if len(raw) < 1+wire.HeaderSize {
		return averrors.NewProtocolError("rtp.onPacket", nil)
	}
	h, err := wire.Unpack(raw[1:])
	if err != nil {
		return averrors.NewProtocolError("rtp.onPacket", err)
	}

	isVideo := packetID == transport.PacketVideoLossy || packetID == transport.PacketVideoLossless
	expected := payloadTypeFor(isVideo)
	if !expected.Matches(h.PayloadType) {
		return averrors.NewProtocolError("rtp.onPacket", nil)
	}

	payload := raw[1+wire.HeaderSize:]
	return s.route(isVideo, h, payload)
}

func (s *Session) route(isVideo bool, h wire.Header, payload []byte) error {
	if isVideo {
		if h.IsLargeFrame() {
			return s.handleVideoFragment(h, payload)
		}
		return s.handleLegacyVideo(h, payload)
	}

	// Audio is always single-part: each Opus frame fits one datagram.
	s.noteAudioGap(h.Sequnum, len(payload))
	if err := s.jitter.Write(payload, h.Sequnum, h.RecordTimestamp); err != nil {
		log := logger.WithFriend(logger.Logger(), s.friendID)
		log.Warn("audio jitter buffer full, dropping frame", "error", err)
		return averrors.NewResourceError("rtp.audioEnqueue", err)
	}
	s.bwc.noteReceived(uint32(len(payload)))
	if s.onAudio != nil {
		s.onAudio(payload, h.Sequnum, h.RecordTimestamp)
	}
	return nil
}

// noteAudioGap infers missing audio frames from a forward sequence-number
// skip and accounts for them as both a jitter-buffer concealment trigger
// and bandwidth-controller loss (spec §4.6 source 1: "missingCount *
// fullLength", approximated here by the size of the frame that just
// arrived since Opus frames are roughly constant-size).
func (s *Session) noteAudioGap(seq uint16, frameLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLastAudioSeq {
		s.lastAudioSeq = seq
		s.haveLastAudioSeq = true
		return
	}
	missing := int(int32(seq) - int32(s.lastAudioSeq) - 1)
	s.lastAudioSeq = seq
	if missing <= 0 || missing > 1000 {
		return
	}
	for i := 0; i < missing; i++ {
		s.jitter.NoteArrivalGap()
	}
	s.bwc.noteLost(uint32(missing) * uint32(frameLen))
}

func (s *Session) handleVideoFragment(h wire.Header, payload []byte) error {
	s.work.NoteSequence(h.Sequnum)
	idx, action := s.work.GetSlot(true, h.Sequnum, h.Timestamp)
	if action == video.PlaceDropOldest {
		s.evictSlotZero()
		idx, action = s.work.GetSlot(true, h.Sequnum, h.Timestamp)
		if action == video.PlaceDropOldest {
			return nil // DropIncoming: no room even after eviction
		}
	}

	completed, evictGap, err := s.work.FillSlot(idx, h.Sequnum, h.Timestamp, h.OffsetFull, h.LengthFull, h.IsKeyFrame(), payload)
	if err != nil {
		return averrors.NewProtocolError("rtp.videoFragment", err)
	}
	s.bwc.noteReceived(uint32(len(payload)))
	if evictGap {
		s.evictSlotZero()
		// idx shifted down by one since slot 0 was removed.
		idx--
	}
	if completed {
		if frame, ok := s.work.ProcessFrame(idx); ok && s.onVideo != nil {
			s.onVideo(frame)
		}
	}
	return nil
}

// evictSlotZero force-delivers (or discards, if empty) the oldest video
// slot to make room for an incoming fragment. A frame evicted while still
// incomplete counts as bandwidth-controller loss: its received bytes never
// reach the decoder (spec §4.6 source 2).
func (s *Session) evictSlotZero() {
	frame, ok := s.work.ProcessFrame(0)
	if !ok {
		return
	}
	if !frame.Complete {
		s.bwc.noteLost(frame.ReceivedLength)
	}
	if s.onVideo != nil {
		s.onVideo(frame)
	}
}

// handleLegacyVideo implements the 16-bit offset/length compatibility path
// (SPEC_FULL.md §3 item 1): single-part frames are forwarded directly;
// multi-part frames accumulate in the session's one-slot legacy holder.
func (s *Session) handleLegacyVideo(h wire.Header, payload []byte) error {
	s.bwc.noteReceived(uint32(len(payload)))
	if h.LengthLegacy == uint16(len(payload)) {
		if s.onVideo != nil {
			s.onVideo(video.Frame{
				Sequnum:        h.Sequnum,
				Timestamp:      h.Timestamp,
				Payload:        payload,
				ReceivedLength: uint32(len(payload)),
				FullLength:     uint32(h.LengthLegacy),
				KeyFrame:       h.IsKeyFrame(),
				Complete:       true,
			})
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.legacyHolder == nil || s.legacyHolder.sequnum != h.Sequnum || s.legacyHolder.timestamp != h.Timestamp {
		s.legacyHolder = &legacyAssembly{
			sequnum:   h.Sequnum,
			timestamp: h.Timestamp,
			buf:       make([]byte, h.LengthLegacy),
			total:     h.LengthLegacy,
			isVideo:   true,
		}
	}
	la := s.legacyHolder
	copy(la.buf[h.OffsetLegacy:], payload)
	la.received += uint16(len(payload))
	if la.received >= la.total {
		if s.onVideo != nil {
			s.onVideo(video.Frame{
				Sequnum:        la.sequnum,
				Timestamp:      la.timestamp,
				Payload:        la.buf,
				ReceivedLength: uint32(la.received),
				FullLength:     uint32(la.total),
				KeyFrame:       h.IsKeyFrame(),
				Complete:       true,
			})
		}
		s.legacyHolder = nil
	}
	return nil
}
