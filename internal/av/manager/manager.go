// Package manager implements the top-level session table and driver (C11):
// a sparse friend_id → call mapping plus the operations that create,
// answer, control, and feed each call, following the same
// map-guarded-by-one-mutex-plus-per-row-mutex shape as a stream registry,
// here keyed by friend id instead of stream key.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alxayo/toxav-go/internal/av/audio"
	"github.com/alxayo/toxav-go/internal/av/bitrate"
	"github.com/alxayo/toxav-go/internal/av/bwc"
	"github.com/alxayo/toxav-go/internal/av/clock"
	"github.com/alxayo/toxav-go/internal/av/codec"
	"github.com/alxayo/toxav-go/internal/av/msi"
	"github.com/alxayo/toxav-go/internal/av/rtp"
	"github.com/alxayo/toxav-go/internal/av/session"
	"github.com/alxayo/toxav-go/internal/av/sidechannel"
	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/av/video"
	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/logger"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// Exit-status-style sentinel errors (spec §6.2).
var (
	ErrFriendNotFound      = fmt.Errorf("manager: friend not found")
	ErrFriendNotConnected  = fmt.Errorf("manager: friend not connected")
	ErrFriendAlreadyInCall = fmt.Errorf("manager: friend already in call")
	ErrFriendNotInCall     = fmt.Errorf("manager: friend not in call")
	ErrFriendNotCalling    = fmt.Errorf("manager: friend not calling")
	ErrInvalidBitrate      = fmt.Errorf("manager: invalid bitrate")
	ErrInvalidTransition   = fmt.Errorf("manager: invalid transition")
	ErrPayloadTypeDisabled = fmt.Errorf("manager: payload type disabled by capability or bitrate=0")
	ErrSync                = fmt.Errorf("manager: internal synchronization error")
	ErrRtpFailed           = fmt.Errorf("manager: rtp send failed")
	ErrEncodeFailed        = fmt.Errorf("manager: encoder collaborator failed")
)

// ControlOp is the set of user-facing call controls (spec §4.11).
type ControlOp int

const (
	Resume ControlOp = iota
	Pause
	Cancel
	MuteA
	UnmuteA
	HideV
	ShowV
)

// CallState is the coarse, user-visible call lifecycle state reported
// through a registered state callback (spec §4.9/§8 S6: "call_state_cb").
// It collapses the MSI state machine's internal states into the three
// transitions an embedding application actually needs to react to.
type CallState int

const (
	CallActive CallState = iota
	CallFinished
	CallError
)

func (s CallState) String() string {
	switch s {
	case CallActive:
		return "Active"
	case CallFinished:
		return "Finished"
	case CallError:
		return "Error"
	default:
		return "Unknown"
	}
}

// StateFunc receives one CallState transition for one friend.
type StateFunc func(friendID uint32, state CallState)

// AudioFrameFunc receives one decoded (or concealed) audio frame from a
// friend's jitter buffer (spec §4.3: "invoke the audio-receive callback
// with (pcm, samples, channels, rate)").
type AudioFrameFunc func(friendID uint32, pcm []int16, samples, channels, rate int)

// VideoFrameFunc receives one decoded planar I420 video frame, once the
// video codec collaborator has decoded a reassembled frame (spec §2's
// ingress path: "hand off to the decoder collaborator → decoded frames
// passed to the user-supplied receive callback").
type VideoFrameFunc func(friendID uint32, y, u, v []byte, width, height int, keyframe bool)

const defaultIterationIntervalMS = 200

// movingAverageWindow is the sample count for the adaptive decode-time
// estimate folded into iteration_interval() (spec §4.11).
const movingAverageWindow = 3

// decodeTimeSafetyMarginMS is subtracted from the rolling average of
// computed next-wake intervals to leave headroom for decode work.
const decodeTimeSafetyMarginMS = 5

// Audio bitrate invariant mirrored from msi.Call.SetAudioBitrate (spec §4.9)
// so Call/Answer reject out-of-range requests before an MSI call row exists.
const (
	minAudioBitrateKbps = 6
	maxAudioBitrateKbps = 510
)

// defaultVideoWidth/Height/BitrateKbps seed a friend's video codec
// collaborator before the bitrate regulator's first reconfigure decision;
// mirrors the geometry bitrate.New is already seeded with.
const (
	defaultVideoWidth       = 640
	defaultVideoHeight      = 480
	defaultVideoBitrateKbps = 500
)

// audioPreambleSize is the fixed (rate/1000 BE u16, channels u8) header
// SendAudio prepends ahead of the Opus bitstream, matching
// internal/av/audio.JitterBuffer's parseOpusMeta on the receive side (spec
// §4.3).
const audioPreambleSize = 3

// maxOpusPacketBytes bounds the scratch buffer Encode writes into; Opus
// packets are always well under this even at the highest configured
// bitrate.
const maxOpusPacketBytes = 4000

// call bundles every per-friend component the manager owns.
type call struct {
	mu sync.Mutex

	friendID uint32
	msi      *msi.Call
	rtpSess  *rtp.Session
	jitter   *audio.JitterBuffer
	work     *video.WorkBuffer
	bwCtl    *bwc.Controller
	rate     *bitrate.Regulator
	clockTrk *clock.Tracker
	side     *sidechannel.Channel
	pace     *session.Session

	audioCodec AudioCodec
	videoCodec codec.VideoBackend

	audioBitrateKbps int
	videoBitrateKbps int
}

// Manager owns the friend_id → call table and drives every active call's
// pacing loop from a single external tick.
type Manager struct {
	mu    sync.RWMutex
	calls map[uint32]*call

	transport transport.FriendTransport
	metrics   *metrics.Registry
	log       *slog.Logger

	wakeSamples []int
	wakeIdx     int

	// iterateLimiter caps how often Iterate actually does work, independent
	// of how eagerly an external driver loop calls it; its rate tracks the
	// most recently reported IterationInterval.
	iterateLimiter *rate.Limiter

	stateCB      StateFunc
	audioFrameCB AudioFrameFunc
	videoFrameCB VideoFrameFunc

	audioCodecFactory AudioCodecFactory
	videoCodecFactory VideoCodecFactory
}

// OnCallState registers the callback invoked on every user-visible call
// state transition (spec §4.9: "call_state_cb"). Passing nil disables it.
func (m *Manager) OnCallState(fn StateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCB = fn
}

// OnAudioFrame registers the callback invoked once per decoded (or
// concealed) audio frame, for every friend (spec §2/§4.3). Passing nil
// disables it.
func (m *Manager) OnAudioFrame(fn AudioFrameFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioFrameCB = fn
}

// OnVideoFrame registers the callback invoked once per decoded video frame,
// for every friend (spec §2). Passing nil disables it.
func (m *Manager) OnVideoFrame(fn VideoFrameFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoFrameCB = fn
}

func (m *Manager) fireState(friendID uint32, state CallState) {
	m.mu.RLock()
	cb := m.stateCB
	m.mu.RUnlock()
	if cb != nil {
		cb(friendID, state)
	}
}

// New constructs an empty session table bound to one transport oracle.
func New(tr transport.FriendTransport, reg *metrics.Registry) *Manager {
	return &Manager{
		calls:          make(map[uint32]*call),
		transport:      tr,
		metrics:        reg,
		log:            logger.Logger(),
		wakeSamples:    make([]int, 0, movingAverageWindow),
		iterateLimiter: rate.NewLimiter(rate.Every(defaultIterationIntervalMS*time.Millisecond), 1),
	}
}

// validBitratePair enforces the audio invariant from spec §4.9 (zero, or
// [6,510] kbps) alongside the looser non-negative video bound.
func validBitratePair(audioKbps, videoKbps int) error {
	if audioKbps != 0 && (audioKbps < minAudioBitrateKbps || audioKbps > maxAudioBitrateKbps) {
		return ErrInvalidBitrate
	}
	if videoKbps < 0 {
		return ErrInvalidBitrate
	}
	return nil
}

// Call initiates an outbound call to friend (spec §4.11, §4.9 InviteOut).
func (m *Manager) Call(friendID uint32, audioBrKbps, videoBrKbps int) error {
	if err := validBitratePair(audioBrKbps, videoBrKbps); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[friendID]; exists {
		return ErrFriendAlreadyInCall
	}

	c := m.newCall(friendID)
	caps := msi.Capabilities{SendA: audioBrKbps > 0, SendV: videoBrKbps > 0, RecvA: true, RecvV: true}
	if err := c.msi.HandleInviteOut(caps); err != nil {
		return ErrSync
	}
	c.audioBitrateKbps, c.videoBitrateKbps = audioBrKbps, videoBrKbps
	m.calls[friendID] = c
	logger.WithCall(m.log, friendID, c.msi.ID.String()).Info("call invited", "audio_kbps", audioBrKbps, "video_kbps", videoBrKbps)
	return nil
}

// OnInvite processes an inbound invite (spec §4.9 InviteIn), creating the
// call row in Requested state if none exists yet.
func (m *Manager) OnInvite(friendID uint32, caps msi.Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[friendID]; exists {
		return ErrFriendAlreadyInCall
	}
	c := m.newCall(friendID)
	if err := c.msi.HandleInviteIn(caps); err != nil {
		return ErrSync
	}
	m.calls[friendID] = c
	logger.WithCall(m.log, friendID, c.msi.ID.String()).Info("call invite received")
	return nil
}

// OnPeerStart processes the peer's start message completing an outbound
// invite (spec §4.9 StartIn: Requesting → Active).
func (m *Manager) OnPeerStart(friendID uint32) error {
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotInCall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.msi.HandleStartIn(); err != nil {
		return ErrSync
	}
	m.fireState(friendID, CallActive)
	return nil
}

// OnPeerCapChange applies a capability change the peer advertised (spec
// §4.9 CapChangeIn) and echoes the peer's own capability bits back as an
// acknowledgement alongside applying the change (SPEC_FULL.md §3 item 5).
func (m *Manager) OnPeerCapChange(friendID uint32, caps msi.Capabilities) error {
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotInCall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.msi.HandleCapChange(caps); err != nil {
		return ErrInvalidTransition
	}
	if c.side != nil {
		if err := c.side.SendCapChangeAck(caps.SendA, caps.RecvA, caps.SendV, caps.RecvV); err != nil {
			logger.WithFriend(m.log, friendID).Warn("cap change ack send failed", "error", err)
		}
	}
	return nil
}

// OnPeerHangup tears a call down after the peer ends it (spec §4.9
// HangupIn).
func (m *Manager) OnPeerHangup(friendID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[friendID]
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.msi.HandleHangup()
	c.mu.Unlock()
	delete(m.calls, friendID)
	logger.WithCall(m.log, friendID, c.msi.ID.String()).Info("call ended by peer")
	m.fireState(friendID, CallFinished)
	return nil
}

// OnPeerTimeout moves a call into Error after the peer stops responding
// (spec §4.9 PeerTimeout) and drops the call row.
func (m *Manager) OnPeerTimeout(friendID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[friendID]
	if !ok {
		return ErrFriendNotInCall
	}
	c.mu.Lock()
	err := c.msi.HandlePeerTimeout()
	c.mu.Unlock()
	delete(m.calls, friendID)
	if err != nil {
		return ErrInvalidTransition
	}
	logger.WithCall(m.log, friendID, c.msi.ID.String()).Warn("call peer timed out")
	m.fireState(friendID, CallError)
	return nil
}

// Answer accepts a pending inbound invite (spec §4.11, §4.9 AnswerOut).
func (m *Manager) Answer(friendID uint32, audioBrKbps, videoBrKbps int) error {
	if err := validBitratePair(audioBrKbps, videoBrKbps); err != nil {
		return ErrInvalidBitrate
	}

	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msi.State() != msi.Requested {
		return ErrFriendNotCalling
	}
	caps := msi.Capabilities{SendA: audioBrKbps > 0, SendV: videoBrKbps > 0, RecvA: true, RecvV: true}
	if err := c.msi.HandleAnswerOut(caps); err != nil {
		return ErrSync
	}
	c.audioBitrateKbps, c.videoBitrateKbps = audioBrKbps, videoBrKbps
	logger.WithCall(m.log, friendID, c.msi.ID.String()).Info("call answered", "audio_kbps", audioBrKbps, "video_kbps", videoBrKbps)
	m.fireState(friendID, CallActive)
	return nil
}

// Control applies a user-facing call control (spec §4.11).
func (m *Manager) Control(friendID uint32, op ControlOp) error {
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotInCall
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch op {
	case Resume:
		if err := c.msi.Resume(); err != nil {
			return ErrInvalidTransition
		}
	case Pause:
		if err := c.msi.Pause(); err != nil {
			return ErrInvalidTransition
		}
	case Cancel:
		if err := c.msi.HandleHangup(); err != nil {
			return ErrInvalidTransition
		}
		m.mu.Lock()
		delete(m.calls, friendID)
		m.mu.Unlock()
		logger.WithCall(m.log, friendID, c.msi.ID.String()).Info("call cancelled")
		m.fireState(friendID, CallFinished)
	case MuteA:
		caps := c.msi.Capabilities()
		caps.SendA = false
		if err := c.msi.HandleCapChange(caps); err != nil {
			return ErrInvalidTransition
		}
	case UnmuteA:
		caps := c.msi.Capabilities()
		caps.SendA = true
		if err := c.msi.HandleCapChange(caps); err != nil {
			return ErrInvalidTransition
		}
	case HideV:
		caps := c.msi.Capabilities()
		caps.SendV = false
		if err := c.msi.HandleCapChange(caps); err != nil {
			return ErrInvalidTransition
		}
	case ShowV:
		caps := c.msi.Capabilities()
		caps.SendV = true
		if err := c.msi.HandleCapChange(caps); err != nil {
			return ErrInvalidTransition
		}
	}
	return nil
}

// SendAudio transmits one PCM frame, subject to call-state, own SendA
// capability and bitrate-zero checks (spec §4.11): the PCM is compressed by the
// call's audio codec collaborator and prefixed with the (rate, channels)
// preamble the receive-side jitter buffer expects.
func (m *Manager) SendAudio(friendID uint32, pcm []int16, samples, channels, rate int) error {
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotInCall
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msi.State() != msi.Active {
		return ErrFriendNotInCall
	}
	if !c.msi.Capabilities().SendA || c.audioBitrateKbps == 0 {
		return ErrPayloadTypeDisabled
	}

	opusBuf := make([]byte, maxOpusPacketBytes)
	n, err := c.audioCodec.Encode(pcm[:samples*channels], opusBuf)
	if err != nil {
		logger.WithFriend(m.log, friendID).Warn("opus encode failed, dropping frame", "error", err)
		return ErrEncodeFailed
	}

	payload := make([]byte, audioPreambleSize+n)
	payload[0] = byte((rate / 1000) >> 8)
	payload[1] = byte(rate / 1000)
	payload[2] = byte(channels)
	copy(payload[audioPreambleSize:], opusBuf[:n])

	if err := c.rtpSess.Send(rtp.SendParams{Payload: payload, IsVideo: false, RecordTS: uint64(time.Now().UnixMilli())}); err != nil {
		return ErrRtpFailed
	}
	return nil
}

// SendVideo transmits one planar I420 frame, subject to the same checks as
// SendAudio (spec §4.11): the frame is compressed by the call's video codec
// collaborator before fragmentation.
func (m *Manager) SendVideo(friendID uint32, y, u, v []byte, width, height int, keyframe bool) error {
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return ErrFriendNotInCall
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msi.State() != msi.Active {
		return ErrFriendNotInCall
	}
	if !c.msi.Capabilities().SendV || c.videoBitrateKbps == 0 {
		return ErrPayloadTypeDisabled
	}

	forceKF := keyframe
	if c.side != nil && c.side.ConsumeKeyframeRetry() {
		forceKF = true
	}

	payload, err := c.videoCodec.EncodeFrame(y, u, v, width, height, forceKF)
	if err != nil {
		logger.WithFriend(m.log, friendID).Warn("video encode failed, dropping frame", "error", err)
		return ErrEncodeFailed
	}

	_, isH264 := c.videoCodec.(*codec.H264Backend)
	if err := c.rtpSess.Send(rtp.SendParams{Payload: payload, IsVideo: true, IsKeyframe: forceKF, IsH264: isH264}); err != nil {
		return ErrRtpFailed
	}
	return nil
}

// IterationInterval returns the caller's next-tick cadence (spec §4.11):
// 200ms with no active calls, otherwise a 3-sample moving average of
// computed next-wake values minus a fixed safety margin.
func (m *Manager) IterationInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return defaultIterationIntervalMS * time.Millisecond
	}
	if len(m.wakeSamples) == 0 {
		return defaultIterationIntervalMS * time.Millisecond
	}
	sum := 0
	for _, s := range m.wakeSamples {
		sum += s
	}
	avg := sum / len(m.wakeSamples)
	interval := avg - decodeTimeSafetyMarginMS
	if interval < 1 {
		interval = 1
	}
	result := time.Duration(interval) * time.Millisecond
	m.iterateLimiter.SetLimit(rate.Every(result))
	return result
}

// Iterate runs every active call's pacing tick once (spec §4.11). A caller
// that polls more eagerly than the last reported IterationInterval is
// absorbed by iterateLimiter rather than re-running every call's pacing
// logic needlessly.
func (m *Manager) Iterate() {
	if !m.iterateLimiter.Allow() {
		return
	}

	m.mu.RLock()
	calls := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, c := range calls {
		c.mu.Lock()
		pace := c.pace
		c.mu.Unlock()
		if pace == nil {
			continue
		}
		wake := pace.Iterate(now)
		m.recordWakeSample(wake)
	}
}

// OnPacket demuxes one inbound datagram to the originating friend's call,
// routing comm-channel packets to the sidechannel and media packets to the
// RTP session (spec §4.5/§4.10). Packets for a friend with no active call
// are dropped; the transport adapter is expected to call this from its own
// receive callback.
func (m *Manager) OnPacket(friendID uint32, data []byte) {
	if len(data) < 1 {
		return
	}
	m.mu.RLock()
	c, ok := m.calls[friendID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	rtpSess, side := c.rtpSess, c.side
	c.mu.Unlock()

	if transport.PacketID(data[0]) == transport.PacketComm {
		if side == nil {
			return
		}
		if err := side.OnPacket(data[1:]); err != nil {
			logger.WithFriend(m.log, friendID).Warn("sidechannel packet rejected", "error", err)
		}
		return
	}

	if rtpSess == nil {
		return
	}
	if err := rtpSess.OnPacket(data); err != nil {
		logger.WithFriend(m.log, friendID).Warn("rtp packet rejected", "error", err)
	}
}

func (m *Manager) recordWakeSample(ms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.wakeSamples) < movingAverageWindow {
		m.wakeSamples = append(m.wakeSamples, ms)
		return
	}
	m.wakeSamples[m.wakeIdx%movingAverageWindow] = ms
	m.wakeIdx++
}

func (m *Manager) newCall(friendID uint32) *call {
	audioCodec := m.newAudioCodec(friendID)
	jitter := audio.New(32, friendID, audioCodec, m.metrics)
	work := video.New(friendID, m.metrics)
	tracker := clock.New(friendID, m.metrics)

	c := &call{
		friendID:   friendID,
		jitter:     jitter,
		work:       work,
		clockTrk:   tracker,
		audioCodec: audioCodec,
	}

	c.side = sidechannel.New(friendID, m.transport, sidechannel.Handlers{
		OnHaveH264Video: func() {
			logger.WithFriend(m.log, friendID).Debug("peer advertised H.264 video support")
		},
		OnLessVideoFPS: func(divisor uint8) {
			logger.WithFriend(m.log, friendID).Debug("peer requested fewer video frames", "divisor", divisor)
		},
		OnClockRequest: func(echoT0 uint32) {
			t1 := uint32(time.Now().UnixMilli())
			_, remoteT1, remoteT2 := clock.AnswerRequest(echoT0, t1)
			if err := c.side.SendClockAnswer(echoT0, remoteT1, remoteT2); err != nil {
				logger.WithFriend(m.log, friendID).Warn("clock answer send failed", "error", err)
			}
		},
		OnClockAnswer: func(echoT0, remoteT1, remoteT2 uint32) {
			localT3 := uint32(time.Now().UnixMilli())
			tracker.CompleteRequest(localT3, remoteT1, remoteT2)
		},
		OnCapChangeAck: func(sendA, recvA, sendV, recvV bool) {
			logger.WithFriend(m.log, friendID).Debug("peer acked capability change", "send_a", sendA, "recv_a", recvA, "send_v", sendV, "recv_v", recvV)
		},
	})

	c.msi = msi.New(friendID, msi.Hooks{
		AllocateStreams: func() { m.allocateStreams(c) },
		FreeStreams:     func() { m.freeStreams(c) },
	})
	return c
}

func (m *Manager) allocateStreams(c *call) {
	c.videoCodec = m.newVideoCodec(c.friendID)

	c.bwCtl = bwc.New(c.friendID, m.metrics, func(friendID uint32, loss float64) {
		if c.rate != nil {
			c.rate.Observe(loss)
		}
		if loss > bitrate.DecreaseThreshold && c.side != nil {
			if err := c.side.RequestLessVideoFPS(3); err != nil {
				logger.WithFriend(m.log, friendID).Debug("less-video-fps request skipped", "error", err)
			}
		}
	})

	c.rate = bitrate.New(c.friendID, bitrate.CodecH264, c.videoBitrateKbps, 0, defaultVideoWidth, defaultVideoHeight, m.metrics, func(friendID uint32, r bitrate.Reconfigure) {
		if c.videoCodec == nil {
			return
		}
		if err := c.videoCodec.Reconfigure(r.BitrateKbps, r.Width, r.Height, r.KeyframeHint); err != nil {
			logger.WithFriend(m.log, friendID).Warn("video codec reconfigure failed", "error", err)
		}
	})

	onVideo := func(frame video.Frame) {
		if c.clockTrk.ShouldRequest() {
			t0 := uint32(time.Now().UnixMilli())
			c.clockTrk.BeginRequest(t0)
			if err := c.side.SendClockRequest(t0); err != nil {
				logger.WithFriend(m.log, c.friendID).Debug("clock request send failed", "error", err)
			}
		}

		y, u, v, width, height, err := c.videoCodec.DecodeFrame(frame.Payload)
		if err != nil {
			logger.WithFriend(m.log, c.friendID).Warn("video decode failed, dropping frame", "error", err)
			return
		}
		m.mu.RLock()
		cb := m.videoFrameCB
		m.mu.RUnlock()
		if cb != nil {
			cb(c.friendID, y, u, v, width, height, frame.KeyFrame)
		}
	}

	c.rtpSess = rtp.NewSession(c.friendID, m.transport, c.jitter, c.work, nil, onVideo, rtp.BWCHooks{
		NoteReceived: c.bwCtl.NoteReceived,
		NoteLost:     c.bwCtl.NoteLost,
	})

	onAudioPCM := func(pcm []int16, samples, channels, rate int) {
		m.mu.RLock()
		cb := m.audioFrameCB
		m.mu.RUnlock()
		if cb != nil {
			cb(c.friendID, pcm, samples, channels, rate)
		}
	}
	c.pace = session.New(c.friendID, c.jitter, c.clockTrk, onAudioPCM, c.bwCtl.Tick)

	if _, isH264 := c.videoCodec.(*codec.H264Backend); isH264 {
		if err := c.side.AdvertiseH264(); err != nil {
			logger.WithFriend(m.log, c.friendID).Warn("advertise h264 failed", "error", err)
		}
	}
}

func (m *Manager) freeStreams(c *call) {
	if c.videoCodec != nil {
		c.videoCodec.Destroy()
		c.videoCodec = nil
	}
	c.bwCtl = nil
	c.rtpSess = nil
	c.pace = nil
}

// AudioCodec is the per-friend audio codec collaborator: it both decodes
// arriving Opus packets for the jitter buffer and encodes outgoing PCM for
// SendAudio. internal/av/codec.OpusBackend implements this.
type AudioCodec interface {
	audio.Decoder
	Encode(pcm []int16, out []byte) (n int, err error)
}

// AudioCodecFactory builds the AudioCodec used by one friend's call.
// SetAudioCodecFactory lets the CLI (or a test) pick the codec backend per
// design note 4's polymorphism; the manager itself stays codec-agnostic.
type AudioCodecFactory func(friendID uint32) AudioCodec

// SetAudioCodecFactory registers the factory used for every call created
// afterward. Passing nil reverts to a no-op codec (used by tests that don't
// exercise audio encode/decode).
func (m *Manager) SetAudioCodecFactory(fn AudioCodecFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioCodecFactory = fn
}

func (m *Manager) newAudioCodec(friendID uint32) AudioCodec {
	m.mu.RLock()
	factory := m.audioCodecFactory
	m.mu.RUnlock()
	if factory == nil {
		return nopAudioCodec{}
	}
	if ac := factory(friendID); ac != nil {
		return ac
	}
	return nopAudioCodec{}
}

// VideoCodecFactory builds the codec.VideoBackend used by one friend's call,
// seeded with the given starting geometry and bitrate.
type VideoCodecFactory func(friendID uint32, width, height, bitrateKbps int) (codec.VideoBackend, error)

// SetVideoCodecFactory registers the factory used for every call's video
// stream allocated afterward. Passing nil reverts to a no-op backend.
func (m *Manager) SetVideoCodecFactory(fn VideoCodecFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoCodecFactory = fn
}

func (m *Manager) newVideoCodec(friendID uint32) codec.VideoBackend {
	m.mu.RLock()
	factory := m.videoCodecFactory
	m.mu.RUnlock()
	if factory == nil {
		return nopVideoCodec{}
	}
	vc, err := factory(friendID, defaultVideoWidth, defaultVideoHeight, defaultVideoBitrateKbps)
	if err != nil || vc == nil {
		logger.WithFriend(m.log, friendID).Warn("video codec factory failed, falling back to no-op", "error", err)
		return nopVideoCodec{}
	}
	return vc
}

// nopAudioCodec is the default codec when no AudioCodecFactory is set: it
// decodes/encodes nothing, used by tests that don't exercise the codec path.
type nopAudioCodec struct{}

func (nopAudioCodec) Reconfigure(int, int) error                          { return nil }
func (nopAudioCodec) Decode(payload []byte, pcmOut []int16) (int, error)  { return 0, nil }
func (nopAudioCodec) DecodePLC(frameSize int, pcmOut []int16) (int, error) { return 0, nil }
func (nopAudioCodec) Encode(pcm []int16, out []byte) (int, error) {
	return 0, averrors.NewCodecError("audio.nop", fmt.Errorf("no audio codec configured"))
}

// nopVideoCodec is the default video backend when no VideoCodecFactory is
// set.
type nopVideoCodec struct{}

func (nopVideoCodec) EncodeFrame(y, u, v []byte, width, height int, forceKeyframe bool) ([]byte, error) {
	return nil, averrors.NewCodecError("video.nop", fmt.Errorf("no video codec configured"))
}
func (nopVideoCodec) DecodeFrame(payload []byte) (y, u, v []byte, width, height int, err error) {
	return nil, nil, nil, 0, 0, averrors.NewCodecError("video.nop", fmt.Errorf("no video codec configured"))
}
func (nopVideoCodec) Reconfigure(bitrateKbps, width, height int, forceKeyframe bool) error { return nil }
func (nopVideoCodec) Destroy()                                                             {}
