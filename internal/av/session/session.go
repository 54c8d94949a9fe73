// Package session drives one active call's per-tick pacing loop (C8):
// pumping the audio jitter buffer on its own cadence, tracking the rolling
// A/V sync reference pair, and folding the bandwidth controller's own tick
// into the same iterate call, in the style of a connection's paired
// read/write goroutines collapsed onto a single caller-driven tick since a
// call session has no socket of its own to block on.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/toxav-go/internal/av/audio"
	"github.com/alxayo/toxav-go/internal/av/clock"
	"github.com/alxayo/toxav-go/internal/logger"
)

// bwcTickInterval is how often Iterate invokes the bandwidth controller's
// tick; bwc.Controller has no timer of its own, so the session only needs
// to know when to ping it.
const bwcTickInterval = 1 * time.Second

// defaultAudioFrameDurationMS is used before the jitter buffer has learned
// an actual cadence from a decoded frame.
const defaultAudioFrameDurationMS = 20

// BWCTickFunc is invoked once per bwcTickInterval from within iterate.
type BWCTickFunc func()

// AudioPCMSink receives one decoded (or concealed) audio frame per tick.
type AudioPCMSink func(pcm []int16, samples, channels, rate int)

// Session paces one call's audio consumption and keeps the rolling A/V
// sync reference the clock tracker needs. Video has no pacing step of its
// own: rtp.Session already delivers a video frame to its receive callback
// the instant reassembly completes or a slot is force-evicted
// (internal/av/rtp/rtp.go), so draining the work buffer again here would
// either double-deliver a frame rtp.Session already handed off or evict one
// still mid-assembly. targetTimestamp stays available for the clock-offset
// bookkeeping that produced sync in the first place.
type Session struct {
	mu sync.Mutex

	friendID uint32
	log      *slog.Logger

	jitter *audio.JitterBuffer
	clock  *clock.Tracker

	onAudioPCM AudioPCMSink
	onBWCTick  BWCTickFunc

	lastBWCTick time.Time

	// rolling A/V sync reference, established on first matched arrival.
	syncEstablished bool
	senderTSRef     uint64
	localTSRef      time.Time
}

// New constructs a pacing loop for one friend's call.
func New(friendID uint32, jitter *audio.JitterBuffer, tracker *clock.Tracker, onAudioPCM AudioPCMSink, onBWCTick BWCTickFunc) *Session {
	return &Session{
		friendID:   friendID,
		log:        logger.WithFriend(logger.Logger(), friendID),
		jitter:     jitter,
		clock:      tracker,
		onAudioPCM: onAudioPCM,
		onBWCTick:  onBWCTick,
	}
}

// NoteSyncPoint records a matched audio/video capture instant, establishing
// or refreshing the rolling reference pair the pacing loop uses to target
// "now" in the sender's timescale.
func (s *Session) NoteSyncPoint(senderTS uint64, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderTSRef = senderTS
	s.localTSRef = observedAt
	s.syncEstablished = true
}

// Iterate runs one pacing tick and returns the number of milliseconds to
// wait before the next call, per spec §4.8.
func (s *Session) Iterate(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	audioFrameDurationMS := defaultAudioFrameDurationMS

	if s.jitter != nil {
		recv := func(pcm []int16, samples, channels, rate int) {
			if s.onAudioPCM != nil {
				s.onAudioPCM(pcm, samples, channels, rate)
			}
		}
		s.jitter.Iterate(recv)
		if d := s.jitter.LastFrameDurationMS(); d > 0 {
			audioFrameDurationMS = d
		}
	}

	if s.onBWCTick != nil && now.Sub(s.lastBWCTick) >= bwcTickInterval {
		s.lastBWCTick = now
		s.onBWCTick()
	}

	wake := audioFrameDurationMS - 4
	if wake < 1 {
		wake = 1
	}
	return wake
}

// targetTimestamp computes "now" in the sender's timescale: the rolling
// reference plus elapsed local time, corrected by the clock tracker's
// learned clock offset (spec §4.8: "target_ts = now + offset_to_sender
// − adjustment").
func (s *Session) targetTimestamp(now time.Time) uint64 {
	if !s.syncEstablished {
		return 0
	}
	elapsedMS := now.Sub(s.localTSRef).Milliseconds()
	target := int64(s.senderTSRef) + elapsedMS
	if s.clock != nil {
		target += s.clock.OffsetMS
	}
	if target < 0 {
		return 0
	}
	return uint64(target)
}
