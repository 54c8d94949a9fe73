// Package clock implements the per-peer "dummy NTP" clock tracker: a tiny
// application-level time-sync exchange riding the video stream, used to
// estimate clock offset and round-trip time to a friend for A/V display
// timing (spec §4.2, §4.8).
package clock

import (
	"strconv"

	"github.com/alxayo/toxav-go/internal/metrics"
)

// Cadence constants (spec §4.2): request on every incoming frame during the
// warm-up window, then roughly once every requestEveryNFrames frames.
const (
	warmupFrames          = 10
	requestEveryNFrames   = 60
	maxValidRoundtripMS   = 800
	smallDriftStepMS      = 1
	largeDriftStepMS      = 40
	driftStepThresholdMS  = 150
	maxOffsetJumpMS       = 100
	minOffsetChangeMS     = 10
)

// Tracker holds one peer's clock-sync state. The owning call session's
// video mutex serializes all access; Tracker performs no internal locking.
type Tracker struct {
	OffsetMS    int64
	RoundtripMS int64

	lastRequestTS uint32
	pendingT0     uint32
	pending       bool
	frameCount    uint64

	metrics *metrics.Registry
	friend  uint32
}

// New creates a Tracker for the given friend id. reg may be nil in tests.
func New(friendID uint32, reg *metrics.Registry) *Tracker {
	return &Tracker{friend: friendID, metrics: reg}
}

// ShouldRequest reports whether a CLOCK_REQUEST should be emitted for the
// frame just received, per the warm-up + periodic cadence in spec §4.2.
func (t *Tracker) ShouldRequest() bool {
	t.frameCount++
	if t.frameCount <= warmupFrames {
		return true
	}
	return t.frameCount%requestEveryNFrames == 0
}

// BeginRequest records the local timestamp (t0) of an outgoing
// CLOCK_REQUEST so the eventual CLOCK_ANSWER can be matched against it.
func (t *Tracker) BeginRequest(localT0 uint32) {
	t.pendingT0 = localT0
	t.pending = true
	t.lastRequestTS = localT0
}

// AnswerRequest builds the remote side of the exchange: remoteT2 is defined
// as remoteT1+1 (spec §4.2), modelling the minimal processing delay between
// receiving the request and stamping the reply.
func AnswerRequest(echoT0 uint32, remoteT1 uint32) (echo, t1, t2 uint32) {
	return echoT0, remoteT1, remoteT1 + 1
}

// CompleteRequest processes an incoming CLOCK_ANSWER against the pending
// request recorded by BeginRequest. localT3 is the local timestamp at
// receipt of the answer. Returns false if there was no matching pending
// request or the sample was discarded per the invalid-RTT policy.
func (t *Tracker) CompleteRequest(localT3, remoteT1, remoteT2 uint32) bool {
	if !t.pending {
		return false
	}
	t.pending = false

	localT0 := int64(t.pendingT0)
	rtt := (int64(localT3) - localT0) - (int64(remoteT2) - int64(remoteT1))
	if rtt > maxValidRoundtripMS || rtt <= 0 {
		return false // "took too long" — sample discarded, state unchanged
	}

	offset := ((int64(remoteT1) - localT0) + (int64(remoteT2) - int64(localT3))) / 2

	t.applyRoundtrip(rtt)
	t.applyOffset(offset)

	if t.metrics != nil {
		t.metrics.ClockOffsetMS.WithLabelValues(friendLabel(t.friend)).Set(float64(t.OffsetMS))
		t.metrics.ClockRoundtripMS.WithLabelValues(friendLabel(t.friend)).Set(float64(t.RoundtripMS))
	}
	return true
}

// applyRoundtrip steps RoundtripMS toward the new measurement using the
// two-speed drift policy from spec §4.2.
func (t *Tracker) applyRoundtrip(measured int64) {
	delta := measured - t.RoundtripMS
	step := int64(largeDriftStepMS)
	if abs64(delta) <= driftStepThresholdMS {
		step = smallDriftStepMS
	}
	t.RoundtripMS = stepToward(t.RoundtripMS, measured, step)
}

// applyOffset clamps the offset update: suppressed below the small-change
// threshold, capped at maxOffsetJumpMS per sample otherwise.
func (t *Tracker) applyOffset(measured int64) {
	delta := measured - t.OffsetMS
	if abs64(delta) < minOffsetChangeMS {
		return
	}
	if delta > maxOffsetJumpMS {
		delta = maxOffsetJumpMS
	} else if delta < -maxOffsetJumpMS {
		delta = -maxOffsetJumpMS
	}
	t.OffsetMS += delta
}

func stepToward(cur, target, step int64) int64 {
	if cur < target {
		if cur+step > target {
			return target
		}
		return cur + step
	}
	if cur > target {
		if cur-step < target {
			return target
		}
		return cur - step
	}
	return cur
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func friendLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
