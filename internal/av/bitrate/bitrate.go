// Package bitrate implements the per-friend video bitrate regulator (C7):
// it turns the bandwidth controller's per-tick loss fraction into a target
// bitrate using spec §4.7's hysteresis rules, and emits a reconfigure
// request to the video encoder collaborator.
package bitrate

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alxayo/toxav-go/internal/logger"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// reconfigureRateLimit bounds how often Observe may actually push a
// Reconfigure down to the encoder collaborator, independent of how often
// the bandwidth controller ticks; this keeps a noisy loss signal from
// forcing an encoder restart on every single tick.
const reconfigureRateLimit = 500 * time.Millisecond

// Thresholds shared by every codec (spec §4.7).
const (
	IncreaseThreshold = 0.02
	DecreaseThreshold = 0.08

	// scalarDecreasePerPercent is not given a numeric value in the
	// upstream constant table available to this port; 200 is chosen so
	// that the documented worked example (loss=0.10, B=2000kbps) clamps
	// to B_min as specified. See DESIGN.md.
	scalarDecreasePerPercent = 200

	// VP8/VP9 apply a flat correction factor after clamping; H.264 does not.
	nonH264CorrectionFactor = 0.9
)

// Codec selects which bound/scalar table applies.
type Codec int

const (
	CodecH264 Codec = iota
	CodecVP8
	CodecVP9
)

// bounds holds a codec's min/max bitrate and scalar step table, all in kbps.
type bounds struct {
	min, max       int
	scalarT1       int
	scalarT2       int
	incBelowT1     int
	incAboveT2     int
}

var codecBounds = map[Codec]bounds{
	// H.264 constants per spec §4.7.
	CodecH264: {min: 90, max: 12000, scalarT1: 1400, scalarT2: 5000, incBelowT1: 180, incAboveT2: 40},
	// VP8/VP9 share H.264's step table; only the post-clamp correction
	// factor differs (spec §4.7 "for VP8/VP9 apply a correction factor").
	CodecVP8: {min: 90, max: 12000, scalarT1: 1400, scalarT2: 5000, incBelowT1: 180, incAboveT2: 40},
	CodecVP9: {min: 90, max: 12000, scalarT1: 1400, scalarT2: 5000, incBelowT1: 180, incAboveT2: 40},
}

// Reconfigure is what the regulator emits when it decides to change the
// encoder's target bitrate (spec §4.7: "(new_bitrate, width, height,
// kf_hint)").
type Reconfigure struct {
	BitrateKbps   int
	Width, Height int
	KeyframeHint  bool
}

// ReconfigureFunc receives the regulator's decision for one friend.
type ReconfigureFunc func(friendID uint32, r Reconfigure)

// Regulator holds the live target bitrate for one friend's outbound video
// and the user-configured cap that additionally bounds it.
type Regulator struct {
	friendID uint32
	codec    Codec
	log      *slog.Logger
	metrics  *metrics.Registry

	bitrateKbps int
	userCapKbps int
	width       int
	height      int

	onReconfigure ReconfigureFunc
	limiter       *rate.Limiter
}

// New creates a regulator seeded at startBitrateKbps, clamped into the
// codec's bounds. reg may be nil (tests that don't care about metrics
// exposition).
func New(friendID uint32, codec Codec, startBitrateKbps, userCapKbps, width, height int, reg *metrics.Registry, onReconfigure ReconfigureFunc) *Regulator {
	b := codecBounds[codec]
	if startBitrateKbps < b.min {
		startBitrateKbps = b.min
	}
	if startBitrateKbps > b.max {
		startBitrateKbps = b.max
	}
	return &Regulator{
		friendID:      friendID,
		codec:         codec,
		log:           logger.WithFriend(logger.Logger(), friendID),
		metrics:       reg,
		bitrateKbps:   startBitrateKbps,
		userCapKbps:   userCapKbps,
		width:         width,
		height:        height,
		onReconfigure: onReconfigure,
		limiter:       rate.NewLimiter(rate.Every(reconfigureRateLimit), 1),
	}
}

func friendLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

// Bitrate returns the regulator's current published target, in kbps.
func (r *Regulator) Bitrate() int { return r.bitrateKbps }

// SetGeometry updates the (width, height) carried in future reconfigure
// requests, e.g. after the user changes capture resolution.
func (r *Regulator) SetGeometry(width, height int) {
	r.width, r.height = width, height
}

// Observe applies one bandwidth-controller tick's loss fraction, per spec
// §4.7's rule table, and emits a Reconfigure if the result clears the
// hysteresis margin.
func (r *Regulator) Observe(loss float64) {
	b := codecBounds[r.codec]
	next := r.bitrateKbps
	published := false

	switch {
	case loss < IncreaseThreshold && r.bitrateKbps < b.max:
		candidate := r.increase(b)
		if candidate > r.bitrateKbps+300 {
			next = candidate
			published = true
		}
	case loss > DecreaseThreshold && r.bitrateKbps > b.min:
		lossPercent := int(math.Floor(loss * 100))
		next = r.bitrateKbps - scalarDecreasePerPercent*lossPercent
		published = true
	}

	if !published {
		return
	}

	next = clamp(next, b.min, b.max)
	next = clamp(next, b.min, effectiveCap(b.max, r.userCapKbps))

	if r.codec != CodecH264 {
		next = int(float64(next) * nonH264CorrectionFactor)
		next = clamp(next, b.min, b.max)
	}

	r.bitrateKbps = next
	if r.metrics != nil {
		r.metrics.TargetBitrateKbps.WithLabelValues(friendLabel(r.friendID)).Set(float64(next))
	}
	if !r.limiter.Allow() {
		r.log.Debug("bitrate reconfigure suppressed by rate limit", "loss", loss, "bitrate_kbps", next)
		return
	}
	r.log.Info("bitrate reconfigure", "loss", loss, "bitrate_kbps", next)
	if r.onReconfigure != nil {
		r.onReconfigure(r.friendID, Reconfigure{
			BitrateKbps: next, Width: r.width, Height: r.height, KeyframeHint: false,
		})
	}
}

func (r *Regulator) increase(b bounds) int {
	switch {
	case r.bitrateKbps < b.scalarT1:
		return r.bitrateKbps + b.incBelowT1
	case r.bitrateKbps > b.scalarT2:
		return r.bitrateKbps + b.incAboveT2
	default:
		return int(float64(r.bitrateKbps) * 1.06)
	}
}

func effectiveCap(codecMax, userCap int) int {
	if userCap > 0 && userCap < codecMax {
		return userCap
	}
	return codecMax
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
