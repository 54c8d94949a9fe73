package bitrate

import (
	"math"
	"testing"
)

func TestObserveDecreaseClampsToMinimum(t *testing.T) {
	var got Reconfigure
	var friend uint32
	r := New(1, CodecH264, 2000, 0, 640, 480, nil, func(f uint32, rc Reconfigure) {
		friend, got = f, rc
	})
	r.Observe(0.10)
	if friend != 1 {
		t.Fatalf("expected friend id 1, got %d", friend)
	}
	if got.BitrateKbps != codecBounds[CodecH264].min {
		t.Fatalf("expected clamp to B_min=%d, got %d", codecBounds[CodecH264].min, got.BitrateKbps)
	}
}

func TestObserveIncreaseBelowHysteresisMarginDoesNotPublish(t *testing.T) {
	called := false
	r := New(1, CodecH264, 1000, 0, 640, 480, nil, func(uint32, Reconfigure) { called = true })
	r.Observe(0)
	if called {
		t.Fatalf("expected no reconfigure: candidate increase of 180 does not clear the 300 hysteresis margin")
	}
	if r.Bitrate() != 1000 {
		t.Fatalf("expected bitrate unchanged at 1000, got %d", r.Bitrate())
	}
}

// TestObserveIncreaseNeverClearsHysteresisMargin documents a property of the
// formula as specified: none of the three increase branches can produce a
// candidate more than 300kbps above the current bitrate (the flat +180/+40
// steps are far below 300, and the ×1.06 band only applies at B<=5000kbps,
// where 6% of B never exceeds 300). See DESIGN.md.
func TestObserveIncreaseNeverClearsHysteresisMargin(t *testing.T) {
	for _, start := range []int{100, 1000, 1399, 1400, 3000, 4999, 5000, 5001, 8000, 11000} {
		called := false
		r := New(1, CodecH264, start, 0, 640, 480, nil, func(uint32, Reconfigure) { called = true })
		r.Observe(0)
		if called {
			t.Fatalf("start=%d: expected hysteresis to suppress every increase candidate, but it published %d", start, r.Bitrate())
		}
	}
}

func TestObserveNoOpWhenLossBetweenThresholds(t *testing.T) {
	called := false
	r := New(1, CodecH264, 1000, 0, 640, 480, nil, func(uint32, Reconfigure) { called = true })
	r.Observe(0.05) // between IncreaseThreshold and DecreaseThreshold
	if called {
		t.Fatalf("expected no reconfigure for loss strictly between thresholds")
	}
}

func TestObserveRespectsUserBitrateCap(t *testing.T) {
	const loss = 0.09
	var got Reconfigure
	r := New(1, CodecH264, 8000, 4000, 640, 480, nil, func(_ uint32, rc Reconfigure) { got = rc })
	r.Observe(loss) // small decrease, result would otherwise sit above the user cap
	if got.BitrateKbps > 4000 {
		t.Fatalf("expected bitrate capped at user cap 4000, got %d", got.BitrateKbps)
	}
}

func TestVP8CorrectionFactorAppliedAfterClamp(t *testing.T) {
	const loss = 0.09
	var got Reconfigure
	r := New(1, CodecVP8, 5600, 0, 640, 480, nil, func(_ uint32, rc Reconfigure) { got = rc })
	r.Observe(loss)
	lossPercent := int(math.Floor(loss * 100))
	uncorrected := clamp(5600-scalarDecreasePerPercent*lossPercent, codecBounds[CodecVP8].min, codecBounds[CodecVP8].max)
	want := clamp(int(float64(uncorrected)*nonH264CorrectionFactor), codecBounds[CodecVP8].min, codecBounds[CodecVP8].max)
	if got.BitrateKbps != want {
		t.Fatalf("expected VP8 correction factor applied after clamp: got %d want %d", got.BitrateKbps, want)
	}
}

func TestStartBitrateClampedToCodecBounds(t *testing.T) {
	r := New(1, CodecH264, 1, 0, 640, 480, nil, nil)
	if r.Bitrate() != codecBounds[CodecH264].min {
		t.Fatalf("expected start bitrate clamped to min, got %d", r.Bitrate())
	}
}

func TestObserveRateLimitsConsecutiveReconfigures(t *testing.T) {
	calls := 0
	r := New(1, CodecH264, 4000, 0, 640, 480, nil, func(uint32, Reconfigure) { calls++ })
	r.Observe(0.10)
	r.Observe(0.10)
	if calls != 1 {
		t.Fatalf("expected only the first reconfigure within the rate-limit window to publish, got %d calls", calls)
	}
	if r.Bitrate() != codecBounds[CodecH264].min {
		t.Fatalf("expected internal target to keep tracking even when the callback is suppressed, got %d", r.Bitrate())
	}
}
