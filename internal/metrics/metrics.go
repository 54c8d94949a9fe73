// Package metrics wires the Prometheus instrumentation surface named in
// SPEC_FULL.md §1.4: the quantities the call core already treats as
// observable state (loss fraction, target bitrate, buffer fill levels,
// clock offset/RTT, MSI state) are exported as labeled gauges and counters
// rather than reached for through package-level globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the call core publishes. It is constructed
// once by the CLI entry point and passed explicitly into each component
// constructor that owns a piece of observable state, mirroring the way the
// logger is threaded through rather than reached for globally.
type Registry struct {
	LossFraction     *prometheus.GaugeVec
	TargetBitrateKbps *prometheus.GaugeVec

	JitterFillLevel   *prometheus.GaugeVec
	JitterPLCTotal    *prometheus.CounterVec

	WorkBufferDropOldestTotal *prometheus.CounterVec
	WorkBufferActiveSlots     *prometheus.GaugeVec

	ClockOffsetMS    *prometheus.GaugeVec
	ClockRoundtripMS *prometheus.GaugeVec

	MSIState *prometheus.GaugeVec
}

// NewRegistry creates and registers every metric against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic; cmd/toxavd likewise
// passes its own prometheus.NewRegistry() rather than the global default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		LossFraction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "bwc",
			Name:      "loss_fraction",
			Help:      "Fraction of bytes lost over the last 1s window, per friend.",
		}, []string{"friend_id"}),
		TargetBitrateKbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "bitrate",
			Name:      "target_kbps",
			Help:      "Current regulator target bitrate in kbps, per friend.",
		}, []string{"friend_id"}),
		JitterFillLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "audio",
			Name:      "jitter_fill_level",
			Help:      "Number of frames currently buffered in the audio jitter buffer.",
		}, []string{"friend_id"}),
		JitterPLCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "audio",
			Name:      "jitter_plc_events_total",
			Help:      "Count of packet-loss-concealment decodes triggered by the jitter buffer.",
		}, []string{"friend_id"}),
		WorkBufferDropOldestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "video",
			Name:      "work_buffer_drop_oldest_total",
			Help:      "Count of forced-delivery evictions of the oldest work-buffer slot.",
		}, []string{"friend_id"}),
		WorkBufferActiveSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "video",
			Name:      "work_buffer_active_slots",
			Help:      "Number of occupied slots in the video work buffer.",
		}, []string{"friend_id"}),
		ClockOffsetMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "clock",
			Name:      "offset_ms",
			Help:      "Estimated clock offset to the sender, in milliseconds.",
		}, []string{"friend_id"}),
		ClockRoundtripMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "clock",
			Name:      "roundtrip_ms",
			Help:      "Estimated round-trip time to the peer, in milliseconds.",
		}, []string{"friend_id"}),
		MSIState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "msi",
			Name:      "state",
			Help:      "Current MSI state as a labeled gauge (value is always 1 for the active state label).",
		}, []string{"friend_id", "state"}),
	}

	for _, c := range m.collectors() {
		reg.MustRegister(c)
	}
	return m
}

func (m *Registry) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LossFraction,
		m.TargetBitrateKbps,
		m.JitterFillLevel,
		m.JitterPLCTotal,
		m.WorkBufferDropOldestTotal,
		m.WorkBufferActiveSlots,
		m.ClockOffsetMS,
		m.ClockRoundtripMS,
		m.MSIState,
	}
}
