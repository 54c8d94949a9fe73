package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.LossFraction.WithLabelValues("7").Set(0.05)
	m.MSIState.WithLabelValues("7", "Active").Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "toxav_bwc_loss_fraction" {
			found = true
			if got := f.Metric[0].GetGauge().GetValue(); got != 0.05 {
				t.Fatalf("unexpected loss_fraction value: %v", got)
			}
		}
	}
	if !found {
		t.Fatalf("toxav_bwc_loss_fraction metric not found")
	}
}

func TestRegistryDoubleRegistrationPanicsOnReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic registering the same metrics twice against one registry")
		}
	}()
	NewRegistry(reg)
}
