package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/udptunnel/internal/util"
)

func TestRegisterReadsStats(t *testing.T) {
	util.Stats.Reset()
	defer util.Stats.Reset()

	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	util.Stats.AddSent(6)
	util.Stats.DroppedNoDest.Add(2)
	util.Stats.DroppedOversize.Add(1)
	util.Stats.PeerConnected.Store(true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "{" + l.GetName() + "=" + l.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			}
		}
	}

	checks := map[string]float64{
		"udptunnel_frames_sent_total":                    1,
		"udptunnel_frame_bytes_sent_total":               6,
		"udptunnel_dropped_total{reason=no_destination}": 2,
		"udptunnel_dropped_total{reason=no_peer}":        0,
		"udptunnel_dropped_total{reason=oversize}":       1,
		"udptunnel_peer_connected":                       1,
	}
	for name, want := range checks {
		got, ok := values[name]
		if !ok {
			t.Errorf("metric %s not gathered", name)
			continue
		}
		if got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
