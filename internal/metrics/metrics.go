// Package metrics exposes the tunnel's traffic counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/udptunnel/internal/util"
)

const (
	namespace = "udptunnel"
)

// Register adds collectors that read util.Stats to reg. The counters stay
// owned by util so the relay loop only touches atomics.
func Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	dropped := func(reason string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dropped_total",
			Help:        "Datagrams dropped by reason",
			ConstLabels: prometheus.Labels{"reason": reason},
		}, func() float64 { return float64(v.Load()) })
	}

	s := util.Stats
	collectors := []prometheus.Collector{
		counter("udp_datagrams_received_total", "Datagrams read from the local UDP socket", &s.DatagramsIn),
		counter("udp_datagrams_sent_total", "Datagrams written to the local UDP socket", &s.DatagramsOut),
		counter("frames_sent_total", "Tunnel frames handed to the overlay", &s.FramesSent),
		counter("frames_received_total", "Tunnel frames received from the overlay", &s.FramesRecv),
		counter("frame_bytes_sent_total", "Frame bytes handed to the overlay", &s.BytesSent),
		counter("frame_bytes_received_total", "Frame bytes received from the overlay", &s.BytesRecv),
		dropped("no_peer", &s.DroppedNoPeer),
		dropped("bad_frame", &s.DroppedBadFrame),
		dropped("no_destination", &s.DroppedNoDest),
		dropped("send_failed", &s.DroppedSendFailed),
		dropped("oversize", &s.DroppedOversize),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connected",
			Help:      "Whether the relay peer is currently connected",
		}, func() float64 {
			if s.PeerConnected.Load() {
				return 1
			}
			return 0
		}),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Serve exposes /metrics for gatherer on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("metrics available at http://%s/metrics", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
