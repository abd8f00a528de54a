package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	// UDP → overlay
	DatagramsIn atomic.Int64 // datagrams read from the local socket
	FramesSent  atomic.Int64 // frames handed to the overlay
	BytesSent   atomic.Int64 // frame bytes handed to the overlay

	// overlay → UDP
	FramesRecv   atomic.Int64 // tunnel frames received from the peer
	BytesRecv    atomic.Int64 // frame bytes received from the peer
	DatagramsOut atomic.Int64 // datagrams written to the local socket

	// Drops
	DroppedNoPeer     atomic.Int64 // local datagram before a peer was selected
	DroppedBadFrame   atomic.Int64 // overlay packet that is not a tunnel frame
	DroppedNoDest     atomic.Int64 // frame while the return address is unknown
	DroppedSendFailed atomic.Int64 // send error on either side
	DroppedOversize   atomic.Int64 // local datagram too large for one frame

	PeerConnected atomic.Bool
}

func (s *stats) AddDatagramIn()  { s.DatagramsIn.Add(1) }
func (s *stats) AddDatagramOut() { s.DatagramsOut.Add(1) }

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Reset zeroes every counter. Used by tests.
func (s *stats) Reset() {
	for _, c := range []*atomic.Int64{
		&s.DatagramsIn, &s.FramesSent, &s.BytesSent,
		&s.FramesRecv, &s.BytesRecv, &s.DatagramsOut,
		&s.DroppedNoPeer, &s.DroppedBadFrame, &s.DroppedNoDest, &s.DroppedSendFailed,
		&s.DroppedOversize,
	} {
		c.Store(0)
	}
	s.PeerConnected.Store(false)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				dropped := Stats.DroppedNoPeer.Load() + Stats.DroppedBadFrame.Load() +
					Stats.DroppedNoDest.Load() + Stats.DroppedSendFailed.Load() +
					Stats.DroppedOversize.Load()

				outS := float64(sent-prevSent) / reportInterval.Seconds()
				inS := float64(recv-prevRecv) / reportInterval.Seconds()
				drops := dropped - prevDropped

				if inS > 10 || outS > 10 || drops > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, drops))
				}

				prevSent = sent
				prevRecv = recv
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current rates for display in the logger.
func formatStats(inS, outS float64, drops int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Dropped: %d",
		humanize.IBytes(uint64(inS)),
		humanize.IBytes(uint64(outS)),
		drops,
	)
}
