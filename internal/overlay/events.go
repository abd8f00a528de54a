package overlay

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/udptunnel/internal/signaling"
	"github.com/1ureka/udptunnel/internal/util"
)

// event is queued by pion callbacks and consumed by Iterate.
type event interface {
	target() (FriendNumber, uint64)
}

type candidateEvent struct {
	friend    FriendNumber
	gen       uint64
	candidate webrtc.ICECandidateInit
}

type pcStateEvent struct {
	friend FriendNumber
	gen    uint64
	state  webrtc.PeerConnectionState
}

type channelEvent struct {
	friend FriendNumber
	gen    uint64
	open   bool
}

type lossyPacketEvent struct {
	friend FriendNumber
	gen    uint64
	data   []byte
}

func (e candidateEvent) target() (FriendNumber, uint64)   { return e.friend, e.gen }
func (e pcStateEvent) target() (FriendNumber, uint64)     { return e.friend, e.gen }
func (e channelEvent) target() (FriendNumber, uint64)     { return e.friend, e.gen }
func (e lossyPacketEvent) target() (FriendNumber, uint64) { return e.friend, e.gen }

// handleEvent applies one queued event. Events from a replaced
// PeerConnection carry an old generation and are ignored.
func (s *Session) handleEvent(ev event) {
	number, gen := ev.target()
	f, ok := s.friends[number]
	if !ok || f.gen != gen {
		return
	}

	switch ev := ev.(type) {
	case candidateEvent:
		raw, err := json.Marshal(ev.candidate)
		if err != nil {
			return
		}
		s.sendSignal(f.pk, signaling.Signal{
			Kind:      signaling.SignalCandidate,
			Session:   f.session,
			Candidate: string(raw),
		})

	case channelEvent:
		if ev.open {
			f.since = time.Time{}
			s.setStatus(f, connectionType(f.pc))
			return
		}
		util.LogDebug("lossy channel to friend %d closed", f.number)
		s.teardown(f)
		s.setStatus(f, ConnectionNone)

	case pcStateEvent:
		util.LogDebug("friend %d peer connection: %s", f.number, ev.state)
		switch ev.state {
		case webrtc.PeerConnectionStateConnected:
			if f.dc != nil && f.dc.ReadyState() == webrtc.DataChannelStateOpen {
				f.since = time.Time{}
				s.setStatus(f, connectionType(f.pc))
			}
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover; give it one negotiation timeout.
			if f.since.IsZero() {
				f.since = time.Now()
			}
			s.setStatus(f, ConnectionNone)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.teardown(f)
			s.setStatus(f, ConnectionNone)
		}

	case lossyPacketEvent:
		if len(ev.data) == 0 || ev.data[0] < LossyPacketMin || ev.data[0] > LossyPacketMax {
			return
		}
		if s.onLossyPacket != nil {
			s.onLossyPacket(f.number, ev.data)
		}
	}
}

// runTimers expires stuck negotiations and re-sends pending friend requests.
func (s *Session) runTimers(now time.Time) {
	for _, f := range s.friends {
		if f.pc != nil && !f.since.IsZero() && now.Sub(f.since) > negotiationTimeout {
			util.LogDebug("negotiation with friend %d timed out", f.number)
			s.teardown(f)
			s.setStatus(f, ConnectionNone)
		}

		if f.requesting && f.status == ConnectionNone && f.pc == nil &&
			now.Sub(f.lastRequest) >= requestInterval {
			s.sendRequest(f, now)
		}
	}
}
