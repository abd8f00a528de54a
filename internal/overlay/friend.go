package overlay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/udptunnel/internal/identity"
	"github.com/1ureka/udptunnel/internal/signaling"
	"github.com/1ureka/udptunnel/internal/util"
)

// friend holds one entry of the friend table and its current negotiation.
type friend struct {
	number FriendNumber
	pk     identity.PublicKey
	status Connection

	// Set when we added the friend with a request; the request is re-sent
	// while the friend is unreachable.
	requesting  bool
	nospam      uint32
	requestMsg  []byte
	lastRequest time.Time

	// Current negotiation. gen changes whenever pc is replaced.
	gen       uint64
	session   string
	offerer   bool
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	since     time.Time // start of the current unconnected period, zero while connected
}

// ---------------------------------------------------------------------------
// Friend table
// ---------------------------------------------------------------------------

// FriendAdd adds the owner of addr and sends a friend request carrying
// message. It returns once the request is queued; the connection is reported
// later through OnFriendConnectionStatus.
func (s *Session) FriendAdd(addr identity.Address, message []byte) (FriendNumber, error) {
	if len(message) > MaxFriendRequestSize {
		return 0, ErrMessageTooLong
	}
	if len(message) == 0 {
		return 0, ErrNoMessage
	}
	pk := addr.PublicKey()
	if pk == s.kp.Public {
		return 0, ErrOwnKey
	}
	if _, ok := s.byKey[pk]; ok {
		return 0, ErrAlreadySent
	}
	if err := addr.Verify(); err != nil {
		return 0, err
	}

	f := s.addFriend(pk)
	f.requesting = true
	f.nospam = addr.NoSpam()
	f.requestMsg = append([]byte(nil), message...)
	s.sendRequest(f, time.Now())

	util.LogDebug("friend %d (%s) added with request", f.number, pk.ShortString())
	return f.number, nil
}

// FriendAddNoRequest adds pk without sending a request, typically to accept
// one. The accepting side starts the WebRTC negotiation.
func (s *Session) FriendAddNoRequest(pk identity.PublicKey) (FriendNumber, error) {
	if pk == s.kp.Public {
		return 0, ErrOwnKey
	}
	if _, ok := s.byKey[pk]; ok {
		return 0, ErrAlreadySent
	}

	f := s.addFriend(pk)
	util.LogDebug("friend %d (%s) added", f.number, pk.ShortString())
	s.startOffer(f, time.Now())
	return f.number, nil
}

// FriendPublicKey returns the public key of a friend.
func (s *Session) FriendPublicKey(number FriendNumber) (identity.PublicKey, error) {
	f, ok := s.friends[number]
	if !ok {
		return identity.PublicKey{}, ErrFriendNotFound
	}
	return f.pk, nil
}

// FriendSendLossyPacket sends one datagram on the friend's unreliable
// channel. data[0] must be in the custom lossy range. It never blocks: when
// the channel is backed up the packet is refused with ErrSendq.
func (s *Session) FriendSendLossyPacket(number FriendNumber, data []byte) error {
	f, ok := s.friends[number]
	if !ok {
		return ErrFriendNotFound
	}
	if len(data) == 0 || data[0] < LossyPacketMin || data[0] > LossyPacketMax {
		return ErrInvalidPacket
	}
	if len(data) > MaxCustomPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLong, len(data))
	}
	if f.status == ConnectionNone || f.dc == nil {
		return ErrFriendNotConnected
	}
	if f.dc.BufferedAmount() > highWaterMark {
		return ErrSendq
	}
	if err := f.dc.Send(data); err != nil {
		return fmt.Errorf("lossy send to friend %d: %w", number, err)
	}
	return nil
}

func (s *Session) addFriend(pk identity.PublicKey) *friend {
	f := &friend{number: s.nextFriend, pk: pk}
	s.nextFriend++
	s.friends[f.number] = f
	s.byKey[pk] = f.number
	return f
}

// setStatus records a friend's connection and reports changes.
func (s *Session) setStatus(f *friend, status Connection) {
	if f.status == status {
		return
	}
	f.status = status
	util.LogDebug("friend %d connection: %s", f.number, status)
	if s.onFriendStatus != nil {
		s.onFriendStatus(f.number, status)
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (s *Session) sendRequest(f *friend, now time.Time) {
	if !s.rendezvous.Online() {
		return
	}
	f.lastRequest = now
	s.sendSignal(f.pk, signaling.Signal{
		Kind:    signaling.SignalRequest,
		NoSpam:  f.nospam,
		Message: string(f.requestMsg),
	})
}

// teardown drops f's PeerConnection. Close runs in the background so
// Iterate never waits on it.
func (s *Session) teardown(f *friend) {
	if f.pc != nil {
		pc := f.pc
		go pc.Close()
	}
	f.gen++
	f.pc, f.dc = nil, nil
	f.session = ""
	f.offerer = false
	f.remoteSet = false
	f.pending = nil
	f.since = time.Time{}
}

// startOffer replaces any negotiation with a fresh one where we offer.
func (s *Session) startOffer(f *friend, now time.Time) {
	s.teardown(f)
	f.session = uuid.NewString()
	f.offerer = true
	f.since = now

	if err := s.newPeer(f); err != nil {
		util.LogError("failed to create peer connection for friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}

	offer, err := f.pc.CreateOffer(nil)
	if err == nil {
		err = f.pc.SetLocalDescription(offer)
	}
	if err != nil {
		util.LogError("failed to create offer for friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}

	s.sendSignal(f.pk, signaling.Signal{Kind: signaling.SignalOffer, Session: f.session, SDP: offer.SDP})
}

// handleSignal dispatches a sealed signal from the rendezvous.
func (s *Session) handleSignal(in signaling.Incoming) {
	if in.From == s.kp.Public {
		return
	}
	switch in.Signal.Kind {
	case signaling.SignalRequest:
		s.handleRequest(in.From, in.Signal)
	case signaling.SignalOffer:
		s.handleOffer(in.From, in.Signal)
	case signaling.SignalAnswer:
		s.handleAnswer(in.From, in.Signal)
	case signaling.SignalCandidate:
		s.handleCandidate(in.From, in.Signal)
	default:
		util.LogDebug("unknown signal %q from %s", in.Signal.Kind, in.From.ShortString())
	}
}

func (s *Session) handleRequest(from identity.PublicKey, sig signaling.Signal) {
	if number, ok := s.byKey[from]; ok {
		// A known friend asking again has lost its side of the connection.
		f := s.friends[number]
		if f.pc == nil || (f.status == ConnectionNone && time.Since(f.since) > requestInterval) {
			s.startOffer(f, time.Now())
		}
		return
	}

	if sig.NoSpam != s.nospam {
		util.LogDebug("friend request from %s with wrong nospam", from.ShortString())
		return
	}
	if s.onFriendRequest != nil {
		s.onFriendRequest(from, []byte(sig.Message))
	}
}

func (s *Session) handleOffer(from identity.PublicKey, sig signaling.Signal) {
	number, ok := s.byKey[from]
	if !ok {
		util.LogDebug("offer from stranger %s ignored", from.ShortString())
		return
	}
	f := s.friends[number]

	// Both sides offered: the lower key keeps its own offer.
	if f.pc != nil && f.offerer && !f.remoteSet && bytes.Compare(s.kp.Public[:], from[:]) < 0 {
		return
	}

	now := time.Now()
	s.teardown(f)
	f.session = sig.Session
	f.since = now

	if err := s.newPeer(f); err != nil {
		util.LogError("failed to create peer connection for friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}

	err := f.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP})
	if err != nil {
		util.LogWarning("invalid offer from friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}
	f.remoteSet = true

	answer, err := f.pc.CreateAnswer(nil)
	if err == nil {
		err = f.pc.SetLocalDescription(answer)
	}
	if err != nil {
		util.LogError("failed to create answer for friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}

	s.sendSignal(f.pk, signaling.Signal{Kind: signaling.SignalAnswer, Session: f.session, SDP: answer.SDP})
	s.flushCandidates(f)
}

func (s *Session) handleAnswer(from identity.PublicKey, sig signaling.Signal) {
	f, ok := s.negotiating(from, sig.Session)
	if !ok || !f.offerer || f.remoteSet {
		return
	}

	err := f.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	if err != nil {
		util.LogWarning("invalid answer from friend %d: %v", f.number, err)
		s.teardown(f)
		return
	}
	f.remoteSet = true
	s.flushCandidates(f)
}

func (s *Session) handleCandidate(from identity.PublicKey, sig signaling.Signal) {
	f, ok := s.negotiating(from, sig.Session)
	if !ok {
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
		util.LogDebug("malformed candidate from friend %d: %v", f.number, err)
		return
	}

	if !f.remoteSet {
		f.pending = append(f.pending, init)
		return
	}
	if err := f.pc.AddICECandidate(init); err != nil {
		util.LogDebug("AddICECandidate for friend %d failed: %v", f.number, err)
	}
}

// negotiating returns the friend whose live negotiation matches session.
func (s *Session) negotiating(from identity.PublicKey, session string) (*friend, bool) {
	number, ok := s.byKey[from]
	if !ok {
		return nil, false
	}
	f := s.friends[number]
	if f.pc == nil || f.session != session {
		return nil, false
	}
	return f, true
}

func (s *Session) flushCandidates(f *friend) {
	for _, init := range f.pending {
		if err := f.pc.AddICECandidate(init); err != nil {
			util.LogDebug("AddICECandidate for friend %d failed: %v", f.number, err)
		}
	}
	f.pending = nil
}
