package overlay

import (
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/udptunnel/internal/util"
)

// newAPI builds the WebRTC API with the discovery options applied.
func newAPI(opts Options) *webrtc.API {
	se := webrtc.SettingEngine{}

	se.LoggerFactory = opts.LoggerFactory
	if se.LoggerFactory == nil {
		se.LoggerFactory = util.PionLoggerFactory{}
	}

	if opts.LocalDiscoveryEnabled {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// iceServers returns the STUN servers to use, none when hole punching is off.
func iceServers(opts Options) []webrtc.ICEServer {
	if !opts.HolePunchingEnabled {
		return nil
	}
	urls := opts.STUNServers
	if len(urls) == 0 {
		urls = DefaultSTUNServers
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// newLossyChannel creates the pre-negotiated unreliable DataChannel on pc.
// Negotiated mode (ID 0) lets both sides create it independently; unordered
// with zero retransmits gives datagram semantics.
func newLossyChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("lossy", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

// newPeer creates the PeerConnection and lossy channel for f's current
// negotiation. Callbacks only queue events tagged with the generation, so
// events from a torn-down connection are ignored.
func (s *Session) newPeer(f *friend) error {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return err
	}

	dc, err := newLossyChannel(pc)
	if err != nil {
		pc.Close()
		return err
	}

	number, gen := f.number, f.gen

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.post(candidateEvent{friend: number, gen: gen, candidate: c.ToJSON()})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(pcStateEvent{friend: number, gen: gen, state: state})
	})

	dc.OnOpen(func() {
		s.post(channelEvent{friend: number, gen: gen, open: true})
	})

	dc.OnClose(func() {
		s.post(channelEvent{friend: number, gen: gen, open: false})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		s.postLossy(lossyPacketEvent{friend: number, gen: gen, data: data})
	})

	f.pc = pc
	f.dc = dc
	return nil
}

// connectionType classifies the selected ICE path.
func connectionType(pc *webrtc.PeerConnection) Connection {
	if pc == nil || pc.SCTP() == nil {
		return ConnectionUDP
	}
	pair, err := pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return ConnectionUDP
	}
	if pair.Local.Typ == webrtc.ICECandidateTypeRelay ||
		pair.Remote.Typ == webrtc.ICECandidateTypeRelay ||
		pair.Local.Protocol == webrtc.ICEProtocolTCP {
		return ConnectionTCP
	}
	return ConnectionUDP
}
