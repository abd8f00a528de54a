// Package tunnel relays UDP datagrams between a local socket and one overlay
// peer. Every datagram travels as one frame on the peer's unreliable channel;
// nothing is retried, reordered or buffered.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/udptunnel/internal/config"
	"github.com/1ureka/udptunnel/internal/identity"
	"github.com/1ureka/udptunnel/internal/overlay"
	"github.com/1ureka/udptunnel/internal/protocol"
	"github.com/1ureka/udptunnel/internal/util"
)

// requestMessage is the body of the friend request sent by AddFriend. The
// accepting side never looks at it.
const requestMessage = "udptunnel"

// maxPayloadSize leaves room for the channel marker in the largest lossy packet.
const maxPayloadSize = overlay.MaxCustomPacketSize - protocol.HeaderSize

// The read buffer has one spare byte: a read that fills it was truncated.
const readBufferSize = maxPayloadSize + 1

// noDestInterval limits the "no destination known" warning.
const noDestInterval = 5 * time.Second

// Session is the part of the overlay the relay drives.
type Session interface {
	OnSelfConnectionStatus(fn func(overlay.Connection))
	OnFriendConnectionStatus(fn func(overlay.FriendNumber, overlay.Connection))
	OnFriendRequest(fn func(identity.PublicKey, []byte))
	OnFriendLossyPacket(fn func(overlay.FriendNumber, []byte))

	FriendAdd(addr identity.Address, message []byte) (overlay.FriendNumber, error)
	FriendAddNoRequest(pk identity.PublicKey) (overlay.FriendNumber, error)
	FriendPublicKey(number overlay.FriendNumber) (identity.PublicKey, error)
	FriendSendLossyPacket(number overlay.FriendNumber, data []byte) error
	Iterate()
}

// Transport is the local UDP endpoint. Receive must not block.
type Transport interface {
	Receive(buf []byte) (n int, from netip.AddrPort, ok bool, err error)
	SendTo(addr netip.AddrPort, b []byte) error
}

// peerRef is the relay target. It is set once, by the first friend that
// comes online, and never changes afterwards.
type peerRef struct {
	number overlay.FriendNumber
	set    bool
}

// Relay is the tunnel relay core. It is not safe for concurrent use; all
// methods and the session callbacks run on the loop goroutine.
type Relay struct {
	mode    config.Mode
	tick    time.Duration
	tr      Transport
	session Session

	peer       peerRef
	returnAddr netip.AddrPort
	buf        []byte
	noDestLog  *rate.Limiter
}

// New binds a relay to its transport and session and registers the session
// callbacks. It fails when the out side's target host cannot be resolved.
func New(cfg *config.Config, tr Transport, session Session) (*Relay, error) {
	returnAddr, err := cfg.InitialReturnAddress()
	if err != nil {
		return nil, err
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = config.DefaultTickInterval
	}

	r := &Relay{
		mode:       cfg.Mode,
		tick:       tick,
		tr:         tr,
		session:    session,
		returnAddr: returnAddr,
		buf:        make([]byte, readBufferSize),
		noDestLog:  rate.NewLimiter(rate.Every(noDestInterval), 1),
	}

	session.OnSelfConnectionStatus(r.selfConnectionStatus)
	session.OnFriendConnectionStatus(r.friendConnectionStatus)
	session.OnFriendRequest(r.friendRequest)
	session.OnFriendLossyPacket(r.HandlePacket)
	return r, nil
}

// AddFriend sends a friend request to the overlay address in hex. The
// connection is reported later through the session callbacks.
func (r *Relay) AddFriend(hexAddr string) error {
	addr, err := identity.ParseAddress(hexAddr)
	if err != nil {
		return err
	}
	number, err := r.session.FriendAdd(addr, []byte(requestMessage))
	if err != nil {
		return fmt.Errorf("failed to add friend %s: %w", addr.PublicKey().ShortString(), err)
	}
	util.LogInfo("friend request sent to %s (friend %d)", addr.PublicKey().ShortString(), number)
	return nil
}

// Peer returns the relay target, if one has been selected.
func (r *Relay) Peer() (overlay.FriendNumber, bool) {
	return r.peer.number, r.peer.set
}

// ReturnAddress returns where inbound frames are currently forwarded.
func (r *Relay) ReturnAddress() netip.AddrPort {
	return r.returnAddr
}

// ---------------------------------------------------------------------------
// Session callbacks
// ---------------------------------------------------------------------------

func (r *Relay) selfConnectionStatus(status overlay.Connection) {
	if status == overlay.ConnectionNone {
		util.LogWarning("overlay offline")
		return
	}
	util.LogInfo("overlay online (%s)", status)
}

// friendRequest accepts every request. Any peer that knows our address may
// connect; only the first one to come online becomes the relay target.
func (r *Relay) friendRequest(pk identity.PublicKey, _ []byte) {
	util.LogInfo("friend request from %s, accepting", pk.ShortString())
	if _, err := r.session.FriendAddNoRequest(pk); err != nil {
		util.LogWarning("failed to accept friend %s: %v", pk.ShortString(), err)
	}
}

func (r *Relay) friendConnectionStatus(number overlay.FriendNumber, status overlay.Connection) {
	if status == overlay.ConnectionNone {
		util.LogInfo("friend %d offline", number)
		if r.peer.set && r.peer.number == number {
			util.Stats.PeerConnected.Store(false)
		}
		return
	}

	util.LogInfo("friend %d online (%s)", number, status)
	r.friendOnline(number)
}

// friendOnline selects number as the relay target unless one is already set.
func (r *Relay) friendOnline(number overlay.FriendNumber) {
	if r.peer.set {
		if r.peer.number == number {
			util.Stats.PeerConnected.Store(true)
		}
		return
	}
	r.peer = peerRef{number: number, set: true}
	util.Stats.PeerConnected.Store(true)

	pk, err := r.session.FriendPublicKey(number)
	if err != nil {
		util.LogSuccess("relaying to friend %d", number)
		return
	}
	util.LogSuccess("relaying to friend %d (%s)", number, pk)
}

// ---------------------------------------------------------------------------
// Datagram paths
// ---------------------------------------------------------------------------

// HandlePacket is the inbound path: it forwards the payload of one overlay
// frame to the return address.
func (r *Relay) HandlePacket(number overlay.FriendNumber, data []byte) {
	payload, err := protocol.Decode(data)
	if err != nil {
		util.Stats.DroppedBadFrame.Add(1)
		util.LogDebug("discarding packet from friend %d: %v", number, err)
		return
	}
	util.Stats.AddRecv(len(data))

	if r.returnAddr.Port() == 0 {
		dropped := util.Stats.DroppedNoDest.Add(1)
		if r.noDestLog.Allow() {
			util.LogWarning("no destination known, dropping %d bytes (%d dropped so far)", len(payload), dropped)
		}
		return
	}

	if err := r.tr.SendTo(r.returnAddr, payload); err != nil {
		util.Stats.DroppedSendFailed.Add(1)
		util.LogWarning("failed to send datagram to %s: %v", r.returnAddr, err)
		return
	}
	util.Stats.AddDatagramOut()
}

// Poll is the outbound path: it reads at most one local datagram and sends it
// to the peer. It reports whether a datagram was read.
func (r *Relay) Poll() bool {
	n, from, ok, err := r.tr.Receive(r.buf)
	if err != nil {
		util.LogDebug("udp receive failed: %v", err)
		return false
	}
	if !ok {
		return false
	}
	util.Stats.AddDatagramIn()

	if !r.peer.set {
		util.Stats.DroppedNoPeer.Add(1)
		return true
	}

	if n > maxPayloadSize {
		util.Stats.DroppedOversize.Add(1)
		util.LogWarning("dropping datagram from %s: larger than %d bytes", from, maxPayloadSize)
		return true
	}

	if r.mode == config.ModeIn {
		r.returnAddr = from
	}

	// A zero-length datagram has nothing to carry: the smallest frame is
	// marker plus one byte.
	if n == 0 {
		return true
	}

	frame := protocol.Encode(r.buf[:n])
	if err := r.session.FriendSendLossyPacket(r.peer.number, frame); err != nil {
		util.Stats.DroppedSendFailed.Add(1)
		if errors.Is(err, overlay.ErrSendq) || errors.Is(err, overlay.ErrFriendNotConnected) {
			util.LogDebug("dropping datagram for friend %d: %v", r.peer.number, err)
		} else {
			util.LogWarning("failed to send frame to friend %d: %v", r.peer.number, err)
		}
		return true
	}
	util.Stats.AddSent(len(frame))
	return true
}

// Run drives the session and both datagram paths until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.session.Iterate()
		if !r.peer.set {
			continue
		}
		r.Poll()
	}
}
