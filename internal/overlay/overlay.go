// Package overlay is the peer-to-peer network the tunnel rides on. A Session
// owns an identity, keeps a table of friends, and gives each connected friend
// an unreliable datagram channel (a WebRTC DataChannel without ordering or
// retransmission). Discovery and SDP/ICE exchange go through a rendezvous
// server as sealed signals; NAT traversal and transport encryption are
// WebRTC's ICE and DTLS.
//
// A Session is cooperative: pion runs its own goroutines, but they only queue
// events. Iterate drains the queue and invokes the registered callbacks on the
// caller's goroutine, so all friend state and all callbacks live on one
// goroutine. Every Session method must be called from that goroutine.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/udptunnel/internal/identity"
	"github.com/1ureka/udptunnel/internal/signaling"
	"github.com/1ureka/udptunnel/internal/util"
)

// FriendNumber is the local handle of a friend.
type FriendNumber uint32

// Connection is the reachability of self or a friend.
type Connection int

const (
	ConnectionNone Connection = iota
	ConnectionTCP             // reachable through a relay or a TCP path
	ConnectionUDP             // direct UDP path
)

func (c Connection) String() string {
	switch c {
	case ConnectionNone:
		return "none"
	case ConnectionTCP:
		return "tcp"
	case ConnectionUDP:
		return "udp"
	default:
		return fmt.Sprintf("Connection(%d)", int(c))
	}
}

const (
	// MaxCustomPacketSize is the largest lossy packet, id byte included.
	MaxCustomPacketSize = 1373

	// MaxFriendRequestSize is the largest friend request message.
	MaxFriendRequestSize = 1016

	// Lossy packet ids reserved for custom use.
	LossyPacketMin = 192
	LossyPacketMax = 254

	iterationInterval   = time.Millisecond
	requestInterval     = 5 * time.Second
	negotiationTimeout  = 20 * time.Second
	eventQueueSize      = 1024
	maxEventsPerIterate = 256
	highWaterMark       = 256 * 1024 // refuse lossy sends when bufferedAmount exceeds this
)

var (
	ErrNoRendezvous       = errors.New("no rendezvous server configured")
	ErrNoMessage          = errors.New("friend request message is empty")
	ErrMessageTooLong     = errors.New("friend request message too long")
	ErrOwnKey             = errors.New("cannot add own key as friend")
	ErrAlreadySent        = errors.New("friend already added")
	ErrFriendNotFound     = errors.New("friend not found")
	ErrFriendNotConnected = errors.New("friend not connected")
	ErrInvalidPacket      = errors.New("invalid lossy packet id")
	ErrPacketTooLong      = errors.New("lossy packet too long")
	ErrSendq              = errors.New("lossy channel send queue full")
)

// STUN servers used for hole punching when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures a Session.
type Options struct {
	Rendezvous string // ws:// or wss:// URL of the rendezvous server

	// HolePunchingEnabled gathers server-reflexive candidates via STUN.
	HolePunchingEnabled bool
	STUNServers         []string

	// LocalDiscoveryEnabled finds peers on the LAN through mDNS candidates.
	LocalDiscoveryEnabled bool

	// IncludeLoopback offers loopback candidates. Only useful when both
	// peers run on one host.
	IncludeLoopback bool

	// LoggerFactory receives the WebRTC stack's internal log output.
	LoggerFactory logging.LoggerFactory
}

// Session is one identity on the overlay.
type Session struct {
	kp     *identity.KeyPair
	nospam uint32

	api        *webrtc.API
	iceServers []webrtc.ICEServer
	rendezvous *signaling.Client

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	friends    map[FriendNumber]*friend
	byKey      map[identity.PublicKey]FriendNumber
	nextFriend FriendNumber
	selfStatus Connection

	onSelfStatus    func(Connection)
	onFriendStatus  func(FriendNumber, Connection)
	onFriendRequest func(identity.PublicKey, []byte)
	onLossyPacket   func(FriendNumber, []byte)
}

// New creates an identity and starts connecting to the rendezvous. The
// Session stops when ctx is cancelled or Close is called.
func New(ctx context.Context, opts Options) (*Session, error) {
	s, err := newSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	go s.rendezvous.Run(s.ctx)
	return s, nil
}

// newSession builds a Session without starting any network activity.
func newSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Rendezvous == "" {
		return nil, ErrNoRendezvous
	}
	u, err := url.Parse(opts.Rendezvous)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid rendezvous URL %q", opts.Rendezvous)
	}

	kp, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	nospam, err := identity.NewNoSpam()
	if err != nil {
		return nil, err
	}

	sCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		kp:         kp,
		nospam:     nospam,
		api:        newAPI(opts),
		iceServers: iceServers(opts),
		rendezvous: signaling.NewClient(opts.Rendezvous, kp),
		ctx:        sCtx,
		cancel:     cancel,
		events:     make(chan event, eventQueueSize),
		friends:    make(map[FriendNumber]*friend),
		byKey:      make(map[identity.PublicKey]FriendNumber),
	}
	return s, nil
}

// Close tears down every friend connection and leaves the rendezvous.
func (s *Session) Close() error {
	s.cancel()
	var errs []error
	for _, f := range s.friends {
		if f.pc != nil {
			errs = append(errs, f.pc.Close())
			f.pc, f.dc = nil, nil
		}
	}
	return errors.Join(errs...)
}

// SelfAddress returns the address others pass to FriendAdd.
func (s *Session) SelfAddress() identity.Address {
	return identity.NewAddress(s.kp.Public, s.nospam)
}

// SelfPublicKey returns the local public key.
func (s *Session) SelfPublicKey() identity.PublicKey {
	return s.kp.Public
}

// IterationInterval is the suggested delay between two Iterate calls.
func (s *Session) IterationInterval() time.Duration {
	return iterationInterval
}

// ---------------------------------------------------------------------------
// Callback registration
// ---------------------------------------------------------------------------

// OnSelfConnectionStatus is called when rendezvous reachability changes.
func (s *Session) OnSelfConnectionStatus(fn func(Connection)) { s.onSelfStatus = fn }

// OnFriendConnectionStatus is called when a friend's connection changes.
func (s *Session) OnFriendConnectionStatus(fn func(FriendNumber, Connection)) {
	s.onFriendStatus = fn
}

// OnFriendRequest is called for a request from a key that is not a friend.
func (s *Session) OnFriendRequest(fn func(identity.PublicKey, []byte)) { s.onFriendRequest = fn }

// OnFriendLossyPacket is called for every lossy packet in the custom range.
// The slice is only valid for the duration of the call.
func (s *Session) OnFriendLossyPacket(fn func(FriendNumber, []byte)) { s.onLossyPacket = fn }

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

// Iterate processes pending network events and timers and invokes the
// callbacks. It never blocks.
func (s *Session) Iterate() {
	s.pollRendezvous()

drain:
	for range maxEventsPerIterate {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			break drain
		}
	}

	s.runTimers(time.Now())
}

// pollRendezvous consumes status changes and signals without blocking.
func (s *Session) pollRendezvous() {
	for range maxEventsPerIterate {
		select {
		case online := <-s.rendezvous.Status():
			status := ConnectionNone
			if online {
				status = ConnectionTCP
			}
			if status != s.selfStatus {
				s.selfStatus = status
				if s.onSelfStatus != nil {
					s.onSelfStatus(status)
				}
			}
		case in := <-s.rendezvous.Incoming():
			s.handleSignal(in)
		default:
			return
		}
	}
}

// post queues a state event from a pion goroutine.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// postLossy queues a received packet, dropping it when the queue is full.
func (s *Session) postLossy(ev lossyPacketEvent) {
	select {
	case s.events <- ev:
	default:
		util.LogDebug("event queue full, dropping lossy packet from friend %d", ev.friend)
	}
}

// sendSignal is best-effort; lost signals are recovered by request resends
// and negotiation timeouts.
func (s *Session) sendSignal(to identity.PublicKey, sig signaling.Signal) {
	if err := s.rendezvous.Send(to, sig); err != nil {
		util.LogDebug("failed to send %s to %s: %v", sig.Kind, to.ShortString(), err)
	}
}
