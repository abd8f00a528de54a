// Package signaling implements the rendezvous service the overlay uses for
// discovery: peers register their public key over a WebSocket, then exchange
// friend requests and SDP/ICE as sealed signals routed by key. The server
// only sees ciphertext.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/udptunnel/internal/identity"
)

// messageType identifies the kind of rendezvous message.
type messageType string

const (
	msgTypeChallenge  messageType = "challenge"  // server → client: prove key ownership
	msgTypeRegister   messageType = "register"   // client → server: sealed challenge
	msgTypeRegistered messageType = "registered" // server → client: key is routable
	msgTypeRelay      messageType = "relay"      // sealed signal between two keys
	msgTypeError      messageType = "error"      // relay could not be delivered
)

// maxMessageSize bounds a single rendezvous message on the wire.
const maxMessageSize = 64 * 1024

// message is the JSON structure exchanged over the WebSocket.
type message struct {
	Type   messageType `json:"type"`
	Key    string      `json:"key,omitempty"`  // challenge: server's ephemeral public key
	From   string      `json:"from,omitempty"` // hex public key
	To     string      `json:"to,omitempty"`   // hex public key
	Nonce  []byte      `json:"nonce,omitempty"`
	Box    []byte      `json:"box,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// SignalKind identifies the payload carried inside a sealed relay message.
type SignalKind string

const (
	SignalRequest   SignalKind = "request"
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is the end-to-end payload between two overlay peers.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	NoSpam    uint32     `json:"nospam,omitempty"`    // request
	Message   string     `json:"message,omitempty"`   // request
	Session   string     `json:"session,omitempty"`   // offer, answer, candidate
	SDP       string     `json:"sdp,omitempty"`       // offer, answer
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// Incoming is a signal received from another peer, already authenticated.
type Incoming struct {
	From   identity.PublicKey
	Signal Signal
}

var (
	ErrOffline       = errors.New("not registered with rendezvous")
	ErrQueueFull     = errors.New("signaling queue full")
	ErrBadSeal       = errors.New("signal failed authentication")
	ErrBadNonce      = errors.New("invalid nonce length")
	ErrBadChallenge  = errors.New("challenge response rejected")
	ErrUnexpectedMsg = errors.New("unexpected rendezvous message")
)

// sealSignal encrypts sig for the given peer.
func sealSignal(kp *identity.KeyPair, to identity.PublicKey, sig Signal) (message, error) {
	plain, err := json.Marshal(sig)
	if err != nil {
		return message{}, err
	}
	nonce, sealed, err := kp.Seal(to, plain)
	if err != nil {
		return message{}, err
	}
	return message{
		Type:  msgTypeRelay,
		From:  kp.Public.String(),
		To:    to.String(),
		Nonce: nonce[:],
		Box:   sealed,
	}, nil
}

// openSignal authenticates and decrypts a relayed message addressed to kp.
func openSignal(kp *identity.KeyPair, msg message) (Incoming, error) {
	from, err := identity.ParsePublicKey(msg.From)
	if err != nil {
		return Incoming{}, err
	}
	nonce, err := toNonce(msg.Nonce)
	if err != nil {
		return Incoming{}, err
	}
	plain, ok := kp.Open(from, nonce, msg.Box)
	if !ok {
		return Incoming{}, fmt.Errorf("%w: from %s", ErrBadSeal, from.ShortString())
	}
	var sig Signal
	if err := json.Unmarshal(plain, &sig); err != nil {
		return Incoming{}, fmt.Errorf("failed to decode signal: %w", err)
	}
	return Incoming{From: from, Signal: sig}, nil
}

func toNonce(b []byte) ([24]byte, error) {
	var nonce [24]byte
	if len(b) != len(nonce) {
		return nonce, fmt.Errorf("%w: %d", ErrBadNonce, len(b))
	}
	copy(nonce[:], b)
	return nonce, nil
}
