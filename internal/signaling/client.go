package signaling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/udptunnel/internal/identity"
	"github.com/1ureka/udptunnel/internal/util"
)

const (
	outboxSize   = 64
	incomingSize = 64
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

// Client keeps a registration with the rendezvous alive and exchanges sealed
// signals with other peers through it. Send never blocks; received signals
// and online/offline transitions are delivered on channels so the owner can
// poll them without blocking.
type Client struct {
	url string
	kp  *identity.KeyPair

	online   atomic.Bool
	outbox   chan message
	incoming chan Incoming
	status   chan bool
}

// NewClient creates a client for the rendezvous at url. Call Run to connect.
func NewClient(url string, kp *identity.KeyPair) *Client {
	return &Client{
		url:      url,
		kp:       kp,
		outbox:   make(chan message, outboxSize),
		incoming: make(chan Incoming, incomingSize),
		status:   make(chan bool, 8),
	}
}

// Incoming returns the channel of authenticated signals from other peers.
func (c *Client) Incoming() <-chan Incoming { return c.incoming }

// Status returns the channel of registration state changes.
func (c *Client) Status() <-chan bool { return c.status }

// Online reports whether the client is currently registered.
func (c *Client) Online() bool { return c.online.Load() }

// Send seals sig for peer and queues it. It fails immediately when offline
// or when the queue is full; signals are best-effort.
func (c *Client) Send(to identity.PublicKey, sig Signal) error {
	if !c.online.Load() {
		return ErrOffline
	}
	msg, err := sealSignal(c.kp, to, sig)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run connects and reconnects with capped exponential backoff until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if registered {
			backoff = minBackoff
		}
		util.LogWarning("rendezvous connection lost: %v (retrying in %s)", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connection: handshake, then read until failure.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to rendezvous: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	if err := c.handshake(conn); err != nil {
		return false, err
	}

	sCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock ReadJSON when the session or the client is done.
	go func() {
		<-sCtx.Done()
		conn.Close()
	}()

	// Drop anything queued for a previous connection.
	for len(c.outbox) > 0 {
		<-c.outbox
	}

	c.setOnline(ctx, true)
	defer c.setOnline(ctx, false)
	util.LogInfo("registered with rendezvous %s", c.url)

	go c.writeLoop(sCtx, conn)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch msg.Type {
		case msgTypeRelay:
			in, err := openSignal(c.kp, msg)
			if err != nil {
				util.LogDebug("discarding signal: %v", err)
				continue
			}
			select {
			case c.incoming <- in:
			case <-sCtx.Done():
				return true, sCtx.Err()
			}
		case msgTypeError:
			util.LogDebug("rendezvous could not deliver to %.8s: %s", msg.To, msg.Reason)
		}
	}
}

// handshake answers the server's challenge and waits for registration.
func (c *Client) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var challenge message
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}
	if challenge.Type != msgTypeChallenge {
		return fmt.Errorf("%w: %s", ErrUnexpectedMsg, challenge.Type)
	}
	serverKey, err := identity.ParsePublicKey(challenge.Key)
	if err != nil {
		return err
	}

	nonce, sealed, err := c.kp.Seal(serverKey, challenge.Box)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(message{
		Type:  msgTypeRegister,
		From:  c.kp.Public.String(),
		Nonce: nonce[:],
		Box:   sealed,
	}); err != nil {
		return err
	}

	var ack message
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("registration rejected: %w", err)
	}
	if ack.Type != msgTypeRegistered {
		return fmt.Errorf("%w: %s", ErrUnexpectedMsg, ack.Type)
	}
	return nil
}

// writeLoop is the single writer for conn.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				util.LogDebug("rendezvous write failed: %v", err)
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setOnline(ctx context.Context, online bool) {
	c.online.Store(online)
	select {
	case c.status <- online:
	case <-ctx.Done():
	}
}
