package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/udptunnel/internal/identity"
	"github.com/1ureka/udptunnel/internal/util"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pongTimeout      = 75 * time.Second
	pingInterval     = 30 * time.Second
	challengeSize    = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerOptions tunes the rendezvous server.
type ServerOptions struct {
	Rate  float64 // relay messages per second allowed per connection
	Burst int
}

// DefaultServerOptions are used for zero-valued fields.
var DefaultServerOptions = ServerOptions{Rate: 50, Burst: 100}

// Server is the rendezvous: it routes sealed signals between registered keys.
type Server struct {
	opts ServerOptions

	mu    sync.Mutex
	peers map[identity.PublicKey]*peerConn
}

// peerConn serializes writes to one registered WebSocket.
type peerConn struct {
	key  identity.PublicKey
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a message to the WebSocket, guarded by a mutex.
func (p *peerConn) send(msg message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

// NewServer creates a rendezvous server.
func NewServer(opts ServerOptions) *Server {
	if opts.Rate <= 0 {
		opts.Rate = DefaultServerOptions.Rate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultServerOptions.Burst
	}
	return &Server{
		opts:  opts,
		peers: make(map[identity.PublicKey]*peerConn),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start rendezvous server: %w", err)
	}

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("rendezvous listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Peers returns the number of registered keys.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	p, err := s.handshake(conn)
	if err != nil {
		util.LogDebug("rendezvous handshake from %s failed: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "handshake failed"),
			time.Now().Add(writeTimeout))
		return
	}

	s.register(p)
	defer s.unregister(p)
	util.LogInfo("peer %s registered from %s", p.key.ShortString(), r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, done)

	s.relayLoop(p)
}

// handshake proves that the client holds the private key it registers with:
// it must seal a random challenge to the server's ephemeral key.
func (s *Server) handshake(conn *websocket.Conn) (*peerConn, error) {
	ephemeral, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(message{Type: msgTypeChallenge, Key: ephemeral.Public.String(), Box: challenge}); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Type != msgTypeRegister {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMsg, msg.Type)
	}

	key, err := identity.ParsePublicKey(msg.From)
	if err != nil {
		return nil, err
	}
	nonce, err := toNonce(msg.Nonce)
	if err != nil {
		return nil, err
	}
	answer, ok := ephemeral.Open(key, nonce, msg.Box)
	if !ok || subtle.ConstantTimeCompare(answer, challenge) != 1 {
		return nil, ErrBadChallenge
	}

	p := &peerConn{key: key, conn: conn}
	if err := p.send(message{Type: msgTypeRegistered}); err != nil {
		return nil, err
	}
	return p, nil
}

// register makes p routable; an older connection for the same key is closed.
func (s *Server) register(p *peerConn) {
	s.mu.Lock()
	old := s.peers[p.key]
	s.peers[p.key] = p
	s.mu.Unlock()

	if old != nil {
		util.LogDebug("peer %s re-registered, closing previous connection", p.key.ShortString())
		old.conn.Close()
	}
}

func (s *Server) unregister(p *peerConn) {
	s.mu.Lock()
	if s.peers[p.key] == p {
		delete(s.peers, p.key)
	}
	s.mu.Unlock()
	util.LogInfo("peer %s unregistered", p.key.ShortString())
}

func (s *Server) lookup(key identity.PublicKey) (*peerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	return p, ok
}

// relayLoop forwards relay messages from p until the connection fails.
func (s *Server) relayLoop(p *peerConn) {
	limiter := rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Burst)

	p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		var msg message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if msg.Type != msgTypeRelay {
			util.LogDebug("peer %s sent unexpected %q message", p.key.ShortString(), msg.Type)
			continue
		}
		if !limiter.Allow() {
			util.LogWarning("peer %s exceeded relay rate, dropping message", p.key.ShortString())
			continue
		}

		to, err := identity.ParsePublicKey(msg.To)
		if err != nil {
			continue
		}

		// The sender is whoever this connection proved to be.
		msg.From = p.key.String()

		target, ok := s.lookup(to)
		if !ok {
			p.send(message{Type: msgTypeError, To: msg.To, Reason: "peer offline"})
			continue
		}
		if err := target.send(msg); err != nil {
			util.LogDebug("relay %s → %s failed: %v", p.key.ShortString(), to.ShortString(), err)
		}
	}
}

// keepAlive pings the client until done is closed.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
