package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bruceblink/sendmer/pkg/logger"
)

const dialTimeout = 5 * time.Second

// Options configures an Endpoint. Zero values mean: fresh identity, bind to
// an ephemeral port, no STUN discovery, no relay.
type Options struct {
	Secret     string
	Bind       string
	StunServer string
	RelayURL   string
}

// Endpoint is one side of the peer-to-peer link: a TCP listener with
// optional STUN-discovered public address and optional relay registration.
type Endpoint struct {
	opts Options
	priv ed25519.PrivateKey
	id   NodeID

	ln      net.Listener
	accepts chan Conn
	ready   chan struct{}

	mu       sync.RWMutex
	direct   []string
	relayURL string
	relay    *RelayClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEndpoint(opts Options) (*Endpoint, error) {
	secret := opts.Secret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return nil, err
		}
	}
	priv, id, err := KeyFromSecret(secret)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		opts:    opts,
		priv:    priv,
		id:      id,
		accepts: make(chan Conn, 16),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (e *Endpoint) NodeID() NodeID {
	return e.id
}

// Bind starts listening and kicks off address discovery. Discovery runs in
// the background; wait on Online before publishing the address.
func (e *Endpoint) Bind(ctx context.Context) error {
	bind := e.opts.Bind
	if bind == "" {
		bind = "0.0.0.0:0"
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("bind %s: %w", bind, err)
	}
	e.ln = ln
	e.mu.Lock()
	e.direct = listenerAddrs(ln)
	e.mu.Unlock()
	logger.Log.Info("Endpoint bound", "node", e.id.Short(), "addrs", e.direct)

	e.wg.Add(1)
	go e.acceptLoop()
	go e.discover()
	return nil
}

// Online blocks until address discovery has settled or ctx expires. A
// deadline here is non-fatal; the endpoint stays usable with the addresses
// it has.
func (e *Endpoint) Online(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr reports the current publishable address descriptor.
func (e *Endpoint) Addr() NodeAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	direct := make([]string, len(e.direct))
	copy(direct, e.direct)
	return NodeAddr{ID: e.id, Direct: direct, Relay: e.relayURL}
}

// Accept yields inbound connections, both direct and relayed.
func (e *Endpoint) Accept() <-chan Conn {
	return e.accepts
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		c, err := e.ln.Accept()
		if err != nil {
			if e.ctx.Err() == nil {
				logger.Log.Warn("Accept failed", "err", err)
			}
			return
		}
		select {
		case e.accepts <- &tcpConn{Conn: c, remote: ""}:
		case <-e.ctx.Done():
			_ = c.Close()
			return
		}
	}
}

// discover resolves the public address over STUN and registers with the
// relay, then marks the endpoint online.
func (e *Endpoint) discover() {
	defer close(e.ready)
	if e.opts.StunServer != "" {
		sc := NewSTUNClient(e.opts.StunServer)
		public, err := sc.QueryEndpoint()
		if err != nil {
			logger.Log.Warn("STUN discovery failed, publishing local addresses only", "err", err)
		} else {
			e.mu.Lock()
			if !contains(e.direct, public) {
				e.direct = append(e.direct, public)
			}
			e.mu.Unlock()
		}
	}
	if e.opts.RelayURL != "" {
		rc := newRelayClient(e.opts.RelayURL, e.id, e.accepts, e.ctx)
		if err := rc.Register(); err != nil {
			logger.Log.Warn("Continuing without relay", "err", err)
		} else {
			e.mu.Lock()
			e.relay = rc
			e.relayURL = e.opts.RelayURL
			e.mu.Unlock()
			go rc.Supervise()
		}
	}
}

// Connect dials the remote node: every direct address first, then the
// ticket's relay, then the locally configured relay. The handshake frame is
// written before the connection is handed back.
func (e *Endpoint) Connect(ctx context.Context, addr NodeAddr) (Conn, error) {
	reqID := uuid.NewString()
	hs := Handshake{Proto: Proto, Node: string(e.id), Request: reqID}

	var lastErr error
	for _, a := range addr.Direct {
		d := net.Dialer{Timeout: dialTimeout}
		nc, err := d.DialContext(ctx, "tcp", a)
		if err != nil {
			logger.Log.Debug("Direct dial failed", "addr", a, "err", err)
			lastErr = err
			continue
		}
		conn := &tcpConn{Conn: nc, remote: addr.ID}
		if err := WriteFrame(conn, hs); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		logger.Log.Info("Connected directly", "addr", a, "node", addr.ID.Short(), "request", reqID)
		return conn, nil
	}

	relayURL := addr.Relay
	if relayURL == "" {
		relayURL = e.opts.RelayURL
	}
	if relayURL != "" {
		wsURL, err := buildWSURL(relayURL, "/ws/connect", "node", string(addr.ID))
		if err != nil {
			return nil, err
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("relay connect to %s failed: %w", addr.ID.Short(), err)
		}
		conn := newWSConn(ws, addr.ID)
		if err := WriteFrame(conn, hs); err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Log.Info("Connected via relay", "relay", relayURL, "node", addr.ID.Short(), "request", reqID)
		return conn, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no reachable address for node %s: %w", addr.ID.Short(), lastErr)
	}
	return nil, fmt.Errorf("no reachable address for node %s", addr.ID.Short())
}

// Shutdown stops accepting, deregisters from the relay and waits for the
// accept loop, bounded by ctx.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.cancel()
	if e.ln != nil {
		_ = e.ln.Close()
	}
	e.mu.Lock()
	relay := e.relay
	e.relay = nil
	e.mu.Unlock()
	if relay != nil {
		relay.Close()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// listenerAddrs expands an unspecified listen address into the dialable
// per-interface addresses.
func listenerAddrs(ln net.Listener) []string {
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return []string{ln.Addr().String()}
	}
	port := strconv.Itoa(tcp.Port)
	if !tcp.IP.IsUnspecified() {
		return []string{net.JoinHostPort(tcp.IP.String(), port)}
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{net.JoinHostPort("127.0.0.1", port)}
	}
	var out []string
	for _, a := range ifaceAddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, net.JoinHostPort(ipnet.IP.String(), port))
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", port))
	}
	return out
}
