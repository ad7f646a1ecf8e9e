package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bruceblink/sendmer/pkg/logger"
)

// Relay control message types.
const (
	RelayRegistered = "registered"
	RelayIncoming   = "incoming"
)

// RelayControl flows over a provider's registration socket.
type RelayControl struct {
	Type    string `json:"type"`
	Node    string `json:"node,omitempty"`
	Session string `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	relayReadWait    = 90 * time.Second
	relayWriteWait   = 10 * time.Second
	relayRedialDelay = 5 * time.Second
	relayMaxRedials  = 5
)

// RelayClient keeps a provider registered with a relay server and turns
// incoming-session notices into accepted connections.
type RelayClient struct {
	relayURL string
	nodeID   NodeID
	accepts  chan<- Conn

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	conn   *websocket.Conn
	wg     sync.WaitGroup
}

func newRelayClient(relayURL string, id NodeID, accepts chan<- Conn, parent context.Context) *RelayClient {
	ctx, cancel := context.WithCancel(parent)
	return &RelayClient{
		relayURL: relayURL,
		nodeID:   id,
		accepts:  accepts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register dials the relay and registers this node. The caller starts
// Supervise afterwards; a registration failure only disables the relay
// path.
func (rc *RelayClient) Register() error {
	wsURL, err := buildWSURL(rc.relayURL, "/ws", "node", string(rc.nodeID))
	if err != nil {
		return err
	}
	logger.Log.Info("Registering with relay", "url", wsURL)
	conn, _, err := websocket.DefaultDialer.DialContext(rc.ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("relay registration failed: %w", err)
	}
	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()
	return nil
}

// Supervise pumps the registration socket and re-registers after drops,
// giving up after relayMaxRedials consecutive failures.
func (rc *RelayClient) Supervise() {
	rc.wg.Add(1)
	defer rc.wg.Done()
	for {
		err := rc.readPump()
		if rc.ctx.Err() != nil {
			return
		}
		logger.Log.Warn("Relay registration socket lost", "err", err)
		if !rc.redial() {
			logger.Log.Error("Giving up on relay after repeated redial failures")
			return
		}
	}
}

func (rc *RelayClient) redial() bool {
	for attempt := 1; attempt <= relayMaxRedials; attempt++ {
		select {
		case <-rc.ctx.Done():
			return false
		case <-time.After(relayRedialDelay):
		}
		if err := rc.Register(); err != nil {
			logger.Log.Warn("Relay redial failed", "attempt", attempt, "err", err)
			continue
		}
		return true
	}
	return false
}

func (rc *RelayClient) readPump() error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not registered")
	}
	_ = conn.SetReadDeadline(time.Now().Add(relayReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(relayReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(relayWriteWait))
	})
	for {
		var msg RelayControl
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case RelayRegistered:
			logger.Log.Info("Relay registration confirmed", "node", rc.nodeID.Short())
		case RelayIncoming:
			go rc.acceptSession(msg.Session)
		default:
			logger.Log.Debug("Unknown relay control message", "type", msg.Type)
		}
	}
}

// acceptSession opens the bridged socket for one incoming session and hands
// it to the endpoint's accept channel.
func (rc *RelayClient) acceptSession(session string) {
	wsURL, err := buildWSURL(rc.relayURL, "/ws/accept", "session", session)
	if err != nil {
		logger.Log.Error("Bad relay URL", "err", err)
		return
	}
	conn, _, err := websocket.DefaultDialer.DialContext(rc.ctx, wsURL, nil)
	if err != nil {
		logger.Log.Error("Failed to accept relayed session", "session", session, "err", err)
		return
	}
	logger.Log.Info("Accepted relayed session", "session", session)
	select {
	case rc.accepts <- newWSConn(conn, ""):
	case <-rc.ctx.Done():
		_ = conn.Close()
	}
}

func (rc *RelayClient) Close() {
	rc.cancel()
	rc.mu.Lock()
	if rc.conn != nil {
		_ = rc.conn.Close()
	}
	rc.mu.Unlock()
	rc.wg.Wait()
}

// buildWSURL turns a relay base URL (http, https, ws or wss) into a
// websocket URL with one query parameter.
func buildWSURL(base, path, key, val string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u = u.JoinPath(path)
	q := u.Query()
	q.Set(key, val)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
