package relay

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/bruceblink/sendmer/internal/transport"
	"github.com/bruceblink/sendmer/pkg/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// Control sockets carry small JSON messages only; transfer payloads
	// travel over bridged sockets.
	maxControlBytes = 8192
)

// node is one registered provider and its control socket.
type node struct {
	id       string
	conn     *websocket.Conn
	lastSeen time.Time
	sendCh   chan transport.RelayControl
	done     chan struct{}
	once     sync.Once
}

func (n *node) close() {
	n.once.Do(func() {
		close(n.done)
		_ = n.conn.Close()
	})
}

// NodeInfo is the /api/v1/nodes view of a registered provider.
type NodeInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// Hub tracks registered provider nodes and brokers bridged sessions
// between them and connecting receivers.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*node

	sessionMu sync.Mutex
	sessions  map[string]chan *websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		nodes:    make(map[string]*node),
		sessions: make(map[string]chan *websocket.Conn),
	}
}

// Register stores a provider's control socket, replacing any previous
// registration under the same id, and starts its pumps. The provider
// receives a confirmation message once the write pump is running.
func (h *Hub) Register(id string, conn *websocket.Conn) {
	n := &node{
		id:       id,
		conn:     conn,
		lastSeen: time.Now(),
		sendCh:   make(chan transport.RelayControl, 16),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	if old, ok := h.nodes[id]; ok {
		logger.Log.Info("Node reconnecting", "node", id)
		old.close()
	} else {
		logger.Log.Info("Node registered", "node", id)
	}
	h.nodes[id] = n
	h.mu.Unlock()

	go h.readPump(n)
	go h.writePump(n)

	n.sendCh <- transport.RelayControl{Type: transport.RelayRegistered, Node: id}
}

// Online reports whether a provider currently holds a registration.
func (h *Hub) Online(id string) bool {
	h.mu.RLock()
	_, ok := h.nodes[id]
	h.mu.RUnlock()
	return ok
}

// Nodes lists registered providers for the HTTP API.
func (h *Hub) Nodes() []NodeInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NodeInfo, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, NodeInfo{ID: n.id, LastSeen: n.lastSeen})
	}
	return out
}

// send queues a control message for a node's write pump.
func (h *Hub) send(id string, msg transport.RelayControl) error {
	h.mu.RLock()
	n, ok := h.nodes[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %s not connected", id)
	}
	select {
	case n.sendCh <- msg:
		return nil
	case <-n.done:
		return fmt.Errorf("node %s disconnected", id)
	default:
		return fmt.Errorf("node %s send queue full", id)
	}
}

// unregister drops the node unless a newer registration replaced it.
func (h *Hub) unregister(n *node) {
	h.mu.Lock()
	if cur, ok := h.nodes[n.id]; ok && cur == n {
		delete(h.nodes, n.id)
	}
	h.mu.Unlock()
	n.close()
}

func (h *Hub) readPump(n *node) {
	defer h.unregister(n)
	n.conn.SetReadLimit(maxControlBytes)
	_ = n.conn.SetReadDeadline(time.Now().Add(pongWait))
	n.conn.SetPongHandler(func(string) error {
		_ = n.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.mu.Lock()
		n.lastSeen = time.Now()
		h.mu.Unlock()
		return nil
	})
	for {
		if _, _, err := n.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("Control socket closed", "node", n.id, "err", err)
			}
			return
		}
		_ = n.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.mu.Lock()
		n.lastSeen = time.Now()
		h.mu.Unlock()
	}
}

func (h *Hub) writePump(n *node) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer n.close()
	for {
		select {
		case msg := <-n.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Log.Error("Control message marshal failed", "node", n.id, "err", err)
				continue
			}
			_ = n.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := n.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Log.Warn("Control send failed", "node", n.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = n.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := n.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-n.done:
			return
		}
	}
}
