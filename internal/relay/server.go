// Package relay implements the rendezvous server. Providers keep a
// registration socket open so receivers that cannot reach them directly
// can ask the server to bridge a session between two websockets.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/bruceblink/sendmer/pkg/logger"
)

// Message is the envelope for HTTP API responses.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HealthInfo reports server liveness for monitors.
type HealthInfo struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Hostname      string `json:"hostname,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelArch    string `json:"kernel_arch,omitempty"`
	Nodes         int    `json:"nodes"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the rendezvous and relay HTTP server.
type Server struct {
	hub     *Hub
	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

func NewServer() *Server {
	s := &Server{
		hub:     NewHub(),
		started: time.Now(),
	}
	router := gin.Default()
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/nodes", s.listNodes)
	}

	router.GET("/ws", s.registerHandler)
	router.GET("/ws/connect", s.connectHandler)
	router.GET("/ws/accept", s.acceptHandler)

	s.engine = router
	s.httpSrv = &http.Server{Handler: router}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until Shutdown or listener failure.
func (s *Server) Run(addr string) error {
	s.httpSrv.Addr = addr
	logger.Log.Info("Relay server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	info := HealthInfo{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Nodes:         len(s.hub.Nodes()),
	}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = hi.Platform
		info.KernelArch = hi.KernelArch
	}
	c.JSON(http.StatusOK, Message{Type: "health_check", Payload: info})
}

func (s *Server) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, Message{Type: "node_list", Payload: s.hub.Nodes()})
}

// registerHandler upgrades a provider's registration socket.
func (s *Server) registerHandler(c *gin.Context) {
	nodeID := c.Query("node")
	if nodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node query parameter required"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	s.hub.Register(nodeID, conn)
}

// connectHandler bridges a receiver to a registered provider. The
// handler blocks for the lifetime of the transfer.
func (s *Server) connectHandler(c *gin.Context) {
	nodeID := c.Query("node")
	if !s.hub.Online(nodeID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not registered"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	provider, err := s.hub.OpenSession(nodeID)
	if err != nil {
		logger.Log.Warn("Session open failed", "node", nodeID, "err", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "provider unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	logger.Log.Info("Bridging session", "node", nodeID)
	Bridge(conn, provider)
}

// acceptHandler receives the provider's side of a bridged session.
func (s *Server) acceptHandler(c *gin.Context) {
	session := c.Query("session")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	if !s.hub.DeliverAccept(session, conn) {
		logger.Log.Warn("Accept for unknown session", "session", session)
		_ = conn.Close()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
