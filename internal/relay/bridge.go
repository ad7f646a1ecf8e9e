package relay

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bruceblink/sendmer/internal/transport"
)

// acceptWait bounds how long a receiver waits for the provider to dial
// back its side of a bridged session.
const acceptWait = 10 * time.Second

// OpenSession tells the provider to dial back an accept socket and waits
// for it to arrive. The returned connection is the provider's side of
// the bridge.
func (h *Hub) OpenSession(nodeID string) (*websocket.Conn, error) {
	session := uuid.New().String()
	ch := make(chan *websocket.Conn, 1)
	h.sessionMu.Lock()
	h.sessions[session] = ch
	h.sessionMu.Unlock()
	defer func() {
		h.sessionMu.Lock()
		delete(h.sessions, session)
		h.sessionMu.Unlock()
	}()

	notice := transport.RelayControl{Type: transport.RelayIncoming, Session: session}
	if err := h.send(nodeID, notice); err != nil {
		return nil, err
	}
	select {
	case conn := <-ch:
		return conn, nil
	case <-time.After(acceptWait):
		// The provider may still deliver into the buffered channel
		// after we give up; reap it so the socket does not leak.
		select {
		case conn := <-ch:
			_ = conn.Close()
		default:
		}
		return nil, fmt.Errorf("provider %s did not accept session %s", nodeID, session)
	}
}

// DeliverAccept routes a provider's accept socket to the session waiting
// on it. Returns false when no session is waiting, in which case the
// caller owns the connection.
func (h *Hub) DeliverAccept(session string, conn *websocket.Conn) bool {
	h.sessionMu.Lock()
	ch, ok := h.sessions[session]
	h.sessionMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- conn:
		return true
	default:
		return false
	}
}

// Bridge pipes websocket messages between the two sides until either
// closes, then closes both.
func Bridge(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pipe := func(dst, src *websocket.Conn) {
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				break
			}
			_ = dst.SetWriteDeadline(time.Now().Add(writeWait))
			if err := dst.WriteMessage(mt, data); err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
