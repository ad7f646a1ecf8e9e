package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v2"

	"github.com/bruceblink/sendmer/pkg/logger"
)

// STUNClient resolves the endpoint's public address as seen from outside
// the local NAT.
type STUNClient struct {
	serverAddr      string
	mu              sync.RWMutex
	currentEndpoint string
	lastQuery       time.Time
}

func NewSTUNClient(serverAddr string) *STUNClient {
	return &STUNClient{serverAddr: serverAddr}
}

func (s *STUNClient) CurrentEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentEndpoint
}

// QueryEndpoint performs one binding request and caches the mapped address.
func (s *STUNClient) QueryEndpoint() (string, error) {
	conn, err := net.Dial("udp", s.serverAddr)
	if err != nil {
		return "", fmt.Errorf("failed to dial STUN server: %w", err)
	}
	defer conn.Close()
	client, err := stun.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("failed to create STUN client: %w", err)
	}
	defer client.Close()
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	var queryErr error
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			queryErr = res.Error
			return
		}
		if err := xorAddr.GetFrom(res.Message); err != nil {
			queryErr = fmt.Errorf("failed to get XOR mapped address: %w", err)
		}
	})
	if queryErr != nil {
		return "", queryErr
	}
	if err != nil {
		return "", fmt.Errorf("STUN query failed: %w", err)
	}
	endpoint := fmt.Sprintf("%s:%d", xorAddr.IP.String(), xorAddr.Port)
	s.mu.Lock()
	if s.currentEndpoint != endpoint {
		s.currentEndpoint = endpoint
		logger.Log.Info("STUN endpoint discovered", "endpoint", endpoint)
	}
	s.lastQuery = time.Now()
	s.mu.Unlock()
	return endpoint, nil
}
