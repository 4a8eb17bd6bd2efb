package turn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"callmesh/pkg/config"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// Config describes the embedded relay offered to call agents behind
// symmetric NATs.
type Config struct {
	Address  string
	PublicIP string
	Realm    string
	MinPort  uint16
	MaxPort  uint16
	Users    map[string]string
}

func ConfigFromSettings(cfg *config.Config) Config {
	users := make(map[string]string, len(cfg.TURN.Users))
	for _, u := range cfg.TURN.Users {
		users[u.Username] = u.Password
	}
	return Config{
		Address:  cfg.TURN.Address,
		PublicIP: cfg.TURN.PublicIP,
		Realm:    cfg.TURN.Realm,
		MinPort:  cfg.TURN.MinPort,
		MaxPort:  cfg.TURN.MaxPort,
		Users:    users,
	}
}

type Stats struct {
	ActiveAllocations int           `json:"active_allocations"`
	Uptime            time.Duration `json:"uptime"`
}

// Server wraps a pion TURN server listening on one UDP socket.
type Server struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	server    *turn.Server
	conn      net.PacketConn
	startTime time.Time
}

func NewServer(cfg Config, logger *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("TURN server is already running")
	}

	relayIP := net.ParseIP(s.cfg.PublicIP)
	if relayIP == nil {
		return fmt.Errorf("invalid TURN public ip %q", s.cfg.PublicIP)
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: relayIP,
		Address:      "0.0.0.0",
		MinPort:      s.cfg.MinPort,
		MaxPort:      s.cfg.MaxPort,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("failed to validate relay address generator: %w", err)
	}

	keys := make(map[string][]byte, len(s.cfg.Users))
	for user, password := range s.cfg.Users {
		keys[user] = turn.GenerateAuthKey(user, s.cfg.Realm, password)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				s.logger.Debugw("TURN auth rejected", "username", username, "remote", srcAddr.String())
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		}},
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create TURN server: %w", err)
	}

	s.server = server
	s.conn = conn
	s.startTime = time.Now()

	s.logger.Infow("TURN server started",
		"address", conn.LocalAddr().String(),
		"public_ip", s.cfg.PublicIP,
		"realm", s.cfg.Realm,
		"relay_ports", fmt.Sprintf("%d-%d", s.cfg.MinPort, s.cfg.MaxPort),
	)
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server != nil
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return Stats{}
	}
	return Stats{
		ActiveAllocations: s.server.AllocationCount(),
		Uptime:            time.Since(s.startTime),
	}
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close TURN server: %w", err)
	}
	s.logger.Info("TURN server stopped")
	return nil
}
