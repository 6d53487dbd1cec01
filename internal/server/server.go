// Package server wires the gateway components together: the backend pool and
// the wire-protocol proxy.
package server

import (
	"context"
	"fmt"

	"github.com/bridgedata/bridge/internal/backend"
	"github.com/bridgedata/bridge/internal/config"
	"github.com/bridgedata/bridge/internal/proxy"
)

// Server orchestrates the gateway's components for one process.
type Server struct {
	config *config.Config
	pool   *backend.Pool
	proxy  *proxy.Proxy
}

// New creates a new server with the given config.
func New(cfg *config.Config) *Server {
	return &Server{config: cfg}
}

// Start connects to the backend and begins accepting client connections.
func (s *Server) Start(ctx context.Context) error {
	pool, err := backend.NewPool(ctx, s.config.Backend.URL)
	if err != nil {
		return fmt.Errorf("connect to backend: %w", err)
	}
	s.pool = pool

	p, err := proxy.New(s.buildProxyConfig(), pool)
	if err != nil {
		pool.Close()
		return err
	}
	s.proxy = p

	if err := s.proxy.Start(); err != nil {
		pool.Close()
		return fmt.Errorf("start proxy: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	var firstErr error

	if s.proxy != nil {
		if err := s.proxy.Stop(); err != nil {
			firstErr = err
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return firstErr
}

// Addr returns the proxy listen address.
func (s *Server) Addr() string {
	if s.proxy != nil && s.proxy.Addr() != nil {
		return s.proxy.Addr().String()
	}
	return ""
}

// ConnectionCount returns the number of connected clients.
func (s *Server) ConnectionCount() int64 {
	if s.proxy == nil {
		return 0
	}
	return s.proxy.ConnectionCount()
}

// buildProxyConfig creates a proxy config from the server config.
func (s *Server) buildProxyConfig() *proxy.Config {
	cfg := proxy.DefaultConfig()
	if s.config.Gateway.ListenAddr != "" {
		cfg.ListenAddr = s.config.Gateway.ListenAddr
	}
	if s.config.Gateway.MaxConnections > 0 {
		cfg.MaxConnections = s.config.Gateway.MaxConnections
	}
	if s.config.Gateway.IdleTimeout > 0 {
		cfg.IdleTimeout = s.config.Gateway.IdleTimeout
	}
	cfg.TLSCertFile = s.config.Gateway.TLSCertFile
	cfg.TLSKeyFile = s.config.Gateway.TLSKeyFile
	cfg.RequireTLS = s.config.Gateway.RequireTLS
	return cfg
}
