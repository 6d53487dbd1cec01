// Package proxy runs the gateway's listener: it accepts PostgreSQL client
// connections, performs the wire-protocol handshake and hands each session to
// the router, which executes against the backend pool.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgedata/bridge/internal/backend"
	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/pgwire"
	"github.com/bridgedata/bridge/internal/router"
	"github.com/bridgedata/bridge/pkg/logger"
)

var ErrProxyClosed = errors.New("proxy server closed")

// Config holds proxy configuration
type Config struct {
	ListenAddr     string
	MaxConnections int
	IdleTimeout    time.Duration

	TLSCertFile string
	TLSKeyFile  string
	RequireTLS  bool
}

// DefaultConfig returns default proxy configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":6432",
		MaxConnections: 100,
		IdleTimeout:    5 * time.Minute,
	}
}

// Proxy is the gateway's connection acceptor.
type Proxy struct {
	config    *Config
	backends  func() executor.Backend
	tlsConfig *tls.Config
	listener  net.Listener

	// Connection tracking
	connections sync.Map // ConnID -> *router.Session
	connCount   atomic.Int64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a new proxy server over a shared backend pool.
func New(config *Config, pool *backend.Pool) (*Proxy, error) {
	var tlsConfig *tls.Config
	if config.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		config:    config,
		backends:  func() executor.Backend { return pool.Session() },
		tlsConfig: tlsConfig,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the proxy server
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.config.ListenAddr, err)
	}
	p.listener = listener

	p.wg.Add(1)
	go p.acceptLoop()

	return nil
}

// Stop gracefully stops the proxy server
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	if p.listener != nil {
		_ = p.listener.Close()
	}

	// Close every tracked client so sessions blocked on a read unwind.
	p.connections.Range(func(_, value any) bool {
		if session, ok := value.(*router.Session); ok {
			_ = session.Close()
		}
		return true
	})

	p.wg.Wait()
	return nil
}

// Addr returns the listener address
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ConnectionCount returns the number of active connections
func (p *Proxy) ConnectionCount() int64 {
	return p.connCount.Load()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
				logger.Error("accept failed", "err", err)
				continue
			}
		}

		if p.config.MaxConnections > 0 && p.connCount.Load() >= int64(p.config.MaxConnections) {
			logger.Warn("connection limit reached, refusing client", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		p.wg.Add(1)
		go p.handleConnection(conn)
	}
}

func (p *Proxy) handleConnection(conn net.Conn) {
	defer p.wg.Done()

	client := pgwire.NewClientConn(conn)
	if p.config.IdleTimeout > 0 {
		client.SetIdleTimeout(p.config.IdleTimeout)
	}
	p.connCount.Add(1)
	defer func() {
		p.connCount.Add(-1)
		p.connections.Delete(client.ID())
		_ = client.Close()
	}()

	session := router.NewSession(client, executor.New(p.backends()))

	// Track before the handshake so Stop can unwind a client that stalls
	// mid-startup.
	p.connections.Store(client.ID(), session)

	err := client.Handshake(pgwire.HandshakeConfig{
		TLSConfig:  p.tlsConfig,
		RequireTLS: p.config.RequireTLS,
		Parameters: statusParameters(session),
	})
	if err != nil {
		if !errors.Is(err, pgwire.ErrCancelRequest) {
			logger.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		}
		session.Cleanup(p.ctx)
		return
	}

	logger.Info("client connected",
		"conn", client.ID(), "user", client.User(), "database", client.Database(),
		"tls", client.TLSActive())

	err = session.HandleMessages(p.ctx)
	session.Cleanup(p.ctx)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("session ended", "conn", client.ID(), "err", err)
		return
	}
	logger.Info("client disconnected", "conn", client.ID())
}

// statusParameters sources the post-auth ParameterStatus burst from the
// session's own configuration, so clients see the same values SHOW reports.
func statusParameters(session *router.Session) pgwire.ParameterSource {
	names := []string{
		"server_version",
		"client_encoding",
		"application_name",
		"DateStyle",
		"TimeZone",
		"integer_datetimes",
		"standard_conforming_strings",
	}
	return func() [][2]string {
		params := make([][2]string, 0, len(names))
		for _, name := range names {
			value, err := session.State().Show("", name)
			if err != nil {
				continue
			}
			params = append(params, [2]string{name, value})
		}
		return params
	}
}
