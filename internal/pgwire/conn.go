package pgwire

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidStartup   = errors.New("invalid startup message")
	ErrCancelRequest    = errors.New("cancel request")
	ErrTLSRequired      = errors.New("connection requires TLS")
	ErrSSLRenegotiation = errors.New("duplicate SSL negotiation request")
)

// ConnID is a unique connection identifier.
type ConnID uint64

var connIDCounter uint64

func nextConnID() ConnID {
	return ConnID(atomic.AddUint64(&connIDCounter, 1))
}

// ParameterSource supplies the ParameterStatus values announced after
// authentication, in the order they should be sent.
type ParameterSource func() [][2]string

// HandshakeConfig controls startup behavior for one connection.
type HandshakeConfig struct {
	// TLSConfig enables in-place TLS upgrades on SSLRequest. Nil declines.
	TLSConfig *tls.Config
	// RequireTLS closes plaintext connections before authentication.
	RequireTLS bool
	// Parameters sources the post-auth ParameterStatus messages.
	Parameters ParameterSource
}

// ClientConn represents one client connection to the gateway.
type ClientConn struct {
	id        ConnID
	conn      net.Conn
	params    map[string]string
	database  string
	user      string
	pid       int32
	secretKey int32
	tlsActive bool

	// sslRequests counts TLS negotiation attempts seen during startup.
	sslRequests int

	// idleTimeout bounds how long the connection may sit without inbound
	// traffic; zero disables the limit.
	idleTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewClientConn creates a connection wrapper around an accepted socket.
func NewClientConn(conn net.Conn) *ClientConn {
	var pidBytes, keyBytes [4]byte
	_, _ = rand.Read(pidBytes[:])
	_, _ = rand.Read(keyBytes[:])

	return &ClientConn{
		id:        nextConnID(),
		conn:      conn,
		params:    make(map[string]string),
		pid:       int32(pidBytes[0])<<24 | int32(pidBytes[1])<<16 | int32(pidBytes[2])<<8 | int32(pidBytes[3]),
		secretKey: int32(keyBytes[0])<<24 | int32(keyBytes[1])<<16 | int32(keyBytes[2])<<8 | int32(keyBytes[3]),
	}
}

// ID returns the connection ID.
func (c *ClientConn) ID() ConnID {
	return c.id
}

// Database returns the database name from the startup message.
func (c *ClientConn) Database() string {
	return c.database
}

// User returns the username from the startup message.
func (c *ClientConn) User() string {
	return c.user
}

// Params returns the startup parameters.
func (c *ClientConn) Params() map[string]string {
	return c.params
}

// SSLRequestCount reports how many TLS negotiation requests this connection
// sent during startup.
func (c *ClientConn) SSLRequestCount() int {
	return c.sslRequests
}

// TLSActive reports whether the transport was upgraded to TLS.
func (c *ClientConn) TLSActive() bool {
	return c.tlsActive
}

// RemoteAddr returns the client's remote address.
func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// SetDeadline sets the read/write deadline.
func (c *ClientConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetIdleTimeout arms an inactivity limit. Every inbound read re-arms the
// deadline; a connection that stays silent past the limit fails its next
// read and the session ends.
func (c *ClientConn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

// armDeadline pushes the read/write deadline out by the idle timeout.
func (c *ClientConn) armDeadline() {
	if c.idleTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(c.idleTimeout))
	}
}

// Handshake performs the startup sequence: TLS negotiation, startup message,
// authentication and the post-auth message burst. The gateway trusts the
// client identity from the startup message; authentication happens against
// the backend with the gateway's own credentials.
func (c *ClientConn) Handshake(cfg HandshakeConfig) error {
	version, params, err := c.readStartup(cfg.TLSConfig)
	if err != nil {
		return err
	}

	if version != ProtocolVersionNumber {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidStartup, version)
	}

	c.params = params
	c.user = params["user"]
	c.database = params["database"]
	if c.database == "" {
		c.database = c.user
	}

	if cfg.RequireTLS && !c.tlsActive {
		// Refuse before authenticating. The error is fatal for the session
		// but the message still goes out so the client can report a cause.
		_ = WriteMessage(c.conn, MsgErrorResponse, BuildErrorResponse(
			"FATAL", "08P01", "connection requires a TLS transport", ""))
		return ErrTLSRequired
	}

	return c.sendPostAuthMessages(cfg.Parameters)
}

// readStartup reads startup messages until an actual startup arrives,
// handling SSL and GSSENC negotiation. At most one SSLRequest is accepted; a
// repeat is a protocol violation.
func (c *ClientConn) readStartup(tlsConfig *tls.Config) (version int32, params map[string]string, err error) {
	for {
		c.armDeadline()
		payload, err := ReadStartupMessage(c.conn)
		if err != nil {
			return 0, nil, fmt.Errorf("reading startup: %w", err)
		}
		version, params, err = ParseStartupMessage(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing startup: %w", err)
		}

		switch version {
		case SSLRequestCode:
			c.sslRequests++
			if c.sslRequests > 1 {
				return 0, nil, ErrSSLRenegotiation
			}
			if tlsConfig == nil {
				// Single-byte decline; the client may retry in plaintext.
				if _, err := c.conn.Write([]byte{'N'}); err != nil {
					return 0, nil, err
				}
				continue
			}
			if _, err := c.conn.Write([]byte{'S'}); err != nil {
				return 0, nil, err
			}
			tlsConn := tls.Server(c.conn, tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return 0, nil, fmt.Errorf("tls handshake: %w", err)
			}
			c.conn = tlsConn
			c.tlsActive = true

		case GSSENCRequestCode:
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return 0, nil, err
			}

		case CancelRequestCode:
			return 0, nil, ErrCancelRequest

		default:
			return version, params, nil
		}
	}
}

// sendPostAuthMessages sends AuthenticationOk, BackendKeyData, the
// ParameterStatus burst and the first ReadyForQuery.
func (c *ClientConn) sendPostAuthMessages(parameters ParameterSource) error {
	if err := c.WriteMessage(MsgAuthentication, BuildAuthenticationOk()); err != nil {
		return err
	}
	if err := c.WriteMessage(MsgBackendKeyData, BuildBackendKeyData(c.pid, c.secretKey)); err != nil {
		return err
	}

	if parameters != nil {
		for _, p := range parameters() {
			if err := c.WriteMessage(MsgParameterStatus, BuildParameterStatus(p[0], p[1])); err != nil {
				return err
			}
		}
	}

	return c.SendReadyForQuery(TxStatusIdle)
}

// ReadMessage reads the next framed message from the client.
func (c *ClientConn) ReadMessage() (msgType byte, payload []byte, err error) {
	c.armDeadline()
	return ReadMessage(c.conn)
}

// WriteMessage writes a framed message to the client.
func (c *ClientConn) WriteMessage(msgType byte, payload []byte) error {
	return WriteMessage(c.conn, msgType, payload)
}

// SendError sends an ErrorResponse.
func (c *ClientConn) SendError(severity, code, message, hint string) error {
	return c.WriteMessage(MsgErrorResponse, BuildErrorResponse(severity, code, message, hint))
}

// SendNotice sends a NoticeResponse.
func (c *ClientConn) SendNotice(severity, code, message string) error {
	return c.WriteMessage(MsgNoticeResponse, BuildNoticeResponse(severity, code, message))
}

// SendReadyForQuery sends a ReadyForQuery with the given transaction status.
func (c *ClientConn) SendReadyForQuery(txStatus byte) error {
	return c.WriteMessage(MsgReadyForQuery, BuildReadyForQuery(txStatus))
}

// SendCommandComplete sends a CommandComplete with the given tag.
func (c *ClientConn) SendCommandComplete(tag string) error {
	return c.WriteMessage(MsgCommandComplete, BuildCommandComplete(tag))
}
