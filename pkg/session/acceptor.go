package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/mtls"
	"github.com/vesselops/vessel-agent/pkg/observability"
)

// ErrAcceptorClosed is returned by Connect after Close
var ErrAcceptorClosed = errors.New("acceptor closed")

// TokenVerifier checks bearer tokens presented by the control plane
type TokenVerifier interface {
	Validate(token, identity string) (*mtls.SessionClaims, error)
}

// AcceptorConfig contains configuration for inbound sessions
type AcceptorConfig struct {
	Addr     string
	Identity string

	// Verifier, when set, makes a valid bearer token mandatory
	Verifier TokenVerifier

	// HandoffTimeout bounds how long an upgraded connection waits for
	// Connect before it is refused
	HandoffTimeout time.Duration

	Logger *zap.Logger
}

// Acceptor serves the connect endpoint and hands each upgraded connection to
// a waiting Connect call. A newer inbound session replaces the current one.
type Acceptor struct {
	addr     string
	identity string
	verifier TokenVerifier
	handoff  time.Duration
	logger   *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	incoming  chan *wsChannel
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	current *wsChannel
}

const defaultHandoffTimeout = 5 * time.Second

// NewAcceptor creates a new acceptor
func NewAcceptor(config AcceptorConfig) (*Acceptor, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("accept address is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.HandoffTimeout <= 0 {
		config.HandoffTimeout = defaultHandoffTimeout
	}

	a := &Acceptor{
		addr:     config.Addr,
		identity: config.Identity,
		verifier: config.Verifier,
		handoff:  config.HandoffTimeout,
		logger:   config.Logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		incoming: make(chan *wsChannel),
		closed:   make(chan struct{}),
	}
	a.server = &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Listen binds the accept address
func (a *Acceptor) Listen() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}
	a.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (a *Acceptor) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.addr
}

// Serve accepts HTTP connections until Close
func (a *Acceptor) Serve() error {
	if a.listener == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	a.logger.Info("Accepting control-plane sessions",
		zap.String("address", a.Addr()),
		zap.String("path", ConnectPath),
	)

	if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("acceptor failed: %w", err)
	}
	return nil
}

// Close stops serving and fails pending Connect calls
func (a *Acceptor) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closed) })

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown acceptor: %w", err)
	}
	return nil
}

// Passive implements PassiveConnector
func (a *Acceptor) Passive() bool { return true }

// Connect waits for the next inbound session
func (a *Acceptor) Connect(ctx context.Context) (Channel, error) {
	select {
	case ch := <-a.incoming:
		return ch, nil
	case <-a.closed:
		return nil, ErrAcceptorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeHTTP performs the handshake checks and upgrades the connection
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ConnectPath {
		http.NotFound(w, r)
		return
	}

	if status, err := a.authorize(r); err != nil {
		a.logger.Warn("Rejected inbound session",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		a.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := r.Header.Get(observability.SessionIDHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ch := newWSChannel(conn, sessionID)

	a.mu.Lock()
	previous := a.current
	a.current = ch
	a.mu.Unlock()

	if previous != nil {
		select {
		case <-previous.Done():
		default:
			a.logger.Info("Replacing active session",
				zap.String("previous_session_id", previous.SessionID()),
				zap.String("session_id", sessionID),
			)
		}
		previous.Close()
	}

	timer := time.NewTimer(a.handoff)
	defer timer.Stop()

	select {
	case a.incoming <- ch:
	case <-ch.Done():
		// replaced by a newer session or closed by the peer before handoff
	case <-a.closed:
		a.reject(conn, "shutting down")
	case <-timer.C:
		a.reject(conn, "agent not accepting sessions")
	}
}

func (a *Acceptor) authorize(r *http.Request) (int, error) {
	auth := r.Header.Get("Authorization")
	token, hasBearer := strings.CutPrefix(auth, "Bearer ")

	if auth != "" && (!hasBearer || strings.TrimSpace(token) == "") {
		return http.StatusUnauthorized, fmt.Errorf("malformed authorization header")
	}

	if a.verifier == nil {
		return http.StatusOK, nil
	}
	if auth == "" {
		return http.StatusUnauthorized, fmt.Errorf("bearer token required")
	}
	if _, err := a.verifier.Validate(strings.TrimSpace(token), a.identity); err != nil {
		return http.StatusUnauthorized, err
	}
	return http.StatusOK, nil
}

func (a *Acceptor) reject(conn *websocket.Conn, reason string) {
	a.mu.Lock()
	if a.current != nil && a.current.conn == conn {
		a.current = nil
	}
	a.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	a.logger.Info("Refused inbound session", zap.String("reason", reason))
}
