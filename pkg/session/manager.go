package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

const (
	DefaultPingInterval = 30000 * time.Millisecond
	DefaultPongTimeout  = 90000 * time.Millisecond
)

// ErrNotConnected is returned by Send while no session is established; the
// frame is dropped
var ErrNotConnected = errors.New("not connected")

// State is the lifecycle state of the control-plane session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler consumes inbound frames
type Handler interface {
	Handle(raw []byte)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(raw []byte)

// Handle implements Handler
func (f HandlerFunc) Handle(raw []byte) { f(raw) }

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Connector Connector
	Handler   Handler

	// Hello builds the frame sent first on every new session
	Hello func() protocol.Frame

	PingInterval   time.Duration
	PongTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *zap.Logger
	Events *observability.EventStream
}

// Manager keeps exactly one session to the control plane alive, reconnecting
// with exponential backoff whenever it is lost
type Manager struct {
	connector    Connector
	handler      Handler
	hello        func() protocol.Frame
	pingInterval time.Duration
	pongTimeout  time.Duration
	backoff      *Backoff
	logger       *zap.Logger
	events       *observability.EventStream

	mu        sync.RWMutex
	state     State
	channel   Channel
	sessionID string
	timer     *time.Timer
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}

	// onSchedule observes every scheduled reconnect delay
	onSchedule func(time.Duration)
}

// NewManager creates a new session manager
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = DefaultPongTimeout
	}

	return &Manager{
		connector:    config.Connector,
		handler:      config.Handler,
		hello:        config.Hello,
		pingInterval: config.PingInterval,
		pongTimeout:  config.PongTimeout,
		backoff:      NewBackoff(config.InitialBackoff, config.MaxBackoff),
		logger:       config.Logger,
		events:       config.Events,
		state:        StateDisconnected,
		done:         make(chan struct{}),
	}, nil
}

// State returns the current session state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID returns the id of the current session, empty when disconnected
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Backoff returns the delay the next reconnect would wait
func (m *Manager) Backoff() time.Duration {
	return m.backoff.Current()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	observability.SetSessionState(s.String())
}

// Run connects and keeps reconnecting until ctx is cancelled or Stop is
// called. The first attempt is made immediately.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		close(m.done)
		return nil
	}
	m.cancel = cancel
	m.mu.Unlock()

	defer close(m.done)
	defer cancel()

	for {
		m.setState(StateConnecting)
		ch, err := m.connector.Connect(ctx)
		if ctx.Err() != nil {
			if ch != nil {
				ch.Close()
			}
			m.setState(StateDisconnected)
			return nil
		}

		var delay time.Duration
		if err != nil {
			observability.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
			delay = m.backoff.Next()
			m.logger.Warn("Failed to connect to control plane",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			m.events.RecordEvent(ctx, observability.NewConnectFailedEvent(err, delay))
		} else {
			observability.ConnectAttemptsTotal.WithLabelValues("success").Inc()
			m.serve(ctx, ch)
			if ctx.Err() != nil {
				return nil
			}
			if !isPassive(m.connector) {
				delay = m.backoff.Next()
			}
			m.events.RecordEvent(ctx, observability.NewSessionDisconnectedEvent(ch.SessionID(), delay))
		}
		m.setState(StateDisconnected)

		if !m.wait(ctx, delay) {
			return nil
		}
	}
}

// wait blocks on the single reconnect timer; false means shutdown
func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	observability.ReconnectBackoffSeconds.Set(delay.Seconds())
	if m.onSchedule != nil {
		m.onSchedule(delay)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	timer := time.NewTimer(delay)
	m.timer = timer
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.timer == timer {
			m.timer = nil
		}
		m.mu.Unlock()
	}()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

// serve runs one established session until it ends
func (m *Manager) serve(ctx context.Context, ch Channel) {
	sessionID := ch.SessionID()
	logger := m.logger.With(zap.String("session_id", sessionID))
	ctx = observability.WithSessionID(ctx, sessionID)

	defer func() {
		m.mu.Lock()
		m.channel = nil
		m.sessionID = ""
		m.state = StateClosing
		m.mu.Unlock()
		observability.SetSessionState(StateClosing.String())
		ch.Close()
		logger.Info("Session closed")
	}()

	// Send only sees the channel once the hello is on the wire
	if m.hello != nil {
		if err := m.send(ctx, ch, m.hello()); err != nil {
			logger.Warn("Failed to send hello", zap.Error(err))
			return
		}
	}

	m.mu.Lock()
	m.channel = ch
	m.sessionID = sessionID
	m.state = StateConnected
	m.mu.Unlock()
	observability.SetSessionState(StateConnected.String())

	m.backoff.Reset()
	observability.ReconnectBackoffSeconds.Set(0)
	logger.Info("Connected to control plane")
	m.events.RecordEvent(ctx, observability.NewSessionConnectedEvent(sessionID))

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	lastPong := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			logger.Info("Control plane closed the session")
			return
		case raw := <-ch.Messages():
			m.handler.Handle(raw)
		case <-ch.Pongs():
			lastPong = time.Now()
		case <-ticker.C:
			if time.Since(lastPong) >= m.pongTimeout {
				observability.StaleSessionsTotal.Inc()
				m.events.RecordEvent(ctx, observability.Event{
					Type:        observability.EventSessionStale,
					Severity:    observability.SeverityWarning,
					SessionID:   sessionID,
					Description: fmt.Sprintf("No pong for %s, closing session", time.Since(lastPong).Round(time.Millisecond)),
				})
				logger.Warn("Liveness timeout, closing session",
					zap.Duration("since_last_pong", time.Since(lastPong)),
				)
				return
			}
			if err := ch.Ping(ctx); err != nil {
				logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}

// Send encodes and writes frame on the current session. Without a session the
// frame is dropped and ErrNotConnected returned.
func (m *Manager) Send(frame protocol.Frame) error {
	m.mu.RLock()
	ch := m.channel
	m.mu.RUnlock()

	if ch == nil {
		observability.FramesSentTotal.WithLabelValues(frame.FrameType(), "dropped").Inc()
		return ErrNotConnected
	}
	return m.send(context.Background(), ch, frame)
}

func (m *Manager) send(ctx context.Context, ch Channel, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		observability.FramesSentTotal.WithLabelValues(frame.FrameType(), "error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := ch.Send(ctx, data); err != nil {
		observability.FramesSentTotal.WithLabelValues(frame.FrameType(), "error").Inc()
		return fmt.Errorf("failed to send %s frame: %w", frame.FrameType(), err)
	}
	observability.FramesSentTotal.WithLabelValues(frame.FrameType(), "sent").Inc()
	return nil
}

// Stop cancels any pending reconnect, closes the session and waits for Run
// to return
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
	cancel := m.cancel
	ch := m.channel
	m.mu.Unlock()

	if cancel == nil {
		// Run was never started
		return nil
	}

	m.setState(StateClosing)
	cancel()
	if ch != nil {
		ch.Close()
	}

	select {
	case <-m.done:
		m.setState(StateDisconnected)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
