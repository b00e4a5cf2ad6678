package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	messageBuffer       = 64
)

// ErrChannelClosed is returned when writing to a closed channel
var ErrChannelClosed = errors.New("channel closed")

// Channel is one established duplex session with the control plane
type Channel interface {
	// Send writes a single text frame
	Send(ctx context.Context, data []byte) error

	// Ping writes a liveness ping; answers arrive on Pongs
	Ping(ctx context.Context) error

	// Messages delivers inbound text frames in arrival order
	Messages() <-chan []byte

	// Pongs receives a value for each liveness answer
	Pongs() <-chan struct{}

	// Done is closed once the channel is unusable
	Done() <-chan struct{}

	Close() error
	SessionID() string
}

// Connector establishes new channels
type Connector interface {
	Connect(ctx context.Context) (Channel, error)
}

// PassiveConnector is a Connector whose Connect waits for the peer to open
// the session. A lost session is followed by Connect without a reconnect
// delay.
type PassiveConnector interface {
	Connector
	Passive() bool
}

func isPassive(c Connector) bool {
	p, ok := c.(PassiveConnector)
	return ok && p.Passive()
}

// wsChannel adapts a gorilla websocket connection to Channel
type wsChannel struct {
	conn      *websocket.Conn
	sessionID string

	messages chan []byte
	pongs    chan struct{}
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, sessionID string) *wsChannel {
	ch := &wsChannel{
		conn:      conn,
		sessionID: sessionID,
		messages:  make(chan []byte, messageBuffer),
		pongs:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		select {
		case ch.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	go ch.readLoop()
	return ch
}

func (c *wsChannel) readLoop() {
	defer c.shutdown()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx))
}

func (c *wsChannel) Messages() <-chan []byte { return c.messages }
func (c *wsChannel) Pongs() <-chan struct{}  { return c.pongs }
func (c *wsChannel) Done() <-chan struct{}   { return c.done }
func (c *wsChannel) SessionID() string       { return c.sessionID }

// Close sends a normal closure frame and tears down the connection
func (c *wsChannel) Close() error {
	select {
	case <-c.done:
	default:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.shutdown()
	return nil
}

func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultWriteTimeout)
}
