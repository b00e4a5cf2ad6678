package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Frame is a decoded JSON frame
type Frame map[string]any

// Type returns the frame's "type" field
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// ID returns the frame's "id" field
func (f Frame) ID() string {
	s, _ := f["id"].(string)
	return s
}

// Payload returns the frame's "payload" object
func (f Frame) Payload() map[string]any {
	p, _ := f["payload"].(map[string]any)
	return p
}

// FakePlatform is a control plane that accepts agent sessions on
// /agents/connect
type FakePlatform struct {
	Server *httptest.Server

	// SilentPings stops answering pings on sessions accepted afterwards
	SilentPings bool

	mu       sync.Mutex
	upgrader websocket.Upgrader
	conns    chan *PlatformConn
}

// NewFakePlatform starts a fake control plane closed on test cleanup
func NewFakePlatform(t *testing.T) *FakePlatform {
	t.Helper()
	p := &FakePlatform{conns: make(chan *PlatformConn, 16)}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Server.Close)
	return p
}

// URL returns the platform base URL
func (p *FakePlatform) URL() string {
	return p.Server.URL
}

// SetSilentPings toggles pong replies for sessions accepted afterwards
func (p *FakePlatform) SetSilentPings(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SilentPings = silent
}

func (p *FakePlatform) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/agents/connect" {
		http.NotFound(w, r)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p.mu.Lock()
	silent := p.SilentPings
	p.mu.Unlock()

	p.conns <- newPlatformConn(conn, r.Header.Clone(), silent)
}

// Accept waits for the next agent session
func (p *FakePlatform) Accept(t *testing.T) *PlatformConn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(c.Close)
		return c
	case <-time.After(DefaultTimeout):
		t.Fatal("agent did not connect")
		return nil
	}
}

// PlatformConn is the platform end of one agent session
type PlatformConn struct {
	Header http.Header

	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}
	once    sync.Once
}

func newPlatformConn(conn *websocket.Conn, header http.Header, silentPings bool) *PlatformConn {
	c := &PlatformConn{
		Header: header,
		conn:   conn,
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
	if silentPings {
		conn.SetPingHandler(func(string) error { return nil })
	}
	go c.readLoop()
	return c
}

// DialAgent connects to an agent running in accept mode and returns the
// session together with its hello frame. Sessions refused because the agent
// was not yet waiting are retried.
func DialAgent(t *testing.T, addr string, header http.Header) (*PlatformConn, Frame) {
	t.Helper()
	url := agentURL(addr)

	var (
		conn  *PlatformConn
		hello Frame
	)
	require.Eventually(t, func() bool {
		ws, _, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			return false
		}
		c := newPlatformConn(ws, header, false)
		f, ok := c.TryNext(time.Second)
		if !ok {
			c.Close()
			return false
		}
		conn, hello = c, f
		return true
	}, DefaultTimeout, 20*time.Millisecond)

	t.Cleanup(conn.Close)
	return conn, hello
}

// DialAgentOnce connects to an agent running in accept mode without retrying
// and returns the session together with its hello frame
func DialAgentOnce(t *testing.T, addr string, header http.Header) (*PlatformConn, Frame) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(agentURL(addr), header)
	require.NoError(t, err)

	conn := newPlatformConn(ws, header, false)
	t.Cleanup(conn.Close)

	hello, ok := conn.TryNext(DefaultTimeout)
	require.True(t, ok, "agent closed the session before sending a frame")
	return conn, hello
}

func agentURL(addr string) string {
	return "ws://" + strings.TrimPrefix(addr, "http://") + "/agents/connect"
}

func (c *PlatformConn) readLoop() {
	defer c.once.Do(func() { close(c.done) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

// Send writes v as a JSON text frame
func (c *PlatformConn) Send(t *testing.T, v any) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteJSON(v))
}

// Next returns the next frame sent by the agent
func (c *PlatformConn) Next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(DefaultTimeout):
		t.Fatal("no frame from agent")
		return nil
	}
}

// TryNext returns the next frame, or false when the session closes or d
// elapses first
func (c *PlatformConn) TryNext(d time.Duration) (Frame, bool) {
	select {
	case f := <-c.frames:
		return f, true
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, true
		default:
			return nil, false
		}
	case <-time.After(d):
		return nil, false
	}
}

// NextOfType skips frames until one of the given type arrives
func (c *PlatformConn) NextOfType(t *testing.T, typ string) Frame {
	t.Helper()
	deadline := time.After(DefaultTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.Type() == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame from agent", typ)
			return nil
		}
	}
}

// ExpectSilence asserts the agent sends nothing for d
func (c *PlatformConn) ExpectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame from agent: %v", f)
	case <-time.After(d):
	}
}

// Done is closed when the agent side closes the session
func (c *PlatformConn) Done() <-chan struct{} {
	return c.done
}

// Close closes the session from the platform side
func (c *PlatformConn) Close() {
	c.conn.Close()
}

// Command builds an inbound command frame claiming identity
func Command(id, action, identity string, payload map[string]any) map[string]any {
	frame := map[string]any{
		"id":      id,
		"action":  action,
		"replyTo": action + ".reply",
		"payload": payload,
	}
	if identity != "" {
		frame["vesselEngineId"] = identity
	}
	return frame
}
