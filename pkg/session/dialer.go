package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
)

// ConnectPath is where the control plane accepts agent sessions
const ConnectPath = "/agents/connect"

// DialerConfig contains configuration for outbound sessions
type DialerConfig struct {
	// PlatformURL is the control plane base URL; http(s) schemes are mapped
	// to ws(s)
	PlatformURL      string
	Identity         string
	Token            string
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dialer opens sessions to the control plane
type Dialer struct {
	url      string
	identity string
	token    string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewDialer creates a new dialer
func NewDialer(config DialerConfig) (*Dialer, error) {
	if config.Identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 15 * time.Second
	}

	target, err := ConnectURL(config.PlatformURL)
	if err != nil {
		return nil, err
	}

	return &Dialer{
		url:      target,
		identity: config.Identity,
		token:    config.Token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			TLSClientConfig:  config.TLS,
		},
		logger: config.Logger,
	}, nil
}

// ConnectURL derives the websocket session URL from a platform base URL
func ConnectURL(platformURL string) (string, error) {
	if platformURL == "" {
		return "", fmt.Errorf("platform URL is required")
	}

	u, err := url.Parse(platformURL)
	if err != nil {
		return "", fmt.Errorf("invalid platform URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported platform URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("platform URL %q has no host", platformURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + ConnectPath
	return u.String(), nil
}

// URL returns the session endpoint
func (d *Dialer) URL() string {
	return d.url
}

// Connect dials the control plane with a fresh session id
func (d *Dialer) Connect(ctx context.Context) (Channel, error) {
	sessionID := uuid.NewString()

	header := http.Header{}
	header.Set(observability.IdentityHeader, d.identity)
	header.Set(observability.SessionIDHeader, sessionID)
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.url, err)
	}

	d.logger.Debug("Dialed control plane",
		zap.String("url", d.url),
		zap.String("session_id", sessionID),
	)
	return newWSChannel(conn, sessionID), nil
}
