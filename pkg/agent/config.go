package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/admission"
	"github.com/vesselops/vessel-agent/pkg/kube"
	"github.com/vesselops/vessel-agent/pkg/mtls"
	"github.com/vesselops/vessel-agent/pkg/session"
)

// Mode selects who opens the control-plane session
type Mode string

const (
	// ModeDial connects out to the platform
	ModeDial Mode = "dial"
	// ModeAccept waits for the platform to connect in
	ModeAccept Mode = "accept"
)

const (
	DefaultAgentName  = "vessel-agent"
	DefaultHealthAddr = ":8080"
	DefaultAcceptAddr = ":8090"
)

// KubeConfig locates the cluster API and the agent's credentials
type KubeConfig struct {
	APIURL            string
	ServiceAccountDir string
}

// Config represents the agent configuration
type Config struct {
	Identity  string
	AgentName string
	Mode      Mode

	// Dial mode
	PlatformURL string
	AgentToken  string
	TLS         mtls.TLSConfig

	// Accept mode; AcceptSecret enables bearer token verification
	AcceptAddr   string
	AcceptSecret string

	// HealthAddr serves /healthz and /metrics; "-" disables it
	HealthAddr  string
	MaxParallel int
	Kube        KubeConfig

	PingInterval   time.Duration
	PongTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Version string
	Logger  *zap.Logger
}

// Validate validates the agent configuration and fills defaults
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if _, err := uuid.Parse(c.Identity); err != nil {
		return fmt.Errorf("identity must be a UUID: %w", err)
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
	if c.Mode == "" {
		c.Mode = ModeDial
	}

	switch c.Mode {
	case ModeDial:
		if c.PlatformURL == "" {
			return fmt.Errorf("platform URL is required in dial mode")
		}
		if _, err := session.ConnectURL(c.PlatformURL); err != nil {
			return err
		}
	case ModeAccept:
		if c.AcceptAddr == "" {
			c.AcceptAddr = DefaultAcceptAddr
		}
	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", c.Mode, ModeDial, ModeAccept)
	}

	if c.HealthAddr == "" {
		c.HealthAddr = DefaultHealthAddr
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max parallel must not be negative")
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = admission.DefaultCapacity
	}
	if c.Kube.APIURL == "" {
		c.Kube.APIURL = kube.DefaultBaseURL
	}
	if c.Kube.ServiceAccountDir == "" {
		c.Kube.ServiceAccountDir = kube.DefaultServiceAccountDir
	}
	if c.PingInterval <= 0 {
		c.PingInterval = session.DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = session.DefaultPongTimeout
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}
