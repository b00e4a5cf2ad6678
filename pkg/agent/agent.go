package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vesselops/vessel-agent/pkg/admission"
	"github.com/vesselops/vessel-agent/pkg/kube"
	"github.com/vesselops/vessel-agent/pkg/mtls"
	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
	"github.com/vesselops/vessel-agent/pkg/session"
)

// Agent wires the control-plane session, admission and cluster execution
// together
type Agent struct {
	config   *Config
	logger   *zap.Logger
	identity uuid.UUID

	events     *observability.EventStream
	controller *admission.Controller
	router     *Router
	manager    *session.Manager
	acceptor   *session.Acceptor
	health     *observability.HealthServer

	mu      sync.Mutex
	group   *errgroup.Group
	cancel  context.CancelFunc
	stopped bool
}

// New creates a new agent. Unreadable cluster credentials are fatal.
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	identity := uuid.MustParse(config.Identity)
	logger := observability.WithFields(config.Logger,
		zap.String("identity", identity.String()),
		zap.String("agent_name", config.AgentName),
	)

	a := &Agent{
		config:   config,
		logger:   logger,
		identity: identity,
		events:   observability.NewEventStream(observability.EventStreamConfig{}, logger),
	}

	restConfig, err := kube.RESTConfig(config.Kube.APIURL, config.Kube.ServiceAccountDir, logger)
	if err != nil {
		return nil, err
	}

	client, err := kube.NewClient(kube.ClientConfig{
		Rest:      restConfig,
		AgentName: config.AgentName,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	connector, err := a.buildConnector()
	if err != nil {
		return nil, err
	}

	pool := admission.NewPool(config.MaxParallel)
	a.manager, err = session.NewManager(session.ManagerConfig{
		Connector: connector,
		Handler:   session.HandlerFunc(func(raw []byte) { a.router.Handle(raw) }),
		// the hello announces free capacity so credits still held by
		// commands from a previous session are not granted twice
		Hello: func() protocol.Frame {
			capacity, inflight := pool.Snapshot()
			return protocol.NewHello(identity.String(), max(capacity-inflight, 0))
		},
		PingInterval:   config.PingInterval,
		PongTimeout:    config.PongTimeout,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		Logger:         logger,
		Events:         a.events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	a.controller = admission.NewController(admission.ControllerConfig{
		Pool:     pool,
		Executor: kube.NewExecutor(client, logger),
		Sender:   a.manager,
		Logger:   logger,
		Events:   a.events,
	})
	a.router = NewRouter(identity, a.controller, logger, a.events)

	if config.HealthAddr != "-" {
		a.health = observability.NewHealthServer(config.HealthAddr, a.events, logger)
	}

	return a, nil
}

func (a *Agent) buildConnector() (session.Connector, error) {
	switch a.config.Mode {
	case ModeAccept:
		var verifier session.TokenVerifier
		if a.config.AcceptSecret != "" {
			signer, err := mtls.NewTokenSigner([]byte(a.config.AcceptSecret))
			if err != nil {
				return nil, err
			}
			verifier = signer
		}

		acceptor, err := session.NewAcceptor(session.AcceptorConfig{
			Addr:     a.config.AcceptAddr,
			Identity: a.identity.String(),
			Verifier: verifier,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create acceptor: %w", err)
		}
		a.acceptor = acceptor
		return acceptor, nil

	default:
		tlsConfig, err := a.config.TLS.ClientConfig(a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}

		dialer, err := session.NewDialer(session.DialerConfig{
			PlatformURL: a.config.PlatformURL,
			Identity:    a.identity.String(),
			Token:       a.config.AgentToken,
			TLS:         tlsConfig,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dialer: %w", err)
		}
		return dialer, nil
	}
}

// Start binds the agent's listeners and starts the session loop. Listener
// errors are returned synchronously.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting agent",
		zap.String("mode", string(a.config.Mode)),
		zap.Int("max_parallel", a.config.MaxParallel),
	)

	if a.health != nil {
		if err := a.health.Listen(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}
	if a.acceptor != nil {
		if err := a.acceptor.Listen(); err != nil {
			return fmt.Errorf("failed to start acceptor: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	a.mu.Lock()
	a.group = group
	a.cancel = cancel
	a.mu.Unlock()

	if a.health != nil {
		group.Go(a.health.Serve)
	}
	if a.acceptor != nil {
		group.Go(a.acceptor.Serve)
	}
	group.Go(func() error { return a.manager.Run(gctx) })

	observability.AgentInfo.WithLabelValues(a.config.Version, a.identity.String(), string(a.config.Mode)).Set(1)
	a.logger.Info("Agent started successfully")
	return nil
}

// Wait blocks until the agent stops and returns the first component error
func (a *Agent) Wait() error {
	a.mu.Lock()
	group := a.group
	a.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop cancels pending reconnects, closes the session, lets in-flight
// commands finish until ctx expires and shuts the listeners down
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info("Stopping agent")

	if err := a.manager.Stop(ctx); err != nil {
		a.logger.Error("Failed to stop session manager", zap.Error(err))
	}
	if err := a.controller.Stop(ctx); err != nil {
		a.logger.Warn("In-flight commands did not finish", zap.Error(err))
	}
	if a.acceptor != nil {
		if err := a.acceptor.Close(ctx); err != nil {
			a.logger.Error("Failed to stop acceptor", zap.Error(err))
		}
	}
	if a.health != nil {
		if err := a.health.Stop(ctx); err != nil {
			a.logger.Error("Failed to stop health server", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}

	if err := a.Wait(); err != nil {
		return fmt.Errorf("agent stopped with error: %w", err)
	}
	a.logger.Info("Agent stopped")
	return nil
}

// State returns the control-plane session state
func (a *Agent) State() session.State {
	return a.manager.State()
}

// Events returns the agent's event history
func (a *Agent) Events() *observability.EventStream {
	return a.events
}

// HealthAddr returns the bound health server address, empty when disabled
func (a *Agent) HealthAddr() string {
	if a.health == nil {
		return ""
	}
	return a.health.Addr()
}

// AcceptAddr returns the bound accept address, empty in dial mode
func (a *Agent) AcceptAddr() string {
	if a.acceptor == nil {
		return ""
	}
	return a.acceptor.Addr()
}
