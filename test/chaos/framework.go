//go:build chaos

package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChaosScenario represents a chaos testing scenario
type ChaosScenario interface {
	Name() string
	Setup(ctx context.Context) error
	Execute(ctx context.Context) error
	Verify(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// ChaosConfig holds configuration for chaos testing
type ChaosConfig struct {
	// Churn settings
	ChurnDuration time.Duration // How long to keep killing sessions
	MinUptime     time.Duration // Shortest session lifetime
	MaxUptime     time.Duration // Longest session lifetime

	// Load settings
	CommandsPerSession int

	// General settings
	RandomSeed       int64
	VerificationWait time.Duration // Time to wait before verification
}

// ChaosRunner runs chaos scenarios
type ChaosRunner struct {
	config ChaosConfig
	logger *zap.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewChaosRunner creates a new chaos runner
func NewChaosRunner(config ChaosConfig, logger *zap.Logger) *ChaosRunner {
	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger.Info("Seeding chaos runner", zap.Int64("seed", seed))

	return &ChaosRunner{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

// RunScenario runs a chaos scenario
func (cr *ChaosRunner) RunScenario(ctx context.Context, scenario ChaosScenario) error {
	cr.logger.Info("Starting chaos scenario",
		zap.String("scenario", scenario.Name()),
	)

	if err := scenario.Setup(ctx); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	if err := scenario.Execute(ctx); err != nil {
		// Verification still runs; the invariants decide the outcome
		cr.logger.Error("Chaos execution failed", zap.Error(err))
	}

	if cr.config.VerificationWait > 0 {
		cr.logger.Info("Waiting for agent to stabilize",
			zap.Duration("wait", cr.config.VerificationWait),
		)
		time.Sleep(cr.config.VerificationWait)
	}

	if err := scenario.Verify(ctx); err != nil {
		cr.logger.Error("Verification failed", zap.Error(err))
		if teardownErr := scenario.Teardown(ctx); teardownErr != nil {
			cr.logger.Error("Teardown failed", zap.Error(teardownErr))
		}
		return fmt.Errorf("verification failed: %w", err)
	}

	if err := scenario.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown failed: %w", err)
	}

	cr.logger.Info("Chaos scenario completed successfully",
		zap.String("scenario", scenario.Name()),
	)
	return nil
}

// RandomDuration returns a random duration between min and max
func (cr *ChaosRunner) RandomDuration(min, max time.Duration) time.Duration {
	diff := int64(max - min)
	if diff <= 0 {
		return min
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return min + time.Duration(cr.rand.Int63n(diff))
}

// RandomInt returns a random integer between min and max (inclusive)
func (cr *ChaosRunner) RandomInt(min, max int) int {
	if min >= max {
		return min
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return min + cr.rand.Intn(max-min+1)
}

// SystemInvariant represents an agent property that should always hold
type SystemInvariant struct {
	Name        string
	Description string
	Check       func(ctx context.Context) error
}

// VerifyInvariants checks a list of invariants and reports all failures
func VerifyInvariants(ctx context.Context, invariants []SystemInvariant, logger *zap.Logger) error {
	failed := 0

	for _, inv := range invariants {
		if err := inv.Check(ctx); err != nil {
			logger.Error("Invariant check failed",
				zap.String("name", inv.Name),
				zap.String("description", inv.Description),
				zap.Error(err),
			)
			failed++
			continue
		}
		logger.Info("Invariant check passed", zap.String("name", inv.Name))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d invariants failed", failed, len(invariants))
	}
	return nil
}

// ChaosMetrics tracks what happened during a chaos run
type ChaosMetrics struct {
	StartTime         time.Time
	EndTime           time.Time
	SessionsOpened    int
	SessionsKilled    int
	CommandsSent      int
	CommandsCompleted int
	CreditsGranted    int
	MaxReconnectTime  time.Duration
}

// MetricsCollector collects metrics during chaos tests
type MetricsCollector struct {
	mu      sync.Mutex
	metrics ChaosMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: ChaosMetrics{StartTime: time.Now()},
	}
}

// RecordSessionOpened records a new agent session
func (mc *MetricsCollector) RecordSessionOpened() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.SessionsOpened++
}

// RecordSessionKilled records a session closed by the platform
func (mc *MetricsCollector) RecordSessionKilled() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.SessionsKilled++
}

// RecordCommandSent records a command written to the agent
func (mc *MetricsCollector) RecordCommandSent() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.CommandsSent++
}

// RecordCompletion records a cmd.done frame
func (mc *MetricsCollector) RecordCompletion() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.CommandsCompleted++
}

// RecordCredits records credits returned by the agent
func (mc *MetricsCollector) RecordCredits(delta int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.CreditsGranted += delta
}

// RecordReconnectTime keeps the longest gap between a kill and the next session
func (mc *MetricsCollector) RecordReconnectTime(d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.MaxReconnectTime = max(mc.metrics.MaxReconnectTime, d)
}

// Snapshot returns the metrics collected so far
func (mc *MetricsCollector) Snapshot() ChaosMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.metrics
}

// Finalize finalizes the metrics collection
func (mc *MetricsCollector) Finalize() ChaosMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.EndTime = time.Now()
	return mc.metrics
}

// Report generates a human-readable report of the metrics
func (mc *MetricsCollector) Report() string {
	m := mc.Snapshot()

	return fmt.Sprintf(`
Chaos Test Metrics Report
=========================
Duration: %v
Sessions Opened: %d
Sessions Killed: %d
Commands Sent: %d
Commands Completed: %d
Credits Granted: %d
Max Reconnect Time: %v
`,
		m.EndTime.Sub(m.StartTime),
		m.SessionsOpened,
		m.SessionsKilled,
		m.CommandsSent,
		m.CommandsCompleted,
		m.CreditsGranted,
		m.MaxReconnectTime,
	)
}
