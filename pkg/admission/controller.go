package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

// Executor runs one admitted command to completion
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) []protocol.Result
}

// Sender publishes outbound frames on the current session
type Sender interface {
	Send(frame protocol.Frame) error
}

// ControllerConfig contains configuration for the admission controller
type ControllerConfig struct {
	Pool     *Pool
	Executor Executor
	Sender   Sender
	Logger   *zap.Logger
	Events   *observability.EventStream
}

// Controller admits commands against the credit pool and reports their
// completion
type Controller struct {
	pool   *Pool
	exec   Executor
	sender Sender
	logger *zap.Logger
	events *observability.EventStream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a new admission controller
func NewController(config ControllerConfig) *Controller {
	if config.Pool == nil {
		config.Pool = NewPool(DefaultCapacity)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		pool:   config.Pool,
		exec:   config.Executor,
		sender: config.Sender,
		logger: config.Logger,
		events: config.Events,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Pool returns the controller's credit pool
func (c *Controller) Pool() *Pool {
	return c.pool
}

// Submit admits cmd if a credit is free and runs it asynchronously. It returns
// false when the command was dropped at capacity; nothing is sent back for a
// dropped command.
func (c *Controller) Submit(cmd protocol.Command) bool {
	if !c.pool.TryAcquire() {
		capacity, inflight := c.pool.Snapshot()
		observability.CommandsDroppedTotal.WithLabelValues(cmd.Action).Inc()
		c.events.RecordEvent(c.ctx, observability.NewCommandDroppedEvent(cmd.ID, cmd.Action, capacity, inflight))
		c.logger.Warn("Dropping command at capacity",
			zap.String("command_id", cmd.ID),
			zap.String("action", cmd.Action),
			zap.Int("capacity", capacity),
			zap.Int("inflight", inflight),
		)
		return false
	}

	c.wg.Add(1)
	go c.run(cmd)
	return true
}

func (c *Controller) run(cmd protocol.Command) {
	defer c.wg.Done()

	start := time.Now()
	var once sync.Once
	var results []protocol.Result

	release := func() {
		once.Do(func() {
			c.pool.Release()
			observability.CommandDurationSeconds.WithLabelValues(cmd.Action).Observe(time.Since(start).Seconds())
			c.publish(cmd, results)
		})
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Command execution panicked",
				zap.String("command_id", cmd.ID),
				zap.Any("panic", r),
			)
			results = []protocol.Result{{ID: cmd.ID, ReplyTo: cmd.ReplyTo, OK: false, Value: "internal error"}}
		}
	}()

	results = c.exec.Execute(c.ctx, cmd)
}

// publish sends the credit grant, then one done frame per result
func (c *Controller) publish(cmd protocol.Command, results []protocol.Result) {
	if err := c.sender.Send(protocol.NewCreditGrant(1)); err != nil {
		c.logger.Debug("Credit grant not delivered",
			zap.String("command_id", cmd.ID),
			zap.Error(err),
		)
	}

	for _, r := range results {
		outcome := "ok"
		if !r.OK {
			outcome = "error"
		}
		observability.CommandsTotal.WithLabelValues(cmd.Action, outcome).Inc()

		if err := c.sender.Send(protocol.NewDone(r)); err != nil {
			c.logger.Debug("Result not delivered",
				zap.String("command_id", cmd.ID),
				zap.Error(err),
			)
		}
	}
}

// SetCapacity changes the pool capacity without touching in-flight commands
func (c *Controller) SetCapacity(capacity int) {
	prev := c.pool.SetCapacity(capacity)
	if prev == capacity {
		return
	}
	c.events.RecordEvent(c.ctx, observability.NewCapacityChangedEvent(prev, capacity))
	c.logger.Info("Capacity changed",
		zap.Int("previous", prev),
		zap.Int("current", capacity),
	)
}

// Wait blocks until every admitted command has been released
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stop waits for in-flight commands until ctx expires, then cancels their
// context
func (c *Controller) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
