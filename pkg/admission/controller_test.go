package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

// blockingExecutor holds every command until released through gate
type blockingExecutor struct {
	gate    chan struct{}
	started chan string
	results func(cmd protocol.Command) []protocol.Result
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		gate:    make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (b *blockingExecutor) Execute(ctx context.Context, cmd protocol.Command) []protocol.Result {
	b.started <- cmd.ID
	<-b.gate
	if b.results != nil {
		return b.results(cmd)
	}
	return []protocol.Result{protocol.Success(cmd, "done")}
}

// recordingSender captures frames in send order
type recordingSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *recordingSender) Send(f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSender) snapshot() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

func newTestController(capacity int, exec Executor) (*Controller, *recordingSender, *observability.EventStream) {
	sender := &recordingSender{}
	events := observability.NewEventStream(observability.EventStreamConfig{}, zap.NewNop())
	c := NewController(ControllerConfig{
		Pool:     NewPool(capacity),
		Executor: exec,
		Sender:   sender,
		Logger:   zap.NewNop(),
		Events:   events,
	})
	return c, sender, events
}

func command(id string) protocol.Command {
	return protocol.Command{ID: id, Action: protocol.ActionGetNodes, ReplyTo: "nodes.reply"}
}

func waitStarted(t *testing.T, exec *blockingExecutor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-exec.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d commands started", i, n)
		}
	}
}

func TestController_DropsAtCapacity(t *testing.T) {
	exec := newBlockingExecutor()
	c, sender, events := newTestController(2, exec)

	assert.True(t, c.Submit(command("a")))
	assert.True(t, c.Submit(command("b")))
	assert.False(t, c.Submit(command("c")))
	waitStarted(t, exec, 2)

	capacity, inflight := c.Pool().Snapshot()
	assert.Equal(t, 2, capacity)
	assert.Equal(t, 2, inflight)

	// nothing is sent for the dropped command
	assert.Empty(t, sender.snapshot())
	dropped := events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventCommandDropped}})
	require.Len(t, dropped, 1)
	assert.Equal(t, "c", dropped[0].CommandID)

	close(exec.gate)
	c.Wait()

	_, inflight = c.Pool().Snapshot()
	assert.Equal(t, 0, inflight)
}

func TestController_CreditBeforeDone(t *testing.T) {
	exec := newBlockingExecutor()
	close(exec.gate)
	c, sender, _ := newTestController(4, exec)

	require.True(t, c.Submit(command("cmd-1")))
	c.Wait()

	frames := sender.snapshot()
	require.Len(t, frames, 2)

	credit, ok := frames[0].(*protocol.CreditGrant)
	require.True(t, ok, "first frame must be the credit grant")
	assert.Equal(t, 1, credit.Payload.Delta)

	done, ok := frames[1].(*protocol.Done)
	require.True(t, ok)
	assert.Equal(t, "cmd-1", done.ID)
	assert.Equal(t, "nodes.reply", done.Action)
	assert.True(t, done.OK)
}

func TestController_MultipleResultsOneCredit(t *testing.T) {
	exec := newBlockingExecutor()
	exec.results = func(cmd protocol.Command) []protocol.Result {
		return []protocol.Result{
			protocol.Success(cmd, "first"),
			{ID: cmd.ID, ReplyTo: cmd.ReplyTo, OK: false, Value: "second failed"},
		}
	}
	close(exec.gate)
	c, sender, _ := newTestController(4, exec)

	require.True(t, c.Submit(command("apply-1")))
	c.Wait()

	frames := sender.snapshot()
	require.Len(t, frames, 3)
	assert.IsType(t, &protocol.CreditGrant{}, frames[0])
	assert.Equal(t, "apply-1", frames[1].(*protocol.Done).ID)
	assert.False(t, frames[2].(*protocol.Done).OK)
}

func TestController_RaiseCapacityWhileFull(t *testing.T) {
	exec := newBlockingExecutor()
	c, _, events := newTestController(4, exec)

	for _, id := range []string{"1", "2", "3", "4"} {
		require.True(t, c.Submit(command(id)))
	}
	waitStarted(t, exec, 4)
	assert.False(t, c.Submit(command("5")))

	c.SetCapacity(10)

	for _, id := range []string{"5", "6", "7", "8", "9", "10"} {
		assert.True(t, c.Submit(command(id)), id)
	}
	assert.False(t, c.Submit(command("11")))
	waitStarted(t, exec, 6)

	changed := events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventCapacityChanged}})
	require.Len(t, changed, 1)
	assert.Equal(t, 4, changed[0].Metadata["previous"])
	assert.Equal(t, 10, changed[0].Metadata["current"])

	close(exec.gate)
	c.Wait()
}

func TestController_LowerCapacityBelowInflight(t *testing.T) {
	exec := newBlockingExecutor()
	c, _, _ := newTestController(3, exec)

	for _, id := range []string{"1", "2", "3"} {
		require.True(t, c.Submit(command(id)))
	}
	waitStarted(t, exec, 3)

	c.SetCapacity(1)
	capacity, inflight := c.Pool().Snapshot()
	assert.Equal(t, 1, capacity)
	assert.Equal(t, 3, inflight)
	assert.False(t, c.Submit(command("4")))

	close(exec.gate)
	c.Wait()

	assert.True(t, c.Submit(command("5")))
	c.Wait()
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(ctx context.Context, cmd protocol.Command) []protocol.Result {
	panic("boom")
}

func TestController_PanicStillReleases(t *testing.T) {
	c, sender, _ := newTestController(1, panickingExecutor{})

	require.True(t, c.Submit(command("p")))
	c.Wait()

	_, inflight := c.Pool().Snapshot()
	assert.Equal(t, 0, inflight)

	frames := sender.snapshot()
	require.Len(t, frames, 2)
	assert.IsType(t, &protocol.CreditGrant{}, frames[0])
	assert.False(t, frames[1].(*protocol.Done).OK)
}

func TestController_ConcurrentSubmitNeverExceedsCapacity(t *testing.T) {
	exec := newBlockingExecutor()
	exec.started = make(chan string, 100)
	c, _, _ := newTestController(5, exec)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Submit(command(observability.GenerateID())) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	close(exec.gate)
	c.Wait()
}

func TestController_Stop(t *testing.T) {
	exec := newBlockingExecutor()
	c, _, _ := newTestController(1, exec)
	require.True(t, c.Submit(command("x")))
	waitStarted(t, exec, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exec.gate)
	}()
	assert.NoError(t, c.Stop(context.Background()))
}
