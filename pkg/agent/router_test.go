package agent

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	commands   []protocol.Command
	capacities []int
}

func (d *fakeDispatcher) Submit(cmd protocol.Command) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
	return true
}

func (d *fakeDispatcher) SetCapacity(capacity int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capacities = append(d.capacities, capacity)
}

func newTestRouter(t *testing.T) (*Router, *fakeDispatcher, *observability.EventStream) {
	logger := zaptest.NewLogger(t)
	events := observability.NewEventStream(observability.EventStreamConfig{}, logger)
	dispatcher := &fakeDispatcher{}
	return NewRouter(uuid.MustParse(testIdentity), dispatcher, logger, events), dispatcher, events
}

func frame(t *testing.T, v map[string]any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRouter_DispatchesMatchingIdentity(t *testing.T) {
	router, dispatcher, _ := newTestRouter(t)

	router.Handle(frame(t, map[string]any{
		"id":             "cmd-1",
		"action":         protocol.ActionGetNodes,
		"replyTo":        "nodes.reply",
		"vesselEngineId": testIdentity,
	}))

	require.Len(t, dispatcher.commands, 1)
	cmd := dispatcher.commands[0]
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, protocol.ActionGetNodes, cmd.Action)
	assert.Equal(t, "nodes.reply", cmd.ReplyTo)
	assert.Equal(t, testIdentity, cmd.Identity.String())
	assert.NotNil(t, cmd.Payload)
}

func TestRouter_GeneratesMissingID(t *testing.T) {
	router, dispatcher, _ := newTestRouter(t)

	router.Handle(frame(t, map[string]any{
		"action":         protocol.ActionApply,
		"vesselEngineId": testIdentity,
	}))

	require.Len(t, dispatcher.commands, 1)
	_, err := uuid.Parse(dispatcher.commands[0].ID)
	assert.NoError(t, err)
}

func TestRouter_DropsUnauthorizedFrames(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{
			name:   "not json",
			raw:    []byte("{nope"),
			reason: "decode",
		},
		{
			name:   "no identity",
			raw:    []byte(`{"id":"1","action":"k8s.getNodes"}`),
			reason: "missing_identity",
		},
		{
			name:   "identity not a string",
			raw:    []byte(`{"id":"1","action":"k8s.getNodes","vesselEngineId":42}`),
			reason: "malformed_identity",
		},
		{
			name:   "identity not a uuid",
			raw:    []byte(`{"id":"1","action":"k8s.getNodes","vesselEngineId":"engine-1"}`),
			reason: "malformed_identity",
		},
		{
			name:   "other agent",
			raw:    []byte(`{"id":"1","action":"k8s.getNodes","vesselEngineId":"9b3c2f1e-0d4a-4c5b-8e7f-6a1b2c3d4e5f"}`),
			reason: "identity_mismatch",
		},
		{
			name:   "capacity change for other agent",
			raw:    []byte(`{"action":"agent.setMaxParallel","payload":{"value":1},"vesselEngineId":"9b3c2f1e-0d4a-4c5b-8e7f-6a1b2c3d4e5f"}`),
			reason: "identity_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, dispatcher, events := newTestRouter(t)

			router.Handle(tt.raw)

			assert.Empty(t, dispatcher.commands)
			assert.Empty(t, dispatcher.capacities)

			rejected := events.GetEvents(observability.EventFilter{
				Types: []observability.EventType{observability.EventFrameRejected},
			})
			require.Len(t, rejected, 1)
			assert.Equal(t, tt.reason, rejected[0].Metadata["reason"])
		})
	}
}

func TestRouter_SetMaxParallel(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []int
	}{
		{name: "integer", value: 7, want: []int{7}},
		{name: "zero", value: 0, want: []int{0}},
		{name: "negative", value: -2},
		{name: "fraction", value: 1.5},
		{name: "string", value: "3"},
		{name: "missing", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, dispatcher, _ := newTestRouter(t)

			payload := map[string]any{}
			if tt.value != nil {
				payload["value"] = tt.value
			}
			router.Handle(frame(t, map[string]any{
				"action":         protocol.ActionSetMaxParallel,
				"payload":        payload,
				"vesselEngineId": testIdentity,
			}))

			assert.Equal(t, tt.want, dispatcher.capacities)
			assert.Empty(t, dispatcher.commands)
		})
	}
}
