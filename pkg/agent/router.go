package agent

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

// Dispatcher admits commands and owns the capacity they are admitted against
type Dispatcher interface {
	Submit(cmd protocol.Command) bool
	SetCapacity(capacity int)
}

// Router authorizes inbound frames by identity and routes them to the
// dispatcher. Rejected frames are logged and dropped without a reply.
type Router struct {
	identity   uuid.UUID
	dispatcher Dispatcher
	logger     *zap.Logger
	events     *observability.EventStream
}

// NewRouter creates a new router for the given agent identity
func NewRouter(identity uuid.UUID, dispatcher Dispatcher, logger *zap.Logger, events *observability.EventStream) *Router {
	return &Router{
		identity:   identity,
		dispatcher: dispatcher,
		logger:     logger,
		events:     events,
	}
}

// Handle processes one raw inbound frame
func (r *Router) Handle(raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		r.reject("decode", err)
		return
	}

	claimed, err := in.ClaimedIdentity()
	switch {
	case errors.Is(err, protocol.ErrMissingIdentity):
		r.reject("missing_identity", err)
		return
	case err != nil:
		r.reject("malformed_identity", err)
		return
	case claimed != r.identity:
		r.reject("identity_mismatch", nil)
		return
	}

	if in.Action == protocol.ActionSetMaxParallel {
		r.setMaxParallel(in.Payload)
		return
	}

	r.dispatcher.Submit(protocol.NewCommand(in, claimed))
}

func (r *Router) setMaxParallel(payload map[string]any) {
	value, ok := capacityValue(payload["value"])
	if !ok {
		r.logger.Warn("Ignoring invalid max parallel value",
			zap.Any("value", payload["value"]),
		)
		return
	}
	r.dispatcher.SetCapacity(value)
}

// capacityValue accepts non-negative integral JSON numbers
func capacityValue(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (r *Router) reject(reason string, err error) {
	observability.FramesRejectedTotal.WithLabelValues(reason).Inc()
	r.events.RecordEvent(context.Background(), observability.NewFrameRejectedEvent(reason))

	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Warn("Dropping inbound frame", fields...)
}
