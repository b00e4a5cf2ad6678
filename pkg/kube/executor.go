package kube

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/protocol"
)

// API is the subset of the cluster API the executor drives
type API interface {
	GetNodes(ctx context.Context) (*Response, error)
	Apply(ctx context.Context, d *ResourceDescriptor) (*Response, error)
}

// Executor runs admitted commands against the cluster API
type Executor struct {
	api    API
	logger *zap.Logger
}

// NewExecutor creates a new executor
func NewExecutor(api API, logger *zap.Logger) *Executor {
	return &Executor{api: api, logger: logger}
}

// Execute runs cmd and returns one result per unit of work: a single result
// for node listing, one per manifest for apply
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) []protocol.Result {
	ctx = observability.WithCommandID(ctx, cmd.ID)
	ctx = observability.WithAction(ctx, cmd.Action)
	ctx, span := observability.StartSpan(ctx, observability.TracerName, "command "+cmd.Action)
	defer span.End()

	logger := observability.ContextLogger(ctx, e.logger)

	var results []protocol.Result
	switch cmd.Action {
	case protocol.ActionGetNodes, protocol.ActionGetNodesDotted, protocol.ActionGetNodesLegacy:
		results = []protocol.Result{e.getNodes(ctx, cmd, logger)}
	case protocol.ActionApply, protocol.ActionApplyLegacy:
		results = e.apply(ctx, cmd, logger)
	default:
		logger.Warn("Unknown action")
		err := fmt.Errorf("unknown kind: %s", cmd.Action)
		observability.RecordError(ctx, err)
		results = []protocol.Result{protocol.Failure(cmd, err)}
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if failed > 0 {
		observability.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("%d of %d results failed", failed, len(results)))
	} else {
		observability.SetSpanStatus(ctx, codes.Ok, "")
	}
	return results
}

func (e *Executor) getNodes(ctx context.Context, cmd protocol.Command, logger *zap.Logger) protocol.Result {
	resp, err := e.api.GetNodes(ctx)
	if err != nil {
		logger.Warn("Failed to list nodes", zap.Error(err))
		observability.RecordError(ctx, err)
		return protocol.Failure(cmd, err)
	}
	return responseResult(cmd, resp)
}

func (e *Executor) apply(ctx context.Context, cmd protocol.Command, logger *zap.Logger) []protocol.Result {
	manifests, err := DecodeManifests(cmd.Payload)
	if err != nil {
		logger.Warn("Invalid apply payload", zap.Error(err))
		return []protocol.Result{protocol.Failure(cmd, err)}
	}

	observability.AddSpanAttributes(ctx, attribute.Int("kube.manifests", len(manifests)))

	results := make([]protocol.Result, 0, len(manifests))
	for i, m := range manifests {
		if m.Err != nil {
			results = append(results, protocol.Failure(cmd, m.Err))
			continue
		}

		desc, err := Describe(m.Object)
		if err != nil {
			logger.Warn("Invalid manifest", zap.Int("index", i), zap.Error(err))
			results = append(results, protocol.Failure(cmd, fmt.Errorf("invalid manifest: %w", err)))
			continue
		}

		resp, err := e.api.Apply(ctx, desc)
		if err != nil {
			logger.Warn("Failed to apply manifest",
				zap.String("resource", desc.String()),
				zap.Error(err),
			)
			observability.RecordError(ctx, err)
			results = append(results, protocol.Failure(cmd, err))
			continue
		}

		logger.Info("Applied manifest",
			zap.String("resource", desc.String()),
			zap.Int("status", resp.StatusCode),
		)
		results = append(results, responseResult(cmd, resp))
	}
	return results
}

func responseResult(cmd protocol.Command, resp *Response) protocol.Result {
	if resp.OK() {
		return protocol.Success(cmd, resp.Value())
	}
	return protocol.Result{
		ID:      cmd.ID,
		ReplyTo: cmd.ReplyTo,
		OK:      false,
		Value:   resp.Value(),
	}
}
