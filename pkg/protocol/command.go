package protocol

import (
	"github.com/google/uuid"
)

// Command is a single unit of work requested by the control plane. It is
// consumed by exactly one execution and never persisted.
type Command struct {
	ID       string
	Action   string
	Payload  map[string]any
	ReplyTo  string
	Identity uuid.UUID
}

// NewCommand builds a Command from a validated inbound frame, generating an
// id when the frame did not carry one.
func NewCommand(in *Inbound, identity uuid.UUID) Command {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return Command{
		ID:       id,
		Action:   in.Action,
		Payload:  payload,
		ReplyTo:  in.ReplyTo,
		Identity: identity,
	}
}

// Result is the outcome of a command (or of one manifest within an apply).
type Result struct {
	ID      string
	ReplyTo string
	OK      bool
	Value   any
}

// Success builds a successful result for cmd.
func Success(cmd Command, value any) Result {
	return Result{ID: cmd.ID, ReplyTo: cmd.ReplyTo, OK: true, Value: value}
}

// Failure builds a failed result for cmd carrying err's message.
func Failure(cmd Command, err error) Result {
	return Result{ID: cmd.ID, ReplyTo: cmd.ReplyTo, OK: false, Value: err.Error()}
}
