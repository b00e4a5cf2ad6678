package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Outbound frame types
const (
	TypeHello   = "agent.hello"
	TypeCredits = "agent.credits"
	TypeDone    = "cmd.done"
)

// Inbound action names
const (
	ActionSetMaxParallel = "agent.setMaxParallel"

	ActionGetNodes       = "k8s.getNodes"
	ActionGetNodesDotted = "k8s.nodes.get"
	ActionGetNodesLegacy = "action.k8s.nodes.get"

	ActionApply       = "k8s.apply"
	ActionApplyLegacy = "action.k8s.apply"
)

// IdentityField is the JSON key carrying the sender's claimed agent identity.
const IdentityField = "vesselEngineId"

// Capabilities announced in the hello frame.
var Capabilities = []string{ActionGetNodes, ActionApply}

var (
	// ErrMissingIdentity indicates an inbound frame carried no identity field
	ErrMissingIdentity = errors.New("identity field missing")

	// ErrMalformedIdentity indicates the identity field is not a UUID string
	ErrMalformedIdentity = errors.New("identity field malformed")
)

// Inbound is a decoded frame received from the control plane.
type Inbound struct {
	ID       string          `json:"id,omitempty"`
	Action   string          `json:"action"`
	Payload  map[string]any  `json:"payload,omitempty"`
	ReplyTo  string          `json:"replyTo,omitempty"`
	Identity json.RawMessage `json:"vesselEngineId,omitempty"`
}

// Decode parses a raw text frame.
func Decode(raw []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &in, nil
}

// ClaimedIdentity returns the identity the sender claims to address.
func (in *Inbound) ClaimedIdentity() (uuid.UUID, error) {
	raw := bytes.TrimSpace(in.Identity)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return uuid.Nil, ErrMissingIdentity
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uuid.Nil, ErrMalformedIdentity
	}
	if s == "" {
		return uuid.Nil, ErrMissingIdentity
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, ErrMalformedIdentity
	}
	return id, nil
}

// Frame is anything the agent writes to the control plane.
type Frame interface {
	FrameType() string
}

// Encode serializes an outbound frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.FrameType(), err)
	}
	return data, nil
}

// Hello is the first frame sent on every new session.
type Hello struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Payload HelloPayload `json:"payload"`
}

// HelloPayload announces identity, capabilities and the initial credit count.
// Credits is the free capacity when the session opens (capacity minus
// commands still in flight from an earlier session), not the raw capacity.
// Each in-flight command returns its credit through agent.credits when it
// completes.
type HelloPayload struct {
	Identity     string   `json:"vesselEngineId"`
	Capabilities []string `json:"capabilities"`
	Credits      int      `json:"credits"`
}

// NewHello builds a hello frame announcing credits free slots.
func NewHello(identity string, credits int) *Hello {
	caps := make([]string, len(Capabilities))
	copy(caps, Capabilities)

	return &Hello{
		Type: TypeHello,
		ID:   uuid.NewString(),
		Payload: HelloPayload{
			Identity:     identity,
			Capabilities: caps,
			Credits:      credits,
		},
	}
}

// FrameType implements Frame
func (h *Hello) FrameType() string { return TypeHello }

// CreditGrant returns credits to the control plane.
type CreditGrant struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Payload CreditPayload `json:"payload"`
}

// CreditPayload carries the number of credits granted.
type CreditPayload struct {
	Delta int `json:"delta"`
}

// NewCreditGrant builds a credit grant frame.
func NewCreditGrant(delta int) *CreditGrant {
	return &CreditGrant{
		Type:    TypeCredits,
		ID:      uuid.NewString(),
		Payload: CreditPayload{Delta: delta},
	}
}

// FrameType implements Frame
func (c *CreditGrant) FrameType() string { return TypeCredits }

// Done reports the outcome of one command result.
type Done struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
}

// NewDone builds a completion frame from a result.
func NewDone(r Result) *Done {
	return &Done{
		Type:   TypeDone,
		ID:     r.ID,
		Action: r.ReplyTo,
		OK:     r.OK,
		Result: r.Value,
	}
}

// FrameType implements Frame
func (d *Done) FrameType() string { return TypeDone }
