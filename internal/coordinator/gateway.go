package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandKind tells a participant whether a command is a forward action or
// a compensation.
type CommandKind string

const (
	KindForward      CommandKind = "forward"
	KindCompensation CommandKind = "compensation"
)

// Command is what the coordinator sends to a participant.
type Command struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	ExecutionID   uuid.UUID       `json:"execution_id"`
	Saga          string          `json:"saga"`
	Participant   string          `json:"participant"`
	Kind          CommandKind     `json:"kind"`
	Step          int             `json:"step"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// ReplyStatus is the outcome a participant reports.
type ReplyStatus string

const (
	ReplySuccess ReplyStatus = "success"
	ReplyFailure ReplyStatus = "failure"
)

// Reply is what a participant sends back for a Command.
type Reply struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Status        ReplyStatus     `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`

	// timedOut marks the failure the manager synthesizes when no reply
	// arrived in time. It never travels over a transport.
	timedOut bool
}

// SuccessReply builds a success reply carrying v as payload.
func SuccessReply(correlationID uuid.UUID, v any) (Reply, error) {
	r := Reply{CorrelationID: correlationID, Status: ReplySuccess}
	if v == nil {
		return r, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("coordinator: encode reply payload: %w", err)
	}
	r.Payload = raw
	return r, nil
}

// FailureReply builds a failure reply from err.
func FailureReply(correlationID uuid.UUID, err error) Reply {
	msg := "participant failed"
	if err != nil {
		msg = err.Error()
	}
	return Reply{CorrelationID: correlationID, Status: ReplyFailure, Error: msg}
}

// Err returns nil for a success reply. Timeouts map to ErrReplyTimeout and
// every other failure to a *ParticipantError.
func (r Reply) Err() error {
	if r.Status == ReplySuccess {
		return nil
	}
	if r.timedOut {
		return ErrReplyTimeout
	}
	return &ParticipantError{Message: r.Error}
}

// Decode unmarshals the reply payload into dst.
func (r Reply) Decode(dst any) error {
	if len(r.Payload) == 0 {
		return errors.New("coordinator: reply has no payload")
	}
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("coordinator: decode reply payload: %w", err)
	}
	return nil
}

// ReplyHandler receives replies delivered by a Gateway.
type ReplyHandler func(ctx context.Context, reply Reply)

// Gateway is the participant invocation channel.
//
// Send dispatches a command and returns once it is handed to the transport;
// it never waits for the reply. Delivery is at-most-once. Replies arrive
// asynchronously on the handler registered with OnReply.
type Gateway interface {
	Send(ctx context.Context, cmd Command) error
	OnReply(h ReplyHandler)
}

func timeoutReply(correlationID uuid.UUID) Reply {
	return Reply{CorrelationID: correlationID, Status: ReplyFailure, Error: ErrReplyTimeout.Error(), timedOut: true}
}
