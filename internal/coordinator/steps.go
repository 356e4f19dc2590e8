package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
)

// InvokeFunc builds the payload of a command from the current context. A nil
// InvokeFunc sends a command without payload.
type InvokeFunc func(sc SagaContext) (any, error)

// ReplyFunc folds a successful reply into the context. The returned context
// is merged into the execution context: returned keys are added or replaced,
// missing keys are kept.
type ReplyFunc func(sc SagaContext, reply Reply) (SagaContext, error)

// CommitFunc runs once after every step succeeded. Its result is merged like
// a ReplyFunc result; an error compensates every step.
type CommitFunc func(ctx context.Context, sc SagaContext) (SagaContext, error)

// StepDefinition is one step of a saga: a participant invocation, how to
// fold its reply and the compensation that undoes it. Compensations must be
// idempotent: a recovered execution may send them again, with the
// correlation id of the first attempt.
type StepDefinition struct {
	Participant  string
	Invoke       InvokeFunc
	OnReply      ReplyFunc
	Compensation string
	Compensate   InvokeFunc
}

// payload encodes the command payload produced by fn.
func payload(fn InvokeFunc, sc SagaContext) (json.RawMessage, error) {
	if fn == nil {
		return nil, nil
	}
	v, err := fn(sc)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// fold applies the step's reply callback. Without one, the top-level keys of
// an object payload are merged into the context.
func (s StepDefinition) fold(sc SagaContext, reply Reply) (SagaContext, error) {
	if s.OnReply == nil {
		return sc.Merge(objectContext(reply.Payload)), nil
	}
	next, err := s.OnReply(sc, reply)
	if err != nil {
		return sc, err
	}
	return sc.Merge(next), nil
}
