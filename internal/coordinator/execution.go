package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
)

// Status is the lifecycle state of an execution.
type Status = sagalog.Status

const (
	StatusCreated      = sagalog.StatusCreated
	StatusRunning      = sagalog.StatusRunning
	StatusPaused       = sagalog.StatusPaused
	StatusSucceeded    = sagalog.StatusSucceeded
	StatusFailed       = sagalog.StatusFailed
	StatusCompensating = sagalog.StatusCompensating
	StatusCompensated  = sagalog.StatusCompensated
)

type trigger string

const (
	triggerStart      trigger = "start"
	triggerSuspend    trigger = "suspend"
	triggerResume     trigger = "resume"
	triggerSucceed    trigger = "succeed"
	triggerFail       trigger = "fail"
	triggerCompensate trigger = "compensate"
	triggerFinish     trigger = "finish"
)

// Execution is one run of a Definition.
type Execution struct {
	ID         uuid.UUID
	Definition string
	Status     Status

	// Cursor is the index of the next step to run.
	Cursor         int
	CompletedSteps []int
	Context        SagaContext

	// PendingCorrelationID is uuid.Nil unless a reply is awaited.
	PendingCorrelationID uuid.UUID
	Deadline             time.Time
	CancelRequested      bool

	Error              string
	CompensationErrors []string

	CreatedAt time.Time
	UpdatedAt time.Time

	traceID, spanID string

	// version is the store version the execution was read at.
	version int64
}

// Terminal reports whether the execution can no longer change.
func (e *Execution) Terminal() bool { return e.Status.Terminal() }

// CompensatedWithErrors reports an execution whose compensation walk could
// not deliver every compensation.
func (e *Execution) CompensatedWithErrors() bool {
	return e.Status == StatusCompensated && len(e.CompensationErrors) > 0
}

func (e *Execution) clone() *Execution {
	c := *e
	c.CompletedSteps = slices.Clone(e.CompletedSteps)
	c.CompensationErrors = slices.Clone(e.CompensationErrors)
	return &c
}

// fire applies a lifecycle transition. The state machine keeps no state of
// its own: it reads and writes e.Status.
func (e *Execution) fire(ctx context.Context, t trigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return e.Status, nil },
		func(_ context.Context, s stateless.State) error {
			e.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusCreated).
		Permit(triggerStart, StatusRunning)

	sm.Configure(StatusRunning).
		Permit(triggerSuspend, StatusPaused).
		Permit(triggerSucceed, StatusSucceeded).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusPaused).
		Permit(triggerResume, StatusRunning).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusFailed).
		Permit(triggerCompensate, StatusCompensating)

	sm.Configure(StatusCompensating).
		Permit(triggerFinish, StatusCompensated)

	from := e.Status
	if err := sm.FireCtx(ctx, t); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrInvalidTransition, t, from, err)
	}
	return nil
}

func (e *Execution) record() (*sagalog.Record, error) {
	sc, err := json.Marshal(e.Context)
	if err != nil {
		return nil, fmt.Errorf("coordinator: encode context of %s: %w", e.ID, err)
	}
	r := &sagalog.Record{
		ExecutionID:        e.ID.String(),
		DefinitionName:     e.Definition,
		Status:             e.Status,
		Cursor:             e.Cursor,
		CompletedSteps:     slices.Clone(e.CompletedSteps),
		Context:            sc,
		Deadline:           e.Deadline,
		CancelRequested:    e.CancelRequested,
		Error:              e.Error,
		CompensationErrors: slices.Clone(e.CompensationErrors),
		TraceID:            e.traceID,
		SpanID:             e.spanID,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		Version:            e.version,
	}
	if e.PendingCorrelationID != uuid.Nil {
		r.PendingCorrelationID = e.PendingCorrelationID.String()
	}
	return r, nil
}

func executionFromRecord(r *sagalog.Record) (*Execution, error) {
	id, err := uuid.Parse(r.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse execution id %q: %w", r.ExecutionID, err)
	}
	e := &Execution{
		ID:                 id,
		Definition:         r.DefinitionName,
		Status:             r.Status,
		Cursor:             r.Cursor,
		CompletedSteps:     slices.Clone(r.CompletedSteps),
		Deadline:           r.Deadline,
		CancelRequested:    r.CancelRequested,
		Error:              r.Error,
		CompensationErrors: slices.Clone(r.CompensationErrors),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		traceID:            r.TraceID,
		spanID:             r.SpanID,
		version:            r.Version,
	}
	if r.PendingCorrelationID != "" {
		if e.PendingCorrelationID, err = uuid.Parse(r.PendingCorrelationID); err != nil {
			return nil, fmt.Errorf("coordinator: parse correlation id %q: %w", r.PendingCorrelationID, err)
		}
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &e.Context); err != nil {
			return nil, err
		}
	}
	return e, nil
}
