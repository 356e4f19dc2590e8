// Package sagalog defines the persisted form of a saga execution.
//
// Every state transition of an execution is written through a Repository. The
// record serves two purposes:
//
//  1. Observability: operators can see exactly where an execution is (or was)
//     and correlate it with a distributed trace via the trace_id field.
//
//  2. Recovery: on restart, the coordinator reads the non-terminal records and
//     resumes or compensates executions that were in flight when the process
//     stopped.
package sagalog

import (
	"encoding/json"
	"slices"
	"time"
)

// Status represents the lifecycle state of a saga execution.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusRunning      Status = "RUNNING"
	StatusPaused       Status = "PAUSED"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCompensated
}

// Record is a point-in-time snapshot of a saga execution.
type Record struct {
	// ExecutionID is the unique identifier of the execution (UUID string).
	ExecutionID string `json:"execution_id"`

	// DefinitionName names the saga definition the execution runs. The
	// coordinator resolves it against its registry on recovery.
	DefinitionName string `json:"definition_name"`

	Status Status `json:"status"`

	// Cursor is the index of the next step to run.
	Cursor int `json:"cursor"`

	// CompletedSteps lists step indices whose forward action succeeded, in
	// completion order. Compensation walks it backwards.
	CompletedSteps []int `json:"completed_steps"`

	// Context is the JSON-encoded saga context.
	Context json.RawMessage `json:"context"`

	// PendingCorrelationID is the correlation id of the command awaiting a
	// reply, empty when none.
	PendingCorrelationID string `json:"pending_correlation_id,omitempty"`

	// Deadline is when the pending reply times out. Zero when none.
	Deadline time.Time `json:"deadline,omitzero"`

	CancelRequested bool `json:"cancel_requested"`

	// Error describes what failed the execution.
	Error string `json:"error,omitempty"`

	// CompensationErrors accumulates compensation commands that could not be
	// built or sent.
	CompensationErrors []string `json:"compensation_errors,omitempty"`

	// TraceID is the W3C trace ID extracted from the OpenTelemetry span that
	// was active when this record was written.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the specific span within the trace.
	SpanID string `json:"span_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version counts the saves of the execution. Save only accepts a record
	// whose Version matches the stored one and increments it on success.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedSteps = slices.Clone(r.CompletedSteps)
	c.Context = slices.Clone(r.Context)
	c.CompensationErrors = slices.Clone(r.CompensationErrors)
	return &c
}

// Entry is one row of the append-only transition log kept by stores that
// support history.
type Entry struct {
	ExecutionID string
	Status      Status
	Cursor      int
	Error       string
	TraceID     string
	SpanID      string
	RecordedAt  time.Time
}
