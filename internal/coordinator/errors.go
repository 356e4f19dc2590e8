package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Construction errors, reported by Builder.Commit.
var (
	ErrEmptyName           = errors.New("coordinator: saga name is empty")
	ErrEmptySaga           = errors.New("coordinator: saga has no steps")
	ErrNoStep              = errors.New("coordinator: step option used before Step()")
	ErrMissingInvocation   = errors.New("coordinator: step has no participant invocation")
	ErrMissingCompensation = errors.New("coordinator: step has no compensation")
	ErrUnknownParticipant  = errors.New("coordinator: unknown participant")
	ErrDuplicateCallback   = errors.New("coordinator: step callback set twice")
)

// Runtime errors.
var (
	ErrReplyIgnored       = errors.New("coordinator: reply ignored")
	ErrReplyTimeout       = errors.New("coordinator: participant reply timed out")
	ErrCancelled          = errors.New("coordinator: execution cancelled")
	ErrSagaFailed         = errors.New("coordinator: saga failed")
	ErrExecutionNotFound  = errors.New("coordinator: execution not found")
	ErrExecutionFinished  = errors.New("coordinator: execution already finished")
	ErrUnknownDefinition  = errors.New("coordinator: unknown saga definition")
	ErrInvalidTransition  = errors.New("coordinator: invalid status transition")
	ErrDefinitionConflict = errors.New("coordinator: another definition is registered under this name")
)

// ParticipantError is a failure reported by a participant.
type ParticipantError struct {
	Participant string
	Message     string
}

func (e *ParticipantError) Error() string {
	if e.Participant == "" {
		return "participant failed: " + e.Message
	}
	return fmt.Sprintf("participant %s failed: %s", e.Participant, e.Message)
}

// ExecutionError is returned by Run when an execution ends compensated and
// the caller asked for errors to be raised. It matches ErrSagaFailed.
type ExecutionError struct {
	ExecutionID        uuid.UUID
	Saga               string
	Cause              string
	CompensationErrors []string
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "saga %s (%s) compensated: %s", e.Saga, e.ExecutionID, e.Cause)
	if n := len(e.CompensationErrors); n > 0 {
		fmt.Fprintf(&b, " (%d compensation errors)", n)
	}
	return b.String()
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrSagaFailed
}
