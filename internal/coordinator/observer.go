package coordinator

import "time"

// Observer receives execution events, typically to feed metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	ExecutionStarted(saga string)
	StepDispatched(saga, participant string, kind CommandKind)
	ExecutionFinished(saga string, status Status, elapsed time.Duration)
	CompensationFailed(saga, participant string)
	ReplyIgnored()
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted(string) {}
func (nopObserver) StepDispatched(string, string, CommandKind) {}
func (nopObserver) ExecutionFinished(string, Status, time.Duration) {}
func (nopObserver) CompensationFailed(string, string) {}
func (nopObserver) ReplyIgnored() {}
