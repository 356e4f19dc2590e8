package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Definition is an immutable, named list of steps plus a commit callback.
// Build one with NewSaga.
type Definition struct {
	name         string
	steps        []StepDefinition
	commit       CommitFunc
	replyTimeout time.Duration
}

func (d *Definition) Name() string { return d.name }

func (d *Definition) Len() int { return len(d.steps) }

// Steps returns a copy of the step list.
func (d *Definition) Steps() []StepDefinition { return slices.Clone(d.steps) }

// ReplyTimeout is the per-definition reply timeout; zero means the manager
// default applies.
func (d *Definition) ReplyTimeout() time.Duration { return d.replyTimeout }

// Option configures a saga definition.
type Option func(*sagaOptions)

type sagaOptions struct {
	replyTimeout time.Duration
	participants map[string]struct{}
}

// WithReplyTimeout bounds how long each step waits for its reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *sagaOptions) { o.replyTimeout = d }
}

// WithParticipants declares the participant catalog. Commit then rejects any
// invocation or compensation naming a participant outside it.
func WithParticipants(names ...string) Option {
	return func(o *sagaOptions) {
		if o.participants == nil {
			o.participants = make(map[string]struct{}, len(names))
		}
		for _, n := range names {
			o.participants[n] = struct{}{}
		}
	}
}

// Builder assembles a Definition step by step. Mistakes are collected and
// reported together by Commit.
//
//	def, err := coordinator.NewSaga("AddCartItem").
//		Step().
//		InvokeParticipant("ReserveProducts", reserve).
//		WithCompensation("ReserveProducts", release).
//		Commit(addItem)
type Builder struct {
	name  string
	opts  sagaOptions
	steps []StepDefinition
	errs  []error
}

// NewSaga starts a definition named name.
func NewSaga(name string, opts ...Option) *Builder {
	b := &Builder{name: name}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

// Step opens a new step. Subsequent calls configure it.
func (b *Builder) Step() *Builder {
	b.steps = append(b.steps, StepDefinition{})
	return b
}

// InvokeParticipant sets the forward command of the current step.
func (b *Builder) InvokeParticipant(name string, fn InvokeFunc) *Builder {
	step := b.current("InvokeParticipant")
	if step == nil {
		return b
	}
	if step.Participant != "" {
		b.errs = append(b.errs, fmt.Errorf("step %d: InvokeParticipant: %w", len(b.steps)-1, ErrDuplicateCallback))
		return b
	}
	step.Participant = name
	step.Invoke = fn
	return b
}

// OnReply sets how the current step folds its reply into the context.
func (b *Builder) OnReply(fn ReplyFunc) *Builder {
	step := b.current("OnReply")
	if step == nil {
		return b
	}
	if step.OnReply != nil {
		b.errs = append(b.errs, fmt.Errorf("step %d: OnReply: %w", len(b.steps)-1, ErrDuplicateCallback))
		return b
	}
	step.OnReply = fn
	return b
}

// WithCompensation sets the command that undoes the current step.
func (b *Builder) WithCompensation(name string, fn InvokeFunc) *Builder {
	step := b.current("WithCompensation")
	if step == nil {
		return b
	}
	if step.Compensation != "" {
		b.errs = append(b.errs, fmt.Errorf("step %d: WithCompensation: %w", len(b.steps)-1, ErrDuplicateCallback))
		return b
	}
	step.Compensation = name
	step.Compensate = fn
	return b
}

// Commit validates the definition and freezes it. A nil fn leaves the
// context unchanged on success.
func (b *Builder) Commit(fn CommitFunc) (*Definition, error) {
	errs := slices.Clone(b.errs)

	if b.name == "" {
		errs = append(errs, ErrEmptyName)
	}
	if len(b.steps) == 0 {
		errs = append(errs, ErrEmptySaga)
	}
	for i, s := range b.steps {
		if s.Participant == "" {
			errs = append(errs, fmt.Errorf("step %d: %w", i, ErrMissingInvocation))
		} else if !b.known(s.Participant) {
			errs = append(errs, fmt.Errorf("step %d: %w: %q", i, ErrUnknownParticipant, s.Participant))
		}
		if s.Compensation == "" {
			errs = append(errs, fmt.Errorf("step %d: %w", i, ErrMissingCompensation))
		} else if !b.known(s.Compensation) {
			errs = append(errs, fmt.Errorf("step %d: compensation: %w: %q", i, ErrUnknownParticipant, s.Compensation))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("coordinator: saga %q: %w", b.name, err)
	}

	return &Definition{
		name:         b.name,
		steps:        slices.Clone(b.steps),
		commit:       fn,
		replyTimeout: b.opts.replyTimeout,
	}, nil
}

// MustCommit is Commit for package-level definitions; it panics on a
// construction error.
func (b *Builder) MustCommit(fn CommitFunc) *Definition {
	def, err := b.Commit(fn)
	if err != nil {
		panic(err)
	}
	return def
}

func (b *Builder) current(method string) *StepDefinition {
	if len(b.steps) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", method, ErrNoStep))
		return nil
	}
	return &b.steps[len(b.steps)-1]
}

func (b *Builder) known(name string) bool {
	if b.opts.participants == nil {
		return true
	}
	_, ok := b.opts.participants[name]
	return ok
}
