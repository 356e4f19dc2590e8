// Package coordinator runs sagas: sequences of participant invocations whose
// completed steps are compensated in reverse order when a later step fails.
//
// A Manager owns every execution. Each participant call suspends the
// execution (persisted as Paused) until the correlated reply arrives through
// the Gateway, so executions survive restarts and scale to many concurrent
// sagas. Work on one execution is serialized by a lock keyed by its id;
// managers in other processes sharing the store are kept out by versioned
// saves, and the loser of a race drops its work.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
)

const (
	// DefaultReplyTimeout applies to definitions without their own timeout.
	DefaultReplyTimeout = 30 * time.Second

	// DefaultWaitPollInterval is how often Wait rereads the store.
	DefaultWaitPollInterval = 500 * time.Millisecond
)

const tracerName = "github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"

// Manager drives saga executions.
type Manager struct {
	store        sagalog.Repository
	gateway      Gateway
	logger       *slog.Logger
	observer     Observer
	tracer       trace.Tracer
	replyTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	definitions map[string]*Definition

	locks *keyedMutex

	timersMu sync.Mutex
	timers   map[uuid.UUID]*time.Timer

	waitersMu sync.Mutex
	waiters   map[uuid.UUID][]chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithDefaultReplyTimeout overrides DefaultReplyTimeout. A non-positive value
// disables reply timeouts for definitions that set none.
func WithDefaultReplyTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.replyTimeout = d }
}

// WithWaitPollInterval sets how often Wait rereads the store, which catches
// executions finished by another coordinator sharing it. A non-positive
// value relies on in-process notifications only.
func WithWaitPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollInterval = d }
}

// WithClock replaces time.Now for timestamps and deadlines.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager and subscribes it to the gateway's replies.
func NewManager(store sagalog.Repository, gw Gateway, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		gateway:      gw,
		logger:       slog.New(slog.DiscardHandler),
		observer:     nopObserver{},
		tracer:       otel.Tracer(tracerName),
		replyTimeout: DefaultReplyTimeout,
		pollInterval: DefaultWaitPollInterval,
		now:          time.Now,
		definitions:  make(map[string]*Definition),
		locks:        newKeyedMutex(),
		timers:       make(map[uuid.UUID]*time.Timer),
		waiters:      make(map[uuid.UUID][]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	gw.OnReply(m.HandleReply)
	return m
}

// Register makes definitions resolvable by name, which Recover needs for
// executions started before a restart.
func (m *Manager) Register(defs ...*Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, def := range defs {
		if prev, ok := m.definitions[def.Name()]; ok && prev != def {
			return fmt.Errorf("%w: %q", ErrDefinitionConflict, def.Name())
		}
		m.definitions[def.Name()] = def
	}
	return nil
}

// RunOption configures a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	async        bool
	raiseOnError bool
}

// WithAsync makes Run return as soon as the first command is dispatched.
// Use Wait or Get to observe the outcome.
func WithAsync() RunOption {
	return func(o *runOptions) { o.async = true }
}

// WithRaiseOnError controls whether a compensated execution makes a blocking
// Run return an *ExecutionError. Defaults to true.
func WithRaiseOnError(raise bool) RunOption {
	return func(o *runOptions) { o.raiseOnError = raise }
}

// Run starts an execution of def with the initial context sc.
//
// By default Run blocks until the execution succeeds or is compensated, or
// ctx is done. Cancelling ctx stops the wait only; use Cancel to stop the
// execution itself.
func (m *Manager) Run(ctx context.Context, def *Definition, sc SagaContext, opts ...RunOption) (*Execution, error) {
	ro := runOptions{raiseOnError: true}
	for _, opt := range opts {
		opt(&ro)
	}
	if err := m.Register(def); err != nil {
		return nil, err
	}

	// The execution outlives the caller's deadline.
	bg := context.WithoutCancel(ctx)

	now := m.now()
	exec := &Execution{
		ID:         uuid.New(),
		Definition: def.Name(),
		Status:     StatusCreated,
		Context:    sc,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.save(bg, exec); err != nil {
		return nil, err
	}
	m.observer.ExecutionStarted(def.Name())
	m.logger.InfoContext(ctx, "saga execution created",
		slog.String("saga", def.Name()),
		slog.String("execution_id", exec.ID.String()),
	)

	unlock := m.locks.Lock(exec.ID)
	cmd, err := m.advance(bg, def, exec)
	snapshot := exec.clone()
	unlock()
	if err != nil {
		return snapshot, err
	}
	if cmd != nil {
		m.dispatch(bg, *cmd)
	}

	if ro.async {
		if latest, err := m.Get(bg, exec.ID); err == nil {
			return latest, nil
		}
		return snapshot, nil
	}

	final, err := m.Wait(ctx, exec.ID)
	if err != nil {
		return final, err
	}
	if final.Status == StatusCompensated && ro.raiseOnError {
		return final, &ExecutionError{
			ExecutionID:        final.ID,
			Saga:               final.Definition,
			Cause:              final.Error,
			CompensationErrors: final.CompensationErrors,
		}
	}
	return final, nil
}

// HandleReply is the ReplyHandler the manager registers on its gateway.
func (m *Manager) HandleReply(ctx context.Context, reply Reply) {
	if _, err := m.Resume(ctx, reply.CorrelationID, reply); err != nil && !errors.Is(err, ErrReplyIgnored) {
		m.logger.ErrorContext(ctx, "failed to apply saga reply",
			slog.String("correlation_id", reply.CorrelationID.String()),
			slog.Any("error", err),
		)
	}
}

// Resume applies the reply for the command identified by correlationID and
// moves the execution to its next step, its commit or its compensation.
//
// Replies for unknown, already answered or expired correlation ids return
// ErrReplyIgnored and change nothing.
func (m *Manager) Resume(ctx context.Context, correlationID uuid.UUID, reply Reply) (*Execution, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := m.tracer.Start(ctx, "saga.reply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("saga.correlation_id", correlationID.String()),
			attribute.String("saga.reply_status", string(reply.Status)),
		),
	)
	defer span.End()

	rec, err := m.store.GetByCorrelation(ctx, correlationID.String())
	if errors.Is(err, sagalog.ErrNotFound) {
		m.ignored(ctx, correlationID, "no execution awaits this correlation id")
		return nil, ErrReplyIgnored
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: resume %s: %w", correlationID, err)
	}
	id, err := uuid.Parse(rec.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resume %s: %w", correlationID, err)
	}

	unlock := m.locks.Lock(id)
	exec, err := m.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if exec.Status != StatusPaused || exec.PendingCorrelationID != correlationID {
		unlock()
		m.ignored(ctx, correlationID, "reply already applied or expired")
		return exec, ErrReplyIgnored
	}
	def, err := m.definition(exec.Definition)
	if err != nil {
		unlock()
		return exec, err
	}

	span.SetAttributes(
		attribute.String("saga.name", def.Name()),
		attribute.String("saga.execution_id", id.String()),
	)
	m.stopTimer(id)

	cmd, err := m.applyReply(ctx, def, exec, reply)
	snapshot := exec.clone()
	unlock()
	if errors.Is(err, sagalog.ErrConflict) {
		m.ignored(ctx, correlationID, "execution changed by another writer")
		return snapshot, ErrReplyIgnored
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snapshot, err
	}
	if cmd != nil {
		m.dispatch(ctx, *cmd)
	}
	return snapshot, nil
}

// Cancel asks an execution to stop. The request is honoured before the next
// command is sent: the execution then compensates its completed steps.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*Execution, error) {
	for attempt := 1; ; attempt++ {
		exec, err := m.cancel(ctx, id)
		if errors.Is(err, sagalog.ErrConflict) && attempt < maxCancelAttempts {
			continue
		}
		return exec, err
	}
}

const maxCancelAttempts = 3

func (m *Manager) cancel(ctx context.Context, id uuid.UUID) (*Execution, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	exec, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return exec, ErrExecutionFinished
	}
	if exec.CancelRequested {
		return exec, nil
	}

	exec.CancelRequested = true
	exec.UpdatedAt = m.now()
	if err := m.save(ctx, exec); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "saga cancellation requested",
		slog.String("saga", exec.Definition),
		slog.String("execution_id", id.String()),
		slog.String("status", string(exec.Status)),
	)
	return exec.clone(), nil
}

// Get returns the latest persisted state of an execution.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Execution, error) {
	return m.load(ctx, id)
}

// List returns the executions currently in one of statuses.
func (m *Manager) List(ctx context.Context, statuses ...Status) ([]*Execution, error) {
	recs, err := m.store.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(recs))
	for _, rec := range recs {
		exec, err := executionFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// History returns the transition log of an execution when the store keeps
// one, errors.ErrUnsupported otherwise.
func (m *Manager) History(ctx context.Context, id uuid.UUID) ([]sagalog.Entry, error) {
	hr, ok := m.store.(sagalog.HistoryReader)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return hr.History(ctx, id.String())
}

// Wait blocks until the execution reaches a terminal status or ctx is done.
// Executions finished in this process wake it at once; the periodic store
// read covers those finished by another coordinator.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (*Execution, error) {
	done := m.watch(id)

	exec, err := m.load(ctx, id)
	if err != nil {
		m.unwatch(id, done)
		return nil, err
	}
	if exec.Terminal() {
		m.unwatch(id, done)
		return exec, nil
	}

	var poll <-chan time.Time
	if m.pollInterval > 0 {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-done:
			return m.load(context.WithoutCancel(ctx), id)
		case <-poll:
			latest, err := m.load(ctx, id)
			if err != nil {
				m.logger.DebugContext(ctx, "failed to poll saga execution",
					slog.String("execution_id", id.String()),
					slog.Any("error", err),
				)
				continue
			}
			exec = latest
			if exec.Terminal() {
				m.unwatch(id, done)
				return exec, nil
			}
		case <-ctx.Done():
			m.unwatch(id, done)
			return exec, ctx.Err()
		}
	}
}

// Recover picks up executions left unfinished by a previous process: paused
// executions get their reply timer back, created and running ones continue
// from their cursor, failed and compensating ones run their compensation
// walk again.
func (m *Manager) Recover(ctx context.Context) error {
	recs, err := m.store.ListByStatus(ctx,
		StatusCreated, StatusRunning, StatusPaused, StatusFailed, StatusCompensating)
	if err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}

	var errs []error
	for _, rec := range recs {
		err := m.recoverOne(ctx, rec.ExecutionID)
		if errors.Is(err, sagalog.ErrConflict) {
			m.logger.InfoContext(ctx, "saga execution taken over by another coordinator",
				slog.String("execution_id", rec.ExecutionID),
			)
			continue
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to recover saga execution",
				slog.String("execution_id", rec.ExecutionID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	m.logger.InfoContext(ctx, "saga recovery finished",
		slog.Int("executions", len(recs)),
		slog.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// SweepExpired fails paused executions whose reply deadline has passed. It
// backs up the in-process timers, which do not survive a crash.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	recs, err := m.store.ListByStatus(ctx, StatusPaused)
	if err != nil {
		return 0, fmt.Errorf("coordinator: sweep: %w", err)
	}

	now := m.now()
	expired := 0
	var errs []error
	for _, rec := range recs {
		if rec.Deadline.IsZero() || rec.Deadline.After(now) {
			continue
		}
		corr, err := uuid.Parse(rec.PendingCorrelationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("coordinator: sweep %s: %w", rec.ExecutionID, err))
			continue
		}
		_, err = m.Resume(ctx, corr, timeoutReply(corr))
		switch {
		case err == nil:
			expired++
		case !errors.Is(err, ErrReplyIgnored):
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Close stops every pending reply timer. Paused executions stay persisted
// and are picked up by Recover or SweepExpired.
func (m *Manager) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) recoverOne(ctx context.Context, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("coordinator: recover %q: %w", rawID, err)
	}

	unlock := m.locks.Lock(id)
	exec, err := m.load(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	def, err := m.definition(exec.Definition)
	if err != nil {
		unlock()
		return err
	}

	var cmd *Command
	switch exec.Status {
	case StatusPaused:
		if !exec.Deadline.IsZero() {
			m.armTimer(exec.ID, exec.PendingCorrelationID, max(exec.Deadline.Sub(m.now()), 0))
		}
	case StatusCreated, StatusRunning:
		cmd, err = m.advance(ctx, def, exec)
	case StatusFailed, StatusCompensating:
		err = m.compensate(ctx, def, exec)
	}
	unlock()

	if err != nil {
		return err
	}
	if cmd != nil {
		m.dispatch(ctx, *cmd)
	}
	return nil
}

// advance moves a created or running execution to its next suspension point
// or to a terminal status. The caller holds the execution lock. The returned
// command, if any, must be dispatched after the lock is released.
func (m *Manager) advance(ctx context.Context, def *Definition, exec *Execution) (*Command, error) {
	if exec.Status == StatusCreated {
		if err := m.transition(ctx, exec, triggerStart); err != nil {
			return nil, err
		}
	}
	if exec.Status != StatusRunning {
		return nil, nil
	}

	if exec.CancelRequested {
		return nil, m.fail(ctx, def, exec, ErrCancelled)
	}
	if exec.Cursor >= def.Len() {
		return nil, m.commit(ctx, def, exec)
	}

	step := def.steps[exec.Cursor]
	raw, err := payload(step.Invoke, exec.Context)
	if err != nil {
		return nil, m.fail(ctx, def, exec, fmt.Errorf("step %d (%s): build command: %w", exec.Cursor, step.Participant, err))
	}

	now := m.now()
	cmd := &Command{
		CorrelationID: uuid.New(),
		ExecutionID:   exec.ID,
		Saga:          def.Name(),
		Participant:   step.Participant,
		Kind:          KindForward,
		Step:          exec.Cursor,
		Payload:       raw,
		IssuedAt:      now,
	}

	timeout := m.timeoutFor(def)
	exec.PendingCorrelationID = cmd.CorrelationID
	exec.Deadline = time.Time{}
	if timeout > 0 {
		exec.Deadline = now.Add(timeout)
	}

	// Paused is persisted before the command leaves, so a reply can never
	// find the execution in an older state.
	if err := m.transition(ctx, exec, triggerSuspend); err != nil {
		return nil, err
	}
	if timeout > 0 {
		m.armTimer(exec.ID, cmd.CorrelationID, timeout)
	}
	return cmd, nil
}

func (m *Manager) applyReply(ctx context.Context, def *Definition, exec *Execution, reply Reply) (*Command, error) {
	if exec.Cursor >= def.Len() {
		return nil, fmt.Errorf("coordinator: execution %s cursor %d out of range", exec.ID, exec.Cursor)
	}
	step := def.steps[exec.Cursor]
	exec.PendingCorrelationID = uuid.Nil
	exec.Deadline = time.Time{}

	if err := reply.Err(); err != nil {
		var pe *ParticipantError
		if errors.As(err, &pe) {
			pe.Participant = step.Participant
		}
		return nil, m.fail(ctx, def, exec, fmt.Errorf("step %d (%s): %w", exec.Cursor, step.Participant, err))
	}

	if err := m.transition(ctx, exec, triggerResume); err != nil {
		return nil, err
	}

	next, err := step.fold(exec.Context, reply)
	if err != nil {
		return nil, m.fail(ctx, def, exec, fmt.Errorf("step %d (%s): apply reply: %w", exec.Cursor, step.Participant, err))
	}
	exec.Context = next
	exec.CompletedSteps = append(exec.CompletedSteps, exec.Cursor)
	exec.Cursor++

	m.logger.DebugContext(ctx, "saga step completed",
		slog.String("saga", def.Name()),
		slog.String("execution_id", exec.ID.String()),
		slog.String("participant", step.Participant),
	)
	return m.advance(ctx, def, exec)
}

func (m *Manager) commit(ctx context.Context, def *Definition, exec *Execution) error {
	if def.commit != nil {
		next, err := def.commit(ctx, exec.Context)
		if err != nil {
			return m.fail(ctx, def, exec, fmt.Errorf("commit: %w", err))
		}
		exec.Context = exec.Context.Merge(next)
	}
	if err := m.transition(ctx, exec, triggerSucceed); err != nil {
		return err
	}
	m.finished(ctx, exec)
	return nil
}

func (m *Manager) fail(ctx context.Context, def *Definition, exec *Execution, cause error) error {
	exec.Error = cause.Error()
	exec.PendingCorrelationID = uuid.Nil
	exec.Deadline = time.Time{}
	if err := m.transition(ctx, exec, triggerFail); err != nil {
		return err
	}
	m.logger.WarnContext(ctx, "saga execution failed, starting compensation",
		slog.String("saga", def.Name()),
		slog.String("execution_id", exec.ID.String()),
		slog.Int("completed_steps", len(exec.CompletedSteps)),
		slog.Any("error", cause),
	)
	return m.compensate(ctx, def, exec)
}

// compensate sends the compensation of every completed step, most recent
// first. Each compensation is sent once per walk and never awaited: failures
// are recorded on the execution and the walk continues.
func (m *Manager) compensate(ctx context.Context, def *Definition, exec *Execution) error {
	if exec.Status == StatusFailed {
		if err := m.transition(ctx, exec, triggerCompensate); err != nil {
			return err
		}
	}

	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		idx := exec.CompletedSteps[i]
		if idx < 0 || idx >= def.Len() {
			m.compensationFailed(ctx, def, exec, StepDefinition{}, idx, errors.New("step index out of range"))
			continue
		}
		step := def.steps[idx]

		raw, err := payload(step.Compensate, exec.Context)
		if err != nil {
			m.compensationFailed(ctx, def, exec, step, idx, fmt.Errorf("build command: %w", err))
			continue
		}
		cmd := Command{
			CorrelationID: compensationID(exec.ID, idx),
			ExecutionID:   exec.ID,
			Saga:          def.Name(),
			Participant:   step.Compensation,
			Kind:          KindCompensation,
			Step:          idx,
			Payload:       raw,
			IssuedAt:      m.now(),
		}
		if err := m.send(ctx, cmd); err != nil {
			m.compensationFailed(ctx, def, exec, step, idx, fmt.Errorf("send: %w", err))
		}
	}

	if err := m.transition(ctx, exec, triggerFinish); err != nil {
		return err
	}
	m.finished(ctx, exec)
	return nil
}

// compensationID derives the correlation id of a compensation from its
// execution and step, so a walk repeated by Recover resends the ids of the
// first walk and participants can drop the duplicates.
func compensationID(executionID uuid.UUID, step int) uuid.UUID {
	return uuid.NewSHA1(executionID, []byte(fmt.Sprintf("compensation/%d", step)))
}

func (m *Manager) compensationFailed(ctx context.Context, def *Definition, exec *Execution, step StepDefinition, idx int, err error) {
	exec.CompensationErrors = append(exec.CompensationErrors,
		fmt.Sprintf("step %d (%s): %v", idx, step.Compensation, err))
	m.observer.CompensationFailed(def.Name(), step.Compensation)
	m.logger.ErrorContext(ctx, "CRITICAL: failed to compensate saga step",
		slog.String("saga", def.Name()),
		slog.String("execution_id", exec.ID.String()),
		slog.Int("step", idx),
		slog.String("participant", step.Compensation),
		slog.Any("error", err),
	)
}

func (m *Manager) finished(ctx context.Context, exec *Execution) {
	m.observer.ExecutionFinished(exec.Definition, exec.Status, m.now().Sub(exec.CreatedAt))
	m.logger.InfoContext(ctx, "saga execution finished",
		slog.String("saga", exec.Definition),
		slog.String("execution_id", exec.ID.String()),
		slog.String("status", string(exec.Status)),
		slog.Int("compensation_errors", len(exec.CompensationErrors)),
	)
	m.notify(exec.ID)
}

// dispatch sends a forward command outside the execution lock. A transport
// error fails the step exactly like a failure reply.
func (m *Manager) dispatch(ctx context.Context, cmd Command) {
	err := m.send(ctx, cmd)
	if err == nil {
		return
	}
	m.logger.ErrorContext(ctx, "failed to send saga command",
		slog.String("saga", cmd.Saga),
		slog.String("execution_id", cmd.ExecutionID.String()),
		slog.String("participant", cmd.Participant),
		slog.Any("error", err),
	)
	reply := FailureReply(cmd.CorrelationID, fmt.Errorf("send: %w", err))
	if _, err := m.Resume(ctx, cmd.CorrelationID, reply); err != nil && !errors.Is(err, ErrReplyIgnored) {
		m.logger.ErrorContext(ctx, "failed to fail saga step after send error",
			slog.String("execution_id", cmd.ExecutionID.String()),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) send(ctx context.Context, cmd Command) error {
	ctx, span := m.tracer.Start(ctx, "saga.send "+cmd.Participant,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("saga.name", cmd.Saga),
			attribute.String("saga.execution_id", cmd.ExecutionID.String()),
			attribute.String("saga.correlation_id", cmd.CorrelationID.String()),
			attribute.String("saga.command_kind", string(cmd.Kind)),
			attribute.Int("saga.step", cmd.Step),
		),
	)
	defer span.End()

	m.observer.StepDispatched(cmd.Saga, cmd.Participant, cmd.Kind)
	if err := m.gateway.Send(ctx, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, exec *Execution, t trigger) error {
	if err := exec.fire(ctx, t); err != nil {
		return err
	}
	exec.UpdatedAt = m.now()
	return m.save(ctx, exec)
}

func (m *Manager) save(ctx context.Context, exec *Execution) error {
	rec, err := exec.record()
	if err != nil {
		return err
	}
	sagalog.Stamp(ctx, rec)
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("coordinator: persist execution %s: %w", exec.ID, err)
	}
	exec.traceID, exec.spanID = rec.TraceID, rec.SpanID
	exec.version = rec.Version
	return nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (*Execution, error) {
	rec, err := m.store.Get(ctx, id.String())
	if errors.Is(err, sagalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: load execution %s: %w", id, err)
	}
	return executionFromRecord(rec)
}

func (m *Manager) definition(name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefinition, name)
	}
	return def, nil
}

func (m *Manager) timeoutFor(def *Definition) time.Duration {
	if def.replyTimeout > 0 {
		return def.replyTimeout
	}
	return m.replyTimeout
}

func (m *Manager) armTimer(id, correlationID uuid.UUID, d time.Duration) {
	t := time.AfterFunc(d, func() { m.expire(correlationID) })

	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = t
}

func (m *Manager) stopTimer(id uuid.UUID) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) expire(correlationID uuid.UUID) {
	ctx := context.Background()
	exec, err := m.Resume(ctx, correlationID, timeoutReply(correlationID))
	switch {
	case err == nil:
		m.logger.WarnContext(ctx, "saga step reply timed out",
			slog.String("execution_id", exec.ID.String()),
			slog.String("correlation_id", correlationID.String()),
		)
	case !errors.Is(err, ErrReplyIgnored):
		m.logger.ErrorContext(ctx, "failed to expire saga step",
			slog.String("correlation_id", correlationID.String()),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) ignored(ctx context.Context, correlationID uuid.UUID, reason string) {
	m.observer.ReplyIgnored()
	m.logger.DebugContext(ctx, "ignoring saga reply",
		slog.String("correlation_id", correlationID.String()),
		slog.String("reason", reason),
	)
}

func (m *Manager) watch(id uuid.UUID) chan struct{} {
	ch := make(chan struct{})
	m.waitersMu.Lock()
	m.waiters[id] = append(m.waiters[id], ch)
	m.waitersMu.Unlock()
	return ch
}

func (m *Manager) unwatch(id uuid.UUID, ch chan struct{}) {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()

	list := m.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.waiters, id)
		return
	}
	m.waiters[id] = list
}

func (m *Manager) notify(id uuid.UUID) {
	m.waitersMu.Lock()
	list := m.waiters[id]
	delete(m.waiters, id)
	m.waitersMu.Unlock()

	for _, ch := range list {
		close(ch)
	}
}
