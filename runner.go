package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// errInterrupted signals that a runner stopped because its execution was
// paused, cancelled, or shut down, rather than because of a failure.
var errInterrupted = errors.New("execution interrupted")

// runner walks one execution's step DAG, assigns sessions, invokes the
// action dispatcher, applies retry policy, and mutates execution state.
// It is the single writer for its execution.
type runner struct {
	orchestrator *Orchestrator
	definition   *Definition
	execution    *Execution
	logger       *slog.Logger
}

func newRunner(orchestrator *Orchestrator, definition *Definition, execution *Execution) *runner {
	return &runner{
		orchestrator: orchestrator,
		definition:   definition,
		execution:    execution,
		logger:       orchestrator.logger.With("execution_id", execution.ID()),
	}
}

// run executes the workflow to a terminal state (or until paused) and then
// performs the guaranteed cleanup path.
func (r *runner) run(ctx context.Context) {
	execution := r.execution
	execution.SetStatus(ExecutionStatusRunning)
	execution.MarkStarted()
	r.logger.Info("execution running",
		"workflow_id", execution.WorkflowID(),
		"parallel", r.definition.ParallelExecution(),
		"steps", len(execution.Steps()))

	var runErr error
	if r.definition.ParallelExecution() {
		runErr = r.runParallel(ctx)
	} else {
		runErr = r.runSequential(ctx)
	}
	r.finalize(runErr)
}

func (r *runner) finalize(runErr error) {
	execution := r.execution
	status := execution.Status()

	if status == ExecutionStatusPaused {
		// Paused executions keep their sessions and stay active; resume
		// re-enqueues them.
		r.logger.Info("execution paused", "progress", execution.Progress())
		return
	}

	if errors.Is(runErr, errInterrupted) &&
		status != ExecutionStatusCancelled && !r.orchestrator.stopping() {
		// A pause was immediately followed by a resume: the execution
		// belongs to a fresh runner now (which may even have finished
		// already). Leave its state and sessions alone.
		r.logger.Info("execution handed off after interruption")
		return
	}

	switch {
	case status == ExecutionStatusCancelled:
		// Cancel already stamped the completion time; the runner just
		// stops acting on results.
	case errors.Is(runErr, errInterrupted):
		execution.SetStatus(ExecutionStatusCancelled)
		execution.MarkCompleted()
	case runErr != nil:
		execution.AppendError(runErr.Error())
		execution.SetStatus(ExecutionStatusFailed)
		execution.MarkCompleted()
		r.logger.Error("execution failed", "error", runErr)
	default:
		execution.SetStatus(ExecutionStatusCompleted)
		execution.MarkCompleted()
		r.logger.Info("execution completed", "progress", execution.Progress())
	}

	r.releaseSessions()
	r.orchestrator.archive(execution)
}

// releaseSessions returns every session held by the execution to the
// broker exactly once.
func (r *runner) releaseSessions() {
	for _, sessionID := range r.execution.AssignedSessionIDs() {
		r.orchestrator.broker.Release(sessionID)
		r.logger.Debug("released session", "session_id", sessionID)
	}
}

// runSequential iterates steps in declaration order, running each step once
// all its dependencies are completed. Retry exhaustion on any step aborts
// the entire execution.
func (r *runner) runSequential(ctx context.Context) error {
	execution := r.execution
	steps := execution.Steps()
	total := len(steps)
	completed := execution.CompletedStepIDs()

	for len(completed) < total {
		if r.interrupted(ctx) {
			return errInterrupted
		}
		progressed := false
		for _, step := range steps {
			if completed[step.ID] || !dependenciesSatisfied(step.Dependencies, completed) {
				continue
			}
			if r.interrupted(ctx) {
				return errInterrupted
			}
			result, err := r.executeStepWithRetries(ctx, step.ID)
			if err != nil {
				// Escalate: abort the entire execution.
				return err
			}
			completed[step.ID] = true
			execution.SetResult(step.ID, result)
			execution.SetProgress(float64(len(completed)) / float64(total))
			progressed = true
		}
		if !progressed {
			return NewDeadlockError("no runnable steps remain (%d of %d complete)", len(completed), total)
		}
	}
	return nil
}

type stepOutcome struct {
	stepID string
	result any
	err    error
}

// runParallel runs ready steps concurrently up to the workflow's
// max_concurrent_steps bound, fanning in on the first completion each
// round. Steps that exhaust their retries are marked failed but added to
// the completed set anyway so dependents are not permanently blocked.
// A round with zero ready and zero running steps while steps remain
// incomplete is a deadlock and fails the execution immediately.
func (r *runner) runParallel(ctx context.Context) error {
	execution := r.execution
	steps := execution.Steps()
	total := len(steps)
	maxConcurrent := r.definition.MaxConcurrentSteps()
	completed := execution.CompletedStepIDs()
	running := map[string]bool{}
	outcomes := make(chan stepOutcome, total)

	var wg sync.WaitGroup
	defer wg.Wait()

	for len(completed) < total {
		if r.interrupted(ctx) {
			return errInterrupted
		}
		for _, step := range steps {
			if len(running) >= maxConcurrent {
				break
			}
			if completed[step.ID] || running[step.ID] || !dependenciesSatisfied(step.Dependencies, completed) {
				continue
			}
			running[step.ID] = true
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				result, err := r.executeStepWithRetries(ctx, stepID)
				outcomes <- stepOutcome{stepID: stepID, result: result, err: err}
			}(step.ID)
		}
		if len(running) == 0 {
			return NewDeadlockError("workflow deadlock: %d of %d steps complete with no runnable steps", len(completed), total)
		}

		select {
		case <-ctx.Done():
			return errInterrupted
		case outcome := <-outcomes:
			delete(running, outcome.stepID)
			switch {
			case outcome.err == nil:
				completed[outcome.stepID] = true
				execution.SetResult(outcome.stepID, outcome.result)
			case errors.Is(outcome.err, errInterrupted):
				return errInterrupted
			case IsErrorType(outcome.err, ErrorTypeResourceExhausted):
				// No session within the bounded wait fails the execution
				// in parallel mode too.
				return outcome.err
			default:
				// Absorb the exhausted step so dependents can still run.
				completed[outcome.stepID] = true
				execution.AppendError(fmt.Sprintf("step %s failed: %v", outcome.stepID, outcome.err))
				r.logger.Warn("absorbing failed step", "step_id", outcome.stepID, "error", outcome.err)
			}
			execution.SetProgress(float64(len(completed)) / float64(total))
		}
	}
	return nil
}

// executeStepWithRetries attempts a step until it succeeds or its retry
// budget is exhausted. Retries are immediate, with no backoff delay.
func (r *runner) executeStepWithRetries(ctx context.Context, stepID string) (any, error) {
	execution := r.execution
	for {
		result, err := r.attemptStep(ctx, stepID)
		if err == nil {
			now := time.Now()
			execution.UpdateStep(stepID, func(step *Step) {
				step.Status = StepStatusCompleted
				step.Result = result
				step.ErrorMessage = ""
				step.CompletedAt = now
			})
			return result, nil
		}
		if r.interrupted(ctx) {
			return nil, errInterrupted
		}
		if IsErrorType(err, ErrorTypeResourceExhausted) || IsErrorType(err, ErrorTypeValidation) {
			execution.UpdateStep(stepID, func(step *Step) {
				step.Status = StepStatusFailed
				step.ErrorMessage = err.Error()
				step.CompletedAt = time.Now()
			})
			execution.AppendError(fmt.Sprintf("step %s failed: %v", stepID, err))
			return nil, err
		}

		retriesRemain := false
		execution.UpdateStep(stepID, func(step *Step) {
			step.RetryCount++
			if step.RetryCount <= step.MaxRetries {
				step.Status = StepStatusRetrying
				retriesRemain = true
			} else {
				step.Status = StepStatusFailed
				step.ErrorMessage = err.Error()
				step.CompletedAt = time.Now()
			}
		})
		if !retriesRemain {
			execution.AppendError(fmt.Sprintf("step %s exhausted retries: %v", stepID, err))
			return nil, err
		}
		r.logger.Debug("retrying step", "step_id", stepID, "error", err)
	}
}

// attemptStep performs one attempt of a step: session assignment if the
// action needs one, then a single dispatcher call, logged to the action log.
func (r *runner) attemptStep(ctx context.Context, stepID string) (any, error) {
	execution := r.execution
	step, ok := execution.StepByID(stepID)
	if !ok {
		return nil, NewValidationError("step %q not found in execution", stepID)
	}

	sessionID := ""
	if ActionNeedsSession(step.Action) {
		var err error
		sessionID, err = r.sessionForStep(ctx, stepID)
		if err != nil {
			return nil, WrapResourceError(err)
		}
	}

	execution.SetCurrentStep(stepID)
	now := time.Now()
	execution.UpdateStep(stepID, func(s *Step) {
		s.Status = StepStatusRunning
		s.SessionID = sessionID
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
	})

	invocation := &Invocation{
		ExecutionID: execution.ID(),
		StepID:      step.ID,
		StepName:    step.Name,
		ActionName:  step.Action,
		SessionID:   sessionID,
		Parameters:  step.Parameters,
		Inputs:      execution.Inputs(),
		StepResults: execution.Result(),
	}
	start := time.Now()
	result, err := r.orchestrator.dispatcher.Execute(ctx, invocation)

	entry := &ActionLogEntry{
		ExecutionID: execution.ID(),
		StepID:      step.ID,
		Action:      step.Action,
		SessionID:   sessionID,
		Attempt:     step.RetryCount + 1,
		Parameters:  step.Parameters,
		Result:      result,
		StartTime:   start,
		Duration:    time.Since(start).Seconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := r.orchestrator.actionLog.LogAction(ctx, entry); logErr != nil {
		r.logger.Warn("failed to log action", "error", logErr)
	}

	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}

// sessionForStep returns the session a step should use: its prior
// assignment when the execution still holds that session, otherwise a fresh
// acquisition tagged with the workflow's session type. Sessions are held
// until the execution reaches a terminal state.
func (r *runner) sessionForStep(ctx context.Context, stepID string) (string, error) {
	execution := r.execution
	broker := r.orchestrator.broker

	if sessionID, ok := execution.SessionAssignments()[stepID]; ok {
		if broker.Pool().IsInUse(sessionID) {
			return sessionID, nil
		}
		// Recovered executions may find the session released but still
		// tracked; re-claim it if possible.
		if broker.Pool().AcquireID(sessionID) {
			return sessionID, nil
		}
	}

	sessionID, err := broker.Acquire(ctx, r.definition.SessionRequirements().SessionType)
	if err != nil {
		return "", err
	}
	execution.AssignSession(stepID, sessionID)
	broker.BumpWorkload(sessionID)
	return sessionID, nil
}

// interrupted reports whether the runner should stop acting: its context
// was cancelled or a control operation moved the execution out of RUNNING.
func (r *runner) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	switch r.execution.Status() {
	case ExecutionStatusPaused, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

func dependenciesSatisfied(dependencies []string, completed map[string]bool) bool {
	for _, dep := range dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}
