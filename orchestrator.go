package director

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/director/session"
)

// MaxExecutionHistory bounds the terminal-execution history buffer;
// the oldest execution is evicted once the bound is exceeded.
const MaxExecutionHistory = 100

// Options configures an Orchestrator.
type Options struct {
	Dispatcher             ActionDispatcher
	SessionProvider        session.Provider
	Broker                 *session.Broker
	Registry               *Registry
	ActionLog              ActionLog
	Logger                 *slog.Logger
	Collectors             *Collectors
	MaxSessions            int
	MaxConcurrentWorkflows int
	CheckpointInterval     time.Duration
	DispatchWait           time.Duration
}

// Orchestrator owns all mutable orchestration state: the workflow registry,
// the admission queue, active and historical executions, and the session
// broker. It is constructed once and shared by reference with its
// background tasks.
type Orchestrator struct {
	logger                 *slog.Logger
	registry               *Registry
	scheduler              *Scheduler
	broker                 *session.Broker
	dispatcher             ActionDispatcher
	actionLog              ActionLog
	collectors             *Collectors
	maxConcurrentWorkflows int
	checkpointInterval     time.Duration
	dispatchWait           time.Duration

	mutex      sync.RWMutex
	executions map[string]*Execution
	history    []*Execution
	cancels    map[string]*runnerToken
	completed  int
	failed     int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
	tasksWg    sync.WaitGroup
	started    bool
}

// New creates a new Orchestrator configured with the given options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("action dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ActionLog == nil {
		opts.ActionLog = NewNullActionLog()
	}
	if opts.MaxConcurrentWorkflows <= 0 {
		opts.MaxConcurrentWorkflows = 5
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 60 * time.Second
	}
	if opts.DispatchWait <= 0 {
		opts.DispatchWait = 100 * time.Millisecond
	}

	broker := opts.Broker
	if broker == nil {
		if opts.SessionProvider == nil {
			return nil, fmt.Errorf("session provider or broker is required")
		}
		pool, err := session.NewPool(session.PoolOptions{
			MaxSize:  opts.MaxSessions,
			Provider: opts.SessionProvider,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		broker, err = session.NewBroker(session.BrokerOptions{
			Pool:   pool,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:                 opts.Logger,
		registry:               opts.Registry,
		scheduler:              NewScheduler(),
		broker:                 broker,
		dispatcher:             opts.Dispatcher,
		actionLog:              opts.ActionLog,
		collectors:             opts.Collectors,
		maxConcurrentWorkflows: opts.MaxConcurrentWorkflows,
		checkpointInterval:     opts.CheckpointInterval,
		dispatchWait:           opts.DispatchWait,
		executions:             map[string]*Execution{},
		cancels:                map[string]*runnerToken{},
		baseCtx:                baseCtx,
		baseCancel:             baseCancel,
		stop:                   make(chan struct{}),
	}, nil
}

// Start launches the dispatch loop, the checkpoint loop, and the session
// broker's periodic sweeps.
func (o *Orchestrator) Start() error {
	o.mutex.Lock()
	if o.started {
		o.mutex.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mutex.Unlock()

	o.broker.Start()
	o.tasksWg.Add(2)
	go o.dispatchLoop()
	go o.checkpointLoop()
	o.logger.Info("orchestrator started",
		"max_concurrent_workflows", o.maxConcurrentWorkflows)
	return nil
}

// Stop cancels all running executions, then stops and awaits every
// background task.
func (o *Orchestrator) Stop() {
	for _, execution := range o.activeExecutions() {
		if execution.Status() == ExecutionStatusRunning {
			o.Cancel(execution.ID())
		}
	}
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	o.baseCancel()
	o.tasksWg.Wait()
	o.broker.Stop()
	o.logger.Info("orchestrator stopped")
}

// Registry returns the orchestrator's workflow registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Broker returns the orchestrator's session broker.
func (o *Orchestrator) Broker() *session.Broker {
	return o.broker
}

// CreateWorkflow validates and registers a workflow definition.
func (o *Orchestrator) CreateWorkflow(opts WorkflowOptions) (string, error) {
	workflowID, err := o.registry.Create(opts)
	if err != nil {
		return "", err
	}
	o.logger.Info("created workflow", "workflow_id", workflowID, "name", opts.Name)
	return workflowID, nil
}

// ExecuteOptions configures one workflow execution.
type ExecuteOptions struct {
	Inputs map[string]any

	// Priority overrides the workflow's default priority when non-zero.
	Priority Priority
}

// ExecuteWorkflow creates a pending execution and enqueues it for dispatch.
func (o *Orchestrator) ExecuteWorkflow(workflowID string, opts ExecuteOptions) (string, error) {
	definition, err := o.registry.Get(workflowID)
	if err != nil {
		return "", err
	}
	priority := opts.Priority
	if priority == 0 {
		priority = definition.Priority()
	}
	execution := newExecution(definition, opts.Inputs, priority)

	o.mutex.Lock()
	o.executions[execution.ID()] = execution
	o.mutex.Unlock()

	o.scheduler.Push(execution.ID(), priority)
	o.syncQueueGauge()
	o.logger.Info("enqueued execution",
		"execution_id", execution.ID(),
		"workflow_id", workflowID,
		"priority", priority)
	return execution.ID(), nil
}

// dispatchLoop admits queued executions while the number of active runners
// stays under the concurrency cap. It never crashes: errors are logged and
// the loop backs off briefly.
func (o *Orchestrator) dispatchLoop() {
	defer o.tasksWg.Done()
	for {
		select {
		case <-o.stop:
			return
		default:
		}

		if o.activeRunnerCount() >= o.maxConcurrentWorkflows {
			select {
			case <-o.stop:
				return
			case <-time.After(o.dispatchWait):
			}
			continue
		}

		executionID, ok := o.scheduler.Pop(o.dispatchWait, o.stop)
		if !ok {
			continue
		}
		o.syncQueueGauge()
		if err := o.dispatch(executionID); err != nil {
			o.logger.Error("dispatch failed", "execution_id", executionID, "error", err)
			select {
			case <-o.stop:
				return
			case <-time.After(o.dispatchWait):
			}
		}
	}
}

func (o *Orchestrator) dispatch(executionID string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	execution, ok := o.executions[executionID]
	if !ok {
		// Cancelled or archived while queued.
		return nil
	}
	switch execution.Status() {
	case ExecutionStatusPending, ExecutionStatusRunning:
	default:
		return nil
	}
	if _, active := o.cancels[executionID]; active {
		return nil
	}
	definition, err := o.registry.Get(execution.WorkflowID())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	token := &runnerToken{cancel: cancel}
	o.cancels[executionID] = token

	o.tasksWg.Add(1)
	go func() {
		defer o.tasksWg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				o.logger.Error("runner panicked",
					"execution_id", executionID, "panic", recovered)
				execution.AppendError(fmt.Sprintf("runner panic: %v", recovered))
				execution.SetStatus(ExecutionStatusFailed)
				execution.MarkCompleted()
				o.archive(execution)
			}
			o.releaseToken(executionID, token)
			cancel()
		}()
		newRunner(o, definition, execution).run(ctx)
	}()
	return nil
}

// archive moves a terminal execution from the active map to the bounded
// history buffer. Non-terminal executions are left alone.
func (o *Orchestrator) archive(execution *Execution) {
	if !execution.Status().Terminal() {
		return
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if _, active := o.executions[execution.ID()]; !active {
		return
	}
	delete(o.executions, execution.ID())
	o.history = append(o.history, execution)
	if len(o.history) > MaxExecutionHistory {
		o.history = o.history[len(o.history)-MaxExecutionHistory:]
	}
	switch execution.Status() {
	case ExecutionStatusCompleted:
		o.completed++
		if o.collectors != nil {
			o.collectors.ExecutionsCompleted.Inc()
		}
	case ExecutionStatusFailed:
		o.failed++
		if o.collectors != nil {
			o.collectors.ExecutionsFailed.Inc()
		}
	}
}

// activeRunnerCount is the dispatch-loop concurrency gate. It counts
// runners rather than RUNNING statuses so that a resumed execution (status
// RUNNING, waiting in the queue) cannot block its own dispatch.
func (o *Orchestrator) activeRunnerCount() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	return len(o.cancels)
}

func (o *Orchestrator) runningCount() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	count := 0
	for _, execution := range o.executions {
		if execution.Status() == ExecutionStatusRunning {
			count++
		}
	}
	return count
}

func (o *Orchestrator) activeExecutions() []*Execution {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	executions := make([]*Execution, 0, len(o.executions))
	for _, execution := range o.executions {
		executions = append(executions, execution)
	}
	return executions
}

// findExecution searches active executions, then history.
func (o *Orchestrator) findExecution(executionID string) (*Execution, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	if execution, ok := o.executions[executionID]; ok {
		return execution, true
	}
	for _, execution := range o.history {
		if execution.ID() == executionID {
			return execution, true
		}
	}
	return nil, false
}

// runnerToken identifies one dispatched runner. Pause and Cancel take the
// token to interrupt the runner; the dispatch goroutine releases only its
// own token, so an unwinding runner cannot remove a re-dispatched
// successor's entry for the same execution.
type runnerToken struct {
	cancel context.CancelFunc
}

// releaseToken removes the cancels entry only if it still belongs to the
// given runner.
func (o *Orchestrator) releaseToken(executionID string, token *runnerToken) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.cancels[executionID] == token {
		delete(o.cancels, executionID)
	}
}

func (o *Orchestrator) takeCancel(executionID string) (context.CancelFunc, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	token, ok := o.cancels[executionID]
	if !ok {
		return nil, false
	}
	delete(o.cancels, executionID)
	return token.cancel, true
}

// syncQueueGauge sets the queued-executions gauge to the queue length, so
// entries dropped without dispatching (cancelled while queued, stale after
// archive) never leave the gauge drifting.
func (o *Orchestrator) syncQueueGauge() {
	if o.collectors != nil {
		o.collectors.QueuedExecutions.Set(float64(o.scheduler.Len()))
	}
}

// stopping reports whether Stop has begun shutting the orchestrator down.
func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}
