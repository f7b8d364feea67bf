package director

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExecutionSnapshot is a serializable view of an execution's state.
type ExecutionSnapshot struct {
	ExecutionID        string            `json:"execution_id"`
	WorkflowID         string            `json:"workflow_id"`
	WorkflowName       string            `json:"workflow_name"`
	Status             ExecutionStatus   `json:"status"`
	CurrentStep        string            `json:"current_step,omitempty"`
	Progress           float64           `json:"progress"`
	SessionAssignments map[string]string `json:"session_assignments,omitempty"`
	Steps              []*Step           `json:"steps"`
	Result             map[string]any    `json:"result,omitempty"`
	ErrorLog           []string          `json:"error_log,omitempty"`
	Checkpoints        int               `json:"checkpoints"`
	StartedAt          time.Time         `json:"started_at,omitzero"`
	CompletedAt        time.Time         `json:"completed_at,omitzero"`
}

// Status returns a snapshot of an execution, searching active executions
// first and then history. It fails only if the execution is truly unknown.
func (o *Orchestrator) Status(executionID string) (*ExecutionSnapshot, error) {
	execution, ok := o.findExecution(executionID)
	if !ok {
		return nil, NewValidationError("execution %q not found", executionID)
	}
	steps := make([]*Step, 0, len(execution.Steps()))
	for _, step := range execution.Steps() {
		if snapshot, ok := execution.StepByID(step.ID); ok {
			steps = append(steps, snapshot)
		}
	}
	return &ExecutionSnapshot{
		ExecutionID:        execution.ID(),
		WorkflowID:         execution.WorkflowID(),
		WorkflowName:       execution.workflowName,
		Status:             execution.Status(),
		CurrentStep:        execution.CurrentStep(),
		Progress:           execution.Progress(),
		SessionAssignments: execution.SessionAssignments(),
		Steps:              steps,
		Result:             execution.Result(),
		ErrorLog:           execution.ErrorLog(),
		Checkpoints:        len(execution.Checkpoints()),
		StartedAt:          execution.StartedAt(),
		CompletedAt:        execution.CompletedAt(),
	}, nil
}

// MetricsSnapshot summarizes orchestrator activity.
type MetricsSnapshot struct {
	ActiveExecutions    int     `json:"active_executions"`
	RunningExecutions   int     `json:"running_executions"`
	QueuedExecutions    int     `json:"queued_executions"`
	CompletedExecutions int     `json:"completed_executions"`
	FailedExecutions    int     `json:"failed_executions"`
	SessionsInUse       int     `json:"sessions_in_use"`
	SessionsTotal       int     `json:"sessions_total"`
	SessionUtilization  float64 `json:"session_utilization"`
	SuccessRate         float64 `json:"success_rate"`
}

// Metrics returns current orchestrator metrics. The success rate is
// guarded against division by zero.
func (o *Orchestrator) Metrics() *MetricsSnapshot {
	o.mutex.RLock()
	active := len(o.executions)
	completed := o.completed
	failed := o.failed
	o.mutex.RUnlock()

	running := o.runningCount()
	pool := o.broker.Pool()
	inUse := pool.InUseCount()
	total := pool.Size()

	snapshot := &MetricsSnapshot{
		ActiveExecutions:    active,
		RunningExecutions:   running,
		QueuedExecutions:    o.scheduler.Len(),
		CompletedExecutions: completed,
		FailedExecutions:    failed,
		SessionsInUse:       inUse,
		SessionsTotal:       total,
	}
	if total > 0 {
		snapshot.SessionUtilization = float64(inUse) / float64(total)
	}
	if completed+failed > 0 {
		snapshot.SuccessRate = float64(completed) / float64(completed+failed)
	}

	if o.collectors != nil {
		o.collectors.ActiveExecutions.Set(float64(active))
		o.collectors.RunningExecutions.Set(float64(running))
		o.collectors.QueuedExecutions.Set(float64(snapshot.QueuedExecutions))
		o.collectors.SessionsInUse.Set(float64(inUse))
	}
	return snapshot
}

// maxConcurrencyPerSession is the assumed number of concurrent workloads a
// single remote session can reasonably serve.
const maxConcurrencyPerSession = 5

// overloadedWorkloadThreshold flags sessions whose workload exceeds it.
const overloadedWorkloadThreshold = 3

// SessionLoad describes the workload carried by one session.
type SessionLoad struct {
	SessionID   string  `json:"session_id"`
	TaskType    string  `json:"task_type,omitempty"`
	Status      string  `json:"status"`
	Workload    int     `json:"workload"`
	Utilization float64 `json:"utilization"`
	Overloaded  bool    `json:"overloaded"`
}

// SessionDistribution returns per-session workload, capability tags, and a
// derived utilization ratio, flagging overloaded sessions.
func (o *Orchestrator) SessionDistribution() []SessionLoad {
	workload := o.broker.WorkloadSnapshot()
	tags := o.broker.TagSnapshot()

	loads := make([]SessionLoad, 0)
	for _, handle := range o.broker.Pool().List() {
		count := workload[handle.ID]
		loads = append(loads, SessionLoad{
			SessionID:   handle.ID,
			TaskType:    tags[handle.ID],
			Status:      string(handle.Status),
			Workload:    count,
			Utilization: float64(count) / maxConcurrencyPerSession,
			Overloaded:  count > overloadedWorkloadThreshold,
		})
	}
	sort.Slice(loads, func(i, j int) bool {
		return loads[i].SessionID < loads[j].SessionID
	})
	return loads
}

// Collectors holds the orchestrator's Prometheus instruments.
type Collectors struct {
	ActiveExecutions    prometheus.Gauge
	RunningExecutions   prometheus.Gauge
	QueuedExecutions    prometheus.Gauge
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	SessionsInUse       prometheus.Gauge
}

// NewCollectors registers the orchestrator's metrics with reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "director_active_executions",
			Help: "Number of executions in the active map.",
		}),
		RunningExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "director_running_executions",
			Help: "Number of executions currently running.",
		}),
		QueuedExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "director_queued_executions",
			Help: "Number of executions waiting in the admission queue.",
		}),
		ExecutionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "director_executions_completed_total",
			Help: "Total executions that reached the completed state.",
		}),
		ExecutionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "director_executions_failed_total",
			Help: "Total executions that reached the failed state.",
		}),
		SessionsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "director_sessions_in_use",
			Help: "Number of sessions currently checked out of the pool.",
		}),
	}
}
