package director

import (
	"time"
)

// checkpointLoop periodically snapshots every RUNNING execution into its
// checkpoint ring.
func (o *Orchestrator) checkpointLoop() {
	defer o.tasksWg.Done()
	ticker := time.NewTicker(o.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.checkpointRunning()
		}
	}
}

func (o *Orchestrator) checkpointRunning() {
	count := 0
	for _, execution := range o.activeExecutions() {
		if execution.Status() != ExecutionStatusRunning {
			continue
		}
		execution.AppendCheckpoint()
		count++
	}
	if count > 0 {
		o.logger.Debug("checkpointed running executions", "count", count)
	}
}

// Pause checkpoints a RUNNING execution and moves it to PAUSED. The
// execution keeps its sessions; Resume re-enqueues it. Returns false if
// the execution is unknown or not running.
func (o *Orchestrator) Pause(executionID string) bool {
	execution, ok := o.findExecution(executionID)
	if !ok || execution.Status() != ExecutionStatusRunning {
		return false
	}
	execution.AppendCheckpoint()
	execution.SetStatus(ExecutionStatusPaused)
	if cancel, ok := o.takeCancel(executionID); ok {
		cancel()
	}
	o.logger.Info("paused execution", "execution_id", executionID)
	return true
}

// Resume moves a PAUSED execution back to RUNNING and re-enqueues it at
// its original priority. Scheduling restarts the whole execution; steps
// already completed are not re-run. Returns false if the execution is
// unknown or not paused.
func (o *Orchestrator) Resume(executionID string) bool {
	execution, ok := o.findExecution(executionID)
	if !ok || execution.Status() != ExecutionStatusPaused {
		return false
	}
	execution.SetStatus(ExecutionStatusRunning)
	o.scheduler.Push(executionID, execution.Priority())
	o.syncQueueGauge()
	o.logger.Info("resumed execution", "execution_id", executionID)
	return true
}

// Cancel moves any non-terminal execution to CANCELLED, stamps its
// completion time, and triggers the same guaranteed session-release path
// as normal completion. In-flight action calls are not forcibly
// interrupted; the runner stops acting on their results. Returns false if
// the execution is unknown or already terminal.
func (o *Orchestrator) Cancel(executionID string) bool {
	execution, ok := o.findExecution(executionID)
	if !ok || execution.Status().Terminal() {
		return false
	}
	execution.SetStatus(ExecutionStatusCancelled)
	execution.MarkCompleted()

	if cancel, active := o.takeCancel(executionID); active {
		// A runner owns the execution; its cleanup path releases sessions
		// and archives.
		cancel()
	} else {
		// Queued or paused with no active runner: clean up here.
		for _, sessionID := range execution.AssignedSessionIDs() {
			o.broker.Release(sessionID)
		}
		o.archive(execution)
	}
	o.logger.Info("cancelled execution", "execution_id", executionID)
	return true
}

// Recover restores an execution from its most recent checkpoint, forces it
// back to RUNNING, re-inserts it into the active map if it was archived,
// and re-enqueues it. Returns false if the execution is unknown or has no
// checkpoint.
func (o *Orchestrator) Recover(executionID string) bool {
	execution, ok := o.findExecution(executionID)
	if !ok {
		return false
	}
	checkpoint, ok := execution.LatestCheckpoint()
	if !ok {
		o.logger.Warn("no checkpoint available for recovery", "execution_id", executionID)
		return false
	}
	execution.RestoreCheckpoint(checkpoint)
	o.restoreToActive(execution)
	o.scheduler.Push(executionID, execution.Priority())
	o.syncQueueGauge()
	o.logger.Info("recovered execution from checkpoint",
		"execution_id", executionID,
		"progress", checkpoint.Progress,
		"current_step", checkpoint.CurrentStep)
	return true
}

// restoreToActive moves an archived execution back into the active map.
func (o *Orchestrator) restoreToActive(execution *Execution) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if _, active := o.executions[execution.ID()]; active {
		return
	}
	for i, archived := range o.history {
		if archived.ID() == execution.ID() {
			o.history = append(o.history[:i], o.history[i+1:]...)
			break
		}
	}
	o.executions[execution.ID()] = execution
}
