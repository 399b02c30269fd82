package orchestration

import (
	"time"

	"github.com/ensembleworks/ensemble/telemetry"
)

// Domain metric helpers for the scheduler. Keeping metric names in one
// place makes dashboards stable across refactors.

func emitTaskSubmitted(agentType string) {
	telemetry.Counter("scheduler.tasks.submitted", "agent_type", agentType)
}

func emitTaskStarted(agentType string, attempt int) {
	telemetry.Counter("scheduler.tasks.started", "agent_type", agentType)
	if attempt > 1 {
		telemetry.Counter("scheduler.tasks.retried", "agent_type", agentType)
	}
}

func emitTaskCompleted(agentType string, started time.Time) {
	telemetry.Counter("scheduler.tasks.completed", "agent_type", agentType)
	telemetry.Duration("scheduler.task.duration_ms", started, "agent_type", agentType)
}

func emitTaskFailed(agentType, code string) {
	telemetry.Counter("scheduler.tasks.failed", "agent_type", agentType, "code", code)
}

func emitTaskCancelled(agentType, cancelledBy string) {
	telemetry.Counter("scheduler.tasks.cancelled", "agent_type", agentType, "cancelled_by", cancelledBy)
}

func emitQueueDepth(depth int64) {
	telemetry.Gauge("scheduler.queue.depth", float64(depth))
}

func emitOrphanRecovered(requeued bool) {
	outcome := "failed"
	if requeued {
		outcome = "requeued"
	}
	telemetry.Counter("scheduler.orphans.recovered", "outcome", outcome)
}
