package engine

import (
	"fmt"

	"github.com/c360/semflow/health"
)

// Health reports the engine as unhealthy while stopped and degraded while
// any deployed flow has errored nodes. Each flow is a sub-status.
func (e *Engine) Health() health.Status {
	if !e.Running() {
		return health.NewUnhealthy("engine", "engine is not running")
	}

	flows := e.Flows()
	subs := make([]health.Status, 0, len(flows))
	for _, f := range flows {
		switch {
		case f.Stats.Errored > 0:
			subs = append(subs, health.NewDegraded(f.ID,
				fmt.Sprintf("%d of %d nodes errored", f.Stats.Errored, f.Stats.Nodes)))
		case !f.Running:
			subs = append(subs, health.NewUnhealthy(f.ID, "flow is not running"))
		default:
			subs = append(subs, health.NewHealthy(f.ID, fmt.Sprintf("%d nodes running", f.Stats.Running)))
		}
	}

	status := health.Aggregate("engine", subs)
	if len(subs) == 0 {
		status.Message = "running with no flows deployed"
	} else {
		status.Message = fmt.Sprintf("revision %s, %d flows", e.Revision(), len(subs))
	}
	return status
}
