package worker

import (
	"encoding/json"
	"path/filepath"
	"time"

	"swarmcore/internal/filestore"
)

// heartbeat is the single-writer-many-reader record at
// heartbeats/<agent>.json, per §5's shared-resource policy.
type heartbeat struct {
	AgentID     string    `json:"agent_id"`
	Role        string    `json:"role"`
	LastTick    time.Time `json:"last_tick"`
	CurrentTask string    `json:"current_task,omitempty"`
	IdleCycles  int       `json:"idle_cycles"`
}

func (w *Worker) writeHeartbeat(currentTask string, idleCycles int) {
	if w.cfg.HeartbeatDir == "" {
		return
	}
	hb := heartbeat{
		AgentID:     w.cfg.ID,
		Role:        w.cfg.Role,
		LastTick:    w.now(),
		CurrentTask: currentTask,
		IdleCycles:  idleCycles,
	}
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		w.log.Warn("encode heartbeat: %v", err)
		return
	}
	path := filepath.Join(w.cfg.HeartbeatDir, w.cfg.ID+".json")
	if err := filestore.AtomicWrite(path, data, 0o600); err != nil {
		w.log.Warn("write heartbeat: %v", err)
	}
}
