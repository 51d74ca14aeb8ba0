package domain

import "fmt"

// ProjectState is the lifecycle state of a project as reported by the broker.
// The client never assigns one on its own; it only relays what the broker returned.
type ProjectState string

const (
	ProjectStatePreparing        ProjectState = "preparing"
	ProjectStateActive           ProjectState = "active"
	ProjectStatePaused           ProjectState = "paused"
	ProjectStateReadyForDownload ProjectState = "ready_for_download"
	ProjectStateCompleted        ProjectState = "completed"
	ProjectStateCorrupted        ProjectState = "corrupted"
)

// ParseProjectState converts a textual state into a ProjectState.
func ParseProjectState(s string) (ProjectState, error) {
	switch state := ProjectState(s); state {
	case ProjectStatePreparing,
		ProjectStateActive,
		ProjectStatePaused,
		ProjectStateReadyForDownload,
		ProjectStateCompleted,
		ProjectStateCorrupted:
		return state, nil
	}
	return "", fmt.Errorf("unknown project state %q", s)
}

// ResourceLimits are the per-task requirements pushed to the broker with a project.
type ResourceLimits struct {
	CoresPerTask       int `json:"cores_per_task"`
	MemoryPerTaskMB    int `json:"memory_per_task_mb"`
	TimePerTaskSeconds int `json:"time_per_task_seconds"`
}

// ProjectInfo is the client's cached view of a project owned by the broker.
type ProjectInfo struct {
	Name      string         `json:"name"`
	Owner     string         `json:"owner"`
	State     ProjectState   `json:"state"`
	Priority  int            `json:"priority"`
	Limits    ResourceLimits `json:"limits"`
	SizeBytes int64          `json:"size_bytes"`
}

func (p ProjectInfo) String() string {
	return fmt.Sprintf("project %s (owner %s): state=%s priority=%d cores=%d memory=%dMB time=%ds size=%dB",
		p.Name, p.Owner, p.State, p.Priority,
		p.Limits.CoresPerTask, p.Limits.MemoryPerTaskMB, p.Limits.TimePerTaskSeconds, p.SizeBytes)
}

// CancelResult is the broker's three-valued answer to a cancel request.
type CancelResult string

const (
	CancelAccepted          CancelResult = "cancelled"
	CancelRejectedPreparing CancelResult = "rejected_preparing"
	CancelUnknownProject    CancelResult = "unknown_project"
)
