package store

import (
	"path"
	"time"

	"github.com/richinsley/comfyforge/workflow"
)

// State represents the lifecycle of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further execution happens in this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// NonTerminalStates are the states a restarted session resyncs.
var NonTerminalStates = []State{StateQueued, StateRunning}

// Progress is the last reported sampling progress of a running job.
type Progress struct {
	Value int    `json:"value"`
	Max   int    `json:"max"`
	Node  string `json:"node,omitempty"`
}

// Job is one submitted unit of generation work.
type Job struct {
	ID            string          `json:"id"`
	Kind          workflow.Kind   `json:"kind"`
	Params        workflow.Params `json:"params"`
	Mode          string          `json:"mode"`
	Seed          int64           `json:"seed"`
	Expected      int             `json:"expected"`
	State         State           `json:"state"`
	PromptID      string          `json:"prompt_id,omitempty"`
	Artifacts     []string        `json:"artifacts"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	FailedCount   int             `json:"failed_count,omitempty"`
	Progress      Progress        `json:"progress"`
	Stalled       bool            `json:"stalled"`
	CancelPending bool            `json:"cancel_pending"`
	PriorState    State           `json:"prior_state,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LastEventAt   *time.Time      `json:"last_event_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Artifacts = append([]string(nil), j.Artifacts...)
	if j.Params.Seed != nil {
		seed := *j.Params.Seed
		c.Params.Seed = &seed
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LastEventAt = cloneTime(j.LastEventAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ArtifactKind distinguishes still images from video clips.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
)

// Artifact is one output file produced by exactly one job.
type Artifact struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Subfolder string       `json:"subfolder"`
	Filename  string       `json:"filename"`
	Kind      ArtifactKind `json:"kind"`
	Model     string       `json:"model"`
	Mode      string       `json:"mode"`
	Prompt    string       `json:"prompt"`
	Favorite  bool         `json:"favorite"`
	CreatedAt time.Time    `json:"created_at"`
}

// Location is the artifact's path relative to the backend output directory.
func (a *Artifact) Location() string {
	return path.Join(a.Subfolder, a.Filename)
}

// HistoryEntry records one completed job.
type HistoryEntry struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	Prompt        string    `json:"prompt"`
	Model         string    `json:"model"`
	Mode          string    `json:"mode"`
	Seed          int64     `json:"seed"`
	ArtifactCount int       `json:"artifact_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transition is one recorded state change.
type Transition struct {
	ID    int64     `json:"id"`
	JobID string    `json:"job_id"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}
