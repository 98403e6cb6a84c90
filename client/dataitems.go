package client

// There may be other DataOutput types.  We definitely need a text type

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Text      string `json:"-"` // for "text" type data output
}

// IsFile reports whether the output names a file on the backend.
func (d DataOutput) IsFile() bool {
	return d.Filename != ""
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// StatusState is the backend's view of one prompt.
type StatusState string

const (
	StatusPending     StatusState = "pending"
	StatusRunning     StatusState = "running"
	StatusSucceeded   StatusState = "succeeded"
	StatusFailed      StatusState = "failed"
	StatusInterrupted StatusState = "interrupted"
	// StatusUnknown means the prompt is neither queued nor in history.
	StatusUnknown StatusState = "unknown"
)

// PromptStatus is the result of polling the backend for a prompt.
type PromptStatus struct {
	PromptID      string
	State         StatusState
	QueuePosition int
	Outputs       []DataOutput
	Exception     *ExecutionException
}

// Events converts a polled status into events with fixed sequence numbers,
// so repeated polls of the same status dedupe against each other.
func (ps *PromptStatus) Events() []Event {
	switch ps.State {
	case StatusRunning:
		return []Event{{Type: EventStarted, PromptID: ps.PromptID, Seq: SeqPolledStart, Polled: true}}
	case StatusSucceeded:
		return []Event{{Type: EventSucceeded, PromptID: ps.PromptID, Seq: SeqPolledTerminal, Outputs: ps.Outputs, Polled: true}}
	case StatusFailed:
		return []Event{{Type: EventFailed, PromptID: ps.PromptID, Seq: SeqPolledTerminal, Exception: ps.Exception, Outputs: ps.Outputs, Polled: true}}
	case StatusInterrupted:
		return []Event{{Type: EventInterrupted, PromptID: ps.PromptID, Seq: SeqPolledTerminal, Outputs: ps.Outputs, Polled: true}}
	}
	return nil
}

// queueListing is the body of GET /queue. Each entry is
// [number, prompt_id, prompt, extra_data, outputs_to_execute].
type queueListing struct {
	Running [][]interface{} `json:"queue_running"`
	Pending [][]interface{} `json:"queue_pending"`
}

func (q *queueListing) position(promptID string) (StatusState, int) {
	for i, e := range q.Running {
		if len(e) > 1 && e[1] == promptID {
			return StatusRunning, i
		}
	}
	for i, e := range q.Pending {
		if len(e) > 1 && e[1] == promptID {
			return StatusPending, i
		}
	}
	return StatusUnknown, -1
}

// historyItem is one entry of GET /history/{prompt_id}.
type historyItem struct {
	Outputs map[string]map[string]interface{} `json:"outputs"`
	Status  struct {
		StatusStr string          `json:"status_str"`
		Completed bool            `json:"completed"`
		Messages  [][]interface{} `json:"messages"`
	} `json:"status"`
}

type promptResponse struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// NodeError is the per-node entry of a rejected prompt's node_errors.
type NodeError struct {
	Errors    []PromptError `json:"errors"`
	ClassType string        `json:"class_type"`
}

type PromptErrorMessage struct {
	Error      PromptError          `json:"error"`
	NodeErrors map[string]NodeError `json:"node_errors"`
}
