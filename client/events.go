package client

import (
	"math"
	"time"
)

// EventType names the normalized events a Session emits.
type EventType string

// our cast of characters
const (
	EventStarted     EventType = "started"
	EventExecuting   EventType = "executing"
	EventProgress    EventType = "progress"
	EventArtifact    EventType = "artifact"
	EventSucceeded   EventType = "succeeded"
	EventFailed      EventType = "failed"
	EventInterrupted EventType = "interrupted"

	// session level, no prompt id
	EventQueueStatus EventType = "queue_status"
	EventReconnected EventType = "reconnected"
	EventChannelLost EventType = "channel_lost"
)

// Sequence numbers for events derived from status polling. Live events start at 1.
const (
	SeqPolledStart    uint64 = 0
	SeqPolledTerminal uint64 = math.MaxUint64
)

// Event is a single normalized backend message. Seq increases monotonically
// per prompt id for the lifetime of the Session, across reconnects.
type Event struct {
	Type     EventType
	PromptID string
	Seq      uint64
	Node     string
	Value    int
	Max      int
	// Output is set on EventArtifact.
	Output *DataOutput
	// Outputs is set on polled terminal events.
	Outputs        []DataOutput
	Exception      *ExecutionException
	QueueRemaining int
	Err            error
	Polled         bool
	Received       time.Time
}

// Terminal reports whether the event ends its prompt's execution.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventSucceeded, EventFailed, EventInterrupted:
		return true
	}
	return false
}

// ExecutionException carries the details of an execution_error.
type ExecutionException struct {
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback,omitempty"`
}

func (e *ExecutionException) String() string {
	if e == nil {
		return ""
	}
	if e.NodeType != "" {
		return e.NodeType + " (node " + e.NodeID + "): " + e.ExceptionMessage
	}
	return e.ExceptionMessage
}
