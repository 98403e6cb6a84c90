package client

import (
	"fmt"
	"log/slog"
)

// EventHandlers defines optional callback functions for the events of a single
// prompt. All handlers are optional - only provide handlers for the events you care about.
type EventHandlers struct {
	// OnStarted is called when execution begins
	OnStarted func(Event)

	// OnExecuting is called when a node starts executing
	OnExecuting func(Event)

	// OnProgress is called with progress updates during node execution
	OnProgress func(Event)

	// OnArtifact is called once per output file
	OnArtifact func(Event)

	// OnSucceeded is called when execution completes successfully
	OnSucceeded func(Event)

	// OnError is called if there was an exception during execution or it was interrupted
	OnError func(Event)

	// OnComplete is called after the terminal event, regardless of success or failure
	OnComplete func()
}

// DefaultEventHandlers returns EventHandlers that log started, executing and
// terminal events. No progress output is included.
func DefaultEventHandlers(logger *slog.Logger) *EventHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandlers{
		OnStarted: func(ev Event) {
			logger.Info("execution started", "prompt_id", ev.PromptID)
		},
		OnExecuting: func(ev Event) {
			logger.Debug("executing node", "prompt_id", ev.PromptID, "node_id", ev.Node)
		},
		OnError: func(ev Event) {
			logger.Error("execution error",
				"prompt_id", ev.PromptID,
				"type", ev.Type,
				"error", ev.Exception.String(),
			)
		},
		OnSucceeded: func(ev Event) {
			logger.Info("execution completed successfully", "prompt_id", ev.PromptID)
		},
	}
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *EventHandlers) WithProgressHandler(fn func(Event)) *EventHandlers {
	h.OnProgress = fn
	return h
}

// WithArtifactHandler adds an artifact handler (builder pattern)
func (h *EventHandlers) WithArtifactHandler(fn func(Event)) *EventHandlers {
	h.OnArtifact = fn
	return h
}

// WithCompleteHandler adds a complete handler (builder pattern)
func (h *EventHandlers) WithCompleteHandler(fn func()) *EventHandlers {
	h.OnComplete = fn
	return h
}

// Dispatch routes ev to the matching handler. It reports whether ev was
// terminal, and for failed or interrupted executions returns an error
// describing the stop.
func (h *EventHandlers) Dispatch(ev Event) (bool, error) {
	if h == nil {
		h = &EventHandlers{}
	}

	call := func(fn func(Event)) {
		if fn != nil {
			fn(ev)
		}
	}

	switch ev.Type {
	case EventStarted:
		call(h.OnStarted)
	case EventExecuting:
		call(h.OnExecuting)
	case EventProgress:
		call(h.OnProgress)
	case EventArtifact:
		call(h.OnArtifact)
	case EventSucceeded:
		call(h.OnSucceeded)
	case EventFailed, EventInterrupted:
		call(h.OnError)
	default:
		return false, nil
	}

	if !ev.Terminal() {
		return false, nil
	}
	if h.OnComplete != nil {
		h.OnComplete()
	}
	switch ev.Type {
	case EventFailed:
		if ev.Exception != nil {
			return true, fmt.Errorf("execution failed: %s - %s", ev.Exception.ExceptionType, ev.Exception.ExceptionMessage)
		}
		return true, fmt.Errorf("execution failed")
	case EventInterrupted:
		return true, fmt.Errorf("execution interrupted")
	}
	return true, nil
}
