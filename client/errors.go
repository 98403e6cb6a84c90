package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSubmissionRejected is wrapped by every *SubmissionError.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrChannelDisconnected is returned once the event channel's reconnect budget is spent.
	ErrChannelDisconnected = errors.New("event channel disconnected")
)

// SubmissionError is a prompt the backend refused to queue.
type SubmissionError struct {
	StatusCode int
	Type       string
	Message    string
	Details    string
	NodeErrors map[string]NodeError
}

func (e *SubmissionError) Error() string {
	var sb strings.Builder
	sb.WriteString("submission rejected: ")
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		fmt.Fprintf(&sb, "status %d", e.StatusCode)
	}
	if e.Details != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Details)
	}
	if missing := e.MissingAssets(); len(missing) > 0 {
		sb.WriteString(" (missing ")
		sb.WriteString(strings.Join(missing, ", "))
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *SubmissionError) Unwrap() error { return ErrSubmissionRejected }

// ErrorKind classifies the error for presentation.
func (e *SubmissionError) ErrorKind() string {
	if e.MissingModelAsset() {
		return "missing_model_asset"
	}
	return "submission_rejected"
}

// MissingModelAsset reports whether the rejection names a model file the
// backend does not have.
func (e *SubmissionError) MissingModelAsset() bool {
	return len(e.MissingAssets()) > 0
}

// MissingAssets lists the file names from value_not_in_list errors on
// loader inputs, sorted.
func (e *SubmissionError) MissingAssets() []string {
	retv := make([]string, 0)
	for _, ne := range e.NodeErrors {
		for _, pe := range ne.Errors {
			if pe.Type != "value_not_in_list" {
				continue
			}
			input, _ := pe.ExtraInfo["input_name"].(string)
			if !strings.HasSuffix(input, "_name") {
				continue
			}
			if v, ok := pe.ExtraInfo["received_value"].(string); ok {
				retv = append(retv, v)
			}
		}
	}
	sort.Strings(retv)
	return retv
}
