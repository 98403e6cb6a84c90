package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

type WSStatusMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"Data"`
}

func (sm *WSStatusMessage) UnmarshalJSON(b []byte) error {
	// Unmarshal into an anonymous type equivalent to StatusMessage
	// to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	sm.Type = temp.Type

	// Determine the type of Data and unmarshal it accordingly
	switch sm.Type {
	case "status":
		sm.Data = &WSMessageDataStatus{}
	case "execution_start":
		sm.Data = &WSMessageDataExecutionStart{}
	case "execution_cached":
		sm.Data = &WSMessageDataExecutionCached{}
	case "executing":
		sm.Data = &WSMessageDataExecuting{}
	case "progress":
		sm.Data = &WSMessageDataProgress{}
	case "executed":
		// this is a special case because the data type is not always the same
		// so we need to unmarshal it manually
		sm.Data = &WSMessageDataExecuted{}
	case "execution_success":
		sm.Data = &WSMessageExecutionSuccess{}
	case "execution_interrupted":
		sm.Data = &WSMessageExecutionInterrupted{}
	case "execution_error":
		sm.Data = &WSMessageExecutionError{}
	default:
		// progress_state, crystools.monitor and friends
		sm.Data = nil
	}

	if sm.Data != nil && len(temp.Data) > 0 {
		// Unmarshal the data into the selected type
		if err := json.Unmarshal(temp.Data, sm.Data); err != nil {
			return err
		}
	}

	return nil
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}
*/

type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecutionCached struct {
	Nodes    []interface{} `json:"nodes"`
	PromptID string        `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": [], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

// Node ids are strings; subgraph executions use compound ids like "57:8".
type WSMessageDataExecuting struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "12", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataProgress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

/*
{"type": "progress", "data": {"value": 1, "max": 20}}
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "ed98...", "node": "8"}}
*/

type WSMessageDataExecuted struct {
	Node     string                   `json:"node"`
	Output   map[string]*[]DataOutput `json:"output"`
	PromptID string                   `json:"prompt_id"`
}

func (mde *WSMessageDataExecuted) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node      string                 `json:"node"`
		OutputRaw map[string]interface{} `json:"output"`
		PromptID  string                 `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	mde.Output = decodeOutputs(temp.OutputRaw)
	mde.PromptID = temp.PromptID
	mde.Node = temp.Node
	return nil
}

// decodeOutputs converts a node's raw ui output into DataOutputs. Entries
// that are not file dicts become "text" outputs.
func decodeOutputs(raw map[string]interface{}) map[string]*[]DataOutput {
	// iterrate over raw and see if it can be cast to a slice of interface{}
	retv := make(map[string]*[]DataOutput)
	for k, v := range raw {
		val, ok := v.([]interface{})
		if !ok {
			continue
		}
		retv[k] = &[]DataOutput{}
		for _, i := range val {
			switch entry := i.(type) {
			case map[string]interface{}:
				// ensure the output map has the required fields
				outputentry := DataOutput{}
				filename, ok := entry["filename"].(string)
				if !ok {
					slog.Warn(fmt.Sprintf("executed output entry %v unknown type", i))
					continue
				}
				outputentry.Filename = filename
				// we can ignore subfolder if it's absent
				outputentry.Subfolder, _ = entry["subfolder"].(string)
				outputentry.Type, ok = entry["type"].(string)
				if !ok {
					slog.Warn(fmt.Sprintf("executed output entry %v unknown type", i))
					continue
				}
				*retv[k] = append(*retv[k], outputentry)
			case string:
				// handle raw text output
				*retv[k] = append(*retv[k], DataOutput{Type: "text", Text: entry})
			default:
				// animated flags and other scalar lists
			}
		}
	}
	return retv
}

/*
{"type": "executed", "data": {"node": "19", "output": {"images": [{"filename": "ComfyUI_00046_.png", "subfolder": "", "type": "output"}]}, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}

// when there are multiple outputs, each output will receive an "executed"
{"type": "executed", "data": {"node": "53", "output": {"images": [{"filename": "ComfyUI_temp_mynbi_00001_.png", "subfolder": "", "type": "temp"}]}, "prompt_id": "3bcf5bac-19e1-4219-a0eb-50a84e4db2ea"}}
{"type": "executed", "data": {"node": "19", "output": {"images": [{"filename": "ComfyUI_00052_.png", "subfolder": "", "type": "output"}]}, "prompt_id": "3bcf5bac-19e1-4219-a0eb-50a84e4db2ea"}}
*/

type WSMessageExecutionSuccess struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

/*
{"type": "execution_interrupted", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "19", "node_type": "SaveImage", "executed": ["5", "17", "10", "11"]}}
*/

type WSMessageExecutionError struct {
	PromptID         string                 `json:"prompt_id"`
	Node             string                 `json:"node_id"`
	NodeType         string                 `json:"node_type"`
	Executed         []string               `json:"executed"`
	ExceptionMessage string                 `json:"exception_message"`
	ExceptionType    string                 `json:"exception_type"`
	Traceback        []string               `json:"traceback"`
	CurrentInputs    map[string]interface{} `json:"current_inputs"`
	CurrentOutputs   map[string]interface{} `json:"current_outputs"`
}

func (e *WSMessageExecutionError) exception() *ExecutionException {
	return &ExecutionException{
		NodeID:           e.Node,
		NodeType:         e.NodeType,
		ExceptionMessage: e.ExceptionMessage,
		ExceptionType:    e.ExceptionType,
		Traceback:        e.Traceback,
	}
}
