package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/richinsley/comfyforge/graphapi"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/object_info")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")

@routes.post("/prompt")
@routes.post("/queue")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

func (s *Session) endpoint(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do performs a request and returns the status code and body. Transport
// failures and bodies over 64MiB return an error.
func (s *Session) do(ctx context.Context, method, path string, query url.Values, body interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path, query), rdr)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpclient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s %s: reading body: %w", method, path, err)
	}
	return resp.StatusCode, data, nil
}

func (s *Session) getJSON(ctx context.Context, path string, out interface{}) error {
	status, body, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

func (s *Session) post(ctx context.Context, path string, body interface{}) error {
	status, _, err := s.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("POST %s: unexpected status %d", path, status)
	}
	return nil
}

// Submit queues prompt and returns the backend's prompt id. A prompt the
// backend refuses yields a *SubmissionError.
func (s *Session) Submit(ctx context.Context, prompt *graphapi.Prompt) (string, error) {
	prompt.ClientID = s.clientid
	status, body, err := s.do(ctx, http.MethodPost, "/prompt", nil, prompt)
	if err != nil {
		return "", err
	}

	if status == http.StatusOK {
		item := &promptResponse{}
		if err := json.Unmarshal(body, item); err == nil && item.PromptID != "" {
			s.logger.Debug("prompt queued", "prompt_id", item.PromptID, "number", item.Number)
			return item.PromptID, nil
		}
	}

	// mmm-k, is it one of these:
	// {"error": {"type": "prompt_outputs_failed_validation",
	//				"message": "Prompt outputs failed validation",
	//				"details": "",
	//				"extra_info": {}
	//			  },
	// "node_errors": {"5": {"errors": [...], "class_type": "UnetLoaderGGUF"}}
	// }
	serr := &SubmissionError{StatusCode: status}
	perror := &PromptErrorMessage{}
	if perr := json.Unmarshal(body, perror); perr != nil {
		s.logger.Error("error unmarshalling prompt error", "status", status, "body", string(body))
		serr.Message = strings.TrimSpace(string(body))
		return "", serr
	}
	serr.Type = perror.Error.Type
	serr.Message = perror.Error.Message
	serr.Details = perror.Error.Details
	serr.NodeErrors = perror.NodeErrors
	return "", serr
}

// Cancel removes promptID from the pending queue and interrupts it if it is
// the prompt currently executing. Cancelling an unknown or finished prompt
// is not an error.
func (s *Session) Cancel(ctx context.Context, promptID string) error {
	q := &queueListing{}
	if err := s.getJSON(ctx, "/queue", q); err != nil {
		return err
	}
	state, _ := q.position(promptID)

	// delete post takes an array of IDs. We'll provide a single ID in a json array
	if err := s.post(ctx, "/queue", map[string]interface{}{"delete": []string{promptID}}); err != nil {
		return err
	}
	if state == StatusRunning {
		return s.Interrupt(ctx, promptID)
	}
	return nil
}

// Interrupt stops execution of promptID. Servers that predate targeted
// interrupts stop whatever is running.
func (s *Session) Interrupt(ctx context.Context, promptID string) error {
	return s.post(ctx, "/interrupt", map[string]string{"prompt_id": promptID})
}

// Status polls the queue and history for promptID.
func (s *Session) Status(ctx context.Context, promptID string) (*PromptStatus, error) {
	q := &queueListing{}
	if err := s.getJSON(ctx, "/queue", q); err != nil {
		return nil, err
	}
	retv := &PromptStatus{PromptID: promptID}
	if state, pos := q.position(promptID); state != StatusUnknown {
		retv.State = state
		retv.QueuePosition = pos
		return retv, nil
	}

	history := make(map[string]historyItem)
	if err := s.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	h, ok := history[promptID]
	if !ok {
		retv.State = StatusUnknown
		return retv, nil
	}

	for _, node := range sortedKeys(h.Outputs) {
		outs := decodeOutputs(h.Outputs[node])
		for _, key := range sortedKeys(outs) {
			for _, o := range *outs[key] {
				if o.IsFile() {
					retv.Outputs = append(retv.Outputs, o)
				}
			}
		}
	}

	switch h.Status.StatusStr {
	case "error":
		retv.State = StatusFailed
		// messages are [type, data] pairs in execution order
		for _, m := range h.Status.Messages {
			if len(m) < 2 {
				continue
			}
			mtype, _ := m[0].(string)
			switch mtype {
			case "execution_interrupted":
				retv.State = StatusInterrupted
			case "execution_error":
				data, _ := json.Marshal(m[1])
				e := &WSMessageExecutionError{}
				if json.Unmarshal(data, e) == nil {
					retv.Exception = e.exception()
				}
			}
		}
	default:
		// success, or an older server that does not report status
		retv.State = StatusSucceeded
	}
	return retv, nil
}

func (s *Session) SystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := s.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

func (s *Session) QueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	retv := &QueueExecInfo{}
	if err := s.getJSON(ctx, "/prompt", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// ObjectInfo fetches the node catalog. The result is cached for the life of
// the session.
func (s *Session) ObjectInfo(ctx context.Context) (*graphapi.NodeObjects, error) {
	s.mu.Lock()
	cached := s.nodeobjects
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	status, body, err := s.do(ctx, http.MethodGet, "/object_info", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /object_info: unexpected status %d", status)
	}
	result, err := graphapi.NewNodeObjectsFromJSON(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nodeobjects = result
	s.mu.Unlock()
	return result, nil
}

// Preflight lists the model files and node classes prompt needs that the
// backend does not report. The backend's own validation stays authoritative.
func (s *Session) Preflight(ctx context.Context, prompt *graphapi.Prompt) ([]graphapi.MissingAsset, error) {
	objs, err := s.ObjectInfo(ctx)
	if err != nil {
		return nil, err
	}
	return objs.MissingAssets(prompt), nil
}

// GetView downloads an output file.
func (s *Session) GetView(ctx context.Context, output DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", output.Filename)
	params.Add("subfolder", output.Subfolder)
	params.Add("type", output.Type)
	status, body, err := s.do(ctx, http.MethodGet, "/view", params, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /view %s: unexpected status %d", output.Filename, status)
	}
	return body, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
