package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

// errorResponse is the body of every failed request. Job is set when a
// submission created a job before it was rejected.
type errorResponse struct {
	Error   string     `json:"error"`
	Message string     `json:"message"`
	Job     *store.Job `json:"job,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and error kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrInvalidParameter):
		return http.StatusBadRequest, queue.ErrorKindOf(err, "invalid_parameter")
	case errors.Is(err, client.ErrSubmissionRejected):
		return http.StatusBadGateway, queue.ErrorKindOf(err, "submission_rejected")
	case errors.Is(err, queue.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, gallery.ErrNothingToCancel):
		return http.StatusConflict, "nothing_to_cancel"
	case errors.Is(err, gallery.ErrRefineDisabled), errors.Is(err, gallery.ErrUploadUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	}
	return http.StatusInternalServerError, "internal"
}

var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, job *store.Job) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: kind, Message: err.Error(), Job: job})
}
