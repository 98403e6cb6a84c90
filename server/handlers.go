package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/workflow"
)

type healthResponse struct {
	Status           string              `json:"status"`
	BackendConnected bool                `json:"backend_connected"`
	QueueRemaining   int                 `json:"queue_remaining"`
	ActiveJob        string              `json:"active_job,omitempty"`
	System           *client.SystemStats `json:"system,omitempty"`
	Error            string              `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if job := s.manager.Active(); job != nil {
		resp.ActiveJob = job.ID
	}
	if s.opts.Backend == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.BackendConnected = s.opts.Backend.Connected()
	resp.QueueRemaining = s.opts.Backend.QueueRemaining()
	stats, err := s.opts.Backend.SystemStats(r.Context())
	if err != nil {
		resp.Status = "unreachable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.System = stats
	if !resp.BackendConnected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) models(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":     workflow.Models(),
		"samplers":   workflow.Samplers,
		"schedulers": workflow.Schedulers,
	})
}

func (s *Server) presets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"presets": workflow.Presets(),
		"filters": append([]string{gallery.PresetAll, gallery.PresetRecent, gallery.PresetFavorites}, gallery.Modes()...),
	})
}

func (s *Server) shortcuts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, gallery.Shortcuts())
}

func filterFrom(r *http.Request) gallery.Filter {
	q := r.URL.Query()
	return gallery.Filter{
		Model:  q.Get("model"),
		Mode:   q.Get("mode"),
		Preset: q.Get("preset"),
		Query:  q.Get("q"),
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.presenter.Jobs(r.Context(), filterFrom(r))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.presenter.Job(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req gallery.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	job, err := s.presenter.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, job)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// submitEdit takes a multipart form with the JSON request in "request" and
// the input image in "image".
func (s *Server) submitEdit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	var req gallery.SubmitRequest
	if raw := r.FormValue("request"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: request: %v", errBadRequest, err), nil)
			return
		}
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: image: %v", errBadRequest, err), nil)
		return
	}
	defer file.Close()

	job, err := s.presenter.SubmitEdit(r.Context(), req, file, filepath.Base(header.Filename))
	if err != nil {
		s.writeError(w, r, err, job)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.presenter.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, job)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelCurrent(w http.ResponseWriter, r *http.Request) {
	job, err := s.presenter.CancelCurrent(r.Context())
	if err != nil {
		s.writeError(w, r, err, job)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) gallery(w http.ResponseWriter, r *http.Request) {
	items, err := s.presenter.Gallery(r.Context(), filterFrom(r))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) artifactInfo(w http.ResponseWriter, r *http.Request) {
	detail, err := s.presenter.ArtifactInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) toggleFavorite(w http.ResponseWriter, r *http.Request) {
	a, err := s.presenter.ToggleFavorite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit: %v", errBadRequest, err), nil)
			return
		}
		limit = n
	}
	entries, err := s.presenter.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: id: %v", errBadRequest, err), nil)
		return
	}
	if err := s.presenter.DeleteHistory(r.Context(), id); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recentPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.presenter.RecentPrompts(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if prompts == nil {
		prompts = []string{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

type refineRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

func (s *Server) refine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	refined, err := s.presenter.Refine(r.Context(), req.Prompt, req.Mode)
	if err != nil {
		code, kind := statusFor(err)
		if code == http.StatusInternalServerError {
			code, kind = http.StatusBadGateway, "refine_failed"
		}
		writeJSON(w, code, errorResponse{Error: kind, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": refined, "original": req.Prompt})
}

// events streams job updates. With ?job=<id> only that job's updates are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topic := topicAll
	if id := r.URL.Query().Get("job"); id != "" {
		if _, err := s.presenter.Job(id); err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		topic = id
	}

	msgCh := make(chan []byte, 16)
	if !s.hub.Subscribe(msgCh, topic) {
		http.Error(w, "event hub stopped", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.Unsubscribe(msgCh, topic)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.hub.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-msgCh:
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// output serves artifact files from the backend output directory, or
// through the backend's /view endpoint when no directory is configured.
func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(path.Clean("/"+chi.URLParam(r, "*")), "/")
	if rel == "" {
		http.NotFound(w, r)
		return
	}
	if s.opts.OutputDir != "" {
		full := filepath.Join(s.opts.OutputDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, full)
		return
	}
	if s.opts.Backend == nil {
		http.NotFound(w, r)
		return
	}
	subfolder, filename := path.Split(rel)
	data, err := s.opts.Backend.GetView(r.Context(), client.DataOutput{
		Filename:  filename,
		Subfolder: strings.TrimSuffix(subfolder, "/"),
		Type:      "output",
	})
	if err != nil {
		s.logger.Debug("view output", "path", rel, "error", err)
		http.NotFound(w, r)
		return
	}
	ctype := mime.TypeByExtension(path.Ext(filename))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ctype)
	_, _ = w.Write(data)
}
