// Package server exposes the job queue and gallery over a JSON API with a
// server-sent event stream of job updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/store"
)

const (
	defaultMaxUploadBytes = 32 << 20
	sseKeepAlive          = 15 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Backend is the part of the ComfyUI session the API reports on and reads
// output files through.
type Backend interface {
	SystemStats(ctx context.Context) (*client.SystemStats, error)
	Connected() bool
	QueueRemaining() int
	GetView(ctx context.Context, output client.DataOutput) ([]byte, error)
}

// Options configures a Server. Backend and OutputDir are optional.
type Options struct {
	Presenter      *gallery.Presenter
	Manager        *queue.Manager
	Backend        Backend
	OutputDir      string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server is the HTTP front of one queue.
type Server struct {
	opts      Options
	presenter *gallery.Presenter
	manager   *queue.Manager
	hub       *Hub
	logger    *slog.Logger
	router    chi.Router
	unlisten  func()
}

// New builds the router and subscribes the event hub to job updates. Run
// the hub with Serve, or call Hub().Run yourself when only using Handler.
func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		presenter: opts.Presenter,
		manager:   opts.Manager,
		hub:       NewHub(),
		logger:    opts.Logger.With("component", "server"),
	}
	s.router = s.routes()
	s.unlisten = s.manager.AddListener(s.publish)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/models", s.models)
		r.Get("/presets", s.presets)
		r.Get("/shortcuts", s.shortcuts)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.submitJob)
			r.Post("/edit", s.submitEdit)
			r.Get("/{id}", s.getJob)
			r.Post("/{id}/cancel", s.cancelJob)
		})
		r.Post("/cancel", s.cancelCurrent)

		r.Get("/gallery", s.gallery)
		r.Get("/artifacts/{id}", s.artifactInfo)
		r.Post("/artifacts/{id}/favorite", s.toggleFavorite)

		r.Get("/history", s.history)
		r.Delete("/history/{id}", s.deleteHistory)
		r.Get("/prompts/recent", s.recentPrompts)
		r.Post("/refine", s.refine)

		r.Get("/events", s.events)
	})
	r.Get("/output/*", s.output)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the SSE hub fed by job updates.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close detaches the server from the manager.
func (s *Server) Close() {
	if s.unlisten != nil {
		s.unlisten()
	}
}

// Serve runs the hub and an HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// eventView is the JSON form of the backend event behind an update.
type eventView struct {
	Type     client.EventType   `json:"type"`
	PromptID string             `json:"prompt_id,omitempty"`
	Seq      uint64             `json:"seq"`
	Node     string             `json:"node,omitempty"`
	Value    int                `json:"value,omitempty"`
	Max      int                `json:"max,omitempty"`
	Output   *client.DataOutput `json:"output,omitempty"`
	Polled   bool               `json:"polled,omitempty"`
}

type updateMessage struct {
	Job   *store.Job `json:"job"`
	Event *eventView `json:"event,omitempty"`
}

func (s *Server) publish(u queue.Update) {
	msg := updateMessage{Job: u.Job}
	if ev := u.Event; ev != nil {
		msg.Event = &eventView{
			Type:     ev.Type,
			PromptID: ev.PromptID,
			Seq:      ev.Seq,
			Node:     ev.Node,
			Value:    ev.Value,
			Max:      ev.Max,
			Output:   ev.Output,
			Polled:   ev.Polled,
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode job update", "job_id", u.Job.ID, "error", err)
		return
	}
	if !s.hub.Publish(topicAll, data) || !s.hub.Publish(u.Job.ID, data) {
		s.logger.Warn("event hub full, update dropped", "job_id", u.Job.ID)
	}
}
