package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/config"
	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/graphapi"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/refine"
	"github.com/richinsley/comfyforge/store"
)

// errSessionBusy means another process holds the data directory lock and
// with it the backend session.
var errSessionBusy = errors.New("another comfyforge process owns the backend session")

var errOffline = errors.New("backend session not open")

// offlineBackend serves read-only commands that never reach the backend.
type offlineBackend struct{}

func (offlineBackend) Submit(context.Context, *graphapi.Prompt) (string, error) { return "", errOffline }
func (offlineBackend) Cancel(context.Context, string) error                     { return errOffline }
func (offlineBackend) Status(context.Context, string) (*client.PromptStatus, error) {
	return nil, errOffline
}

// runtime wires the store, queue and presenter for one command. Online
// runtimes also hold the data directory lock and a backend session.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	lock      *flock.Flock
	store     *store.Store
	session   *client.Session
	manager   *queue.Manager
	presenter *gallery.Presenter
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, online bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	var backend queue.Backend = offlineBackend{}
	if online {
		rt.lock = flock.New(cfg.LockPath())
		ok, err := rt.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, errSessionBusy
		}
		baseDelay, maxDelay := cfg.ReconnectDelays()
		rt.session, err = client.NewSession(client.SessionOptions{
			BaseURL:            cfg.Backend.URL,
			RequestTimeout:     cfg.RequestTimeout(),
			ReconnectBaseDelay: baseDelay,
			ReconnectMaxDelay:  maxDelay,
			MaxRetry:           cfg.Backend.MaxRetries,
			Logger:             logger,
		})
		if err != nil {
			_ = rt.lock.Unlock()
			return nil, err
		}
		backend = rt.session
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = st

	imageStall, videoStall := cfg.StallTimeouts()
	rt.manager = queue.NewManager(backend, st, queue.Options{
		ImageStallTimeout: imageStall,
		VideoStallTimeout: videoStall,
		Logger:            logger,
	})
	open, err := rt.manager.Load(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if online && open > 0 {
		logger.Info("restored open jobs", "count", open)
	}

	opts := gallery.Options{
		AutoUnload:    cfg.Refine.AutoUnload,
		RecentPrompts: cfg.Queue.RecentPrompts,
		Logger:        logger,
		Open:          gallery.Opener(cfg.Backend.OutputDir, nil),
	}
	if cfg.Refine.Enabled {
		opts.Refiner = newRefineClient(cfg)
	}
	if rt.session != nil {
		opts.Uploader = rt.session
		opts.Open = gallery.Opener(cfg.Backend.OutputDir, rt.session.GetView)
	}
	rt.presenter = gallery.New(rt.manager, opts)
	return rt, nil
}

func newRefineClient(cfg *config.Config) *refine.Client {
	return refine.NewClient(refine.Config{
		BaseURL:        cfg.Refine.URL,
		Model:          cfg.Refine.Model,
		TimeoutSeconds: cfg.Refine.TimeoutSeconds,
	})
}

// start runs the event channel and the reconciler. The returned channel
// yields their joined error once both stopped, then stays closed. The
// reconciler ends when the session closes its event stream.
func (rt *runtime) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	sessionErr := make(chan error, 1)
	rec := queue.NewReconciler(rt.manager, rt.session.Events(), rt.cfg.SweepInterval())
	go func() { sessionErr <- rt.session.Run(ctx) }()
	go func() {
		recErr := rec.Run(ctx)
		done <- errors.Join(<-sessionErr, recErr)
		close(done)
	}()
	return done
}

func (rt *runtime) Close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close store", "error", err)
		}
	}
	if rt.lock != nil {
		if err := rt.lock.Unlock(); err != nil {
			rt.logger.Warn("release lock", "error", err)
		}
	}
}
