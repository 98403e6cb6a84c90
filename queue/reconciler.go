package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/richinsley/comfyforge/client"
)

// DefaultSweepInterval is how often the reconciler checks for stalled jobs
// and unconfirmed cancels.
const DefaultSweepInterval = 30 * time.Second

// promptForgetter is implemented by backends that keep per-prompt state.
type promptForgetter interface {
	Forget(promptIDs ...string)
}

type eventKey struct {
	promptID string
	seq      uint64
}

// Reconciler applies backend events to the manager's jobs. It is the only
// consumer of the session's event channel and runs on a single goroutine.
type Reconciler struct {
	m        *Manager
	backend  Backend
	events   <-chan client.Event
	interval time.Duration
	logger   *slog.Logger

	seen map[eventKey]struct{}
}

// NewReconciler creates a reconciler for m reading from events. A zero
// interval uses DefaultSweepInterval.
func NewReconciler(m *Manager, events <-chan client.Event, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reconciler{
		m:        m,
		backend:  m.backend,
		events:   events,
		interval: interval,
		logger:   m.logger.With("component", "reconciler"),
		seen:     make(map[eventKey]struct{}),
	}
}

// Run resyncs jobs left open by a previous run, then applies events until ctx
// is done or the event channel closes.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Resync(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.events:
			if !ok {
				r.logger.Info("event channel closed")
				return nil
			}
			r.Handle(ctx, ev)
		case <-ticker.C:
			r.m.Sweep(ctx)
			r.resyncCancels(ctx)
			r.prune()
		}
	}
}

// Handle applies one event. Prompt events are applied at most once per
// (prompt id, sequence number); it reports whether ev was applied.
func (r *Reconciler) Handle(ctx context.Context, ev client.Event) bool {
	switch ev.Type {
	case client.EventQueueStatus:
		return false
	case client.EventReconnected:
		r.logger.Info("resyncing after reconnect")
		r.Resync(ctx)
		return true
	case client.EventChannelLost:
		cause := ev.Err
		if cause == nil {
			cause = client.ErrChannelDisconnected
		} else if !errors.Is(cause, client.ErrChannelDisconnected) {
			cause = errors.Join(client.ErrChannelDisconnected, cause)
		}
		r.m.FailAll(ctx, cause)
		return true
	}

	key := eventKey{promptID: ev.PromptID, seq: ev.Seq}
	if _, dup := r.seen[key]; dup {
		r.logger.Debug("duplicate event", "prompt_id", ev.PromptID, "seq", ev.Seq, "type", ev.Type)
		return false
	}
	r.seen[key] = struct{}{}

	r.m.mu.Lock()
	r.m.applyEvent(ctx, ev)
	r.m.unlockAndDispatch()
	return true
}

// prune drops the dedup keys of every prompt that is not open and lets the
// backend forget settled prompts. A replayed event for a settled job is
// ignored by the manager, so it needs no key.
func (r *Reconciler) prune() {
	open := make(map[string]struct{})
	for _, pid := range r.m.pendingPrompts() {
		open[pid] = struct{}{}
	}
	dropped := 0
	for key := range r.seen {
		if _, ok := open[key.promptID]; !ok {
			delete(r.seen, key)
			dropped++
		}
	}
	if f, ok := r.backend.(promptForgetter); ok {
		if settled := r.m.settledPrompts(); len(settled) > 0 {
			f.Forget(settled...)
		}
	}
	if dropped > 0 {
		r.logger.Debug("pruned event keys", "dropped", dropped, "kept", len(r.seen))
	}
}

// Resync polls the backend for every job that may have missed events.
func (r *Reconciler) Resync(ctx context.Context) {
	for _, pid := range r.m.pendingPrompts() {
		r.poll(ctx, pid)
	}
}

func (r *Reconciler) resyncCancels(ctx context.Context) {
	for _, pid := range r.m.cancelPendingPrompts() {
		r.poll(ctx, pid)
	}
}

func (r *Reconciler) poll(ctx context.Context, promptID string) {
	if ctx.Err() != nil {
		return
	}
	st, err := r.backend.Status(ctx, promptID)
	if err != nil {
		r.logger.Warn("status poll failed", "prompt_id", promptID, "error", err)
		return
	}
	if st.State == client.StatusUnknown {
		r.m.ApplyStatus(ctx, st)
		return
	}
	for _, ev := range st.Events() {
		r.Handle(ctx, ev)
	}
}
