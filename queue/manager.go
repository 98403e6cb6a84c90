// Package queue tracks generation jobs from submission to a terminal state.
//
// The Manager owns the in-memory job table and serializes every mutation
// behind one mutex: submissions, cancellations and the events applied by the
// Reconciler. Every state change is persisted to the store together with a
// transition record before listeners are notified.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/graphapi"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

// Backend is the part of the ComfyUI session the manager depends on.
type Backend interface {
	Submit(ctx context.Context, prompt *graphapi.Prompt) (string, error)
	Cancel(ctx context.Context, promptID string) error
	Status(ctx context.Context, promptID string) (*client.PromptStatus, error)
}

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	ImageStallTimeout time.Duration
	VideoStallTimeout time.Duration
	Logger            *slog.Logger
	// Now is the clock, replaced in tests.
	Now func() time.Time
}

const (
	DefaultImageStallTimeout = 10 * time.Minute
	DefaultVideoStallTimeout = 30 * time.Minute
)

// Update is delivered to listeners after a job changed. Event is the backend
// event that caused the change, nil for local changes.
type Update struct {
	Job   *store.Job
	Event *client.Event
}

// Listener receives job updates. Listeners run on the goroutine that made the
// change, after the manager lock is released, and must not block.
type Listener func(Update)

// Manager is the queue of jobs for one backend session.
type Manager struct {
	backend Backend
	store   *store.Store
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	jobs     map[string]*store.Job
	order    []string
	byPrompt map[string]string
	staged   map[string][]client.DataOutput
	outbox   []Update

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextLID   int
}

// NewManager creates a manager over backend and st. Call Load to restore
// jobs from a previous run.
func NewManager(backend Backend, st *store.Store, opts Options) *Manager {
	if opts.ImageStallTimeout <= 0 {
		opts.ImageStallTimeout = DefaultImageStallTimeout
	}
	if opts.VideoStallTimeout <= 0 {
		opts.VideoStallTimeout = DefaultVideoStallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		backend:   backend,
		store:     st,
		logger:    opts.Logger.With("component", "queue"),
		opts:      opts,
		jobs:      make(map[string]*store.Job),
		byPrompt:  make(map[string]string),
		staged:    make(map[string][]client.DataOutput),
		listeners: make(map[int]Listener),
	}
}

// Store returns the persistence layer the manager writes to.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Load restores all persisted jobs in submission order and returns how many
// are still non-terminal. Those are resynced by the Reconciler when it starts.
func (m *Manager) Load(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, job := range jobs {
		if _, ok := m.jobs[job.ID]; ok {
			continue
		}
		m.jobs[job.ID] = job
		m.order = append(m.order, job.ID)
		if job.PromptID != "" {
			m.byPrompt[job.PromptID] = job.ID
		}
		if !effectiveState(job).Terminal() {
			open++
		}
	}
	return open, nil
}

// AddListener registers fn for job updates and returns a function that
// removes it again.
func (m *Manager) AddListener(fn Listener) func() {
	m.lmu.Lock()
	id := m.nextLID
	m.nextLID++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

// Submit records a new Queued job for d and queues its prompt on the
// backend. The manager lock is held across the backend call so no event can
// be applied before the prompt id is bound. A rejected submission leaves the
// job Failed and returns it together with the backend error.
func (m *Manager) Submit(ctx context.Context, d *workflow.Descriptor) (*store.Job, error) {
	if d == nil || d.Prompt == nil {
		return nil, errors.New("descriptor has no prompt")
	}

	params := d.Params
	if params.Seed != nil {
		seed := *params.Seed
		params.Seed = &seed
	}
	job := &store.Job{
		ID:          uuid.New().String(),
		Kind:        params.Kind,
		Params:      params,
		Mode:        d.Mode,
		Seed:        d.Seed,
		Expected:    d.Expected(),
		State:       store.StateQueued,
		Artifacts:   []string{},
		SubmittedAt: m.opts.Now().UTC(),
	}

	m.mu.Lock()
	if err := m.store.InsertJob(ctx, job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)

	promptID, err := m.backend.Submit(ctx, d.Prompt)
	if err != nil {
		job.ErrorKind = ErrorKindOf(err, KindSubmissionFailed)
		job.ErrorDetail = err.Error()
		m.move(ctx, job, store.StateFailed, "submission rejected", nil)
		retv := job.Clone()
		m.unlockAndDispatch()
		m.logger.Warn("submission rejected", "job_id", job.ID, "error_kind", job.ErrorKind, "error", err)
		return retv, err
	}

	job.PromptID = promptID
	m.byPrompt[promptID] = job.ID
	m.save(ctx, job, nil)
	retv := job.Clone()
	m.unlockAndDispatch()

	m.logger.Info("job submitted",
		"job_id", job.ID,
		"prompt_id", promptID,
		"model", job.Params.Model,
		"mode", job.Mode,
		"batch", job.Expected,
	)
	return retv, nil
}

// Cancel requests cancellation of a job. The job shows as Cancelled with
// CancelPending set until the backend confirms; if the backend reports a
// success first the job completes instead. If the cancel request itself
// fails, the job returns to its prior state and the error is returned.
// Cancelling a terminal job is a no-op that returns the job unchanged.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.State.Terminal() {
		retv := job.Clone()
		m.mu.Unlock()
		return retv, nil
	}

	job.PriorState = job.State
	job.State = store.StateCancelled
	job.CancelPending = true
	m.save(ctx, job, nil)
	promptID := job.PromptID
	m.unlockAndDispatch()

	m.logger.Info("cancel requested", "job_id", jobID, "prompt_id", promptID)
	if promptID == "" {
		// never reached the backend
		m.mu.Lock()
		m.confirmCancel(ctx, job, "cancelled before submission", nil)
		retv := job.Clone()
		m.unlockAndDispatch()
		return retv, nil
	}

	if err := m.backend.Cancel(ctx, promptID); err != nil {
		m.mu.Lock()
		if job.CancelPending {
			job.State = job.PriorState
			job.PriorState = ""
			job.CancelPending = false
			m.save(ctx, job, nil)
		}
		retv := job.Clone()
		m.unlockAndDispatch()
		m.logger.Warn("cancel failed, reverted", "job_id", jobID, "state", retv.State, "error", err)
		return retv, fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	// a queued prompt is simply gone now; a running one reports its interrupt
	if st, err := m.backend.Status(ctx, promptID); err != nil {
		m.logger.Debug("status after cancel", "job_id", jobID, "error", err)
	} else {
		m.ApplyStatus(ctx, st)
	}
	return m.Get(jobID)
}

// Get returns a snapshot of one job.
func (m *Manager) Get(jobID string) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return job.Clone(), nil
}

// Jobs returns snapshots of all jobs in submission order.
func (m *Manager) Jobs() []*store.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	retv := make([]*store.Job, 0, len(m.order))
	for _, id := range m.order {
		retv = append(retv, m.jobs[id].Clone())
	}
	return retv
}

// Active returns the job a cancel-current action applies to: the running
// job, otherwise the oldest queued one. Jobs with a pending cancel are
// skipped. It returns nil when nothing is active.
func (m *Manager) Active() *store.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued *store.Job
	for _, id := range m.order {
		job := m.jobs[id]
		switch job.State {
		case store.StateRunning:
			return job.Clone()
		case store.StateQueued:
			if queued == nil {
				queued = job
			}
		}
	}
	return queued.Clone()
}

// JobErr returns the error recorded on job: a *JobError wrapping
// ErrJobFailed for failed jobs, ErrPartialBatchFailure for partial batches,
// and nil otherwise.
func JobErr(job *store.Job) error {
	if job == nil || job.ErrorKind == "" {
		return nil
	}
	switch job.State {
	case store.StateFailed, store.StateCompleted:
		return &JobError{JobID: job.ID, Kind: job.ErrorKind, Detail: job.ErrorDetail}
	}
	return nil
}

// effectiveState is the state execution has actually reached, looking
// through an unconfirmed cancel.
func effectiveState(job *store.Job) store.State {
	if job.CancelPending {
		return job.PriorState
	}
	return job.State
}

func (m *Manager) jobForPrompt(promptID string) *store.Job {
	if id, ok := m.byPrompt[promptID]; ok {
		return m.jobs[id]
	}
	return nil
}

func (m *Manager) save(ctx context.Context, job *store.Job, ev *client.Event) {
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persist job", "job_id", job.ID, "error", err)
	}
	m.queueUpdate(job, ev)
}

func (m *Manager) queueUpdate(job *store.Job, ev *client.Event) {
	u := Update{Job: job.Clone()}
	if ev != nil {
		e := *ev
		u.Event = &e
	}
	m.outbox = append(m.outbox, u)
}

// unlockAndDispatch releases m.mu and delivers the queued updates.
func (m *Manager) unlockAndDispatch() {
	out := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	if len(out) == 0 {
		return
	}
	m.lmu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.lmu.RUnlock()
	for _, u := range out {
		for _, fn := range listeners {
			fn(u)
		}
	}
}
