package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

var allowedTransitions = map[store.State][]store.State{
	store.StateQueued:  {store.StateRunning, store.StateFailed, store.StateCancelled},
	store.StateRunning: {store.StateCompleted, store.StateFailed, store.StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to store.State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// move records a transition of the job's execution state. While a cancel is
// pending the visible state stays Cancelled and only the prior state
// advances, until a terminal state resolves the cancel.
func (m *Manager) move(ctx context.Context, job *store.Job, to store.State, note string, ev *client.Event) bool {
	from := effectiveState(job)
	if !CanTransition(from, to) {
		m.logger.Warn("ignoring invalid transition", "job_id", job.ID, "from", from, "to", to)
		return false
	}

	now := m.opts.Now().UTC()
	if job.CancelPending && !to.Terminal() {
		job.PriorState = to
	} else {
		job.State = to
		job.CancelPending = false
		job.PriorState = ""
	}
	switch {
	case to == store.StateRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case to.Terminal():
		job.FinishedAt = &now
		job.Stalled = false
		delete(m.staged, job.ID)
	}

	if err := m.store.Transition(ctx, job, store.Transition{From: from, To: to, Note: note, At: now}); err != nil {
		m.logger.Error("persist transition", "job_id", job.ID, "from", from, "to", to, "error", err)
	}
	m.logger.Info("job transition", "job_id", job.ID, "from", from, "to", to, "note", note)
	m.queueUpdate(job, ev)
	return true
}

func (m *Manager) ensureRunning(ctx context.Context, job *store.Job, note string, ev *client.Event) bool {
	if effectiveState(job) != store.StateQueued {
		return false
	}
	return m.move(ctx, job, store.StateRunning, note, ev)
}

func (m *Manager) confirmCancel(ctx context.Context, job *store.Job, note string, ev *client.Event) {
	if !job.CancelPending {
		return
	}
	m.move(ctx, job, store.StateCancelled, note, ev)
}

// applyEvent applies one prompt event. Callers must hold m.mu.
func (m *Manager) applyEvent(ctx context.Context, ev client.Event) {
	job := m.jobForPrompt(ev.PromptID)
	if job == nil {
		m.logger.Debug("event for untracked prompt", "prompt_id", ev.PromptID, "type", ev.Type)
		return
	}
	if job.State.Terminal() && !job.CancelPending {
		m.logger.Debug("event after terminal state", "job_id", job.ID, "state", job.State, "type", ev.Type)
		return
	}

	now := m.opts.Now().UTC()
	job.LastEventAt = &now
	job.Stalled = false

	switch ev.Type {
	case client.EventStarted:
	case client.EventExecuting:
		job.Progress = store.Progress{Node: ev.Node}
	case client.EventProgress:
		job.Progress = store.Progress{Value: ev.Value, Max: ev.Max, Node: ev.Node}
	case client.EventArtifact:
		if ev.Output != nil {
			m.stage(job.ID, *ev.Output)
		}
	case client.EventSucceeded:
		m.ensureRunning(ctx, job, "implicit on completion", &ev)
		note := ""
		if job.CancelPending {
			note = "cancel superseded"
		}
		m.finishSuccess(ctx, job, ev.Outputs, note, &ev)
		return
	case client.EventFailed, client.EventInterrupted:
		if job.CancelPending {
			m.confirmCancel(ctx, job, "cancel confirmed", &ev)
			return
		}
		m.ensureRunning(ctx, job, "implicit on failure", &ev)
		kind, detail := KindExecutionError, ev.Exception.String()
		if ev.Type == client.EventInterrupted {
			kind, detail = KindInterrupted, "interrupted on the backend"
		}
		if detail == "" {
			detail = "execution failed"
		}
		m.finishFailure(ctx, job, ev.Outputs, kind, detail, &ev)
		return
	default:
		return
	}
	if !m.ensureRunning(ctx, job, "", &ev) {
		m.save(ctx, job, &ev)
	}
}

// ApplyStatus applies a polled status to the job bound to its prompt.
func (m *Manager) ApplyStatus(ctx context.Context, st *client.PromptStatus) {
	m.mu.Lock()
	if st.State == client.StatusUnknown {
		m.applyUnknown(ctx, st.PromptID)
	} else {
		for _, ev := range st.Events() {
			m.applyEvent(ctx, ev)
		}
	}
	m.unlockAndDispatch()
}

// applyUnknown handles a prompt that is neither queued nor in the backend's
// history: a confirmed cancel, or a prompt lost by a backend restart.
func (m *Manager) applyUnknown(ctx context.Context, promptID string) {
	job := m.jobForPrompt(promptID)
	if job == nil {
		return
	}
	if job.CancelPending {
		m.confirmCancel(ctx, job, "removed from backend queue", nil)
		return
	}
	if job.State.Terminal() {
		return
	}
	job.ErrorKind = KindPromptLost
	job.ErrorDetail = "prompt is no longer known to the backend"
	m.move(ctx, job, store.StateFailed, "prompt lost", nil)
}

func (m *Manager) stage(jobID string, out client.DataOutput) {
	for _, o := range m.staged[jobID] {
		if o.Subfolder == out.Subfolder && o.Filename == out.Filename {
			return
		}
	}
	m.staged[jobID] = append(m.staged[jobID], out)
}

// finishSuccess persists the job's artifacts and moves it to Completed, or to
// Failed when nothing was produced.
func (m *Manager) finishSuccess(ctx context.Context, job *store.Job, polled []client.DataOutput, note string, ev *client.Event) {
	count := m.persistArtifacts(ctx, job, polled)
	switch {
	case count == 0:
		job.ErrorKind = KindNoArtifacts
		job.ErrorDetail = "no artifacts produced"
		m.move(ctx, job, store.StateFailed, note, ev)
		return
	case count < job.Expected:
		job.ErrorKind = KindPartialBatchFailure
		job.FailedCount = job.Expected - count
		job.ErrorDetail = fmt.Sprintf("%d of %d artifacts produced", count, job.Expected)
	}
	if m.move(ctx, job, store.StateCompleted, note, ev) {
		m.appendHistory(ctx, job)
	}
}

// finishFailure keeps whatever a batch produced before the failure: with at
// least one artifact the job completes as a partial batch.
func (m *Manager) finishFailure(ctx context.Context, job *store.Job, polled []client.DataOutput, kind string, detail string, ev *client.Event) {
	count := m.persistArtifacts(ctx, job, polled)
	if count == 0 {
		job.ErrorKind = kind
		job.ErrorDetail = detail
		m.move(ctx, job, store.StateFailed, "", ev)
		return
	}
	note := "completed despite error: " + detail
	if failed := job.Expected - count; failed > 0 {
		job.ErrorKind = KindPartialBatchFailure
		job.FailedCount = failed
		job.ErrorDetail = fmt.Sprintf("%d of %d artifacts produced: %s", count, job.Expected, detail)
		note = "partial batch"
	}
	if m.move(ctx, job, store.StateCompleted, note, ev) {
		m.appendHistory(ctx, job)
	}
}

// persistArtifacts stores the staged and polled output files of job and
// returns the job's artifact count. Temporary previews are skipped.
func (m *Manager) persistArtifacts(ctx context.Context, job *store.Job, polled []client.DataOutput) int {
	for _, o := range polled {
		m.stage(job.ID, o)
	}
	kind := store.ArtifactImage
	if job.Kind == workflow.KindVideoGenerate {
		kind = store.ArtifactVideo
	}
	for _, o := range m.staged[job.ID] {
		if o.Type != "output" || !o.IsFile() {
			continue
		}
		a, _, err := m.store.AddArtifact(ctx, &store.Artifact{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Subfolder: o.Subfolder,
			Filename:  o.Filename,
			Kind:      kind,
			Model:     string(job.Params.Model),
			Mode:      job.Mode,
			Prompt:    job.Params.Prompt,
		})
		if err != nil {
			m.logger.Error("persist artifact", "job_id", job.ID, "filename", o.Filename, "error", err)
			continue
		}
		if !slices.Contains(job.Artifacts, a.ID) {
			job.Artifacts = append(job.Artifacts, a.ID)
		}
	}
	delete(m.staged, job.ID)
	return len(job.Artifacts)
}

func (m *Manager) appendHistory(ctx context.Context, job *store.Job) {
	_, err := m.store.AppendHistory(ctx, &store.HistoryEntry{
		JobID:         job.ID,
		Prompt:        job.Params.Prompt,
		Model:         string(job.Params.Model),
		Mode:          job.Mode,
		Seed:          job.Seed,
		ArtifactCount: len(job.Artifacts),
	})
	if err != nil {
		m.logger.Error("append history", "job_id", job.ID, "error", err)
	}
}

// FailAll ends every non-terminal job after the event channel is lost for
// good. Jobs with a pending cancel are confirmed cancelled.
func (m *Manager) FailAll(ctx context.Context, cause error) {
	m.mu.Lock()
	for _, id := range m.order {
		job := m.jobs[id]
		if job.CancelPending {
			m.confirmCancel(ctx, job, "event channel lost", nil)
			continue
		}
		if job.State.Terminal() {
			continue
		}
		job.ErrorKind = KindChannelDisconnected
		job.ErrorDetail = cause.Error()
		m.move(ctx, job, store.StateFailed, "event channel lost", nil)
	}
	m.unlockAndDispatch()
}

// queueDepth is implemented by backends that know how much work is waiting.
type queueDepth interface {
	QueueRemaining() int
}

// Sweep flags jobs that have seen no event for longer than their kind's
// stall timeout: running jobs always, queued jobs only while the backend
// reports an empty queue, since a queued job otherwise waits its turn.
// Flagged jobs are never cancelled; the flag clears on the next event. It
// returns the ids of newly stalled jobs.
func (m *Manager) Sweep(ctx context.Context) []string {
	backendIdle := false
	if qd, ok := m.backend.(queueDepth); ok {
		backendIdle = qd.QueueRemaining() == 0
	}

	m.mu.Lock()
	now := m.opts.Now()
	var stalled []string
	for _, id := range m.order {
		job := m.jobs[id]
		if job.Stalled {
			continue
		}
		switch {
		case job.State == store.StateRunning:
		case job.State == store.StateQueued && backendIdle && job.PromptID != "":
		default:
			continue
		}
		last := job.SubmittedAt
		if job.StartedAt != nil {
			last = *job.StartedAt
		}
		if job.LastEventAt != nil && job.LastEventAt.After(last) {
			last = *job.LastEventAt
		}
		if now.Sub(last) <= m.stallTimeout(job) {
			continue
		}
		job.Stalled = true
		m.save(ctx, job, nil)
		stalled = append(stalled, job.ID)
		m.logger.Warn("job stalled", "job_id", job.ID, "state", job.State, "idle", now.Sub(last).Round(time.Second))
	}
	m.unlockAndDispatch()
	return stalled
}

func (m *Manager) stallTimeout(job *store.Job) time.Duration {
	if job.Kind == workflow.KindVideoGenerate {
		return m.opts.VideoStallTimeout
	}
	return m.opts.ImageStallTimeout
}

// pendingPrompts lists prompt ids to poll on resync: non-terminal jobs, and
// jobs whose cancel is unconfirmed.
func (m *Manager) pendingPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var retv []string
	for _, id := range m.order {
		job := m.jobs[id]
		if job.PromptID == "" {
			continue
		}
		if job.CancelPending || !job.State.Terminal() {
			retv = append(retv, job.PromptID)
		}
	}
	return retv
}

// settledPrompts lists prompt ids whose jobs are terminal with no cancel
// waiting for confirmation. No further event can change those jobs.
func (m *Manager) settledPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var retv []string
	for _, id := range m.order {
		job := m.jobs[id]
		if job.PromptID != "" && job.State.Terminal() && !job.CancelPending {
			retv = append(retv, job.PromptID)
		}
	}
	return retv
}

func (m *Manager) cancelPendingPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var retv []string
	for _, id := range m.order {
		if job := m.jobs[id]; job.CancelPending && job.PromptID != "" {
			retv = append(retv, job.PromptID)
		}
	}
	return retv
}
