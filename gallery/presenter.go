// Package gallery adapts the job queue and its results for a UI: newest-first
// listings, filters, favorites, prompt history and the cancel-current action.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/refine"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

var (
	// ErrNothingToCancel is returned by CancelCurrent when no job is queued or running.
	ErrNothingToCancel = errors.New("nothing to cancel")
	// ErrUnknownArtifact is returned for artifact ids the store does not know.
	ErrUnknownArtifact = fmt.Errorf("unknown artifact: %w", store.ErrNotFound)
	// ErrUploadUnavailable is returned by SubmitEdit without an uploader.
	ErrUploadUnavailable = errors.New("image upload not available")
	// ErrRefineDisabled is returned by Refine without a refiner.
	ErrRefineDisabled = errors.New("prompt refinement disabled")
)

const defaultRecentPrompts = 20

// Refiner rewrites prompts before submission.
type Refiner interface {
	Refine(ctx context.Context, prompt string, mode refine.Mode) (string, error)
	Unload(ctx context.Context) error
}

// Uploader stores an input image on the backend and returns its name.
type Uploader interface {
	UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype client.ImageType, subfolder string) (string, error)
}

// OpenFunc opens the file behind an artifact.
type OpenFunc func(ctx context.Context, a *store.Artifact) (io.ReadCloser, error)

// Options configures a Presenter. Refiner, Uploader and Open are optional.
type Options struct {
	Refiner       Refiner
	AutoUnload    bool
	Uploader      Uploader
	Open          OpenFunc
	RecentPrompts int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Presenter is the UI-facing view of one queue manager.
type Presenter struct {
	manager *queue.Manager
	store   *store.Store
	opts    Options
	logger  *slog.Logger
}

// New creates a presenter over m.
func New(m *queue.Manager, opts Options) *Presenter {
	if opts.RecentPrompts <= 0 {
		opts.RecentPrompts = defaultRecentPrompts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Presenter{
		manager: m,
		store:   m.Store(),
		opts:    opts,
		logger:  opts.Logger.With("component", "gallery"),
	}
}

// SubmitRequest is what a UI sends to start a job. Preset, when set, fills
// model, resolution and aspect before the other fields are validated.
type SubmitRequest struct {
	workflow.Params
	Preset     string `json:"preset,omitempty"`
	Refine     bool   `json:"refine,omitempty"`
	RefineMode string `json:"refine_mode,omitempty"`
}

// Jobs returns the jobs matching f, newest first.
func (p *Presenter) Jobs(ctx context.Context, f Filter) ([]*store.Job, error) {
	m := f.compile(p.opts.Now())
	var favorites map[string]bool
	if m.favorites {
		var err error
		if favorites, err = p.favoriteJobs(ctx); err != nil {
			return nil, err
		}
	}
	jobs := p.manager.Jobs()
	retv := make([]*store.Job, 0, len(jobs))
	for _, job := range slices.Backward(jobs) {
		if m.matchJob(job, favorites[job.ID]) {
			retv = append(retv, job)
		}
	}
	return retv, nil
}

// Job returns one job.
func (p *Presenter) Job(jobID string) (*store.Job, error) {
	return p.manager.Get(jobID)
}

func (p *Presenter) favoriteJobs(ctx context.Context) (map[string]bool, error) {
	artifacts, err := p.store.ListArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	retv := make(map[string]bool)
	for _, a := range artifacts {
		if a.Favorite {
			retv[a.JobID] = true
		}
	}
	return retv, nil
}

// Gallery returns the artifacts matching f, newest first.
func (p *Presenter) Gallery(ctx context.Context, f Filter) ([]*store.Artifact, error) {
	m := f.compile(p.opts.Now())
	artifacts, err := p.store.ListArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	retv := make([]*store.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if m.matchArtifact(a) {
			retv = append(retv, a)
		}
	}
	return retv, nil
}

// CancelCurrent cancels the running job, or the oldest queued one.
func (p *Presenter) CancelCurrent(ctx context.Context) (*store.Job, error) {
	job := p.manager.Active()
	if job == nil {
		return nil, ErrNothingToCancel
	}
	return p.manager.Cancel(ctx, job.ID)
}

// Cancel cancels one job by id.
func (p *Presenter) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	return p.manager.Cancel(ctx, jobID)
}

// Submit validates req, optionally refines its prompt, and queues the job.
// Invalid parameters fail before anything leaves the process. A failed
// refinement, or a refined prompt that no longer validates, falls back to
// the prompt as typed.
func (p *Presenter) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	d, err := p.build(req)
	if err != nil {
		return nil, err
	}
	if req.Refine && p.opts.Refiner != nil {
		if refined, ok := p.refine(ctx, req.Params.Prompt, req.RefineMode); ok {
			params := d.Params
			params.Prompt = refined
			seed := d.Seed
			params.Seed = &seed
			if rd, err := workflow.Build(params); err != nil {
				p.logger.Warn("refined prompt rejected, using original prompt", "error", err)
			} else {
				d = rd
			}
		}
	}
	return p.manager.Submit(ctx, d)
}

// SubmitEdit uploads image and queues an image edit of it.
func (p *Presenter) SubmitEdit(ctx context.Context, req SubmitRequest, image io.Reader, filename string) (*store.Job, error) {
	if p.opts.Uploader == nil {
		return nil, ErrUploadUnavailable
	}
	req.Kind = workflow.KindImageEdit
	req.InputImage = filename
	// validate before uploading anything
	if _, err := p.build(req); err != nil {
		return nil, err
	}
	name, err := p.opts.Uploader.UploadFileFromReader(ctx, image, filename, true, client.InputImageType, "")
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	p.logger.Info("input image uploaded", "filename", filename, "name", name)
	req.InputImage = name
	return p.Submit(ctx, req)
}

func (p *Presenter) build(req SubmitRequest) (*workflow.Descriptor, error) {
	params := req.Params
	if strings.TrimSpace(req.Preset) != "" {
		var err error
		if params, err = workflow.ApplyPreset(params, req.Preset); err != nil {
			return nil, err
		}
	}
	return workflow.Build(params)
}

func (p *Presenter) refine(ctx context.Context, prompt string, mode string) (string, bool) {
	refined, err := p.opts.Refiner.Refine(ctx, prompt, refine.ParseMode(mode))
	if err != nil {
		p.logger.Warn("prompt refinement failed, using original prompt", "error", err)
		return "", false
	}
	p.logger.Info("prompt refined", "mode", refine.ParseMode(mode), "prompt", refined)
	if p.opts.AutoUnload {
		if err := p.opts.Refiner.Unload(ctx); err != nil {
			p.logger.Warn("unload refine model", "error", err)
		}
	}
	return refined, true
}

// Refine rewrites prompt without submitting anything.
func (p *Presenter) Refine(ctx context.Context, prompt string, mode string) (string, error) {
	if p.opts.Refiner == nil {
		return "", ErrRefineDisabled
	}
	return p.opts.Refiner.Refine(ctx, prompt, refine.ParseMode(mode))
}

// ToggleFavorite flips the favorite flag of an artifact and returns it.
func (p *Presenter) ToggleFavorite(ctx context.Context, artifactID string) (*store.Artifact, error) {
	a, err := p.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, artifactID)
	}
	a.Favorite = !a.Favorite
	if err := p.store.SetFavorite(ctx, a.ID, a.Favorite); err != nil {
		return nil, err
	}
	return a, nil
}

// History returns the newest history entries; limit <= 0 returns all.
func (p *Presenter) History(ctx context.Context, limit int) ([]*store.HistoryEntry, error) {
	return p.store.ListHistory(ctx, limit)
}

// DeleteHistory removes one history entry.
func (p *Presenter) DeleteHistory(ctx context.Context, id int64) error {
	return p.store.DeleteHistory(ctx, id)
}

// RecentPrompts returns distinct recently submitted prompts, newest first.
func (p *Presenter) RecentPrompts(ctx context.Context) ([]string, error) {
	return p.store.RecentPrompts(ctx, p.opts.RecentPrompts)
}

// ArtifactDetail is an artifact plus the job metadata embedded in its file.
type ArtifactDetail struct {
	*store.Artifact
	Metadata *client.ArtifactMetadata `json:"metadata,omitempty"`
}

// ArtifactInfo reads the metadata embedded in an image artifact. Videos and
// images saved without metadata return a nil Metadata.
func (p *Presenter) ArtifactInfo(ctx context.Context, artifactID string) (*ArtifactDetail, error) {
	a, err := p.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, artifactID)
	}
	detail := &ArtifactDetail{Artifact: a}
	if a.Kind != store.ArtifactImage || p.opts.Open == nil {
		return detail, nil
	}
	rc, err := p.opts.Open(ctx, a)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug("artifact file not reachable", "artifact_id", a.ID, "location", a.Location())
		return detail, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", a.Location(), err)
	}
	defer rc.Close()
	meta, err := client.ReadArtifactMetadata(rc, workflow.PngInfoKey)
	if errors.Is(err, client.ErrNoMetadata) {
		return detail, nil
	}
	if err != nil {
		return nil, err
	}
	detail.Metadata = meta
	return detail, nil
}
