package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyforge/config"
	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

const apiPollInterval = time.Second

type submitFlags struct {
	kind        string
	model       string
	aspect      string
	preset      string
	negative    string
	sampler     string
	scheduler   string
	image       string
	editLoRA    string
	anglePrompt string
	refineMode  string
	resolution  int
	duration    int
	batch       int
	seed        int64
	refine      bool
	wait        bool
	asJSON      bool
}

// request turns the flags into a submit request. The kind follows from the
// flags when not given: an input image means an edit, a video model a video.
func (f submitFlags) request(prompt string) gallery.SubmitRequest {
	kind := workflow.Kind(strings.TrimSpace(f.kind))
	if kind == "" {
		kind = workflow.KindImageGenerate
		if f.image != "" {
			kind = workflow.KindImageEdit
		} else if spec, ok := workflow.LookupModel(f.model); ok && spec.Video {
			kind = workflow.KindVideoGenerate
		}
	}
	req := gallery.SubmitRequest{
		Params: workflow.Params{
			Kind:           kind,
			Model:          workflow.Model(f.model),
			Aspect:         workflow.Aspect(f.aspect),
			Resolution:     f.resolution,
			Duration:       f.duration,
			BatchSize:      f.batch,
			Prompt:         prompt,
			NegativePrompt: f.negative,
			Sampler:        f.sampler,
			Scheduler:      f.scheduler,
			EditLoRA:       workflow.EditLoRA(f.editLoRA),
			AnglePrompt:    f.anglePrompt,
		},
		Preset:     f.preset,
		Refine:     f.refine,
		RefineMode: f.refineMode,
	}
	if f.seed >= 0 {
		seed := f.seed
		req.Seed = &seed
	}
	return req
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "submit [flags] <prompt>",
		Short: "Queue a generation job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			req := flags.request(strings.Join(args, " "))

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			rt, err := openRuntime(runCtx, cfg, ctx.log(), true)
			if errors.Is(err, errSessionBusy) {
				return submitViaAPI(runCtx, cmd.OutOrStdout(), cfg, req, flags)
			}
			if err != nil {
				return err
			}
			defer rt.Close()
			return submitLocal(runCtx, cmd.OutOrStdout(), rt, req, flags)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.kind, "kind", "", "Job kind: image-generate, image-edit or video-generate")
	fs.StringVarP(&flags.model, "model", "m", string(workflow.ModelQwenLightning), "Model name")
	fs.StringVar(&flags.aspect, "aspect", "", "Aspect: square, portrait or landscape")
	fs.StringVarP(&flags.preset, "preset", "p", "", "Preset name (sets model, resolution and aspect)")
	fs.StringVar(&flags.negative, "negative", "", "Negative prompt")
	fs.StringVar(&flags.sampler, "sampler", "", "Sampler (model default when empty)")
	fs.StringVar(&flags.scheduler, "scheduler", "", "Scheduler (model default when empty)")
	fs.StringVar(&flags.image, "image", "", "Input image to edit")
	fs.StringVar(&flags.editLoRA, "edit-lora", "", "Edit LoRA: angles or upscale")
	fs.StringVar(&flags.anglePrompt, "angle-prompt", "", "Camera angle instruction for the angles LoRA")
	fs.StringVar(&flags.refineMode, "refine-mode", "refine", "Refinement mode: refine, expand or style")
	fs.IntVarP(&flags.resolution, "resolution", "r", 0, "Long edge in pixels (model default when 0)")
	fs.IntVarP(&flags.duration, "duration", "d", 0, "Video duration in seconds")
	fs.IntVarP(&flags.batch, "batch", "b", 0, "Images per job (1-4)")
	fs.Int64Var(&flags.seed, "seed", -1, "Seed; negative picks a random one")
	fs.BoolVar(&flags.refine, "refine", false, "Refine the prompt with Ollama first")
	fs.BoolVarP(&flags.wait, "wait", "w", false, "Follow the job until it finishes")
	fs.BoolVar(&flags.asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func submitLocal(ctx context.Context, out io.Writer, rt *runtime, req gallery.SubmitRequest, flags submitFlags) error {
	var (
		updates chan queue.Update
		done    <-chan error
	)
	if flags.wait {
		updates = make(chan queue.Update, 256)
		remove := rt.manager.AddListener(func(u queue.Update) {
			select {
			case updates <- u:
			case <-ctx.Done():
			}
		})
		defer remove()
		runCtx, cancel := context.WithCancel(ctx)
		done = rt.start(runCtx)
		defer func() {
			cancel()
			<-done
		}()
	}

	job, err := submitWith(ctx, rt.presenter, req, flags.image)
	if err != nil {
		if job != nil {
			printJob(out, job, flags.asJSON)
		}
		return err
	}
	if !flags.wait {
		printJob(out, job, flags.asJSON)
		return nil
	}

	view := newProgressView(out)
	handlers := view.handlers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			// the channel is gone; the manager already failed open jobs
			if final, gerr := rt.manager.Get(job.ID); gerr == nil && final.State.Terminal() {
				return finishJob(out, final, flags.asJSON)
			}
			return fmt.Errorf("backend session ended: %w", err)
		case u := <-updates:
			if u.Job.ID != job.ID {
				continue
			}
			if u.Event != nil {
				_, _ = handlers.Dispatch(*u.Event)
			}
			if u.Job.State.Terminal() && !u.Job.CancelPending {
				return finishJob(out, u.Job, flags.asJSON)
			}
		}
	}
}

func submitWith(ctx context.Context, p *gallery.Presenter, req gallery.SubmitRequest, image string) (*store.Job, error) {
	if image == "" {
		return p.Submit(ctx, req)
	}
	f, err := os.Open(image)
	if err != nil {
		return nil, fmt.Errorf("open input image: %w", err)
	}
	defer f.Close()
	return p.SubmitEdit(ctx, req, f, filepath.Base(image))
}

func submitViaAPI(ctx context.Context, out io.Writer, cfg *config.Config, req gallery.SubmitRequest, flags submitFlags) error {
	api := newAPIClient(cfg)
	var job store.Job
	if flags.image != "" {
		if err := api.submitEdit(ctx, req, flags.image, &job); err != nil {
			return err
		}
	} else if err := api.do(ctx, http.MethodPost, "/api/jobs", req, &job); err != nil {
		return err
	}
	if !flags.wait {
		printJob(out, &job, flags.asJSON)
		return nil
	}

	view := newProgressView(out)
	ticker := time.NewTicker(apiPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var current store.Job
		if err := api.do(ctx, http.MethodGet, "/api/jobs/"+job.ID, nil, &current); err != nil {
			return err
		}
		view.job(&current)
		if current.State.Terminal() && !current.CancelPending {
			view.finishBar()
			return finishJob(out, &current, flags.asJSON)
		}
	}
}

// finishJob prints the outcome and returns the job's error for failures.
// Partial batches only warn.
func finishJob(out io.Writer, job *store.Job, asJSON bool) error {
	printJob(out, job, asJSON)
	err := queue.JobErr(job)
	if errors.Is(err, queue.ErrPartialBatchFailure) {
		fmt.Fprintf(out, "warning: %v\n", err)
		return nil
	}
	return err
}

func printJob(out io.Writer, job *store.Job, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(job)
		return
	}
	fmt.Fprintf(out, "job %s %s", job.ID, job.State)
	if job.PromptID != "" {
		fmt.Fprintf(out, " (prompt %s)", job.PromptID)
	}
	fmt.Fprintf(out, ": %s %s seed %d, %d/%d artifacts\n",
		gallery.ModeTitle(job.Mode), job.Params.Model, job.Seed, len(job.Artifacts), job.Expected)
	if job.ErrorKind != "" {
		fmt.Fprintf(out, "  %s: %s\n", job.ErrorKind, job.ErrorDetail)
	}
}
