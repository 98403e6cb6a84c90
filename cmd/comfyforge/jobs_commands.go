package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyforge/gallery"
	"github.com/richinsley/comfyforge/store"
)

type filterFlags struct {
	model  string
	mode   string
	preset string
	query  string
	asJSON bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.model, "model", "", "Only this model")
	fs.StringVar(&f.mode, "mode", "", "Only this mode (lightning, normal, turbo, edit, video)")
	fs.StringVar(&f.preset, "filter", "", "Filter preset: all, recent, favorites or a mode name")
	fs.StringVarP(&f.query, "query", "q", "", "Text to look for in the prompt")
	fs.BoolVar(&f.asJSON, "json", false, "Print JSON")
}

func (f *filterFlags) filter() gallery.Filter {
	return gallery.Filter{Model: f.model, Mode: f.mode, Preset: f.preset, Query: f.query}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withOffline opens the store and queue without taking the session lock.
func withOffline(ctx context.Context, cc *commandContext, fn func(*runtime) error) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, cc.log(), false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
				jobs, err := rt.presenter.Jobs(cmd.Context(), flags.filter())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if flags.asJSON {
					return writeJSON(out, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "State", "Mode", "Model", "Progress", "Artifacts", "Submitted", "Prompt"},
					jobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func jobRows(jobs []*store.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		state := string(job.State)
		switch {
		case job.CancelPending:
			state += " (pending)"
		case job.Stalled:
			state += " (stalled)"
		case job.ErrorKind != "":
			state += " (" + job.ErrorKind + ")"
		}
		progress := ""
		if job.State == store.StateRunning && job.Progress.Max > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress.Value, job.Progress.Max)
		}
		rows = append(rows, []string{
			shortID(job.ID),
			state,
			gallery.ModeTitle(job.Mode),
			string(job.Params.Model),
			progress,
			fmt.Sprintf("%d/%d", len(job.Artifacts), job.Expected),
			job.SubmittedAt.Local().Format(time.DateTime),
			truncate(job.Params.Prompt, 48),
		})
	}
	return rows
}

// resolveJobID expands a unique id prefix to the full job id.
func resolveJobID(jobs []*store.Job, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	var match string
	for _, job := range jobs {
		if job.ID == prefix {
			return job.ID, nil
		}
		if strings.HasPrefix(job.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("job id prefix %q is ambiguous", prefix)
			}
			match = job.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no job matches %q", prefix)
	}
	return match, nil
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a job, or the current one when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var jobID string
			if len(args) == 1 {
				err := withOffline(cmd.Context(), ctx, func(rt *runtime) error {
					var rerr error
					jobID, rerr = resolveJobID(rt.manager.Jobs(), args[0])
					return rerr
				})
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			rt, err := openRuntime(cmd.Context(), cfg, ctx.log(), true)
			if errors.Is(err, errSessionBusy) {
				path := "/api/cancel"
				if jobID != "" {
					path = "/api/jobs/" + jobID + "/cancel"
				}
				var job store.Job
				if err := newAPIClient(cfg).do(cmd.Context(), http.MethodPost, path, nil, &job); err != nil {
					return err
				}
				printJob(out, &job, asJSON)
				return nil
			}
			if err != nil {
				return err
			}
			defer rt.Close()

			var job *store.Job
			if jobID == "" {
				job, err = rt.presenter.CancelCurrent(cmd.Context())
			} else {
				job, err = rt.presenter.Cancel(cmd.Context(), jobID)
			}
			if job != nil {
				printJob(out, job, asJSON)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newGalleryCommand(ctx *commandContext) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "List generated artifacts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
				items, err := rt.presenter.Gallery(cmd.Context(), flags.filter())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if flags.asJSON {
					return writeJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No artifacts")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, a := range items {
					fav := ""
					if a.Favorite {
						fav = "★"
					}
					rows = append(rows, []string{
						shortID(a.ID), shortID(a.JobID), gallery.ModeTitle(a.Mode), a.Model, fav,
						a.Location(), a.CreatedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Job", "Mode", "Model", "Fav", "File", "Created"}, rows, nil))
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.AddCommand(newFavoriteCommand(ctx), newArtifactInfoCommand(ctx))
	return cmd
}

// resolveArtifactID expands a unique artifact id prefix.
func resolveArtifactID(ctx context.Context, rt *runtime, prefix string) (string, error) {
	items, err := rt.store.ListArtifacts(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, a := range items {
		if a.ID == prefix {
			return a.ID, nil
		}
		if strings.HasPrefix(a.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("artifact id prefix %q is ambiguous", prefix)
			}
			match = a.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", gallery.ErrUnknownArtifact, prefix)
	}
	return match, nil
}

func newFavoriteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <artifact-id>",
		Short: "Toggle the favorite flag of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
				id, err := resolveArtifactID(cmd.Context(), rt, args[0])
				if err != nil {
					return err
				}
				a, err := rt.presenter.ToggleFavorite(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s favorite: %s\n", a.Location(), yesNo(a.Favorite))
				return nil
			})
		},
	}
}

func newArtifactInfoCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "info <artifact-id>",
		Short: "Show an artifact and the job metadata embedded in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
				id, err := resolveArtifactID(cmd.Context(), rt, args[0])
				if err != nil {
					return err
				}
				detail, err := rt.presenter.ArtifactInfo(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), detail)
			})
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
				entries, err := rt.presenter.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "No history")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, h := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(h.ID, 10), gallery.ModeTitle(h.Mode), h.Model,
						strconv.FormatInt(h.Seed, 10), strconv.Itoa(h.ArtifactCount),
						h.CreatedAt.Local().Format(time.DateTime), truncate(h.Prompt, 48),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Mode", "Model", "Seed", "Files", "Finished", "Prompt"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a history entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("history id: %w", err)
				}
				return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
					return rt.presenter.DeleteHistory(cmd.Context(), id)
				})
			},
		},
		&cobra.Command{
			Use:   "prompts",
			Short: "List recently used prompts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOffline(cmd.Context(), ctx, func(rt *runtime) error {
					prompts, err := rt.presenter.RecentPrompts(cmd.Context())
					if err != nil {
						return err
					}
					for _, p := range prompts {
						fmt.Fprintln(cmd.OutOrStdout(), p)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
