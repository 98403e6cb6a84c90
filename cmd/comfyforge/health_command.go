package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/workflow"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var checkModels bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the ComfyUI backend",
		Long: "Reports the backend's system stats and queue depth. With --models, " +
			"every supported model's workflow is checked for model files the backend does not have.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// read-only requests; no lock and no event channel
			session, err := client.NewSession(client.SessionOptions{
				BaseURL:        cfg.Backend.URL,
				RequestTimeout: cfg.RequestTimeout(),
				Logger:         ctx.log(),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stats, err := session.SystemStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("backend %s unreachable: %w", cfg.Backend.URL, err)
			}
			fmt.Fprintf(out, "Backend:  %s\n", cfg.Backend.URL)
			if stats.System.ComfyUIVersion != "" {
				fmt.Fprintf(out, "ComfyUI:  %s\n", stats.System.ComfyUIVersion)
			}
			fmt.Fprintf(out, "Python:   %s (%s)\n", firstLine(stats.System.PythonVersion), stats.System.OS)
			if info, err := session.QueueExecutionInfo(cmd.Context()); err == nil {
				fmt.Fprintf(out, "Queue:    %d remaining\n", info.ExecInfo.QueueRemaining)
			}

			if len(stats.Devices) > 0 {
				rows := make([][]string, 0, len(stats.Devices))
				for _, d := range stats.Devices {
					rows = append(rows, []string{
						fmt.Sprint(d.Index), d.Name, d.Type,
						formatVRAM(d.VRAM_Total), formatVRAM(d.VRAM_Free),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Device", "Type", "VRAM", "Free"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
				))
			}

			if !checkModels {
				return nil
			}
			return checkModelAssets(cmd, session)
		},
	}
	cmd.Flags().BoolVar(&checkModels, "models", false, "Check that each model's files are installed")
	return cmd
}

func checkModelAssets(cmd *cobra.Command, session *client.Session) error {
	out := cmd.OutOrStdout()
	rows := make([][]string, 0)
	for _, spec := range workflow.Models() {
		kind := workflow.KindImageGenerate
		if spec.Video {
			kind = workflow.KindVideoGenerate
		}
		d, err := workflow.Build(workflow.Params{Kind: kind, Model: spec.Model, Prompt: "preflight"})
		if err != nil {
			return fmt.Errorf("build %s workflow: %w", spec.Model, err)
		}
		missing, err := session.Preflight(cmd.Context(), d.Prompt)
		if err != nil {
			return fmt.Errorf("preflight %s: %w", spec.Model, err)
		}
		if len(missing) == 0 {
			rows = append(rows, []string{string(spec.Model), "ok", ""})
			continue
		}
		names := make([]string, 0, len(missing))
		for _, m := range missing {
			if m.Input == "" {
				names = append(names, "node "+m.ClassType)
				continue
			}
			names = append(names, m.Value)
		}
		rows = append(rows, []string{string(spec.Model), "missing", strings.Join(names, ", ")})
	}
	fmt.Fprintln(out, renderTable([]string{"Model", "Status", "Missing"}, rows, nil))
	return nil
}

func formatVRAM(b int64) string {
	if b <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(b))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
