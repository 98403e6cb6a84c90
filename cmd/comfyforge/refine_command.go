package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyforge/refine"
)

func newRefineCommand(ctx *commandContext) *cobra.Command {
	var (
		mode   string
		unload bool
	)
	cmd := &cobra.Command{
		Use:   "refine <prompt>",
		Short: "Rewrite a prompt with the local Ollama model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client := newRefineClient(cfg)
			refined, err := client.Refine(cmd.Context(), strings.Join(args, " "), refine.ParseMode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), refined)
			if unload || cfg.Refine.AutoUnload {
				if err := client.Unload(cmd.Context()); err != nil {
					ctx.log().Warn("unload refine model", "model", client.Model(), "error", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(refine.ModeRefine), "Refine mode: refine, expand or style")
	cmd.Flags().BoolVar(&unload, "unload", false, "Unload the model afterwards")
	return cmd
}
