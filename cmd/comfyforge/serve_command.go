package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyforge/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Own the backend session and serve the job API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Paths.APIBind = bind
			}
			logger := ctx.log()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(runCtx, cfg, logger, true)
			if err != nil {
				if errors.Is(err, errSessionBusy) {
					return fmt.Errorf("%w (lock %s)", err, cfg.LockPath())
				}
				return err
			}
			defer rt.Close()

			srv := server.New(server.Options{
				Presenter: rt.presenter,
				Manager:   rt.manager,
				Backend:   rt.session,
				OutputDir: cfg.Backend.OutputDir,
				Logger:    logger,
			})
			defer srv.Close()

			logger.Info("comfyforge serving",
				"backend", cfg.Backend.URL,
				"api", cfg.Paths.APIBind,
				"database", cfg.DatabasePath(),
			)
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(runCtx, cfg.Paths.APIBind) }()
			backendDone := rt.start(runCtx)

			select {
			case err := <-serveErr:
				stop()
				<-backendDone
				return err
			case err := <-backendDone:
				stop()
				if serr := <-serveErr; serr != nil {
					logger.Warn("api shutdown", "error", serr)
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			case <-runCtx.Done():
				<-backendDone
				if err := <-serveErr; err != nil {
					return err
				}
			}
			logger.Info("comfyforge stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "API listen address (overrides paths.api_bind)")
	return cmd
}
