package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/termhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/server"
)

func newServeCmd() *cobra.Command {
	var (
		port            string
		backend         string
		dev             bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("backend") {
				cfg.Terminal.Backend = backend
			}
			if dev {
				cfg.Logging.Development = true
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv, err := server.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			select {
			case err := <-errCh:
				if err != nil {
					_ = srv.Shutdown(context.Background())
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&port, "port", "8000", "listen port (overrides PORT)")
	cmd.Flags().StringVar(&backend, "backend", "dtach", "session host: dtach or tmux (overrides TERMINAL_BACKEND)")
	cmd.Flags().BoolVar(&dev, "dev", false, "development logging")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for shutdown")
	return cmd
}
