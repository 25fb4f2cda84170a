package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal/host"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/persistence"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the session host, directories and metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, out io.Writer) error {
	failed := 0
	report := func(name string, err error, detail string) {
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %-12s %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "ok    %-12s %s\n", name, detail)
	}

	fmt.Fprintf(out, "listen        %s\n", cfg.Server.Addr())

	runner := host.NewExecRunner(cfg.Terminal.Backend, cfg.Terminal.CommandTimeout.Std(), nil, zap.NewNop())
	adapter, err := host.New(host.Options{
		Backend:    cfg.Terminal.Backend,
		SocketDir:  cfg.Terminal.SocketDir,
		Shell:      cfg.Terminal.Shell,
		TmuxConfig: cfg.Terminal.TmuxConfig,
	}, runner)
	if err != nil {
		report("backend", err, "")
	} else if !adapter.IsAvailable() {
		report("backend", fmt.Errorf("%s not found on PATH", adapter.Name()), "")
	} else {
		ids, err := adapter.ListSessions(ctx)
		report("backend", err, fmt.Sprintf("%s, %d session(s) in %s", adapter.Name(), len(ids), cfg.Terminal.SocketDir))
	}

	report("shell", nil, host.ResolveShell(cfg.Terminal.Shell))
	report("sockets", writable(cfg.Terminal.SocketDir), cfg.Terminal.SocketDir)
	report("buffers", writable(cfg.Terminal.BufferDir), cfg.Terminal.BufferDir)

	if cfg.Store.Enabled {
		report("store", checkStore(ctx, cfg.Store.Path), cfg.Store.Path)
	} else {
		report("store", nil, "disabled")
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// writable creates dir if needed and proves a file can be written there.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkStore(ctx context.Context, path string) error {
	store, err := persistence.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return store.Ping(ctx)
}
