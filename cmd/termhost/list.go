package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/termhost/internal/client"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
	"github.com/GriffinCanCode/termhost/internal/shared/protocol"
)

func newListCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List terminals on a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			terminals, err := fetchTerminals(cmd.Context(), url, timeout)
			if err != nil {
				return err
			}
			return printTerminals(cmd.OutOrStdout(), terminals)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8000/ws", "control-plane WebSocket URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the server")
	return cmd
}

// fetchTerminals connects and returns the snapshot the server sends to
// every new connection.
func fetchTerminals(ctx context.Context, url string, timeout time.Duration) ([]terminal.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frames := make(chan protocol.Envelope, 1)
	opts := client.DefaultOptions(url)
	opts.MaxAttempts = 1
	c, err := client.Dial(ctx, opts, func(env protocol.Envelope) {
		if env.Type == protocol.TypeList {
			select {
			case frames <- env:
			default:
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer c.Close()

	select {
	case env := <-frames:
		var list protocol.ListPayload
		if err := protocol.DecodePayload(env, &list); err != nil {
			return nil, err
		}
		return list.Terminals, nil
	case <-c.Done():
		return nil, c.Err()
	case <-ctx.Done():
		return nil, fmt.Errorf("no terminal list from %s: %w", url, ctx.Err())
	}
}

func printTerminals(out io.Writer, terminals []terminal.Info) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSIZE\tATTACHED\tCWD")
	for _, t := range terminals {
		status := string(t.Status)
		if t.ExitCode != nil {
			status = fmt.Sprintf("%s (%d)", t.Status, *t.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%t\t%s\n", t.ID, t.Name, status, t.Cols, t.Rows, t.Attached, t.Cwd)
	}
	return w.Flush()
}
