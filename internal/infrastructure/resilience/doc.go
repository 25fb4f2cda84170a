/*
Package resilience provides a circuit breaker for calls into external
binaries and services.

The terminal host runner wraps every dtach/tmux invocation in a breaker so
that a wedged host binary, one that keeps hitting the command timeout, fails
fast instead of stalling each attach and restore for the full timeout.

# Usage

	breaker := resilience.New("tmux", resilience.Settings{
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsFailure: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded)
		},
	})

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return exec.CommandContext(ctx, "tmux", "-S", sock, "has-session", "-t", name).Run()
	})

A call whose context is already cancelled is refused without being
counted, so an aborted restore cannot trip the breaker.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                         Open
*/
package resilience
