package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/resilience"
)

// ErrTimeout is returned when a host command outlives the runner's timeout.
var ErrTimeout = errors.New("host command timed out")

// DefaultTimeout bounds a single host command.
const DefaultTimeout = 3 * time.Second

// Runner executes short-lived host commands.
type Runner interface {
	// Run executes argv and returns its combined output. op labels the
	// command in metrics ("has-session", "kill-session").
	Run(ctx context.Context, op string, argv []string) ([]byte, error)
}

// ExecRunner runs commands with a per-call timeout behind a circuit
// breaker. Only timeouts and missing binaries count against the breaker;
// a non-zero exit is an answer, not a fault.
type ExecRunner struct {
	backend string
	timeout time.Duration
	breaker *resilience.Breaker
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewExecRunner creates a runner for the named backend.
func NewExecRunner(backend string, timeout time.Duration, metrics *monitoring.Metrics, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := resilience.New(backend, resilience.Settings{
		Timeout: 5 * timeout,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsFailure: func(err error) bool {
			return errors.Is(err, ErrTimeout) || errors.Is(err, exec.ErrNotFound)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.SetHostBreakerState(name, int(to))
			logger.Warn("Host command breaker changed state",
				logging.Backend(name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &ExecRunner{
		backend: backend,
		timeout: timeout,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, op string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty host command")
	}

	timer := monitoring.NewTimer(r.metrics, r.backend, op)
	var out []byte

	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		cmd.WaitDelay = 500 * time.Millisecond

		var err error
		out, err = cmd.CombinedOutput()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, op)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w (%s)", argv[0], op, err, strings.TrimSpace(string(out)))
		}
		return nil
	})

	timer.Stop(resultLabel(err))
	return out, err
}

func resultLabel(err error) string {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &exitErr):
		return "exit_" + fmt.Sprint(exitErr.ExitCode())
	default:
		return "error"
	}
}
