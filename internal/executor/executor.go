// Package executor runs task commands through the shell.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/podushkina/taskcore/internal/task"
)

// ErrCancelled is the cancellation cause a worker uses when a cancel request
// arrives for the running task.
var ErrCancelled = errors.New("cancelled")

type Kind int

const (
	Succeeded Kind = iota
	Failed
	TimedOut
	Cancelled
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timeout"
	case Cancelled:
		return task.ReasonCancelled
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Outcome classifies one finished attempt.
type Outcome struct {
	Kind     Kind
	ExitCode *int
	Err      error
}

// Retryable reports whether the retry policy may run the task again.
// Only an explicit cancel is final.
func (o Outcome) Retryable() bool {
	return o.Kind != Succeeded && o.Kind != Cancelled
}

// Reason is the text recorded on a failed task.
func (o Outcome) Reason() string {
	switch o.Kind {
	case Succeeded:
		return ""
	case Failed:
		if o.ExitCode != nil {
			return fmt.Sprintf("exit status %d", *o.ExitCode)
		}
		if o.Err != nil {
			return o.Err.Error()
		}
	}
	return o.Kind.String()
}

type Request struct {
	Command string
	Env     task.Environment
	Timeout time.Duration
	Output  io.Writer
}

// Runner executes commands with `sh -c` in their own process group. On
// timeout or cancel the group gets SIGTERM and is killed once GracePeriod has
// passed.
type Runner struct {
	Shell       string
	GracePeriod time.Duration
}

func NewRunner(gracePeriod time.Duration) *Runner {
	return &Runner{Shell: "/bin/sh", GracePeriod: gracePeriod}
}

// Run blocks until the command exits. Cancelling ctx with ErrCancelled as the
// cause yields a Cancelled outcome; any other cancellation is Interrupted.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// #nosec G204 - running the submitted command is the purpose of this package
	cmd := exec.CommandContext(runCtx, r.Shell, "-c", req.Command)
	cmd.Env = buildEnv(req.Env)
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process.Pid)
	}
	// Wait also blocks on output pipes held open by orphaned children, so it
	// always needs a bound.
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Millisecond
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: Failed, Err: fmt.Errorf("start command: %w", err)}
	}
	pgid := cmd.Process.Pid
	err := cmd.Wait()
	// Nothing the command started may outlive the attempt.
	killGroup(pgid)

	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() && runCtx.Err() == nil {
		err = nil
	}

	switch {
	case err == nil:
		zero := 0
		return Outcome{Kind: Succeeded, ExitCode: &zero}
	case errors.Is(context.Cause(ctx), ErrCancelled):
		return Outcome{Kind: Cancelled, ExitCode: exitCode(err), Err: ErrCancelled}
	case ctx.Err() != nil:
		return Outcome{Kind: Interrupted, ExitCode: exitCode(err), Err: ctx.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Outcome{Kind: TimedOut, ExitCode: exitCode(err), Err: fmt.Errorf("timed out after %s", req.Timeout)}
	default:
		return Outcome{Kind: Failed, ExitCode: exitCode(err), Err: err}
	}
}

func exitCode(err error) *int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return &code
	}
	return nil
}

func buildEnv(env task.Environment) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
