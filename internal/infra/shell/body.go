// internal/infra/shell/body.go
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a command when the action sets none.
const DefaultTimeout = 30 * time.Minute

const maxWarningLen = 512

// Body runs a shell command as a task body.
type Body struct {
	action domain.Action
	tracer trace.Tracer
}

var _ task.Body = (*Body)(nil)

// NewBody creates a body for a shell action.
func NewBody(action domain.Action) *Body {
	return &Body{
		action: action,
		tracer: otel.Tracer("distributed-tasks-shell-body"),
	}
}

// Run executes the command. A non-zero exit closes the run as FAILURE and
// anything written to stderr is recorded as a warning.
func (b *Body) Run(ctx context.Context, rc *task.RunContext) error {
	ctx, span := b.tracer.Start(ctx, "body.shell.Run",
		trace.WithAttributes(attribute.String("shell.command", b.action.Command)))
	defer span.End()

	timeout := b.action.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(b.action.Args) > 0 {
		cmd = exec.CommandContext(execCtx, b.action.Command, b.action.Args...)
	} else {
		cmd = exec.CommandContext(execCtx, "bash", "-c", b.action.Command)
	}
	cmd.Dir = b.action.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := rc.Logger()
	logger.Info("executing shell command", "command", b.action.Command, "args", b.action.Args)
	err := cmd.Run()

	logOutput(logger, "stdout", stdout.String())
	logOutput(logger, "stderr", stderr.String())
	if text := strings.TrimSpace(stderr.String()); text != "" {
		if len(text) > maxWarningLen {
			text = text[:maxWarningLen] + "..."
		}
		if werr := rc.Warn(ctx, "stderr: "+text); werr != nil {
			logger.Warn("failed to record warning", "error", werr)
		}
	}

	if err == nil {
		logger.Info("shell command executed successfully")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "shell command failed")

	// Stopped through the task: report the cancellation as such.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return rc.Fail(ctx, fmt.Sprintf("command timed out after %s", timeout), err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return rc.Fail(ctx, fmt.Sprintf("command exited with code %d", exitErr.ExitCode()), err)
	}
	return fmt.Errorf("shell command failed: %w", err)
}

func logOutput(logger *slog.Logger, stream, out string) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		logger.Info(scanner.Text(), "stream", stream)
	}
}
