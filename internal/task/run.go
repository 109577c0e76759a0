package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/metrics"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Body is the work a task performs. It should return promptly once
// rc.ShouldStop reports true or ctx is canceled.
type Body interface {
	Run(ctx context.Context, rc *RunContext) error
}

// BodyFunc adapts a function to a Body.
type BodyFunc func(ctx context.Context, rc *RunContext) error

func (f BodyFunc) Run(ctx context.Context, rc *RunContext) error {
	return f(ctx, rc)
}

// RunContext is handed to a Body for the duration of one run.
type RunContext struct {
	task   *Task
	log    domain.TaskLog
	result *domain.TaskResult
	logger *slog.Logger

	mu       sync.Mutex
	warnings int
	closed   bool
}

// Logger writes to the node log and, when enabled, to the run log file.
func (rc *RunContext) Logger() *slog.Logger { return rc.logger }

// Result is the result opened for this run.
func (rc *RunContext) Result() *domain.TaskResult { return rc.result.Clone() }

// ShouldStop reports whether the run was asked to stop on this node or
// through the shared log.
func (rc *RunContext) ShouldStop(ctx context.Context) bool {
	return rc.task.ShouldStop(ctx)
}

// Warn records a warning on the open result. A run with warnings ends as
// WARNING unless the body closes it otherwise.
func (rc *RunContext) Warn(ctx context.Context, text string) error {
	if err := rc.log.AddWarning(ctx, text); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.warnings++
	rc.mu.Unlock()
	rc.logger.Warn(text)
	return nil
}

// Fail closes the run as FAILURE.
func (rc *RunContext) Fail(ctx context.Context, message string, cause error) error {
	return rc.End(ctx, domain.ResultFailure, message, cause)
}

// End closes the run with an explicit outcome, which automatic classification
// will not override.
func (rc *RunContext) End(ctx context.Context, t domain.ResultType, message string, cause error) error {
	if err := rc.log.TaskEnded(ctx, t, message, cause); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.closed = true
	rc.mu.Unlock()
	return nil
}

func (rc *RunContext) snapshot() (warnings int, closed bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.warnings, rc.closed
}

// ShouldStop reports whether the current run should stop: either the local
// stop flag is set or the task log reads CANCELING.
func (t *Task) ShouldStop(ctx context.Context) bool {
	t.mu.Lock()
	flag, log := t.stopFlag, t.log
	t.mu.Unlock()
	if flag {
		return true
	}
	if log == nil {
		return false
	}
	state, err := log.State(ctx)
	if err != nil {
		t.logger.Warn("failed to read task state", "error", err)
		return false
	}
	return state == domain.StateCanceling
}

// Run executes one run of the task: it opens a result, invokes the body once
// and closes the result. Only one run per task proceeds at a time on a node.
func (t *Task) Run(ctx context.Context) (*domain.TaskResult, error) {
	if !t.runMu.TryLock() {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunInProgress, t.opts.Name)
	}
	defer t.runMu.Unlock()

	t.mu.Lock()
	host, log, logger := t.host, t.log, t.logger
	t.mu.Unlock()
	if host == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotAttached, t.opts.Name)
	}

	ctx, span := t.tracer.Start(ctx, "task.Run", trace.WithAttributes(
		attribute.String("task.name", t.opts.Name),
		attribute.String("node.id", host.Node().ID),
	))
	defer span.End()

	start := host.Now()
	var file *os.File
	if sink := host.RunLogs(); sink != nil {
		f, err := sink.Create(t.opts.Name, start)
		if err != nil {
			logger.Warn("failed to create run log file", "error", err)
		} else {
			file = f
			defer file.Close()
		}
	}
	logFile := ""
	if file != nil {
		logFile = file.Name()
	}

	res, err := log.TaskStarted(ctx, start, logFile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start task")
		return nil, fmt.Errorf("failed to start task %s: %w", t.opts.Name, err)
	}
	span.SetAttributes(attribute.String("task.result_id", res.ID))

	runLogger := logger.With("run", res.ID)
	if file != nil {
		runLogger = slog.New(slogmulti.Fanout(
			logger.Handler(),
			slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)).With("run", res.ID)
	}

	// The body runs as the system actor and outlives the caller's cancellation;
	// stopping is cooperative and goes through the stop flag and the log.
	runCtx, cancel := context.WithCancel(domain.WithActor(context.WithoutCancel(ctx), domain.SystemActor))
	defer cancel()
	t.mu.Lock()
	t.stopFlag = false
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.stopFlag = false
		t.mu.Unlock()
	}()

	t.running.Store(true)
	metrics.TasksRunning.Inc()
	defer func() {
		t.running.Store(false)
		metrics.TasksRunning.Dec()
	}()

	rc := &RunContext{task: t, log: log, result: res, logger: runLogger}
	runLogger.Info("task started")

	watchDone := make(chan struct{})
	go t.watchStop(runCtx, cancel, watchDone)
	bodyErr := t.invoke(runCtx, rc)
	close(watchDone)

	endCtx := context.WithoutCancel(ctx)
	if err := t.classify(endCtx, rc, bodyErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to end task")
		return nil, fmt.Errorf("failed to end task %s: %w", t.opts.Name, err)
	}

	final, err := log.CurrentResult(endCtx)
	if err != nil || final == nil || final.ID != res.ID {
		// Someone else already replaced the result; report what this run saw.
		final = res
	}
	metrics.TaskRunsTotal.WithLabelValues(t.opts.Name, string(final.Type)).Inc()
	metrics.TaskRunDuration.WithLabelValues(t.opts.Name).Observe(host.Now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("task.result", string(final.Type)))
	if final.Type.Problem() {
		span.SetStatus(codes.Error, string(final.Type))
	}
	runLogger.Info("task ended", "result", final.Type, "message", final.Message)
	return final, nil
}

// invoke calls the body and turns a panic into an error.
func (t *Task) invoke(ctx context.Context, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			rc.logger.Error("task body panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return t.body.Run(ctx, rc)
}

// watchStop cancels the body context once a stop request becomes visible.
func (t *Task) watchStop(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.ShouldStop(ctx) {
				cancel()
				return
			}
		}
	}
}

// classify closes the result of a run unless the body already did.
func (t *Task) classify(ctx context.Context, rc *RunContext, bodyErr error) error {
	warnings, closed := rc.snapshot()
	if closed {
		if bodyErr != nil {
			rc.logger.Warn("task body returned an error after ending its result", "error", bodyErr)
		}
		return nil
	}

	var (
		typ     domain.ResultType
		message string
		cause   error
	)
	stopping := t.ShouldStop(ctx)
	switch {
	case bodyErr != nil && stopping && errors.Is(bodyErr, context.Canceled):
		typ, message = domain.ResultCanceled, "task stopped"
	case bodyErr != nil:
		typ, message, cause = domain.ResultError, "unexpected error", bodyErr
		rc.logger.Error("task failed with unexpected error", "error", bodyErr)
	case stopping:
		typ, message = domain.ResultCanceled, "task stopped"
	case warnings > 0:
		typ = domain.ResultWarning
	default:
		typ = domain.ResultSuccess
	}
	return rc.log.TaskEnded(ctx, typ, message, cause)
}
