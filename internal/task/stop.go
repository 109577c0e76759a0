package task

import (
	"context"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/metrics"
	"distributed-tasks/internal/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SignalStop asks a running task to stop. It returns true when nothing is
// running or the request was delivered and can be honoured, and false when
// delivery could not be confirmed within the retry budget or the stop hook
// refused. It never blocks beyond the retry budget.
func (t *Task) SignalStop(ctx context.Context) bool {
	t.mu.Lock()
	host, log, cluster, logger := t.host, t.log, t.cluster, t.logger
	t.mu.Unlock()
	if log == nil {
		return true
	}

	ctx, span := t.tracer.Start(ctx, "task.SignalStop", trace.WithAttributes(attribute.String("task.name", t.opts.Name)))
	defer span.End()

	if cluster == nil {
		return t.signalLocalStop(ctx, log)
	}

	opts := host.TaskLogOptions().WithDefaults()
	res := retry.Do(ctx, opts.CommitRetries, opts.RetryPolicy, func(ctx context.Context, _ int) (bool, error) {
		return cluster.CancelOnce(ctx, t.stopLocal)
	}, retry.If(domain.IsConflict))
	if !res.Success {
		err := res.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop signal not delivered")
		metrics.RetryExhaustedTotal.WithLabelValues("SignalStop").Inc()
		logger.Error("failed to signal stop to cluster task", "attempts", res.Attempts, "error", err)
		return false
	}
	span.SetAttributes(attribute.Bool("task.stop_confirmed", res.Value))
	return res.Value
}

func (t *Task) signalLocalStop(ctx context.Context, log domain.TaskLog) bool {
	state, err := log.State(ctx)
	if err != nil || state != domain.StateRunning {
		return err == nil
	}
	if err := log.TaskCanceling(ctx); err != nil {
		// The run ended or was canceled in between.
		state, _ = log.State(ctx)
		return state != domain.StateRunning
	}
	return t.stopLocal()
}

// stopLocal sets the stop flag of a run on this node, cancels the body
// context and consults the stop hook.
func (t *Task) stopLocal() bool {
	t.mu.Lock()
	t.stopFlag = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t.opts.StopHook != nil {
		return t.opts.StopHook()
	}
	return true
}

// stopRequestedLocally reports the local stop flag only.
func (t *Task) stopRequestedLocally() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopFlag
}
