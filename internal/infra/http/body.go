// internal/infra/http/body.go
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/retry"
	"distributed-tasks/internal/task"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds one request when the action sets none.
const DefaultTimeout = 15 * time.Second

const maxBodyLog = 1024

// StatusError is a response outside 2xx/3xx.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http request returned %s", e.Status)
}

// retriable reports whether another attempt might succeed: transport errors
// and 5xx responses.
func retriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

// Body calls an HTTP endpoint as a task body.
type Body struct {
	action  domain.Action
	client  *resty.Client
	backoff retry.Policy
	tracer  trace.Tracer
}

var _ task.Body = (*Body)(nil)

// NewBody creates a body for an http action. A nil client gets a default one.
func NewBody(action domain.Action, client *resty.Client) *Body {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(timeout)
	return &Body{
		action:  action,
		client:  client,
		backoff: retry.Exponential(500*time.Millisecond, 10*time.Second),
		tracer:  otel.Tracer("distributed-tasks-http-body"),
	}
}

// WithBackoff replaces the wait between attempts.
func (b *Body) WithBackoff(p retry.Policy) *Body {
	b.backoff = p
	return b
}

// Run performs the request with up to action.Retries additional attempts.
// A status error after the last attempt closes the run as FAILURE.
func (b *Body) Run(ctx context.Context, rc *task.RunContext) error {
	ctx, span := b.tracer.Start(ctx, "body.http.Run", trace.WithAttributes(
		attribute.String("http.method", b.action.Method),
		attribute.String("http.url", b.action.URL),
	))
	defer span.End()

	logger := rc.Logger()
	res := retry.Do(ctx, b.action.Retries+1, b.backoff, func(ctx context.Context, attempt int) (*resty.Response, error) {
		return b.do(ctx, rc, attempt)
	}, retry.If(retriable), retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		logger.Warn("http request failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}))

	if res.Success {
		span.SetAttributes(attribute.Int("http.status_code", res.Value.StatusCode()))
		logger.Info("http request succeeded", "status", res.Value.Status(), "attempts", res.Attempts)
		return nil
	}

	err := res.Err()
	span.RecordError(err)
	span.SetStatus(codes.Error, "http request failed")
	if ctx.Err() != nil {
		return ctx.Err()
	}

	last := res.Errors[len(res.Errors)-1]
	var se *StatusError
	if errors.As(last, &se) {
		return rc.Fail(ctx, fmt.Sprintf("%s %s returned %s after %d attempt(s)",
			b.action.Method, b.action.URL, se.Status, res.Attempts), err)
	}
	return fmt.Errorf("http request failed after %d attempt(s): %w", res.Attempts, err)
}

func (b *Body) do(ctx context.Context, rc *task.RunContext, attempt int) (*resty.Response, error) {
	req := b.client.R().SetContext(ctx).SetHeaders(b.action.Headers)
	if b.action.Body != "" {
		req.SetBody(b.action.Body)
	}
	method := b.action.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := req.Execute(method, b.action.URL)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	body := resp.String()
	if len(body) > maxBodyLog {
		body = body[:maxBodyLog]
	}
	rc.Logger().Debug("http response", "attempt", attempt, "status", resp.Status(), "body", body)

	if resp.StatusCode() >= http.StatusBadRequest {
		return resp, &StatusError{Code: resp.StatusCode(), Status: resp.Status()}
	}
	return resp, nil
}
