package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(&buf, "alpha", "alpha-1")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "task.Run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"task.Run"`)
	assert.Contains(t, out, ServiceName)
	assert.Contains(t, out, "alpha-1")
}
