package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup(t *testing.T) {
	t.Run("none_is_noop", func(t *testing.T) {
		tp, shutdown, err := Setup(Config{Exporter: "none"}, nil)
		require.NoError(t, err)
		defer shutdown()
		assert.IsType(t, noop.TracerProvider{}, tp)
	})

	t.Run("stdout_exports_spans", func(t *testing.T) {
		var out bytes.Buffer
		tp, shutdown, err := Setup(Config{Exporter: "stdout", Writer: &out}, nil)
		require.NoError(t, err)
		assert.Same(t, tp, otel.GetTracerProvider())

		_, span := tp.Tracer("lakekernel/test").Start(context.Background(), "lakekernel.test")
		span.End()
		shutdown()

		assert.Contains(t, out.String(), "lakekernel.test")
	})

	t.Run("unknown_exporter", func(t *testing.T) {
		_, _, err := Setup(Config{Exporter: "zipkin"}, nil)
		assert.ErrorContains(t, err, "zipkin")
	})
}
