package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/agent-ledger/config"
)

func TestInitTracer_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracer(context.Background(), "agent-ledger-test", &config.Config{OTELExporterType: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	_, err := InitTracer(context.Background(), "agent-ledger-test", &config.Config{OTELExporterType: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")
}
