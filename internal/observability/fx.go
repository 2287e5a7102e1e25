package observability

import (
	"github.com/propreel/propreel/internal/observability/metrics"
	"github.com/propreel/propreel/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		tracing.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.NewWorkerMetrics,
	),
	fx.Invoke(ensureTracingProvider),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}
