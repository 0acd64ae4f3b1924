// Functions for working with OpenTelemetry across the promotion pipeline.

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"

	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/version"
)

// How long between each time OT sends something to the collector.
const batchTimeout = 5 * time.Second

var tracer *trace.TracerProvider

// Initialize the OpenTelemetry library.
//
// You MUST call `Shutdown()` on the tracer provider before exiting,
// lest traces are not sent to the collector.
func New(ctx context.Context, serviceName string, collectorEndpointURL string) (*trace.TracerProvider, error) {
	prop := newPropagator()
	otel.SetTextMapPropagator(prop)

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.OSName(runtime.GOOS),
		semconv.ServiceVersion(version.Version()),
	)

	tracerProvider, err := newTraceProvider(ctx, res, collectorEndpointURL)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)

	tracer = tracerProvider

	return tracerProvider, nil
}

// Returns the top-level tracer.
//
// Without `New()`, spans go to the global provider, which discards them unless another one is installed.
func Tracer() otrace.Tracer {
	if tracer == nil {
		return otel.GetTracerProvider().Tracer("")
	}
	return tracer.Tracer("")
}

func TraceID(ctx context.Context) string {
	return otrace.SpanFromContext(ctx).SpanContext().TraceID().String()
}

// InjectHeaders adds the W3C trace context of ctx to outgoing request headers.
func InjectHeaders(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

func AddDeploymentSpanAttributes(span otrace.Span, deployment *release.Deployment) {
	if deployment == nil {
		return
	}
	span.SetAttributes(
		attribute.String("deployment.id", deployment.ID),
		attribute.String("deployment.artifact", deployment.ArtifactID),
		attribute.String("deployment.environment", deployment.Environment),
		attribute.String("deployment.strategy", string(deployment.Strategy)),
		attribute.String("deployment.state", string(deployment.State)),
	)
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpointURL string) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpointURL))
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)

	return traceProvider, nil
}

// PipelineTimings are the points in time the CI pipeline reports for the build of an artifact.
type PipelineTimings struct {
	Start       time.Time
	BuildStart  time.Time
	AttestStart time.Time
	End         time.Time
}

var timingKeys = []string{"pipeline_start", "pipeline_end", "build_start", "attest_start"}

// ParsePipelineTelemetry reads "key=epoch" pairs separated by commas.
// Empty input yields nil.
func ParsePipelineTelemetry(s string) (*PipelineTimings, error) {
	if len(s) == 0 {
		return nil, nil
	}

	timings := &PipelineTimings{}
	for _, pair := range strings.Split(s, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("expected 'key=value', found '%s'", pair)
		}
		if !slices.Contains(timingKeys, key) {
			return nil, fmt.Errorf("expected key to be one of 'pipeline_start', 'pipeline_end', 'build_start', 'attest_start'; found '%s'", key)
		}
		epoch, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected UNIX epoch, found '%s'", value)
		}
		ts := time.Unix(epoch, 0).UTC()
		switch key {
		case "pipeline_start":
			timings.Start = ts
		case "pipeline_end":
			timings.End = ts
		case "build_start":
			timings.BuildStart = ts
		case "attest_start":
			timings.AttestStart = ts
		}
	}

	if !timings.ordered() {
		return nil, fmt.Errorf("pipeline timings are not in expected chronological order, ensure that: pipeline_start < build_start < attest_start < pipeline_end")
	}

	return timings, nil
}

func (pt *PipelineTimings) ordered() bool {
	points := []time.Time{pt.Start, pt.BuildStart, pt.AttestStart, pt.End}
	for _, t := range points {
		if t.IsZero() {
			return false
		}
	}
	for i := 1; i < len(points); i++ {
		if !points[i-1].Before(points[i]) {
			return false
		}
	}
	return true
}

// StartTrace records the CI pipeline as finished spans and returns a context
// that continues the pipeline trace.
func (pt *PipelineTimings) StartTrace(ctx context.Context, artifactID string) context.Context {
	ctx, pipeline := Tracer().Start(ctx, "CI pipeline", otrace.WithTimestamp(pt.Start))
	pipeline.SetAttributes(attribute.String("artifact.id", artifactID))

	_, build := Tracer().Start(ctx, "Build artifact", otrace.WithTimestamp(pt.BuildStart))
	build.End(otrace.WithTimestamp(pt.AttestStart))

	_, attest := Tracer().Start(ctx, "Scan and attest artifact", otrace.WithTimestamp(pt.AttestStart))
	attest.End(otrace.WithTimestamp(pt.End))

	pipeline.End(otrace.WithTimestamp(pt.End))
	return ctx
}
