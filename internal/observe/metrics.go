// Package observe provides application-wide observability primitives for
// Loresmith: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Loresmith metrics.
const meterName = "github.com/castfell/loresmith"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per forge stage ---

	// ValidateDuration tracks pre-generation validation latency.
	ValidateDuration metric.Float64Histogram

	// GenerateDuration tracks LLM generation latency for a forge run.
	GenerateDuration metric.Float64Histogram

	// ScanDuration tracks content-scan latency.
	ScanDuration metric.Float64Histogram

	// CommitDuration tracks save-stage latency (entity plus stub writes).
	CommitDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Discoveries counts entity mentions surfaced by the scanner. Use with
	// attribute:
	//   attribute.String("entity_type", ...)
	Discoveries metric.Int64Counter

	// StubsMinted counts stub entities created at commit time. Use with
	// attribute:
	//   attribute.String("entity_type", ...)
	StubsMinted metric.Int64Counter

	// LLMTokens counts tokens consumed by generation. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("direction", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActivePipelines tracks the number of forge pipelines currently past
	// the idle state.
	ActivePipelines metric.Int64UpDownCounter

	// ActiveCampaigns tracks the number of campaigns with a registered
	// pipeline.
	ActiveCampaigns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Generation
// calls routinely take tens of seconds, so the upper buckets are wide.
var latencyBuckets = []float64{
	0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ValidateDuration, err = m.Float64Histogram("loresmith.validate.duration",
		metric.WithDescription("Latency of pre-generation validation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = m.Float64Histogram("loresmith.generate.duration",
		metric.WithDescription("Latency of LLM content generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScanDuration, err = m.Float64Histogram("loresmith.scan.duration",
		metric.WithDescription("Latency of content scanning."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommitDuration, err = m.Float64Histogram("loresmith.commit.duration",
		metric.WithDescription("Latency of the save stage, including stub minting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("loresmith.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("loresmith.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("loresmith.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Discoveries, err = m.Int64Counter("loresmith.scan.discoveries",
		metric.WithDescription("Total scanner discoveries by suggested entity type."),
	); err != nil {
		return nil, err
	}
	if met.StubsMinted, err = m.Int64Counter("loresmith.commit.stubs_minted",
		metric.WithDescription("Total stub entities minted at commit by entity type."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("loresmith.llm.tokens",
		metric.WithDescription("Total LLM tokens by provider and direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("loresmith.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("loresmith.active_pipelines",
		metric.WithDescription("Number of forge pipelines currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCampaigns, err = m.Int64UpDownCounter("loresmith.active_campaigns",
		metric.WithDescription("Number of campaigns with a registered pipeline."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loresmith.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordDiscovery is a convenience method that records a scanner discovery
// counter increment.
func (m *Metrics) RecordDiscovery(ctx context.Context, entityType string) {
	m.Discoveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("entity_type", entityType)),
	)
}

// RecordStubMinted is a convenience method that records a minted stub
// counter increment.
func (m *Metrics) RecordStubMinted(ctx context.Context, entityType string) {
	m.StubsMinted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("entity_type", entityType)),
	)
}

// RecordLLMTokens is a convenience method that records token usage for one
// generation direction ("prompt" or "completion").
func (m *Metrics) RecordLLMTokens(ctx context.Context, provider, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.LLMTokens.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", direction),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
