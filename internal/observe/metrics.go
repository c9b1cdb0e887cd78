// Package observe carries CaShield's telemetry: OpenTelemetry metrics
// bridged to a Prometheus /metrics endpoint, tracing with trace-aware slog
// loggers, and the HTTP middleware that joins the two.
//
// Components take a *[Metrics] in their config and fall back to
// [DefaultMetrics]. Tests build their own with [NewMetrics] over a
// ManualReader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = instrumentationScope

// latencyBuckets span sub-second FAST passes up to retried summaries.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the instruments. Attribute sets are fixed by the Record
// helpers; instruments without a helper are used directly.
type Metrics struct {
	meter metric.Meter

	ASRDuration       metric.Float64Histogram // stage
	SummarizeDuration metric.Float64Histogram

	Utterances         metric.Int64Counter // outcome: logged, hallucination, error
	KeywordHits        metric.Int64Counter // stage, keyword
	SummarizeJobs      metric.Int64Counter // status: ok, error, skipped
	DeviceRestarts     metric.Int64Counter // result: ok, retry_ok, fallback, error
	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	BreakerTransitions metric.Int64Counter // breaker, to

	// AudioDropped is fed by [Metrics.ObserveAudioDropped].
	AudioDropped metric.Int64ObservableCounter

	FinalQueueDepth     metric.Int64UpDownCounter
	SummarizeQueueDepth metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, route, status
}

// instruments collects creation errors so NewMetrics can report them all.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (in *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := in.m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	in.errs = append(in.errs, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.m.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		meter: in.m,

		ASRDuration:       in.latency("cashield.asr.duration", "Latency of speech recognition by stage."),
		SummarizeDuration: in.latency("cashield.summarize.duration", "Latency of summarization jobs including retries."),

		Utterances:         in.counter("cashield.utterances", "Segmented utterances by outcome."),
		KeywordHits:        in.counter("cashield.keyword.hits", "Trigger-word hits by stage and keyword."),
		SummarizeJobs:      in.counter("cashield.summarize.jobs", "Summarization jobs by status."),
		DeviceRestarts:     in.counter("cashield.device.restarts", "Audio device restarts by result."),
		ProviderRequests:   in.counter("cashield.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     in.counter("cashield.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions: in.counter("cashield.breaker.transitions", "Circuit breaker state changes by breaker and target state."),

		FinalQueueDepth:     in.gauge("cashield.final.queue_depth", "Utterances waiting for or running a FINAL pass."),
		SummarizeQueueDepth: in.gauge("cashield.summarize.queue_depth", "Summarization jobs waiting for a worker."),
	}

	var err error
	met.HTTPRequestDuration, err = in.m.Float64Histogram("cashield.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"))
	in.errs = append(in.errs, err)

	met.AudioDropped, err = in.m.Int64ObservableCounter("cashield.audio.dropped",
		metric.WithDescription("PCM bytes evicted from the capture ring because the pipeline fell behind."),
		metric.WithUnit("By"))
	in.errs = append(in.errs, err)

	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared instance on the global meter provider. It
// panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordASR(ctx context.Context, stage string, seconds float64) {
	m.ASRDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordKeywordHit(ctx context.Context, stage, keyword string) {
	m.KeywordHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("keyword", keyword),
	))
}

// RecordSummarizeJob counts a finished job and records how long it took.
func (m *Metrics) RecordSummarizeJob(ctx context.Context, status string, seconds float64) {
	m.SummarizeJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.SummarizeDuration.Record(ctx, seconds)
}

// RecordSummarizeDropped counts a job rejected by a full queue. No duration
// is recorded for it.
func (m *Metrics) RecordSummarizeDropped(ctx context.Context) {
	m.SummarizeJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "dropped")))
}

func (m *Metrics) RecordDeviceRestart(ctx context.Context, result string) {
	m.DeviceRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}

// ObserveAudioDropped reports total() as the dropped-bytes counter at every
// collection until the registration is unregistered.
func (m *Metrics) ObserveAudioDropped(total func() int64) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.AudioDropped, total())
		return nil
	}, m.AudioDropped)
}
