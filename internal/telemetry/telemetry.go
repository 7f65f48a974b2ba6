// Package telemetry wires the pool, transaction coordinator and estate
// walker into OpenTelemetry: a tracer for per-operation spans (pool
// acquisition, 2PC phases, estate-walker fan-out) and a small set of metric
// instruments an operator dashboard would graph.
//
// The zero value is nil-safe: a component constructed without telemetry
// attached records nothing, so instrumentation never becomes a second code
// path. Unlike internal/log there is no Init and no package-level handle:
// New returns the *Telemetry that callers attach to each component.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/latticedb/latticedb"

// Telemetry bundles the tracer and metric instruments every instrumented
// component reads from. The zero value is safe to use: every method becomes
// a no-op, so production code doesn't need two code paths for "telemetry on"
// and "telemetry off".
type Telemetry struct {
	tracer trace.Tracer

	poolWaitSeconds   metric.Float64Histogram
	poolAcquireErrors metric.Int64Counter
	txnPhaseSeconds   metric.Float64Histogram
	txnOutcomes       metric.Int64Counter
	estateShardsTouch metric.Int64Histogram
}

// Providers bundles the SDK providers New builds, so callers can register
// them as the global providers and shut them down on exit.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Shutdown flushes and stops both providers, with ctx bounding how long it
// waits for pending exports to flush.
func (p *Providers) Shutdown(ctx context.Context) error {
	if err := p.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return p.Meter.Shutdown(ctx)
}

// New builds a Telemetry and its backing SDK providers using the given
// trace/metric exporters (stdout, otlp, or any other SDK-compatible
// exporter the caller constructs). Passing nil for either skips that
// signal's instruments and leaves those calls as no-ops.
func New(traceExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader) (*Telemetry, *Providers, error) {
	tp := sdktrace.NewTracerProvider()
	if traceExporter != nil {
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	}
	otel.SetTracerProvider(tp)

	var mp *sdkmetric.MeterProvider
	if metricReader != nil {
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricReader))
	} else {
		mp = sdkmetric.NewMeterProvider()
	}
	otel.SetMeterProvider(mp)

	meter := mp.Meter(instrumentationName)

	poolWait, err := meter.Float64Histogram("latticedb.pool.acquire_wait_seconds",
		metric.WithDescription("time spent blocked in Pool.Acquire"))
	if err != nil {
		return nil, nil, err
	}
	poolErrs, err := meter.Int64Counter("latticedb.pool.acquire_errors_total",
		metric.WithDescription("Pool.Acquire calls that returned an error"))
	if err != nil {
		return nil, nil, err
	}
	txnPhase, err := meter.Float64Histogram("latticedb.txn.phase_seconds",
		metric.WithDescription("time spent in each 2PC phase"))
	if err != nil {
		return nil, nil, err
	}
	txnOutcomes, err := meter.Int64Counter("latticedb.txn.outcomes_total",
		metric.WithDescription("2PC transactions by outcome (commit/rollback)"))
	if err != nil {
		return nil, nil, err
	}
	estateShards, err := meter.Int64Histogram("latticedb.estate.shards_touched",
		metric.WithDescription("distinct foreign shards touched by one cascading removal"))
	if err != nil {
		return nil, nil, err
	}

	t := &Telemetry{
		tracer:            tp.Tracer(instrumentationName),
		poolWaitSeconds:   poolWait,
		poolAcquireErrors: poolErrs,
		txnPhaseSeconds:   txnPhase,
		txnOutcomes:       txnOutcomes,
		estateShardsTouch: estateShards,
	}
	return t, &Providers{Tracer: tp, Meter: mp}, nil
}

// StartSpan starts a span named name, returning a context carrying it and an
// end function the caller defers. Safe to call on a nil *Telemetry or one
// whose tracer was never set (returns a no-op span via the global no-op
// tracer otel falls back to before a provider is registered).
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	tracer := t.tracerOrGlobal()
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

func (t *Telemetry) tracerOrGlobal() trace.Tracer {
	if t != nil && t.tracer != nil {
		return t.tracer
	}
	return otel.Tracer(instrumentationName)
}

// RecordPoolWait records how long Pool.Acquire blocked for shardNum before
// returning a connection (or an error).
func (t *Telemetry) RecordPoolWait(ctx context.Context, shardNum int, wait time.Duration, err error) {
	if t == nil || t.poolWaitSeconds == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("shard", shardNum))
	t.poolWaitSeconds.Record(ctx, wait.Seconds(), attrs)
	if err != nil && t.poolAcquireErrors != nil {
		t.poolAcquireErrors.Add(ctx, 1, attrs)
	}
}

// RecordTxnPhase records the latency of one 2PC phase (begin/prepare/commit/
// rollback) for a coordinator's anchor shard.
func (t *Telemetry) RecordTxnPhase(ctx context.Context, phase string, shardNum int, d time.Duration) {
	if t == nil || t.txnPhaseSeconds == nil {
		return
	}
	t.txnPhaseSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.Int("shard", shardNum),
	))
}

// RecordTxnOutcome increments the commit/rollback counter for a completed
// 2PC transaction.
func (t *Telemetry) RecordTxnOutcome(ctx context.Context, outcome string) {
	if t == nil || t.txnOutcomes == nil {
		return
	}
	t.txnOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEstateFanout records how many distinct foreign shards one cascading
// removal had to touch in its phase3 drain.
func (t *Telemetry) RecordEstateFanout(ctx context.Context, shardsTouched int) {
	if t == nil || t.estateShardsTouch == nil {
		return
	}
	t.estateShardsTouch.Record(ctx, int64(shardsTouched))
}
