package observability

import (
	"context"
	"errors"
	"quota/internal/models"
	"quota/internal/storage"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBucketStore wraps a storage.BucketStore implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedBucketStore struct {
	inner    storage.BucketStore
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedBucketStore creates a store wrapper that records trace spans,
// operation latency histograms, and error counters for every store call.
// ErrNotFound from Get is an expected answer and is not counted as an error.
func NewInstrumentedBucketStore(inner storage.BucketStore) (*InstrumentedBucketStore, error) {
	tracer := otel.Tracer("quota/storage")
	meter := otel.Meter("quota/storage")

	duration, err := meter.Float64Histogram(
		"bucket_store.operation.duration",
		metric.WithDescription("Duration of bucket store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"bucket_store.operation.errors",
		metric.WithDescription("Number of bucket store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBucketStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedBucketStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "bucket_store."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("store.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedBucketStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedBucketStore) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	ctx, span := s.startSpan(ctx, "Get", attribute.String("client_id", clientID))
	start := time.Now()
	result, err := s.inner.Get(ctx, clientID)
	s.record(ctx, span, "Get", start, err)
	return result, err
}

func (s *InstrumentedBucketStore) Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error {
	ctx, span := s.startSpan(ctx, "Set", attribute.String("client_id", clientID))
	start := time.Now()
	err := s.inner.Set(ctx, clientID, bucket)
	s.record(ctx, span, "Set", start, err)
	return err
}

func (s *InstrumentedBucketStore) Update(ctx context.Context, clientID string, fn storage.UpdateFunc) (*models.ClientBucket, error) {
	ctx, span := s.startSpan(ctx, "Update", attribute.String("client_id", clientID))
	start := time.Now()
	result, err := s.inner.Update(ctx, clientID, fn)
	if result != nil {
		span.SetAttributes(
			attribute.Float64("bucket.tokens", result.Tokens),
			attribute.Int64("bucket.total_granted", result.TotalGranted),
		)
	}
	s.record(ctx, span, "Update", start, err)
	return result, err
}

func (s *InstrumentedBucketStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedBucketStore) Close() error {
	return s.inner.Close()
}

var _ storage.BucketStore = (*InstrumentedBucketStore)(nil)
