package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Purchase outcomes as reported on the quota.purchases counter
const (
	OutcomeGranted  = "granted"
	OutcomeDenied   = "denied"
	OutcomeReplayed = "replayed"
)

// PurchaseMetrics counts purchase outcomes. It satisfies purchase.Recorder.
type PurchaseMetrics struct {
	purchases metric.Int64Counter
	granted   metric.MeasurementOption
	denied    metric.MeasurementOption
	replayed  metric.MeasurementOption
}

func NewPurchaseMetrics() (*PurchaseMetrics, error) {
	meter := otel.Meter("quota/purchase")

	purchases, err := meter.Int64Counter(
		"quota.purchases",
		metric.WithDescription("Number of purchase attempts by outcome"),
		metric.WithUnit("{purchase}"),
	)
	if err != nil {
		return nil, err
	}

	return &PurchaseMetrics{
		purchases: purchases,
		granted:   metric.WithAttributes(attribute.String("outcome", OutcomeGranted)),
		denied:    metric.WithAttributes(attribute.String("outcome", OutcomeDenied)),
		replayed:  metric.WithAttributes(attribute.String("outcome", OutcomeReplayed)),
	}, nil
}

func (m *PurchaseMetrics) PurchaseGranted(ctx context.Context) {
	m.purchases.Add(ctx, 1, m.granted)
}

func (m *PurchaseMetrics) PurchaseDenied(ctx context.Context) {
	m.purchases.Add(ctx, 1, m.denied)
}

func (m *PurchaseMetrics) PurchaseReplayed(ctx context.Context) {
	m.purchases.Add(ctx, 1, m.replayed)
}
