package purchase

import (
	"context"
	"quota/internal/models"
	"quota/internal/ratelimit"
)

// ServiceInterface defines the purchase operations exposed over HTTP
type ServiceInterface interface {
	// Buy charges one unit of quota for the resolved client, or replays the
	// stored response when idempotencyKey was already answered.
	Buy(ctx context.Context, identity models.ClientIdentity, idempotencyKey string) (*models.PurchaseResult, error)

	// Status reports how many units the resolved client has bought so far
	Status(ctx context.Context, identity models.ClientIdentity) (*models.StatusResponse, error)
}

// QuotaLimiter is the part of the rate limiter the service depends on
type QuotaLimiter interface {
	TryConsume(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// Recorder receives purchase outcomes, typically for metrics
type Recorder interface {
	PurchaseGranted(ctx context.Context)
	PurchaseDenied(ctx context.Context)
	PurchaseReplayed(ctx context.Context)
}

type noopRecorder struct{}

func (noopRecorder) PurchaseGranted(context.Context)  {}
func (noopRecorder) PurchaseDenied(context.Context)   {}
func (noopRecorder) PurchaseReplayed(context.Context) {}

// Ensure Service implements ServiceInterface
var _ ServiceInterface = (*Service)(nil)
