package gateway

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(NewRPCGateway),
)

// PricePoint is a fetched price plus the moment it was observed. Callers can
// decide whether the observation is too stale to act on.
type PricePoint struct {
	Value float64
	AsOf  time.Time
}

// DataGateway fetches the external market and chain data conditions are
// checked against. Every call is bounded by the configured timeout; failures
// surface as typed errors and are never replaced by zero values or silently
// stale data.
type DataGateway interface {
	CurrentPrice(ctx context.Context, asset string) (PricePoint, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}
