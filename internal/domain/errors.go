package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrStaleData             = errors.New("market data stale")
	ErrUnsupportedPair       = errors.New("pair not supported by venue")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrGatewayTransient      = errors.New("gateway transient failure")
	ErrGatewayFatal          = errors.New("gateway fatal failure")
	ErrRiskRejected          = errors.New("rejected by risk engine")
	ErrRateLimited           = errors.New("venue call budget exhausted")
	ErrPlanActive            = errors.New("opportunity already has an active plan")
	ErrMidChunkCancel        = errors.New("cancellation only permitted between chunks")
)
