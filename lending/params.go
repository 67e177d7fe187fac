package lending

import "math"

const (
	// defaultQueueBound caps the sorted slice of each ranking; everything
	// beyond sits in the unordered overflow list.
	defaultQueueBound = 32
	// defaultMatchIterations bounds the matching walk per operation unless
	// reconfigured by the admin surface.
	defaultMatchIterations = 64
	// closeFactorBps caps how much of a borrower's debt one liquidation may
	// repay. Deprecated markets lift the cap to 100%.
	closeFactorBps = 5_000
	maxBps         = 10_000
)

// UnlimitedIterations removes the matching budget ceiling for one call.
const UnlimitedIterations = math.MaxUint64

// minLiquidationHealthFactor is the lower band of the liquidation predicate:
// below it a position is liquidatable regardless of the price-feed signal.
var minLiquidationHealthFactor = mustBigInt("950000000000000000000000000") // 0.95 ray
