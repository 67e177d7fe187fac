package lending

import (
	"errors"
	"fmt"
)

// The error taxonomy has three categories. Validation failures are rejected
// before any mutation, authorization failures after liquidity evaluation with
// zero partial effect, and external call failures abort the whole operation
// because a half-applied pool interaction is unrecoverable. errors.Is matches
// both the category and the specific cause.
var (
	ErrValidation    = errors.New("lending: validation failed")
	ErrAuthorization = errors.New("lending: not authorized")
	ErrExternalCall  = errors.New("lending: pool call failed")

	// ErrReentrant is returned when a mutating entry point is re-entered
	// while a call is still in flight.
	ErrReentrant = errors.New("lending: reentrant call")
)

var (
	errZeroAmount       = fmt.Errorf("%w: amount must be positive", ErrValidation)
	errZeroAddress      = fmt.Errorf("%w: address must be set", ErrValidation)
	errMarketNotCreated = fmt.Errorf("%w: market not created", ErrValidation)
	errMarketExists     = fmt.Errorf("%w: market already created", ErrValidation)
	errMarketNotActive  = fmt.Errorf("%w: asset not active on pool", ErrValidation)
	errSupplyPaused     = fmt.Errorf("%w: supply paused", ErrValidation)
	errBorrowPaused     = fmt.Errorf("%w: borrow paused", ErrValidation)
	errWithdrawPaused   = fmt.Errorf("%w: withdraw paused", ErrValidation)
	errRepayPaused      = fmt.Errorf("%w: repay paused", ErrValidation)
	errLiquidatePaused  = fmt.Errorf("%w: liquidate paused", ErrValidation)
	errBorrowDisabled   = fmt.Errorf("%w: borrowing disabled on pool", ErrValidation)
	errNoSupplyPosition = fmt.Errorf("%w: nothing to withdraw", ErrValidation)
	errNoDebt           = fmt.Errorf("%w: no outstanding debt", ErrValidation)
	errNoCollateral     = fmt.Errorf("%w: no collateral to seize", ErrValidation)
	errInvalidBps       = fmt.Errorf("%w: basis points above 10000", ErrValidation)

	errBorrowNotAllowed   = fmt.Errorf("%w: collateral does not cover the new debt", ErrAuthorization)
	errWithdrawNotAllowed = fmt.Errorf("%w: health factor would drop below one", ErrAuthorization)
	errNotLiquidatable    = fmt.Errorf("%w: position is healthy", ErrAuthorization)
)

func poolCallError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalCall, op, err)
}

func oracleCallError(err error) error {
	return fmt.Errorf("%w: price oracle: %w", ErrExternalCall, err)
}
