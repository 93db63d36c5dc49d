package farming

import "errors"

var (
	ErrNilState          = errors.New("farming: state not configured")
	ErrInvalidAmount     = errors.New("farming: amount must be positive")
	ErrInvalidPool       = errors.New("farming: unknown pool")
	ErrPoolInactive      = errors.New("farming: pool inactive")
	ErrInvalidRange      = errors.New("farming: block range out of order")
	ErrFeeTooHigh        = errors.New("farming: fee exceeds 100%")
	ErrInsufficientStake = errors.New("farming: staked amount below requested withdrawal")
	ErrInsufficientFunds = errors.New("farming: account balance below requested amount")
	ErrTooSoon           = errors.New("farming: withdraw interval not elapsed")
	ErrTransferFailed    = errors.New("farming: reward reserve cannot cover payout")
	ErrEmergencyDisabled = errors.New("farming: emergency withdrawals disabled")
	ErrNotLiquidatable   = errors.New("farming: position not eligible for liquidation")
	ErrPriceUnavailable  = errors.New("farming: no usable price for pool asset")
	// ErrInvariant marks corrupt accounting state. Callers must abort the
	// whole unit of work when they see it.
	ErrInvariant = errors.New("farming: accounting invariant violated")
)
