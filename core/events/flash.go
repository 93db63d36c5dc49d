package events

import (
	"math/big"

	"harvest/core/types"
	"harvest/crypto"
)

const (
	// TypeFlashLoanExecuted is emitted after a loan repays with its fee.
	TypeFlashLoanExecuted = "flash.executed"
	// TypeFlashLoanRejected is emitted when a loan fails its repayment check
	// and the unit rolls back.
	TypeFlashLoanRejected = "flash.rejected"
	// TypeFlashConfigUpdated reports fee or enablement changes.
	TypeFlashConfigUpdated = "flash.configUpdated"
)

// FlashLoanExecuted reports a completed loan.
type FlashLoanExecuted struct {
	Ref      string
	Borrower crypto.Address
	Amount   *big.Int
	Fee      *big.Int
}

func (FlashLoanExecuted) EventType() string { return TypeFlashLoanExecuted }

func (e FlashLoanExecuted) Event() *types.Event {
	return &types.Event{Type: TypeFlashLoanExecuted, Attributes: map[string]string{
		"ref":      e.Ref,
		"borrower": e.Borrower.String(),
		"amount":   formatAmount(e.Amount),
		"fee":      formatAmount(e.Fee),
	}}
}

// FlashLoanRejected reports a loan whose repayment check failed. The ledger
// state carries no trace of the attempt; the event exists for auditing.
type FlashLoanRejected struct {
	Ref      string
	Borrower crypto.Address
	Amount   *big.Int
	Reason   string
}

func (FlashLoanRejected) EventType() string { return TypeFlashLoanRejected }

func (e FlashLoanRejected) Event() *types.Event {
	return &types.Event{Type: TypeFlashLoanRejected, Attributes: map[string]string{
		"ref":      e.Ref,
		"borrower": e.Borrower.String(),
		"amount":   formatAmount(e.Amount),
		"reason":   e.Reason,
	}}
}

// FlashConfigUpdated reports facility parameter changes.
type FlashConfigUpdated struct {
	Ref     string
	Enabled bool
	FeeBps  uint64
}

func (FlashConfigUpdated) EventType() string { return TypeFlashConfigUpdated }

func (e FlashConfigUpdated) Event() *types.Event {
	enabled := "false"
	if e.Enabled {
		enabled = "true"
	}
	return &types.Event{Type: TypeFlashConfigUpdated, Attributes: map[string]string{
		"ref":     e.Ref,
		"enabled": enabled,
		"feeBps":  formatUint(e.FeeBps),
	}}
}

func formatUint(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}
