package events

import (
	"math/big"
	"strconv"

	"harvest/core/types"
	"harvest/crypto"
)

const (
	// TypeFarmDeposited captures a stake entering a pool, net of the deposit fee.
	TypeFarmDeposited = "farm.deposited"
	// TypeFarmWithdrawn captures a stake leaving a pool together with the reward payout.
	TypeFarmWithdrawn = "farm.withdrawn"
	// TypeFarmEmergencyWithdrawn captures a forfeit-rewards exit.
	TypeFarmEmergencyWithdrawn = "farm.emergencyWithdrawn"
	// TypeFarmRewardPaid is emitted when pending entitlement is paid out.
	TypeFarmRewardPaid = "farm.rewardPaid"
	// TypeFarmLiquidated captures a forced position close.
	TypeFarmLiquidated = "farm.liquidated"
	// TypeFarmPoolAdded is emitted when the admin registers a new pool.
	TypeFarmPoolAdded = "farm.poolAdded"
	// TypeFarmPoolUpdated is emitted when pool weight or fee changes.
	TypeFarmPoolUpdated = "farm.poolUpdated"
	// TypeFarmEmissionUpdated is emitted when the emission rate changes.
	TypeFarmEmissionUpdated = "farm.emissionUpdated"
	// TypeFarmPoolSettled records an accumulator advance.
	TypeFarmPoolSettled = "farm.poolSettled"
)

// FarmDeposited reports the net amount credited after the deposit fee.
type FarmDeposited struct {
	Ref     string
	Account crypto.Address
	PoolID  uint64
	Gross   *big.Int
	Net     *big.Int
	Fee     *big.Int
}

func (FarmDeposited) EventType() string { return TypeFarmDeposited }

// Event converts the payload into a broadcastable event.
func (e FarmDeposited) Event() *types.Event {
	attrs := map[string]string{
		"ref":    e.Ref,
		"addr":   e.Account.String(),
		"poolId": strconv.FormatUint(e.PoolID, 10),
		"gross":  formatAmount(e.Gross),
		"net":    formatAmount(e.Net),
	}
	if e.Fee != nil && e.Fee.Sign() > 0 {
		attrs["fee"] = formatAmount(e.Fee)
	}
	return &types.Event{Type: TypeFarmDeposited, Attributes: attrs}
}

// FarmWithdrawn reports an unstake and the rewards paid alongside it.
type FarmWithdrawn struct {
	Ref     string
	Account crypto.Address
	PoolID  uint64
	Amount  *big.Int
	Reward  *big.Int
}

func (FarmWithdrawn) EventType() string { return TypeFarmWithdrawn }

func (e FarmWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"ref":    e.Ref,
		"addr":   e.Account.String(),
		"poolId": strconv.FormatUint(e.PoolID, 10),
		"amount": formatAmount(e.Amount),
	}
	if e.Reward != nil {
		attrs["reward"] = formatAmount(e.Reward)
	}
	return &types.Event{Type: TypeFarmWithdrawn, Attributes: attrs}
}

// FarmEmergencyWithdrawn reports a full exit that forfeits pending rewards.
type FarmEmergencyWithdrawn struct {
	Ref     string
	Account crypto.Address
	PoolID  uint64
	Amount  *big.Int
	Fee     *big.Int
}

func (FarmEmergencyWithdrawn) EventType() string { return TypeFarmEmergencyWithdrawn }

func (e FarmEmergencyWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"ref":    e.Ref,
		"addr":   e.Account.String(),
		"poolId": strconv.FormatUint(e.PoolID, 10),
		"amount": formatAmount(e.Amount),
	}
	if e.Fee != nil && e.Fee.Sign() > 0 {
		attrs["fee"] = formatAmount(e.Fee)
	}
	return &types.Event{Type: TypeFarmEmergencyWithdrawn, Attributes: attrs}
}

// FarmRewardPaid reports an entitlement payout.
type FarmRewardPaid struct {
	Ref     string
	Account crypto.Address
	PoolID  uint64
	Amount  *big.Int
}

func (FarmRewardPaid) EventType() string { return TypeFarmRewardPaid }

func (e FarmRewardPaid) Event() *types.Event {
	return &types.Event{Type: TypeFarmRewardPaid, Attributes: map[string]string{
		"ref":    e.Ref,
		"addr":   e.Account.String(),
		"poolId": strconv.FormatUint(e.PoolID, 10),
		"amount": formatAmount(e.Amount),
	}}
}

// FarmLiquidated reports a forced close, including how the seized stake split.
type FarmLiquidated struct {
	Ref        string
	Account    crypto.Address
	Liquidator crypto.Address
	PoolID     uint64
	Seized     *big.Int
	Bonus      *big.Int
}

func (FarmLiquidated) EventType() string { return TypeFarmLiquidated }

func (e FarmLiquidated) Event() *types.Event {
	return &types.Event{Type: TypeFarmLiquidated, Attributes: map[string]string{
		"ref":        e.Ref,
		"addr":       e.Account.String(),
		"liquidator": e.Liquidator.String(),
		"poolId":     strconv.FormatUint(e.PoolID, 10),
		"seized":     formatAmount(e.Seized),
		"bonus":      formatAmount(e.Bonus),
	}}
}

// FarmPoolAdded reports a newly registered pool.
type FarmPoolAdded struct {
	Ref         string
	PoolID      uint64
	AssetSymbol string
	AllocWeight uint64
}

func (FarmPoolAdded) EventType() string { return TypeFarmPoolAdded }

func (e FarmPoolAdded) Event() *types.Event {
	return &types.Event{Type: TypeFarmPoolAdded, Attributes: map[string]string{
		"ref":         e.Ref,
		"poolId":      strconv.FormatUint(e.PoolID, 10),
		"asset":       e.AssetSymbol,
		"allocWeight": strconv.FormatUint(e.AllocWeight, 10),
	}}
}

// FarmPoolUpdated reports changed pool parameters.
type FarmPoolUpdated struct {
	Ref         string
	PoolID      uint64
	AllocWeight uint64
	DepositFee  uint64
	Active      bool
}

func (FarmPoolUpdated) EventType() string { return TypeFarmPoolUpdated }

func (e FarmPoolUpdated) Event() *types.Event {
	return &types.Event{Type: TypeFarmPoolUpdated, Attributes: map[string]string{
		"ref":           e.Ref,
		"poolId":        strconv.FormatUint(e.PoolID, 10),
		"allocWeight":   strconv.FormatUint(e.AllocWeight, 10),
		"depositFeeBps": strconv.FormatUint(e.DepositFee, 10),
		"active":        strconv.FormatBool(e.Active),
	}}
}

// FarmEmissionUpdated reports a change to the global emission rate.
type FarmEmissionUpdated struct {
	Ref            string
	RewardPerBlock *big.Int
}

func (FarmEmissionUpdated) EventType() string { return TypeFarmEmissionUpdated }

func (e FarmEmissionUpdated) Event() *types.Event {
	return &types.Event{Type: TypeFarmEmissionUpdated, Attributes: map[string]string{
		"ref":            e.Ref,
		"rewardPerBlock": formatAmount(e.RewardPerBlock),
	}}
}

// FarmPoolSettled records an accumulator advance for auditors.
type FarmPoolSettled struct {
	PoolID            uint64
	Height            uint64
	AccRewardPerShare *big.Int
}

func (FarmPoolSettled) EventType() string { return TypeFarmPoolSettled }

func (e FarmPoolSettled) Event() *types.Event {
	return &types.Event{Type: TypeFarmPoolSettled, Attributes: map[string]string{
		"poolId":            strconv.FormatUint(e.PoolID, 10),
		"height":            strconv.FormatUint(e.Height, 10),
		"accRewardPerShare": formatAmount(e.AccRewardPerShare),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
