package farming

import (
	"math/big"

	"harvest/crypto"
)

var (
	basisPoints = big.NewInt(10_000)
	// precision scales the accumulated-reward-per-share fixed point.
	precision = big.NewInt(1_000_000_000_000)
)

// Precision returns the fixed-point scale applied to AccRewardPerShare.
func Precision() *big.Int {
	return new(big.Int).Set(precision)
}

// Pool captures the accrual state for one stakeable asset market. The
// accumulator and the settled-block cursor are monotone; pools are appended,
// never deleted, and deactivated instead of removed.
type Pool struct {
	// ID is the append-only pool index.
	ID uint64
	// AssetSymbol names the staked asset held in the module account.
	AssetSymbol string
	// AllocWeight is the pool's relative share of the global emission.
	AllocWeight uint64
	// LastSettledBlock records the height the accumulator was brought up to.
	LastSettledBlock uint64
	// AccRewardPerShare is the reward earned per staked unit since pool
	// inception, scaled by the package precision.
	AccRewardPerShare *big.Int
	// DepositFeeBps is deducted from every deposit, in basis points.
	DepositFeeBps uint64
	// TotalStaked is tracked incrementally across deposits and withdrawals,
	// never recomputed from positions.
	TotalStaked *big.Int
	// LiquidationPrice is the oracle price below which positions may be
	// force-closed. Nil or zero disables liquidation for the pool.
	LiquidationPrice *big.Int
	// Active gates new deposits. Settlement and exits keep working on an
	// inactive pool.
	Active bool
}

// EnsureDefaults normalises nil big.Int fields on a freshly decoded pool.
func (p *Pool) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.AccRewardPerShare == nil {
		p.AccRewardPerShare = big.NewInt(0)
	}
	if p.TotalStaked == nil {
		p.TotalStaked = big.NewInt(0)
	}
	if p.LiquidationPrice == nil {
		p.LiquidationPrice = big.NewInt(0)
	}
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := &Pool{
		ID:               p.ID,
		AssetSymbol:      p.AssetSymbol,
		AllocWeight:      p.AllocWeight,
		LastSettledBlock: p.LastSettledBlock,
		DepositFeeBps:    p.DepositFeeBps,
		Active:           p.Active,
	}
	if p.AccRewardPerShare != nil {
		clone.AccRewardPerShare = new(big.Int).Set(p.AccRewardPerShare)
	}
	if p.TotalStaked != nil {
		clone.TotalStaked = new(big.Int).Set(p.TotalStaked)
	}
	if p.LiquidationPrice != nil {
		clone.LiquidationPrice = new(big.Int).Set(p.LiquidationPrice)
	}
	return clone
}

// Position is one depositor's stake in one pool. A zeroed position is valid
// and reusable; positions are created lazily and never deleted.
type Position struct {
	Address crypto.Address
	// Amount is the staked balance net of deposit fees.
	Amount *big.Int
	// RewardDebt checkpoints amount*accRewardPerShare/precision at the last
	// settlement, so only newly accrued entitlement pays out.
	RewardDebt *big.Int
	// PendingWithdrawn is the running total already paid out, kept for
	// auditability.
	PendingWithdrawn *big.Int
	// LastActionBlock rate-limits withdrawals against the ledger height.
	LastActionBlock uint64
}

// EnsureDefaults normalises nil big.Int fields on a freshly decoded position.
func (p *Position) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.Amount == nil {
		p.Amount = big.NewInt(0)
	}
	if p.RewardDebt == nil {
		p.RewardDebt = big.NewInt(0)
	}
	if p.PendingWithdrawn == nil {
		p.PendingWithdrawn = big.NewInt(0)
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Address: p.Address, LastActionBlock: p.LastActionBlock}
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	}
	if p.RewardDebt != nil {
		clone.RewardDebt = new(big.Int).Set(p.RewardDebt)
	}
	if p.PendingWithdrawn != nil {
		clone.PendingWithdrawn = new(big.Int).Set(p.PendingWithdrawn)
	}
	return clone
}

// EmissionParams are the admin-mutable global emission settings.
type EmissionParams struct {
	RewardPerBlock  *big.Int
	StartBlock      uint64
	BonusEndBlock   uint64
	BonusMultiplier uint64
}

// Clone returns a deep copy of the emission parameters.
func (e EmissionParams) Clone() EmissionParams {
	clone := EmissionParams{
		StartBlock:      e.StartBlock,
		BonusEndBlock:   e.BonusEndBlock,
		BonusMultiplier: e.BonusMultiplier,
	}
	if e.RewardPerBlock != nil {
		clone.RewardPerBlock = new(big.Int).Set(e.RewardPerBlock)
	}
	return clone
}

// Schedule projects the emission parameters onto a rate schedule.
func (e EmissionParams) Schedule() Schedule {
	return Schedule{
		StartBlock:      e.StartBlock,
		BonusEndBlock:   e.BonusEndBlock,
		BonusMultiplier: e.BonusMultiplier,
	}
}

// Global carries the ledger-wide farming state: emission settings, the sum of
// pool weights, and the next pool index.
type Global struct {
	Emission         EmissionParams
	TotalAllocWeight uint64
	NextPoolID       uint64
}

// EnsureDefaults normalises nil fields on a freshly decoded global record.
func (g *Global) EnsureDefaults() {
	if g == nil {
		return
	}
	if g.Emission.RewardPerBlock == nil {
		g.Emission.RewardPerBlock = big.NewInt(0)
	}
}

// Clone returns a deep copy of the global record.
func (g *Global) Clone() *Global {
	if g == nil {
		return nil
	}
	return &Global{
		Emission:         g.Emission.Clone(),
		TotalAllocWeight: g.TotalAllocWeight,
		NextPoolID:       g.NextPoolID,
	}
}
