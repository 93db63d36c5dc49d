package farming

import (
	"math/big"

	"harvest/core/types"
	"harvest/crypto"
	nativecommon "harvest/native/common"
)

const moduleName = "farming"

type engineState interface {
	GetGlobal() (*Global, error)
	PutGlobal(global *Global) error
	GetPool(id uint64) (*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(poolID uint64, addr crypto.Address) (*Position, error)
	PutPosition(poolID uint64, position *Position) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

// PriceView supplies oracle prices used for liquidation eligibility. Values
// are untrusted input; implementations are expected to bounds-check age and
// deviation before answering.
type PriceView interface {
	Price(symbol string, height uint64) (*big.Int, error)
}

// Engine orchestrates settlement and the primary state transitions for the
// farming module. All value movement happens through the ledger accounts:
// staked assets sit in the module account, deposit and exit fees route to the
// treasury account, and rewards pay out of the module's emission reserve.
type Engine struct {
	state               engineState
	moduleAddress       crypto.Address
	treasuryAddress     crypto.Address
	height              uint64
	withdrawInterval    uint64
	liquidationBonusBps uint64
	emergencyEnabled    bool
	emergencyFeeBps     uint64
	priceFeed           PriceView
	pauses              nativecommon.PauseView
}

// NewEngine constructs a farming engine configured with the module reserve
// and treasury addresses.
func NewEngine(moduleAddr, treasuryAddr crypto.Address) *Engine {
	return &Engine{
		moduleAddress:   moduleAddr,
		treasuryAddress: treasuryAddr,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetHeight records the logical block height used for settlement deltas and
// withdraw rate limiting.
func (e *Engine) SetHeight(height uint64) {
	if e == nil {
		return
	}
	e.height = height
}

// SetPauses wires the admin pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetWithdrawInterval configures the minimum number of blocks between
// withdrawals per position.
func (e *Engine) SetWithdrawInterval(blocks uint64) {
	if e == nil {
		return
	}
	e.withdrawInterval = blocks
}

// SetLiquidationBonus configures the share of seized stake paid to the
// liquidator, in basis points.
func (e *Engine) SetLiquidationBonus(bps uint64) error {
	if e == nil {
		return nil
	}
	if bps > 10_000 {
		return ErrFeeTooHigh
	}
	e.liquidationBonusBps = bps
	return nil
}

// SetEmergencyPolicy toggles the emergency-withdraw facility and its fee.
func (e *Engine) SetEmergencyPolicy(enabled bool, feeBps uint64) error {
	if e == nil {
		return nil
	}
	if feeBps > 10_000 {
		return ErrFeeTooHigh
	}
	e.emergencyEnabled = enabled
	e.emergencyFeeBps = feeBps
	return nil
}

// SetPriceFeed wires the oracle view consulted during liquidation.
func (e *Engine) SetPriceFeed(feed PriceView) {
	if e == nil {
		return
	}
	e.priceFeed = feed
}

// DepositReceipt reports the outcome of a deposit.
type DepositReceipt struct {
	Gross  *big.Int
	Net    *big.Int
	Fee    *big.Int
	Reward *big.Int
}

// WithdrawReceipt reports the outcome of a withdrawal or harvest.
type WithdrawReceipt struct {
	Amount *big.Int
	Reward *big.Int
}

// EmergencyReceipt reports the outcome of an emergency exit.
type EmergencyReceipt struct {
	Amount *big.Int
	Fee    *big.Int
}

// LiquidateReceipt reports the outcome of a forced close.
type LiquidateReceipt struct {
	Seized *big.Int
	Bonus  *big.Int
	Reward *big.Int
}

// AddPool registers a new stakeable asset market. Pools are append-only; the
// identifier comes from the global NextPoolID cursor. The deposit fee is
// validated before anything is written.
func (e *Engine) AddPool(assetSymbol string, allocWeight, depositFeeBps uint64, liquidationPrice *big.Int) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if depositFeeBps > 10_000 {
		return nil, ErrFeeTooHigh
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}

	// Weight changes must not retro-apply to elapsed blocks.
	if err := e.settleAllPools(global); err != nil {
		return nil, err
	}

	pool := &Pool{
		ID:                global.NextPoolID,
		AssetSymbol:       assetSymbol,
		AllocWeight:       allocWeight,
		LastSettledBlock:  e.settleFloor(global),
		AccRewardPerShare: big.NewInt(0),
		DepositFeeBps:     depositFeeBps,
		TotalStaked:       big.NewInt(0),
		Active:            true,
	}
	if liquidationPrice != nil {
		pool.LiquidationPrice = new(big.Int).Set(liquidationPrice)
	} else {
		pool.LiquidationPrice = big.NewInt(0)
	}

	global.NextPoolID++
	global.TotalAllocWeight += allocWeight

	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutGlobal(global); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// UpdatePool changes a pool's weight, deposit fee, or active flag. The pool
// and its siblings are settled first so the new weight applies only forward.
func (e *Engine) UpdatePool(poolID uint64, allocWeight, depositFeeBps uint64, active bool) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if depositFeeBps > 10_000 {
		return nil, ErrFeeTooHigh
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	if err := e.settleAllPools(global); err != nil {
		return nil, err
	}

	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}

	global.TotalAllocWeight = global.TotalAllocWeight - pool.AllocWeight + allocWeight
	pool.AllocWeight = allocWeight
	pool.DepositFeeBps = depositFeeBps
	pool.Active = active

	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutGlobal(global); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// SetEmission replaces the per-block reward rate. Every pool settles against
// the old rate first; the pool set is admin-bounded, so the loop stays inside
// one atomic unit.
func (e *Engine) SetEmission(rewardPerBlock *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if rewardPerBlock == nil || rewardPerBlock.Sign() < 0 {
		return ErrInvalidAmount
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return err
	}
	if err := e.settleAllPools(global); err != nil {
		return err
	}
	global.Emission.RewardPerBlock = new(big.Int).Set(rewardPerBlock)
	return e.state.PutGlobal(global)
}

// SetLiquidationPrice updates the oracle threshold below which a pool's
// positions may be force-closed. Zero disables liquidation.
func (e *Engine) SetLiquidationPrice(poolID uint64, price *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return err
	}
	if price == nil {
		pool.LiquidationPrice = big.NewInt(0)
	} else {
		if price.Sign() < 0 {
			return ErrInvalidAmount
		}
		pool.LiquidationPrice = new(big.Int).Set(price)
	}
	return e.state.PutPool(pool)
}

// Settle brings a pool's accumulator up to the current height. Idempotent and
// safe to call from anyone; concurrent calls collapse into one.
func (e *Engine) Settle(poolID uint64) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if err := e.settlePool(pool, global); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// SettleRange settles up to limit pools starting at offset and reports how
// many it touched. It is the bounded replacement for a settle-everything
// entry point.
func (e *Engine) SettleRange(offset, limit uint64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	if limit == 0 {
		return 0, nil
	}
	global, err := e.ensureGlobal()
	if err != nil {
		return 0, err
	}
	settled := uint64(0)
	for id := offset; id < global.NextPoolID && settled < limit; id++ {
		pool, err := e.loadPool(id)
		if err != nil {
			return settled, err
		}
		if err := e.settlePool(pool, global); err != nil {
			return settled, err
		}
		if err := e.state.PutPool(pool); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// PendingReward computes the entitlement the position would receive if the
// pool settled right now. Read-only: nothing is mutated.
func (e *Engine) PendingReward(poolID uint64, addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	position, err := e.ensurePosition(poolID, addr)
	if err != nil {
		return nil, err
	}

	acc := new(big.Int).Set(pool.AccRewardPerShare)
	if e.height > pool.LastSettledBlock && pool.TotalStaked.Sign() > 0 && global.TotalAllocWeight > 0 {
		reward, err := e.poolReward(pool, global, pool.LastSettledBlock, e.height)
		if err != nil {
			return nil, err
		}
		delta := new(big.Int).Mul(reward, precision)
		acc.Add(acc, delta.Quo(delta, pool.TotalStaked))
	}
	return entitlement(position, acc)
}

// Deposit settles the pool, pays the depositor's pending entitlement, then
// moves the gross stake into the module account, routing the deposit fee to
// the treasury. The position checkpoint is recomputed from the post-mutation
// amount.
func (e *Engine) Deposit(addr crypto.Address, poolID uint64, gross *big.Int) (*DepositReceipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if gross == nil || gross.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if !pool.Active {
		return nil, ErrPoolInactive
	}
	if pool.DepositFeeBps > 10_000 {
		return nil, ErrFeeTooHigh
	}
	if err := e.settlePool(pool, global); err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(poolID, addr)
	if err != nil {
		return nil, err
	}

	reward, err := entitlement(position, pool.AccRewardPerShare)
	if err != nil {
		return nil, err
	}

	depositorAcc, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	if depositorAcc.AssetBalance(pool.AssetSymbol).Cmp(gross) < 0 {
		return nil, ErrInsufficientFunds
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}

	if err := e.payReward(moduleAcc, depositorAcc, reward); err != nil {
		return nil, err
	}

	fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(pool.DepositFeeBps))
	fee.Quo(fee, basisPoints)
	net := new(big.Int).Sub(gross, fee)

	// Move the gross stake into the module, then split the fee out to the
	// treasury.
	depositorAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Sub(depositorAcc.AssetBalance(pool.AssetSymbol), gross))
	moduleAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(moduleAcc.AssetBalance(pool.AssetSymbol), net))
	if fee.Sign() > 0 {
		treasuryAcc, err := e.loadAccount(e.treasuryAddress)
		if err != nil {
			return nil, err
		}
		treasuryAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(treasuryAcc.AssetBalance(pool.AssetSymbol), fee))
		if err := e.state.PutAccount(e.treasuryAddress, treasuryAcc); err != nil {
			return nil, err
		}
	}

	if err := e.state.PutAccount(addr, depositorAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}

	position.Amount = new(big.Int).Add(position.Amount, net)
	if reward.Sign() > 0 {
		position.PendingWithdrawn = new(big.Int).Add(position.PendingWithdrawn, reward)
	}
	checkpoint(position, pool.AccRewardPerShare)
	position.LastActionBlock = e.height

	pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, net)

	if err := e.state.PutPosition(poolID, position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	return &DepositReceipt{Gross: new(big.Int).Set(gross), Net: net, Fee: fee, Reward: reward}, nil
}

// Withdraw settles the pool, pays pending entitlement, and releases the
// requested stake back to the depositor. Amount zero is a pure harvest.
// Withdrawals are rate-limited by the configured minimum block interval.
func (e *Engine) Withdraw(addr crypto.Address, poolID uint64, amount *big.Int) (*WithdrawReceipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if err := e.settlePool(pool, global); err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(poolID, addr)
	if err != nil {
		return nil, err
	}
	if position.Amount.Cmp(amount) < 0 {
		return nil, ErrInsufficientStake
	}
	if e.withdrawInterval > 0 && position.LastActionBlock > 0 {
		if e.height < position.LastActionBlock+e.withdrawInterval {
			return nil, ErrTooSoon
		}
	}

	reward, err := entitlement(position, pool.AccRewardPerShare)
	if err != nil {
		return nil, err
	}

	withdrawerAcc, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}

	if err := e.payReward(moduleAcc, withdrawerAcc, reward); err != nil {
		return nil, err
	}

	if amount.Sign() > 0 {
		moduleHolding := moduleAcc.AssetBalance(pool.AssetSymbol)
		if moduleHolding.Cmp(amount) < 0 {
			return nil, ErrInvariant
		}
		moduleAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Sub(moduleHolding, amount))
		withdrawerAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(withdrawerAcc.AssetBalance(pool.AssetSymbol), amount))
	}

	if err := e.state.PutAccount(addr, withdrawerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}

	position.Amount = new(big.Int).Sub(position.Amount, amount)
	if reward.Sign() > 0 {
		position.PendingWithdrawn = new(big.Int).Add(position.PendingWithdrawn, reward)
	}
	checkpoint(position, pool.AccRewardPerShare)
	position.LastActionBlock = e.height

	pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, amount)

	if err := e.state.PutPosition(poolID, position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	return &WithdrawReceipt{Amount: new(big.Int).Set(amount), Reward: reward}, nil
}

// EmergencyWithdraw exits the whole position immediately, forfeiting pending
// rewards. The configured exit fee routes to the treasury.
func (e *Engine) EmergencyWithdraw(addr crypto.Address, poolID uint64) (*EmergencyReceipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !e.emergencyEnabled {
		return nil, ErrEmergencyDisabled
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	// Settle before the supply change so remaining stakers keep their share
	// of the elapsed range.
	if err := e.settlePool(pool, global); err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(poolID, addr)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(position.Amount)
	if amount.Sign() <= 0 {
		return nil, ErrInsufficientStake
	}

	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(e.emergencyFeeBps))
	fee.Quo(fee, basisPoints)
	payout := new(big.Int).Sub(amount, fee)

	holderAcc, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	if moduleAcc.AssetBalance(pool.AssetSymbol).Cmp(payout) < 0 {
		return nil, ErrInvariant
	}

	moduleAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Sub(moduleAcc.AssetBalance(pool.AssetSymbol), payout))
	holderAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(holderAcc.AssetBalance(pool.AssetSymbol), payout))
	if fee.Sign() > 0 {
		treasuryAcc, err := e.loadAccount(e.treasuryAddress)
		if err != nil {
			return nil, err
		}
		moduleHolding := moduleAcc.AssetBalance(pool.AssetSymbol)
		if moduleHolding.Cmp(fee) < 0 {
			return nil, ErrInvariant
		}
		moduleAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Sub(moduleHolding, fee))
		treasuryAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(treasuryAcc.AssetBalance(pool.AssetSymbol), fee))
		if err := e.state.PutAccount(e.treasuryAddress, treasuryAcc); err != nil {
			return nil, err
		}
	}

	if err := e.state.PutAccount(addr, holderAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}

	position.Amount = big.NewInt(0)
	position.RewardDebt = big.NewInt(0)
	position.LastActionBlock = e.height

	pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, amount)

	if err := e.state.PutPosition(poolID, position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	return &EmergencyReceipt{Amount: payout, Fee: fee}, nil
}

// Liquidate force-closes a position whose pool asset trades below the pool's
// liquidation price. The payout split is computed from the live position
// before any of it is cleared: the liquidator earns the configured bonus
// share of the seized stake, the remainder routes to the treasury, and the
// owner's accrued entitlement still pays out to the owner.
func (e *Engine) Liquidate(liquidator, owner crypto.Address, poolID uint64) (*LiquidateReceipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.priceFeed == nil {
		return nil, ErrPriceUnavailable
	}

	global, err := e.ensureGlobal()
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if pool.LiquidationPrice == nil || pool.LiquidationPrice.Sign() == 0 {
		return nil, ErrNotLiquidatable
	}

	price, err := e.priceFeed.Price(pool.AssetSymbol, e.height)
	if err != nil {
		return nil, ErrPriceUnavailable
	}
	if price == nil || price.Cmp(pool.LiquidationPrice) >= 0 {
		return nil, ErrNotLiquidatable
	}

	if err := e.settlePool(pool, global); err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(poolID, owner)
	if err != nil {
		return nil, err
	}
	seized := new(big.Int).Set(position.Amount)
	if seized.Sign() <= 0 {
		return nil, ErrNotLiquidatable
	}

	reward, err := entitlement(position, pool.AccRewardPerShare)
	if err != nil {
		return nil, err
	}

	bonus := new(big.Int).Mul(seized, new(big.Int).SetUint64(e.liquidationBonusBps))
	bonus.Quo(bonus, basisPoints)
	remainder := new(big.Int).Sub(seized, bonus)

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	if moduleAcc.AssetBalance(pool.AssetSymbol).Cmp(seized) < 0 {
		return nil, ErrInvariant
	}

	if err := e.payReward(moduleAcc, ownerAcc, reward); err != nil {
		return nil, err
	}

	moduleAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Sub(moduleAcc.AssetBalance(pool.AssetSymbol), seized))

	liquidatorAcc, err := e.loadAccount(liquidator)
	if err != nil {
		return nil, err
	}
	if bonus.Sign() > 0 {
		liquidatorAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(liquidatorAcc.AssetBalance(pool.AssetSymbol), bonus))
	}
	if remainder.Sign() > 0 {
		treasuryAcc, err := e.loadAccount(e.treasuryAddress)
		if err != nil {
			return nil, err
		}
		treasuryAcc.SetAssetBalance(pool.AssetSymbol, new(big.Int).Add(treasuryAcc.AssetBalance(pool.AssetSymbol), remainder))
		if err := e.state.PutAccount(e.treasuryAddress, treasuryAcc); err != nil {
			return nil, err
		}
	}

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(liquidator, liquidatorAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}

	position.Amount = big.NewInt(0)
	if reward.Sign() > 0 {
		position.PendingWithdrawn = new(big.Int).Add(position.PendingWithdrawn, reward)
	}
	checkpoint(position, pool.AccRewardPerShare)
	position.LastActionBlock = e.height

	pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, seized)

	if err := e.state.PutPosition(poolID, position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	return &LiquidateReceipt{Seized: seized, Bonus: bonus, Reward: reward}, nil
}

// --- internals ---

// settlePool advances the accumulator in memory. Zero supply advances the
// cursor without touching the accumulator; the range simply emits nothing.
func (e *Engine) settlePool(pool *Pool, global *Global) error {
	if pool == nil || global == nil {
		return ErrNilState
	}
	if e.height <= pool.LastSettledBlock {
		return nil
	}
	if pool.TotalStaked.Sign() == 0 || global.TotalAllocWeight == 0 || pool.AllocWeight == 0 {
		pool.LastSettledBlock = e.height
		return nil
	}
	reward, err := e.poolReward(pool, global, pool.LastSettledBlock, e.height)
	if err != nil {
		return err
	}
	delta := new(big.Int).Mul(reward, precision)
	delta.Quo(delta, pool.TotalStaked)
	pool.AccRewardPerShare = new(big.Int).Add(pool.AccRewardPerShare, delta)
	pool.LastSettledBlock = e.height
	return nil
}

// poolReward integrates the emission over [from, to) and applies the pool's
// weight share. Integer division truncates toward zero; the rounding loss is
// bounded and never becomes a gain.
func (e *Engine) poolReward(pool *Pool, global *Global, from, to uint64) (*big.Int, error) {
	mult, err := global.Emission.Schedule().Multiplier(from, to)
	if err != nil {
		return nil, err
	}
	reward := new(big.Int).Mul(mult, global.Emission.RewardPerBlock)
	reward.Mul(reward, new(big.Int).SetUint64(pool.AllocWeight))
	return reward.Quo(reward, new(big.Int).SetUint64(global.TotalAllocWeight)), nil
}

func (e *Engine) settleAllPools(global *Global) error {
	for id := uint64(0); id < global.NextPoolID; id++ {
		pool, err := e.loadPool(id)
		if err != nil {
			return err
		}
		if err := e.settlePool(pool, global); err != nil {
			return err
		}
		if err := e.state.PutPool(pool); err != nil {
			return err
		}
	}
	return nil
}

// settleFloor is the block a new pool starts accruing from.
func (e *Engine) settleFloor(global *Global) uint64 {
	if e.height > global.Emission.StartBlock {
		return e.height
	}
	return global.Emission.StartBlock
}

// payReward moves entitlement out of the module's emission reserve. The
// payout is all-or-nothing: a reserve shortfall aborts the unit and the
// entitlement stays pending for a later retry.
func (e *Engine) payReward(moduleAcc, recipient *types.Account, reward *big.Int) error {
	if reward == nil || reward.Sign() == 0 {
		return nil
	}
	if moduleAcc.BalanceHRV.Cmp(reward) < 0 {
		return ErrTransferFailed
	}
	moduleAcc.BalanceHRV = new(big.Int).Sub(moduleAcc.BalanceHRV, reward)
	recipient.BalanceHRV = new(big.Int).Add(recipient.BalanceHRV, reward)
	return nil
}

// entitlement computes amount*acc/precision - rewardDebt. A negative result
// means the checkpoint invariant broke; that is corruption, not a value to
// clamp.
func entitlement(position *Position, acc *big.Int) (*big.Int, error) {
	accrued := new(big.Int).Mul(position.Amount, acc)
	accrued.Quo(accrued, precision)
	pending := accrued.Sub(accrued, position.RewardDebt)
	if pending.Sign() < 0 {
		return nil, ErrInvariant
	}
	return pending, nil
}

// checkpoint recomputes the reward debt from the current accumulator. Must
// run immediately after every amount mutation.
func checkpoint(position *Position, acc *big.Int) {
	debt := new(big.Int).Mul(position.Amount, acc)
	position.RewardDebt = debt.Quo(debt, precision)
}

func (e *Engine) ensureGlobal() (*Global, error) {
	global, err := e.state.GetGlobal()
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = &Global{}
	}
	global.EnsureDefaults()
	return global, nil
}

func (e *Engine) loadPool(id uint64) (*Pool, error) {
	pool, err := e.state.GetPool(id)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrInvalidPool
	}
	pool.EnsureDefaults()
	return pool, nil
}

func (e *Engine) ensurePosition(poolID uint64, addr crypto.Address) (*Position, error) {
	position, err := e.state.GetPosition(poolID, addr)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &Position{Address: addr}
	}
	position.EnsureDefaults()
	return position, nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc, nil
}
