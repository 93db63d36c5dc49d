package farming

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"harvest/core/types"
	"harvest/crypto"
)

type mockEngineState struct {
	global    *Global
	pools     map[uint64]*Pool
	positions map[string]*Position
	accounts  map[string]*types.Account
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		pools:     make(map[uint64]*Pool),
		positions: make(map[string]*Position),
		accounts:  make(map[string]*types.Account),
	}
}

func positionKey(poolID uint64, addr crypto.Address) string {
	return fmt.Sprintf("%d/%x", poolID, addr.Bytes())
}

func (m *mockEngineState) GetGlobal() (*Global, error) {
	return m.global.Clone(), nil
}

func (m *mockEngineState) PutGlobal(global *Global) error {
	m.global = global.Clone()
	return nil
}

func (m *mockEngineState) GetPool(id uint64) (*Pool, error) {
	return m.pools[id].Clone(), nil
}

func (m *mockEngineState) PutPool(pool *Pool) error {
	if pool == nil {
		return nil
	}
	m.pools[pool.ID] = pool.Clone()
	return nil
}

func (m *mockEngineState) GetPosition(poolID uint64, addr crypto.Address) (*Position, error) {
	return m.positions[positionKey(poolID, addr)].Clone(), nil
}

func (m *mockEngineState) PutPosition(poolID uint64, position *Position) error {
	if position == nil {
		return nil
	}
	m.positions[positionKey(poolID, position.Address)] = position.Clone()
	return nil
}

func (m *mockEngineState) GetAccount(addr crypto.Address) (*types.Account, error) {
	return m.accounts[string(addr.Bytes())].Clone(), nil
}

func (m *mockEngineState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[string(addr.Bytes())] = account.Clone()
	return nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.HRVPrefix, raw)
}

type fixedFeed struct {
	prices map[string]*big.Int
}

func (f fixedFeed) Price(symbol string, _ uint64) (*big.Int, error) {
	price, ok := f.prices[symbol]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(price), nil
}

func newTestEngine(t *testing.T, rewardPerBlock int64) (*Engine, *mockEngineState) {
	t.Helper()
	state := newMockEngineState()
	state.global = &Global{
		Emission: EmissionParams{
			RewardPerBlock:  big.NewInt(rewardPerBlock),
			BonusMultiplier: 1,
		},
	}
	engine := NewEngine(makeAddress(0x01), makeAddress(0x02))
	engine.SetState(state)
	return engine, state
}

func fundAccount(state *mockEngineState, addr crypto.Address, hrv int64, symbol string, staked int64) {
	acc := &types.Account{BalanceHRV: big.NewInt(hrv)}
	if symbol != "" {
		acc.SetAssetBalance(symbol, big.NewInt(staked))
	}
	state.accounts[string(addr.Bytes())] = acc
}

func TestAddPoolRejectsExcessiveFee(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 10_001, nil); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	if len(state.pools) != 0 {
		t.Fatalf("pool registered despite rejected fee")
	}
}

func TestDepositFullFeeYieldsZeroNet(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 10_000, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 0, "", 0)

	receipt, err := engine.Deposit(staker, 0, big.NewInt(400))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Net.Sign() != 0 {
		t.Fatalf("expected zero net credit, got %s", receipt.Net)
	}
	if receipt.Fee.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected full amount as fee, got %s", receipt.Fee)
	}
	treasury := state.accounts[string(engine.treasuryAddress.Bytes())]
	if treasury.AssetBalance("LP-A").Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("fee not routed to treasury")
	}
}

func TestSingleStakerAccruesFullEmission(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 10_000, "", 0)

	if _, err := engine.Deposit(staker, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	engine.SetHeight(10)
	pending, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000 pending, got %s", pending)
	}

	receipt, err := engine.Withdraw(staker, 0, big.NewInt(0))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if receipt.Reward.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000 reward, got %s", receipt.Reward)
	}
	holder := state.accounts[string(staker.Bytes())]
	if holder.BalanceHRV.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reward not credited: %s", holder.BalanceHRV)
	}
}

func TestPendingIsStableAndZeroAfterCheckpoint(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 10_000, "", 0)

	if _, err := engine.Deposit(staker, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	engine.SetHeight(7)

	first, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	second, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending again: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Fatalf("pending drifted without state change: %s vs %s", first, second)
	}

	if _, err := engine.Withdraw(staker, 0, big.NewInt(0)); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	after, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending after checkpoint: %v", err)
	}
	if after.Sign() != 0 {
		t.Fatalf("expected zero pending after checkpoint, got %s", after)
	}
}

func TestConservationAcrossPositions(t *testing.T) {
	engine, state := newTestEngine(t, 1000)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	alice := makeAddress(0x10)
	bob := makeAddress(0x11)
	fundAccount(state, alice, 0, "LP-A", 100)
	fundAccount(state, bob, 0, "LP-A", 300)
	fundAccount(state, engine.moduleAddress, 1_000_000, "", 0)

	if _, err := engine.Deposit(alice, 0, big.NewInt(100)); err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if _, err := engine.Deposit(bob, 0, big.NewInt(300)); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}

	engine.SetHeight(13)
	if _, err := engine.Settle(0); err != nil {
		t.Fatalf("settle: %v", err)
	}

	emitted := big.NewInt(13 * 1000)
	alicePending, err := engine.PendingReward(0, alice)
	if err != nil {
		t.Fatalf("alice pending: %v", err)
	}
	bobPending, err := engine.PendingReward(0, bob)
	if err != nil {
		t.Fatalf("bob pending: %v", err)
	}
	sum := new(big.Int).Add(alicePending, bobPending)

	diff := new(big.Int).Sub(emitted, sum)
	if diff.Sign() < 0 {
		t.Fatalf("entitlements exceed emission: sum %s emitted %s", sum, emitted)
	}
	// Truncation may lose at most one fixed-point unit per position.
	if diff.Cmp(big.NewInt(2)) > 0 {
		t.Fatalf("rounding loss above bound: %s", diff)
	}
	// 1:3 stake split pays 1:3 rewards.
	if alicePending.Cmp(new(big.Int).Quo(bobPending, big.NewInt(3))) != 0 {
		t.Fatalf("unexpected split: alice %s bob %s", alicePending, bobPending)
	}
}

func TestZeroSupplySettlementLeavesAccumulator(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	engine.SetHeight(50)
	pool, err := engine.Settle(0)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if pool.AccRewardPerShare.Sign() != 0 {
		t.Fatalf("accumulator advanced with zero supply: %s", pool.AccRewardPerShare)
	}
	if pool.LastSettledBlock != 50 {
		t.Fatalf("cursor not advanced: %d", pool.LastSettledBlock)
	}
	_ = state
}

func TestWithdrawRateLimited(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	engine.SetWithdrawInterval(10)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 10_000, "", 0)

	engine.SetHeight(5)
	if _, err := engine.Deposit(staker, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	engine.SetHeight(9)
	if _, err := engine.Withdraw(staker, 0, big.NewInt(100)); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}

	engine.SetHeight(15)
	if _, err := engine.Withdraw(staker, 0, big.NewInt(100)); err != nil {
		t.Fatalf("withdraw after interval: %v", err)
	}
}

func TestWithdrawRejectsOverdraw(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 10_000, "", 0)

	if _, err := engine.Deposit(staker, 0, big.NewInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Withdraw(staker, 0, big.NewInt(201)); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
}

func TestRewardShortfallFailsFast(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	// Empty emission reserve.
	fundAccount(state, engine.moduleAddress, 0, "", 0)

	if _, err := engine.Deposit(staker, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	engine.SetHeight(10)
	if _, err := engine.Withdraw(staker, 0, big.NewInt(0)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	// Entitlement stays pending for a later retry.
	pending, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Sign() == 0 {
		t.Fatalf("entitlement lost after failed payout")
	}
}

func TestEmergencyWithdrawForfeitsRewards(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if err := engine.SetEmergencyPolicy(true, 500); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 0, "", 0)

	if _, err := engine.Deposit(staker, 0, big.NewInt(400)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	engine.SetHeight(20)

	receipt, err := engine.EmergencyWithdraw(staker, 0)
	if err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	// 5% exit fee on 400.
	if receipt.Fee.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("unexpected fee: %s", receipt.Fee)
	}
	if receipt.Amount.Cmp(big.NewInt(380)) != 0 {
		t.Fatalf("unexpected payout: %s", receipt.Amount)
	}
	holder := state.accounts[string(staker.Bytes())]
	if holder.BalanceHRV.Sign() != 0 {
		t.Fatalf("emergency exit paid rewards: %s", holder.BalanceHRV)
	}
	pos := state.positions[positionKey(0, staker)]
	if pos.Amount.Sign() != 0 || pos.RewardDebt.Sign() != 0 {
		t.Fatalf("position not zeroed: %+v", pos)
	}
}

func TestEmergencyWithdrawGated(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 0, "", 0)
	if _, err := engine.Deposit(staker, 0, big.NewInt(400)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.EmergencyWithdraw(staker, 0); !errors.Is(err, ErrEmergencyDisabled) {
		t.Fatalf("expected ErrEmergencyDisabled, got %v", err)
	}
}

func TestLiquidatePaysBonusFromLivePosition(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if err := engine.SetLiquidationBonus(1000); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	engine.SetPriceFeed(fixedFeed{prices: map[string]*big.Int{"LP-A": big.NewInt(80)}})
	if _, err := engine.AddPool("LP-A", 1, 0, big.NewInt(100)); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	owner := makeAddress(0x10)
	liquidator := makeAddress(0x20)
	fundAccount(state, owner, 0, "LP-A", 1000)
	fundAccount(state, liquidator, 0, "", 0)
	fundAccount(state, engine.moduleAddress, 10_000, "", 0)

	if _, err := engine.Deposit(owner, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	engine.SetHeight(10)

	receipt, err := engine.Liquidate(liquidator, owner, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if receipt.Seized.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected seizure: %s", receipt.Seized)
	}
	// The bonus must come from the pre-clear amount, never the zeroed one.
	if receipt.Bonus.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected bonus: %s", receipt.Bonus)
	}
	liqAcc := state.accounts[string(liquidator.Bytes())]
	if liqAcc.AssetBalance("LP-A").Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("bonus not credited")
	}
	treasury := state.accounts[string(engine.treasuryAddress.Bytes())]
	if treasury.AssetBalance("LP-A").Cmp(big.NewInt(450)) != 0 {
		t.Fatalf("remainder not routed to treasury")
	}
	// Accrued entitlement still pays the owner.
	ownerAcc := state.accounts[string(owner.Bytes())]
	if ownerAcc.BalanceHRV.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("owner reward missing: %s", ownerAcc.BalanceHRV)
	}
}

func TestLiquidateRequiresDepressedPrice(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	engine.SetPriceFeed(fixedFeed{prices: map[string]*big.Int{"LP-A": big.NewInt(150)}})
	if _, err := engine.AddPool("LP-A", 1, 0, big.NewInt(100)); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	owner := makeAddress(0x10)
	fundAccount(state, owner, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 0, "", 0)
	if _, err := engine.Deposit(owner, 0, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Liquidate(makeAddress(0x20), owner, 0); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestBonusRangeAccruesMultipliedEmission(t *testing.T) {
	engine, state := newTestEngine(t, 10)
	state.global.Emission.BonusEndBlock = 100
	state.global.Emission.BonusMultiplier = 10
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 1000)
	fundAccount(state, engine.moduleAddress, 100_000, "", 0)

	engine.SetHeight(90)
	if _, err := engine.Deposit(staker, 0, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	engine.SetHeight(110)
	pending, err := engine.PendingReward(0, staker)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	// multiplier(90,110) = 110, times 10 per block.
	if pending.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected 1100, got %s", pending)
	}
}

func TestMonotonicAccumulatorAcrossOperations(t *testing.T) {
	engine, state := newTestEngine(t, 100)
	if _, err := engine.AddPool("LP-A", 1, 0, nil); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	staker := makeAddress(0x10)
	fundAccount(state, staker, 0, "LP-A", 10_000)
	fundAccount(state, engine.moduleAddress, 1_000_000, "", 0)

	prevAcc := big.NewInt(0)
	prevBlock := uint64(0)
	heights := []uint64{0, 3, 3, 9, 20, 21}
	for i, h := range heights {
		engine.SetHeight(h)
		if i%2 == 0 {
			if _, err := engine.Deposit(staker, 0, big.NewInt(100)); err != nil {
				t.Fatalf("deposit at %d: %v", h, err)
			}
		} else if _, err := engine.Settle(0); err != nil {
			t.Fatalf("settle at %d: %v", h, err)
		}
		pool := state.pools[0]
		if pool.AccRewardPerShare.Cmp(prevAcc) < 0 {
			t.Fatalf("accumulator regressed at height %d", h)
		}
		if pool.LastSettledBlock < prevBlock {
			t.Fatalf("settled block regressed at height %d", h)
		}
		prevAcc = new(big.Int).Set(pool.AccRewardPerShare)
		prevBlock = pool.LastSettledBlock
	}
}
