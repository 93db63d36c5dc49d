package flash

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"harvest/core/types"
	"harvest/crypto"
	nativecommon "harvest/native/common"
)

const moduleName = "flash"

var (
	ErrNilState              = errors.New("flash: state not configured")
	ErrFacilityDisabled      = errors.New("flash: facility disabled")
	ErrInvalidAmount         = errors.New("flash: amount must be positive")
	ErrInsufficientLiquidity = errors.New("flash: insufficient liquidity")
	ErrNestedLoan            = errors.New("flash: borrower already holds an outstanding loan")
	ErrLoanNotRepaid         = errors.New("flash: balance after callback below principal plus fee")
	ErrFeeTooHigh            = errors.New("flash: fee exceeds 100%")
)

var basisPoints = big.NewInt(10_000)

type engineState interface {
	GetConfig() (*Config, error)
	PutConfig(cfg *Config) error
	GetFees() (*FeeAccrual, error)
	PutFees(fees *FeeAccrual) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

// Config holds the admin-mutable facility parameters. It lives in ledger
// state so changes ride the same atomic units as everything else.
type Config struct {
	Enabled bool
	FeeBps  uint64
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	return &Config{Enabled: c.Enabled, FeeBps: c.FeeBps}
}

// FeeAccrual tracks the lifetime fees the facility has collected into the
// emission reserve.
type FeeAccrual struct {
	CollectedHRV *big.Int
}

// Clone returns a deep copy of the fee accrual record.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.CollectedHRV != nil {
		clone.CollectedHRV = new(big.Int).Set(f.CollectedHRV)
	}
	return clone
}

// Callback is the untrusted capability a borrower supplies. It runs while the
// loan is outstanding and may re-enter the ledger through the session that
// issued it. Returning an error aborts the unit.
type Callback interface {
	OnFlashLoan(borrower crypto.Address, amount, fee *big.Int) error
}

// Receipt reports a completed loan.
type Receipt struct {
	Amount *big.Int
	Fee    *big.Int
}

// Engine wraps the atomic borrow-and-callback unit and proves the repayment
// invariant: the module reserve after the callback must hold at least the
// reserve before it plus the fee. Rolling back on violation is the job of the
// surrounding unit of work; the engine's contract is to return an error
// without persisting a committed success.
type Engine struct {
	state         engineState
	moduleAddress crypto.Address
	pauses        nativecommon.PauseView

	mu          sync.Mutex
	outstanding map[string]struct{}
}

// NewEngine constructs a flash-loan engine lending out of the module
// reserve account.
func NewEngine(moduleAddr crypto.Address) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		outstanding:   make(map[string]struct{}),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the admin pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Configure replaces the facility parameters.
func (e *Engine) Configure(enabled bool, feeBps uint64) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if feeBps > 10_000 {
		return nil, ErrFeeTooHigh
	}
	cfg := &Config{Enabled: enabled, FeeBps: feeBps}
	if err := e.state.PutConfig(cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// ActiveConfig returns the current facility parameters.
func (e *Engine) ActiveConfig() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	cfg, err := e.state.GetConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg.Clone(), nil
}

// CollectedFees returns the lifetime fee total retained in the reserve.
func (e *Engine) CollectedFees() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	fees, err := e.ensureFees()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(fees.CollectedHRV), nil
}

// Execute runs one loan: transfer the principal to the borrower, hand
// control to the untrusted callback, then check that the reserve came back
// with the principal plus fee. One loan per borrower at a time; a nested
// request from inside the callback is rejected outright.
func (e *Engine) Execute(borrower crypto.Address, amount *big.Int, callback Callback) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	cfg, err := e.ActiveConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrFacilityDisabled
	}
	if cfg.FeeBps > 10_000 {
		return nil, ErrFeeTooHigh
	}

	key := string(borrower.Bytes())
	e.mu.Lock()
	if _, exists := e.outstanding[key]; exists {
		e.mu.Unlock()
		return nil, ErrNestedLoan
	}
	e.outstanding[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outstanding, key)
		e.mu.Unlock()
	}()

	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	balanceBefore := new(big.Int).Set(moduleAcc.BalanceHRV)
	if balanceBefore.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(cfg.FeeBps))
	fee.Quo(fee, basisPoints)

	borrowerAcc, err := e.loadAccount(borrower)
	if err != nil {
		return nil, err
	}
	moduleAcc.BalanceHRV = new(big.Int).Sub(moduleAcc.BalanceHRV, amount)
	borrowerAcc.BalanceHRV = new(big.Int).Add(borrowerAcc.BalanceHRV, amount)
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(borrower, borrowerAcc); err != nil {
		return nil, err
	}

	if callback == nil {
		return nil, ErrLoanNotRepaid
	}
	if err := callback.OnFlashLoan(borrower, new(big.Int).Set(amount), new(big.Int).Set(fee)); err != nil {
		return nil, fmt.Errorf("flash: callback: %w", err)
	}

	// The callback may have re-entered the ledger; reload the reserve.
	moduleAcc, err = e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(balanceBefore, fee)
	if moduleAcc.BalanceHRV.Cmp(required) < 0 {
		return nil, ErrLoanNotRepaid
	}

	if fee.Sign() > 0 {
		fees, err := e.ensureFees()
		if err != nil {
			return nil, err
		}
		fees.CollectedHRV = new(big.Int).Add(fees.CollectedHRV, fee)
		if err := e.state.PutFees(fees); err != nil {
			return nil, err
		}
	}

	return &Receipt{Amount: new(big.Int).Set(amount), Fee: fee}, nil
}

// WithdrawFees drains collected fees from the module reserve to the given
// address, capped by the accrual record. Passing nil withdraws everything.
func (e *Engine) WithdrawFees(to crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	fees, err := e.ensureFees()
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount = new(big.Int).Set(fees.CollectedHRV)
	}
	if amount.Sign() < 0 || amount.Cmp(fees.CollectedHRV) > 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	if moduleAcc.BalanceHRV.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	recipient, err := e.loadAccount(to)
	if err != nil {
		return nil, err
	}
	moduleAcc.BalanceHRV = new(big.Int).Sub(moduleAcc.BalanceHRV, amount)
	recipient.BalanceHRV = new(big.Int).Add(recipient.BalanceHRV, amount)
	fees.CollectedHRV = new(big.Int).Sub(fees.CollectedHRV, amount)
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(to, recipient); err != nil {
		return nil, err
	}
	if err := e.state.PutFees(fees); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func (e *Engine) ensureFees() (*FeeAccrual, error) {
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	if fees.CollectedHRV == nil {
		fees.CollectedHRV = big.NewInt(0)
	}
	return fees, nil
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
