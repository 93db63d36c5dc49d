package core

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"harvest/core/events"
	"harvest/core/types"
	"harvest/crypto"
	"harvest/native/farming"
	"harvest/native/flash"
	"harvest/native/oracle"
	"harvest/observability/metrics"
	"harvest/state"
	"harvest/storage"
)

var (
	// ErrInvalidConfig is returned when the node is constructed with
	// missing or clashing ledger addresses.
	ErrInvalidConfig = errors.New("core: invalid node config")
)

const defaultPageLimit = 100

// GenesisAccount seeds a ledger account on first boot.
type GenesisAccount struct {
	Address    crypto.Address
	BalanceHRV *big.Int
	Assets     map[string]*big.Int
}

// Config carries the ledger parameters the node applies to every unit.
type Config struct {
	Owner               crypto.Address
	ModuleAddress       crypto.Address
	TreasuryAddress     crypto.Address
	WithdrawInterval    uint64
	LiquidationBonusBps uint64
	EmergencyEnabled    bool
	EmergencyFeeBps     uint64
	Emission            farming.EmissionParams
	FlashEnabled        bool
	FlashFeeBps         uint64
	Oracle              oracle.Config
	Genesis             []GenesisAccount
}

// Node owns the atomic-unit boundary. Every operation runs against a
// copy-on-write overlay: engines mutate the overlay, and the unit either
// commits as one batch (bumping the logical height) or is discarded with no
// trace. Events are emitted only after a successful commit.
type Node struct {
	cfg     Config
	db      storage.Database
	mu      sync.Mutex
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.FarmMetrics
}

// NewNode constructs a node over the database and applies genesis state
// (emission schedule, owner, flash config, seeded accounts) on first boot.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.ModuleAddress.IsZero() || cfg.TreasuryAddress.IsZero() {
		return nil, ErrInvalidConfig
	}
	if cfg.ModuleAddress.Equal(cfg.TreasuryAddress) {
		return nil, ErrInvalidConfig
	}
	n := &Node{
		cfg:     cfg,
		db:      db,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: metrics.Farm(),
	}
	if err := n.bootstrap(); err != nil {
		return nil, err
	}
	return n, nil
}

// SetEmitter wires the event sink. A nil emitter restores the no-op sink.
func (n *Node) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// SetLogger replaces the node logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

func (n *Node) bootstrap() error {
	return n.runUnit(true, func(u *unit) error {
		global, err := u.mgr.GetGlobal()
		if err != nil {
			return err
		}
		if global != nil {
			// Already initialised; leave persisted state alone.
			return errNoopUnit
		}
		global = &farming.Global{Emission: n.cfg.Emission.Clone()}
		global.EnsureDefaults()
		if err := u.mgr.PutGlobal(global); err != nil {
			return err
		}
		if !n.cfg.Owner.IsZero() {
			if err := u.mgr.SetOwner(n.cfg.Owner); err != nil {
				return err
			}
		}
		if err := u.mgr.PutConfig(&flash.Config{Enabled: n.cfg.FlashEnabled, FeeBps: n.cfg.FlashFeeBps}); err != nil {
			return err
		}
		for _, seed := range n.cfg.Genesis {
			account := newAccount()
			if seed.BalanceHRV != nil {
				account.BalanceHRV = new(big.Int).Set(seed.BalanceHRV)
			}
			for symbol, amount := range seed.Assets {
				account.SetAssetBalance(symbol, amount)
			}
			if err := u.mgr.PutAccount(seed.Address, account); err != nil {
				return err
			}
		}
		return nil
	})
}

// errNoopUnit aborts a unit without surfacing an error to the caller.
var errNoopUnit = errors.New("core: unit is a no-op")

type unit struct {
	tx     *state.Transaction
	mgr    *state.Manager
	height uint64
	farm   *farming.Engine
	flash  *flash.Engine
	feed   *oracle.Feed
	events []events.Event
}

func (u *unit) emit(evt events.Event) {
	u.events = append(u.events, evt)
}

func (n *Node) beginUnit(mutating bool) (*unit, error) {
	tx := state.NewTransaction(n.db)
	mgr := state.NewManager(tx)
	height, err := mgr.Height()
	if err != nil {
		tx.Discard()
		return nil, err
	}
	if mutating {
		height++
	}

	feed := oracle.NewFeed(n.cfg.Oracle)
	feed.SetState(mgr)

	farm := farming.NewEngine(n.cfg.ModuleAddress, n.cfg.TreasuryAddress)
	farm.SetState(mgr)
	farm.SetHeight(height)
	farm.SetPauses(mgr)
	farm.SetWithdrawInterval(n.cfg.WithdrawInterval)
	farm.SetPriceFeed(feed)
	if err := farm.SetLiquidationBonus(n.cfg.LiquidationBonusBps); err != nil {
		tx.Discard()
		return nil, err
	}
	if err := farm.SetEmergencyPolicy(n.cfg.EmergencyEnabled, n.cfg.EmergencyFeeBps); err != nil {
		tx.Discard()
		return nil, err
	}

	fl := flash.NewEngine(n.cfg.ModuleAddress)
	fl.SetState(mgr)
	fl.SetPauses(mgr)

	return &unit{tx: tx, mgr: mgr, height: height, farm: farm, flash: fl, feed: feed}, nil
}

func (n *Node) runUnit(mutating bool, fn func(u *unit) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	u, err := n.beginUnit(mutating)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		u.tx.Discard()
		if errors.Is(err, errNoopUnit) {
			return nil
		}
		return err
	}
	if !mutating {
		u.tx.Discard()
		return nil
	}
	if err := u.mgr.SetHeight(u.height); err != nil {
		u.tx.Discard()
		return err
	}
	if err := u.tx.Commit(); err != nil {
		return err
	}
	for _, evt := range u.events {
		n.emitter.Emit(evt)
	}
	n.metrics.SetLedgerHeight(u.height)
	return nil
}

func newAccount() *types.Account {
	account := &types.Account{}
	account.EnsureDefaults()
	return account
}

func newOpRef() string { return uuid.NewString() }

// approxFloat narrows a ledger amount for gauge exports. Precision loss is
// acceptable for monitoring.
func approxFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// Height reports the committed ledger height.
func (n *Node) Height() (uint64, error) {
	var height uint64
	err := n.runUnit(false, func(u *unit) error {
		var err error
		height, err = u.mgr.Height()
		return err
	})
	return height, err
}

// GetPool returns a pool by identifier.
func (n *Node) GetPool(id uint64) (*farming.Pool, error) {
	var pool *farming.Pool
	err := n.runUnit(false, func(u *unit) error {
		var err error
		pool, err = u.mgr.GetPool(id)
		if err != nil {
			return err
		}
		if pool == nil {
			return farming.ErrInvalidPool
		}
		return nil
	})
	return pool, err
}

// GetPools returns a page of pools ordered by identifier.
func (n *Node) GetPools(offset, limit uint64) ([]*farming.Pool, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	var pools []*farming.Pool
	err := n.runUnit(false, func(u *unit) error {
		global, err := u.mgr.GetGlobal()
		if err != nil {
			return err
		}
		if global == nil {
			return nil
		}
		for id := offset; id < global.NextPoolID && uint64(len(pools)) < limit; id++ {
			pool, err := u.mgr.GetPool(id)
			if err != nil {
				return err
			}
			if pool != nil {
				pools = append(pools, pool)
			}
		}
		return nil
	})
	return pools, err
}

// GetPosition returns a staker's position, or nil when none exists.
func (n *Node) GetPosition(poolID uint64, addr crypto.Address) (*farming.Position, error) {
	var position *farming.Position
	err := n.runUnit(false, func(u *unit) error {
		var err error
		position, err = u.mgr.GetPosition(poolID, addr)
		return err
	})
	return position, err
}

// GetAccount returns a ledger account, or nil when the address is unknown.
func (n *Node) GetAccount(addr crypto.Address) (*types.Account, error) {
	var account *types.Account
	err := n.runUnit(false, func(u *unit) error {
		var err error
		account, err = u.mgr.GetAccount(addr)
		return err
	})
	return account, err
}

// PendingReward reports accrued-but-unpaid rewards without mutating state.
func (n *Node) PendingReward(poolID uint64, addr crypto.Address) (*big.Int, error) {
	var pending *big.Int
	err := n.runUnit(false, func(u *unit) error {
		var err error
		pending, err = u.farm.PendingReward(poolID, addr)
		return err
	})
	return pending, err
}

// OraclePrice reports the current bounds-checked median for a symbol.
func (n *Node) OraclePrice(symbol string) (*big.Int, error) {
	var price *big.Int
	err := n.runUnit(false, func(u *unit) error {
		var err error
		price, err = u.feed.Price(symbol, u.height)
		return err
	})
	return price, err
}

// FlashConfig reports the flash facility parameters.
func (n *Node) FlashConfig() (*flash.Config, error) {
	var cfg *flash.Config
	err := n.runUnit(false, func(u *unit) error {
		var err error
		cfg, err = u.flash.ActiveConfig()
		return err
	})
	return cfg, err
}

// FlashCollectedFees reports the accumulated flash fee pot.
func (n *Node) FlashCollectedFees() (*big.Int, error) {
	var fees *big.Int
	err := n.runUnit(false, func(u *unit) error {
		var err error
		fees, err = u.flash.CollectedFees()
		return err
	})
	return fees, err
}

// Deposit stakes into a pool, paying out any accrued rewards first. The
// returned reference identifies the committed operation in the event stream.
func (n *Node) Deposit(addr crypto.Address, poolID uint64, amount *big.Int) (*farming.DepositReceipt, string, error) {
	ref := newOpRef()
	var receipt *farming.DepositReceipt
	err := n.runUnit(true, func(u *unit) error {
		var err error
		receipt, err = u.farm.Deposit(addr, poolID, amount)
		if err != nil {
			return err
		}
		u.emit(events.FarmDeposited{Ref: ref, Account: addr, PoolID: poolID, Gross: receipt.Gross, Net: receipt.Net, Fee: receipt.Fee})
		if receipt.Reward != nil && receipt.Reward.Sign() > 0 {
			u.emit(events.FarmRewardPaid{Ref: ref, Account: addr, PoolID: poolID, Amount: receipt.Reward})
		}
		return nil
	})
	n.metrics.ObserveOp("deposit", err)
	if err != nil {
		return nil, "", err
	}
	n.metrics.ObserveRewardPaid(approxFloat(receipt.Reward))
	n.logger.Info("deposit committed", "ref", ref, "pool", poolID, "addr", addr.String())
	return receipt, ref, nil
}

// Withdraw unstakes from a pool. A zero amount harvests rewards only.
func (n *Node) Withdraw(addr crypto.Address, poolID uint64, amount *big.Int) (*farming.WithdrawReceipt, string, error) {
	ref := newOpRef()
	var receipt *farming.WithdrawReceipt
	err := n.runUnit(true, func(u *unit) error {
		var err error
		receipt, err = u.farm.Withdraw(addr, poolID, amount)
		if err != nil {
			return err
		}
		u.emit(events.FarmWithdrawn{Ref: ref, Account: addr, PoolID: poolID, Amount: receipt.Amount, Reward: receipt.Reward})
		if receipt.Reward != nil && receipt.Reward.Sign() > 0 {
			u.emit(events.FarmRewardPaid{Ref: ref, Account: addr, PoolID: poolID, Amount: receipt.Reward})
		}
		return nil
	})
	n.metrics.ObserveOp("withdraw", err)
	if err != nil {
		return nil, "", err
	}
	n.metrics.ObserveRewardPaid(approxFloat(receipt.Reward))
	n.logger.Info("withdraw committed", "ref", ref, "pool", poolID, "addr", addr.String())
	return receipt, ref, nil
}

// EmergencyWithdraw exits a position immediately, forfeiting rewards.
func (n *Node) EmergencyWithdraw(addr crypto.Address, poolID uint64) (*farming.EmergencyReceipt, string, error) {
	ref := newOpRef()
	var receipt *farming.EmergencyReceipt
	err := n.runUnit(true, func(u *unit) error {
		var err error
		receipt, err = u.farm.EmergencyWithdraw(addr, poolID)
		if err != nil {
			return err
		}
		u.emit(events.FarmEmergencyWithdrawn{Ref: ref, Account: addr, PoolID: poolID, Amount: receipt.Amount, Fee: receipt.Fee})
		return nil
	})
	n.metrics.ObserveOp("emergencyWithdraw", err)
	if err != nil {
		return nil, "", err
	}
	n.logger.Warn("emergency withdraw committed", "ref", ref, "pool", poolID, "addr", addr.String())
	return receipt, ref, nil
}

// Liquidate force-closes an underwater position. The caller earns the
// configured bonus share of the seized stake.
func (n *Node) Liquidate(liquidator, owner crypto.Address, poolID uint64) (*farming.LiquidateReceipt, string, error) {
	ref := newOpRef()
	var receipt *farming.LiquidateReceipt
	err := n.runUnit(true, func(u *unit) error {
		var err error
		receipt, err = u.farm.Liquidate(liquidator, owner, poolID)
		if err != nil {
			return err
		}
		u.emit(events.FarmLiquidated{Ref: ref, Account: owner, Liquidator: liquidator, PoolID: poolID, Seized: receipt.Seized, Bonus: receipt.Bonus})
		return nil
	})
	n.metrics.ObserveOp("liquidate", err)
	if err != nil {
		return nil, "", err
	}
	n.metrics.ObserveRewardPaid(approxFloat(receipt.Reward))
	n.logger.Warn("position liquidated", "ref", ref, "pool", poolID, "owner", owner.String(), "liquidator", liquidator.String())
	return receipt, ref, nil
}

// SettlePool brings one pool's accumulator up to the current height.
func (n *Node) SettlePool(poolID uint64) (*farming.Pool, error) {
	var pool *farming.Pool
	err := n.runUnit(true, func(u *unit) error {
		var err error
		pool, err = u.farm.Settle(poolID)
		if err != nil {
			return err
		}
		u.emit(events.FarmPoolSettled{PoolID: poolID, Height: u.height, AccRewardPerShare: pool.AccRewardPerShare})
		return nil
	})
	n.metrics.ObserveOp("settlePool", err)
	if err != nil {
		return nil, err
	}
	n.metrics.ObservePoolSettled()
	n.metrics.SetTotalStaked(pool.ID, approxFloat(pool.TotalStaked))
	return pool, nil
}

// SettlePools settles a bounded page of pools and reports how many were
// brought current.
func (n *Node) SettlePools(offset, limit uint64) (uint64, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	var settled uint64
	err := n.runUnit(true, func(u *unit) error {
		var err error
		settled, err = u.farm.SettleRange(offset, limit)
		return err
	})
	n.metrics.ObserveOp("settlePools", err)
	if err != nil {
		return 0, err
	}
	return settled, nil
}

// Borrower consumes a flash loan. UseLoan runs inside the loan's atomic
// unit with the principal already credited; by the time it returns, the
// module reserve must hold the principal plus fee or the unit rolls back.
type Borrower interface {
	UseLoan(session *Session, amount, fee *big.Int) error
}

// Session is the ledger surface handed to flash-loan borrowers. It operates
// on the same unit as the loan, so borrower actions commit or roll back
// together with the loan itself.
type Session struct {
	node *Node
	unit *unit
}

// Deposit stakes within the current unit.
func (s *Session) Deposit(addr crypto.Address, poolID uint64, amount *big.Int) (*farming.DepositReceipt, error) {
	return s.unit.farm.Deposit(addr, poolID, amount)
}

// Withdraw unstakes within the current unit.
func (s *Session) Withdraw(addr crypto.Address, poolID uint64, amount *big.Int) (*farming.WithdrawReceipt, error) {
	return s.unit.farm.Withdraw(addr, poolID, amount)
}

// PendingReward reads accrued rewards within the current unit.
func (s *Session) PendingReward(poolID uint64, addr crypto.Address) (*big.Int, error) {
	return s.unit.farm.PendingReward(poolID, addr)
}

// Account reads a ledger account within the current unit.
func (s *Session) Account(addr crypto.Address) (*types.Account, error) {
	account, err := s.unit.mgr.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = newAccount()
	}
	account.EnsureDefaults()
	return account, nil
}

// Transfer moves reward-token balance between accounts within the current
// unit. Borrowers use it to route repayment back to the module reserve.
func (s *Session) Transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return farming.ErrInvalidAmount
	}
	sender, err := s.Account(from)
	if err != nil {
		return err
	}
	if sender.BalanceHRV.Cmp(amount) < 0 {
		return farming.ErrInsufficientFunds
	}
	recipient, err := s.Account(to)
	if err != nil {
		return err
	}
	sender.BalanceHRV = new(big.Int).Sub(sender.BalanceHRV, amount)
	recipient.BalanceHRV = new(big.Int).Add(recipient.BalanceHRV, amount)
	if err := s.unit.mgr.PutAccount(from, sender); err != nil {
		return err
	}
	return s.unit.mgr.PutAccount(to, recipient)
}

// ModuleAddress reports where loan repayments are due.
func (s *Session) ModuleAddress() crypto.Address { return s.node.cfg.ModuleAddress }

// FlashLoan requests a second loan inside the unit. Nested loans for the
// same borrower are rejected by the facility.
func (s *Session) FlashLoan(borrower crypto.Address, amount *big.Int, b Borrower) (*flash.Receipt, error) {
	return s.unit.flash.Execute(borrower, amount, &borrowerAdapter{session: s, borrower: b})
}

type borrowerAdapter struct {
	session  *Session
	borrower Borrower
}

func (a *borrowerAdapter) OnFlashLoan(_ crypto.Address, amount, fee *big.Int) error {
	if a.borrower == nil {
		return flash.ErrLoanNotRepaid
	}
	return a.borrower.UseLoan(a.session, amount, fee)
}

// FlashLoan executes one loan as its own atomic unit. On any failure,
// including an unrepaid loan or a misbehaving borrower, the unit is
// discarded and ledger state is untouched.
func (n *Node) FlashLoan(borrower crypto.Address, amount *big.Int, b Borrower) (*flash.Receipt, string, error) {
	ref := newOpRef()
	var receipt *flash.Receipt
	err := n.runUnit(true, func(u *unit) error {
		session := &Session{node: n, unit: u}
		var err error
		receipt, err = u.flash.Execute(borrower, amount, &borrowerAdapter{session: session, borrower: b})
		if err != nil {
			return err
		}
		u.emit(events.FlashLoanExecuted{Ref: ref, Borrower: borrower, Amount: receipt.Amount, Fee: receipt.Fee})
		return nil
	})
	if err != nil {
		n.metrics.ObserveFlashLoan("rejected", 0)
		n.emitter.Emit(events.FlashLoanRejected{Ref: ref, Borrower: borrower, Amount: amount, Reason: err.Error()})
		return nil, "", err
	}
	n.metrics.ObserveFlashLoan("executed", approxFloat(receipt.Fee))
	n.logger.Info("flash loan committed", "ref", ref, "borrower", borrower.String())
	return receipt, ref, nil
}
