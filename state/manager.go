package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"harvest/core/types"
	"harvest/crypto"
	"harvest/native/farming"
	"harvest/native/flash"
	"harvest/native/oracle"
	"harvest/storage"
)

const (
	farmGlobalKey         = "farm/global"
	farmPoolKeyFormat     = "farm/pool/%020d"
	farmPositionKeyFormat = "farm/position/%020d/%x"
	accountKeyFormat      = "account/%x"
	flashConfigKey        = "flash/config"
	flashFeesKey          = "flash/fees"
	oracleQuoteKeyFormat  = "oracle/quote/%s/%s"
	oracleIndexKeyFormat  = "oracle/sources/%s"
	gateOwnerKey          = "gate/owner"
	gateCallersKey        = "gate/callers"
	gatePausedKeyFormat   = "gate/paused/%s"
	heightKey             = "node/height"
)

// Manager maps the module engines' state interfaces onto a key-value store.
// It carries no caches of its own: handing it a Transaction scopes every
// read and write to that overlay, handing it the database reads committed
// state directly.
type Manager struct {
	kv KV
}

// NewManager constructs a manager over the supplied key-value view.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv}
}

func (m *Manager) get(key string, out interface{}) (bool, error) {
	if m == nil || m.kv == nil {
		return false, errors.New("state: manager not initialised")
	}
	data, err := m.kv.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) put(key string, value interface{}) error {
	if m == nil || m.kv == nil {
		return errors.New("state: manager not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.kv.Put([]byte(key), encoded)
}

func bigFromBytes(b []byte) *big.Int {
	if len(b) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(b)
}

func bigToBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

type storedGlobal struct {
	RewardPerBlock   []byte
	StartBlock       uint64
	BonusEndBlock    uint64
	BonusMultiplier  uint64
	TotalAllocWeight uint64
	NextPoolID       uint64
}

// GetGlobal loads the farming global record, or nil when unset.
func (m *Manager) GetGlobal() (*farming.Global, error) {
	var stored storedGlobal
	ok, err := m.get(farmGlobalKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &farming.Global{
		Emission: farming.EmissionParams{
			RewardPerBlock:  bigFromBytes(stored.RewardPerBlock),
			StartBlock:      stored.StartBlock,
			BonusEndBlock:   stored.BonusEndBlock,
			BonusMultiplier: stored.BonusMultiplier,
		},
		TotalAllocWeight: stored.TotalAllocWeight,
		NextPoolID:       stored.NextPoolID,
	}, nil
}

// PutGlobal persists the farming global record.
func (m *Manager) PutGlobal(global *farming.Global) error {
	if global == nil {
		return errors.New("state: nil global")
	}
	return m.put(farmGlobalKey, storedGlobal{
		RewardPerBlock:   bigToBytes(global.Emission.RewardPerBlock),
		StartBlock:       global.Emission.StartBlock,
		BonusEndBlock:    global.Emission.BonusEndBlock,
		BonusMultiplier:  global.Emission.BonusMultiplier,
		TotalAllocWeight: global.TotalAllocWeight,
		NextPoolID:       global.NextPoolID,
	})
}

type storedPool struct {
	ID                uint64
	AssetSymbol       string
	AllocWeight       uint64
	LastSettledBlock  uint64
	AccRewardPerShare []byte
	DepositFeeBps     uint64
	TotalStaked       []byte
	LiquidationPrice  []byte
	Active            bool
}

// GetPool loads a pool by identifier, or nil when absent.
func (m *Manager) GetPool(id uint64) (*farming.Pool, error) {
	var stored storedPool
	ok, err := m.get(fmt.Sprintf(farmPoolKeyFormat, id), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &farming.Pool{
		ID:                stored.ID,
		AssetSymbol:       stored.AssetSymbol,
		AllocWeight:       stored.AllocWeight,
		LastSettledBlock:  stored.LastSettledBlock,
		AccRewardPerShare: bigFromBytes(stored.AccRewardPerShare),
		DepositFeeBps:     stored.DepositFeeBps,
		TotalStaked:       bigFromBytes(stored.TotalStaked),
		LiquidationPrice:  bigFromBytes(stored.LiquidationPrice),
		Active:            stored.Active,
	}, nil
}

// PutPool persists a pool record.
func (m *Manager) PutPool(pool *farming.Pool) error {
	if pool == nil {
		return errors.New("state: nil pool")
	}
	return m.put(fmt.Sprintf(farmPoolKeyFormat, pool.ID), storedPool{
		ID:                pool.ID,
		AssetSymbol:       pool.AssetSymbol,
		AllocWeight:       pool.AllocWeight,
		LastSettledBlock:  pool.LastSettledBlock,
		AccRewardPerShare: bigToBytes(pool.AccRewardPerShare),
		DepositFeeBps:     pool.DepositFeeBps,
		TotalStaked:       bigToBytes(pool.TotalStaked),
		LiquidationPrice:  bigToBytes(pool.LiquidationPrice),
		Active:            pool.Active,
	})
}

type storedPosition struct {
	Address          []byte
	Amount           []byte
	RewardDebt       []byte
	PendingWithdrawn []byte
	LastActionBlock  uint64
}

// GetPosition loads a staker's position in a pool, or nil when absent.
func (m *Manager) GetPosition(poolID uint64, addr crypto.Address) (*farming.Position, error) {
	var stored storedPosition
	ok, err := m.get(fmt.Sprintf(farmPositionKeyFormat, poolID, addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	decoded, err := crypto.NewAddress(crypto.HRVPrefix, stored.Address)
	if err != nil {
		return nil, fmt.Errorf("state: position address: %w", err)
	}
	return &farming.Position{
		Address:          decoded,
		Amount:           bigFromBytes(stored.Amount),
		RewardDebt:       bigFromBytes(stored.RewardDebt),
		PendingWithdrawn: bigFromBytes(stored.PendingWithdrawn),
		LastActionBlock:  stored.LastActionBlock,
	}, nil
}

// PutPosition persists a staker's position in a pool.
func (m *Manager) PutPosition(poolID uint64, position *farming.Position) error {
	if position == nil {
		return errors.New("state: nil position")
	}
	return m.put(fmt.Sprintf(farmPositionKeyFormat, poolID, position.Address.Bytes()), storedPosition{
		Address:          position.Address.Bytes(),
		Amount:           bigToBytes(position.Amount),
		RewardDebt:       bigToBytes(position.RewardDebt),
		PendingWithdrawn: bigToBytes(position.PendingWithdrawn),
		LastActionBlock:  position.LastActionBlock,
	})
}

type storedAssetBalance struct {
	Symbol string
	Amount []byte
}

type storedAccount struct {
	Nonce      uint64
	BalanceHRV []byte
	Assets     []storedAssetBalance
}

// GetAccount loads a ledger account, or nil when the address has no record.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.get(fmt.Sprintf(accountKeyFormat, addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	account := &types.Account{
		Nonce:      stored.Nonce,
		BalanceHRV: bigFromBytes(stored.BalanceHRV),
	}
	for _, asset := range stored.Assets {
		account.SetAssetBalance(asset.Symbol, bigFromBytes(asset.Amount))
	}
	return account, nil
}

// PutAccount persists a ledger account.
func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return errors.New("state: nil account")
	}
	stored := storedAccount{
		Nonce:      account.Nonce,
		BalanceHRV: bigToBytes(account.BalanceHRV),
	}
	for _, asset := range account.Assets {
		stored.Assets = append(stored.Assets, storedAssetBalance{
			Symbol: asset.Symbol,
			Amount: bigToBytes(asset.Amount),
		})
	}
	return m.put(fmt.Sprintf(accountKeyFormat, addr.Bytes()), stored)
}

type storedFlashConfig struct {
	Enabled bool
	FeeBps  uint64
}

// GetConfig loads the flash-loan facility config, or nil when unset.
func (m *Manager) GetConfig() (*flash.Config, error) {
	var stored storedFlashConfig
	ok, err := m.get(flashConfigKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &flash.Config{Enabled: stored.Enabled, FeeBps: stored.FeeBps}, nil
}

// PutConfig persists the flash-loan facility config.
func (m *Manager) PutConfig(cfg *flash.Config) error {
	if cfg == nil {
		return errors.New("state: nil flash config")
	}
	return m.put(flashConfigKey, storedFlashConfig{Enabled: cfg.Enabled, FeeBps: cfg.FeeBps})
}

type storedFlashFees struct {
	CollectedHRV []byte
}

// GetFees loads the flash-loan fee accrual record, or nil when unset.
func (m *Manager) GetFees() (*flash.FeeAccrual, error) {
	var stored storedFlashFees
	ok, err := m.get(flashFeesKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &flash.FeeAccrual{CollectedHRV: bigFromBytes(stored.CollectedHRV)}, nil
}

// PutFees persists the flash-loan fee accrual record.
func (m *Manager) PutFees(fees *flash.FeeAccrual) error {
	if fees == nil {
		return errors.New("state: nil flash fees")
	}
	return m.put(flashFeesKey, storedFlashFees{CollectedHRV: bigToBytes(fees.CollectedHRV)})
}

type storedQuote struct {
	Source string
	Price  []byte
	Height uint64
}

// GetQuote loads one source's latest observation for a symbol.
func (m *Manager) GetQuote(symbol, source string) (*oracle.Quote, error) {
	var stored storedQuote
	ok, err := m.get(fmt.Sprintf(oracleQuoteKeyFormat, symbol, source), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &oracle.Quote{Source: stored.Source, Price: bigFromBytes(stored.Price), Height: stored.Height}, nil
}

// PutQuote persists a source's observation and keeps the per-symbol source
// index current.
func (m *Manager) PutQuote(symbol string, quote *oracle.Quote) error {
	if quote == nil {
		return errors.New("state: nil quote")
	}
	if err := m.put(fmt.Sprintf(oracleQuoteKeyFormat, symbol, quote.Source), storedQuote{
		Source: quote.Source,
		Price:  bigToBytes(quote.Price),
		Height: quote.Height,
	}); err != nil {
		return err
	}
	var sources []string
	if _, err := m.get(fmt.Sprintf(oracleIndexKeyFormat, symbol), &sources); err != nil {
		return err
	}
	for _, existing := range sources {
		if existing == quote.Source {
			return nil
		}
	}
	sources = append(sources, quote.Source)
	sort.Strings(sources)
	return m.put(fmt.Sprintf(oracleIndexKeyFormat, symbol), sources)
}

// ListQuotes returns every recorded observation for a symbol.
func (m *Manager) ListQuotes(symbol string) ([]*oracle.Quote, error) {
	var sources []string
	if _, err := m.get(fmt.Sprintf(oracleIndexKeyFormat, symbol), &sources); err != nil {
		return nil, err
	}
	quotes := make([]*oracle.Quote, 0, len(sources))
	for _, source := range sources {
		quote, err := m.GetQuote(symbol, source)
		if err != nil {
			return nil, err
		}
		if quote != nil {
			quotes = append(quotes, quote)
		}
	}
	return quotes, nil
}

// Owner loads the admin owner address. A zero address means ownership was
// never initialised.
func (m *Manager) Owner() (crypto.Address, error) {
	var raw []byte
	ok, err := m.get(gateOwnerKey, &raw)
	if err != nil || !ok {
		return crypto.Address{}, err
	}
	return crypto.NewAddress(crypto.HRVPrefix, raw)
}

// SetOwner persists the admin owner address.
func (m *Manager) SetOwner(addr crypto.Address) error {
	return m.put(gateOwnerKey, addr.Bytes())
}

// AuthorizedCallers returns the addresses allowed to drive restricted
// operations besides the owner.
func (m *Manager) AuthorizedCallers() ([]crypto.Address, error) {
	var raw [][]byte
	if _, err := m.get(gateCallersKey, &raw); err != nil {
		return nil, err
	}
	callers := make([]crypto.Address, 0, len(raw))
	for _, b := range raw {
		addr, err := crypto.NewAddress(crypto.HRVPrefix, b)
		if err != nil {
			return nil, fmt.Errorf("state: caller address: %w", err)
		}
		callers = append(callers, addr)
	}
	return callers, nil
}

// SetAuthorizedCaller grants or revokes a caller on the restricted surface.
func (m *Manager) SetAuthorizedCaller(addr crypto.Address, allowed bool) error {
	callers, err := m.AuthorizedCallers()
	if err != nil {
		return err
	}
	raw := make([][]byte, 0, len(callers)+1)
	for _, existing := range callers {
		if existing.Equal(addr) {
			continue
		}
		raw = append(raw, existing.Bytes())
	}
	if allowed {
		raw = append(raw, addr.Bytes())
	}
	sort.Slice(raw, func(i, j int) bool { return string(raw[i]) < string(raw[j]) })
	return m.put(gateCallersKey, raw)
}

// SetPaused flips the pause switch for a module.
func (m *Manager) SetPaused(module string, paused bool) error {
	key := fmt.Sprintf(gatePausedKeyFormat, module)
	if !paused {
		if m == nil || m.kv == nil {
			return errors.New("state: manager not initialised")
		}
		return m.kv.Delete([]byte(key))
	}
	return m.put(key, true)
}

// IsPaused reports whether a module's pause switch is set. Read failures are
// treated as paused so a corrupted switch fails closed.
func (m *Manager) IsPaused(module string) bool {
	var paused bool
	ok, err := m.get(fmt.Sprintf(gatePausedKeyFormat, module), &paused)
	if err != nil {
		return true
	}
	return ok && paused
}

// Height loads the ledger height counter.
func (m *Manager) Height() (uint64, error) {
	var height uint64
	if _, err := m.get(heightKey, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SetHeight persists the ledger height counter.
func (m *Manager) SetHeight(height uint64) error {
	return m.put(heightKey, height)
}
