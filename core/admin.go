package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"harvest/core/events"
	"harvest/crypto"
	"harvest/native/farming"
	"harvest/native/flash"
)

// Restricted method names covered by admin envelopes. The signed digest
// binds the envelope to one of these, so a captured signature cannot be
// replayed against a different method.
const (
	MethodAddPool             = "farm_addPool"
	MethodSetPool             = "farm_setPool"
	MethodSetEmission         = "farm_setEmission"
	MethodSetLiquidationPrice = "farm_setLiquidationPrice"
	MethodSetAuthorizedCaller = "farm_setAuthorizedCaller"
	MethodSetPaused           = "farm_setPaused"
	MethodSetFlashConfig      = "flash_setConfig"
	MethodWithdrawFlashFees   = "flash_withdrawFees"
	MethodSubmitPrice         = "oracle_submitPrice"
)

// ErrMethodMismatch is returned when an envelope is presented to a
// different method than the one it signs.
var ErrMethodMismatch = errors.New("core: envelope method mismatch")

// AddPoolParams creates a staking pool.
type AddPoolParams struct {
	AssetSymbol      string `json:"assetSymbol"`
	AllocWeight      uint64 `json:"allocWeight"`
	DepositFeeBps    uint64 `json:"depositFeeBps"`
	LiquidationPrice string `json:"liquidationPrice,omitempty"`
}

// SetPoolParams adjusts a pool's weight, fee, and active flag.
type SetPoolParams struct {
	PoolID        uint64 `json:"poolId"`
	AllocWeight   uint64 `json:"allocWeight"`
	DepositFeeBps uint64 `json:"depositFeeBps"`
	Active        bool   `json:"active"`
}

// SetEmissionParams changes the per-block reward rate.
type SetEmissionParams struct {
	RewardPerBlock string `json:"rewardPerBlock"`
}

// SetLiquidationPriceParams changes a pool's liquidation threshold.
type SetLiquidationPriceParams struct {
	PoolID uint64 `json:"poolId"`
	Price  string `json:"price"`
}

// SetAuthorizedCallerParams grants or revokes a restricted caller.
type SetAuthorizedCallerParams struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

// SetPausedParams flips a module pause switch.
type SetPausedParams struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

// SetFlashConfigParams updates the flash facility parameters.
type SetFlashConfigParams struct {
	Enabled bool   `json:"enabled"`
	FeeBps  uint64 `json:"feeBps"`
}

// WithdrawFlashFeesParams drains the flash fee pot to the treasury. An
// empty amount withdraws everything.
type WithdrawFlashFeesParams struct {
	Amount string `json:"amount,omitempty"`
}

// SubmitPriceParams records an oracle observation. The signer is the source.
type SubmitPriceParams struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func decodeParams(env AdminEnvelope, method string, out interface{}) error {
	if env.Method != method {
		return ErrMethodMismatch
	}
	if len(env.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Params, out); err != nil {
		return fmt.Errorf("core: decode %s params: %w", method, err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, farming.ErrInvalidAmount
	}
	return value, nil
}

// AddPool creates a pool through a signed admin envelope.
func (n *Node) AddPool(env AdminEnvelope) (*farming.Pool, error) {
	var params AddPoolParams
	if err := decodeParams(env, MethodAddPool, &params); err != nil {
		return nil, err
	}
	liqPrice, err := parseAmount(params.LiquidationPrice)
	if err != nil {
		return nil, err
	}
	ref := newOpRef()
	var pool *farming.Pool
	err = n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		var err error
		pool, err = u.farm.AddPool(params.AssetSymbol, params.AllocWeight, params.DepositFeeBps, liqPrice)
		if err != nil {
			return err
		}
		u.emit(events.FarmPoolAdded{Ref: ref, PoolID: pool.ID, AssetSymbol: pool.AssetSymbol, AllocWeight: pool.AllocWeight})
		return nil
	})
	n.metrics.ObserveOp("addPool", err)
	if err != nil {
		return nil, err
	}
	n.logger.Info("pool added", "ref", ref, "pool", pool.ID, "asset", pool.AssetSymbol)
	return pool, nil
}

// SetPool adjusts pool parameters through a signed admin envelope.
func (n *Node) SetPool(env AdminEnvelope) (*farming.Pool, error) {
	var params SetPoolParams
	if err := decodeParams(env, MethodSetPool, &params); err != nil {
		return nil, err
	}
	ref := newOpRef()
	var pool *farming.Pool
	err := n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		var err error
		pool, err = u.farm.UpdatePool(params.PoolID, params.AllocWeight, params.DepositFeeBps, params.Active)
		if err != nil {
			return err
		}
		u.emit(events.FarmPoolUpdated{Ref: ref, PoolID: pool.ID, AllocWeight: pool.AllocWeight, DepositFee: pool.DepositFeeBps, Active: pool.Active})
		return nil
	})
	n.metrics.ObserveOp("setPool", err)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// SetEmission changes the reward rate through a signed admin envelope. All
// pools are settled under the outgoing rate inside the same unit.
func (n *Node) SetEmission(env AdminEnvelope) error {
	var params SetEmissionParams
	if err := decodeParams(env, MethodSetEmission, &params); err != nil {
		return err
	}
	rate, err := parseAmount(params.RewardPerBlock)
	if err != nil {
		return err
	}
	if rate == nil {
		return farming.ErrInvalidAmount
	}
	ref := newOpRef()
	err = n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		if err := u.farm.SetEmission(rate); err != nil {
			return err
		}
		u.emit(events.FarmEmissionUpdated{Ref: ref, RewardPerBlock: rate})
		return nil
	})
	n.metrics.ObserveOp("setEmission", err)
	return err
}

// SetLiquidationPrice changes a pool's liquidation threshold through a
// signed admin envelope.
func (n *Node) SetLiquidationPrice(env AdminEnvelope) error {
	var params SetLiquidationPriceParams
	if err := decodeParams(env, MethodSetLiquidationPrice, &params); err != nil {
		return err
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		return err
	}
	err = n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		return u.farm.SetLiquidationPrice(params.PoolID, price)
	})
	n.metrics.ObserveOp("setLiquidationPrice", err)
	return err
}

// SetAuthorizedCaller grants or revokes the restricted surface for an
// address through a signed admin envelope.
func (n *Node) SetAuthorizedCaller(env AdminEnvelope) error {
	var params SetAuthorizedCallerParams
	if err := decodeParams(env, MethodSetAuthorizedCaller, &params); err != nil {
		return err
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		return err
	}
	err = n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		return u.mgr.SetAuthorizedCaller(addr, params.Allowed)
	})
	n.metrics.ObserveOp("setAuthorizedCaller", err)
	return err
}

// SetPaused flips a module pause switch through a signed admin envelope.
func (n *Node) SetPaused(env AdminEnvelope) error {
	var params SetPausedParams
	if err := decodeParams(env, MethodSetPaused, &params); err != nil {
		return err
	}
	if params.Module == "" {
		return farming.ErrInvalidAmount
	}
	err := n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		return u.mgr.SetPaused(params.Module, params.Paused)
	})
	n.metrics.ObserveOp("setPaused", err)
	return err
}

// SetFlashConfig updates the flash facility through a signed admin envelope.
func (n *Node) SetFlashConfig(env AdminEnvelope) (*flash.Config, error) {
	var params SetFlashConfigParams
	if err := decodeParams(env, MethodSetFlashConfig, &params); err != nil {
		return nil, err
	}
	ref := newOpRef()
	var cfg *flash.Config
	err := n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		var err error
		cfg, err = u.flash.Configure(params.Enabled, params.FeeBps)
		if err != nil {
			return err
		}
		u.emit(events.FlashConfigUpdated{Ref: ref, Enabled: cfg.Enabled, FeeBps: cfg.FeeBps})
		return nil
	})
	n.metrics.ObserveOp("setFlashConfig", err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithdrawFlashFees drains the flash fee pot to the treasury account
// through a signed admin envelope.
func (n *Node) WithdrawFlashFees(env AdminEnvelope) (*big.Int, error) {
	var params WithdrawFlashFeesParams
	if err := decodeParams(env, MethodWithdrawFlashFees, &params); err != nil {
		return nil, err
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, err
	}
	var drained *big.Int
	err = n.runUnit(true, func(u *unit) error {
		if _, err := verifyAdmin(u.mgr, env); err != nil {
			return err
		}
		var err error
		drained, err = u.flash.WithdrawFees(n.cfg.TreasuryAddress, amount)
		return err
	})
	n.metrics.ObserveOp("withdrawFlashFees", err)
	if err != nil {
		return nil, err
	}
	return drained, nil
}

// SubmitPrice records an oracle observation through a signed admin
// envelope. The signer address doubles as the feed source, so each
// authorized caller contributes at most one quote per symbol.
func (n *Node) SubmitPrice(env AdminEnvelope) error {
	var params SubmitPriceParams
	if err := decodeParams(env, MethodSubmitPrice, &params); err != nil {
		return err
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		return err
	}
	err = n.runUnit(true, func(u *unit) error {
		signer, err := verifyAdmin(u.mgr, env)
		if err != nil {
			return err
		}
		return u.feed.Submit(signer.String(), params.Symbol, price, u.height)
	})
	n.metrics.ObserveOp("submitPrice", err)
	return err
}
