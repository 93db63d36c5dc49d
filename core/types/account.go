package types

import (
	"math/big"
	"sort"
)

// AssetBalance pairs a staked-asset symbol with the amount the account holds.
// Balances are kept sorted by symbol so encodings stay deterministic.
type AssetBalance struct {
	Symbol string   `json:"symbol"`
	Amount *big.Int `json:"amount"`
}

// Account is one ledger participant. BalanceHRV is the emission-token balance;
// Assets holds staked-asset balances keyed by symbol. Nonce increments once
// per authorized admin mutation and guards against signature replay.
type Account struct {
	Nonce      uint64         `json:"nonce"`
	BalanceHRV *big.Int       `json:"balanceHRV"`
	Assets     []AssetBalance `json:"assets,omitempty"`
}

// EnsureDefaults normalises nil amounts so arithmetic never trips on a
// freshly decoded account.
func (a *Account) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.BalanceHRV == nil {
		a.BalanceHRV = big.NewInt(0)
	}
	for i := range a.Assets {
		if a.Assets[i].Amount == nil {
			a.Assets[i].Amount = big.NewInt(0)
		}
	}
}

// AssetBalance returns the balance held for the symbol, zero when absent.
func (a *Account) AssetBalance(symbol string) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	for i := range a.Assets {
		if a.Assets[i].Symbol == symbol {
			if a.Assets[i].Amount == nil {
				return big.NewInt(0)
			}
			return new(big.Int).Set(a.Assets[i].Amount)
		}
	}
	return big.NewInt(0)
}

// SetAssetBalance stores the balance for the symbol, keeping the slice sorted.
func (a *Account) SetAssetBalance(symbol string, amount *big.Int) {
	if a == nil {
		return
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	for i := range a.Assets {
		if a.Assets[i].Symbol == symbol {
			a.Assets[i].Amount = new(big.Int).Set(amount)
			return
		}
	}
	a.Assets = append(a.Assets, AssetBalance{Symbol: symbol, Amount: new(big.Int).Set(amount)})
	sort.Slice(a.Assets, func(i, j int) bool { return a.Assets[i].Symbol < a.Assets[j].Symbol })
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceHRV != nil {
		clone.BalanceHRV = new(big.Int).Set(a.BalanceHRV)
	}
	if len(a.Assets) > 0 {
		clone.Assets = make([]AssetBalance, len(a.Assets))
		for i, asset := range a.Assets {
			clone.Assets[i] = AssetBalance{Symbol: asset.Symbol}
			if asset.Amount != nil {
				clone.Assets[i].Amount = new(big.Int).Set(asset.Amount)
			}
		}
	}
	return clone
}
