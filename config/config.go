package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"harvest/core"
	"harvest/crypto"
	"harvest/gateway"
	"harvest/native/farming"
	"harvest/native/oracle"
)

// Config is the root of harvestd's TOML configuration.
type Config struct {
	Node     Node      `toml:"node"`
	Emission Emission  `toml:"emission"`
	Flash    Flash     `toml:"flash"`
	Oracle   Oracle    `toml:"oracle"`
	RPC      RPC       `toml:"rpc"`
	Gateway  Gateway   `toml:"gateway"`
	Genesis  []Account `toml:"genesis"`
}

// Node configures the ledger node identity and policies.
type Node struct {
	DataDir             string `toml:"data_dir"`
	Environment         string `toml:"environment"`
	Owner               string `toml:"owner"`
	ModuleAddress       string `toml:"module_address"`
	TreasuryAddress     string `toml:"treasury_address"`
	WithdrawInterval    uint64 `toml:"withdraw_interval"`
	LiquidationBonusBps uint64 `toml:"liquidation_bonus_bps"`
	EmergencyEnabled    bool   `toml:"emergency_enabled"`
	EmergencyFeeBps     uint64 `toml:"emergency_fee_bps"`
}

// Emission configures the reward schedule.
type Emission struct {
	RewardPerBlock  string `toml:"reward_per_block"`
	StartBlock      uint64 `toml:"start_block"`
	BonusEndBlock   uint64 `toml:"bonus_end_block"`
	BonusMultiplier uint64 `toml:"bonus_multiplier"`
}

// Flash configures the flash-loan facility.
type Flash struct {
	Enabled bool   `toml:"enabled"`
	FeeBps  uint64 `toml:"fee_bps"`
}

// Oracle configures feed tolerances.
type Oracle struct {
	MaxAgeBlocks    uint64 `toml:"max_age_blocks"`
	MaxDeviationBps uint64 `toml:"max_deviation_bps"`
	MinSources      uint64 `toml:"min_sources"`
}

// RPC configures the JSON-RPC listener.
type RPC struct {
	Listen            string  `toml:"listen"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Gateway configures the REST listener.
type Gateway struct {
	Listen            string  `toml:"listen"`
	MetricsListen     string  `toml:"metrics_listen"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	JWTEnabled        bool    `toml:"jwt_enabled"`
	JWTSecret         string  `toml:"jwt_secret"`
	JWTIssuer         string  `toml:"jwt_issuer"`
	JWTAudience       string  `toml:"jwt_audience"`
	JWTClockSkewSec   int64   `toml:"jwt_clock_skew_seconds"`
}

// Account seeds a balance at genesis.
type Account struct {
	Address    string            `toml:"address"`
	BalanceHRV string            `toml:"balance_hrv"`
	Assets     map[string]string `toml:"assets"`
}

// Default returns the baseline configuration applied before the file.
func Default() Config {
	return Config{
		Node: Node{
			DataDir:          "./harvest-data",
			Environment:      "dev",
			WithdrawInterval: 0,
		},
		Emission: Emission{
			RewardPerBlock:  "0",
			BonusMultiplier: 1,
		},
		Flash: Flash{
			Enabled: false,
			FeeBps:  9,
		},
		Oracle: Oracle{
			MaxAgeBlocks:    100,
			MaxDeviationBps: 1000,
			MinSources:      1,
		},
		RPC: RPC{
			Listen:            ":8645",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Gateway: Gateway{
			Listen:            ":8080",
			MetricsListen:     ":9090",
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads the file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks bounds and orderings before the node boots.
func (c Config) Validate() error {
	if c.Node.ModuleAddress != "" {
		if _, err := crypto.DecodeAddress(c.Node.ModuleAddress); err != nil {
			return fmt.Errorf("config: module address: %w", err)
		}
	}
	if c.Node.TreasuryAddress != "" {
		if _, err := crypto.DecodeAddress(c.Node.TreasuryAddress); err != nil {
			return fmt.Errorf("config: treasury address: %w", err)
		}
	}
	if c.Node.Owner != "" {
		if _, err := crypto.DecodeAddress(c.Node.Owner); err != nil {
			return fmt.Errorf("config: owner address: %w", err)
		}
	}
	if c.Node.LiquidationBonusBps > 10_000 {
		return errors.New("config: liquidation bonus exceeds 10000 bps")
	}
	if c.Node.EmergencyFeeBps > 10_000 {
		return errors.New("config: emergency fee exceeds 10000 bps")
	}
	if c.Flash.FeeBps > 10_000 {
		return errors.New("config: flash fee exceeds 10000 bps")
	}
	if c.Emission.BonusEndBlock != 0 && c.Emission.BonusEndBlock < c.Emission.StartBlock {
		return errors.New("config: bonus end precedes emission start")
	}
	if _, ok := new(big.Int).SetString(c.Emission.RewardPerBlock, 10); c.Emission.RewardPerBlock != "" && !ok {
		return errors.New("config: reward_per_block is not a decimal integer")
	}
	for _, account := range c.Genesis {
		if _, err := crypto.DecodeAddress(account.Address); err != nil {
			return fmt.Errorf("config: genesis address %q: %w", account.Address, err)
		}
	}
	return nil
}

// NodeConfig converts the file form into the node's runtime config.
func (c Config) NodeConfig() (core.Config, error) {
	if err := c.Validate(); err != nil {
		return core.Config{}, err
	}
	out := core.Config{
		WithdrawInterval:    c.Node.WithdrawInterval,
		LiquidationBonusBps: c.Node.LiquidationBonusBps,
		EmergencyEnabled:    c.Node.EmergencyEnabled,
		EmergencyFeeBps:     c.Node.EmergencyFeeBps,
		FlashEnabled:        c.Flash.Enabled,
		FlashFeeBps:         c.Flash.FeeBps,
		Oracle: oracle.Config{
			MaxAgeBlocks:    c.Oracle.MaxAgeBlocks,
			MaxDeviationBps: c.Oracle.MaxDeviationBps,
			MinSources:      c.Oracle.MinSources,
		},
	}
	var err error
	if out.ModuleAddress, err = crypto.DecodeAddress(c.Node.ModuleAddress); err != nil {
		return core.Config{}, fmt.Errorf("config: module address: %w", err)
	}
	if out.TreasuryAddress, err = crypto.DecodeAddress(c.Node.TreasuryAddress); err != nil {
		return core.Config{}, fmt.Errorf("config: treasury address: %w", err)
	}
	if c.Node.Owner != "" {
		if out.Owner, err = crypto.DecodeAddress(c.Node.Owner); err != nil {
			return core.Config{}, fmt.Errorf("config: owner address: %w", err)
		}
	}
	rewardPerBlock := big.NewInt(0)
	if c.Emission.RewardPerBlock != "" {
		parsed, ok := new(big.Int).SetString(c.Emission.RewardPerBlock, 10)
		if !ok {
			return core.Config{}, errors.New("config: reward_per_block is not a decimal integer")
		}
		rewardPerBlock = parsed
	}
	out.Emission = farming.EmissionParams{
		RewardPerBlock:  rewardPerBlock,
		StartBlock:      c.Emission.StartBlock,
		BonusEndBlock:   c.Emission.BonusEndBlock,
		BonusMultiplier: c.Emission.BonusMultiplier,
	}
	for _, account := range c.Genesis {
		addr, err := crypto.DecodeAddress(account.Address)
		if err != nil {
			return core.Config{}, fmt.Errorf("config: genesis address: %w", err)
		}
		seed := core.GenesisAccount{Address: addr, BalanceHRV: big.NewInt(0)}
		if account.BalanceHRV != "" {
			balance, ok := new(big.Int).SetString(account.BalanceHRV, 10)
			if !ok {
				return core.Config{}, fmt.Errorf("config: genesis balance %q", account.BalanceHRV)
			}
			seed.BalanceHRV = balance
		}
		if len(account.Assets) > 0 {
			seed.Assets = make(map[string]*big.Int, len(account.Assets))
			for symbol, raw := range account.Assets {
				amount, ok := new(big.Int).SetString(raw, 10)
				if !ok {
					return core.Config{}, fmt.Errorf("config: genesis asset %s=%q", symbol, raw)
				}
				seed.Assets[symbol] = amount
			}
		}
		out.Genesis = append(out.Genesis, seed)
	}
	return out, nil
}

// GatewayConfig converts the file form into the gateway's runtime config.
func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Auth: gateway.AuthConfig{
			Enabled:    c.Gateway.JWTEnabled,
			HMACSecret: c.Gateway.JWTSecret,
			Issuer:     c.Gateway.JWTIssuer,
			Audience:   c.Gateway.JWTAudience,
			ClockSkew:  time.Duration(c.Gateway.JWTClockSkewSec) * time.Second,
		},
		RequestsPerSecond: c.Gateway.RequestsPerSecond,
		Burst:             c.Gateway.Burst,
	}
}
