package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"harvest/crypto"
)

func makeAddress(suffix byte) crypto.Address {
	var raw [20]byte
	raw[19] = suffix
	return crypto.MustNewAddress(crypto.HRVPrefix, raw[:])
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, ":8645", cfg.RPC.Listen)
	require.EqualValues(t, 9, cfg.Flash.FeeBps)
}

func TestLoadFullFile(t *testing.T) {
	module := makeAddress(0x01)
	treasury := makeAddress(0x02)
	owner := makeAddress(0x03)
	staker := makeAddress(0x10)

	raw := `
[node]
data_dir = "/var/lib/harvest"
environment = "prod"
owner = "` + owner.String() + `"
module_address = "` + module.String() + `"
treasury_address = "` + treasury.String() + `"
withdraw_interval = 5
liquidation_bonus_bps = 500
emergency_enabled = true
emergency_fee_bps = 100

[emission]
reward_per_block = "1000000000000000000"
start_block = 10
bonus_end_block = 100
bonus_multiplier = 10

[flash]
enabled = true
fee_bps = 9

[oracle]
max_age_blocks = 50
max_deviation_bps = 500
min_sources = 3

[rpc]
listen = ":9645"
requests_per_second = 50.0
burst = 100

[gateway]
listen = ":9080"
jwt_enabled = true
jwt_secret = "sekrit"
jwt_issuer = "harvest"
jwt_clock_skew_seconds = 30

[[genesis]]
address = "` + staker.String() + `"
balance_hrv = "1000"

[genesis.assets]
ATOM = "2500"
`
	path := filepath.Join(t.TempDir(), "harvest.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/harvest", cfg.Node.DataDir)
	require.EqualValues(t, 5, cfg.Node.WithdrawInterval)
	require.Equal(t, ":9645", cfg.RPC.Listen)

	nodeCfg, err := cfg.NodeConfig()
	require.NoError(t, err)
	require.Equal(t, module, nodeCfg.ModuleAddress)
	require.Equal(t, treasury, nodeCfg.TreasuryAddress)
	require.Equal(t, owner, nodeCfg.Owner)
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	require.Zero(t, nodeCfg.Emission.RewardPerBlock.Cmp(want))
	require.EqualValues(t, 10, nodeCfg.Emission.BonusMultiplier)
	require.True(t, nodeCfg.FlashEnabled)
	require.EqualValues(t, 3, nodeCfg.Oracle.MinSources)
	require.Len(t, nodeCfg.Genesis, 1)
	require.Equal(t, staker, nodeCfg.Genesis[0].Address)
	require.Zero(t, nodeCfg.Genesis[0].BalanceHRV.Cmp(big.NewInt(1000)))
	require.Zero(t, nodeCfg.Genesis[0].Assets["ATOM"].Cmp(big.NewInt(2500)))

	gwCfg := cfg.GatewayConfig()
	require.True(t, gwCfg.Auth.Enabled)
	require.Equal(t, "sekrit", gwCfg.Auth.HMACSecret)
	require.Equal(t, "harvest", gwCfg.Auth.Issuer)
}

func TestValidateRejections(t *testing.T) {
	module := makeAddress(0x01).String()
	treasury := makeAddress(0x02).String()

	base := func() Config {
		cfg := Default()
		cfg.Node.ModuleAddress = module
		cfg.Node.TreasuryAddress = treasury
		return cfg
	}

	cfg := base()
	cfg.Flash.FeeBps = 10_001
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Emission.StartBlock = 100
	cfg.Emission.BonusEndBlock = 50
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Node.ModuleAddress = "not-bech32"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Emission.RewardPerBlock = "12x"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Genesis = append(cfg.Genesis, Account{Address: "bogus"})
	require.Error(t, cfg.Validate())
}
