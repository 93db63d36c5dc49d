package state

import (
	"math/big"
	"testing"

	"harvest/core/types"
	"harvest/crypto"
	"harvest/native/farming"
	"harvest/native/flash"
	"harvest/native/oracle"
	"harvest/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.HRVPrefix, raw)
}

func TestManagerPoolRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	pool, err := m.GetPool(7)
	if err != nil || pool != nil {
		t.Fatalf("absent pool = %v, %v", pool, err)
	}
	in := &farming.Pool{
		ID:                7,
		AssetSymbol:       "ATOM",
		AllocWeight:       3,
		LastSettledBlock:  42,
		AccRewardPerShare: big.NewInt(123456789),
		DepositFeeBps:     250,
		TotalStaked:       big.NewInt(9000),
		LiquidationPrice:  big.NewInt(50),
		Active:            true,
	}
	if err := m.PutPool(in); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := m.GetPool(7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.AssetSymbol != "ATOM" || out.AllocWeight != 3 || out.DepositFeeBps != 250 || !out.Active {
		t.Fatalf("pool fields lost: %+v", out)
	}
	if out.AccRewardPerShare.Cmp(in.AccRewardPerShare) != 0 || out.TotalStaked.Cmp(in.TotalStaked) != 0 {
		t.Fatalf("pool amounts lost: %+v", out)
	}
}

func TestManagerPositionRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(1)
	in := &farming.Position{
		Address:          addr,
		Amount:           big.NewInt(500),
		RewardDebt:       big.NewInt(125),
		PendingWithdrawn: big.NewInt(75),
		LastActionBlock:  9,
	}
	if err := m.PutPosition(3, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := m.GetPosition(3, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !out.Address.Equal(addr) || out.Amount.Cmp(in.Amount) != 0 || out.RewardDebt.Cmp(in.RewardDebt) != 0 {
		t.Fatalf("position fields lost: %+v", out)
	}
	other, err := m.GetPosition(4, addr)
	if err != nil || other != nil {
		t.Fatalf("position leaked across pools: %v, %v", other, err)
	}
}

func TestManagerAccountRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(2)
	account, err := m.GetAccount(addr)
	if err != nil || account != nil {
		t.Fatalf("absent account = %v, %v", account, err)
	}
	acc := &types.Account{Nonce: 4, BalanceHRV: big.NewInt(1000)}
	acc.SetAssetBalance("ATOM", big.NewInt(250))
	if err := m.PutAccount(addr, acc); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := m.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Nonce != 4 || out.BalanceHRV.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("account fields lost: %+v", out)
	}
	if out.AssetBalance("ATOM").Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("asset balance lost: %+v", out)
	}
}

func TestManagerFlashRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	if err := m.PutConfig(&flash.Config{Enabled: true, FeeBps: 9}); err != nil {
		t.Fatalf("put config: %v", err)
	}
	cfg, err := m.GetConfig()
	if err != nil || !cfg.Enabled || cfg.FeeBps != 9 {
		t.Fatalf("config = %+v, %v", cfg, err)
	}
	if err := m.PutFees(&flash.FeeAccrual{CollectedHRV: big.NewInt(90)}); err != nil {
		t.Fatalf("put fees: %v", err)
	}
	fees, err := m.GetFees()
	if err != nil || fees.CollectedHRV.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("fees = %+v, %v", fees, err)
	}
}

func TestManagerQuoteIndex(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	for _, quote := range []*oracle.Quote{
		{Source: "b", Price: big.NewInt(101), Height: 5},
		{Source: "a", Price: big.NewInt(99), Height: 5},
		{Source: "a", Price: big.NewInt(100), Height: 6},
	} {
		if err := m.PutQuote("ATOM", quote); err != nil {
			t.Fatalf("put quote %s: %v", quote.Source, err)
		}
	}
	quotes, err := m.ListQuotes("ATOM")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("quote count = %d, want 2 (one per source)", len(quotes))
	}
	if quotes[0].Source != "a" || quotes[0].Price.Cmp(big.NewInt(100)) != 0 || quotes[0].Height != 6 {
		t.Fatalf("resubmission did not replace quote: %+v", quotes[0])
	}
}

func TestManagerGateAndHeight(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	owner := testAddress(9)
	if err := m.SetOwner(owner); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	got, err := m.Owner()
	if err != nil || !got.Equal(owner) {
		t.Fatalf("owner = %v, %v", got, err)
	}
	caller := testAddress(10)
	if err := m.SetAuthorizedCaller(caller, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	callers, err := m.AuthorizedCallers()
	if err != nil || len(callers) != 1 || !callers[0].Equal(caller) {
		t.Fatalf("callers = %v, %v", callers, err)
	}
	if err := m.SetAuthorizedCaller(caller, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	callers, err = m.AuthorizedCallers()
	if err != nil || len(callers) != 0 {
		t.Fatalf("callers after revoke = %v, %v", callers, err)
	}

	height, err := m.Height()
	if err != nil || height != 0 {
		t.Fatalf("initial height = %d, %v", height, err)
	}
	if err := m.SetHeight(17); err != nil {
		t.Fatalf("set height: %v", err)
	}
	height, err = m.Height()
	if err != nil || height != 17 {
		t.Fatalf("height = %d, %v", height, err)
	}
}

func TestManagerPauseSwitch(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	if m.IsPaused("farming") {
		t.Fatal("fresh store reports paused")
	}
	if err := m.SetPaused("farming", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !m.IsPaused("farming") {
		t.Fatal("pause switch not visible")
	}
	if m.IsPaused("flash") {
		t.Fatal("pause leaked across modules")
	}
	if err := m.SetPaused("farming", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if m.IsPaused("farming") {
		t.Fatal("pause switch not cleared")
	}
}

func TestManagerRollbackThroughTransaction(t *testing.T) {
	db := storage.NewMemDB()
	base := NewManager(db)
	if err := base.PutPool(&farming.Pool{ID: 0, AssetSymbol: "ATOM", TotalStaked: big.NewInt(100)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tx := NewTransaction(db)
	scoped := NewManager(tx)
	pool, err := scoped.GetPool(0)
	if err != nil {
		t.Fatalf("scoped get: %v", err)
	}
	pool.TotalStaked = big.NewInt(999)
	if err := scoped.PutPool(pool); err != nil {
		t.Fatalf("scoped put: %v", err)
	}
	tx.Discard()

	pool, err = base.GetPool(0)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pool.TotalStaked.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("discarded write leaked: %s", pool.TotalStaked)
	}
}
