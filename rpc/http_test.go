package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"harvest/core"
	"harvest/crypto"
	"harvest/native/farming"
	"harvest/native/oracle"
	"harvest/storage"
)

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.HRVPrefix, raw)
}

type rpcHarness struct {
	server   *Server
	ts       *httptest.Server
	ownerKey *crypto.PrivateKey
	staker   crypto.Address
	nonce    uint64
}

func newRPCHarness(t *testing.T) *rpcHarness {
	t.Helper()
	t.Setenv("HARVEST_RPC_TOKEN", "test-token")

	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	staker := makeAddress(0x10)
	cfg := core.Config{
		Owner:           ownerKey.PubKey().Address(),
		ModuleAddress:   makeAddress(0x01),
		TreasuryAddress: makeAddress(0x02),
		Emission: farming.EmissionParams{
			RewardPerBlock:  big.NewInt(100),
			BonusMultiplier: 1,
		},
		FlashEnabled: true,
		FlashFeeBps:  9,
		Oracle:       oracle.Config{MaxAgeBlocks: 100},
		Genesis: []core.GenesisAccount{
			{Address: makeAddress(0x01), BalanceHRV: big.NewInt(1_000_000)},
			{Address: staker, BalanceHRV: big.NewInt(1000), Assets: map[string]*big.Int{"ATOM": big.NewInt(1000)}},
		},
	}
	node, err := core.NewNode(storage.NewMemDB(), cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := NewServer(node)
	server.SetRateLimit(1000, 1000)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &rpcHarness{server: server, ts: ts, ownerKey: ownerKey, staker: staker}
}

func (h *rpcHarness) call(t *testing.T, method string, authed bool, params ...interface{}) *RPCResponse {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		rawParams = append(rawParams, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.ts.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out := &RPCResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// adminCall signs the first parameter as an admin envelope and appends the
// nonce/signature parameter the server expects.
func (h *rpcHarness) adminCall(t *testing.T, method string, params interface{}) *RPCResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	env, err := core.SignAdmin(h.ownerKey, method, raw, h.nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp := h.call(t, method, true, json.RawMessage(raw), adminAuthParam{
		Nonce:     env.Nonce,
		Signature: hex.EncodeToString(env.Signature),
	})
	if resp.Error == nil {
		h.nonce++
	}
	return resp
}

func TestGetPoolUnknownReturnsInvalidParams(t *testing.T) {
	h := newRPCHarness(t)
	resp := h.call(t, "farm_getPool", false, 7)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeInvalidParams)
	}
}

func TestMutatingMethodRequiresBearer(t *testing.T) {
	h := newRPCHarness(t)
	resp := h.call(t, "farm_deposit", false, amountParams{PoolID: 0, Address: h.staker.String(), Amount: "10"})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeUnauthorized)
	}
}

func TestUnknownMethodReturnsNotFound(t *testing.T) {
	h := newRPCHarness(t)
	resp := h.call(t, "farm_doesNotExist", false)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeMethodNotFound)
	}
}

func TestAdminAndStakeFlowOverRPC(t *testing.T) {
	h := newRPCHarness(t)

	resp := h.adminCall(t, core.MethodAddPool, core.AddPoolParams{AssetSymbol: "ATOM", AllocWeight: 1})
	if resp.Error != nil {
		t.Fatalf("add pool: %+v", resp.Error)
	}

	resp = h.call(t, "farm_deposit", true, amountParams{PoolID: 0, Address: h.staker.String(), Amount: "500"})
	if resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}

	resp = h.call(t, "farm_settlePools", false, pageParams{Limit: 10})
	if resp.Error != nil {
		t.Fatalf("settle: %+v", resp.Error)
	}

	resp = h.call(t, "farm_pendingReward", false, positionParams{PoolID: 0, Address: h.staker.String()})
	if resp.Error != nil {
		t.Fatalf("pending: %+v", resp.Error)
	}
	var pending map[string]string
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if pending["pending"] != "100" {
		t.Fatalf("pending = %q, want 100", pending["pending"])
	}

	resp = h.call(t, "farm_getPosition", false, positionParams{PoolID: 0, Address: h.staker.String()})
	if resp.Error != nil {
		t.Fatalf("position: %+v", resp.Error)
	}
}

func TestAdminEnvelopeTamperRejected(t *testing.T) {
	h := newRPCHarness(t)
	raw, _ := json.Marshal(core.AddPoolParams{AssetSymbol: "ATOM", AllocWeight: 1})
	env, err := core.SignAdmin(h.ownerKey, core.MethodAddPool, raw, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Send different params than the ones signed.
	tampered, _ := json.Marshal(core.AddPoolParams{AssetSymbol: "ATOM", AllocWeight: 99})
	resp := h.call(t, core.MethodAddPool, true, json.RawMessage(tampered), adminAuthParam{
		Nonce:     env.Nonce,
		Signature: hex.EncodeToString(env.Signature),
	})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeUnauthorized)
	}
}

func TestFlashConfigQuery(t *testing.T) {
	h := newRPCHarness(t)
	resp := h.call(t, "flash_getConfig", false)
	if resp.Error != nil {
		t.Fatalf("config: %+v", resp.Error)
	}
	var cfg FlashConfigResult
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if !cfg.Enabled || cfg.FeeBps != 9 {
		t.Fatalf("config = %+v, want enabled with feeBps 9", cfg)
	}
}
