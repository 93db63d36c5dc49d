package rpc

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"harvest/core"
	"harvest/core/types"
	"harvest/crypto"
	"harvest/native/farming"
)

// PoolResult is the wire form of a pool.
type PoolResult struct {
	ID                uint64 `json:"id"`
	AssetSymbol       string `json:"assetSymbol"`
	AllocWeight       uint64 `json:"allocWeight"`
	LastSettledBlock  uint64 `json:"lastSettledBlock"`
	AccRewardPerShare string `json:"accRewardPerShare"`
	DepositFeeBps     uint64 `json:"depositFeeBps"`
	TotalStaked       string `json:"totalStaked"`
	LiquidationPrice  string `json:"liquidationPrice"`
	Active            bool   `json:"active"`
}

func poolResult(pool *farming.Pool) PoolResult {
	return PoolResult{
		ID:                pool.ID,
		AssetSymbol:       pool.AssetSymbol,
		AllocWeight:       pool.AllocWeight,
		LastSettledBlock:  pool.LastSettledBlock,
		AccRewardPerShare: formatBig(pool.AccRewardPerShare),
		DepositFeeBps:     pool.DepositFeeBps,
		TotalStaked:       formatBig(pool.TotalStaked),
		LiquidationPrice:  formatBig(pool.LiquidationPrice),
		Active:            pool.Active,
	}
}

// PositionResult is the wire form of a staker position.
type PositionResult struct {
	Address          string `json:"address"`
	PoolID           uint64 `json:"poolId"`
	Amount           string `json:"amount"`
	RewardDebt       string `json:"rewardDebt"`
	PendingWithdrawn string `json:"pendingWithdrawn"`
	LastActionBlock  uint64 `json:"lastActionBlock"`
}

// AccountResult is the wire form of a ledger account.
type AccountResult struct {
	Address    string            `json:"address"`
	Nonce      uint64            `json:"nonce"`
	BalanceHRV string            `json:"balanceHRV"`
	Assets     map[string]string `json:"assets,omitempty"`
}

// ReceiptResult reports a committed mutating operation.
type ReceiptResult struct {
	Ref    string `json:"ref"`
	Gross  string `json:"gross,omitempty"`
	Net    string `json:"net,omitempty"`
	Fee    string `json:"fee,omitempty"`
	Amount string `json:"amount,omitempty"`
	Reward string `json:"reward,omitempty"`
	Seized string `json:"seized,omitempty"`
	Bonus  string `json:"bonus,omitempty"`
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBigParam(raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	return value, ok
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleGetPool(w http.ResponseWriter, req *RPCRequest) {
	var poolID uint64
	if err := decodeSingleParam(req, &poolID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid pool id", err.Error())
		return
	}
	pool, err := s.node.GetPool(poolID)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, poolResult(pool))
}

type pageParams struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

func (s *Server) handleGetPools(w http.ResponseWriter, req *RPCRequest) {
	var page pageParams
	if err := decodeSingleParam(req, &page); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid page parameters", err.Error())
		return
	}
	pools, err := s.node.GetPools(page.Offset, page.Limit)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	results := make([]PoolResult, 0, len(pools))
	for _, pool := range pools {
		results = append(results, poolResult(pool))
	}
	writeResult(w, req.ID, results)
}

type positionParams struct {
	PoolID  uint64 `json:"poolId"`
	Address string `json:"address"`
}

func (s *Server) handleGetPosition(w http.ResponseWriter, req *RPCRequest) {
	var params positionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid position parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	position, err := s.node.GetPosition(params.PoolID, addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	result := PositionResult{Address: params.Address, PoolID: params.PoolID, Amount: "0", RewardDebt: "0", PendingWithdrawn: "0"}
	if position != nil {
		result.Amount = formatBig(position.Amount)
		result.RewardDebt = formatBig(position.RewardDebt)
		result.PendingWithdrawn = formatBig(position.PendingWithdrawn)
		result.LastActionBlock = position.LastActionBlock
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handlePendingReward(w http.ResponseWriter, req *RPCRequest) {
	var params positionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	pending, err := s.node.PendingReward(params.PoolID, addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"pending": formatBig(pending)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, req *RPCRequest) {
	var addrStr string
	if err := decodeSingleParam(req, &addrStr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address parameter", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	if account == nil {
		account = &types.Account{}
		account.EnsureDefaults()
	}
	result := AccountResult{Address: addrStr, Nonce: account.Nonce, BalanceHRV: formatBig(account.BalanceHRV)}
	if len(account.Assets) > 0 {
		result.Assets = make(map[string]string, len(account.Assets))
		for _, asset := range account.Assets {
			result.Assets[asset.Symbol] = formatBig(asset.Amount)
		}
	}
	writeResult(w, req.ID, result)
}

type amountParams struct {
	PoolID  uint64 `json:"poolId"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params amountParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid deposit parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	amount, ok := parseBigParam(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", params.Amount)
		return
	}
	receipt, ref, err := s.node.Deposit(addr, params.PoolID, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ReceiptResult{
		Ref:    ref,
		Gross:  formatBig(receipt.Gross),
		Net:    formatBig(receipt.Net),
		Fee:    formatBig(receipt.Fee),
		Reward: formatBig(receipt.Reward),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params amountParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid withdraw parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	amount, ok := parseBigParam(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", params.Amount)
		return
	}
	receipt, ref, err := s.node.Withdraw(addr, params.PoolID, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ReceiptResult{
		Ref:    ref,
		Amount: formatBig(receipt.Amount),
		Reward: formatBig(receipt.Reward),
	})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params positionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	receipt, ref, err := s.node.EmergencyWithdraw(addr, params.PoolID)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ReceiptResult{
		Ref:    ref,
		Amount: formatBig(receipt.Amount),
		Fee:    formatBig(receipt.Fee),
	})
}

type liquidateParams struct {
	PoolID     uint64 `json:"poolId"`
	Liquidator string `json:"liquidator"`
	Owner      string `json:"owner"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, req *RPCRequest) {
	var params liquidateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	liquidator, err := crypto.DecodeAddress(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode liquidator", err.Error())
		return
	}
	owner, err := crypto.DecodeAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode owner", err.Error())
		return
	}
	receipt, ref, err := s.node.Liquidate(liquidator, owner, params.PoolID)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ReceiptResult{
		Ref:    ref,
		Seized: formatBig(receipt.Seized),
		Bonus:  formatBig(receipt.Bonus),
		Reward: formatBig(receipt.Reward),
	})
}

func (s *Server) handleSettlePool(w http.ResponseWriter, req *RPCRequest) {
	var poolID uint64
	if err := decodeSingleParam(req, &poolID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid pool id", err.Error())
		return
	}
	pool, err := s.node.SettlePool(poolID)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, poolResult(pool))
}

func (s *Server) handleSettlePools(w http.ResponseWriter, req *RPCRequest) {
	var page pageParams
	if err := decodeSingleParam(req, &page); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid page parameters", err.Error())
		return
	}
	settled, err := s.node.SettlePools(page.Offset, page.Limit)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"settled": settled})
}

type adminAuthParam struct {
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// handleAdmin forwards a restricted method to the node. Params carry the
// raw method parameters first (the signed bytes) and the nonce/signature
// second.
func (s *Server) handleAdmin(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) < 2 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "params and envelope required", nil)
		return
	}
	var auth adminAuthParam
	if err := json.Unmarshal(req.Params[1], &auth); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid envelope", err.Error())
		return
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(auth.Signature, "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature encoding", err.Error())
		return
	}
	env := core.AdminEnvelope{
		Method:    req.Method,
		Params:    []byte(req.Params[0]),
		Nonce:     auth.Nonce,
		Signature: signature,
	}

	switch req.Method {
	case core.MethodAddPool:
		pool, err := s.node.AddPool(env)
		if err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, poolResult(pool))
	case core.MethodSetPool:
		pool, err := s.node.SetPool(env)
		if err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, poolResult(pool))
	case core.MethodSetEmission:
		if err := s.node.SetEmission(env); err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, true)
	case core.MethodSetLiquidationPrice:
		if err := s.node.SetLiquidationPrice(env); err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, true)
	case core.MethodSetAuthorizedCaller:
		if err := s.node.SetAuthorizedCaller(env); err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, true)
	case core.MethodSetPaused:
		if err := s.node.SetPaused(env); err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, true)
	case core.MethodSetFlashConfig:
		cfg, err := s.node.SetFlashConfig(env)
		if err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, map[string]interface{}{"enabled": cfg.Enabled, "feeBps": cfg.FeeBps})
	case core.MethodWithdrawFlashFees:
		drained, err := s.node.WithdrawFlashFees(env)
		if err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, map[string]string{"withdrawn": formatBig(drained)})
	case core.MethodSubmitPrice:
		if err := s.node.SubmitPrice(env); err != nil {
			writeNodeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, true)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}
