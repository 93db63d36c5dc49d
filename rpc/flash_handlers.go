package rpc

import (
	"net/http"
)

// FlashConfigResult is the wire form of the flash facility config.
type FlashConfigResult struct {
	Enabled bool   `json:"enabled"`
	FeeBps  uint64 `json:"feeBps"`
}

func (s *Server) handleFlashGetConfig(w http.ResponseWriter, req *RPCRequest) {
	cfg, err := s.node.FlashConfig()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, FlashConfigResult{Enabled: cfg.Enabled, FeeBps: cfg.FeeBps})
}

func (s *Server) handleFlashGetFees(w http.ResponseWriter, req *RPCRequest) {
	fees, err := s.node.FlashCollectedFees()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"collected": formatBig(fees)})
}

func (s *Server) handleOracleGetPrice(w http.ResponseWriter, req *RPCRequest) {
	var symbol string
	if err := decodeSingleParam(req, &symbol); err != nil || symbol == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "symbol parameter required", nil)
		return
	}
	price, err := s.node.OraclePrice(symbol)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"symbol": symbol, "price": formatBig(price)})
}
