package gateway

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"harvest/core"
	"harvest/core/types"
	"harvest/crypto"
	"harvest/native/farming"
)

// Config wires the read-only REST surface.
type Config struct {
	Auth              AuthConfig
	RequestsPerSecond float64
	Burst             int
}

// Router serves the read-only REST surface over the node. Mutations go
// through the JSON-RPC endpoint; the gateway only reads.
type Router struct {
	node   *core.Node
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	ratePerS rate.Limit
	burst    int
}

// New builds the chi handler for the gateway.
func New(node *core.Node, cfg Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 40
	}
	g := &Router{
		node:     node,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		ratePerS: rate.Limit(perSecond),
		burst:    burst,
	}
	auth := NewAuthenticator(cfg.Auth, logger)

	r := chi.NewRouter()
	r.Use(g.rateLimit)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/pools", g.listPools)
		r.Get("/pools/{poolID}", g.getPool)
		r.Get("/pools/{poolID}/positions/{address}", g.getPosition)
		r.Get("/pools/{poolID}/pending/{address}", g.getPending)
		r.Get("/flash/config", g.getFlashConfig)
		r.Get("/oracle/{symbol}", g.getPrice)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware())
			r.Get("/accounts/{address}", g.getAccount)
		})
	})
	return r
}

func (g *Router) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := r.Header.Get("X-Real-IP")
		if source == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				source = r.RemoteAddr
			} else {
				source = host
			}
		}
		g.mu.Lock()
		limiter, ok := g.limiters[source]
		if !ok {
			limiter = rate.NewLimiter(g.ratePerS, g.burst)
			g.limiters[source] = limiter
		}
		g.mu.Unlock()
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type poolResponse struct {
	ID                uint64 `json:"id"`
	AssetSymbol       string `json:"assetSymbol"`
	AllocWeight       uint64 `json:"allocWeight"`
	LastSettledBlock  uint64 `json:"lastSettledBlock"`
	AccRewardPerShare string `json:"accRewardPerShare"`
	DepositFeeBps     uint64 `json:"depositFeeBps"`
	TotalStaked       string `json:"totalStaked"`
	Active            bool   `json:"active"`
}

func poolToResponse(pool *farming.Pool) poolResponse {
	return poolResponse{
		ID:                pool.ID,
		AssetSymbol:       pool.AssetSymbol,
		AllocWeight:       pool.AllocWeight,
		LastSettledBlock:  pool.LastSettledBlock,
		AccRewardPerShare: formatBig(pool.AccRewardPerShare),
		DepositFeeBps:     pool.DepositFeeBps,
		TotalStaked:       formatBig(pool.TotalStaked),
		Active:            pool.Active,
	}
}

func parsePoolID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "poolID"), 10, 64)
}

func parseAddressParam(r *http.Request) (crypto.Address, error) {
	return crypto.DecodeAddress(chi.URLParam(r, "address"))
}

func (g *Router) listPools(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	limit, _ := strconv.ParseUint(r.URL.Query().Get("limit"), 10, 64)
	pools, err := g.node.GetPools(offset, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]poolResponse, 0, len(pools))
	for _, pool := range pools {
		out = append(out, poolToResponse(pool))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Router) getPool(w http.ResponseWriter, r *http.Request) {
	poolID, err := parsePoolID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	pool, err := g.node.GetPool(poolID)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, poolToResponse(pool))
}

func (g *Router) getPosition(w http.ResponseWriter, r *http.Request) {
	poolID, err := parsePoolID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	addr, err := parseAddressParam(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid address")
		return
	}
	position, err := g.node.GetPosition(poolID, addr)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]interface{}{
		"poolId":  poolID,
		"address": addr.String(),
		"amount":  "0",
	}
	if position != nil {
		payload["amount"] = formatBig(position.Amount)
		payload["pendingWithdrawn"] = formatBig(position.PendingWithdrawn)
		payload["lastActionBlock"] = position.LastActionBlock
	}
	writeJSON(w, http.StatusOK, payload)
}

func (g *Router) getPending(w http.ResponseWriter, r *http.Request) {
	poolID, err := parsePoolID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	addr, err := parseAddressParam(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid address")
		return
	}
	pending, err := g.node.PendingReward(poolID, addr)
	if err != nil {
		writeProblem(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pending": formatBig(pending)})
}

func (g *Router) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid address")
		return
	}
	account, err := g.node.GetAccount(addr)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	if account == nil {
		account = &types.Account{}
		account.EnsureDefaults()
	}
	assets := make(map[string]string, len(account.Assets))
	for _, asset := range account.Assets {
		assets[asset.Symbol] = formatBig(asset.Amount)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":    addr.String(),
		"nonce":      account.Nonce,
		"balanceHRV": formatBig(account.BalanceHRV),
		"assets":     assets,
	})
}

func (g *Router) getFlashConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.node.FlashConfig()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": cfg.Enabled, "feeBps": cfg.FeeBps})
}

func (g *Router) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	price, err := g.node.OraclePrice(symbol)
	if err != nil {
		writeProblem(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "price": formatBig(price)})
}
