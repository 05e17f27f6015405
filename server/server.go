// Package server exposes the client-facing surface: REST endpoints for stats
// and settlement queries, and the websocket stream observer sessions attach to.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainpay/broadcast"
	"chainpay/config"
	"chainpay/ledger"
	"chainpay/monitor"
	"chainpay/observability"
	"chainpay/session"
	"chainpay/settle"
)

// Ledger is the read/query slice of the ledger client the handlers use.
type Ledger interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	BlockHeight(ctx context.Context) (uint64, error)
	LatestBlock(ctx context.Context) (ledger.BlockSnapshot, error)
	TreasuryStats(ctx context.Context) (ledger.TreasuryStats, error)
	UserEarnings(ctx context.Context, address string) (*big.Int, error)
	Healthy(ctx context.Context) bool
}

// Server wires the settlement coordinator, session registry, and fan-out hub
// behind HTTP and websocket endpoints.
type Server struct {
	cfg      config.Config
	ledger   Ledger
	coord    *settle.Coordinator
	registry *session.Registry
	hub      *broadcast.Hub
	tracker  *monitor.Tracker
	metrics  *observability.SettlementMetrics
	log      *slog.Logger
}

// New assembles the server. tracker may be nil when confirmation tracking is
// disabled.
func New(cfg config.Config, lgr Ledger, coord *settle.Coordinator, registry *session.Registry, hub *broadcast.Hub, tracker *monitor.Tracker, metrics *observability.SettlementMetrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		ledger:   lgr,
		coord:    coord,
		registry: registry,
		hub:      hub,
		tracker:  tracker,
		metrics:  metrics,
		log:      log,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/balance/{address}", s.handleBalance)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/treasury", s.handleTreasury)
		r.Get("/block/latest", s.handleLatestBlock)
		r.Get("/user/{address}/earnings", s.handleUserEarnings)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

type healthResponse struct {
	Status     string `json:"status"`
	Blockchain bool   `json:"blockchain"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.ledger.Healthy(r.Context())
	resp := healthResponse{Status: "ok", Blockchain: connected, Timestamp: time.Now().Unix()}
	if !connected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	TreasuryBalance    string `json:"treasury_balance"`
	TreasuryBalanceWei string `json:"treasury_balance_wei"`
	TotalDistributed   string `json:"total_distributed"`
	TotalClaims        int64  `json:"total_claims"`
	CurrentBlockHeight uint64 `json:"current_block_height"`
	ActiveConnections  int    `json:"active_connections"`
	TotalHeartbeats    int64  `json:"total_heartbeats"`
	RewardPerHeartbeat string `json:"reward_per_heartbeat"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.TreasuryStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorPayload{Type: "error", Message: err.Error()})
		return
	}
	height, _ := s.ledger.BlockHeight(r.Context())
	heartbeats, _ := s.coord.Totals().Snapshot()
	rate := stats.RewardRate
	if rate == nil || rate.Sign() == 0 {
		rate = s.cfg.RewardWei()
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TreasuryBalance:    weiToEther(stats.Balance),
		TreasuryBalanceWei: bigString(stats.Balance),
		TotalDistributed:   weiToEther(stats.TotalDistributed),
		TotalClaims:        stats.TotalClaims,
		CurrentBlockHeight: height,
		ActiveConnections:  s.registry.Count(),
		TotalHeartbeats:    heartbeats,
		RewardPerHeartbeat: rate.String(),
	})
}

type balanceResponse struct {
	Address    string `json:"address"`
	Balance    string `json:"balance"`
	BalanceWei string `json:"balance_wei"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := s.ledger.Balance(r.Context(), address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Type: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address:    address,
		Balance:    weiToEther(balance),
		BalanceWei: balance.String(),
	})
}

type heartbeatRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type heartbeatResponse struct {
	Success    bool   `json:"success"`
	RewardWei  string `json:"reward_wei"`
	TxHash     string `json:"tx_hash,omitempty"`
	Message    string `json:"message"`
	NewBalance string `json:"new_balance,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Type: "error", Message: "invalid request body"})
		return
	}
	if req.WalletAddress == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Type: "error", Message: "wallet address required"})
		return
	}
	reward := s.cfg.RewardWei()
	outcome := s.coord.Settle(r.Context(), nil, req.WalletAddress, reward)
	resp := heartbeatResponse{
		Success:   outcome.Success,
		RewardWei: reward.String(),
		Message:   outcome.Message,
	}
	if outcome.Success {
		resp.TxHash = outcome.TxHash.Hex()
		if balance, err := s.ledger.Balance(r.Context(), req.WalletAddress); err == nil {
			resp.NewBalance = weiToEther(balance)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type treasuryResponse struct {
	ContractAddress    string `json:"contract_address,omitempty"`
	Balance            string `json:"balance"`
	BalanceWei         string `json:"balance_wei"`
	TotalDistributed   string `json:"total_distributed"`
	TotalClaims        int64  `json:"total_claims"`
	RewardPerHeartbeat string `json:"reward_per_heartbeat"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.TreasuryStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorPayload{Type: "error", Message: err.Error()})
		return
	}
	rate := stats.RewardRate
	if rate == nil || rate.Sign() == 0 {
		rate = s.cfg.RewardWei()
	}
	writeJSON(w, http.StatusOK, treasuryResponse{
		ContractAddress:    s.cfg.ContractAddress,
		Balance:            weiToEther(stats.Balance),
		BalanceWei:         bigString(stats.Balance),
		TotalDistributed:   weiToEther(stats.TotalDistributed),
		TotalClaims:        stats.TotalClaims,
		RewardPerHeartbeat: rate.String(),
	})
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.ledger.LatestBlock(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorPayload{Type: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, block)
}

type earningsResponse struct {
	Address     string `json:"address"`
	Earnings    string `json:"earnings"`
	EarningsWei string `json:"earnings_wei"`
}

func (s *Server) handleUserEarnings(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	earnings, err := s.ledger.UserEarnings(r.Context(), address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Type: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, earningsResponse{
		Address:     address,
		Earnings:    weiToEther(earnings),
		EarningsWei: earnings.String(),
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// weiToEther renders a wei amount as a fixed-point ether string.
func weiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	ether := new(big.Float).SetInt(wei)
	ether.Quo(ether, new(big.Float).SetInt(big.NewInt(1e18)))
	return ether.Text('f', 18)
}
