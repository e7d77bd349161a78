package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"faucetd/internal/faucet"
	"faucetd/internal/opsauth"

	"go.uber.org/zap"
)

// ClaimHandler resolves one faucet request to its outcome.
type ClaimHandler interface {
	Handle(ctx context.Context, req faucet.ClaimRequest) faucet.Outcome
}

// PoolHealth reports the ping result per connected chain.
type PoolHealth interface {
	HealthCheck(ctx context.Context) map[string]error
}

type Server struct {
	svc        ClaimHandler
	pool       PoolHealth
	ops        *opsauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *zap.Logger

	storeHealthFn func(context.Context) error
}

// NewServer wires the HTTP surface: the faucet endpoints, health, and the
// signed metrics endpoint. The store is probed for health when it exposes a
// Ping method.
func NewServer(port int, svc ClaimHandler, store any, pool PoolHealth, ops *opsauth.Verifier, log *zap.Logger) *Server {
	s := &Server{
		svc:     svc,
		pool:    pool,
		ops:     ops,
		metrics: newMetricsRegistry(),
		log:     log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.storeHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/faucet/{chain}", s.handlePrecheck)
	mux.HandleFunc("POST /api/v1/faucet/{chain}", s.handleClaim)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", ops.Middleware(s.metrics.handler()))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetFundingBalance publishes the funding account balance for a chain, in
// base units, for the periodic refresh job.
func (s *Server) SetFundingBalance(chain string, balance float64) {
	s.metrics.setFundingBalance(chain, balance)
}

type claimBody struct {
	Address string `json:"address"`
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	addr := r.URL.Query().Get("address")
	if addr == "" {
		s.writeOutcome(w, r, chain, faucet.FailedParams{Reason: "Missing address"})
		return
	}

	out := s.svc.Handle(r.Context(), faucet.ClaimRequest{
		Chain:      chain,
		RawAddress: addr,
		Precheck:   true,
	})
	s.writeOutcome(w, r, chain, out)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")

	addr, ok := claimAddress(r)
	if !ok {
		s.writeOutcome(w, r, chain, faucet.FailedParams{Reason: "Invalid request body"})
		return
	}
	if addr == "" {
		s.writeOutcome(w, r, chain, faucet.FailedParams{Reason: "Missing address"})
		return
	}

	start := time.Now()
	out := s.svc.Handle(r.Context(), faucet.ClaimRequest{
		Chain:      chain,
		RawAddress: addr,
	})
	s.metrics.observeClaim(chain, time.Since(start))
	s.writeOutcome(w, r, chain, out)
}

// claimAddress pulls the address from a form-encoded or JSON claim body.
func claimAddress(r *http.Request) (string, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", false
		}
		return r.PostFormValue("address"), true
	}

	var body claimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", false
	}
	return body.Address, true
}

// writeOutcome answers every faucet request with HTTP 200; the envelope code
// carries the verdict.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, chain string, out faucet.Outcome) {
	env := out.Envelope()
	s.metrics.incRequest(chain, string(env.Code))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Warn("could not write response",
			zap.String("requestId", r.Header.Get("X-Request-Id")), zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.storeHealthFn != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.storeHealthFn(storeCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	type chainInfo struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}
	chains := map[string]chainInfo{}
	if s.pool != nil {
		poolCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for chain, err := range s.pool.HealthCheck(poolCtx) {
			info := chainInfo{Connected: err == nil}
			if err != nil {
				info.Error = err.Error()
				overallHealthy = false
			}
			chains[chain] = info
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status string               `json:"status"`
		Store  any                  `json:"store"`
		Chains map[string]chainInfo `json:"chains"`
	}{
		Status: status,
		Store:  storeInfo,
		Chains: chains,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
