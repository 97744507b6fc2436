// Package server exposes the operator HTTP surface: health, metrics, status and the
// manual scan / approve / monitor controls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/livetrading"
	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/risk"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// HealthCheck returns nil while the named component is healthy.
type HealthCheck func() error

// Deps are the components served. Orders, Account, Breakers and Checks are optional.
type Deps struct {
	Trader   *livetrading.Trader
	Risk     *risk.Engine
	Orders   *order.Service
	Account  exchange.AccountReader
	Breakers func() []exchange.BreakerSnapshot
	Checks   map[string]HealthCheck
}

type Server struct {
	deps Deps
	http *http.Server
}

func New(addr string, d Deps) *Server {
	s := &Server{deps: d}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	r.HandleFunc("/holdings", s.handleHoldings).Methods(http.MethodGet)

	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodGet)
	r.HandleFunc("/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/monitor", s.handleMonitor).Methods(http.MethodGet)
	r.HandleFunc("/squareoff", s.handleSquareOff).Methods(http.MethodPost)

	r.HandleFunc("/risk/reset", s.handleRiskReset).Methods(http.MethodPost)
	r.HandleFunc("/risk/shutdown", s.handleRiskShutdown).Methods(http.MethodPost)
	return r
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	utils.WithComponent("server").Infof("Server | Listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "components": components})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := s.deps.Trader.Status()
	if s.deps.Breakers != nil {
		data["breakers"] = s.deps.Breakers()
	}
	streams := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(); err != nil {
			streams[name] = err.Error()
		} else {
			streams[name] = "ok"
		}
	}
	data["health"] = streams
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeJSON(w, http.StatusOK, []order.Order{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orders.Orders())
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Account == nil {
		writeJSON(w, http.StatusOK, []exchange.Holding{})
		return
	}
	holdings, err := s.deps.Account.Holdings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Trader.Scan(r.Context()))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Trader.Approve(r.Context()))
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Trader.Monitor(r.Context()))
}

func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	s.deps.Trader.SquareOff(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Trader.Status())
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Risk.Reset()
	writeJSON(w, http.StatusOK, s.deps.Risk.Snapshot())
}

func (s *Server) handleRiskShutdown(w http.ResponseWriter, r *http.Request) {
	s.deps.Risk.Shutdown(r.URL.Query().Get("reason"))
	writeJSON(w, http.StatusOK, s.deps.Risk.Snapshot())
}

// writeResult always answers 200: the outcome of a trading action is in the body.
func writeResult(w http.ResponseWriter, res livetrading.Result) {
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.WithComponent("server").Warnf("Server | Failed to write response: %v", err)
	}
}
