package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/db"
	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/livetrading"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/risk"
	"github.com/proxyhifi-dev/lords/internal/strategy"
)

type quoteOnly struct{}

func (quoteOnly) Name() string { return "fake" }
func (quoteOnly) PlaceOrder(context.Context, exchange.OrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, errors.New("not supported")
}
func (quoteOnly) ModifyOrder(context.Context, exchange.ModifyRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, errors.New("not supported")
}
func (quoteOnly) CancelOrder(context.Context, exchange.CancelRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, errors.New("not supported")
}
func (quoteOnly) Orders(context.Context) ([]exchange.BrokerOrder, error) { return nil, nil }
func (quoteOnly) Positions(context.Context) ([]market.Position, error) { return nil, nil }
func (quoteOnly) Quotes(_ context.Context, symbols ...string) ([]market.Quote, error) {
	out := make([]market.Quote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, market.Quote{Symbol: s, LTP: 22100})
	}
	return out, nil
}
func (quoteOnly) OptionChain(context.Context, string, int) ([]market.OptionContract, error) {
	return nil, nil
}

type holdingsReader struct{}

func (holdingsReader) Holdings(context.Context) ([]exchange.Holding, error) {
	return []exchange.Holding{{Symbol: "NSE:SBIN-EQ", Qty: 10, CostPrice: 500, LTP: 610}}, nil
}

type brokenAccount struct{}

func (brokenAccount) Holdings(context.Context) ([]exchange.Holding, error) {
	return nil, errors.New("circuit open")
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) (*Server, *risk.Engine) {
	t.Helper()
	ist := time.FixedZone("IST", 5*3600+1800)
	now := func() time.Time { return time.Date(2024, 1, 2, 9, 20, 0, 0, ist) }

	cfg := config.Default()
	settings, err := strategy.SettingsFromConfig(cfg)
	require.NoError(t, err)
	settings.Location = ist

	engine := risk.NewEngine(risk.Limits{MaxDailyLoss: decimal.NewFromInt(2500), MaxTrades: 3, SinglePosition: true},
		risk.WithClock(now), risk.WithLocation(ist))
	paper := exchange.NewPaper(quoteOnly{})
	svc := order.NewService(paper, engine, db.NewMemory(), order.WithServiceClock(now))
	trader := livetrading.NewTrader(livetrading.Deps{
		Config:   cfg,
		Exchange: paper,
		Orders:   svc,
		Risk:     engine,
		Detector: strategy.NewORBDetector(settings),
		Clock:    now,
	})
	breaker := exchange.NewCircuitBreaker(exchange.GroupTrading, 5, time.Minute)
	return New(":0", Deps{
		Trader:   trader,
		Risk:     engine,
		Orders:   svc,
		Account:  holdingsReader{},
		Breakers: func() []exchange.BreakerSnapshot { return []exchange.BreakerSnapshot{breaker.Snapshot()} },
		Checks:   checks,
	}), engine
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	healthy := true
	s, _ := newTestServer(t, map[string]HealthCheck{
		"ticks": func() error {
			if healthy {
				return nil
			}
			return errors.New("reconnecting")
		},
	})

	rec, body := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	healthy = false
	rec, body = do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "reconnecting", body["components"].(map[string]any)["ticks"])
}

func TestTradingEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := do(t, s, http.MethodGet, "/scan")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, livetrading.StatusWarning, body["status"])
	assert.Equal(t, "no_open_range", body["reason"])

	_, body = do(t, s, http.MethodPost, "/approve")
	assert.Equal(t, livetrading.StatusNoSignal, body["status"])

	_, body = do(t, s, http.MethodGet, "/monitor")
	assert.Equal(t, livetrading.StatusIdle, body["status"])

	rec, _ = do(t, s, http.MethodGet, "/approve")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRiskControls(t *testing.T) {
	s, engine := newTestServer(t, nil)

	_, body := do(t, s, http.MethodPost, "/risk/shutdown?reason=operator")
	assert.Equal(t, true, body["shutdown"])
	assert.Equal(t, "operator", body["shutdown_reason"])
	assert.False(t, engine.CanTradeNow().Allowed)

	_, body = do(t, s, http.MethodPost, "/risk/reset")
	assert.Equal(t, false, body["shutdown"])
	assert.True(t, engine.CanTradeNow().Allowed)
}

func TestStatusAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := do(t, s, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(config.ModePaper), body["mode"])
	require.Contains(t, body, "breakers")
	require.Contains(t, body, "risk")

	rec, _ = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lords_realized_pnl")

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHoldings(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/holdings", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var holdings []exchange.Holding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &holdings))
	require.Len(t, holdings, 1)
	assert.Equal(t, "NSE:SBIN-EQ", holdings[0].Symbol)
	assert.Equal(t, 10, holdings[0].Qty)

	s.deps.Account = brokenAccount{}
	rec, body := do(t, s, http.MethodGet, "/holdings")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "circuit open", body["reason"])
}
