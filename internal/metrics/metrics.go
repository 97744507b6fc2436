// Package metrics registers the trader's Prometheus collectors:
//
//	lords_breaker_state{group}              0=closed 1=half_open 2=open
//	lords_broker_requests_total{group,outcome}
//	lords_broker_retries_total{group}
//	lords_stream_state{stream}              0=connecting 1=connected 2=reconnecting 3=stopped
//	lords_stream_reconnects_total{stream}
//	lords_risk_blocked_total{reason}
//	lords_realized_pnl
//	lords_trades_today
//	lords_orders_total{status}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lords_breaker_state",
		Help: "Circuit breaker state per endpoint group: 0=closed, 1=half_open, 2=open",
	}, []string{"group"})

	BrokerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lords_broker_requests_total",
		Help: "Broker REST calls by final outcome",
	}, []string{"group", "outcome"})

	BrokerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lords_broker_retries_total",
		Help: "Broker REST retries after a transient failure",
	}, []string{"group"})

	StreamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lords_stream_state",
		Help: "Websocket stream state: 0=connecting, 1=connected, 2=reconnecting, 3=stopped",
	}, []string{"stream"})

	StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lords_stream_reconnects_total",
		Help: "Websocket reconnect attempts",
	}, []string{"stream"})

	RiskBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lords_risk_blocked_total",
		Help: "Order attempts refused by the risk gate",
	}, []string{"reason"})

	RealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lords_realized_pnl",
		Help: "Realized PnL for the current trading day",
	})

	TradesToday = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lords_trades_today",
		Help: "Completed trades for the current trading day",
	})

	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lords_orders_total",
		Help: "Orders by resulting status",
	}, []string{"status"})

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		BreakerState, BrokerRequests, BrokerRetries,
		StreamState, StreamReconnects,
		RiskBlocked, RealizedPnL, TradesToday, Orders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
