package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/db"
	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/livetrading"
	"github.com/proxyhifi-dev/lords/internal/notifier"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/ratelimit"
	"github.com/proxyhifi-dev/lords/internal/risk"
	"github.com/proxyhifi-dev/lords/internal/server"
	"github.com/proxyhifi-dev/lords/internal/state"
	"github.com/proxyhifi-dev/lords/internal/strategy"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// storage is what the order service and the risk engine persist into.
type storage interface {
	order.Storage
	state.StateManager
}

func openStorage(ctx context.Context, cfg config.Config) (storage, func()) {
	log := utils.WithComponent("main")
	if cfg.DB.ConnStr == "" {
		log.Info("Main | No database configured, keeping orders and state in memory")
		return db.NewMemory(), func() {}
	}
	pg, err := db.Open(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Main | %v", err)
	}
	return pg, func() { pg.Close() }
}

func authenticate(ctx context.Context, cfg config.Config) *exchange.Authenticator {
	log := utils.WithComponent("main")
	b := cfg.Broker
	auth := exchange.NewAuthenticator(exchange.AuthConfig{
		AppID:       b.AppID,
		SecretKey:   b.SecretKey,
		Pin:         b.Pin,
		RedirectURI: b.RedirectURI,
		BaseURL:     b.TradingURL,
	}, exchange.FileTokenStore{Path: b.TokenFile}, nil)

	switch {
	case b.AccessToken != "":
		auth.SetToken(exchange.Token{AccessToken: b.AccessToken, RefreshToken: b.RefreshToken})
	case b.AuthCode != "":
		if err := auth.ExchangeAuthCode(ctx, b.AuthCode); err != nil {
			log.Errorf("Main | %v", err)
		}
	}
	if !auth.Valid() {
		log.Warnf("Main | No valid broker token. Log in at %s and restart with FYERS_AUTH_CODE", auth.LoginURL("lords"))
	}
	return auth
}

func main() {
	cfg := config.MustLoadConfig()
	utils.Configure(cfg.Log)
	log := utils.WithComponent("main")
	log.Infof("Main | Starting in %s mode for %s", cfg.Mode, cfg.ORB.Underlying)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStorage(ctx, cfg)
	defer closeStore()

	// Broker pipeline: rate limiter, breakers and token refresh live in the client.
	auth := authenticate(ctx, cfg)
	lim := cfg.Limits
	client := exchange.NewClient(exchange.ClientConfig{
		TradingURL:       cfg.Broker.TradingURL,
		DataURL:          cfg.Broker.DataURL,
		FailureThreshold: lim.FailureThreshold,
		Cooldown:         lim.CooldownDuration,
		MaxRetryAttempts: lim.MaxRetryAttempts,
		RetryBaseDelay:   lim.RetryBaseDelay,
		RetryMaxDelay:    lim.RetryMaxDelay,
		RequestTimeout:   lim.RequestTimeout,
	}, auth, ratelimit.New(lim.PerSecondLimit, lim.PerMinuteLimit))

	var ex exchange.Exchange = exchange.NewFyers(client)
	if cfg.Mode == config.ModePaper {
		ex = exchange.NewPaper(ex)
	}

	engine := risk.NewEngine(risk.Limits{
		MaxDailyLoss:   decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		MaxTrades:      cfg.Risk.MaxTrades,
		SinglePosition: cfg.Risk.SinglePosition,
	},
		risk.WithLocation(cfg.Location()),
		risk.WithStateStore(store),
		risk.WithPauseSource(client),
	)
	if err := engine.Restore(ctx); err != nil {
		log.Warnf("Main | Risk state not restored: %v", err)
	}

	var notify notifier.Notifier = notifier.Log{}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		notify = notifier.NewTelegramNotifier(cfg.Telegram)
	}

	settings, err := strategy.SettingsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Main | %v", err)
	}
	orders := order.NewService(ex, engine, store)
	trader := livetrading.NewTrader(livetrading.Deps{
		Config:   cfg,
		Exchange: ex,
		Orders:   orders,
		Risk:     engine,
		Detector: strategy.NewORBDetector(settings),
		Notifier: notify,
	})

	// Streams: market ticks drive the runner, order events drive the lifecycle.
	wsHeader := func() (http.Header, error) {
		h, _, err := auth.AuthHeader()
		if err != nil {
			return nil, err
		}
		return http.Header{"Authorization": []string{h}}, nil
	}
	ticks := exchange.NewTickStream(exchange.StreamConfig{
		Name:         "data",
		URL:          cfg.Broker.DataWSURL,
		BaseDelay:    lim.ReconnectBaseDelay,
		MaxDelay:     lim.ReconnectBackoffCap,
		PingInterval: lim.PingInterval,
		StableAfter:  lim.StableAfter,
		Header:       wsHeader,
	})
	runner := livetrading.NewRunner(trader, ticks)
	orderStream := exchange.NewStreamManager(exchange.StreamConfig{
		Name:         "orders",
		URL:          cfg.Broker.OrderWSURL,
		BaseDelay:    lim.ReconnectBaseDelay,
		MaxDelay:     lim.ReconnectBackoffCap,
		PingInterval: lim.PingInterval,
		StableAfter:  lim.StableAfter,
		Header:       wsHeader,
	}, runner.HandleOrderMessage)
	orderStream.OnConnect(func() [][]byte { return [][]byte{exchange.OrderSubscribeFrame()} })

	checks := map[string]server.HealthCheck{"data_stream": ticks.Health}
	ticks.Start(ctx)
	defer ticks.Stop()
	if cfg.Mode == config.ModeLive {
		orderStream.Start(ctx)
		defer orderStream.Stop()
		checks["order_stream"] = orderStream.Health
	}

	account, _ := ex.(exchange.AccountReader)
	ops := server.New(cfg.Ops.Addr, server.Deps{
		Trader:  trader,
		Risk:    engine,
		Orders:  orders,
		Account: account,
		Breakers: func() []exchange.BreakerSnapshot {
			return []exchange.BreakerSnapshot{
				client.Breaker(exchange.GroupTrading).Snapshot(),
				client.Breaker(exchange.GroupData).Snapshot(),
			}
		},
		Checks: checks,
	})
	go func() {
		if err := ops.Start(); err != nil {
			log.Errorf("Main | Ops server stopped: %v", err)
			stop()
		}
	}()

	if err := runner.Run(ctx); err != nil {
		log.Errorf("Main | Runner stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Main | Ops server shutdown: %v", err)
	}
	log.Info("Main | Stopped")
}
