// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/proxyhifi-dev/lords/internal/utils"
)

/*
YAML config example:
mode: "PAPER"
broker:
  app_id: "XXXX-100"
  redirect_uri: "https://127.0.0.1/callback"
limits:
  per_second_limit: 10
  per_minute_limit: 200
  failure_threshold: 5
  cooldown_duration: 2m
  max_retry_attempts: 3
  reconnect_backoff_cap: 30s
risk:
  max_daily_loss: 2500
  max_trades: 3
  capital: 100000
orb:
  window_start: "09:15"
  window_end: "09:30"
  trade_until: "15:15"
*/

const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

type Config struct {
	Mode     string          `yaml:"mode"`
	Broker   BrokerConfig    `yaml:"broker"`
	Limits   Limits          `yaml:"limits"`
	Risk     RiskConfig      `yaml:"risk"`
	ORB      ORBConfig       `yaml:"orb"`
	DB       DBConfig        `yaml:"db"`
	Telegram TelegramConfig  `yaml:"telegram"`
	Log      utils.LogConfig `yaml:"log"`
	Ops      OpsConfig       `yaml:"ops"`
}

type BrokerConfig struct {
	AppID        string `yaml:"app_id"`
	SecretKey    string `yaml:"secret_key"`
	Pin          string `yaml:"pin"`
	RedirectURI  string `yaml:"redirect_uri"`
	AuthCode     string `yaml:"auth_code"`
	TradingURL   string `yaml:"trading_url"`
	DataURL      string `yaml:"data_url"`
	DataWSURL    string `yaml:"data_ws_url"`
	OrderWSURL   string `yaml:"order_ws_url"`
	TokenFile    string `yaml:"token_file"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

// Limits enumerates every threshold the broker pipeline and risk gate read. It is fixed
// for the lifetime of the process.
type Limits struct {
	PerSecondLimit      int           `yaml:"per_second_limit"`
	PerMinuteLimit      int           `yaml:"per_minute_limit"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	CooldownDuration    time.Duration `yaml:"cooldown_duration"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectBackoffCap time.Duration `yaml:"reconnect_backoff_cap"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	StableAfter         time.Duration `yaml:"stable_after"`
}

type RiskConfig struct {
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MaxTrades        int     `yaml:"max_trades"`
	Capital          float64 `yaml:"capital"`
	RiskPercent      float64 `yaml:"risk_percent"`
	StopLossFraction float64 `yaml:"stop_loss_fraction"` // 0.2 = 20% below entry
	TargetFraction   float64 `yaml:"target_fraction"`
	SinglePosition   bool    `yaml:"single_position"`
}

type ORBConfig struct {
	Underlying  string `yaml:"underlying"`
	WindowStart string `yaml:"window_start"`
	WindowEnd   string `yaml:"window_end"`
	TradeUntil  string `yaml:"trade_until"`
	MinTicks    int    `yaml:"min_ticks"`
	StrikeStep  int    `yaml:"strike_step"`
	StrikeCount int    `yaml:"strike_count"`
	Timezone    string `yaml:"timezone"`
}

type DBConfig struct {
	ConnStr string `yaml:"conn_str"`
	MaxOpen int    `yaml:"max_open"`
	MaxIdle int    `yaml:"max_idle"`
}

type TelegramConfig struct {
	Token   string        `yaml:"token"`
	ChatID  string        `yaml:"chat_id"`
	Retries int           `yaml:"retries"`
	Delay   time.Duration `yaml:"delay"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing overrides a field.
func Default() Config {
	return Config{
		Mode: ModePaper,
		Broker: BrokerConfig{
			TradingURL: "https://api-t1.fyers.in/api/v3",
			DataURL:    "https://api.fyers.in/data-rest/v3",
			DataWSURL:  "wss://api.fyers.in/socket/v2/data/",
			OrderWSURL: "wss://api.fyers.in/socket/v2/order/",
			TokenFile:  "token.json",
		},
		Limits: Limits{
			PerSecondLimit:      10,
			PerMinuteLimit:      200,
			FailureThreshold:    5,
			CooldownDuration:    2 * time.Minute,
			MaxRetryAttempts:    3,
			RetryBaseDelay:      500 * time.Millisecond,
			RetryMaxDelay:       8 * time.Second,
			RequestTimeout:      10 * time.Second,
			ReconnectBaseDelay:  time.Second,
			ReconnectBackoffCap: 30 * time.Second,
			PingInterval:        20 * time.Second,
			StableAfter:         time.Minute,
		},
		Risk: RiskConfig{
			MaxDailyLoss:     2500,
			MaxTrades:        3,
			Capital:          100000,
			RiskPercent:      1.0,
			StopLossFraction: 0.2,
			TargetFraction:   0.4,
			SinglePosition:   true,
		},
		ORB: ORBConfig{
			Underlying:  "NSE:NIFTY50-INDEX",
			WindowStart: "09:15",
			WindowEnd:   "09:30",
			TradeUntil:  "15:15",
			MinTicks:    5,
			StrikeStep:  50,
			StrikeCount: 20,
			Timezone:    "Asia/Kolkata",
		},
		DB: DBConfig{MaxOpen: 10, MaxIdle: 5},
		Telegram: TelegramConfig{
			Retries: 3,
			Delay:   5 * time.Second,
		},
		Log: utils.LogConfig{Level: "info", Format: "text"},
		Ops: OpsConfig{Addr: ":8080"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any), then the
// environment as seen through lookup.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	applyEnv(&cfg, lookup)
	cfg.Mode = strings.ToUpper(cfg.Mode)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("TRADING_MODE", &cfg.Mode)
	str("FYERS_APP_ID", &cfg.Broker.AppID)
	str("FYERS_SECRET_KEY", &cfg.Broker.SecretKey)
	str("FYERS_PIN", &cfg.Broker.Pin)
	str("FYERS_REDIRECT_URI", &cfg.Broker.RedirectURI)
	str("FYERS_AUTH_CODE", &cfg.Broker.AuthCode)
	str("FYERS_ACCESS_TOKEN", &cfg.Broker.AccessToken)
	str("FYERS_REFRESH_TOKEN", &cfg.Broker.RefreshToken)
	str("FYERS_TOKEN_FILE", &cfg.Broker.TokenFile)
	str("DB_CONN_STR", &cfg.DB.ConnStr)
	str("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	str("TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
	str("OPS_ADDR", &cfg.Ops.Addr)
	num("DAILY_MAX_LOSS", &cfg.Risk.MaxDailyLoss)
	num("INITIAL_CAPITAL", &cfg.Risk.Capital)
	integer("MAX_TRADES_PER_DAY", &cfg.Risk.MaxTrades)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModePaper && c.Mode != ModeLive {
		errs = append(errs, fmt.Errorf("mode must be %s or %s, got %q", ModePaper, ModeLive, c.Mode))
	}
	l := c.Limits
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"per_second_limit", int64(l.PerSecondLimit)},
		{"per_minute_limit", int64(l.PerMinuteLimit)},
		{"failure_threshold", int64(l.FailureThreshold)},
		{"cooldown_duration", int64(l.CooldownDuration)},
		{"retry_base_delay", int64(l.RetryBaseDelay)},
		{"retry_max_delay", int64(l.RetryMaxDelay)},
		{"request_timeout", int64(l.RequestTimeout)},
		{"reconnect_base_delay", int64(l.ReconnectBaseDelay)},
		{"reconnect_backoff_cap", int64(l.ReconnectBackoffCap)},
		{"max_trades", int64(c.Risk.MaxTrades)},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", f.name))
		}
	}
	if l.MaxRetryAttempts < 0 {
		errs = append(errs, errors.New("max_retry_attempts must not be negative"))
	}
	if c.Risk.MaxDailyLoss <= 0 {
		errs = append(errs, errors.New("max_daily_loss must be positive"))
	}
	if l.PerMinuteLimit < l.PerSecondLimit {
		errs = append(errs, errors.New("per_minute_limit must be at least per_second_limit"))
	}
	for name, v := range map[string]string{
		"window_start": c.ORB.WindowStart,
		"window_end":   c.ORB.WindowEnd,
		"trade_until":  c.ORB.TradeUntil,
	} {
		if _, err := ParseClock(v); err != nil {
			errs = append(errs, fmt.Errorf("orb.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Location returns the exchange timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ORB.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// MustLoadConfig reads flags, the optional .env file, the YAML file and the environment.
func MustLoadConfig() Config {
	configFile := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file with broker credentials")
	mode := flag.String("mode", "", "Trading mode: PAPER or LIVE")
	opsAddr := flag.String("ops-addr", "", "Listen address for the ops server")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config | Failed to load %s: %v", *envFile, err)
	}

	cfg, err := Load(*configFile, os.LookupEnv)
	if err != nil {
		log.Fatalf("config | %v", err)
	}
	if *mode != "" {
		cfg.Mode = strings.ToUpper(*mode)
	}
	if *opsAddr != "" {
		cfg.Ops.Addr = *opsAddr
	}
	if *telegramToken != "" {
		cfg.Telegram.Token = *telegramToken
	}
	if *telegramChatID != "" {
		cfg.Telegram.ChatID = *telegramChatID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config | %v", err)
	}
	return cfg
}
