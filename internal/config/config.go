package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Gateway struct {
		Endpoints         []string `yaml:"endpoints"`
		Token             string   `yaml:"token"`
		FailoverThreshold int      `yaml:"failover_threshold"`
	} `yaml:"gateway"`
	Wallet struct {
		XPub string `yaml:"xpub"`
		HRP  string `yaml:"hrp"`
	} `yaml:"wallet"`
	Orders struct {
		TTLSeconds   int   `yaml:"ttl_seconds"`
		EscrowFeeBps int64 `yaml:"escrow_fee_bps"`
	} `yaml:"orders"`
	Poller struct {
		SearchIntervalSeconds    int `yaml:"search_interval_seconds"`
		ConfirmedIntervalMinutes int `yaml:"confirmed_interval_minutes"`
		RetryBudget              int `yaml:"retry_budget"`
		// APIEnabled lets the api process run poll loops itself, for
		// deployments without a worker. With a worker running it must
		// stay off so each order has exactly one poll loop.
		APIEnabled bool `yaml:"api_enabled"`
	} `yaml:"poller"`
	Worker struct {
		ResyncIntervalSeconds int `yaml:"resync_interval_seconds"`
	} `yaml:"worker"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Gateway.Endpoints) == 0 {
		return nil, errors.New("gateway.endpoints is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orders.TTLSeconds <= 0 {
		cfg.Orders.TTLSeconds = 1800
	}
	if cfg.Poller.SearchIntervalSeconds <= 0 {
		cfg.Poller.SearchIntervalSeconds = 5
	}
	if cfg.Poller.ConfirmedIntervalMinutes <= 0 {
		cfg.Poller.ConfirmedIntervalMinutes = 2
	}
	if cfg.Poller.RetryBudget <= 0 {
		cfg.Poller.RetryBudget = 10
	}
	if cfg.Worker.ResyncIntervalSeconds <= 0 {
		cfg.Worker.ResyncIntervalSeconds = 60
	}
	if cfg.Wallet.HRP == "" {
		cfg.Wallet.HRP = "bc"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("GATEWAY_ENDPOINTS"); v != "" {
		cfg.Gateway.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATEWAY_FAILOVER_THRESHOLD"); v != "" {
		cfg.Gateway.FailoverThreshold = atoiOr(cfg.Gateway.FailoverThreshold, v)
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("WALLET_HRP"); v != "" {
		cfg.Wallet.HRP = v
	}
	if v := os.Getenv("ORDER_TTL_SECONDS"); v != "" {
		cfg.Orders.TTLSeconds = atoiOr(cfg.Orders.TTLSeconds, v)
	}
	if v := os.Getenv("ESCROW_FEE_BPS"); v != "" {
		cfg.Orders.EscrowFeeBps = atoi64Or(cfg.Orders.EscrowFeeBps, v)
	}
	if v := os.Getenv("POLLER_SEARCH_INTERVAL_SECONDS"); v != "" {
		cfg.Poller.SearchIntervalSeconds = atoiOr(cfg.Poller.SearchIntervalSeconds, v)
	}
	if v := os.Getenv("POLLER_CONFIRMED_INTERVAL_MINUTES"); v != "" {
		cfg.Poller.ConfirmedIntervalMinutes = atoiOr(cfg.Poller.ConfirmedIntervalMinutes, v)
	}
	if v := os.Getenv("POLLER_RETRY_BUDGET"); v != "" {
		cfg.Poller.RetryBudget = atoiOr(cfg.Poller.RetryBudget, v)
	}
	if v := os.Getenv("POLLER_API_ENABLED"); v != "" {
		cfg.Poller.APIEnabled = boolOr(cfg.Poller.APIEnabled, v)
	}
	if v := os.Getenv("WORKER_RESYNC_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.ResyncIntervalSeconds = atoiOr(cfg.Worker.ResyncIntervalSeconds, v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
