package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Gateway struct {
		BaseURL            string `yaml:"base_url"`
		MerchantCode       string `yaml:"merchant_code"`
		AccessCode         string `yaml:"access_code"`
		SecretKey          string `yaml:"secret_key"`
		IVKey              string `yaml:"iv_key"`
		ResponseURL        string `yaml:"response_url"`
		FailureURL         string `yaml:"failure_url"`
		TimeoutSeconds     int    `yaml:"timeout_seconds"`
		VerifyTransactions bool   `yaml:"verify_transactions"`
	} `yaml:"gateway"`
	Provisioning struct {
		BaseURL                string `yaml:"base_url"`
		TokenURL               string `yaml:"token_url"`
		ClientID               string `yaml:"client_id"`
		ClientSecret           string `yaml:"client_secret"`
		TimeoutSeconds         int    `yaml:"timeout_seconds"`
		TokenRequestsPerMinute int    `yaml:"token_requests_per_minute"`
	} `yaml:"provisioning"`
	Orders struct {
		DefaultType       string `yaml:"default_type"`
		DefaultCurrency   string `yaml:"default_currency"`
		MaxQuantity       int    `yaml:"max_quantity"`
		PendingTTLMinutes int    `yaml:"pending_ttl_minutes"`
		ReferencePrefix   string `yaml:"reference_prefix"`
	} `yaml:"orders"`
	Pricing struct {
		DefaultUSD string            `yaml:"default_usd"`
		USDToKWD   string            `yaml:"usd_to_kwd"`
		Packages   map[string]string `yaml:"packages"`
	} `yaml:"pricing"`
	Worker struct {
		IntervalSeconds       int64 `yaml:"interval_seconds"`
		ProvisionGraceMinutes int   `yaml:"provision_grace_minutes"`
	} `yaml:"worker"`
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
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
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
	if cfg.Gateway.BaseURL == "" || cfg.Gateway.MerchantCode == "" || cfg.Gateway.AccessCode == "" {
		return nil, errors.New("gateway config is incomplete")
	}
	if cfg.Gateway.ResponseURL == "" {
		return nil, errors.New("gateway.response_url is required")
	}
	if cfg.Provisioning.BaseURL == "" || cfg.Provisioning.ClientID == "" || cfg.Provisioning.ClientSecret == "" {
		return nil, errors.New("provisioning config is incomplete")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return &cfg, nil
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) ProvisioningTimeout() time.Duration {
	return time.Duration(c.Provisioning.TimeoutSeconds) * time.Second
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Orders.PendingTTLMinutes) * time.Minute
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) ProvisionGrace() time.Duration {
	return time.Duration(c.Worker.ProvisionGraceMinutes) * time.Minute
}

func applyDefaults(cfg *Config) {
	cfg.Gateway.BaseURL = strings.TrimRight(cfg.Gateway.BaseURL, "/")
	if cfg.Gateway.FailureURL == "" {
		cfg.Gateway.FailureURL = cfg.Gateway.ResponseURL
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 15
	}
	cfg.Provisioning.BaseURL = strings.TrimRight(cfg.Provisioning.BaseURL, "/")
	if cfg.Provisioning.TokenURL == "" && cfg.Provisioning.BaseURL != "" {
		cfg.Provisioning.TokenURL = cfg.Provisioning.BaseURL + "/token"
	}
	if cfg.Provisioning.TimeoutSeconds <= 0 {
		cfg.Provisioning.TimeoutSeconds = 30
	}
	if cfg.Provisioning.TokenRequestsPerMinute <= 0 {
		cfg.Provisioning.TokenRequestsPerMinute = 5
	}
	if cfg.Orders.DefaultType == "" {
		cfg.Orders.DefaultType = "sim"
	}
	if cfg.Orders.DefaultCurrency == "" {
		cfg.Orders.DefaultCurrency = "KWD"
	}
	if cfg.Orders.MaxQuantity <= 0 {
		cfg.Orders.MaxQuantity = 50
	}
	if cfg.Orders.PendingTTLMinutes <= 0 {
		cfg.Orders.PendingTTLMinutes = 60
	}
	if cfg.Orders.ReferencePrefix == "" {
		cfg.Orders.ReferencePrefix = "ORD"
	}
	if cfg.Pricing.DefaultUSD == "" {
		cfg.Pricing.DefaultUSD = "9.5"
	}
	if cfg.Pricing.USDToKWD == "" {
		cfg.Pricing.USDToKWD = "0.30"
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 60
	}
	if cfg.Worker.ProvisionGraceMinutes <= 0 {
		cfg.Worker.ProvisionGraceMinutes = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.Redis.DB = atoiOr(cfg.Redis.DB, v)
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_MERCHANT_CODE"); v != "" {
		cfg.Gateway.MerchantCode = v
	}
	if v := os.Getenv("GATEWAY_ACCESS_CODE"); v != "" {
		cfg.Gateway.AccessCode = v
	}
	if v := os.Getenv("GATEWAY_SECRET_KEY"); v != "" {
		cfg.Gateway.SecretKey = v
	}
	if v := os.Getenv("GATEWAY_IV_KEY"); v != "" {
		cfg.Gateway.IVKey = v
	}
	if v := os.Getenv("GATEWAY_RESPONSE_URL"); v != "" {
		cfg.Gateway.ResponseURL = v
	}
	if v := os.Getenv("GATEWAY_FAILURE_URL"); v != "" {
		cfg.Gateway.FailureURL = v
	}
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		cfg.Gateway.TimeoutSeconds = atoiOr(cfg.Gateway.TimeoutSeconds, v)
	}
	if v := os.Getenv("GATEWAY_VERIFY_TRANSACTIONS"); v != "" {
		cfg.Gateway.VerifyTransactions = boolOr(cfg.Gateway.VerifyTransactions, v)
	}
	if v := os.Getenv("PROVISIONING_BASE_URL"); v != "" {
		cfg.Provisioning.BaseURL = v
	}
	if v := os.Getenv("PROVISIONING_TOKEN_URL"); v != "" {
		cfg.Provisioning.TokenURL = v
	}
	if v := os.Getenv("PROVISIONING_CLIENT_ID"); v != "" {
		cfg.Provisioning.ClientID = v
	}
	if v := os.Getenv("PROVISIONING_CLIENT_SECRET"); v != "" {
		cfg.Provisioning.ClientSecret = v
	}
	if v := os.Getenv("PROVISIONING_TIMEOUT_SECONDS"); v != "" {
		cfg.Provisioning.TimeoutSeconds = atoiOr(cfg.Provisioning.TimeoutSeconds, v)
	}
	if v := os.Getenv("PROVISIONING_TOKEN_REQUESTS_PER_MINUTE"); v != "" {
		cfg.Provisioning.TokenRequestsPerMinute = atoiOr(cfg.Provisioning.TokenRequestsPerMinute, v)
	}
	if v := os.Getenv("ORDER_DEFAULT_TYPE"); v != "" {
		cfg.Orders.DefaultType = v
	}
	if v := os.Getenv("ORDER_DEFAULT_CURRENCY"); v != "" {
		cfg.Orders.DefaultCurrency = v
	}
	if v := os.Getenv("ORDER_MAX_QUANTITY"); v != "" {
		cfg.Orders.MaxQuantity = atoiOr(cfg.Orders.MaxQuantity, v)
	}
	if v := os.Getenv("ORDER_PENDING_TTL_MINUTES"); v != "" {
		cfg.Orders.PendingTTLMinutes = atoiOr(cfg.Orders.PendingTTLMinutes, v)
	}
	if v := os.Getenv("ORDER_REFERENCE_PREFIX"); v != "" {
		cfg.Orders.ReferencePrefix = v
	}
	if v := os.Getenv("PRICING_DEFAULT_USD"); v != "" {
		cfg.Pricing.DefaultUSD = v
	}
	if v := os.Getenv("PRICING_USD_TO_KWD"); v != "" {
		cfg.Pricing.USDToKWD = v
	}
	if v := os.Getenv("PRICING_PACKAGES"); v != "" {
		cfg.Pricing.Packages = splitPairs(v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_PROVISION_GRACE_MINUTES"); v != "" {
		cfg.Worker.ProvisionGraceMinutes = atoiOr(cfg.Worker.ProvisionGraceMinutes, v)
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

// splitPairs parses "pkg-a=4.5,pkg-b=12".
func splitPairs(v string) map[string]string {
	out := map[string]string{}
	for _, item := range splitCommaList(v) {
		k, val, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		val = strings.TrimSpace(val)
		if k == "" || val == "" {
			continue
		}
		out[k] = val
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

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
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
