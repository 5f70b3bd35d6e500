package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Development bool `yaml:"development"`
	Server      struct {
		Addr            string `yaml:"addr"`
		ShutdownSeconds int    `yaml:"shutdown_seconds"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Funding struct {
		Class string `yaml:"funding_source_class"`
		Fake  struct {
			Secret  string `yaml:"secret"`
			Network string `yaml:"network"`
		} `yaml:"fake"`
		LNbits struct {
			Endpoints         []string `yaml:"endpoints"`
			AdminKey          string   `yaml:"admin_key"`
			InvoiceKey        string   `yaml:"invoice_key"`
			FailoverThreshold int      `yaml:"failover_threshold"`
		} `yaml:"lnbits"`
		LndRest struct {
			Endpoint string `yaml:"endpoint"`
			Macaroon string `yaml:"macaroon"`
			CertPath string `yaml:"cert_path"`
			Insecure bool   `yaml:"insecure"`
		} `yaml:"lndrest"`
	} `yaml:"funding"`
	Fees struct {
		ReserveMinMsat      int64   `yaml:"fee_reserve_min_msat"`
		ReservePercent      float64 `yaml:"fee_reserve_percent"`
		ServiceFeePercent   float64 `yaml:"service_fee_percent"`
		ServiceFeeMaxSats   int64   `yaml:"service_fee_max_sats"`
		ServiceFeeWalletID  string  `yaml:"service_fee_wallet_id"`
		ServiceFeeIgnoreInt bool    `yaml:"service_fee_ignore_internal"`
	} `yaml:"fees"`
	Limits struct {
		MaxBalanceSats       int64 `yaml:"wallet_limit_max_balance"`
		SecsBetweenTrans     int64 `yaml:"wallet_limit_secs_between_trans"`
		DailyMaxWithdrawSats int64 `yaml:"wallet_limit_daily_max_withdraw"`
	} `yaml:"limits"`
	Invoices struct {
		ExpirySecsDefault int `yaml:"invoice_expiry_secs_default"`
		QueueSize         int `yaml:"internal_queue_size"`
	} `yaml:"invoices"`
	Worker struct {
		PollSeconds          int `yaml:"poll_seconds"`
		ExpirySweepSeconds   int `yaml:"expiry_sweep_seconds"`
		StreamBackoffSeconds int `yaml:"stream_backoff_seconds"`
		InvoiceMaxAgeDays    int `yaml:"invoice_max_age_days"`
	} `yaml:"worker"`
	Notify struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"notify"`
	Pricing struct {
		FixedRates      map[string]float64 `yaml:"fixed_rates"`
		ProviderURL     string             `yaml:"provider_url"`
		CacheTTLSeconds int                `yaml:"cache_ttl_seconds"`
		RedisAddr       string             `yaml:"redis_addr"`
		RedisPassword   string             `yaml:"redis_password"`
		RedisDB         int                `yaml:"redis_db"`
	} `yaml:"pricing"`
	Stripe struct {
		APIKey        string `yaml:"api_key"`
		WebhookSecret string `yaml:"webhook_secret"`
		SuccessURL    string `yaml:"success_url"`
		CancelURL     string `yaml:"cancel_url"`
		APIBase       string `yaml:"api_base"`
	} `yaml:"stripe"`
}

// Load reads the YAML file, then lets the environment (and a .env file, when
// present) override it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	explicit := path != ""
	if !explicit {
		path = "configs/config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// environment-only deployments
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":5000"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Funding.Class == "" {
		c.Funding.Class = "void"
	}
	if c.Fees.ReserveMinMsat == 0 {
		c.Fees.ReserveMinMsat = 1000
	}
	if c.Fees.ReservePercent == 0 {
		c.Fees.ReservePercent = 1.0
	}
	if c.Invoices.ExpirySecsDefault <= 0 {
		c.Invoices.ExpirySecsDefault = 3600
	}
}

func (c *Config) Validate() error {
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Fees.ReservePercent < 0 || c.Fees.ServiceFeePercent < 0 {
		return errors.New("fee percentages must not be negative")
	}
	if c.Fees.ServiceFeePercent > 0 && c.Fees.ServiceFeeWalletID == "" {
		return errors.New("fees.service_fee_wallet_id is required when a service fee is set")
	}
	switch c.Funding.Class {
	case "lnbits":
		if len(c.Funding.LNbits.Endpoints) == 0 || c.Funding.LNbits.AdminKey == "" {
			return errors.New("lnbits funding source needs endpoints and admin_key")
		}
	case "lndrest":
		if c.Funding.LndRest.Endpoint == "" || c.Funding.LndRest.Macaroon == "" {
			return errors.New("lndrest funding source needs endpoint and macaroon")
		}
	}
	if c.Stripe.APIKey != "" && c.Stripe.WebhookSecret == "" {
		return errors.New("stripe.webhook_secret is required with stripe.api_key")
	}
	return nil
}

func (c *Config) InvoiceExpiry() time.Duration {
	return time.Duration(c.Invoices.ExpirySecsDefault) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVELOPMENT"); v != "" {
		cfg.Development = boolOr(cfg.Development, v)
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}

	if v := os.Getenv("FUNDING_SOURCE_CLASS"); v != "" {
		cfg.Funding.Class = strings.ToLower(v)
	}
	if v := os.Getenv("FAKE_WALLET_SECRET"); v != "" {
		cfg.Funding.Fake.Secret = v
	}
	if v := os.Getenv("LNBITS_ENDPOINTS"); v != "" {
		cfg.Funding.LNbits.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("LNBITS_ADMIN_KEY"); v != "" {
		cfg.Funding.LNbits.AdminKey = v
	}
	if v := os.Getenv("LNBITS_INVOICE_KEY"); v != "" {
		cfg.Funding.LNbits.InvoiceKey = v
	}
	if v := os.Getenv("LNBITS_FAILOVER_THRESHOLD"); v != "" {
		cfg.Funding.LNbits.FailoverThreshold = atoiOr(cfg.Funding.LNbits.FailoverThreshold, v)
	}
	if v := os.Getenv("LND_REST_ENDPOINT"); v != "" {
		cfg.Funding.LndRest.Endpoint = v
	}
	if v := os.Getenv("LND_REST_MACAROON"); v != "" {
		cfg.Funding.LndRest.Macaroon = v
	}
	if v := os.Getenv("LND_REST_CERT"); v != "" {
		cfg.Funding.LndRest.CertPath = v
	}

	if v := os.Getenv("FEE_RESERVE_MIN_MSAT"); v != "" {
		cfg.Fees.ReserveMinMsat = atoi64Or(cfg.Fees.ReserveMinMsat, v)
	}
	if v := os.Getenv("FEE_RESERVE_PERCENT"); v != "" {
		cfg.Fees.ReservePercent = floatOr(cfg.Fees.ReservePercent, v)
	}
	if v := os.Getenv("SERVICE_FEE_PERCENT"); v != "" {
		cfg.Fees.ServiceFeePercent = floatOr(cfg.Fees.ServiceFeePercent, v)
	}
	if v := os.Getenv("SERVICE_FEE_MAX_SATS"); v != "" {
		cfg.Fees.ServiceFeeMaxSats = atoi64Or(cfg.Fees.ServiceFeeMaxSats, v)
	}
	if v := os.Getenv("SERVICE_FEE_WALLET_ID"); v != "" {
		cfg.Fees.ServiceFeeWalletID = v
	}
	if v := os.Getenv("SERVICE_FEE_IGNORE_INTERNAL"); v != "" {
		cfg.Fees.ServiceFeeIgnoreInt = boolOr(cfg.Fees.ServiceFeeIgnoreInt, v)
	}

	if v := os.Getenv("WALLET_LIMIT_MAX_BALANCE"); v != "" {
		cfg.Limits.MaxBalanceSats = atoi64Or(cfg.Limits.MaxBalanceSats, v)
	}
	if v := os.Getenv("WALLET_LIMIT_SECS_BETWEEN_TRANS"); v != "" {
		cfg.Limits.SecsBetweenTrans = atoi64Or(cfg.Limits.SecsBetweenTrans, v)
	}
	if v := os.Getenv("WALLET_LIMIT_DAILY_MAX_WITHDRAW"); v != "" {
		cfg.Limits.DailyMaxWithdrawSats = atoi64Or(cfg.Limits.DailyMaxWithdrawSats, v)
	}
	if v := os.Getenv("INVOICE_EXPIRY_SECS_DEFAULT"); v != "" {
		cfg.Invoices.ExpirySecsDefault = atoiOr(cfg.Invoices.ExpirySecsDefault, v)
	}

	if v := os.Getenv("WORKER_POLL_SECONDS"); v != "" {
		cfg.Worker.PollSeconds = atoiOr(cfg.Worker.PollSeconds, v)
	}
	if v := os.Getenv("WORKER_STREAM_BACKOFF_SECONDS"); v != "" {
		cfg.Worker.StreamBackoffSeconds = atoiOr(cfg.Worker.StreamBackoffSeconds, v)
	}

	if v := os.Getenv("PRICING_PROVIDER_URL"); v != "" {
		cfg.Pricing.ProviderURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Pricing.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Pricing.RedisPassword = v
	}

	if v := os.Getenv("STRIPE_API_KEY"); v != "" {
		cfg.Stripe.APIKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("STRIPE_SUCCESS_URL"); v != "" {
		cfg.Stripe.SuccessURL = v
	}
	if v := os.Getenv("STRIPE_CANCEL_URL"); v != "" {
		cfg.Stripe.CancelURL = v
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

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func floatOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
