// config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL,required"`
	ListenAddr       string `env:"LISTEN_ADDR" envDefault:":5200"`
	GameServiceToken string `env:"GAME_SERVICE_TOKEN,required"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	// Economy
	TaxRate        decimal.Decimal `env:"TAX_RATE" envDefault:"0.01"`
	UsdToGemsRate  decimal.Decimal `env:"USD_TO_GEMS_RATE" envDefault:"100"`
	HouseAccountID string          `env:"HOUSE_ACCOUNT_ID" envDefault:"house"`

	// Duel lifecycle windows
	PendingExpiry  time.Duration `env:"PENDING_EXPIRY" envDefault:"30m"`
	AcceptedExpiry time.Duration `env:"ACCEPTED_EXPIRY" envDefault:"10m"`
	ForfeitWindow  time.Duration `env:"FORFEIT_WINDOW" envDefault:"15m"`
	ForfeitJitter  time.Duration `env:"FORFEIT_JITTER" envDefault:"2m"`
	AckWindow      time.Duration `env:"ACK_WINDOW" envDefault:"10m"`
	ServerLiveness time.Duration `env:"SERVER_LIVENESS" envDefault:"60s"`

	// Background passes
	MatchmakingInterval time.Duration `env:"MATCHMAKING_INTERVAL" envDefault:"5s"`
	SweeperInterval     time.Duration `env:"SWEEPER_INTERVAL" envDefault:"30s"`
	DepositInterval     time.Duration `env:"DEPOSIT_INTERVAL" envDefault:"15s"`
	SyncInterval        time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`

	// Chain + price collaborators
	ChainRPCURLs         map[string]string `env:"CHAIN_RPC_URLS" envKeyValSeparator:"="`
	Confirmations        map[string]int    `env:"CHAIN_CONFIRMATIONS" envKeyValSeparator:"=" envDefault:"ethereum=12,polygon=64,base=10,arbitrum=20"`
	DefaultConfirmations int               `env:"DEFAULT_CONFIRMATIONS" envDefault:"12"`
	PriceAPIURL          string            `env:"PRICE_API_URL" envDefault:"https://api.coingecko.com/api/v3"`
	// SYMBOL=id or SYMBOL@network=id for bridged tokens.
	PriceTokenIDs        map[string]string `env:"PRICE_TOKEN_IDS" envKeyValSeparator:"=" envDefault:"USDC=usd-coin,USDT=tether,ETH=ethereum,MATIC=matic-network"`
	PriceTTL             time.Duration     `env:"PRICE_TTL" envDefault:"60s"`

	// HMAC key for the address-activity webhook; empty skips signature checks
	ChainWebhookSigningKey string `env:"CHAIN_WEBHOOK_SIGNING_KEY"`

	// Sync service (profiles + deposit addresses); empty disables the workers
	SyncServiceURL string `env:"SYNC_SERVICE_URL"`

	// R2 evidence storage; empty bucket disables uploads
	CloudflareAccountID string `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID       string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret   string `env:"R2_ACCESS_KEY_SECRET"`
	R2BucketName        string `env:"R2_BUCKET_NAME"`
	CDNBaseURL          string `env:"CDN_BASE_URL"`

	Log LogConfig `envPrefix:"LOG_"`
}

type LogConfig struct {
	Level     string `env:"LEVEL" envDefault:"info"`
	File      string `env:"FILE"`
	ErrorFile string `env:"ERROR_FILE"`
	Console   bool   `env:"CONSOLE" envDefault:"true"`
}

// Load parses the environment into a Config and validates the economic knobs.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be in [0, 1), got %s", c.TaxRate)
	}
	if !c.UsdToGemsRate.IsPositive() {
		return fmt.Errorf("USD_TO_GEMS_RATE must be positive, got %s", c.UsdToGemsRate)
	}
	if strings.TrimSpace(c.HouseAccountID) == "" {
		return fmt.Errorf("HOUSE_ACCOUNT_ID must not be empty")
	}
	if c.ForfeitJitter >= c.ForfeitWindow {
		return fmt.Errorf("FORFEIT_JITTER (%s) must be smaller than FORFEIT_WINDOW (%s)", c.ForfeitJitter, c.ForfeitWindow)
	}
	return nil
}

// ConfirmationsFor returns the confirmation threshold for a network.
func (c *Config) ConfirmationsFor(network string) int {
	if n, ok := c.Confirmations[strings.ToLower(network)]; ok && n > 0 {
		return n
	}
	return c.DefaultConfirmations
}

// AllowedOriginList splits ALLOWED_ORIGINS on commas and trims each entry.
func (c *Config) AllowedOriginList() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if o := strings.TrimSpace(origin); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
