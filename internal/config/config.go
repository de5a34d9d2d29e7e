package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`

	// Scheduler
	DefaultSyncInterval time.Duration `env:"DEFAULT_SYNC_INTERVAL" envDefault:"30m"`
	DefaultBatchSize    int           `env:"DEFAULT_BATCH_SIZE" envDefault:"5"`
	MaxBatchSize        int           `env:"MAX_BATCH_SIZE" envDefault:"20"` // global ceiling across groups
	AccountTimeout      time.Duration `env:"ACCOUNT_TIMEOUT" envDefault:"2m"`
	FetchTop            int           `env:"FETCH_TOP" envDefault:"30"`

	// Identity provider
	TokenURL          string        `env:"TOKEN_URL" envDefault:"https://login.microsoftonline.com/common/oauth2/v2.0/token"`
	DeviceCodeURL     string        `env:"DEVICE_CODE_URL" envDefault:"https://login.microsoftonline.com/common/oauth2/v2.0/devicecode"`
	DefaultClientID   string        `env:"DEFAULT_CLIENT_ID" envDefault:"9e5f94bc-e8a4-4e73-b8be-63364c29d753"`
	GraphScope        string        `env:"GRAPH_SCOPE" envDefault:"https://graph.microsoft.com/.default offline_access"`
	IMAPScope         string        `env:"IMAP_SCOPE" envDefault:"https://outlook.office.com/IMAP.AccessAsUser.All offline_access"`
	POP3Scope         string        `env:"POP3_SCOPE" envDefault:"https://outlook.office.com/POP.AccessAsUser.All offline_access"`
	DeviceScope       string        `env:"DEVICE_SCOPE" envDefault:"offline_access https://graph.microsoft.com/Mail.Read"`
	TokenSafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"60s"`
	TokenRetries      int           `env:"TOKEN_RETRY_ATTEMPTS" envDefault:"3"`

	// Transports
	GraphBaseURL   string        `env:"GRAPH_BASE_URL" envDefault:"https://graph.microsoft.com/v1.0"`
	IMAPServer     string        `env:"IMAP_SERVER"` // "host:port", "tls://host:port" or "plain://host:port"
	POP3Server     string        `env:"POP3_SERVER"`
	ProbeTimeout   time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	// Proxy check
	ProxyTestURL     string        `env:"PROXY_TEST_URL" envDefault:"https://login.microsoftonline.com/common/discovery/v2.0/keys"`
	ProxyTestTimeout time.Duration `env:"PROXY_TEST_TIMEOUT" envDefault:"10s"`

	SyncLogCapacity int    `env:"SYNC_LOG_CAPACITY" envDefault:"200"`
	MetricsAddr     string `env:"METRICS_ADDR" envDefault:":9090"` // empty disables the endpoint

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and intervals
func (c *Config) Validate() error {
	switch {
	case c.DefaultSyncInterval <= 0:
		return fmt.Errorf("DEFAULT_SYNC_INTERVAL must be positive, got %s", c.DefaultSyncInterval)
	case c.DefaultBatchSize <= 0:
		return fmt.Errorf("DEFAULT_BATCH_SIZE must be positive, got %d", c.DefaultBatchSize)
	case c.MaxBatchSize < c.DefaultBatchSize:
		return fmt.Errorf("MAX_BATCH_SIZE (%d) must not be below DEFAULT_BATCH_SIZE (%d)", c.MaxBatchSize, c.DefaultBatchSize)
	case c.FetchTop <= 0:
		return fmt.Errorf("FETCH_TOP must be positive, got %d", c.FetchTop)
	case c.TokenRetries <= 0:
		return fmt.Errorf("TOKEN_RETRY_ATTEMPTS must be positive, got %d", c.TokenRetries)
	case c.SyncLogCapacity <= 0:
		return fmt.Errorf("SYNC_LOG_CAPACITY must be positive, got %d", c.SyncLogCapacity)
	case c.ProbeTimeout <= 0 || c.RequestTimeout <= 0 || c.AccountTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
