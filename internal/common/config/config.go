package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"actionpay-backend"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:""`

	Server struct {
		Port            int           `env:"PORT" envDefault:"8080"`
		Origin          string        `env:"ORIGIN" envDefault:"http://localhost:3000"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}

	Postgres PostgresConfig

	Redis struct {
		Host     string `env:"REDIS_HOST" envDefault:"localhost"`
		Port     int    `env:"REDIS_PORT" envDefault:"6379"`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
		PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
	}

	Ledger struct {
		// postgres or memory
		Driver string `env:"LEDGER_DRIVER" envDefault:"postgres"`
	}

	Solana struct {
		RPCURL         string        `env:"SOLANA_RPC_URL" envDefault:"https://api.devnet.solana.com"`
		Commitment     string        `env:"SOLANA_COMMITMENT" envDefault:"confirmed"`
		SigningKey     string        `env:"SOLANA_SIGNING_KEY" envDefault:""`
		RewardMint     string        `env:"SOLANA_REWARD_MINT" envDefault:""`
		ConfirmTimeout time.Duration `env:"SOLANA_CONFIRM_TIMEOUT" envDefault:"60s"`
		RPCRate        float64       `env:"SOLANA_RPC_RATE" envDefault:"10"`
		RPCBurst       int           `env:"SOLANA_RPC_BURST" envDefault:"5"`
	}

	Verification struct {
		PolicyFile       string        `env:"VERIFICATION_POLICY_FILE" envDefault:""`
		TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN" envDefault:""`
		InitDataTTL      time.Duration `env:"TELEGRAM_INIT_DATA_TTL" envDefault:"24h"`
		// ResendAfter holds unconfirmed claim payouts before they may be sent again.
		ResendAfter time.Duration `env:"PAYOUT_RESEND_AFTER" envDefault:"5m"`
	}

	Settlement struct {
		CloseInterval  time.Duration `env:"SETTLEMENT_CLOSE_INTERVAL" envDefault:"1h"`
		StartupDelay   time.Duration `env:"SETTLEMENT_STARTUP_DELAY" envDefault:"30s"`
		RetryInterval  time.Duration `env:"SETTLEMENT_RETRY_INTERVAL" envDefault:"30m"`
		RetryBaseDelay time.Duration `env:"SETTLEMENT_RETRY_BASE_DELAY" envDefault:"30m"`
		RetryMaxDelay  time.Duration `env:"SETTLEMENT_RETRY_MAX_DELAY" envDefault:"24h"`
		MaxAttempts    int           `env:"SETTLEMENT_MAX_ATTEMPTS" envDefault:"8"`
		LockTTL        time.Duration `env:"SETTLEMENT_LOCK_TTL" envDefault:"10m"`
	}

	Fraud struct {
		IPWalletThreshold    int     `env:"FRAUD_IP_WALLET_THRESHOLD" envDefault:"3"`
		Enforcement          string  `env:"FRAUD_IP_ENFORCEMENT" envDefault:"log"`
		SuspiciousReputation int     `env:"FRAUD_SUSPICIOUS_REPUTATION" envDefault:"200"`
		SuspiciousBalance    float64 `env:"FRAUD_SUSPICIOUS_BALANCE" envDefault:"50"`
	}

	Health struct {
		Interval             time.Duration `env:"HEALTH_INTERVAL" envDefault:"10m"`
		Window               time.Duration `env:"HEALTH_WINDOW" envDefault:"1h"`
		FailureRateThreshold float64       `env:"HEALTH_FAILURE_RATE_THRESHOLD" envDefault:"0.15"`
		RPCErrorThreshold    int           `env:"HEALTH_RPC_ERROR_THRESHOLD" envDefault:"5"`
	}

	Admin struct {
		Token string `env:"ADMIN_TOKEN" envDefault:""`
	}
}

type PostgresConfig struct {
	Host            string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port            int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User            string        `env:"POSTGRES_USER" envDefault:"postgres"`
	Password        string        `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Database        string        `env:"POSTGRES_DB" envDefault:"actionpay"`
	SSLMode         string        `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`
}

// DSN builds a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// RedisAddr returns host:port of the redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func Load() (*Config, error) {
	// .env is optional, production sets variables directly
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.Ledger.Driver)
	}
	switch c.Fraud.Enforcement {
	case "log", "flag":
	default:
		return fmt.Errorf("unsupported FRAUD_IP_ENFORCEMENT %q", c.Fraud.Enforcement)
	}
	if c.Fraud.IPWalletThreshold < 1 {
		return fmt.Errorf("FRAUD_IP_WALLET_THRESHOLD must be positive")
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be positive")
	}
	if c.Health.FailureRateThreshold < 0 || c.Health.FailureRateThreshold > 1 {
		return fmt.Errorf("HEALTH_FAILURE_RATE_THRESHOLD must be within [0,1]")
	}
	return nil
}
