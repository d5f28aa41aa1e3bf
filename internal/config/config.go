package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	DB             DBConfig             `mapstructure:"db"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Redis          RedisConfig          `mapstructure:"redis"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
}

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Name string `mapstructure:"name"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// BrokerConfig selects and configures the gateway. Kind is "alpaca" or
// "paper".
type BrokerConfig struct {
	Kind          string        `mapstructure:"kind"`
	BaseURL       string        `mapstructure:"base_url"`
	StreamURL     string        `mapstructure:"stream_url"`
	KeyID         string        `mapstructure:"key_id"`
	SecretKey     string        `mapstructure:"secret_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StreamEnabled bool          `mapstructure:"stream_enabled"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ReconciliationConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Schedule         string        `mapstructure:"schedule"`
	Overlap          time.Duration `mapstructure:"overlap"`
	InitialLookback  time.Duration `mapstructure:"initial_lookback"`
	PageLimit        int           `mapstructure:"page_limit"`
	MaxPages         int           `mapstructure:"max_pages"`
	MaxUnseenChecks  int           `mapstructure:"max_unseen_checks"`
	OrphanMaxAge     time.Duration `mapstructure:"orphan_max_age"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	StartupRetryWait time.Duration `mapstructure:"startup_retry_wait"`
}

type SchedulerConfig struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	GateRetryDelay  time.Duration `mapstructure:"gate_retry_delay"`
	ClockRetryDelay time.Duration `mapstructure:"clock_retry_delay"`
	MaxRecoveryAge  time.Duration `mapstructure:"max_recovery_age"`
	OverduePolicy   string        `mapstructure:"overdue_policy"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
}

// ExecutorConfig.Mode is "live" or "dry-run"; the trading.executor_mode
// setting overrides it at runtime.
type ExecutorConfig struct {
	Mode string `mapstructure:"mode"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.name", "tradecore-executor")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.stream_url", "wss://paper-api.alpaca.markets/stream")
	v.SetDefault("broker.key_id", "")
	v.SetDefault("broker.secret_key", "")
	v.SetDefault("broker.timeout", "5s")
	v.SetDefault("broker.stream_enabled", false)
	v.SetDefault("broker.webhook_secret", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "2s")

	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.schedule", "@every 30s")
	v.SetDefault("reconciliation.overlap", "2m")
	v.SetDefault("reconciliation.initial_lookback", "24h")
	v.SetDefault("reconciliation.page_limit", 500)
	v.SetDefault("reconciliation.max_pages", 20)
	v.SetDefault("reconciliation.max_unseen_checks", 50)
	v.SetDefault("reconciliation.orphan_max_age", "24h")
	v.SetDefault("reconciliation.lock_ttl", "2m")
	v.SetDefault("reconciliation.startup_retry_wait", "10s")

	v.SetDefault("scheduler.grace_period", "60s")
	v.SetDefault("scheduler.gate_retry_delay", "5s")
	v.SetDefault("scheduler.clock_retry_delay", "30s")
	v.SetDefault("scheduler.max_recovery_age", "24h")
	v.SetDefault("scheduler.overdue_policy", "execute")
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.default_interval", "60s")

	v.SetDefault("executor.mode", "live")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "tradecore")
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", 60)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}
