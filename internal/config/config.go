package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type WorkerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ChunkTimeout      time.Duration `mapstructure:"chunk_timeout"`
	ChunkDelay        time.Duration `mapstructure:"chunk_delay"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type SyncConfig struct {
	ChunkDays                int    `mapstructure:"chunk_days"`
	IncrementalChunkDays     int    `mapstructure:"incremental_chunk_days"`
	IncrementalLookbackDays  int    `mapstructure:"incremental_lookback_days"`
	MaxChunks                int    `mapstructure:"max_chunks"`
	EstimatedSecondsPerChunk int    `mapstructure:"estimated_seconds_per_chunk"`
	NightlySchedule          string `mapstructure:"nightly_schedule"`
}

type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	TokenURL          string        `mapstructure:"token_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	From            string   `mapstructure:"from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	AlertRecipients []string `mapstructure:"alert_recipients"`
}

type Config struct {
	DatabaseURL string         `mapstructure:"database_url"`
	ServerPort  string         `mapstructure:"server_port"`
	JWTSecret   string         `mapstructure:"jwt_secret"`
	LogLevel    string         `mapstructure:"log_level"`
	Worker      WorkerConfig   `mapstructure:"worker"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Provider    ProviderConfig `mapstructure:"provider"`
	Email       EmailConfig    `mapstructure:"email"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("worker.max_concurrent_jobs", 1)
	v.SetDefault("worker.poll_interval", 10*time.Second)
	v.SetDefault("worker.stale_after", 10*time.Minute)
	v.SetDefault("worker.chunk_timeout", 2*time.Minute)
	v.SetDefault("worker.chunk_delay", 500*time.Millisecond)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("sync.chunk_days", 7)
	v.SetDefault("sync.incremental_chunk_days", 31)
	v.SetDefault("sync.incremental_lookback_days", 7)
	v.SetDefault("sync.max_chunks", 5000)
	v.SetDefault("sync.estimated_seconds_per_chunk", 30)
	v.SetDefault("sync.nightly_schedule", "0 3 * * *")

	v.SetDefault("provider.requests_per_second", 2.0)
	v.SetDefault("provider.burst", 4)
	v.SetDefault("provider.timeout", 60*time.Second)

	v.SetDefault("email.smtp_port", 587)
}

// Load reads config.yaml from the working directory or ./config, then lets
// FITSYNC_* environment variables override it. A .env file is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Explicit bindings so env-only deployments without a config file still populate these.
	for _, key := range []string{"database_url", "jwt_secret", "provider.base_url", "provider.client_id", "provider.client_secret", "provider.token_url"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.Sync.ChunkDays < 1 || c.Sync.IncrementalChunkDays < 1 {
		return errors.New("sync chunk sizes must be at least 1 day")
	}
	if c.Sync.IncrementalLookbackDays < 1 {
		return errors.New("sync.incremental_lookback_days must be at least 1")
	}
	if c.Worker.MaxConcurrentJobs < 1 {
		return errors.New("worker.max_concurrent_jobs must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be positive")
	}
	return nil
}
