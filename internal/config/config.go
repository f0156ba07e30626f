// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
	Server     ServerConfig     `mapstructure:"server"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	LLM        LLMConfig        `mapstructure:"llm"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TemporalConfig holds Temporal-related configuration.
type TemporalConfig struct {
	HostPort  string       `mapstructure:"host_port"`
	Namespace string       `mapstructure:"namespace"`
	TaskQueue string       `mapstructure:"task_queue"`
	Worker    WorkerConfig `mapstructure:"worker"`
}

// WorkerConfig holds Temporal worker configuration.
// MaxConcurrentJobs is the worker pool size N: at most N documents are
// processed in parallel, each one strictly sequential across its steps.
type WorkerConfig struct {
	MaxConcurrentJobs               int     `mapstructure:"max_concurrent_jobs"`
	MaxConcurrentActivityExecutions int     `mapstructure:"max_concurrent_activities"`
	ActivitiesPerSecond             float64 `mapstructure:"activities_per_second"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

// EncryptionConfig holds field-level encryption settings.
// Key is a URL-safe base64 encoded 256-bit Fernet key.
type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	AnthropicKey   string        `mapstructure:"anthropic_api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OCRConfig holds OCR and PII filter configuration.
type OCRConfig struct {
	Engine        string  `mapstructure:"engine"` // "passthrough" or an external engine name
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// PipelineConfig holds execution limits for document pipelines.
type PipelineConfig struct {
	JobTimeout        time.Duration `mapstructure:"job_timeout"`        // Overall wall-clock budget per job
	StepTimeout       time.Duration `mapstructure:"step_timeout"`       // Per LLM invocation
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // Worker task ownership re-assertion
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`    // RUNNING jobs older than this are orphaned
	RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"` // Initial backoff for step retries
}

// RetentionConfig holds data retention windows.
type RetentionConfig struct {
	JobDays    int `mapstructure:"job_days"`    // Jobs + step executions
	LedgerDays int `mapstructure:"ledger_days"` // Cost ledger entries
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/docworker/")
		v.AddConfigPath("$HOME/.docworker")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("DOCWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "docworker.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/docworker.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"scheduler": "INFO",
				"temporal":  "WARN",
				"database":  "INFO",
				"pipeline":  "INFO",
				"ledger":    "INFO",
				"api":       "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "docworker-task-queue",
			Worker: WorkerConfig{
				MaxConcurrentJobs:               4,
				MaxConcurrentActivityExecutions: 100,
				ActivitiesPerSecond:             100000,
			},
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			MaxUploadBytes: 25 << 20,
		},
		Encryption: EncryptionConfig{
			Key: "", // Must be provided via DOCWORKER_ENCRYPTION_KEY or config file
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			RequestTimeout: 5 * time.Minute,
		},
		OCR: OCRConfig{
			Engine:        "passthrough",
			MinConfidence: 0.0,
		},
		Pipeline: PipelineConfig{
			JobTimeout:        30 * time.Minute,
			StepTimeout:       5 * time.Minute,
			HeartbeatInterval: 60 * time.Second,
			StaleThreshold:    60 * time.Minute,
			RetryBackoffBase:  time.Second,
		},
		Retention: RetentionConfig{
			JobDays:    7,
			LedgerDays: 90,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Database != "" {
		c.Database.Database = expandPath(c.Database.Database)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.JobTimeout <= 0 {
		return errors.New("pipeline.job_timeout must be positive")
	}
	if c.Pipeline.StepTimeout <= 0 {
		return errors.New("pipeline.step_timeout must be positive")
	}
	if c.Pipeline.StepTimeout > c.Pipeline.JobTimeout {
		return fmt.Errorf("pipeline.step_timeout (%s) exceeds pipeline.job_timeout (%s)",
			c.Pipeline.StepTimeout, c.Pipeline.JobTimeout)
	}

	if c.Retention.JobDays <= 0 {
		return errors.New("retention.job_days must be positive")
	}
	if c.Retention.LedgerDays < c.Retention.JobDays {
		return fmt.Errorf("retention.ledger_days (%d) must not be shorter than retention.job_days (%d)",
			c.Retention.LedgerDays, c.Retention.JobDays)
	}

	switch c.LLM.Provider {
	case "anthropic", "scripted":
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
