// Package config provides configuration management for filestore.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"asisaid.cn/filestore/internal/common/errors"
)

// Storage providers accepted by storage.provider.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr      string        `mapstructure:"http_addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"` // file bytes, 0 = unlimited
	CORSOrigins   []string      `mapstructure:"cors_origins"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Provider string      `mapstructure:"provider"` // local, s3
	Local    LocalConfig `mapstructure:"local"`
	S3       S3Config    `mapstructure:"s3"`

	// ReconcileGrace protects objects and records younger than this from
	// reconcile, so uploads still in flight are not treated as orphans.
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace"`
}

// LocalConfig configures the local filesystem backend.
type LocalConfig struct {
	Root string `mapstructure:"root"`
}

// S3Config configures the S3-compatible object store backend.
type S3Config struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	StagingDir   string `mapstructure:"staging_dir"` // local copies made on metadata reads
}

// MetadataConfig holds file record store configuration.
type MetadataConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// AuthConfig holds caller verification configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			MaxUploadSize: 100 << 20,
			CORSOrigins:   []string{"*"},
		},
		Storage: StorageConfig{
			Provider: ProviderLocal,
			Local: LocalConfig{
				Root: "./data/uploads",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
			ReconcileGrace: 5 * time.Minute,
		},
		Metadata: MetadataConfig{
			DBPath: "./data/metadata",
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			Development: false,
		},
	}
}

// Load loads configuration from file and environment variables and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("FILESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.E("config.Load", errors.ErrConfiguration, fmt.Errorf("failed to read config file: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.E("config.Load", errors.ErrConfiguration, fmt.Errorf("failed to unmarshal config: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings that must be right before any component starts.
// An empty provider is treated as local.
func (c *Config) Validate() error {
	c.Storage.Provider = strings.ToLower(strings.TrimSpace(c.Storage.Provider))

	switch c.Storage.Provider {
	case "":
		c.Storage.Provider = ProviderLocal
		fallthrough
	case ProviderLocal:
		if c.Storage.Local.Root == "" {
			return errors.E("config.Validate", errors.ErrConfiguration, nil, "storage.local.root is required")
		}
	case ProviderS3:
		if c.Storage.S3.Bucket == "" {
			return errors.E("config.Validate", errors.ErrConfiguration, nil, "storage.s3.bucket is required")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return errors.E("config.Validate", errors.ErrConfiguration, nil, "storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return errors.E("config.Validate", errors.ErrConfiguration, nil,
			fmt.Sprintf("unsupported storage provider %q", c.Storage.Provider))
	}

	if c.Metadata.DBPath == "" {
		return errors.E("config.Validate", errors.ErrConfiguration, nil, "metadata.db_path is required")
	}
	if c.Server.MaxUploadSize < 0 {
		return errors.E("config.Validate", errors.ErrConfiguration, nil, "server.max_upload_size must not be negative")
	}
	if c.Storage.ReconcileGrace < 0 {
		return errors.E("config.Validate", errors.ErrConfiguration, nil, "storage.reconcile_grace must not be negative")
	}

	return nil
}

// setDefaults sets default values in Viper.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.http_addr", defaults.Server.HTTPAddr)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.max_upload_size", defaults.Server.MaxUploadSize)
	v.SetDefault("server.cors_origins", defaults.Server.CORSOrigins)

	// Storage defaults
	v.SetDefault("storage.provider", defaults.Storage.Provider)
	v.SetDefault("storage.reconcile_grace", defaults.Storage.ReconcileGrace)
	v.SetDefault("storage.local.root", defaults.Storage.Local.Root)
	v.SetDefault("storage.s3.region", defaults.Storage.S3.Region)
	v.SetDefault("storage.s3.endpoint", defaults.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.bucket", defaults.Storage.S3.Bucket)
	v.SetDefault("storage.s3.access_key", defaults.Storage.S3.AccessKey)
	v.SetDefault("storage.s3.secret_key", defaults.Storage.S3.SecretKey)
	v.SetDefault("storage.s3.use_path_style", defaults.Storage.S3.UsePathStyle)
	v.SetDefault("storage.s3.staging_dir", defaults.Storage.S3.StagingDir)

	// Metadata defaults
	v.SetDefault("metadata.db_path", defaults.Metadata.DBPath)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", defaults.Auth.JWTSecret)

	// Logger defaults
	v.SetDefault("logger.level", defaults.Logger.Level)
	v.SetDefault("logger.format", defaults.Logger.Format)
	v.SetDefault("logger.output", defaults.Logger.Output)
	v.SetDefault("logger.development", defaults.Logger.Development)
}
