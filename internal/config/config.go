package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	LogLevel            string
	Workers             int
	BatchSize           int
	SyncInterval        time.Duration
	SyncOnStart         bool
	AttachmentsDir      string
	IdleEnabled         bool
	IMAPTimeout         time.Duration
	OAuthClientID       string
	OAuthClientSecret   string
	OAuthTokenURL       string
	OAuthUserInfoURL    string
}

// NewConfig loads the configuration from the environment (MAILSYNC_ prefix).
// In development, a .env file is loaded first if present.
func NewConfig() (*Config, error) {
	return Load(viper.New())
}

// Load reads the configuration through v, so that callers can bind flags before loading.
func Load(v *viper.Viper) (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: v.GetString("encryption_key_base64"),
		DBHost:              v.GetString("db_host"),
		DBPort:              v.GetString("db_port"),
		DBUsername:          v.GetString("db_user"),
		DBPassword:          v.GetString("db_password"),
		DBName:              v.GetString("db_name"),
		DBSSLMode:           v.GetString("db_sslmode"),
		LogLevel:            v.GetString("log_level"),
		Workers:             v.GetInt("workers"),
		BatchSize:           v.GetInt("batch_size"),
		SyncInterval:        v.GetDuration("sync_interval"),
		SyncOnStart:         v.GetBool("sync_on_start"),
		AttachmentsDir:      v.GetString("attachments_dir"),
		IdleEnabled:         v.GetBool("idle_enabled"),
		IMAPTimeout:         v.GetDuration("imap_timeout"),
		OAuthClientID:       v.GetString("oauth_client_id"),
		OAuthClientSecret:   v.GetString("oauth_client_secret"),
		OAuthTokenURL:       v.GetString("oauth_token_url"),
		OAuthUserInfoURL:    v.GetString("oauth_userinfo_url"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "mailsync")
	v.SetDefault("db_name", "mailsync")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 4)
	v.SetDefault("batch_size", 50)
	v.SetDefault("sync_interval", 24*time.Hour)
	v.SetDefault("sync_on_start", false)
	v.SetDefault("attachments_dir", "data/attachments")
	v.SetDefault("idle_enabled", false)
	v.SetDefault("imap_timeout", 30*time.Second)
	v.SetDefault("oauth_token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("oauth_userinfo_url", "https://openidconnect.googleapis.com/v1/userinfo")
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.Workers < 1 {
		return fmt.Errorf("MAILSYNC_WORKERS must be at least 1, got %d", c.Workers)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("MAILSYNC_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("MAILSYNC_SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}

	if c.IMAPTimeout < 0 {
		return fmt.Errorf("MAILSYNC_IMAP_TIMEOUT must not be negative, got %s", c.IMAPTimeout)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}
