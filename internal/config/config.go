// Package config loads the service's environment configuration once at
// startup. Config is immutable after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full set of environment configuration named in the
// environment configuration design: a YAML file supplies the checked-in
// baseline, environment variables override it at deploy time, and
// everything is frozen once Load returns.
type Config struct {
	ListenPort     int    `yaml:"listen_port"`
	FrontendOrigin string `yaml:"frontend_origin"`

	DatabaseURL string `yaml:"database_url"`

	QueueBackendAddr string `yaml:"queue_backend_addr"`
	QueueBackendAuth string `yaml:"queue_backend_auth"`

	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthCallbackURL  string `yaml:"oauth_callback_url"`

	WorkerConcurrency   int `yaml:"worker_concurrency"`
	MaxRetries          int `yaml:"max_retries"`
	InitialRetryDelayMS int `yaml:"initial_retry_delay_ms"`
	GlobalHourlyLimit   int `yaml:"global_hourly_limit"`
	SenderHourlyLimit   int `yaml:"sender_hourly_limit"`
	DefaultSpacingMS    int `yaml:"default_spacing_ms"`

	DefaultTransportHost   string `yaml:"default_transport_host"`
	DefaultTransportPort   int    `yaml:"default_transport_port"`
	DefaultTransportSecure bool   `yaml:"default_transport_secure"`
	DefaultTransportUser   string `yaml:"default_transport_user"`
	DefaultTransportSecret string `yaml:"default_transport_secret"`

	AWSRegion string `yaml:"aws_region"`
}

// defaults mirrors the zero-config posture a fresh checkout can run with
// against a local Postgres and Redis.
func defaults() Config {
	return Config{
		ListenPort:             8080,
		FrontendOrigin:         "http://localhost:3000",
		DatabaseURL:            "postgres://localhost:5432/emailsched?sslmode=disable",
		QueueBackendAddr:       "localhost:6379",
		JWTExpiry:              24 * time.Hour,
		WorkerConcurrency:      10,
		MaxRetries:             3,
		InitialRetryDelayMS:    1000,
		GlobalHourlyLimit:      10000,
		SenderHourlyLimit:      500,
		DefaultSpacingMS:       1000,
		DefaultTransportPort:   587,
		DefaultTransportSecure: true,
		AWSRegion:              "us-east-1",
	}
}

// Load reads the checked-in YAML baseline at yamlPath (if present), loads
// a .env file at envPath over the process environment (if present), then
// applies any matching environment variables as the final override layer.
// A missing yamlPath or envPath is not an error: a fresh checkout runs
// against defaults() plus whatever the environment actually sets.
func Load(yamlPath, envPath string) (Config, error) {
	c := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	return applyEnvOverrides(c)
}

// LoadFromEnv builds a Config purely from process environment variables,
// falling back to defaults() for anything unset. Load applies the same
// overrides through applyEnvOverrides once the YAML baseline and .env file
// are in place.
func LoadFromEnv() (Config, error) {
	return applyEnvOverrides(defaults())
}

func applyEnvOverrides(c Config) (Config, error) {
	if v, ok := os.LookupEnv("LISTEN_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: LISTEN_PORT: %w", err)
		}
		c.ListenPort = n
	}
	if v, ok := os.LookupEnv("FRONTEND_ORIGIN"); ok {
		c.FrontendOrigin = v
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("QUEUE_BACKEND_ADDR"); ok {
		c.QueueBackendAddr = v
	}
	if v, ok := os.LookupEnv("QUEUE_BACKEND_AUTH"); ok {
		c.QueueBackendAuth = v
	}
	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		c.JWTSecret = v
	}
	if v, ok := os.LookupEnv("JWT_EXPIRY_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: JWT_EXPIRY_SECONDS: %w", err)
		}
		c.JWTExpiry = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("OAUTH_CLIENT_ID"); ok {
		c.OAuthClientID = v
	}
	if v, ok := os.LookupEnv("OAUTH_CLIENT_SECRET"); ok {
		c.OAuthClientSecret = v
	}
	if v, ok := os.LookupEnv("OAUTH_CALLBACK_URL"); ok {
		c.OAuthCallbackURL = v
	}
	if v, ok := os.LookupEnv("WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: WORKER_CONCURRENCY: %w", err)
		}
		c.WorkerConcurrency = n
	}
	if v, ok := os.LookupEnv("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v, ok := os.LookupEnv("INITIAL_RETRY_DELAY_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: INITIAL_RETRY_DELAY_MS: %w", err)
		}
		c.InitialRetryDelayMS = n
	}
	if v, ok := os.LookupEnv("GLOBAL_HOURLY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: GLOBAL_HOURLY_LIMIT: %w", err)
		}
		c.GlobalHourlyLimit = n
	}
	if v, ok := os.LookupEnv("SENDER_HOURLY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: SENDER_HOURLY_LIMIT: %w", err)
		}
		c.SenderHourlyLimit = n
	}
	if v, ok := os.LookupEnv("DEFAULT_SPACING_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DEFAULT_SPACING_MS: %w", err)
		}
		c.DefaultSpacingMS = n
	}
	if v, ok := os.LookupEnv("DEFAULT_TRANSPORT_HOST"); ok {
		c.DefaultTransportHost = v
	}
	if v, ok := os.LookupEnv("DEFAULT_TRANSPORT_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DEFAULT_TRANSPORT_PORT: %w", err)
		}
		c.DefaultTransportPort = n
	}
	if v, ok := os.LookupEnv("DEFAULT_TRANSPORT_SECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DEFAULT_TRANSPORT_SECURE: %w", err)
		}
		c.DefaultTransportSecure = b
	}
	if v, ok := os.LookupEnv("DEFAULT_TRANSPORT_USER"); ok {
		c.DefaultTransportUser = v
	}
	if v, ok := os.LookupEnv("DEFAULT_TRANSPORT_SECRET"); ok {
		c.DefaultTransportSecret = v
	}
	if v, ok := os.LookupEnv("AWS_REGION"); ok {
		c.AWSRegion = v
	}

	return c, nil
}
