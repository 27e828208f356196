// Package config loads server settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendDisk   = "disk"
	BackendS3     = "s3"
)

type Config struct {
	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	AllowedOrigin string `yaml:"allowed_origin" env:"ALLOWED_ORIGIN"`

	DB        DBConfig        `yaml:"db"`
	Session   SessionConfig   `yaml:"session"`
	Redis     RedisConfig     `yaml:"redis"`
	Upload    UploadConfig    `yaml:"upload"`
	S3        S3Config        `yaml:"s3"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`

	IBANStrict      bool   `yaml:"iban_strict" env:"IBAN_STRICT"`
	IBANCountry     string `yaml:"iban_country" env:"IBAN_COUNTRY"`
	CollateLanguage string `yaml:"collate_language" env:"COLLATE_LANGUAGE"`
	BcryptCost      int    `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
	SnowflakeNode   int64  `yaml:"snowflake_node" env:"SNOWFLAKE_NODE"`
}

type DBConfig struct {
	Path        string `yaml:"path" env:"DB_PATH"`
	AutoMigrate bool   `yaml:"automigrate" env:"DB_AUTOMIGRATE"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl" env:"SESSION_TTL"`
	Rolling       bool          `yaml:"rolling" env:"SESSION_ROLLING"`
	Backend       string        `yaml:"backend" env:"SESSION_BACKEND"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SESSION_SWEEP_INTERVAL"`
	CookieSecure  bool          `yaml:"cookie_secure" env:"COOKIE_SECURE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type UploadConfig struct {
	Backend  string `yaml:"backend" env:"UPLOAD_BACKEND"`
	Dir      string `yaml:"dir" env:"UPLOAD_DIR"`
	Field    string `yaml:"field" env:"UPLOAD_FIELD"`
	MaxBytes int64  `yaml:"max_bytes" env:"UPLOAD_MAX_BYTES"`
	// AllowedTypes is a comma separated list of MIME types.
	AllowedTypes string `yaml:"allowed_types" env:"UPLOAD_ALLOWED_TYPES"`
}

// Types splits AllowedTypes.
func (u UploadConfig) Types() []string {
	var types []string
	for _, t := range strings.Split(u.AllowedTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

type S3Config struct {
	Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	Region    string `yaml:"region" env:"S3_REGION"`
	Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	Prefix    string `yaml:"prefix" env:"S3_PREFIX"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained login/register rate per client IP. Zero
	// here or in Burst disables the limiter.
	PerSecond float64 `yaml:"per_second" env:"AUTH_RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"AUTH_RATE_BURST"`
}

// AdminConfig names an account created at startup if it does not exist.
type AdminConfig struct {
	User     string `yaml:"user" env:"ADMIN_USER"`
	Password string `yaml:"password" env:"ADMIN_PASSWORD"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	Dev   bool   `yaml:"dev" env:"LOG_DEV"`
	File  string `yaml:"file" env:"LOG_FILE"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          3000,
		AllowedOrigin: "http://localhost:5173",
		DB: DBConfig{
			Path:        "clientdesk.db",
			AutoMigrate: true,
		},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			Rolling:       true,
			Backend:       BackendSQLite,
			SweepInterval: time.Hour,
		},
		Upload: UploadConfig{
			Backend:      BackendDisk,
			Dir:          "./uploads",
			Field:        "idPhoto",
			MaxBytes:     5 << 20,
			AllowedTypes: "image/jpeg,image/png,image/gif,image/webp",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     10,
		},
		Log: LogConfig{
			Level: "info",
		},
		IBANCountry:     "LT",
		CollateLanguage: "en",
		BcryptCost:      10,
		SnowflakeNode:   1,
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A .env file in the working directory is read if present
// and never overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	_ = godotenv.Load()

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	switch c.Session.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis session backend requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}
	switch c.Upload.Backend {
	case BackendDisk:
		if c.Upload.Dir == "" {
			errs = append(errs, errors.New("disk upload backend requires UPLOAD_DIR"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 upload backend requires S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown upload backend %q", c.Upload.Backend))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload max bytes must be positive"))
	}
	if len(c.Upload.Types()) == 0 {
		errs = append(errs, errors.New("at least one upload type must be allowed"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("auth rate limit and burst must not be negative"))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, fmt.Errorf("snowflake node %d out of range 0-1023", c.SnowflakeNode))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("bcrypt cost %d out of range 4-31", c.BcryptCost))
	}
	if !isCountryCode(c.IBANCountry) {
		errs = append(errs, fmt.Errorf("iban country %q must be two upper-case letters", c.IBANCountry))
	}
	if c.Admin.User != "" && c.Admin.Password == "" {
		errs = append(errs, errors.New("ADMIN_USER requires ADMIN_PASSWORD"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func isCountryCode(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}
