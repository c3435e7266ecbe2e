package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendTables   = "tables"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds the service configuration.
type Config struct {
	Debug      bool   `yaml:"debug"`
	LogFormat  string `yaml:"logFormat"`
	ListenAddr string `yaml:"listenAddr"`

	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Ordering  OrderingConfig  `yaml:"ordering"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type StorageConfig struct {
	Backend          string `yaml:"backend"`
	ConnectionString string `yaml:"connectionString"`
	ItemsTable       string `yaml:"itemsTable"`
	SQLDSN           string `yaml:"sqlDsn"`
	ReconcileQueue   string `yaml:"reconcileQueue"`

	// MirrorItems makes the service register created and deleted items in
	// the store itself. Always on for the memory backend.
	MirrorItems bool `yaml:"mirrorItems"`
}

type RedisConfig struct {
	ConnectionString string        `yaml:"connectionString"`
	DeduperTTL       time.Duration `yaml:"deduperTtl"`
	LockTTL          time.Duration `yaml:"lockTtl"`
}

type AuthConfig struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	TestMode     bool          `yaml:"testMode"`
	TestSecret   string        `yaml:"testSecret"`
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTtl"`
}

type OrderingConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	LockWait    time.Duration `yaml:"lockWait"`
}

type LivenessConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type GatewayConfig struct {
	Token        string `yaml:"token"`
	MaxBodyBytes int    `yaml:"maxBodyBytes"`
}

type ReconcileConfig struct {
	Poll       time.Duration `yaml:"poll"`
	Visibility time.Duration `yaml:"visibility"`
	QueueLimit int           `yaml:"queueLimit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogFormat:  "text",
		ListenAddr: ":9000",
		Storage: StorageConfig{
			Backend:        BackendMemory,
			ItemsTable:     "BoardItems",
			ReconcileQueue: "board-reconcile",
		},
		Redis: RedisConfig{
			DeduperTTL: 24 * time.Hour,
			LockTTL:    10 * time.Second,
		},
		Auth: AuthConfig{JWKSCacheTTL: 15 * time.Minute},
		Ordering: OrderingConfig{
			MaxAttempts: 5,
			RetryDelay:  10 * time.Millisecond,
			LockWait:    2 * time.Second,
		},
		Liveness: LivenessConfig{Interval: 30 * time.Second},
		Gateway:  GatewayConfig{MaxBodyBytes: 64 << 10},
		Reconcile: ReconcileConfig{
			Poll:       time.Second,
			Visibility: 30 * time.Second,
			QueueLimit: 1024,
		},
	}
}

// Load reads and validates the configuration.
func Load() (Config, error) {
	cfg, err := Read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read reads an optional .env file, an optional YAML file named by
// BOARD_STREAM_CONFIG and finally environment variables, each layer
// overriding the previous one. The result is not validated.
func Read() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("BOARD_STREAM_CONFIG"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envBool("DEBUG", &cfg.Debug)
	envString("LOG_FORMAT", &cfg.LogFormat)
	if port, ok := os.LookupEnv("STREAM_SERVICE_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}

	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	envString("ITEMS_TABLE", &cfg.Storage.ItemsTable)
	envString("SQL_DSN", &cfg.Storage.SQLDSN)
	envString("RECONCILE_QUEUE", &cfg.Storage.ReconcileQueue)
	envBool("STORAGE_MIRROR_ITEMS", &cfg.Storage.MirrorItems)

	envString("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	envString("AUTH0_DOMAIN", &cfg.Auth.Domain)
	envString("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		cfg.Auth.TestMode = true
	}
	envString("TEST_JWT_SECRET", &cfg.Auth.TestSecret)
	envString("GATEWAY_TOKEN", &cfg.Gateway.Token)

	var err error
	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"DEDUPER_TTL", &cfg.Redis.DeduperTTL},
		{"LOCK_TTL", &cfg.Redis.LockTTL},
		{"JWKS_CACHE_TTL", &cfg.Auth.JWKSCacheTTL},
		{"ORDERING_RETRY_DELAY", &cfg.Ordering.RetryDelay},
		{"ORDERING_LOCK_WAIT", &cfg.Ordering.LockWait},
		{"LIVENESS_INTERVAL", &cfg.Liveness.Interval},
		{"RECONCILE_POLL", &cfg.Reconcile.Poll},
		{"RECONCILE_VISIBILITY", &cfg.Reconcile.Visibility},
	} {
		if *d.dst, err = envDur(d.name, *d.dst); err != nil {
			return err
		}
	}
	for _, n := range []struct {
		name string
		dst  *int
	}{
		{"ORDERING_MAX_ATTEMPTS", &cfg.Ordering.MaxAttempts},
		{"GATEWAY_MAX_BODY_BYTES", &cfg.Gateway.MaxBodyBytes},
		{"RECONCILE_QUEUE_LIMIT", &cfg.Reconcile.QueueLimit},
	} {
		if *n.dst, err = envInt(n.name, *n.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Auth.TestMode {
		if c.Auth.TestSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	if c.Gateway.Token == "" {
		return errors.New("missing GATEWAY_TOKEN")
	}
	return nil
}

// Validate checks that the selected backend is fully configured.
func (s StorageConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendTables:
		if s.ConnectionString == "" || s.ItemsTable == "" {
			return errors.New("missing storage config")
		}
	case BackendSQLite, BackendPostgres:
		if s.SQLDSN == "" {
			return errors.New("missing SQL_DSN")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	return nil
}

// JWKSURL is the key set location for the configured Auth0 domain.
func (a AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// Issuer is the expected token issuer.
func (a AuthConfig) Issuer() string {
	return "https://" + a.Domain + "/"
}

// RedisOptions parses a redis URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v, err := strconv.ParseBool(os.Getenv(name)); err == nil {
		*dst = v
	}
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return n, nil
}

func envDur(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}
