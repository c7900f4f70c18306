package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"capture-sync/internal/domain"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Store        StoreConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Auth         AuthConfig
	WebSocket    WebSocketConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Port           string
	Host           string
	Env            string
	APIKey         string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// URL returns the CouchDB endpoint with credentials embedded.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

// PublicURL is the database endpoint without credentials, used to build blob urls.
func (d DatabaseConfig) PublicURL() string {
	return fmt.Sprintf("http://%s:%s/%s", d.Host, d.Port, d.Name)
}

type StoreConfig struct {
	Path     string
	BlobDir  string
	InboxDir string
}

type SyncConfig struct {
	Concurrency       int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Interval          time.Duration
	WriteTimeout      time.Duration
	DeletePolicy      domain.DeletePolicy
	RemoteDeltaPolicy domain.RemoteDeltaPolicy
	Collections       []string
	ChangesEnabled    bool
}

type ConnectivityConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type AuthConfig struct {
	TokenFile  string
	RefreshURL string
	UserID     string
}

type WebSocketConfig struct {
	URL        string
	DeviceID   string
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

type LoggingConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() (*Config, error) {
	godotenv.Load()

	baseDelay, err := getEnvAsDuration("SYNC_BASE_DELAY", "2s")
	if err != nil {
		return nil, err
	}
	maxDelay, err := getEnvAsDuration("SYNC_MAX_DELAY", "10m")
	if err != nil {
		return nil, err
	}
	interval, err := getEnvAsDuration("SYNC_INTERVAL", "30s")
	if err != nil {
		return nil, err
	}
	writeTimeout, err := getEnvAsDuration("SYNC_WRITE_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	connInterval, err := getEnvAsDuration("CONNECTIVITY_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}
	connTimeout, err := getEnvAsDuration("CONNECTIVITY_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8787"),
			Host:           getEnv("HOST", "127.0.0.1"),
			Env:            getEnv("ENV", "development"),
			APIKey:         getEnv("LOCAL_API_KEY", ""),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "capture"),
		},
		Store: StoreConfig{
			Path:     getEnv("STORE_PATH", "capture-sync.db"),
			BlobDir:  getEnv("BLOB_DIR", "blobs"),
			InboxDir: getEnv("INBOX_DIR", ""),
		},
		Sync: SyncConfig{
			Concurrency:       getEnvAsInt("SYNC_CONCURRENCY", 4),
			MaxAttempts:       getEnvAsInt("SYNC_MAX_ATTEMPTS", 8),
			BaseDelay:         baseDelay,
			MaxDelay:          maxDelay,
			Interval:          interval,
			WriteTimeout:      writeTimeout,
			DeletePolicy:      domain.DeletePolicy(getEnv("SYNC_DELETE_POLICY", string(domain.DeleteWins))),
			RemoteDeltaPolicy: domain.RemoteDeltaPolicy(getEnv("SYNC_REMOTE_DELTA_POLICY", string(domain.RemoteDeltaDefer))),
			Collections:       getEnvAsList("SYNC_COLLECTIONS", "workouts,users,documents"),
			ChangesEnabled:    getEnvAsBool("SYNC_CHANGES_ENABLED", true),
		},
		Connectivity: ConnectivityConfig{
			Interval: connInterval,
			Timeout:  connTimeout,
		},
		Auth: AuthConfig{
			TokenFile:  getEnv("AUTH_TOKEN_FILE", "token.json"),
			RefreshURL: getEnv("AUTH_REFRESH_URL", ""),
			UserID:     getEnv("AUTH_USER_ID", ""),
		},
		WebSocket: WebSocketConfig{
			URL:        getEnv("WS_URL", ""),
			DeviceID:   getEnv("WS_DEVICE_ID", ""),
			PongWait:   60 * time.Second,
			PingPeriod: 54 * time.Second,
			WriteWait:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 28),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("invalid backoff window %v..%v", c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	switch c.Sync.DeletePolicy {
	case domain.DeleteWins, domain.UpdateWins:
	default:
		return fmt.Errorf("invalid SYNC_DELETE_POLICY: %s", c.Sync.DeletePolicy)
	}
	switch c.Sync.RemoteDeltaPolicy {
	case domain.RemoteDeltaDefer, domain.RemoteDeltaPreempt:
	default:
		return fmt.Errorf("invalid SYNC_REMOTE_DELTA_POLICY: %s", c.Sync.RemoteDeltaPolicy)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
