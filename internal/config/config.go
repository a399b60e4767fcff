package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the client and the stub server.
type Config struct {
	API    APIConfig
	Store  StoreConfig
	Redis  RedisConfig
	Cart   CartConfig
	Logger LoggerConfig
	Stub   StubConfig
}

// APIConfig points the client at the billing portal API.
type APIConfig struct {
	BaseURL               string
	RequestTimeoutSeconds int
}

// StoreConfig selects and parameterizes the persisted state backend.
type StoreConfig struct {
	Backend     string // "file" or "redis"
	StateDir    string
	StateKeyHex string // optional 32-byte hex key; enables at-rest encryption
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CartConfig parameterizes pricing.
type CartConfig struct {
	TaxRate float64
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// StubConfig configures the local stub billing API.
type StubConfig struct {
	Host                  string
	Port                  string
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL:               getEnv("PORTAL_API_BASE_URL", "http://127.0.0.1:8080"),
			RequestTimeoutSeconds: getEnvAsInt("PORTAL_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Store: StoreConfig{
			Backend:     getEnv("PORTAL_STORE_BACKEND", "file"),
			StateDir:    getEnv("PORTAL_STATE_DIR", defaultStateDir()),
			StateKeyHex: os.Getenv("PORTAL_STATE_KEY_HEX"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Cart: CartConfig{
			TaxRate: getEnvAsFloat("PORTAL_TAX_RATE", 0.21),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Stub: StubConfig{
			Host:                  getEnv("STUB_HOST", "0.0.0.0"),
			Port:                  getEnv("STUB_PORT", "8080"),
			JWTSecret:             getEnv("STUB_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("STUB_ACCESS_TOKEN_TTL_MINUTES", 15),
			BcryptCost:            getEnvAsInt("STUB_BCRYPT_COST", 10),
		},
	}

	return cfg, nil
}

// RequestTimeout returns the configured request timeout duration.
func (a APIConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Addr returns the stub server bind address.
func (s StubConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portal"
	}
	return filepath.Join(home, ".portal")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
