package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxAccounts is the highest account slot scanned from the environment.
const MaxAccounts = 20

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Session / JWT configuration
	Session SessionConfig

	// LLM provider pool configuration
	LLM LLMConfig

	// Provider accounts (scanned from ACCOUNT_{1..20}_* variables)
	Accounts []AccountConfig

	// Cart configuration
	Cart CartConfig

	// Order pricing configuration
	Order OrderConfig

	// Abandonment window configuration
	Abandoned AbandonedConfig

	// Menu cache configuration
	Menu MenuConfig

	// Inventory reservation configuration
	Inventory InventoryConfig

	// OTP configuration
	OTP OTPConfig

	// SMS gateway configuration
	SMS SMSConfig

	// Payment gateway configuration
	Payment PaymentConfig

	// CORS configuration
	CORS CORSConfig

	// Security configuration
	Security SecurityConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
}

// SessionConfig holds session-token configuration
type SessionConfig struct {
	Secret               string
	TokenTTLDays         int
	RenewalThresholdDays int
}

// LLMConfig holds provider-pool scheduling configuration
type LLMConfig struct {
	PrimaryModel        string
	MiniModel           string
	CooldownSeconds     int
	RetryTimeoutSeconds int
	RetryPollSeconds    int
	FallbackAPIKey      string
}

// AccountConfig holds one provider account's key and budgets.
// The key is a secret and must never be logged; accounts are referenced
// by their ID in all diagnostics.
type AccountConfig struct {
	ID            int
	APIKey        string
	PrimaryRPM    int
	PrimaryTPM    int
	MiniRPM       int
	MiniTPM       int
	BufferPercent int
}

// CartConfig holds cart lifecycle configuration
type CartConfig struct {
	TTLSeconds int
}

// OrderConfig holds order pricing configuration. Tax is expressed in basis
// points so totals stay in integer paise.
type OrderConfig struct {
	TaxBps   int
	Currency string
}

// AbandonedConfig holds abandonment-window configuration
type AbandonedConfig struct {
	CartWindowHours   int
	BookingWindowDays int
}

// MenuConfig holds menu cache configuration
type MenuConfig struct {
	RefreshSeconds int
}

// InventoryConfig holds inventory reservation configuration
type InventoryConfig struct {
	CacheEnabled bool
}

// OTPConfig holds OTP-related configuration
type OTPConfig struct {
	Length           int
	ExpiryMinutes    int
	MaxAttempts      int
	PhonePerHour     int
	IPPerHour        int
	RateWindowMinute int
}

// SMSConfig holds SMS gateway configuration
type SMSConfig struct {
	Gateway  string // "console" or "http" - console logs the message instead of sending
	URL      string
	Token    string
	SenderID string
}

// PaymentConfig holds payment gateway configuration
type PaymentConfig struct {
	Gateway string // "console" or "http"
	URL     string
	Token   string // SECRET - never expose to client
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	BcryptCost       int
	EnableRequestLog bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 100),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 10),
		},
		Session: SessionConfig{
			Secret:               getEnv("SECRET_KEY", ""),
			TokenTTLDays:         getEnvAsInt("SESSION_TOKEN_TTL_DAYS", 30),
			RenewalThresholdDays: getEnvAsInt("SESSION_RENEWAL_THRESHOLD_DAYS", 7),
		},
		LLM: LLMConfig{
			PrimaryModel:        getEnv("LLM_PRIMARY_MODEL", "gpt-4o"),
			MiniModel:           getEnv("LLM_MINI_MODEL", "gpt-4o-mini"),
			CooldownSeconds:     getEnvAsInt("LLM_COOLDOWN_SECONDS", 60),
			RetryTimeoutSeconds: getEnvAsInt("LLM_RETRY_TIMEOUT_SECONDS", 30),
			RetryPollSeconds:    getEnvAsInt("LLM_RETRY_POLL_SECONDS", 5),
			FallbackAPIKey:      getEnv("FALLBACK_API_KEY", ""),
		},
		Accounts: loadAccounts(),
		Cart: CartConfig{
			TTLSeconds: getEnvAsInt("CART_TTL_SECONDS", 3600),
		},
		Order: OrderConfig{
			TaxBps:   getEnvAsInt("ORDER_TAX_BPS", 500),
			Currency: getEnv("ORDER_CURRENCY", "INR"),
		},
		Abandoned: AbandonedConfig{
			CartWindowHours:   getEnvAsInt("ABANDONED_CART_WINDOW_HOURS", 2),
			BookingWindowDays: getEnvAsInt("ABANDONED_BOOKING_WINDOW_DAYS", 7),
		},
		Menu: MenuConfig{
			RefreshSeconds: getEnvAsInt("MENU_REFRESH_SECONDS", 300),
		},
		Inventory: InventoryConfig{
			CacheEnabled: getEnvAsBool("INVENTORY_CACHE_ENABLED", true),
		},
		OTP: OTPConfig{
			Length:           getEnvAsInt("OTP_LENGTH", 6),
			ExpiryMinutes:    getEnvAsInt("OTP_EXPIRY_MINUTES", 5),
			MaxAttempts:      getEnvAsInt("OTP_MAX_ATTEMPTS", 3),
			PhonePerHour:     getEnvAsInt("OTP_RATE_PHONE_PER_HOUR", 5),
			IPPerHour:        getEnvAsInt("OTP_RATE_IP_PER_HOUR", 10),
			RateWindowMinute: getEnvAsInt("OTP_RATE_WINDOW_MINUTES", 60),
		},
		SMS: SMSConfig{
			Gateway:  getEnv("SMS_GATEWAY", "console"),
			URL:      getEnv("SMS_GATEWAY_URL", ""),
			Token:    getEnv("SMS_GATEWAY_TOKEN", ""),
			SenderID: getEnv("SMS_SENDER_ID", "DineFlow"),
		},
		Payment: PaymentConfig{
			Gateway: getEnv("PAYMENT_GATEWAY", "console"),
			URL:     getEnv("PAYMENT_GATEWAY_URL", ""),
			Token:   getEnv("PAYMENT_GATEWAY_TOKEN", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Device-ID"}),
		},
		Security: SecurityConfig{
			BcryptCost:       getEnvAsInt("BCRYPT_COST", 12),
			EnableRequestLog: getEnvAsBool("ENABLE_REQUEST_LOGGING", true),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadAccounts scans ACCOUNT_1.. slots in order and stops at the first slot
// without an API key, so operators configure a contiguous block.
func loadAccounts() []AccountConfig {
	var accounts []AccountConfig
	for i := 1; i <= MaxAccounts; i++ {
		key := getEnv(fmt.Sprintf("ACCOUNT_%d_API_KEY", i), "")
		if key == "" {
			break
		}
		accounts = append(accounts, AccountConfig{
			ID:            i,
			APIKey:        key,
			PrimaryRPM:    getEnvAsInt(fmt.Sprintf("ACCOUNT_%d_PRIMARY_RPM", i), 500),
			PrimaryTPM:    getEnvAsInt(fmt.Sprintf("ACCOUNT_%d_PRIMARY_TPM", i), 30000),
			MiniRPM:       getEnvAsInt(fmt.Sprintf("ACCOUNT_%d_MINI_RPM", i), 500),
			MiniTPM:       getEnvAsInt(fmt.Sprintf("ACCOUNT_%d_MINI_TPM", i), 200000),
			BufferPercent: getEnvAsInt(fmt.Sprintf("ACCOUNT_%d_BUFFER_PERCENT", i), 80),
		})
	}
	return accounts
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Session.Secret == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}

	for _, acc := range c.Accounts {
		if acc.PrimaryRPM <= 0 || acc.PrimaryTPM <= 0 || acc.MiniRPM <= 0 || acc.MiniTPM <= 0 {
			return fmt.Errorf("account %d: rate limits must be positive", acc.ID)
		}
		if acc.BufferPercent < 1 || acc.BufferPercent > 99 {
			return fmt.Errorf("account %d: ACCOUNT_%d_BUFFER_PERCENT must be between 1 and 99", acc.ID, acc.ID)
		}
	}

	if c.SMS.Gateway == "http" && c.SMS.URL == "" {
		return fmt.Errorf("SMS_GATEWAY_URL is required when SMS_GATEWAY=http")
	}

	if c.Payment.Gateway == "http" && c.Payment.URL == "" {
		return fmt.Errorf("PAYMENT_GATEWAY_URL is required when PAYMENT_GATEWAY=http")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
