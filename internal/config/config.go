package config

import (
	"os"      // For environment variables
	"strconv" // For string to int conversion
	"strings" // For list splitting
	"time"    // For durations

	"github.com/joho/godotenv" // For loading .env files
)

// Config holds the application configuration
type Config struct {
	AppPort    string // Application port
	DBDriver   string // Database dialect: mysql, postgres or sqlite
	DBUser     string // Database user
	DBPassword string // Database password
	DBHost     string // Database host
	DBPort     string // Database port
	DBName     string // Database name
	DBPath     string // SQLite file path (sqlite driver only)
	JWTSecret  string // JWT secret key
	RedisAddr  string // Redis server address, empty disables caching
	RedisPass  string // Redis password
	RedisDB    int    // Redis database number
	IsProd     bool   // Is production environment

	KafkaBrokers   []string // Kafka brokers, empty disables event publishing
	KafkaTopic     string   // Topic for order/payment events
	JaegerEndpoint string   // Jaeger collector endpoint, empty disables tracing

	Currency            string        // Currency for new wallets and orders
	WalletCacheTTL      time.Duration // TTL of cached balances and history pages
	ReservationTTL      time.Duration // Pending orders older than this are cancelled
	SweepInterval       time.Duration // How often the stale-order/expiry sweeper runs
	GatewayTimeout      time.Duration // Bound on each outbound gateway call
	BreakerMaxFailures  int           // Consecutive failures before a gateway circuit opens
	BreakerResetTimeout time.Duration // How long an open circuit stays open
	InventorySkipLocked bool          // Use FOR UPDATE SKIP LOCKED when reserving stock
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	_ = godotenv.Load() // Load .env file if present
	redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	return &Config{
		AppPort:    getEnv("APP_PORT", "8080"),      // Application port
		DBDriver:   getEnv("DB_DRIVER", "mysql"),    // Database dialect
		DBUser:     os.Getenv("DB_USER"),            // Database user
		DBPassword: os.Getenv("DB_PASSWORD"),        // Database password
		DBHost:     getEnv("DB_HOST", "localhost"),  // Database host
		DBPort:     os.Getenv("DB_PORT"),            // Database port
		DBName:     os.Getenv("DB_NAME"),            // Database name
		DBPath:     getEnv("DB_PATH", "store.db"),   // SQLite file
		JWTSecret:  os.Getenv("JWT_SECRET"),         // JWT secret key
		RedisAddr:  os.Getenv("REDIS_ADDR"),         // Redis server address
		RedisPass:  os.Getenv("REDIS_PASS"),         // Redis password
		RedisDB:    redisDB,                         // Redis database number
		IsProd:     os.Getenv("IS_PROD") == "true",  // Is production environment

		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "store_events"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),

		Currency:            getEnv("CURRENCY", "USD"),
		WalletCacheTTL:      getDuration("WALLET_CACHE_TTL", 60*time.Second),
		ReservationTTL:      getDuration("RESERVATION_TTL", 30*time.Minute),
		SweepInterval:       getDuration("SWEEP_INTERVAL", time.Minute),
		GatewayTimeout:      getDuration("GATEWAY_TIMEOUT", 15*time.Second),
		BreakerMaxFailures:  getInt("BREAKER_MAX_FAILURES", 5),
		BreakerResetTimeout: getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		InventorySkipLocked: os.Getenv("INVENTORY_SKIP_LOCKED") == "true",
	}
}

// getEnv returns the variable or a default when unset
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration parses a Go duration string, falling back on parse errors
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// getInt parses a positive integer, falling back on parse errors
func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// splitList turns "a, b,c" into [a b c]
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
