package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Security SecurityConfig
	Alert    AlertConfig
	GeoIP    GeoIPConfig
	Events   EventsConfig
	Spool    SpoolConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
	ConnectAttempts   int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// RedisConfig selects and configures the ephemeral store.
// Backend "memory" keeps state in-process and is meant for development only.
type RedisConfig struct {
	Backend      string
	Addr         string
	Password     string
	DB           int
	CallTimeout  time.Duration
	BreakerTrips uint32
	BreakerReset time.Duration
}

// SecurityConfig holds every detection and lockout threshold
type SecurityConfig struct {
	MaxFailedAttempts   int64
	LockoutDuration     time.Duration
	AttemptWindow       time.Duration
	IPFlagDuration      time.Duration
	ConsecutiveFailures int
	HourlyFailures      int
	LedgerScanLimit     int

	MultiFailureThreshold   int
	MultiFailureWindow      time.Duration
	BulkExportThreshold     int
	BulkExportWindow        time.Duration
	APIVolumeThreshold      int
	APIActivityWindow       time.Duration
	APIFailureRateThreshold float64

	HijackMinSessions  int
	HijackMinAddresses int
	HijackLookback     time.Duration

	EventChainKey   string
	CleanupInterval time.Duration
	LedgerRetention time.Duration
	SpoolReplay     int
}

type AlertConfig struct {
	Enabled    bool
	Region     string
	Sender     string
	Recipients []string
}

type GeoIPConfig struct {
	DatabasePath string
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

type SpoolConfig struct {
	Path string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			StatementTimeout:  getEnvAsDuration("DB_STATEMENT_TIMEOUT", 5*time.Second),
			ConnectAttempts:   getEnvAsInt("DB_CONNECT_ATTEMPTS", 5),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
			Issuer:    getEnv("JWT_ISSUER", "bastion"),
			TokenTTL:  getEnvAsDuration("JWT_TOKEN_TTL", 1*time.Hour),
		},
		Redis: RedisConfig{
			Backend:      getEnv("STORE_BACKEND", "redis"),
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			CallTimeout:  getEnvAsDuration("STORE_CALL_TIMEOUT", 50*time.Millisecond),
			BreakerTrips: uint32(getEnvAsInt("STORE_BREAKER_FAILURES", 5)),
			BreakerReset: getEnvAsDuration("STORE_BREAKER_RESET", 10*time.Second),
		},
		Security: SecurityConfig{
			MaxFailedAttempts:   int64(getEnvAsInt("MAX_FAILED_ATTEMPTS", 5)),
			LockoutDuration:     getEnvAsMinutes("LOCKOUT_DURATION_MINUTES", 15),
			AttemptWindow:       getEnvAsMinutes("ATTEMPT_WINDOW_MINUTES", 5),
			IPFlagDuration:      getEnvAsMinutes("IP_FLAG_DURATION_MINUTES", 60),
			ConsecutiveFailures: getEnvAsInt("CONSECUTIVE_FAILURE_THRESHOLD", 5),
			HourlyFailures:      getEnvAsInt("HOURLY_FAILURE_THRESHOLD", 10),
			LedgerScanLimit:     getEnvAsInt("LEDGER_SCAN_LIMIT", 50),

			MultiFailureThreshold:   getEnvAsInt("MULTI_FAILURE_THRESHOLD", 5),
			MultiFailureWindow:      getEnvAsDuration("MULTI_FAILURE_WINDOW", 24*time.Hour),
			BulkExportThreshold:     getEnvAsInt("BULK_EXPORT_THRESHOLD", 10),
			BulkExportWindow:        getEnvAsMinutes("BULK_EXPORT_WINDOW_MINUTES", 60),
			APIVolumeThreshold:      getEnvAsInt("API_VOLUME_THRESHOLD", 1000),
			APIActivityWindow:       getEnvAsMinutes("API_ACTIVITY_WINDOW_MINUTES", 60),
			APIFailureRateThreshold: getEnvAsFloat("API_FAILURE_RATE_THRESHOLD", 0.5),

			HijackMinSessions:  getEnvAsInt("HIJACK_MIN_SESSIONS", 2),
			HijackMinAddresses: getEnvAsInt("HIJACK_MIN_ADDRESSES", 2),
			HijackLookback:     getEnvAsDuration("HIJACK_LOOKBACK", 24*time.Hour),

			EventChainKey:   getEnv("EVENT_CHAIN_KEY", jwtSecret),
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Minute),
			LedgerRetention: time.Duration(getEnvAsInt("LEDGER_RETENTION_DAYS", 90)) * 24 * time.Hour,
			SpoolReplay:     getEnvAsInt("SPOOL_REPLAY_BATCH", 100),
		},
		Alert: AlertConfig{
			Enabled:    getEnvAsBool("ALERT_EMAIL_ENABLED", false),
			Region:     getEnv("AWS_REGION", "us-east-1"),
			Sender:     getEnv("ALERT_EMAIL_SENDER", ""),
			Recipients: getEnvAsList("ALERT_EMAIL_RECIPIENTS"),
		},
		GeoIP: GeoIPConfig{
			DatabasePath: getEnv("GEOIP_DB_PATH", ""),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "security.events"),
		},
		Spool: SpoolConfig{
			Path: getEnv("LEDGER_SPOOL_PATH", "bastion-spool.db"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.validate(); err != nil {
		return nil, err
	}

	if cfg.Redis.Backend != "redis" && cfg.Redis.Backend != "memory" {
		return nil, fmt.Errorf("STORE_BACKEND must be redis or memory (got %q)", cfg.Redis.Backend)
	}

	if cfg.Alert.Enabled && (cfg.Alert.Sender == "" || len(cfg.Alert.Recipients) == 0) {
		return nil, fmt.Errorf("ALERT_EMAIL_SENDER and ALERT_EMAIL_RECIPIENTS are required when alerts are enabled")
	}

	return cfg, nil
}

func (s *SecurityConfig) validate() error {
	if s.MaxFailedAttempts < 1 {
		return fmt.Errorf("MAX_FAILED_ATTEMPTS must be positive")
	}
	if s.LockoutDuration <= 0 || s.AttemptWindow <= 0 || s.IPFlagDuration <= 0 {
		return fmt.Errorf("lockout, attempt window and flag durations must be positive")
	}
	if s.LedgerRetention < 24*time.Hour {
		return fmt.Errorf("LEDGER_RETENTION_DAYS must be at least 1")
	}
	if s.APIFailureRateThreshold <= 0 || s.APIFailureRateThreshold > 1 {
		return fmt.Errorf("API_FAILURE_RATE_THRESHOLD must be in (0, 1]")
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsMinutes reads an integer number of minutes
func getEnvAsMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMinutes)) * time.Minute
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
