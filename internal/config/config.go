/**
 * @description
 * This package handles the configuration management for the reward-service. It
 * uses Viper to read settings from the environment and an optional .env file,
 * applies defaults, and normalizes values after unmarshalling.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the reward-service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns int32  `mapstructure:"DATABASE_MAX_CONNS"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix   string `mapstructure:"REDIS_KEY_PREFIX"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	RewardEventExchange   string `mapstructure:"REWARD_EVENT_EXCHANGE"`
	ProviderEventExchange string `mapstructure:"PROVIDER_EVENT_EXCHANGE"`
	ProviderStatusQueue   string `mapstructure:"PROVIDER_STATUS_QUEUE"`

	JWTJWKSURL         string `mapstructure:"JWT_JWKS_URL"`
	JWTHMACSecret      string `mapstructure:"JWT_HMAC_SECRET"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	VTpassBaseURL          string `mapstructure:"VTPASS_BASE_URL"`
	VTpassAPIKey           string `mapstructure:"VTPASS_API_KEY"`
	VTpassPublicKey        string `mapstructure:"VTPASS_PUBLIC_KEY"`
	VTpassSecretKey        string `mapstructure:"VTPASS_SECRET_KEY"`
	EasyAccessBaseURL      string `mapstructure:"EASYACCESS_BASE_URL"`
	EasyAccessToken        string `mapstructure:"EASYACCESS_TOKEN"`
	AirtimeProvider        string `mapstructure:"AIRTIME_PROVIDER"`
	DataProvider           string `mapstructure:"DATA_PROVIDER"`
	ExamPinProvider        string `mapstructure:"EXAM_PIN_PROVIDER"`
	ProviderTimeoutSeconds int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`

	CatalogPath              string `mapstructure:"CATALOG_PATH"`
	RewardRateLimitPerMinute int    `mapstructure:"REWARD_RATE_LIMIT_PER_MINUTE"`
	QuizCacheTTLSeconds      int    `mapstructure:"QUIZ_CACHE_TTL_SECONDS"`

	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	StaleRecoverySchedule      string `mapstructure:"STALE_RECOVERY_SCHEDULE"`
	PendingRequeryAfterMinutes int    `mapstructure:"PENDING_REQUERY_AFTER_MINUTES"`
	StaleRequestAfterMinutes   int    `mapstructure:"STALE_REQUEST_AFTER_MINUTES"`
	ReconcileBatchSize         int    `mapstructure:"RECONCILE_BATCH_SIZE"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                   "8080",
	"LOG_LEVEL":                     "info",
	"LOG_FORMAT":                    "json",
	"DATABASE_MAX_CONNS":            10,
	"REDIS_KEY_PREFIX":              "reward",
	"REWARD_EVENT_EXCHANGE":         "reward_events",
	"PROVIDER_EVENT_EXCHANGE":       "provider_events",
	"PROVIDER_STATUS_QUEUE":         "reward_service.provider_status",
	"CORS_ALLOWED_ORIGINS":          "*",
	"VTPASS_BASE_URL":               "https://sandbox.vtpass.com/api",
	"EASYACCESS_BASE_URL":           "https://easyaccessapi.com.ng",
	"AIRTIME_PROVIDER":              "vtpass",
	"DATA_PROVIDER":                 "easyaccess",
	"EXAM_PIN_PROVIDER":             "easyaccess",
	"PROVIDER_TIMEOUT_SECONDS":      30,
	"REWARD_RATE_LIMIT_PER_MINUTE":  10,
	"QUIZ_CACHE_TTL_SECONDS":        300,
	"RECONCILE_SCHEDULE":            "*/5 * * * *",
	"STALE_RECOVERY_SCHEDULE":       "*/10 * * * *",
	"PENDING_REQUERY_AFTER_MINUTES": 5,
	"STALE_REQUEST_AFTER_MINUTES":   15,
	"RECONCILE_BATCH_SIZE":          100,
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind explicitly so keys without defaults still appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REWARD_EVENT_EXCHANGE")
	_ = viper.BindEnv("PROVIDER_EVENT_EXCHANGE")
	_ = viper.BindEnv("PROVIDER_STATUS_QUEUE")
	_ = viper.BindEnv("JWT_JWKS_URL")
	_ = viper.BindEnv("JWT_HMAC_SECRET", "JWT_HMAC_SECRET", "JWT_SECRET")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("VTPASS_BASE_URL")
	_ = viper.BindEnv("VTPASS_API_KEY")
	_ = viper.BindEnv("VTPASS_PUBLIC_KEY")
	_ = viper.BindEnv("VTPASS_SECRET_KEY")
	_ = viper.BindEnv("EASYACCESS_BASE_URL")
	_ = viper.BindEnv("EASYACCESS_TOKEN")
	_ = viper.BindEnv("AIRTIME_PROVIDER")
	_ = viper.BindEnv("DATA_PROVIDER")
	_ = viper.BindEnv("EXAM_PIN_PROVIDER")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CATALOG_PATH")
	_ = viper.BindEnv("REWARD_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("QUIZ_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("STALE_RECOVERY_SCHEDULE")
	_ = viper.BindEnv("PENDING_REQUERY_AFTER_MINUTES")
	_ = viper.BindEnv("STALE_REQUEST_AFTER_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REWARD_SERVICE_INTERNAL_API_KEY"))
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "reward"
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))
	config.AirtimeProvider = strings.ToLower(strings.TrimSpace(config.AirtimeProvider))
	config.DataProvider = strings.ToLower(strings.TrimSpace(config.DataProvider))
	config.ExamPinProvider = strings.ToLower(strings.TrimSpace(config.ExamPinProvider))

	if config.ProviderTimeoutSeconds <= 0 {
		slog.Warn("non-positive provider timeout configured; using default", "component", "config", "value", config.ProviderTimeoutSeconds)
		config.ProviderTimeoutSeconds = 30
	}
	if config.RewardRateLimitPerMinute < 0 {
		config.RewardRateLimitPerMinute = 0
	}
	if config.QuizCacheTTLSeconds <= 0 {
		config.QuizCacheTTLSeconds = 300
	}
	if config.PendingRequeryAfterMinutes <= 0 {
		config.PendingRequeryAfterMinutes = 5
	}
	if config.StaleRequestAfterMinutes <= 0 {
		config.StaleRequestAfterMinutes = 15
	}
	// A request is only stale once its provider call has certainly timed out.
	if floor := minStaleRequestMinutes(config.ProviderTimeoutSeconds); config.StaleRequestAfterMinutes < floor {
		slog.Warn("stale request window shorter than provider timeout allows; raising it", "component", "config",
			"value", config.StaleRequestAfterMinutes, "minimum", floor, "provider_timeout_seconds", config.ProviderTimeoutSeconds)
		config.StaleRequestAfterMinutes = floor
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}
	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}

	return
}

// ProviderTimeout bounds each provider call.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c Config) QuizCacheTTL() time.Duration {
	return time.Duration(c.QuizCacheTTLSeconds) * time.Second
}

func (c Config) PendingRequeryAfter() time.Duration {
	return time.Duration(c.PendingRequeryAfterMinutes) * time.Minute
}

// staleTimeoutMultiple is how many provider timeouts must pass before an
// in-flight request may be recovered.
const staleTimeoutMultiple = 3

func minStaleRequestMinutes(timeoutSeconds int) int {
	return (staleTimeoutMultiple*timeoutSeconds + 59) / 60
}

func (c Config) StaleRequestAfter() time.Duration {
	return time.Duration(c.StaleRequestAfterMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
