package config

import (
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/dunamismax/optipix/internal/aiedit"
)

type Config struct {
	API       APIConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	AI        AIConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig
	Render    RenderConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
	SessionTTL     time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Capacity      int
	Window        time.Duration
	AICost        int
	UserIDHeader  string
	KeyPrefix     string
}

type StorageConfig struct {
	Enabled      bool
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	ExportPrefix string
	PresignTTL   time.Duration
}

type AIConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func (a AIConfig) ClientConfig() aiedit.Config {
	return aiedit.Config{
		Endpoint: a.Endpoint,
		APIKey:   a.APIKey,
		Model:    a.Model,
		Timeout:  a.Timeout,
	}
}

type WebhookConfig struct {
	Secret      string
	MaxAttempts int
	Timeout     time.Duration
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type RenderConfig struct {
	VipsCacheBytes int64
}

func Load() Config {
	return Config{
		API: APIConfig{
			Addr:           env("OPTIPIX_API_ADDR", ":8080"),
			MaxUploadBytes: envSize("OPTIPIX_MAX_UPLOAD_SIZE", 25*units.MiB),
			SessionTTL:     envDuration("OPTIPIX_SESSION_TTL", 30*time.Minute),
			ReadTimeout:    envDuration("OPTIPIX_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   envDuration("OPTIPIX_WRITE_TIMEOUT", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 60),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			AICost:        envInt("RATE_LIMIT_AI_COST", 10),
			UserIDHeader:  env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
			KeyPrefix:     env("RATE_LIMIT_KEY_PREFIX", "optipix:ratelimit"),
		},
		Storage: StorageConfig{
			Enabled:      envBool("MINIO_ENABLED", false),
			Endpoint:     env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:    env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:    env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:       env("MINIO_BUCKET", "optipix-exports"),
			UseSSL:       envBool("MINIO_USE_SSL", false),
			ExportPrefix: env("MINIO_EXPORT_PREFIX", "exports"),
			PresignTTL:   envDuration("MINIO_PRESIGN_TTL", 15*time.Minute),
		},
		AI: AIConfig{
			Endpoint: env("GEMINI_ENDPOINT", aiedit.DefaultEndpoint),
			APIKey:   env("GEMINI_API_KEY", ""),
			Model:    env("GEMINI_MODEL", aiedit.DefaultModel),
			Timeout:  envDuration("GEMINI_TIMEOUT", 0),
		},
		Webhook: WebhookConfig{
			Secret:      env("WEBHOOK_SECRET", ""),
			MaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			Timeout:     envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Tracing: TracingConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "optipix-api"),
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1.0),
		},
		Render: RenderConfig{
			VipsCacheBytes: envSize("VIPS_CACHE_MAX_MEM", 128*units.MiB),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// envSize accepts human sizes such as "25MiB" or "10mb".
func envSize(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := units.RAMInBytes(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
