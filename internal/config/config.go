package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr string
	GRPCAddr string
	LogLevel string
	LogFile  string // optional rotating log file, stderr only when empty

	// Database
	DatabaseURL string

	// Kafka (disabled when no brokers are set)
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicEvents   string

	// S3/Storage for generated image bytes
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
	S3PublicURL    string
	ImageURLExpiry time.Duration // presigned URL lifetime when S3PublicURL is empty

	// Providers
	PromptProvider string // groq | gemini
	ImageProvider  string // fal | gemini | imagen

	// Groq (OpenAI-compatible chat completions)
	GroqAPIKey  string
	GroqBaseURL string
	GroqModel   string

	// fal.ai
	FalAPIKey    string
	FalEndpoint  string
	FalImageSize string

	// Gemini API
	GeminiAPIKey      string
	GeminiAPIEndpoint string // if set, overrides default Gemini API base URL
	GeminiModelFlash  string
	GeminiModelImage  string // image generation, e.g. gemini-2.5-flash-image
	ImagenModel       string

	// Slide behaviour
	DevMode           bool
	DebounceDelay     time.Duration
	GenerationTimeout time.Duration
	VerifyImages      bool

	// History API: bcrypt hash of the bearer key, API disabled when empty
	APIKeyHash string

	// Worker webhook; empty URL disables it
	WebhookURL    string
	WebhookSecret string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "backdrop-worker-main"),
		KafkaTopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "backdrop.generations.v1"),

		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("S3_BUCKET", "backdrop-images"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:       getEnvBool("S3_USE_SSL", false),
		S3PublicURL:    getEnv("S3_PUBLIC_URL", ""),
		ImageURLExpiry: getEnvDuration("IMAGE_URL_EXPIRY", 24*time.Hour),

		PromptProvider: strings.ToLower(getEnv("PROMPT_PROVIDER", "groq")),
		ImageProvider:  strings.ToLower(getEnv("IMAGE_PROVIDER", "fal")),

		GroqAPIKey:  getEnv("GROQ_API_KEY", ""),
		GroqBaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:   getEnv("GROQ_MODEL", "mixtral-8x7b-32768"),

		FalAPIKey:    getEnv("FAL_API_KEY", ""),
		FalEndpoint:  getEnv("FAL_ENDPOINT", "https://fal.run/fal-ai/flux/dev"),
		FalImageSize: getEnv("FAL_IMAGE_SIZE", "square_hd"),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiAPIEndpoint: getEnv("GEMINI_API_ENDPOINT", ""),
		GeminiModelFlash:  getEnv("GEMINI_MODEL_FLASH", "gemini-2.5-flash-lite"),
		GeminiModelImage:  getEnv("GEMINI_MODEL_IMAGE", "gemini-2.5-flash-image"),
		ImagenModel:       getEnv("IMAGEN_MODEL", "imagen-4.0-generate-001"),

		DevMode:           getEnvBool("DEV_MODE", false),
		DebounceDelay:     clampMinDuration(getEnvDuration("DEBOUNCE_DELAY", 500*time.Millisecond), 0),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),
		VerifyImages:      getEnvBool("VERIFY_IMAGES", false),

		APIKeyHash: getEnv("API_KEY_HASH", ""),

		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
	}
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// S3Enabled reports whether image bytes can be stored.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != "" || (c.S3AccessKey != "" && c.S3SecretKey != "")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// clampMinDuration returns v if v >= min, otherwise min.
func clampMinDuration(v, min time.Duration) time.Duration {
	if v < min {
		return min
	}
	return v
}
