package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

// Job types configured with their own worker pool.
var poolTypes = []string{"search", "scrape", "analyze", "generate", "pipeline"}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Queue     QueueConfig
	Cache     CacheConfig
	Browser   BrowserConfig
	SerpAPI   SerpAPIConfig
	Morph     MorphConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Gemini    GeminiConfig
	Groq      GroqConfig
	Embedding EmbeddingConfig
	Events    EventsConfig
	R2        R2Config
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
	Prompts   PromptsConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	// Role is api, worker or all.
	Role string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig holds the embedding database. An empty DSN keeps
// embeddings in memory.
type PostgresConfig struct {
	DSN string
}

type QueueConfig struct {
	// Backend is asynq or memory.
	Backend         string
	DefaultPriority int
	MaxAttempts     int
	BackoffBase     time.Duration
	// ClaimLease must exceed the longest attempt a worker may run.
	ClaimLease time.Duration
	Pools      map[string]PoolConfig
}

// PoolConfig bounds one job type.
type PoolConfig struct {
	Concurrency     int
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type CacheConfig struct {
	SearchTTL    time.Duration
	ScrapeTTL    time.Duration
	EmbeddingTTL time.Duration
}

type BrowserConfig struct {
	MaxPages    int
	PageTimeout time.Duration
	UserAgent   string
}

type SerpAPIConfig struct {
	APIKey    string
	BaseURL   string
	PerSecond float64
}

type MorphConfig struct {
	BaseURL string
	Timeout time.Duration
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type EmbeddingConfig struct {
	Model               string
	SimilarityK         int
	SimilarityThreshold float64
}

type EventsConfig struct {
	// Backend is hub, redis or nats.
	Backend string
	NATSURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RateLimitConfig struct {
	SubmitPerMin int
}

type GatewayConfig struct {
	Enabled bool
}

type PromptsConfig struct {
	File string
}

func Load() (*Config, error) {
	// .env is optional; real env vars win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("POSTGRES_DSN")
	readSecret("SERPAPI_API_KEY")
	readSecret("OPENAI_API_KEY")
	readSecret("ANTHROPIC_API_KEY")
	readSecret("GEMINI_API_KEY")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.role", "SERVER_ROLE")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("postgres.dsn", "POSTGRES_DSN")
	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.default_priority", "QUEUE_DEFAULT_PRIORITY")
	_ = v.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.backoff_base", "QUEUE_BACKOFF_BASE")
	_ = v.BindEnv("queue.claim_lease", "QUEUE_CLAIM_LEASE")
	_ = v.BindEnv("browser.max_pages", "BROWSER_MAX_PAGES")
	_ = v.BindEnv("browser.page_timeout", "BROWSER_PAGE_TIMEOUT")
	_ = v.BindEnv("serpapi.api_key", "SERPAPI_API_KEY")
	_ = v.BindEnv("serpapi.base_url", "SERPAPI_BASE_URL")
	_ = v.BindEnv("morph.base_url", "PHP_MORPHY_URL")
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("openai.model", "OPENAI_MODEL")
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("embedding.model", "EMBEDDING_MODEL")
	_ = v.BindEnv("events.backend", "EVENTS_BACKEND")
	_ = v.BindEnv("events.nats_url", "NATS_URL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("prompts.file", "PROMPTS_FILE")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			Role:      v.GetString("server.role"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres.dsn"),
		},
		Queue: QueueConfig{
			Backend:         v.GetString("queue.backend"),
			DefaultPriority: v.GetInt("queue.default_priority"),
			MaxAttempts:     v.GetInt("queue.max_attempts"),
			BackoffBase:     v.GetDuration("queue.backoff_base"),
			ClaimLease:      v.GetDuration("queue.claim_lease"),
			Pools:           make(map[string]PoolConfig, len(poolTypes)),
		},
		Cache: CacheConfig{
			SearchTTL:    v.GetDuration("cache.search_ttl"),
			ScrapeTTL:    v.GetDuration("cache.scrape_ttl"),
			EmbeddingTTL: v.GetDuration("cache.embedding_ttl"),
		},
		Browser: BrowserConfig{
			MaxPages:    v.GetInt("browser.max_pages"),
			PageTimeout: v.GetDuration("browser.page_timeout"),
			UserAgent:   v.GetString("browser.user_agent"),
		},
		SerpAPI: SerpAPIConfig{
			APIKey:    v.GetString("serpapi.api_key"),
			BaseURL:   v.GetString("serpapi.base_url"),
			PerSecond: v.GetFloat64("serpapi.per_second"),
		},
		Morph: MorphConfig{
			BaseURL: v.GetString("morph.base_url"),
			Timeout: v.GetDuration("morph.timeout"),
		},
		OpenAI: OpenAIConfig{
			APIKey: v.GetString("openai.api_key"),
			Model:  v.GetString("openai.model"),
		},
		Anthropic: AnthropicConfig{
			APIKey:  v.GetString("anthropic.api_key"),
			BaseURL: v.GetString("anthropic.base_url"),
			Model:   v.GetString("anthropic.model"),
		},
		Gemini: GeminiConfig{
			APIKey:  v.GetString("gemini.api_key"),
			BaseURL: v.GetString("gemini.base_url"),
			Model:   v.GetString("gemini.model"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		Embedding: EmbeddingConfig{
			Model:               v.GetString("embedding.model"),
			SimilarityK:         v.GetInt("embedding.similarity_k"),
			SimilarityThreshold: v.GetFloat64("embedding.similarity_threshold"),
		},
		Events: EventsConfig{
			Backend: v.GetString("events.backend"),
			NATSURL: v.GetString("events.nats_url"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: v.GetInt("ratelimit.submit_per_min"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Prompts: PromptsConfig{
			File: v.GetString("prompts.file"),
		},
	}

	for _, t := range poolTypes {
		cfg.Queue.Pools[t] = PoolConfig{
			Concurrency:     v.GetInt("queue.pools." + t + ".concurrency"),
			RateLimitMax:    v.GetInt("queue.pools." + t + ".rate_limit_max"),
			RateLimitWindow: v.GetDuration("queue.pools." + t + ".rate_limit_window"),
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.role", "all")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Queue defaults
	v.SetDefault("queue.backend", "asynq")
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.claim_lease", 31*time.Minute)
	for _, t := range poolTypes {
		concurrency := 2
		if t == "pipeline" {
			concurrency = 1
		}
		v.SetDefault("queue.pools."+t+".concurrency", concurrency)
		v.SetDefault("queue.pools."+t+".rate_limit_max", 10)
		v.SetDefault("queue.pools."+t+".rate_limit_window", time.Minute)
	}

	// Freshness windows; zero never expires
	v.SetDefault("cache.search_ttl", 24*time.Hour)
	v.SetDefault("cache.scrape_ttl", 7*24*time.Hour)
	v.SetDefault("cache.embedding_ttl", time.Duration(0))

	v.SetDefault("browser.max_pages", 2)
	v.SetDefault("browser.page_timeout", 30*time.Second)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (compatible; zemo-worker/1.0)")

	// Provider defaults
	v.SetDefault("serpapi.base_url", "https://serpapi.com")
	v.SetDefault("serpapi.per_second", 1.0)
	v.SetDefault("morph.base_url", "http://phpmorphy:8080")
	v.SetDefault("morph.timeout", 30*time.Second)
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("anthropic.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("anthropic.model", "claude-3-sonnet-20240229")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-pro")
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("embedding.model", "text-embedding-ada-002")
	v.SetDefault("embedding.similarity_k", 5)
	v.SetDefault("embedding.similarity_threshold", 0.8)

	v.SetDefault("events.backend", "redis")
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("ratelimit.submit_per_min", 60)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("prompts.file", "")
}
