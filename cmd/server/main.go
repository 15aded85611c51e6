package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zemo/api/internal/cache"
	"github.com/zemo/api/internal/client"
	"github.com/zemo/api/internal/config"
	"github.com/zemo/api/internal/dispatcher"
	"github.com/zemo/api/internal/events"
	"github.com/zemo/api/internal/handler"
	"github.com/zemo/api/internal/logger"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/middleware"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/pipeline"
	"github.com/zemo/api/internal/prompt"
	"github.com/zemo/api/internal/ratelimit"
	"github.com/zemo/api/internal/reporter"
	"github.com/zemo/api/internal/service"
	"github.com/zemo/api/internal/similarity"
	"github.com/zemo/api/internal/store"
	"github.com/zemo/api/internal/store/memstore"
	"github.com/zemo/api/internal/store/pgstore"
	"github.com/zemo/api/internal/store/redisstore"
	ws "github.com/zemo/api/internal/websocket"
	"github.com/zemo/api/internal/worker"
)

const (
	roleAPI    = "api"
	roleWorker = "worker"
	roleAll    = "all"

	connectTimeout = time.Minute
)

// stores groups the persistence the engine runs on.
type stores struct {
	jobs       store.JobStore
	searches   store.SearchResultStore
	pages      store.PageStore
	embeddings store.EmbeddingStore
	prompts    store.PromptStore
	texts      store.GeneratedTextStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr := logger.New(logger.Config{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})

	role := strings.ToLower(cfg.Server.Role)
	inMemory := strings.EqualFold(cfg.Queue.Backend, "memory")
	if inMemory && role != roleAll {
		logr.Warn("memory queue runs in a single process; forcing role all", slog.String("role", role))
		role = roleAll
	}
	runAPI := role == roleAPI || role == roleAll
	runWorkers := role == roleWorker || role == roleAll

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Persistence, queue and limiter
	var (
		st          stores
		broker      dispatcher.Broker
		limiter     ratelimit.Limiter
		redisClient *redis.Client
	)
	if inMemory {
		mem := memstore.New()
		st = stores{jobs: mem, searches: mem, pages: mem, embeddings: mem, prompts: mem, texts: mem}
		broker = dispatcher.NewMemoryBroker()
		limiter = ratelimit.NewMemory()
		logr.Info("using in-memory queue and stores")
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := retryConnect(ctx, logr, "redis", func() error {
			return redisClient.Ping(ctx).Err()
		}); err != nil {
			logr.Error("redis unavailable", slog.String("error", err.Error()))
			os.Exit(1)
		}

		rs := redisstore.New(redisClient, 0)
		st = stores{jobs: rs, searches: rs, pages: rs, embeddings: rs, prompts: rs, texts: rs}
		broker = dispatcher.NewAsynqBroker(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Server.LogLevel, logr)
		limiter = ratelimit.NewRedis(redisClient, "")
	}

	if cfg.Postgres.DSN != "" {
		pool, err := connectPostgres(ctx, logr, cfg.Postgres.DSN)
		if err != nil {
			logr.Error("postgres unavailable", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		st.embeddings = pgstore.NewEmbeddingStore(pool)
	} else {
		logr.Info("postgres not configured, embeddings kept in the primary store")
	}

	// Realtime events
	hub := ws.NewHub(logr)
	go hub.Run(ctx)
	publisher, err := setupEvents(ctx, cfg, redisClient, hub, runAPI, logr)
	if err != nil {
		logr.Error("event bus unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Prompt templates
	prompts := prompt.NewService(st.prompts, logr)
	if cfg.Prompts.File != "" {
		n, err := prompts.LoadFile(ctx, cfg.Prompts.File)
		if err != nil {
			logr.Error("failed to load prompts", slog.String("file", cfg.Prompts.File), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logr.Info("prompts loaded", slog.Int("count", n))
	}

	// Executors
	registry := worker.NewRegistry()
	r2Client := registerExecutors(registry, cfg, st, prompts, m, logr)

	rep := reporter.New(st.jobs, publisher, logr, m)
	d := dispatcher.New(st.jobs, broker, registry, limiter, rep, dispatcherConfig(cfg), m, logr)

	if runWorkers {
		if err := d.Start(ctx); err != nil {
			logr.Error("failed to start worker pools", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logr.Info("worker pools started", slog.Any("types", registry.Types()))
	}

	if !runAPI {
		<-ctx.Done()
		logr.Info("shutting down workers")
		d.Shutdown()
		return
	}

	jobService := service.NewJobService(st.jobs, d, logr)
	jobHandler := handler.NewJobHandler(jobService, validator.New(), logr)
	rateLimiter := middleware.NewRateLimiter(limiter, logr)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-User-Id,X-User-Email,X-User-Name",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"role":   role,
			"queue":  cfg.Queue.Backend,
			"services": fiber.Map{
				"serpapi":  cfg.SerpAPI.APIKey != "",
				"openai":   cfg.OpenAI.APIKey != "",
				"claude":   cfg.Anthropic.APIKey != "",
				"gemini":   cfg.Gemini.APIKey != "",
				"groq":     cfg.Groq.APIKey != "",
				"r2":       r2Client != nil,
				"postgres": cfg.Postgres.DSN != "",
			},
			"executors": registry.Types(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handler.Routes{
		Jobs:        jobHandler,
		Hub:         hub,
		Auth:        middleware.GatewayAuthMiddleware(cfg.Gateway.Enabled),
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerMin),
	}.Mount(app)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logr.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logr.Error("server shutdown error", slog.String("error", err.Error()))
		}
		d.Shutdown()
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	logr.Info("server starting", slog.String("addr", addr), slog.String("role", role))
	if err := app.Listen(addr); err != nil {
		logr.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// retryConnect retries fn with exponential backoff until it succeeds or
// connectTimeout elapses.
func retryConnect(ctx context.Context, logr *slog.Logger, name string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logr.Warn("connection failed, retrying",
			slog.String("service", name),
			slog.String("error", err.Error()),
			slog.Duration("retryIn", next))
	})
}

func connectPostgres(ctx context.Context, logr *slog.Logger, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retryConnect(ctx, logr, "postgres", func() error {
		p, err := pgstore.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := pgstore.NewEmbeddingStore(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate embeddings: %w", err)
	}
	return pool, nil
}

// setupEvents picks the publisher executors report through. With a bus
// configured, an API process relays bus traffic into its WebSocket hub.
func setupEvents(ctx context.Context, cfg *config.Config, redisClient *redis.Client, hub *ws.Hub, relay bool, logr *slog.Logger) (events.Publisher, error) {
	type relayer interface {
		Relay(ctx context.Context, dst events.Publisher) error
	}

	var (
		bus events.Publisher
		src relayer
	)
	switch strings.ToLower(cfg.Events.Backend) {
	case "nats":
		nb, err := events.ConnectNATS(cfg.Events.NATSURL, logr)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			nb.Close()
		}()
		bus, src = nb, nb
	case "redis":
		if redisClient == nil {
			return hub, nil
		}
		rb := events.NewRedisBus(redisClient, "", logr)
		bus, src = rb, rb
	default:
		return hub, nil
	}

	if relay {
		go func() {
			if err := src.Relay(ctx, hub); err != nil {
				logr.Error("event relay stopped", slog.String("error", err.Error()))
			}
		}()
	}
	logr.Info("event bus configured", slog.String("backend", cfg.Events.Backend))
	return bus, nil
}

// registerExecutors wires every job type to its adapters. It returns the
// snapshot store, or nil when object storage is not configured.
func registerExecutors(registry *worker.Registry, cfg *config.Config, st stores, prompts *prompt.Service, m *metrics.Metrics, logr *slog.Logger) *client.R2Client {
	searchPolicy := cache.Policy{Window: cfg.Cache.SearchTTL}
	pagePolicy := cache.Policy{Window: cfg.Cache.ScrapeTTL}

	registry.Register(model.JobTypeSearch,
		worker.NewSearchWorker(client.NewSerpAPIClient(&cfg.SerpAPI), st.searches, searchPolicy, m, logr))

	var (
		r2Client  *client.R2Client
		snapshots client.SnapshotStore
	)
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		c, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logr.Warn("R2 client not initialized", slog.String("error", err.Error()))
		} else {
			r2Client, snapshots = c, c
		}
	} else {
		logr.Info("R2 storage not configured, page snapshots disabled")
	}
	registry.Register(model.JobTypeScrape,
		worker.NewScrapeWorker(client.NewHTTPFetcher(&cfg.Browser), st.pages, snapshots, pagePolicy, m, logr))

	var index *similarity.Index
	if cfg.OpenAI.APIKey != "" {
		index = similarity.NewIndex(st.embeddings, client.NewOpenAIEmbedder(&cfg.OpenAI), logr)
	} else {
		logr.Info("OpenAI not configured, embeddings disabled")
	}
	registry.Register(model.JobTypeAnalyze,
		worker.NewAnalyzeWorker(client.NewMorphClient(&cfg.Morph), st.pages, index, cfg.Embedding.Model, m, logr))

	router := client.NewLLMRouter(client.NewTokenCounter(), m, logr)
	router.Register(client.ProviderOpenAI, client.NewOpenAIProvider(&cfg.OpenAI))
	router.Register(client.ProviderClaude, client.NewClaudeClient(&cfg.Anthropic))
	router.Register(client.ProviderGemini, client.NewGeminiClient(&cfg.Gemini))
	router.Register(client.ProviderGroq, client.NewGroqProvider(&cfg.Groq))
	registry.Register(model.JobTypeGenerate,
		worker.NewGenerateWorker(router, prompts, st.texts, logr))

	registry.Register(model.JobTypePipeline, pipeline.NewCoordinator(registry, logr))

	return r2Client
}

func dispatcherConfig(cfg *config.Config) dispatcher.Config {
	pools := make(map[model.JobType]dispatcher.PoolConfig, len(cfg.Queue.Pools))
	for name, p := range cfg.Queue.Pools {
		t, ok := model.ParseJobType(name)
		if !ok {
			continue
		}
		pools[t] = dispatcher.PoolConfig{
			Concurrency: p.Concurrency,
			RateLimit:   p.RateLimitMax,
			RateWindow:  p.RateLimitWindow,
		}
	}
	return dispatcher.Config{
		DefaultPriority: cfg.Queue.DefaultPriority,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     cfg.Queue.BackoffBase,
		ClaimLease:      cfg.Queue.ClaimLease,
		Pools:           pools,
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := "SERVICE_ERROR"
	if code == fiber.StatusNotFound {
		errCode = "NOT_FOUND"
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    errCode,
			"message": message,
		},
	})
}
