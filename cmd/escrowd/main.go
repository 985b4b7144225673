// Command escrowd runs the escrow facilitator: payment intake, session
// ledger, settlement and wallet sign-in over HTTP.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402-labs/escrow/auth"
	"github.com/x402-labs/escrow/httpapi"
	"github.com/x402-labs/escrow/ledger"
	"github.com/x402-labs/escrow/networks"
	"github.com/x402-labs/escrow/nonce"
	"github.com/x402-labs/escrow/ratelimit"
	"github.com/x402-labs/escrow/settle"
)

type config struct {
	Port     string `env:"PORT" envDefault:"4021"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage selects where sessions live: "memory" or "sqlite".
	Storage    string `env:"STORAGE" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"escrow.db"`

	// RedisURL enables the shared nonce store and rate limiter; empty
	// keeps both in process memory.
	RedisURL string `env:"REDIS_URL"`

	// Settlement selects the on-chain backend: "fake" for dev, "evm"
	// for a real chain.
	Settlement         string `env:"SETTLEMENT" envDefault:"fake"`
	EvmRPCURL          string `env:"EVM_RPC_URL"`
	OperatorPrivateKey string `env:"OPERATOR_PRIVATE_KEY"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"escrow-facilitator"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	SyncSettleThreshold time.Duration `env:"SYNC_SETTLE_THRESHOLD" envDefault:"30m"`
	CaptureQueueSize    int           `env:"CAPTURE_QUEUE_SIZE" envDefault:"64"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := networks.DefaultRegistry()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to reach redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var nonces nonce.Store
	var limiter ratelimit.Limiter
	if redisClient != nil {
		nonces = nonce.NewRedisStore(redisClient)
		limiter = ratelimit.NewRedisLimiter(redisClient, ratelimit.Limit{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		})
	} else {
		nonces = nonce.NewInMemoryStore()
		limiter = ratelimit.NewMemoryLimiter(ratelimit.Limit{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		})
	}

	var store ledger.Store
	var users auth.UserStore
	switch cfg.Storage {
	case "sqlite":
		sqliteStore, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err))
		}
		defer sqliteStore.Close()
		store = sqliteStore
		users, err = auth.NewSQLiteUserStore(sqliteStore.DB())
		if err != nil {
			logger.Fatal("failed to open user store", zap.Error(err))
		}
	case "memory":
		store = ledger.NewMemoryStore()
		users = auth.NewMemoryUserStore()
	default:
		logger.Fatal("unknown storage backend", zap.String("storage", cfg.Storage))
	}

	var settler settle.Settler
	var operatorAddress string
	switch cfg.Settlement {
	case "evm":
		signer, err := settle.NewEthSigner(cfg.OperatorPrivateKey, cfg.EvmRPCURL, logger)
		if err != nil {
			logger.Fatal("failed to build evm signer", zap.Error(err))
		}
		defer signer.Close()
		evm := settle.NewEvmSettler(signer)
		settler = evm
		operatorAddress = evm.OperatorAddress()
	case "fake":
		settler = settle.NewFakeSettler()
		operatorAddress = "0x0000000000000000000000000000000000000000"
		logger.Warn("using fake settlement backend; no transactions will reach a chain")
	default:
		logger.Fatal("unknown settlement backend", zap.String("settlement", cfg.Settlement))
	}

	led := ledger.New(store, nonces, registry, settler, logger, ledger.Config{
		Operator:            operatorAddress,
		SyncSettleThreshold: cfg.SyncSettleThreshold,
	})

	worker := ledger.NewCaptureWorker(led, cfg.CaptureQueueSize, logger)
	worker.Start(ctx)

	authSvc := auth.NewService(nonces, users,
		auth.NewTokenProvider([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTTTL), logger)

	server := httpapi.NewServer(httpapi.Options{
		Ledger:          led,
		Auth:            authSvc,
		Registry:        registry,
		Limiter:         limiter,
		Logger:          logger,
		OperatorAddress: operatorAddress,
		CaptureQueue:    worker.Queue(),
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}
	logger.Info("escrow facilitator listening",
		zap.String("port", cfg.Port),
		zap.String("storage", cfg.Storage),
		zap.String("settlement", cfg.Settlement),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Fatal("server stopped", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown interrupted in-flight requests", zap.Error(err))
		}
		// The worker drains queued captures before stopping.
		worker.Wait()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}
