package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/database"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/common/observability"
	"research-copilot/internal/pipeline/compose"
	"research-copilot/internal/pipeline/diag"
	"research-copilot/internal/pipeline/entities"
	"research-copilot/internal/pipeline/intent"
	"research-copilot/internal/pipeline/retrieval"
	"research-copilot/internal/pipeline/router"
	"research-copilot/internal/pipeline/schema"
	"research-copilot/internal/pipeline/sqlexec"
	"research-copilot/internal/pipeline/sqlgen"
	"research-copilot/internal/pipeline/sqlguard"
	"research-copilot/internal/server"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting askd...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New("askd")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		// Test the connection
		return esClient.Ping()
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Init Redis with retry ---
	var redisClient *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redisClient, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redisClient.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisClient.Close()
	zapLog.Info("Redis connected successfully")

	// --- Load reference data ---
	catalog, err := schema.Load(ctx, pg.GetDB(), cfg.Pipeline.SQL.Relation, log)
	if err != nil {
		zapLog.Fatal("schema catalog load failed", zap.Error(err))
	}

	companies, err := entities.LoadCatalog(ctx, pg.GetDB(), cfg.Pipeline.SQL.Relation, log)
	if err != nil {
		zapLog.Fatal("company catalog load failed", zap.Error(err))
	}
	zapLog.Info("Reference data loaded", zap.Int("companies", companies.Size()))

	// --- Build pipeline stages ---
	genaiClient := genai.NewClient(cfg.GenAI, log)

	classifier := intent.NewClassifier(cfg.Pipeline.Intent, genaiClient, log)
	resolver := entities.NewResolver(cfg.Pipeline.Entities, companies, log)
	generator := sqlgen.NewGenerator(cfg.Pipeline.SQL, genaiClient, catalog, log)
	guard := sqlguard.NewGuard(cfg.Pipeline.SQL, catalog, log)
	executor := sqlexec.NewExecutor(cfg.Pipeline.SQL, pg.GetDB(), log)
	retriever := retrieval.NewRetriever(cfg.Pipeline.Retrieval, esClient.Client, esClient.Index, genaiClient, log)
	composer := compose.NewComposer(cfg.Pipeline.Composer, genaiClient, log)
	reports := diag.NewStore(redisClient.GetClient(), cfg.Pipeline.Router.DiagnosticsTTL, log)

	r := router.New(cfg.Pipeline.Router, classifier, resolver, generator, guard,
		executor, retriever, composer, reports, log)

	srv := server.New(cfg.Server, r, reports, obs, log)

	// --- Run until signalled ---
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Millisecond)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("graceful shutdown failed", zap.Error(err))
	}
	zapLog.Info("askd stopped")
}