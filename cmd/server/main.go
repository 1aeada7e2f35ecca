package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"comchat/backend/internal/api"
	"comchat/backend/internal/config"
	"comchat/backend/internal/logging"
	"comchat/backend/internal/mcp"
	"comchat/backend/internal/repository"
	"comchat/backend/internal/services"
)

func main() {
	ctx := context.Background()

	// Initialize logging
	logger := logging.NewLogger()

	// Parse command line flags
	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger.Info("Configuration loaded",
		"server_addr", cfg.Server.Addr,
		"ollama_enabled", cfg.Ollama.Enabled,
		"openai_key_len", len(cfg.OpenAI.APIKey),
		"config_file", viper.ConfigFileUsed(),
	)

	logger.Info("Starting ComChat Service")

	// Initialize database connection
	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer dbPool.Close()

	logger.Info("Database connected")

	// Initialize repository layer
	store := repository.NewPostgresStore(dbPool)

	// Initialize service layer. The cloud client stays nil without an API
	// key; the router then falls back to the local backend or canned
	// responses.
	var cloud services.CloudClient
	if cfg.OpenAI.APIKey != "" {
		cloud = services.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey)
	}
	local := services.NewOllamaClient(cfg.Ollama.BaseURL)

	router := services.NewModelRouter(cloud, local, services.RouterConfig{
		CloudTextModel:       cfg.OpenAI.TextModel,
		CloudMultimodalModel: cfg.OpenAI.MultimodalModel,
		LocalTextModel:       cfg.Ollama.TextModel,
		LocalMultimodalModel: cfg.Ollama.MultimodalModel,
		LocalEnabled:         cfg.Ollama.Enabled,
	}, logger)

	webhooks := services.NewWebhookService(store, logger)
	webhooks.Start(ctx)
	defer webhooks.Close()

	billing := services.NewBillingService(store, logger)
	trees := services.NewDecisionTreeEngine(logger)
	prompts := services.NewPromptService(store, router, logger)
	chatbot := services.NewChatbotService(store, router, trees, billing, webhooks, logger)
	workflows := services.NewWorkflowEngine(store, prompts, logger)

	logger.Info("Service layer initialized")

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("comchat-backend"))

	// Health check
	apiServer := api.NewServer(chatbot, workflows, router, store, logger)
	e.GET("/health", apiServer.HandleHealth)

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(api.NewRateLimiter(cfg.RateLimit.PerTenantPerMinute).Middleware())
	apiServer.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(chatbot, workflows)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
