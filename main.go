package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"medlink-server/internal/config"
	"medlink-server/internal/events"
	"medlink-server/internal/handlers"
	"medlink-server/internal/llm"
	"medlink-server/internal/logger"
	"medlink-server/internal/middleware"
	"medlink-server/internal/models"
	"medlink-server/internal/routes"
	"medlink-server/internal/triage"
)

const serviceName = "medlink-server"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "MedLink healthcare API with AI triage",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			db, err := models.Open(dbConfig(cfg))
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			if err := models.Migrate(db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info("database migrated", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

// bootstrap loads .env, the configuration and the logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	if envErr != nil {
		log.Warn("no .env file loaded, using process environment", zap.Error(envErr))
	}
	return cfg, log, nil
}

func dbConfig(cfg *config.Config) models.DatabaseConfig {
	return models.DatabaseConfig{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.IsDevelopment(),
	}
}

func runServer() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := models.InitDB(dbConfig(cfg))
	if err != nil {
		log.Error("database init failed", zap.Error(err))
		return err
	}

	bus := events.NewBus(cfg.Redis, log)
	if closer, ok := bus.(io.Closer); ok {
		defer closer.Close()
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := bus.Ping(pingCtx); err != nil {
		log.Warn("redis unreachable, triage events will be dropped", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancelPing()

	llmClient := llm.NewClient(cfg.LLM, log)
	if err := llmClient.Ready(); err != nil {
		log.Warn("AI triage disabled until LLM_API_KEY is set", zap.Error(err))
	}

	persister := triage.NewPersister(cfg.PersistTimeout, log)
	service := triage.NewService(triage.NewStore(db), bus, log)
	triageHandler := handlers.NewTriageHandler(service, llmClient, persister, bus, cfg.LLM.HistoryLimit, log)

	router := newRouter(cfg, db, log, triageHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	if err := persister.Shutdown(ctx); err != nil {
		log.Error("pending triage writes not flushed", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, db *gorm.DB, log *zap.Logger, triageHandler *handlers.TriageHandler) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger(log), middleware.Recovery(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Origin}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader}
	corsConfig.ExposeHeaders = []string{handlers.SessionHeader, middleware.RequestIDHeader}
	router.Use(cors.New(corsConfig))

	routes.SetupRoutes(router, routes.Dependencies{
		DB:     db,
		Cfg:    cfg,
		Logger: log,
		Triage: triageHandler,
	})
	return router
}
