package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/handlers"
	"bizflow/internal/middleware"
	"bizflow/internal/models"
	"bizflow/internal/observability"
	"bizflow/internal/services"
	"bizflow/pkg/busclient"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并应用到默认配置之上
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		logrus.Fatalf("Failed to parse config: %v", err)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to set up tracing: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		// Unreadable persisted state is the one process-fatal condition.
		logger.Fatalf("Failed to open database: %v", err)
	}

	registry := services.NewTypeRegistry(logger)
	if err := registry.LoadConfig(cfg.Registry); err != nil {
		logger.Fatalf("Failed to load type registry: %v", err)
	}
	if len(cfg.Registry.Renames) == 0 {
		for old, current := range services.DefaultRenames() {
			if err := registry.Rename(old, current); err != nil {
				logger.Fatalf("Failed to load default renames: %v", err)
			}
		}
	}

	router := services.NewMessageRouter(db, logger, cfg.Router.DefaultTimeout)
	router.SetDispatchInterval(cfg.Router.DispatchInterval)
	for name, target := range cfg.Router.Services {
		clientCfg := busclient.Config{
			Service: name,
			BaseURL: target.BaseURL,
			APIKey:  target.APIKey,
			Timeout: target.Timeout,
		}
		if cfg.Router.CircuitBreaker.Enabled {
			clientCfg.Breaker = &busclient.BreakerConfig{
				MaxFailures:     cfg.Router.CircuitBreaker.MaxFailures,
				ResetTimeout:    cfg.Router.CircuitBreaker.ResetTimeout,
				HalfOpenMaxReqs: cfg.Router.CircuitBreaker.HalfOpenMaxReqs,
			}
		}
		router.RegisterService(name, busclient.NewClient(clientCfg, logger))
	}
	router.Start()
	defer router.Stop()

	store := services.NewAutomationService(db, logger)
	ledger := services.NewExecutionService(db, logger)
	executor := services.NewActionExecutor(registry, router, ledger, store, logger, cfg.Engine.ActionTimeout)

	feed := services.NewExecutionFeed(logger)
	go feed.Run()
	executor.SetFeed(feed)

	evaluator := services.NewTriggerEvaluator(store, ledger, executor, registry, logger, cfg.Engine.MaxConcurrency)
	rewrite := services.NewTypeRewriteService(db, registry, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware("bizflow"))
	}
	r.Use(middleware.RateLimit(cfg))

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(store))
	handlers.RegisterExecutionRoutes(api, handlers.NewExecutionHandler(ledger, store))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(evaluator))
	handlers.RegisterRegistryRoutes(api, handlers.NewRegistryHandler(registry, rewrite))
	handlers.RegisterHealthRoutes(r, handlers.NewHealthHandler(db), cfg.Monitoring.MetricsPath)
	r.GET("/ws/executions", feed.HandleWS)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Infof("bizflow listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	// 等待在途执行跑完；执行一旦触发没有外部取消
	evaluator.Wait()
	feed.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnf("Tracing shutdown: %v", err)
	}
	os.Exit(0)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, err
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&models.Automation{},
		&models.AutomationNote{},
		&models.AutomationExecution{},
		&models.OutboxMessage{},
	); err != nil {
		return nil, err
	}
	return db, nil
}
