package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/cash-application/internal/api"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/config"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/matching"
	"github.com/lexure-intelligence/cash-application/internal/orchestrator"
	"github.com/lexure-intelligence/cash-application/internal/workflows"
)

func main() {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Provide(
			loadConfig,
			initLogger,
			initDatabase,
			newStore,
			newReviewQueue,
			newResolver,
			newMetrics,
			newOrchestrator,
			newHandlers,
		),
		fx.Invoke(startServer),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal("Failed to start api: ", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := app.Stop(context.Background()); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Vault.Address != "" {
		boot, _ := zap.NewProduction()
		vs, err := config.NewVaultSource(cfg.Vault, boot)
		if err != nil {
			return nil, err
		}
		vs.Hydrate(cfg)
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	return zcfg.Build()
}

func initDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := history.AutoMigrate(db); err != nil {
		return nil, err
	}

	logger.Info("database connection established")
	return db, nil
}

func newStore(db *gorm.DB, logger *zap.Logger) history.Store {
	return history.NewGormStore(db, logger)
}

func newReviewQueue(db *gorm.DB, logger *zap.Logger) collaborators.ManualReviewQueue {
	return collaborators.NewGormReviewQueue(db, logger)
}

func newResolver(cfg *config.Config, logger *zap.Logger) *matching.AliasResolver {
	rule := matching.KenyaPhoneRule
	switch cfg.Matching.PhoneCountry {
	case "UG":
		rule = matching.CountryPhoneRule{Prefix: "+256", NationalLength: 10, InternationalDigits: 12}
	case "TZ":
		rule = matching.CountryPhoneRule{Prefix: "+255", NationalLength: 10, InternationalDigits: 12}
	}
	return matching.NewAliasResolver(rule, cfg.Matching.Stopwords, logger, nil)
}

func newMetrics() *orchestrator.Metrics {
	return orchestrator.NewMetrics(prometheus.DefaultRegisterer)
}

func newOrchestrator(cfg *config.Config, store history.Store, resolver *matching.AliasResolver, metrics *orchestrator.Metrics, logger *zap.Logger) *orchestrator.Orchestrator {
	opts := orchestrator.Options{
		MaxActiveRuns:  cfg.Orchestrator.MaxActiveRuns,
		MaxRunDuration: cfg.Orchestrator.MaxRunDuration,
		AdmissionRate:  rate.Limit(cfg.Orchestrator.AdmissionRate),
		AdmissionBurst: cfg.Orchestrator.AdmissionBurst,
	}
	return orchestrator.New(store, resolver, metrics, logger, opts,
		workflows.CashApplicationName, workflows.CollectionsName, workflows.CreditReviewName)
}

func newHandlers(orch *orchestrator.Orchestrator, reviews collaborators.ManualReviewQueue, db *gorm.DB, logger *zap.Logger) *api.Handlers {
	h := api.NewHandlers(orch, reviews, logger)
	h.AddCheck("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	return h
}

func startServer(lc fx.Lifecycle, cfg *config.Config, handlers *api.Handlers, logger *zap.Logger) {
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.Register(router, prometheus.DefaultGatherer)

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting control-plane api", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping control-plane api")
			return srv.Shutdown(ctx)
		},
	})
}
