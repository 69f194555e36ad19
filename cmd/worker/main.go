package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/config"
	"github.com/lexure-intelligence/cash-application/internal/engine"
	"github.com/lexure-intelligence/cash-application/internal/eventbus"
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
			initRedis,
			newStore,
			newLeaser,
			newInvoker,
			newResolver,
			newMetrics,
			newCollaborators,
			newWorkflows,
			newEngine,
			newOrchestrator,
			newBus,
			newIngestor,
		),
		fx.Invoke(startWorker),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal("Failed to start worker: ", err)
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

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newStore(db *gorm.DB, logger *zap.Logger) history.Store {
	return history.NewGormStore(db, logger)
}

func newLeaser(client *redis.Client, logger *zap.Logger) engine.Leaser {
	host, _ := os.Hostname()
	workerID := host + "-" + uuid.New().String()[:8]
	return engine.NewRedisLeaser(client, workerID, logger)
}

func newInvoker(logger *zap.Logger) *activity.Invoker {
	return activity.NewInvoker(logger)
}

func newResolver(cfg *config.Config, logger *zap.Logger) *matching.AliasResolver {
	return matching.NewAliasResolver(phoneRuleFor(cfg.Matching.PhoneCountry), cfg.Matching.Stopwords, logger, nil)
}

func phoneRuleFor(country string) matching.CountryPhoneRule {
	switch country {
	case "UG":
		return matching.CountryPhoneRule{Prefix: "+256", NationalLength: 10, InternationalDigits: 12}
	case "TZ":
		return matching.CountryPhoneRule{Prefix: "+255", NationalLength: 10, InternationalDigits: 12}
	default:
		return matching.KenyaPhoneRule
	}
}

func newMetrics() *orchestrator.Metrics {
	return orchestrator.NewMetrics(prometheus.DefaultRegisterer)
}

// collaboratorSet bundles the workflow dependencies so fx wiring stays flat.
type collaboratorSet struct {
	fx.Out

	Extractor collaborators.DocumentExtractor
	ERP       collaborators.ERPClient
	Notifier  collaborators.Notifier
	Reviews   collaborators.ManualReviewQueue
	Assessor  collaborators.CreditAssessor
}

func newCollaborators(cfg *config.Config, db *gorm.DB, client *redis.Client, logger *zap.Logger) collaboratorSet {
	erp := collaborators.NewHTTPERPClient(collaborators.ERPConfig{
		BaseURL:           cfg.ERP.BaseURL,
		TokenURL:          cfg.ERP.TokenURL,
		ClientID:          cfg.ERP.ClientID,
		ClientSecret:      cfg.ERP.ClientSecret,
		RequestsPerSecond: cfg.ERP.RateLimit,
		Burst:             cfg.ERP.RateBurst,
	}, logger)

	return collaboratorSet{
		Extractor: collaborators.NewPatternExtractor(logger),
		ERP:       erp,
		Notifier:  collaborators.NewRedisNotifier(client, logger),
		Reviews:   collaborators.NewGormReviewQueue(db, logger),
		Assessor:  collaborators.NewHeuristicAssessor(erp, logger),
	}
}

type workflowSet struct {
	fx.In

	Extractor collaborators.DocumentExtractor
	ERP       collaborators.ERPClient
	Notifier  collaborators.Notifier
	Reviews   collaborators.ManualReviewQueue
	Assessor  collaborators.CreditAssessor
}

func newWorkflows(cfg *config.Config, deps workflowSet, resolver *matching.AliasResolver, metrics *orchestrator.Metrics, logger *zap.Logger) []engine.Workflow {
	return []engine.Workflow{
		workflows.NewCashApplication(
			deps.Extractor, deps.ERP, deps.Notifier, deps.Reviews,
			resolver, matching.DefaultRules(), phoneRuleFor(cfg.Matching.PhoneCountry),
			metrics, logger,
		),
		workflows.NewCollections(deps.Notifier, logger),
		workflows.NewCreditReview(deps.Assessor, deps.ERP, deps.Reviews, logger),
	}
}

func newEngine(cfg *config.Config, store history.Store, leaser engine.Leaser, invoker *activity.Invoker, wfs []engine.Workflow, metrics *orchestrator.Metrics, logger *zap.Logger) *engine.Engine {
	opts := engine.Options{
		PollInterval:        cfg.Engine.PollInterval,
		LeaseTTL:            cfg.Engine.LeaseTTL,
		HeartbeatStaleAfter: cfg.Engine.HeartbeatStaleAfter,
		MaxConcurrentRuns:   cfg.Engine.MaxConcurrentRuns,
		ClaimBatch:          cfg.Engine.ClaimBatch,
		OnRunFinished: func(workflow, _ string, d time.Duration) {
			metrics.RunFinished(workflow, d)
		},
	}
	return engine.New(store, leaser, invoker, logger, opts, wfs...)
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

func newBus(client *redis.Client, logger *zap.Logger) (eventbus.Bus, error) {
	return eventbus.NewRedisBus(client, logger)
}

func newIngestor(bus eventbus.Bus, orch *orchestrator.Orchestrator, logger *zap.Logger) *eventbus.Ingestor {
	return eventbus.NewIngestor(bus, orch, logger)
}

func startWorker(lc fx.Lifecycle, eng *engine.Engine, ingestor *eventbus.Ingestor, logger *zap.Logger) {
	engineCtx, stopEngine := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting cash application worker")
			go eng.Start(engineCtx)
			return ingestor.Start(engineCtx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping cash application worker")
			ingestor.Stop()
			stopEngine()
			return nil
		},
	})
}
