package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/affinity"
	"github.com/ngmhub/siteledger/internal/agents"
	"github.com/ngmhub/siteledger/internal/auth"
	"github.com/ngmhub/siteledger/internal/autoauth"
	"github.com/ngmhub/siteledger/internal/blob"
	"github.com/ngmhub/siteledger/internal/catcache"
	"github.com/ngmhub/siteledger/internal/categorize"
	"github.com/ngmhub/siteledger/internal/config"
	"github.com/ngmhub/siteledger/internal/expense"
	"github.com/ngmhub/siteledger/internal/export"
	"github.com/ngmhub/siteledger/internal/httpapi"
	"github.com/ngmhub/siteledger/internal/intake"
	"github.com/ngmhub/siteledger/internal/jobs"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/masterdata"
	"github.com/ngmhub/siteledger/internal/messaging"
	"github.com/ngmhub/siteledger/internal/ml"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/internal/ocr"
	"github.com/ngmhub/siteledger/internal/push"
	"github.com/ngmhub/siteledger/internal/reconcile"
	"github.com/ngmhub/siteledger/internal/worker"
	"github.com/ngmhub/siteledger/pkg/database"
	"github.com/ngmhub/siteledger/pkg/utils"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = gotenv.Load()

	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting siteledger",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("failed to run database migrations", zap.Error(err))
	}

	files, err := blob.NewLocalStorage(cfg.Blob.Dir, logger)
	if err != nil {
		logger.Fatal("failed to open blob storage", zap.Error(err))
	}

	// Shared infrastructure.
	signer := auth.NewTokenSigner(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	gate := auth.NewGate(db.DB, cfg.Auth.CapabilityTTL, cfg.Auth.CapabilityCacheN, logger)
	queue := jobs.NewQueue(db.DB, jobs.Config{
		QueueSize:  cfg.Jobs.QueueSize,
		MaxRetries: cfg.Jobs.MaxRetries,
		BaseDelay:  cfg.Jobs.BaseDelay,
	}, logger)
	master := masterdata.NewStore(db.DB, 5*time.Minute)

	gateway := llm.New(llm.Config{
		APIKey:        cfg.OpenAI.APIKey,
		BaseURL:       cfg.OpenAI.BaseURL,
		SmallModel:    cfg.OpenAI.SmallModel,
		LargeModel:    cfg.OpenAI.LargeModel,
		VisionModel:   cfg.OpenAI.VisionModel,
		SmallTimeout:  cfg.OpenAI.SmallTimeout,
		LargeTimeout:  cfg.OpenAI.LargeTimeout,
		SmallBucket:   cfg.OpenAI.SmallBucket,
		LargeBucket:   cfg.OpenAI.LargeBucket,
		BucketRefill:  cfg.OpenAI.BucketRefill,
		BucketMaxWait: cfg.OpenAI.BucketMaxWait,
	}, logger)

	// Categorization cascade.
	cache := catcache.NewStore(db.DB, cfg.Categorize.CacheTTL, logger)
	tracker := affinity.NewTracker(db.DB, cfg.Categorize.AffinityMinCount, cfg.Categorize.AffinityMinRatio, logger)
	classifier := ml.NewClassifier(db.DB, cfg.ML.MinTrainExamples, logger)
	cascade := categorize.NewEngine(db.DB, cache, tracker, classifier, gateway, master, categorize.Config{
		MinMLConfidence:    cfg.Categorize.MinMLConfidence,
		MinSmallConfidence: cfg.Categorize.MinSmallConfidence,
		MaxCorrections:     cfg.Categorize.MaxCorrections,
		PowerToolLexicon:   cfg.Categorize.PowerToolLexicon,
		ToolQualifiers:     cfg.Categorize.ToolQualifiers,
	}, logger)

	// Ledger, receipt pipeline and authorization.
	expenses := expense.NewStore(db.DB, gate, queue, logger)
	raster := ocr.NewRasterizer(cfg.OCR.MaxPages, cfg.OCR.RasterDPI, logger)
	pipeline := ocr.NewPipeline(db.DB, raster, gateway, ocr.Config{
		ToleranceABS: mustAmount(logger, "ocr.tolerance_abs", cfg.OCR.ToleranceABS),
		ToleranceRel: cfg.OCR.ToleranceRel,
	}, logger)
	intakes := intake.NewService(db.DB, files, pipeline, cascade, expenses, master, intake.Config{
		MaxUploadBytes:   cfg.Intake.MaxUploadBytes,
		DedupeWindow:     time.Duration(cfg.Intake.DedupeDays) * 24 * time.Hour,
		ReviewConfidence: cfg.Intake.ReviewConfidence,
	}, logger)
	authEngine := autoauth.NewEngine(db.DB, autoauth.Config{
		FuzzyThreshold:     cfg.AutoAuth.FuzzyThreshold,
		ToleranceABS:       mustAmount(logger, "auto_auth.tolerance_abs", cfg.AutoAuth.ToleranceABS),
		ToleranceRel:       cfg.AutoAuth.ToleranceRel,
		EscalateAmount:     mustAmount(logger, "auto_auth.escalate_amount", cfg.AutoAuth.EscalateAmount),
		EscalateAccounts:   cfg.AutoAuth.EscalationAccounts,
		EscalateLexicon:    cfg.Categorize.PowerToolLexicon,
		EscalateQualifiers: cfg.Categorize.ToolQualifiers,
		StalePendingDays:   cfg.AutoAuth.StalePendingDays,
		BillAuthorize:      cfg.AutoAuth.BillAuthorize,
	}, logger)
	reconciler := reconcile.NewReconciler(db.DB, files, raster, gateway, reconcile.Config{
		ToleranceABS: mustAmount(logger, "ocr.tolerance_abs", cfg.OCR.ToleranceABS),
		ToleranceRel: cfg.OCR.ToleranceRel,
		AutoApply:    cfg.Reconcile.AutoApply,
	}, logger)

	// Messaging and delivery.
	messages := messaging.NewStore(db.DB, queue, logger)
	digester := autoauth.NewDigester(authEngine, messages, logger)
	notifier := push.NewNotifier(db.DB, push.Config{
		Enabled:    cfg.Lark.Enabled,
		AppID:      cfg.Lark.AppID,
		AppSecret:  cfg.Lark.AppSecret,
		APITimeout: cfg.Lark.APITimeout,
	}, logger)

	// Chat agents. The first registered agent answers unaddressed events.
	dispatcher := agents.NewDispatcher(gateway, messages, agents.Config{
		Cooldown:    time.Duration(cfg.Agents.CooldownSeconds) * time.Second,
		CooldownCap: cfg.Agents.CooldownCap,
	}, logger)
	dispatcher.Register(agents.NewChatAgent(expenses, master))
	dispatcher.Register(agents.NewReceiptAgent(intakes))
	dispatcher.Register(agents.NewAuthorizationAgent(authEngine))

	exporter := export.NewExporter(expenses, master, logger)

	registerJobHandlers(queue, expenses, tracker, cache, classifier, authEngine, digester, notifier)

	scheduler := jobs.NewScheduler(queue, logger)
	scheduler.Every(cfg.AutoAuth.DigestInterval, "send_chat_digest", nil)
	scheduler.Every(cfg.ML.RetrainInterval, "retrain_ml", nil)
	scheduler.Every(24*time.Hour, "cleanup_cache_tombstones", nil)

	metrics := httpapi.NewMetrics()
	srv := httpapi.NewServer(httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxUploadBytes: cfg.Intake.MaxUploadBytes,
	}, httpapi.Deps{
		Gate:       gate,
		Signer:     signer,
		Expenses:   expenses,
		Intakes:    intakes,
		AutoAuth:   authEngine,
		Reconciler: reconciler,
		Messages:   messages,
		Dispatcher: dispatcher,
		Exporter:   exporter,
		Metrics:    metrics,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := worker.NewManager(logger)
	manager.Register(queue)
	manager.Register(scheduler)
	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	// Warm the local classifier from whatever history the ledger holds.
	queue.Enqueue("retrain_ml", nil)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	cancel()
	manager.StopAll()
	if err := srv.Stop(); err != nil {
		logger.Error("http server forced to stop", zap.Error(err))
	}
	logger.Info("siteledger stopped")
}

// registerJobHandlers binds every job name the write paths and the
// scheduler enqueue. An unregistered name would dead-letter on first
// use, so all handlers are bound before the queue starts.
func registerJobHandlers(
	queue *jobs.Queue,
	expenses *expense.Store,
	tracker *affinity.Tracker,
	cache *catcache.Store,
	classifier *ml.Classifier,
	authEngine *autoauth.Engine,
	digester *autoauth.Digester,
	notifier *push.Notifier,
) {
	queue.Register("write_change_log", func(ctx context.Context, payload interface{}) error {
		p, ok := payload.(expense.ChangeLogPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return expenses.WriteChangeLog(ctx, p)
	})
	queue.Register("write_status_log", func(ctx context.Context, payload interface{}) error {
		p, ok := payload.(expense.StatusLogPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return expenses.WriteStatusLog(ctx, p)
	})
	queue.Register("refresh_affinity", func(ctx context.Context, payload interface{}) error {
		p, ok := payload.(expense.AffinityPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return tracker.Refresh(ctx, p.VendorID)
	})
	queue.Register("trigger_auto_auth", func(ctx context.Context, payload interface{}) error {
		p, ok := payload.(expense.AutoAuthPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		_, err := authEngine.Run(ctx, p.ProjectID)
		return err
	})
	queue.Register("invalidate_cache_for_vendor", func(ctx context.Context, payload interface{}) error {
		p, ok := payload.(expense.InvalidatePayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return cache.InvalidateAccounts(ctx, p.AccountIDs)
	})
	queue.Register("notify_mention", notifier.NotifyMention)
	queue.Register("send_chat_digest", func(ctx context.Context, _ interface{}) error {
		return digester.FlushAll(ctx)
	})
	queue.Register("cleanup_cache_tombstones", func(ctx context.Context, _ interface{}) error {
		_, err := cache.Sweep(ctx)
		return err
	})
	queue.Register("retrain_ml", func(ctx context.Context, _ interface{}) error {
		return classifier.Train(ctx)
	})
}

func mustAmount(logger *zap.Logger, key, raw string) money.Amount {
	a, err := money.Parse(raw)
	if err != nil {
		logger.Fatal("invalid amount in configuration",
			zap.String("key", key), zap.String("value", raw), zap.Error(err))
	}
	return a
}
