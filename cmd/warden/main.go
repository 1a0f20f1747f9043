package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/moderation/blocklist"
	"github.com/fedimod/warden/moderation/cachestore"
	"github.com/fedimod/warden/moderation/classifier"
	"github.com/fedimod/warden/moderation/engine"
	"github.com/fedimod/warden/moderation/freeze"
	"github.com/fedimod/warden/moderation/ledger"
	"github.com/fedimod/warden/moderation/queue"
	"github.com/fedimod/warden/moderation/quota"
	"github.com/fedimod/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "content governance daemon for a federated social instance",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/warden/warden.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3899",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":3898",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "classifier-endpoint",
			Usage:   "base URL of the model-serving endpoint",
			Value:   "http://localhost:11434",
			EnvVars: []string{"WARDEN_CLASSIFIER_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "vision-model",
			Value:   "llava",
			EnvVars: []string{"WARDEN_VISION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "text-model",
			Value:   "llama3",
			EnvVars: []string{"WARDEN_TEXT_MODEL"},
		},
		&cli.StringFlag{
			Name:    "media-path",
			Usage:   "filesystem path where media is stored, used for disk quota accounting",
			Value:   "data/warden/media",
			EnvVars: []string{"WARDEN_MEDIA_PATH"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the quota cache; in-process cache when empty",
			EnvVars: []string{"WARDEN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "incoming webhook for admin alerts; logged alerts when empty",
			EnvVars: []string{"WARDEN_SLACK_WEBHOOK_URL"},
		},
		&cli.IntFlag{
			Name:    "classify-workers",
			Usage:   "parallel classification workers",
			Value:   4,
			EnvVars: []string{"WARDEN_CLASSIFY_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "classify-rate-limit",
			Usage:   "max model inference requests per second",
			Value:   2,
			EnvVars: []string{"WARDEN_CLASSIFY_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "audit-log-path",
			Value:   "data/warden/audit.log",
			EnvVars: []string{"WARDEN_AUDIT_LOG_PATH"},
		},
		&cli.StringFlag{
			Name:    "csam-audit-log-path",
			Value:   "data/warden/csam-audit.log",
			EnvVars: []string{"WARDEN_CSAM_AUDIT_LOG_PATH"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("warden"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if err := db.AutoMigrate(
			&models.Account{}, &models.MediaUpload{}, &models.StrikeRecord{},
			&models.FreezeRecord{}, &models.AnalysisSnapshot{}, &models.InstanceState{},
			&models.BlocklistEntry{}, &queue.DBJob{},
		); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}

		led := ledger.NewLedger(db, logger.With("system", "ledger"))

		var notifier ledger.Notifier
		if hook := cctx.String("slack-webhook-url"); hook != "" {
			notifier = &ledger.SlackNotifier{SlackWebhookURL: hook}
		}
		brk := ledger.NewBreaker(db, led, notifier, logger.With("system", "breaker"))

		state, err := led.GetInstanceState(ctx)
		if err != nil {
			return fmt.Errorf("loading instance state: %w", err)
		}

		clsConfig := classifier.DefaultConfig(cctx.String("classifier-endpoint"))
		clsConfig.VisionModel = cctx.String("vision-model")
		clsConfig.TextModel = cctx.String("text-model")
		clsConfig.RatePerSecond = cctx.Int("classify-rate-limit")
		if state.ClassifierEndpoint != "" {
			clsConfig.Endpoint = state.ClassifierEndpoint
			clsConfig.VisionModel = state.VisionModel
			clsConfig.TextModel = state.TextModel
		}
		cls := classifier.NewClient(clsConfig, logger.With("system", "classifier"))

		var cache cachestore.CacheStore
		if redisURL := cctx.String("redis-url"); redisURL != "" {
			cache, err = cachestore.NewRedisCacheStore(redisURL, 5*time.Minute)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
		}
		quotaEng := quota.NewEngine(db, quota.DefaultConfig(cctx.String("media-path")), cache, logger.With("system", "quota"))

		bl := blocklist.NewEngine(logger.With("system", "blocklist"), blocklist.DefaultSources(), db)

		auditW, err := os.OpenFile(cctx.String("audit-log-path"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditW.Close()
		csamW, err := os.OpenFile(cctx.String("csam-audit-log-path"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("opening csam audit log: %w", err)
		}
		defer csamW.Close()
		auditLog := audit.NewLogger(auditW, csamW)
		brk.Audit = auditLog

		jobStore := queue.NewStore(db)
		if err := jobStore.LoadJobs(ctx); err != nil {
			return fmt.Errorf("loading pending classification jobs: %w", err)
		}

		eng := &engine.Engine{
			DB:         db,
			Logger:     logger.With("system", "engine"),
			Classifier: cls,
			Blocklist:  bl,
			Quota:      quotaEng,
			Freeze:     freeze.NewController(db, logger.With("system", "freeze")),
			Ledger:     led,
			Breaker:    brk,
			Queue:      jobStore,
			Audit:      auditLog,
			Bands:      engine.DefaultSeverityBands(),
		}

		runner := queue.NewRunner(jobStore, cctx.Int("classify-workers"), logger.With("system", "classify-queue"))
		runner.Handle = func(ctx context.Context, mediaUploadID uint) error {
			_, err := eng.Process(ctx, mediaUploadID)
			return err
		}
		runner.Exhausted = eng.ReviewFallback
		go runner.Start()
		defer runner.Stop(context.Background())

		// populate the blocklist before serving; a failure is not fatal, the
		// periodic refresh will retry
		if err := bl.Refresh(ctx); err != nil {
			logger.Warn("initial blocklist refresh failed, continuing with persisted list", "err", err)
		}

		srv := NewServer(db, eng, Config{
			Logger: logger,
			Bind:   cctx.String("bind"),
		})

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		jobCtx, jobCancel := context.WithCancel(ctx)
		defer jobCancel()
		startPeriodicJobs(jobCtx, eng, brk, audit.NewSweeper(db, logger.With("system", "retention")), logger)

		return srv.RunAPI()
	},
}
