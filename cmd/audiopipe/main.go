// Command audiopipe runs the upload processing pipeline: the event consumers,
// the dispatcher, the batch scheduler, the retry subsystem and the admin API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/echolabs/audiopipe/internal/admin"
	"github.com/echolabs/audiopipe/internal/ai"
	"github.com/echolabs/audiopipe/internal/batch"
	"github.com/echolabs/audiopipe/internal/config"
	"github.com/echolabs/audiopipe/internal/filestore"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/pipeline/jobs"
	"github.com/echolabs/audiopipe/internal/retrydlq"
	"github.com/echolabs/audiopipe/internal/service"
	"github.com/echolabs/audiopipe/internal/store/memory"
	"github.com/echolabs/audiopipe/internal/store/postgres"
	"github.com/echolabs/audiopipe/internal/upload"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	log := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(conf.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, log); err != nil {
		log.Error("pipeline exited", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, log logging.ServiceLogger) error {
	store, cleanup, err := buildStore(ctx, conf, log)
	if err != nil {
		return err
	}
	defer cleanup()

	files, err := buildFileStore(ctx, conf)
	if err != nil {
		return err
	}

	svc, err := service.New(conf, log, service.Dependencies{})
	if err != nil {
		return err
	}
	producer := svc.Producer()

	aiClient := ai.NewClient(conf.VoiceServiceURL, conf.VoiceServiceTimeout)

	registry := pipeline.NewRegistry(
		jobs.NewAudioConversionJob(&jobs.FFmpegConverter{}, files, store, producer, log),
		jobs.NewVoiceAnalysisJob(aiClient, files, log),
		jobs.NewImageProcessingJob(jobs.PassthroughOptimizer{}, files, log),
	)

	stats := pipeline.NewStats(nil)
	if err := stats.Register(); err != nil {
		return err
	}
	dispatcher := pipeline.NewDispatcher(registry, store, producer, stats, log, conf.MaxConcurrentDispatch)

	metrics := retrydlq.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	manager := retrydlq.NewManager(store, producer, dispatcher, metrics, log, retrydlq.ManagerConfig{
		MaxRetries:   conf.MaxRetries,
		RetryDelay:   conf.RetryDelay,
		PollInterval: conf.RetryPollInterval,
	})

	scheduler := batch.NewScheduler(store, dispatcher, log, batch.Config{
		Interval:      conf.BatchInterval,
		BatchSize:     conf.BatchSize,
		MaxConcurrent: conf.BatchMaxConcurrent,
		Enabled:       conf.BatchEnabled,
	})
	scheduler.Start(ctx)

	svc.RegisterConsumers(dispatcher, manager, store)

	adminSrv := admin.NewServer(conf.AdminAddress, store, dispatcher, scheduler, manager, producer, log)
	go func() {
		if err := adminSrv.Start(); err != nil {
			log.Error("admin server failed", err, nil)
		}
	}()

	err = svc.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := adminSrv.Shutdown(shutdownCtx); serr != nil {
		log.Error("admin shutdown failed", serr, nil)
	}
	scheduler.Wait()
	dispatcher.Wait()
	return err
}

func buildStore(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (upload.Store, func(), error) {
	if conf.PostgresURL == "" {
		log.Info("no postgres URL configured, using in-memory upload store", nil)
		return memory.New(), func() {}, nil
	}
	pool, err := postgres.Connect(ctx, conf.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}

func buildFileStore(ctx context.Context, conf *config.Config) (filestore.FileStore, error) {
	fs, err := filestore.NewMinio(filestore.MinioConfig{
		Endpoint:  conf.S3Endpoint,
		AccessKey: conf.S3AccessKey,
		SecretKey: conf.S3SecretKey,
		Bucket:    conf.S3Bucket,
		UseSSL:    conf.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := fs.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
