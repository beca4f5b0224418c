package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/minjae-lab/meetscribe/internal/cache"
	"github.com/minjae-lab/meetscribe/internal/config"
	"github.com/minjae-lab/meetscribe/internal/events"
	"github.com/minjae-lab/meetscribe/internal/gdrive"
	"github.com/minjae-lab/meetscribe/internal/heartbeat"
	"github.com/minjae-lab/meetscribe/internal/lock"
	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/provider"
	"github.com/minjae-lab/meetscribe/internal/server"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
	"github.com/minjae-lab/meetscribe/internal/transcode"
	"github.com/minjae-lab/meetscribe/internal/worker"
)

func main() {
	cfg, warnings, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		logging.Init("info", "console")
		fatal := logging.Component("main")
		fatal.Fatal().Err(err).Msg("load config")
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Component("main")
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage init failed")
	}
	defer func() { _ = store.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	pingCancel()

	hostname, _ := os.Hostname()
	locks := lock.NewManager(rdb, hostname)
	statusCache := cache.New(rdb, m)
	heartbeats := heartbeat.NewTracker(rdb, cfg.ParsedHeartbeatTTL())

	chunks, err := session.NewAccumulator(cfg.AudioDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("audio directory init failed")
	}

	var publisher *events.Publisher
	if cfg.KafkaEnabled {
		publisher = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, m)
		defer func() { _ = publisher.Close() }()
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka publishing enabled")
	}

	hub := server.NewHub()

	svc := session.NewService(session.Options{
		Store:         store,
		Cache:         statusCache,
		Heartbeats:    heartbeats,
		Locks:         locks,
		Chunks:        chunks,
		Publisher:     publisher,
		Notifier:      hub,
		Metrics:       m,
		MaxChunkBytes: cfg.MaxChunkBytes,
		LockTTL:       cfg.ParsedLockTTL(),
	})

	sttClient := newProviderClient(cfg, m)

	var archiver worker.Archiver
	if cfg.GDriveFolderID != "" {
		drive, err := gdrive.NewArchiver(context.Background(), cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			logger.Warn().Err(err).Msg("drive archiving disabled")
		} else {
			archiver = drive
			logger.Info().Str("folder", cfg.GDriveFolderID).Msg("drive archiving enabled")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	encoder := worker.NewEncoder(store, svc, transcode.NewFFmpeg(cfg.FFmpegPath), chunks, m, cfg.MaxRetries, cfg.BatchSize)
	processor := worker.NewProcessor(store, svc, sttClient, archiver, m, cfg.MaxRetries, cfg.BatchSize)
	summarizer := worker.NewSummarizer(store, svc, sttClient, archiver, m, cfg.MaxRetries, cfg.BatchSize)
	reaper := worker.NewOrphanReaper(store, svc, m, cfg.ParsedOrphanMaxAge(), cfg.BatchSize)

	workers := []*worker.Worker{
		worker.New(worker.StageEncoding, cfg.ParsedEncodingInterval(), cfg.ParsedEncodeTimeout(), locks, m, encoder.Sweep),
		worker.New(worker.StageProcessing, cfg.ParsedProcessingInterval(), cfg.ParsedLockTTL(), locks, m, processor.Sweep),
		worker.New(worker.StageSummarizing, cfg.ParsedSummarizingInterval(), cfg.ParsedLockTTL(), locks, m, summarizer.Sweep),
		worker.New(worker.StageOrphan, cfg.ParsedOrphanInterval(), cfg.ParsedLockTTL(), locks, m, reaper.Sweep),
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	listener := heartbeat.NewListener(rdb, svc.HandleAbnormalTermination, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("heartbeat listener stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(hub, svc, registry, cfg.MaxChunkBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	wg.Wait()
	logger.Info().Msg("stopped")
}

func newProviderClient(cfg config.Config, m *metrics.Metrics) provider.Client {
	if cfg.Provider == "openai" {
		return provider.NewOpenAI(openai.NewClient(cfg.OpenAIAPIKey), cfg.OpenAIModel, m)
	}

	httpClient := &http.Client{Timeout: cfg.ParsedRequestTimeout()}
	return provider.NewDaglo(cfg.DagloBaseURL, cfg.DagloAPIKey, httpClient, cfg.MaxResponseBytes, m)
}
