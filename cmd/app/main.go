package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/ai"
	"github.com/local/docdispatch/internal/archive"
	cfgpkg "github.com/local/docdispatch/internal/config"
	"github.com/local/docdispatch/internal/executor"
	"github.com/local/docdispatch/internal/gate"
	"github.com/local/docdispatch/internal/hub"
	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/keypool"
	"github.com/local/docdispatch/internal/kv"
	logpkg "github.com/local/docdispatch/internal/logger"
	"github.com/local/docdispatch/internal/metrics"
	"github.com/local/docdispatch/internal/pubsub"
	"github.com/local/docdispatch/internal/queue"
	"github.com/local/docdispatch/internal/render"
	"github.com/local/docdispatch/internal/router"
	"github.com/local/docdispatch/internal/store"
	"github.com/local/docdispatch/internal/web"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()

	q, err := queue.New(cfg.Queue.RedisURL, queue.Options{
		ExtractStream:  cfg.Queue.ExtractStream,
		FormatStream:   cfg.Queue.FormatStream,
		FallbackStream: cfg.Queue.FallbackStream,
		Group:          cfg.Queue.Group,
		IdemTTL:        cfg.Queue.IdemTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis queue")
	}
	defer q.Close()

	statuses := store.NewStatusStore(q.Client())
	kvstore := kv.Wrap(q.Client())
	broadcaster := pubsub.NewBroadcaster(q.Client())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rtr *router.Router
	if cfg.HTTP.RunWorker {
		rtr = buildRouter(ctx, cfg, q, kvstore, statuses, broadcaster)
		rtr.Start()
		defer rtr.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	var subDone chan struct{}
	if cfg.HTTP.RunAPI {
		registry := hub.NewRegistry(cfg.HTTP.PushTimeout)
		srv := web.New(web.Config{
			MaxUploadMB:    int64(cfg.HTTP.MaxUploadMB),
			MaxUploadPages: cfg.HTTP.MaxUploadPages,
		}, q, statuses, registry)
		srv.RegisterRoutes(mux)

		// Completion events cross the process boundary through Redis
		// pub/sub, so pushes reach the user whichever process runs the
		// API.
		sub := pubsub.NewSubscriber(q.Client())
		subDone = make(chan struct{})
		go func() {
			defer close(subDone)
			if err := sub.Run(ctx, registry.HandleCompletion); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("completion subscriber stopped")
			}
		}()
	}

	go pollQueueDepths(ctx, q)

	httpSrv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: mux}
	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Bool("worker", cfg.HTTP.RunWorker).
			Bool("api", cfg.HTTP.RunAPI).Msg("docdispatch listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
	cancel()
	if subDone != nil {
		<-subDone
	}
}

// buildRouter assembles the three (pool, gate) pairs and their
// executors. Pools never share keys; each class fails independently.
func buildRouter(ctx context.Context, cfg cfgpkg.Config, q *queue.Queue, kvstore kv.Store, statuses *store.StatusStore, bc *pubsub.Broadcaster) *router.Router {
	client := ai.NewGeminiClient(cfg.Gemini.Endpoint, cfg.Gemini.Model)

	build := func(name string, pc cfgpkg.PoolConfig) router.Caller {
		pool := keypool.New(name, pc.Keys, kvstore, keypool.Options{
			PerKeyLimit: pc.PerKeyLimit,
			Window:      time.Duration(pc.WindowSeconds) * time.Second,
			Cooldown:    time.Duration(pc.CooldownSeconds) * time.Second,
		})
		g := gate.New(pc.Concurrency)
		return executor.New(pool, g, client, executor.Options{
			BaseDelay:         cfg.Worker.BaseDelay,
			CallBackoffCap:    cfg.Worker.CallBackoffCap,
			ExhaustBackoffCap: cfg.Worker.ExhaustBackoffCap,
			SlotTimeout:       cfg.Worker.SlotAcquireTimeout,
		})
	}

	execs := map[job.Class]router.Caller{
		job.ClassExtract:  build("extract", cfg.Pools.Extract),
		job.ClassFormat:   build("format", cfg.Pools.Format),
		job.ClassFallback: build("fallback", cfg.Pools.Fallback),
	}

	var arch router.Archiver
	if cfg.Archive.Enabled && cfg.Archive.Bucket != "" {
		a, err := archive.New(ctx, archive.Options{
			Bucket:   cfg.Archive.Bucket,
			Prefix:   cfg.Archive.Prefix,
			Password: cfg.Archive.Password,
		})
		if err != nil {
			log.Error().Err(err).Msg("archive disabled: S3 init failed")
		} else {
			arch = a
		}
	}

	return router.New(router.Config{
		Workers:           cfg.Worker.Concurrency,
		ExtractMaxRetries: cfg.Worker.ExtractMaxRetries,
		FormatMaxRetries:  cfg.Worker.FormatMaxRetries,
		PacingMin:         cfg.Worker.PagePacingMin,
		PacingMax:         cfg.Worker.PagePacingMax,
	}, q, execs, render.New(), bc, statuses, arch)
}

// pollQueueDepths keeps the queue_depth gauges current.
func pollQueueDepths(ctx context.Context, q *queue.Queue) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, class := range []job.Class{job.ClassExtract, job.ClassFormat, job.ClassFallback} {
				pending, dead, err := q.Depths(ctx, class)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(string(class), "pending", pending)
				metrics.SetQueueDepth(string(class), "dead_letter", dead)
			}
		}
	}
}
