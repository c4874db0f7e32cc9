// cmd/autoclaimd/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autoclaim/internal/admin"
	"autoclaim/internal/batch"
	"autoclaim/internal/claims"
	"autoclaim/internal/dedup"
	"autoclaim/internal/feeds"
	"autoclaim/internal/leader"
	"autoclaim/internal/notify"
	"autoclaim/internal/poller"
	"autoclaim/internal/schedule"
	"autoclaim/internal/store"
	"autoclaim/internal/tokencache"
	"autoclaim/internal/upstream/crunchyroll"
	"autoclaim/internal/upstream/hoyolab"
	"autoclaim/internal/upstream/skport"
	"autoclaim/internal/upstream/u2"
	"autoclaim/pkg/config"
	"autoclaim/pkg/db"
	"autoclaim/pkg/httpx"
	"autoclaim/pkg/logger"
	"autoclaim/pkg/metrics"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := httpx.InitTracing(ctx, "autoclaimd", log)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var st store.Store
	if pool != nil {
		if err := store.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		pg := store.NewPostgres(pool, log)
		if err := store.SeedFromJSON(ctx, pg, cfg.SeedJSON); err != nil {
			log.Warnw("seed", "err", err)
		}
		st = pg
	} else {
		mem, err := store.NewMemoryFromSeed(cfg.SeedJSON, log)
		if err != nil {
			log.Fatalw("seed", "err", err)
		}
		st = mem
	}

	var gate leader.Gate
	var lock *leader.RedisLock
	if rdb != nil {
		lock = leader.NewRedisLock(rdb, cfg.LeaderLockKey, cfg.LeaderLockTTL, log.Named("leader"))
		gate = lock
		go lock.Heartbeat(ctx)
	} else {
		gate = leader.ReplicaIndex(cfg.ReplicaIndex)
		log.Infow("leader election by replica index", "replica_index", cfg.ReplicaIndex)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hc := httpx.NewClient(cfg.HTTPTimeout)
	tokens := tokencache.New(
		tokencache.WithSafetyMargin(cfg.TokenSafetyMargin),
		tokencache.WithMetrics(m),
		tokencache.WithLogger(log.Named("tokens")),
	)
	defer tokens.Close()
	hook := notify.NewWebhook(hc)

	// daily claims
	job := claims.NewJob(hoyolab.New(hc), skport.New(hc, ""), hook, claims.WithLogger(log.Named("claims")))
	runner := claims.NewRunner(cfg.Claims, st, job,
		batch.WithGate(gate),
		batch.WithLogger(log),
		batch.WithMetrics(m),
	)
	daily, err := schedule.NewDaily(cfg.Claims.Hour, cfg.Claims.Minute, cfg.Claims.TimeZone, log.Named("schedule"))
	if err != nil {
		log.Fatalw("claim schedule", "err", err)
	}
	if err := daily.Add(ctx, runner.Name(), func(ctx context.Context) {
		if _, err := runner.Run(ctx); err != nil {
			log.Warnw("scheduled claim run skipped", "err", err)
		}
	}); err != nil {
		log.Fatalw("claim schedule", "err", err)
	}
	daily.Start()
	log.Infow("daily claims scheduled", "next", daily.Next(time.Now()))

	// feeds
	sinks := feeds.Sinks{Subs: st, Notifier: hook, Log: log.Named("feeds")}
	pollOpts := []poller.Option{poller.WithGate(gate), poller.WithLogger(log), poller.WithMetrics(m)}

	cr := crunchyroll.New(hc, tokens, crunchyroll.WithLogger(log.Named("crunchyroll")))
	cr.RegisterCredentials(cfg.Crunchyroll.Email, cfg.Crunchyroll.Password)
	crFeed := feeds.NewCrunchyroll(cfg.Crunchyroll, cr, dedup.New(cfg.DedupCapacity), sinks, pollOpts...)
	go schedule.Every(ctx, crFeed.Name(), cfg.Crunchyroll.PollInterval, log, func(ctx context.Context) { _, _ = crFeed.Tick(ctx) })
	feedStatus := []admin.Feed{crFeed}

	if cfg.U2.FeedURL != "" {
		u2Feed := feeds.NewU2(cfg.U2, u2.New(hc, cfg.U2.FeedURL), dedup.New(cfg.DedupCapacity), sinks, pollOpts...)
		go schedule.Every(ctx, u2Feed.Name(), cfg.U2.PollInterval, log, func(ctx context.Context) { _, _ = u2Feed.Tick(ctx) })
		feedStatus = append(feedStatus, u2Feed)
	} else {
		log.Infow("u2 feed disabled, U2_RSS_URL not set")
	}

	api := admin.New(ctx, runner,
		admin.WithFeeds(feedStatus...),
		admin.WithSchedule(daily),
		admin.WithToken(cfg.AdminToken),
		admin.WithGatherer(reg),
		admin.WithLogger(log.Named("admin")),
	)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("autoclaimd listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	daily.Stop(shutdownCtx)
	if lock != nil {
		for _, job := range []string{runner.Name(), store.FeedCrunchyroll, store.FeedU2} {
			if err := lock.Release(shutdownCtx, job); err != nil {
				log.Warnw("leader release", "job", job, "err", err)
			}
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
	if pool != nil {
		pool.Close()
	}
	fmt.Println("autoclaimd stopped")
}
