// Command recepta runs the WhatsApp receptionist core: webhook ingress, turn
// aggregation, the classify/route/plan pipeline, the durable outbox and the
// delivery worker, all in one process. Horizontal scale comes from running
// several instances against the same Redis and Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	cluehealth "goa.design/clue/health"

	"github.com/recepta-ai/recepta/config"
	"github.com/recepta-ai/recepta/dedup"
	"github.com/recepta-ai/recepta/delivery"
	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/guards"
	"github.com/recepta-ai/recepta/health"
	"github.com/recepta-ai/recepta/ingress"
	kvredis "github.com/recepta-ai/recepta/kvstore/redis"
	"github.com/recepta-ai/recepta/outbox"
	outboxmemory "github.com/recepta-ai/recepta/outbox/memory"
	outboxpg "github.com/recepta-ai/recepta/outbox/postgres"
	outboxredis "github.com/recepta-ai/recepta/outbox/redis"
	"github.com/recepta-ai/recepta/pipeline"
	"github.com/recepta-ai/recepta/telemetry"
	"github.com/recepta-ai/recepta/turn"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string, dbg bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbg {
		cfg.Debug = true
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	emitter := events.NewEmitter(logger, metrics)

	flagSet, err := config.NewFlagSet(cfg.FlagsPath, logger)
	if err != nil {
		return err
	}

	// Coordination store.
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	kv := kvredis.New(redisClient)

	// Authoritative outbox. An empty DSN runs the in-memory repository for
	// local single-process development.
	var (
		repo   outbox.Repository
		pgRepo *outboxpg.Repository
	)
	if cfg.Postgres.DSN != "" {
		pgRepo, err = outboxpg.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pgRepo.Close()
		if err := pgRepo.Migrate(ctx); err != nil {
			return err
		}
		cache := outboxredis.NewCache(redisClient)
		repo = outboxredis.NewCachedRepository(pgRepo, cache, logger, flagSet.RedisOutboxCache)
	} else {
		log.Printf(ctx, "no postgres DSN configured, using in-memory outbox (development only)")
		repo = outboxmemory.New()
	}

	dedupStore := dedup.New(kv, logger,
		dedup.WithMessageTTL(cfg.Dedup.MessageTTL.Std()),
		dedup.WithIdemTTL(cfg.Dedup.IdemTTL.Std()),
	)
	guard := guards.New(kv, logger, emitter,
		guards.WithRecursionLimit(cfg.Guards.RecursionLimit),
		guards.WithRecursionTTL(cfg.Guards.RecursionTTL.Std()),
		guards.WithGreetingCooldown(cfg.Guards.GreetingCooldown.Std()),
	)
	ctrl := turn.NewController(kv, logger, emitter,
		turn.WithDebounce(cfg.Turn.Debounce.Std()),
		turn.WithTurnTTL(cfg.Turn.TurnTTL.Std()),
		turn.WithLockTTL(cfg.Turn.LockTTL.Std()),
	)

	sender := guards.WrapSender(
		gateway.NewHTTPSender(cfg.Gateway.BaseURL, cfg.Gateway.Instance, cfg.Gateway.APIKey),
		emitter, guards.BreakerSettings{},
	)
	worker := delivery.NewWorker(repo, sender, dedupStore, emitter, logger,
		delivery.WithDeadline(cfg.Delivery.Deadline.Std()),
		delivery.WithSendRetries(cfg.Delivery.SendRetries),
	)

	orch := pipeline.New(
		pipeline.KeywordClassifier{},
		pipeline.ThresholdRouter{},
		pipeline.TemplatePlanner{},
		repo, worker, guard, flagSet,
		pipeline.NewRateLimiter(cfg.Pipeline.RatePerMinute, cfg.Pipeline.RateBurst),
		emitter, logger,
		pipeline.WithMaxTextLen(cfg.Pipeline.MaxTextLen),
	)

	scheduler := turn.NewScheduler(ctrl, orch.Run, logger, cfg.Turn.Workers)

	svc := ingress.New(ctrl, dedupStore, scheduler, emitter, logger)

	// HTTP surface.
	router := chi.NewRouter()
	svc.Mount(router)
	live := []cluehealth.Pinger{health.NewRedisPinger(redisClient)}
	ready := []cluehealth.Pinger{}
	if pgRepo != nil {
		live = append(live, health.NewDBPinger(pgRepo.DB()))
		ready = append(ready, health.NewDBPinger(pgRepo.DB()))
	}
	health.Mount(router, live, ready)
	admin := health.NewAdmin(repo, flagSet, worker, ctrl, guard, logger)
	router.Route("/admin", admin.Mount)

	var handler http.Handler = router
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Flag file watcher.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := flagSet.Watch(ctx); err != nil {
			log.Errorf(ctx, err, "flag watcher stopped")
		}
	}()

	// Outbox janitor.
	if pgRepo != nil && cfg.Outbox.JanitorInterval.Std() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			janitor(ctx, pgRepo, cfg.Outbox.Retention.Std(), cfg.Outbox.JanitorInterval.Std())
		}()
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTP.Addr)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	// Debug server with pprof and the runtime log-level toggle.
	if cfg.HTTP.DebugAddr != "" {
		mux := http.NewServeMux()
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
		dsrv := &http.Server{Addr: cfg.HTTP.DebugAddr, Handler: mux, ReadHeaderTimeout: 60 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				log.Printf(ctx, "debug server listening on %q", cfg.HTTP.DebugAddr)
				errc <- dsrv.ListenAndServe()
			}()
			<-ctx.Done()
			_ = dsrv.Close()
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	scheduler.Close()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// janitor periodically purges sent rows past the retention window.
func janitor(ctx context.Context, repo *outboxpg.Repository, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeSent(ctx, retention)
			if err != nil {
				log.Errorf(ctx, err, "outbox janitor purge failed")
				continue
			}
			if n > 0 {
				log.Printf(ctx, "outbox janitor purged %d sent rows", n)
			}
		}
	}
}
