package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/live-match/internal/api"
	"github.com/whisper/live-match/internal/chat"
	"github.com/whisper/live-match/internal/config"
	"github.com/whisper/live-match/internal/conversion"
	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/decline"
	"github.com/whisper/live-match/internal/geo"
	"github.com/whisper/live-match/internal/logging"
	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/messaging"
	"github.com/whisper/live-match/internal/profile"
	"github.com/whisper/live-match/internal/ratelimit"
	"github.com/whisper/live-match/internal/scheduler"
	"github.com/whisper/live-match/internal/session"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logFile, err := logging.Setup(cfg.Log, "")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logFile.Close()

	// --- PostgreSQL ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.Open(ctx, cfg.DatabaseConfig())
	if err != nil {
		cancel()
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		cancel()
		log.Fatalf("failed to migrate: %v", err)
	}
	cancel()

	// --- Redis (task queue, locks, rate limits) ---
	matchingConfig := cfg.MatchingConfig()
	var (
		queue   scheduler.Queue  = scheduler.Disabled{}
		locker  scheduler.Locker = scheduler.NoopLocker{}
		limiter                  = ratelimit.NewLimiter(nil)
		rdb     *redis.Client
		rqueue  *scheduler.RedisQueue
	)
	rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Printf("**************************************************************")
		log.Printf("WARNING: Redis unreachable at %s: %v", cfg.Redis.Addr, err)
		log.Printf("WARNING: delayed tasks, sweep and rate limits are DISABLED.")
		log.Printf("WARNING: sessions and matches close lazily and on cleanup only.")
		log.Printf("**************************************************************")
		matchingConfig.SweepEnabled = false
		rdb.Close()
		rdb = nil
	} else {
		rqueue = scheduler.NewRedisQueue(rdb)
		queue = rqueue
		locker = scheduler.NewRedisLocker(rdb)
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (notifications) ---
	var (
		notifier   matching.Notifier = messaging.LogNotifier{}
		natsClient *messaging.NATSClient
	)
	natsConfig := cfg.NATSConfig()
	natsConfig.Name = "live-server"
	natsClient, err = messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("WARNING: NATS unreachable at %s: %v (notifications are logged only)", natsConfig.URL, err)
		natsClient = nil
	} else {
		notifier = messaging.NewNotifier(natsClient)
	}

	// --- Domain services ---
	profiles := profile.NewStore(db)
	declines := decline.NewStore(db, cfg.DeclineConfig())
	matcher := matching.NewService(db, declines, queue, locker, notifier, profiles, matchingConfig)
	sessions := session.NewManager(db, profiles, geo.NewJitterFuzzer(cfg.Session.FuzzRadiusKm, nil),
		queue, matcher, cfg.SessionConfig())
	saver := conversion.NewService(db, queue, notifier, profiles)
	chatStore := chat.NewStore(db, notifier)

	var runner *scheduler.Runner
	if rqueue != nil {
		runner = scheduler.NewRunner(cfg.RunnerConfig(), rqueue, scheduler.Handlers{
			SessionExpiry:   sessions.HandleExpiry,
			MatchAutoExpiry: matcher.HandleAutoExpiry,
			MatchAttempt:    matcher.HandleAttempt,
		})
		runner.Start()
	}
	matcher.Start()

	// --- HTTP ---
	checks := []api.Check{
		{Name: "postgres", Required: true, Probe: db.PingContext},
		{Name: "redis", Probe: func(ctx context.Context) error {
			if rdb == nil {
				return errors.New("disabled")
			}
			return rdb.Ping(ctx).Err()
		}},
		{Name: "nats", Probe: func(context.Context) error {
			if natsClient == nil || !natsClient.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
	}
	handler := api.NewHandler(sessions, matcher, saver, chatStore, limiter, cfg.Rules())
	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.NewRouter(handler, checks, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Live match server starting")
	log.Printf("  listen_addr:   %s", cfg.Server.ListenAddr)
	log.Printf("  redis_addr:    %s (enabled=%v)", cfg.Redis.Addr, rdb != nil)
	log.Printf("  nats_url:      %s (enabled=%v)", natsConfig.URL, natsClient != nil)
	log.Printf("  sweep:         %v every %s", matchingConfig.SweepEnabled, matchingConfig.SweepInterval)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	shutdownCancel()

	if runner != nil {
		runner.Stop()
	}
	matcher.Stop()
	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	log.Printf("live match server stopped")
}
