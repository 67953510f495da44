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

	"github.com/whisper/live-match/internal/config"
	"github.com/whisper/live-match/internal/logging"
	"github.com/whisper/live-match/internal/messaging"
	"github.com/whisper/live-match/internal/push"
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

	natsConfig := cfg.NATSConfig()
	natsConfig.Name = "live-push"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	pushConfig := push.DefaultConfig()
	if cfg.Server.PushPingPeriod > 0 {
		pushConfig.PingInterval = cfg.Server.PushPingPeriod
	}
	gateway := push.NewGateway(pushConfig, natsClient)
	gateway.Start()

	// No server-level timeouts: upgraded sockets are long-lived and the
	// gateway sets its own deadlines.
	srv := &http.Server{
		Addr:    cfg.Server.PushAddr,
		Handler: gateway.Handler(),
	}

	log.Printf("Live push gateway starting")
	log.Printf("  listen_addr:   %s", cfg.Server.PushAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  ping_interval: %s", pushConfig.PingInterval)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()

	gateway.Shutdown()
	natsClient.Close()
	log.Printf("push gateway stopped")
}
