package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"trading-alerts/config"
	"trading-alerts/internal/alertengine"
	"trading-alerts/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[alertengine] config: %v", err)
	}
	lg := logger.Init(cfg.Service, cfg.LoggerOptions())
	log.Printf("[alertengine] sqlite=%s redis=%q tick=%s", cfg.SQLitePath, cfg.RedisAddr, cfg.TickInterval)

	svc, err := alertengine.New(cfg, lg)
	if err != nil {
		log.Fatalf("[alertengine] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[alertengine] fatal: %v", err)
	}
}
