package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicore/clinic-billing/internal/billing"
	"github.com/clinicore/clinic-billing/internal/config"
	"github.com/clinicore/clinic-billing/internal/db"
	redisclient "github.com/clinicore/clinic-billing/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("audit-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running audit worker in env=%s interval=%s window=%s", cfg.Env, cfg.AuditInterval, cfg.AuditWindow)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	repo := billing.NewPgRepository(pgPool)
	locker := redisclient.NewRedisInvoiceLocker(rdb, cfg.LockTTL)
	svc := billing.NewService(repo, locker)

	// Run once at startup
	runOnce(rootCtx, svc, cfg.AuditWindow)

	ticker := time.NewTicker(cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping audit worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.AuditWindow)
		}
	}
}

func runOnce(ctx context.Context, svc *billing.Service, window time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	violations, err := svc.AuditInvoices(runCtx, time.Now().Add(-window), 1000)
	if err != nil {
		log.Printf("audit run error: %v", err)
		return
	}
	if len(violations) > 0 {
		log.Printf("audit run found %d inconsistent invoices: %v", len(violations), violations)
	}
	log.Printf("audit run complete in %s", time.Since(start))
}
