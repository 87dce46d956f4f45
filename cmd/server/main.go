/*
Logic: ingest tool server entry point. Grounded on the donor gateway's
services/gateway/main.go: same config→logger→dependency-wiring→router→
http.Server→signal-driven graceful shutdown shape, retargeted from
provider registration to warehouse/vault/breaker/cache/queue/ticket wiring.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/actcore/internal/breaker"
	"github.com/AlfredDev/actcore/internal/cache"
	"github.com/AlfredDev/actcore/internal/config"
	"github.com/AlfredDev/actcore/internal/health"
	"github.com/AlfredDev/actcore/internal/logger"
	"github.com/AlfredDev/actcore/internal/observability"
	"github.com/AlfredDev/actcore/internal/queue"
	"github.com/AlfredDev/actcore/internal/server"
	"github.com/AlfredDev/actcore/internal/template"
	"github.com/AlfredDev/actcore/internal/ticket"
	"github.com/AlfredDev/actcore/internal/uploader"
	"github.com/AlfredDev/actcore/internal/vault"
	"github.com/AlfredDev/actcore/internal/warehouse"
	"github.com/AlfredDev/actcore/internal/warmer"
	flag "github.com/spf13/pflag"
)

func main() {
	cfg := config.Load()

	addr := flag.String("addr", cfg.Addr, "listen address, overrides INGEST_ADDR")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level, overrides LOG_LEVEL")
	flag.Parse()
	cfg.Addr = *addr
	cfg.LogLevel = *logLevel

	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("actcore ingest server starting")

	v, err := vault.New(log, cfg.VaultPath, cfg.VaultEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("vault init failed")
	}
	if len(cfg.WarehouseAccounts) > 0 {
		v.Bootstrap(cfg.WarehouseAccounts, cfg.WarehousePasswords, cfg.WarehouseAccountPriorities, cfg.WarehouseMaxFailures, cfg.WarehouseCooldownMs)
	} else if cfg.WarehouseUser != "" {
		v.Bootstrap([]string{cfg.WarehouseUser}, []string{cfg.WarehousePassword}, []int{1}, []int{5}, []int{30000})
	}

	br := breaker.New(breaker.DefaultConfig())
	metrics := observability.NewMetrics(log)

	dsn := func(username, password string) string {
		return fmt.Sprintf("postgres://%s:%s@%s/%s?application_name=%s&sslmode=prefer",
			username, password, cfg.WarehouseName, cfg.WarehouseDatabase, cfg.QueryTagPrefix)
	}
	poolMgr := warehouse.NewManager(log, v, br, warehouse.DefaultPoolConfig(), dsn, metrics)
	poolMgr.StartLivenessProbe(context.Background())
	defer poolMgr.Close()

	registry, err := template.New()
	if err != nil {
		log.Fatal().Err(err).Msg("template registry self-check failed")
	}

	whClient := warehouse.NewClient(log, poolMgr, registry, cfg.QueryTagPrefix, time.Duration(cfg.PerfDBQueryMs)*time.Millisecond)

	l1 := cache.NewL1(cfg.CacheMaxSize, time.Duration(cfg.CacheTTLMs)*time.Millisecond, 30*time.Second)
	var l2 *cache.L2
	if cfg.L2Host != "" {
		redisURL := fmt.Sprintf("redis://:%s@%s:%d/%d", cfg.L2Password, cfg.L2Host, cfg.L2Port, cfg.L2DB)
		l2, err = cache.NewL2(redisURL, cfg.L2Prefix, 2*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("L2 cache init failed, running L1-only")
			l2 = nil
		}
	}
	loader := func(ctx context.Context, customer string) (interface{}, bool, error) {
		rows, err := whClient.Query(ctx, "", "GET_CONTEXT", customer)
		if err != nil {
			return nil, false, err
		}
		if len(rows) == 0 {
			return nil, false, nil
		}
		return rows[0], true, nil
	}
	twoTier := cache.New(l1, l2, time.Duration(cfg.CacheTTLMs)*time.Millisecond, loader)

	tracker := warmer.NewAccessTracker()
	cacheWarmer := warmer.New(log, twoTier, whClient, tracker, warmer.DefaultConfig())
	cacheWarmer.Start(context.Background())
	defer cacheWarmer.Stop()

	queueCfg := queue.DefaultConfig(cfg.QueuePath)
	queueCfg.MaxSegmentSize = cfg.QueueMaxSize
	queueCfg.MaxSegmentAge = time.Duration(cfg.QueueMaxAgeMs) * time.Millisecond
	queueCfg.MaxSegmentEvents = cfg.QueueMaxEvents
	q, err := queue.New(log, queueCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("queue init failed")
	}
	defer q.Close()

	metrics.BindSources(observability.Sources{
		Queue:   q,
		Pool:    poolMgr,
		Breaker: br,
		Cache:   twoTier,
	})

	tickets := ticket.New(log, 10*time.Minute)
	tickets.Start()
	defer tickets.Stop()

	monitor := health.New(whClient, v, br, log, 30*time.Second)
	monitor.OnStatusChange(func(identity string, healthy bool, status health.Status) {
		if healthy {
			log.Info().Str("identity", identity).Msg("warehouse identity recovered")
		} else {
			log.Error().Str("identity", identity).Str("error", status.Error).Msg("warehouse identity degraded")
		}
	})
	monitor.Start(context.Background())
	defer monitor.Stop()

	// The uploader runs in-process alongside the tool server by default;
	// cmd/uploader exists for deployments that want it as a separate process.
	up := uploader.New(log, uploader.DefaultConfig(cfg.QueuePath), whClient)
	up.Start(context.Background())
	defer up.Stop()

	srv := server.New(log, cfg, server.Deps{
		Cache:         twoTier,
		Warehouse:     whClient,
		Templates:     registry,
		Queue:         q,
		Tickets:       tickets,
		Metrics:       metrics,
		AccessTracker: tracker,
		Vault:         v,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ingest server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ingest server stopped gracefully")
	}
}
