/*
Logic: standalone uploader process entry point, for deployments that want
the segment-draining worker decoupled from the tool server's request path.
Wires the same vault/breaker/warehouse stack as cmd/server/main.go, grounded
on the same donor services/gateway/main.go wiring shape, narrowed to the
uploader's own dependency subset.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/actcore/internal/breaker"
	"github.com/AlfredDev/actcore/internal/config"
	"github.com/AlfredDev/actcore/internal/logger"
	"github.com/AlfredDev/actcore/internal/template"
	"github.com/AlfredDev/actcore/internal/uploader"
	"github.com/AlfredDev/actcore/internal/vault"
	"github.com/AlfredDev/actcore/internal/warehouse"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("actcore uploader starting")

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
	dsn := func(username, password string) string {
		return fmt.Sprintf("postgres://%s:%s@%s/%s?application_name=%s&sslmode=prefer",
			username, password, cfg.WarehouseName, cfg.WarehouseDatabase, cfg.QueryTagPrefix)
	}
	poolMgr := warehouse.NewManager(log, v, br, warehouse.DefaultPoolConfig(), dsn, nil)
	defer poolMgr.Close()

	registry, err := template.New()
	if err != nil {
		log.Fatal().Err(err).Msg("template registry self-check failed")
	}
	whClient := warehouse.NewClient(log, poolMgr, registry, cfg.QueryTagPrefix, time.Duration(cfg.PerfDBQueryMs)*time.Millisecond)

	upCfg := uploader.DefaultConfig(cfg.QueuePath)
	upCfg.BatchSize = cfg.UploadBatchSize
	upCfg.PollInterval = time.Duration(cfg.UploadIntervalMs) * time.Millisecond
	upCfg.MaxRetries = cfg.RetryMaxAttempts
	upCfg.RetryBase = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	upCfg.RetryMax = time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond

	up := uploader.New(log, upCfg, whClient)
	up.Start(context.Background())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	log.Info().Msg("shutdown signal received")
	up.Stop()
	log.Info().Msg("uploader stopped")
}
