package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sccs/internal/api"
	"github.com/ignite/sccs/internal/config"
	"github.com/ignite/sccs/internal/data"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/distlock"
	"github.com/ignite/sccs/internal/pkg/logger"
	"github.com/ignite/sccs/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPHI != nil {
		logger.SetRedactPHI(*cfg.Logging.RedactPHI)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
		cfg.Server.Port = port
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Open the case source once up front so misconfiguration fails at
	// startup, not on the first analysis request.
	probe, err := data.Open(cfg.Source)
	if err != nil {
		log.Fatalf("Failed to open case source: %v", err)
	}
	newSource := func() (data.CaseBatchSource, error) {
		return data.Open(cfg.Source)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("Redis connection failed (%s): %v", cfg.Redis.Addr, err)
	}
	pingCancel()

	runnerCfg := worker.Config{
		NumWorkers: cfg.Analysis.NumWorkers,
		BatchSize:  cfg.Analysis.BatchSize,
	}
	if runnerCfg.NumWorkers == 0 || runnerCfg.BatchSize == 0 {
		def := worker.DefaultConfig()
		if runnerCfg.NumWorkers == 0 {
			runnerCfg.NumWorkers = def.NumWorkers
		}
		if runnerCfg.BatchSize == 0 {
			runnerCfg.BatchSize = def.BatchSize
		}
	}

	thresholds := domain.DefaultDiagnosticThresholds()
	if cfg.Diagnostics.MdrrMax > 0 {
		thresholds.MdrrMax = cfg.Diagnostics.MdrrMax
	}
	if cfg.Diagnostics.EaseMax > 0 {
		thresholds.EaseMax = cfg.Diagnostics.EaseMax
	}
	if cfg.Diagnostics.TimeTrendPMin > 0 {
		thresholds.TimeTrendPMin = cfg.Diagnostics.TimeTrendPMin
	}
	if cfg.Diagnostics.PreExposurePMin > 0 {
		thresholds.PreExposurePMin = cfg.Diagnostics.PreExposurePMin
	}

	store := api.NewJobStore(redisClient)
	handlers := api.NewHandlers(store, newSource, runnerCfg, thresholds)
	handlers.SetRunLock(func() *distlock.Lock {
		return distlock.New(redisClient, "analysis", 10*time.Minute)
	})
	health := api.NewHealthChecker(probe.DB(), redisClient)
	server := api.NewServer(cfg.Server, handlers, health)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()
	logger.Info("service ready", "port", port, "driver", cfg.Source.Driver,
		"workers", runnerCfg.NumWorkers, "batch_size", runnerCfg.BatchSize)

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	probe.Close()
	redisClient.Close()
	logger.Info("server stopped")
}
