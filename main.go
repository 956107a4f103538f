package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"aegis/internal/blockwatch"
	"aegis/internal/client"
	"aegis/internal/config"
	"aegis/internal/metrics"
	"aegis/internal/router"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	cfgPath := flag.String("c", "config.toml", "path to config.toml file")
	envPath := flag.String("e", ".env", "path to .env file")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if _, err := os.Stat(*envPath); err == nil {
		if err := godotenv.Load(*envPath); err != nil {
			log.Fatalf("loading .env file: %v", err)
		}
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	logger.Info("configuration loaded", zap.String("summary", cfg.String()))

	m := metrics.New()
	c, err := client.New(client.Config{
		Chains:   cfg.Chains,
		Cache:    cfg.Cache,
		Failover: client.FailoverConfig{FailureThreshold: cfg.Aegis.FailoverThreshold},
		Health:   cfg.Health,
	}, m, logger)
	if err != nil {
		logger.Fatal("building client", zap.Error(err))
	}
	defer c.Close()
	c.Start()

	watchers := startWatchers(cfg, c, logger)
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	server := router.New(cfg.Aegis.Listen, c, m, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.Aegis.Listen))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// startWatchers subscribes to newHeads on every profile that exposes a
// WebSocket endpoint, feeding chain tips into the cache.
func startWatchers(cfg *config.File, c *client.Client, logger *zap.Logger) []*blockwatch.Watcher {
	if !cfg.Stream.Enabled {
		return nil
	}
	var watchers []*blockwatch.Watcher
	for chain, profiles := range cfg.Chains {
		for _, p := range profiles {
			ws := p.WSEndpoint()
			if ws == "" {
				continue
			}
			w := blockwatch.New(p.ChainID, ws, c.Cache(), blockwatch.Config{
				PingInterval:   cfg.Stream.PingInterval,
				PongWait:       cfg.Stream.PongWait,
				ReconnectBase:  cfg.Stream.ReconnectBase,
				MaxMessageSize: cfg.Stream.MaxMessageSize,
			}, logger)
			w.Start()
			watchers = append(watchers, w)
			logger.Info("watching new heads",
				zap.String("chain", chain), zap.String("provider", p.Name))
			break // one stream per chain is enough for reorg tracking
		}
	}
	return watchers
}
