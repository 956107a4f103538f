package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"aegis/internal/client"
	"aegis/internal/config"
	"aegis/internal/metrics"
	"aegis/internal/router"
)

// Set via -ldflags at release build.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	meterWidth = 48
	meterCeil  = 500.0 // requests per second at full deflection
	smoothing  = 0.3
)

// throughput redraws a one-line request rate meter on stdout every second.
func throughput() func() {
	done := make(chan struct{})
	frames := []byte(`|/-\`)

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		var prev uint64
		var rate float64
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-tick.C:
				total := router.TotalReq.Load()
				inst := float64(total - prev)
				prev = total

				rate = smoothing*inst + (1-smoothing)*rate
				fill := int(rate / meterCeil * meterWidth)
				if fill > meterWidth {
					fill = meterWidth
				}
				meter := strings.Repeat("#", fill) + strings.Repeat(".", meterWidth-fill)
				fmt.Fprintf(os.Stdout, "\r%c [%s] %6s req/s  %s served",
					frames[i%len(frames)], meter,
					humanize.SI(rate, ""), humanize.Comma(int64(total)))
			}
		}
	}()

	return func() { close(done); fmt.Fprintln(os.Stdout) }
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	showVersion := flag.Bool("version", false, "show version information")
	cfgPath := flag.String("c", "config.toml", "path to config.toml file")
	envPath := flag.String("e", ".env", "path to .env file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aegis version %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	if _, err := os.Stat(*envPath); err == nil {
		if err := godotenv.Load(*envPath); err != nil {
			log.Fatalf("loading .env file: %v", err)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

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

	server := router.New(cfg.Aegis.Listen, c, m, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	stop := throughput()
	defer stop()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
