// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"bookledger/internal/chaos"
	"bookledger/internal/circulation"
	"bookledger/internal/clients"
	"bookledger/internal/config"
	"bookledger/internal/server"
	"bookledger/internal/telemetry"
)

func main() {
	var (
		target      = flag.String("target", "", "base URL of a running server; empty runs in-process against STORE")
		concurrency = flag.Int("concurrency", 16, "racing callers per experiment")
		duration    = flag.Duration("duration", 5*time.Second, "observation window per experiment")
		pause       = flag.Duration("pause", time.Second, "pause between experiments")
	)
	flag.Parse()

	held, err := run(*target, *concurrency, *duration, *pause)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(1)
	}
	if !held {
		os.Exit(2)
	}
}

func run(targetURL string, concurrency int, duration, pause time.Duration) (bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return false, err
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	retry := circulation.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
	}

	var target chaos.Target
	if targetURL != "" {
		remote := clients.NewRemote(targetURL, nil)
		target = chaos.Target{Circulation: remote, Auditor: remote, Catalog: remote, Retry: retry}
		logger.Info("targeting remote server", "url", targetURL)
	} else {
		deps, closeStore, err := server.Build(ctx, cfg, logger)
		if err != nil {
			return false, err
		}
		defer closeStore()
		target = chaos.Target{Circulation: deps.Circulation, Auditor: deps.Auditor, Catalog: deps.Catalog, Retry: retry}
	}

	engine := chaos.NewEngine(logger)
	engine.RegisterExperiments(target, concurrency, duration)

	return engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Race Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     pause,
	})
}
