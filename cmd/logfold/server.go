package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logfold/logfold/internal/collab"
	"github.com/logfold/logfold/internal/detector"
	"github.com/logfold/logfold/internal/duckdb"
	"github.com/logfold/logfold/internal/httpserver"
	"github.com/logfold/logfold/internal/pattern"
	"github.com/logfold/logfold/internal/pipeline"
	"github.com/logfold/logfold/internal/queue"
	"github.com/logfold/logfold/internal/scheduler"
)

// runServer wires the full pipeline and serves the HTTP API.
func runServer(cfg appConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Durable storage is a hard startup requirement. Refuse to serve
	// rather than run with no persistence.
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	// Events left in processing by a crashed run can never be claimed
	// again; hand them back before any consumer starts.
	if n, err := store.RecoverInFlightEvents(context.Background()); err != nil {
		return fmt.Errorf("failed to recover in-flight events: %w", err)
	} else if n > 0 {
		log.Printf("recovered %d in-flight event(s) from a previous run", n)
	}

	rules := pattern.DefaultRules()
	if cfg.RulePath != "" {
		rules, err = pattern.LoadRules(cfg.RulePath)
		if err != nil {
			return fmt.Errorf("failed to load rule table: %w", err)
		}
	}
	norm, err := pattern.NewNormalizer(rules)
	if err != nil {
		return fmt.Errorf("invalid rule table: %w", err)
	}
	agg := pattern.NewAggregator(norm, pattern.Config{SampleCap: cfg.SampleCap})

	sched := scheduler.New(agg, store, scheduler.Config{
		FlushInterval: cfg.FlushInterval,
		MaxPatterns:   cfg.FlushMaxSize,
		FlushOnError:  cfg.FlushOnError,
	})
	defer sched.Stop()

	q := queue.New(store)

	det := detector.New(store, q, detector.Config{
		Interval:  cfg.ScanInterval,
		BatchSize: cfg.ScanBatchSize,
	})
	det.Start()
	defer det.Stop()

	coord := pipeline.New(store, q,
		collab.NewEmbeddingsClient(cfg.EmbedURL, collab.EmbeddingsConfig{Timeout: cfg.EmbedTimeout}),
		collab.NewAnalyticsClient(cfg.AnalyzeURL, collab.AnalyticsConfig{Timeout: cfg.AnalyzeTimeout}),
		pipeline.Config{
			PollInterval: cfg.PollInterval,
			Workers:      cfg.WorkerCount,
		},
	)
	coord.Start()
	defer coord.Stop()

	apiServer := httpserver.NewServer(cfg.APIAddr, store, sched, det, coord, q)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer apiServer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now — not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	log.Printf("serving on %s (db=%s, flush=%s, scan=%s, poll=%s, workers=%d)",
		cfg.APIAddr, cfg.DBPath, cfg.FlushInterval, cfg.ScanInterval, cfg.PollInterval, cfg.WorkerCount)

	g, gctx := errgroup.WithContext(ctx)

	// Keep the backlog gauge fresh between polls.
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := q.PendingCount(gctx); err != nil {
					log.Printf("server: backlog refresh failed: %v", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	signal.Stop(sigCh)
	return nil
}
