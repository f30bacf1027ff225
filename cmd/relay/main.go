package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/chatspout/internal/archive"
	"github.com/you/chatspout/internal/config"
	httpadmin "github.com/you/chatspout/internal/http"
	"github.com/you/chatspout/internal/httpapi"
	"github.com/you/chatspout/internal/hub"
	"github.com/you/chatspout/internal/pipeline"
	"github.com/you/chatspout/internal/ratelimit"
	"github.com/you/chatspout/internal/storage"
	"github.com/you/chatspout/internal/version"
	"github.com/you/chatspout/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		dbPath      string
		httpAddr    string
		adminAddr   string
		corsOrigins string
		seedFile    string
		trace       bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "spout.db", "Path to SQLite database file")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8080)")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin API address (e.g., :8081)")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.StringVar(&seedFile, "webhook-seed", "", "Path to webhook destination seed JSON")
	flag.BoolVar(&trace, "trace", false, "Log a per-event pipeline stage trace")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"relay version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["admin-addr"] {
		cfg.HTTP.AdminAddr = strings.TrimSpace(adminAddr)
	}
	if overrides["http-cors-origins"] {
		var origins []string
		for _, origin := range strings.Split(corsOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.HTTP.AllowedOrigins = origins
	}
	if overrides["webhook-seed"] {
		cfg.Webhook.SeedPath = strings.TrimSpace(seedFile)
	}
	if overrides["trace"] {
		cfg.Trace = trace
	}

	log.Printf("%s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("relay: received %s, shutting down", sig)
		cancel()
	}()

	db, err := storage.Open(cfg.SQLite.Path)
	if err != nil {
		log.Fatalf("relay: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("relay: closing sqlite: %v", err)
		}
	}()
	if err := migrateSQLite(ctx, db); err != nil {
		log.Fatalf("relay: sqlite migrate: %v", err)
	}

	archiveStore := archive.NewStore(db)
	buffer := archive.NewBuffer(archiveStore, archive.Options{
		MaxBatch:         cfg.Archive.BatchSize,
		FlushInterval:    cfg.FlushInterval(),
		OverflowMultiple: cfg.Archive.OverflowMultiple,
	})

	metrics := httpapi.NewMetrics()

	limiter := ratelimit.New(ratelimit.Options{
		Window:      cfg.RateWindow(),
		AnonCeiling: cfg.Rate.AnonCeiling,
		TierCeilings: map[ratelimit.Tier]int{
			ratelimit.TierBasic:     cfg.Rate.BasicRPM,
			ratelimit.TierPro:       cfg.Rate.ProRPM,
			ratelimit.TierUnlimited: ratelimit.Unlimited,
		},
		SweepInterval: cfg.SweepInterval(),
		Store:         ratelimit.NewSQLiteStore(db),
	})
	if err := limiter.LoadState(); err != nil {
		log.Fatalf("relay: load rate limit state: %v", err)
	}
	go limiter.Run(ctx)

	dispatcher := webhook.NewDispatcher(webhook.DispatcherOptions{
		Transport:      webhook.NewHTTPTransport(cfg.WebhookTimeout()),
		Store:          webhook.NewSQLiteStore(db),
		Last:           buffer,
		OutboundPerSec: float64(cfg.Webhook.OutboundPerSec),
		QueueDepth:     cfg.Webhook.QueueDepth,
		Retries:        &cfg.Webhook.Retries,
	})
	if err := dispatcher.LoadState(); err != nil {
		log.Fatalf("relay: load webhook subscriptions: %v", err)
	}
	if cfg.Webhook.SeedPath != "" {
		n, err := dispatcher.ReloadSeed(cfg.Webhook.SeedPath)
		if err != nil {
			log.Printf("relay: webhook seed load: %v", err)
		} else {
			log.Printf("relay: webhook seed loaded, %d destinations", n)
		}
		if err := dispatcher.WatchSeed(cfg.Webhook.SeedPath); err != nil {
			log.Printf("relay: webhook seed watch: %v", err)
		}
	}
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	events := hub.New(hub.Options{
		ClientBuffer: cfg.Hub.ClientBuffer,
		RateInterval: cfg.HubRateInterval(),
		OnDrop: func(handle, topic string) {
			metrics.IncBroadcastDrops("hub")
		},
	})
	go events.Run(ctx)

	pipe := pipeline.New(pipeline.Options{
		Archive:        buffer,
		Hub:            events,
		Webhooks:       dispatcher,
		Trace:          cfg.Trace,
		OnArchiveError: metrics.IncArchiveErrors,
	})

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(httpapi.Deps{
		Pipeline: pipe,
		Hub:      events,
		Buffer:   buffer,
		Store:    archiveStore,
		Limiter:  limiter,
		Webhooks: dispatcher,
	}, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		AdminToken:     cfg.HTTP.AdminToken,
		Build:          build,
		ConfigSummary:  cfg.Summary(),
		Metrics:        metrics,
	})

	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("relay: http api: %v", err)
		}
	}()

	var adminSrv *http.Server
	if cfg.HTTP.AdminAddr != "" {
		adminMux := http.NewServeMux()
		httpadmin.New(limiter, dispatcher, httpadmin.Options{
			Token:    cfg.HTTP.AdminToken,
			SeedPath: cfg.Webhook.SeedPath,
		}).Register(adminMux)
		adminSrv = &http.Server{
			Addr:              cfg.HTTP.AdminAddr,
			Handler:           adminMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("relay: admin api: %v", err)
			}
		}()
		log.Printf("relay: admin api ready on %s", cfg.HTTP.AdminAddr)
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay: http api shutdown: %v", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("relay: admin api shutdown: %v", err)
		}
	}
	cancelShutdown()

	// Dispatcher drains its queue after cancellation; wait briefly.
	select {
	case <-dispatcherDone:
	case <-time.After(5 * time.Second):
		log.Printf("relay: webhook dispatcher drain timed out")
	}

	events.Close()

	if err := buffer.Close(); err != nil {
		log.Printf("relay: final archive flush: %v", err)
	}
	log.Printf("relay: shutdown complete")
}
