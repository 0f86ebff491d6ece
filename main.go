package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"issuescan/internal/api"
	"issuescan/internal/config"
	"issuescan/internal/fetcher"
	"issuescan/internal/github"
	"issuescan/internal/history"
	"issuescan/internal/lock"
	"issuescan/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	log.Println("Initializing IssueScan Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("API Port: %d", cfg.APIPort)
	log.Printf("Fetch: threshold=%d max_interval=%dd min_interval=%dd batch=%d",
		cfg.SearchThreshold, cfg.MaxIntervalDays, cfg.MinIntervalDays, cfg.BatchSize)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	client := github.NewClient(github.Config{
		Endpoint: cfg.UpstreamURL,
		Token:    cfg.UpstreamToken,
		MaxBatch: cfg.BatchSize,
	})

	rangeFetcher := fetcher.New(client, fetcher.Config{
		Threshold:       cfg.SearchThreshold,
		MaxIntervalDays: cfg.MaxIntervalDays,
		MinIntervalDays: cfg.MinIntervalDays,
		BatchSize:       cfg.BatchSize,
	})

	locker := lock.New(repo, lock.Config{
		Timeout:           cfg.LockTimeout(),
		HeartbeatInterval: cfg.LockHeartbeat(),
	})
	defer locker.Close()

	svc := history.NewService(repo, locker, client, rangeFetcher, history.Config{
		CacheFreshness: cfg.CacheFreshness(),
	})

	api.BuildCommit = BuildCommit
	apiServer := api.NewServer(svc, locker, strconv.Itoa(cfg.APIPort), cfg.AdminJWTKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM — will block on sigChan at end of main()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		log.Printf("Starting API Server on :%d", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	// Periodic lock sweep: any instance may garbage-collect rows left behind
	// by crashed workers.
	go func() {
		ticker := time.NewTicker(cfg.LockSweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 30*time.Second)
				n, err := locker.SweepExpired(sweepCtx)
				sweepCancel()
				if err != nil {
					log.Printf("[lock_sweep] error: %v", err)
				} else if n > 0 {
					log.Printf("[lock_sweep] removed %d expired lock(s)", n)
				}
			}
		}
	}()

	// Block until shutdown signal.
	<-sigChan
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
