package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/termdeck/termdeck/internal/audit"
	"github.com/termdeck/termdeck/internal/backend"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/database"
	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/mux"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/server"
	"github.com/termdeck/termdeck/internal/session"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logging.Init(settings.LogPath)

	db, err := database.Open(filepath.Join(settings.DataPath, "termdeck.db"), &audit.Event{})
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}

	// A broken catalog aborts startup: running without the dangerous
	// pattern set would silently allow everything it exists to block.
	catalog := policy.DefaultCatalog()
	if settings.CatalogPath != "" {
		catalog, err = policy.LoadCatalogFile(settings.CatalogPath)
		if err != nil {
			log.Fatalf("Catalog load: %v", err)
		}
		log.Printf("Loaded command catalog from %s", settings.CatalogPath)
	}
	validator := policy.NewValidator(catalog)

	registry := session.NewRegistry(settings.MaxSessions, settings.MaxHistoryPerSession)
	auditor := audit.NewAuditor(db)

	backendURL := settings.BackendURL
	var backendSrv *http.Server
	if backendURL == "" {
		sshClient, err := backend.DialSSH(settings.SSHAddr, settings.SSHUser, settings.SSHPassword)
		if err != nil {
			log.Fatalf("SSH dial %s: %v", settings.SSHAddr, err)
		}
		defer sshClient.Close()

		backendSrv = &http.Server{
			Addr:    settings.BackendListen,
			Handler: backend.NewServer(backend.SSHFactory(sshClient)).Handler(),
		}
		go func() {
			log.Printf("Execution backend listening on %s", settings.BackendListen)
			if err := backendSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Backend server error: %v", err)
			}
		}()
		backendURL = "ws://" + settings.BackendListen + "/tunnel"
	}

	m := mux.New(mux.Config{
		HandshakeTimeout:     settings.HandshakeTimeout,
		ReconnectMaxAttempts: settings.ReconnectMaxAttempts,
		BackoffMin:           settings.ReconnectBackoffMin,
		BackoffMax:           settings.ReconnectBackoffMax,
		ResizeDebounce:       settings.ResizeDebounce,
		ResizeMinDelta:       settings.ResizeMinDelta,
		ProbeInterval:        settings.ProbeInterval,
		ProbeTimeout:         settings.ProbeTimeout,
		ProbeMaxFailures:     settings.ProbeMaxFailures,
		IdleTimeout:          settings.IdleTimeout,
	}, registry, validator, auditor, mux.DialWS(backendURL))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.Start(sigCtx)

	jobs := cron.New()
	if _, err := jobs.AddFunc("0 3 * * *", func() {
		retention := time.Duration(settings.AuditRetentionDays) * 24 * time.Hour
		removed, err := auditor.Purge(retention)
		if err != nil {
			log.Printf("Audit purge failed: %v", err)
			return
		}
		log.Printf("Audit purge removed %d events older than %d days", removed, settings.AuditRetentionDays)
	}); err != nil {
		log.Fatalf("Schedule audit purge: %v", err)
	}
	if settings.IdleTimeout > 0 {
		if _, err := jobs.AddFunc("@every 5m", func() {
			if n := m.SweepIdle(); n > 0 {
				log.Printf("Idle sweep destroyed %d sessions", n)
			}
		}); err != nil {
			log.Fatalf("Schedule idle sweep: %v", err)
		}
	}
	jobs.Start()
	defer jobs.Stop()

	srv := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: server.New(settings, m, registry, catalog, auditor).Routes(),
	}

	go func() {
		log.Printf("Server starting on %s", settings.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	if backendSrv != nil {
		if err := backendSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Backend shutdown: %v", err)
		}
	}
	log.Println("Server stopped")
}
